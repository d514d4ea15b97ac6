// Package wirelog writes the per-message traffic log used when debugging
// desyncs. The log is an ordinary text file named shoryu.<ms>.log, truncated
// on open. A nil *Log is valid and disables all output, which is how
// production sessions run.
package wirelog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shoryu-net/shoryu/internal/util"
	"github.com/shoryu-net/shoryu/protocol"
)

// Direction of a logged message relative to the local peer.
const (
	DirOut = "--^"
	DirIn  = "<--"
)

// Log is an append-only session traffic log.
type Log struct {
	mu sync.Mutex
	f  *os.File
}

// Open creates shoryu.<time_ms>.log in dir (current directory when empty),
// truncating any previous file of the same name.
func Open(dir string) (*Log, error) {
	name := fmt.Sprintf("shoryu.%d.log", util.TimeMS())
	if dir != "" {
		name = filepath.Join(dir, name)
	}
	f, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("wirelog: %w", err)
	}
	return &Log{f: f}, nil
}

// Message records one message crossing the wire:
//
//	[<ms>] <Kind> <frame_id> (<side>) <dir> (<peer_side>) <addr>:<port>
func (l *Log) Message(kind protocol.MessageType, frameID int64, side int, dir string, peerSide int, ep protocol.Endpoint) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.f, "[%20d] %-6s %7d (%d) %s (%d) %s\n",
		util.TimeMS(), kind, frameID, side, dir, peerSide, ep)
}

// Printf records a free-form event line.
func (l *Log) Printf(format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.f, "[%20d] ", util.TimeMS())
	fmt.Fprintf(l.f, format, args...)
	fmt.Fprintln(l.f)
}

// Close flushes and closes the file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
