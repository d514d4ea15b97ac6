// Package session implements the peer-to-peer lockstep session: a star of 2
// to 8 peers (side 0 hosts, the rest join) exchanging per-tick input frames
// and out-of-band data blobs over the reliable UDP transport, with a
// negotiated input delay so the simulation never stalls on the network in the
// common case.
package session

import (
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shoryu-net/shoryu/internal/syncutil"
	"github.com/shoryu-net/shoryu/internal/wirelog"
	"github.com/shoryu-net/shoryu/protocol"
	"github.com/shoryu-net/shoryu/transport"
)

var (
	// ErrInvalidState is returned by any blocking call made outside a
	// connected session, including calls aborted by Shutdown.
	ErrInvalidState = errors.New("session: invalid state")
	// ErrTimeout is returned when a blocking call's timeout elapses. Benign:
	// the caller may retry.
	ErrTimeout = errors.New("session: timeout")
	// ErrDenied is returned from Create/Join when the state check rejected
	// the peer (either direction).
	ErrDenied = errors.New("session: state mismatch")
	// ErrShutdown is returned from Create/Join interrupted by Shutdown.
	ErrShutdown = errors.New("session: shut down")
)

// StateCheck decides whether two parties run compatible initial state.
type StateCheck func(local, remote protocol.State) bool

// Options tunes a Session. The zero value is usable; fields default as noted.
type Options struct {
	// Username travels in Join/Info and is queryable per endpoint.
	// Defaults to "player".
	Username string

	// DelayHost makes the host publish its inputs at frame+delay like every
	// joiner. When false (the default) the host publishes at frame+1 and so
	// runs effectively one tick ahead of the joiners; see DESIGN.md.
	DelayHost bool

	// Artificial fault injection on this session's outgoing datagrams.
	SendDelayMin int // ms
	SendDelayMax int // ms
	PacketLoss   int // percent

	// RTT priming during the join handshake. Defaults: 150 probes, 50ms
	// apart. Tests shrink these.
	PingProbes   int
	PingInterval time.Duration

	// Workers is the transport reader goroutine count. Defaults to 2.
	Workers int

	// WireLog enables the shoryu.<ms>.log traffic log in WireLogDir.
	WireLog    bool
	WireLogDir string
}

// Session is the top-level lockstep object. All methods are safe for
// concurrent use; the blocking ones accept a timeout where zero means wait
// forever.
type Session struct {
	codec *protocol.Codec
	async *transport.AsyncTransport
	opts  Options
	wlog  *wirelog.Log

	currentState atomic.Uint32 // protocol.MessageType: handshake phase
	shuttingDown atomic.Bool
	endSession   atomic.Bool
	delay        atomic.Int32

	// mu guards steady-state: tables, frame/data cursors, roster, wake
	// channels.
	mu        sync.Mutex
	frameWake chan struct{}
	dataWake  chan struct{}

	frame      int64
	dataIndex  int64
	side       int
	eps        []protocol.Endpoint
	frameTable []map[int64]protocol.Frame
	dataTable  []map[int64][]byte
	usernames  map[protocol.Endpoint]string
	username   string

	firstReceivedFrame int64
	lastReceivedFrame  int64

	state      protocol.State
	stateCheck StateCheck

	errMu     sync.Mutex
	lastError string

	hs handshake
}

// New creates a Session. The codec's factories materialize the user's Frame
// and State types on receive.
func New(codec *protocol.Codec, opts Options) *Session {
	if opts.Username == "" {
		opts.Username = "player"
	}
	if opts.PingProbes <= 0 {
		opts.PingProbes = 150
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 50 * time.Millisecond
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	s := &Session{
		codec:     codec,
		async:     transport.New(codec),
		opts:      opts,
		frameWake: make(chan struct{}),
		dataWake:  make(chan struct{}),
		username:  opts.Username,
	}
	s.hs.sem = syncutil.NewSemaphore()
	s.clear()
	return s
}

// Bind starts the transport on the given UDP port (0 picks one; see Port).
func (s *Session) Bind(port int) error {
	if err := s.async.Start(port, s.opts.Workers); err != nil {
		return err
	}
	if s.opts.WireLog && s.wlog == nil {
		wl, err := wirelog.Open(s.opts.WireLogDir)
		if err != nil {
			s.async.Stop()
			return err
		}
		s.wlog = wl
	}
	return nil
}

// Unbind stops the transport and closes the wire log.
func (s *Session) Unbind() {
	s.async.Stop()
	s.wlog.Close()
	s.wlog = nil
}

// Port reports the transport's bound UDP port.
func (s *Session) Port() int { return s.async.Port() }

// status reads the handshake phase.
func (s *Session) status() protocol.MessageType {
	return protocol.MessageType(s.currentState.Load())
}

func (s *Session) setStatus(t protocol.MessageType) {
	s.currentState.Store(uint32(t))
}

// Status returns the connection phase: TypeNone before/after a session,
// TypeReady while connected, intermediate kinds during the handshake.
func (s *Session) Status() protocol.MessageType { return s.status() }

// Set publishes the local simulator's input for the current tick. The input
// lands at frame+delay (host: frame+1 unless Options.DelayHost) and is
// flushed to every peer.
func (s *Session) Set(f protocol.Frame) error {
	if s.status() == protocol.TypeNone {
		return ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dest := s.frame
	if s.side == 0 && !s.opts.DelayHost {
		dest++
	} else {
		dest += int64(s.delay.Load())
	}

	s.frameTable[s.side][dest] = f
	msg := &protocol.Message{
		Cmd:     protocol.TypeFrame,
		Side:    uint8(s.side),
		FrameID: dest,
		Frame:   f,
	}
	s.queueMessage(msg)
	s.sendAll()
	return nil
}

// Get blocks until side's input for frameID has arrived, Shutdown aborts the
// wait, or the timeout elapses. Frames below the negotiated delay are the
// prologue: a zero-value frame is returned immediately. On success the table
// entry for frameID−1 is evicted.
func (s *Session) Get(side int, frameID int64, timeout time.Duration) (protocol.Frame, error) {
	if s.status() == protocol.TypeNone {
		return nil, ErrInvalidState
	}
	if frameID < int64(s.delay.Load()) {
		return s.codec.NewFrame(), nil
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	s.mu.Lock()
	for {
		if s.status() == protocol.TypeNone {
			s.mu.Unlock()
			return nil, ErrInvalidState
		}
		if side < len(s.frameTable) {
			if f, ok := s.frameTable[side][frameID]; ok {
				delete(s.frameTable[side], frameID-1)
				s.mu.Unlock()
				return f, nil
			}
		}
		wake := s.frameWake
		s.mu.Unlock()

		if !s.waitWake(wake, deadline) {
			return nil, ErrTimeout
		}
		s.mu.Lock()
	}
}

// GetCurrent is Get for the current local tick.
func (s *Session) GetCurrent(side int, timeout time.Duration) (protocol.Frame, error) {
	s.mu.Lock()
	frameID := s.frame
	s.mu.Unlock()
	return s.Get(side, frameID, timeout)
}

// waitWake blocks until wake closes or the deadline passes (zero deadline
// waits forever). Reports false on deadline.
func (s *Session) waitWake(wake <-chan struct{}, deadline time.Time) bool {
	if deadline.IsZero() {
		<-wake
		return true
	}
	remain := time.Until(deadline)
	if remain <= 0 {
		return false
	}
	timer := time.NewTimer(remain)
	defer timer.Stop()
	select {
	case <-wake:
		return true
	case <-timer.C:
		return false
	}
}

// QueueData publishes a blob on the reliable side channel and flushes it.
func (s *Session) QueueData(b []byte) error {
	if s.status() == protocol.TypeNone {
		return ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := &protocol.Message{
		Cmd:     protocol.TypeData,
		Side:    uint8(s.side),
		FrameID: s.dataIndex,
		Data:    b,
	}
	s.dataIndex++
	s.queueMessage(msg)
	s.sendAll()
	return nil
}

// GetData blocks until side's next blob (in publication order) is available.
// The read entry is erased and the data cursor advances.
func (s *Session) GetData(side int, timeout time.Duration) ([]byte, error) {
	if s.status() == protocol.TypeNone {
		return nil, ErrInvalidState
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	s.mu.Lock()
	for {
		if s.status() == protocol.TypeNone {
			s.mu.Unlock()
			return nil, ErrInvalidState
		}
		if side < len(s.dataTable) {
			if b, ok := s.dataTable[side][s.dataIndex]; ok {
				delete(s.dataTable[side], s.dataIndex)
				s.dataIndex++
				s.mu.Unlock()
				return b, nil
			}
		}
		wake := s.dataWake
		s.mu.Unlock()

		if !s.waitWake(wake, deadline) {
			return nil, ErrTimeout
		}
		s.mu.Lock()
	}
}

// NextFrame advances the local tick counter.
func (s *Session) NextFrame() {
	s.mu.Lock()
	s.frame++
	s.mu.Unlock()
}

// Frame returns the local tick counter.
func (s *Session) Frame() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// SetFrame overrides the local tick counter (used when resuming mid-stream).
func (s *Session) SetFrame(f int64) {
	s.mu.Lock()
	s.frame = f
	s.mu.Unlock()
}

// Side returns this peer's roster index; 0 is the host.
func (s *Session) Side() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.side
}

// Delay returns the negotiated input delay in ticks.
func (s *Session) Delay() int { return int(s.delay.Load()) }

// SetDelay overrides the input delay (pair with ReannounceDelay).
func (s *Session) SetDelay(d int) { s.delay.Store(int32(d)) }

// Endpoints returns a copy of the roster, self included at index Side.
func (s *Session) Endpoints() []protocol.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Endpoint, len(s.eps))
	copy(out, s.eps)
	return out
}

// FirstReceivedFrame returns the lowest remote frame id seen, or −1.
func (s *Session) FirstReceivedFrame() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstReceivedFrame
}

// LastReceivedFrame returns the highest remote frame id seen, or −1.
func (s *Session) LastReceivedFrame() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReceivedFrame
}

// RandSeed returns the seed the host distributed in Info. Identical on every
// peer of a session; feeds the simulator's deterministic PRNG.
func (s *Session) RandSeed() uint32 { return s.hs.randSeed.Load() }

// Username returns the username announced by the peer at ep.
func (s *Session) Username(ep protocol.Endpoint) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usernames[ep]
}

// LastError returns the most recent transport error text, empty if none.
// Transport errors are report-only; they never abort the session.
func (s *Session) LastError() string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastError
}

func (s *Session) setLastError(err error) {
	s.errMu.Lock()
	s.lastError = err.Error()
	s.errMu.Unlock()
}

// ReannounceDelay broadcasts the current delay to every peer.
func (s *Session) ReannounceDelay() error {
	if s.status() == protocol.TypeNone {
		return ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := &protocol.Message{
		Cmd:   protocol.TypeDelay,
		Side:  uint8(s.side),
		Delay: uint8(s.delay.Load()),
	}
	s.queueMessage(msg)
	s.sendAll()
	return nil
}

// SendEndSessionRequest broadcasts EndSession and raises the local flag.
func (s *Session) SendEndSessionRequest() {
	s.endSession.Store(true)
	if s.status() == protocol.TypeNone {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueMessage(&protocol.Message{Cmd: protocol.TypeEndSession, Side: uint8(s.side)})
	s.sendAll()
}

// EndSessionRequested reports whether any peer (this one included) has
// requested termination. The simulator polls it to exit its loop.
func (s *Session) EndSessionRequested() bool { return s.endSession.Load() }

// ClearQueue drops outstanding messages to every peer.
func (s *Session) ClearQueue() error {
	if s.status() == protocol.TypeNone {
		return ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ep := range s.eps {
		s.async.ClearQueue(ep)
	}
	return nil
}

// PeerStats returns transport stats for ep.
func (s *Session) PeerStats(ep protocol.Endpoint) transport.PeerStats {
	return s.async.Peer(ep)
}

// Shutdown aborts every blocked call and clears the session. Idempotent;
// subsequent blocking calls fail with ErrInvalidState. The transport stays
// bound — call Unbind to release the socket.
func (s *Session) Shutdown() {
	s.shuttingDown.Store(true)
	s.clear()
	s.mu.Lock()
	s.wakeFrameLocked()
	s.wakeDataLocked()
	s.mu.Unlock()
	s.hs.sem.Post()
}

// clear resets to the disconnected state.
func (s *Session) clear() {
	s.mu.Lock()
	s.usernames = make(map[protocol.Endpoint]string)
	s.firstReceivedFrame = -1
	s.lastReceivedFrame = -1
	s.delay.Store(0)
	s.side = 0
	s.frame = 0
	s.dataIndex = 0
	s.setStatus(protocol.TypeNone)
	s.eps = nil
	s.endSession.Store(false)
	s.frameTable = nil
	s.dataTable = nil
	s.mu.Unlock()

	s.hs.sem.Clear()
	s.errMu.Lock()
	s.lastError = ""
	s.errMu.Unlock()
	s.async.ErrorHandler(nil)
	s.async.ReceiveHandler(nil)
}

// allocTablesLocked sizes the per-side frame and data tables for the roster.
// Caller holds s.mu.
func (s *Session) allocTablesLocked(sides int) {
	s.frameTable = make([]map[int64]protocol.Frame, sides)
	s.dataTable = make([]map[int64][]byte, sides)
	for i := 0; i < sides; i++ {
		s.frameTable[i] = make(map[int64]protocol.Frame)
		s.dataTable[i] = make(map[int64][]byte)
	}
}

// queueMessage queues msg along the star: joiners address only the host,
// the host addresses every joiner. Caller holds s.mu.
func (s *Session) queueMessage(msg *protocol.Message) {
	if s.side != 0 {
		s.wlog.Message(msg.Cmd, msg.FrameID, s.side, wirelog.DirOut, 0, s.eps[0])
		s.async.Queue(s.eps[0], msg)
		return
	}
	for i := 1; i < len(s.eps); i++ {
		s.wlog.Message(msg.Cmd, msg.FrameID, s.side, wirelog.DirOut, i, s.eps[i])
		s.async.Queue(s.eps[i], msg)
	}
}

// sendAll flushes the queues this peer owns along the star. Caller holds
// s.mu.
func (s *Session) sendAll() int {
	n := 0
	for i := range s.eps {
		if i == 1 && s.side != 0 {
			break
		}
		if i == s.side {
			continue
		}
		n += s.send(s.eps[i])
	}
	return n
}

// send flushes one endpoint, applying the session's fault injection.
func (s *Session) send(ep protocol.Endpoint) int {
	if s.opts.PacketLoss == 0 && s.opts.SendDelayMax == 0 {
		return s.async.Send(ep)
	}
	delay := s.opts.SendDelayMin
	if spread := s.opts.SendDelayMax - s.opts.SendDelayMin; spread > 0 {
		delay += rand.IntN(spread)
	}
	return s.async.SendOpts(ep, delay, s.opts.PacketLoss)
}

func (s *Session) wakeFrameLocked() {
	close(s.frameWake)
	s.frameWake = make(chan struct{})
}

func (s *Session) wakeDataLocked() {
	close(s.dataWake)
	s.dataWake = make(chan struct{})
}

// connectionEstablished switches the transport callbacks over to steady
// state.
func (s *Session) connectionEstablished() {
	s.wlog.Printf("established, roster %v", s.Endpoints())
	s.async.ErrorHandler(func(err error) { s.setLastError(err) })
	s.async.ReceiveHandler(s.steadyRecv)
}

// steadyRecv is the connected-state receive callback.
func (s *Session) steadyRecv(ep protocol.Endpoint, msg *protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steadyHandleLocked(ep, msg)
}

// steadyHandleLocked routes one delivered message: the host echoes joiner
// traffic to the other joiners, then the message lands in the local tables.
// Messages claiming this peer's own side are dropped. Caller holds s.mu.
func (s *Session) steadyHandleLocked(ep protocol.Endpoint, msg *protocol.Message) {
	s.wlog.Message(msg.Cmd, msg.FrameID, s.side, wirelog.DirIn, int(msg.Side), ep)

	side := int(msg.Side)
	if side == s.side {
		return
	}

	// Star echo: joiner-to-joiner traffic traverses the host.
	if s.side == 0 && side != 0 {
		switch msg.Cmd {
		case protocol.TypeFrame, protocol.TypeData, protocol.TypeDelay, protocol.TypeEndSession:
			for i := 1; i < len(s.eps); i++ {
				if i == side {
					continue
				}
				s.async.Queue(s.eps[i], msg)
				s.send(s.eps[i])
			}
		}
	}

	switch msg.Cmd {
	case protocol.TypeFrame:
		if side >= len(s.frameTable) {
			return
		}
		s.frameTable[side][msg.FrameID] = msg.Frame
		if s.firstReceivedFrame < 0 || msg.FrameID < s.firstReceivedFrame {
			s.firstReceivedFrame = msg.FrameID
		}
		if s.lastReceivedFrame < 0 || msg.FrameID > s.lastReceivedFrame {
			s.lastReceivedFrame = msg.FrameID
		}
		s.wakeFrameLocked()

	case protocol.TypeData:
		if side >= len(s.dataTable) {
			return
		}
		s.dataTable[side][msg.FrameID] = msg.Data
		s.wakeDataLocked()
		if s.side == 0 || side == 0 {
			s.send(ep)
		}

	case protocol.TypeDelay:
		s.delay.Store(int32(msg.Delay))
		if s.side == 0 || side == 0 {
			s.send(ep)
		}

	case protocol.TypeEndSession:
		s.endSession.Store(true)
		if s.side == 0 || side == 0 {
			s.send(ep)
		}
	}
}
