package wirelog

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shoryu-net/shoryu/protocol"
)

func TestLog_WritesEntries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	ep := netip.MustParseAddrPort("127.0.0.1:7500")
	l.Message(protocol.TypeFrame, 42, 1, DirOut, 0, ep)
	l.Printf("established as side %d", 1)
	require.NoError(t, l.Close())

	entries, err := filepath.Glob(filepath.Join(dir, "shoryu.*.log"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(entries[0])
	require.NoError(t, err)
	text := string(data)
	require.Contains(t, text, "Frame")
	require.Contains(t, text, "--^")
	require.Contains(t, text, "127.0.0.1:7500")
	require.Contains(t, text, "established as side 1")
}

func TestLog_NilIsDisabled(t *testing.T) {
	t.Parallel()

	var l *Log
	l.Message(protocol.TypeFrame, 1, 0, DirIn, 1, netip.MustParseAddrPort("127.0.0.1:1"))
	l.Printf("ignored")
	require.NoError(t, l.Close())
}
