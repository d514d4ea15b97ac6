package transport_test

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shoryu-net/shoryu/protocol"
	"github.com/shoryu-net/shoryu/transport"
)

// testFrame and testState satisfy the codec factories; the transport itself
// never looks inside them.
type testFrame struct {
	V uint8
}

func (f *testFrame) EncodeTo(w *protocol.Writer) { w.U8(f.V) }

func (f *testFrame) DecodeFrom(r *protocol.Reader) error {
	f.V = r.U8()
	return r.Err()
}

type testState struct {
	Hash uint32
}

func (s *testState) EncodeTo(w *protocol.Writer) { w.U32(s.Hash) }

func (s *testState) DecodeFrom(r *protocol.Reader) error {
	s.Hash = r.U32()
	return r.Err()
}

func testCodec() *protocol.Codec {
	return &protocol.Codec{
		NewFrame: func() protocol.Frame { return &testFrame{} },
		NewState: func() protocol.State { return &testState{} },
	}
}

// collector accumulates delivered messages in arrival order.
type collector struct {
	mu   sync.Mutex
	msgs []*protocol.Message
}

func (c *collector) handler(_ protocol.Endpoint, msg *protocol.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) snapshot() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Message(nil), c.msgs...)
}

// newPair starts two loopback transports and returns them with each other's
// endpoints.
func newPair(t *testing.T) (a, b *transport.AsyncTransport, aEp, bEp protocol.Endpoint) {
	t.Helper()
	a = transport.New(testCodec())
	b = transport.New(testCodec())
	require.NoError(t, a.Start(0, 2))
	require.NoError(t, b.Start(0, 2))
	t.Cleanup(a.Stop)
	t.Cleanup(b.Stop)
	loop := netip.MustParseAddr("127.0.0.1")
	aEp = netip.AddrPortFrom(loop, uint16(a.Port()))
	bEp = netip.AddrPortFrom(loop, uint16(b.Port()))
	return a, b, aEp, bEp
}

// pump retransmits until the peer has acked everything or the deadline hits.
func pump(t *testing.T, tr *transport.AsyncTransport, ep protocol.Endpoint, lossPct int, deadline time.Duration) {
	t.Helper()
	limit := time.Now().Add(deadline)
	for {
		if tr.SendOpts(ep, 0, lossPct) == 0 {
			return
		}
		if time.Now().After(limit) {
			t.Fatalf("peer %s did not ack within %v (%d unacked)", ep, deadline, tr.Peer(ep).Unacked)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitFor(t *testing.T, cond func() bool, timeout time.Duration, what string) {
	t.Helper()
	limit := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(limit) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTransport_BindFailsOnBusyPort(t *testing.T) {
	t.Parallel()

	a := transport.New(testCodec())
	require.NoError(t, a.Start(0, 1))
	defer a.Stop()

	b := transport.New(testCodec())
	require.Error(t, b.Start(a.Port(), 1))
}

func TestTransport_DeliversInOrder(t *testing.T) {
	t.Parallel()

	a, b, _, bEp := newPair(t)

	var got collector
	b.ReceiveHandler(got.handler)

	const n = 50
	for i := 0; i < n; i++ {
		a.Queue(bEp, &protocol.Message{Cmd: protocol.TypeData, FrameID: int64(i), Data: []byte{byte(i)}})
	}
	pump(t, a, bEp, 0, 5*time.Second)
	waitFor(t, func() bool { return got.len() == n }, 2*time.Second, "all messages")

	for i, msg := range got.snapshot() {
		require.Equal(t, int64(i), msg.FrameID)
		require.Equal(t, []byte{byte(i)}, msg.Data)
	}
}

// TestTransport_ReliableUnderLoss drops 40% of outgoing datagrams and still
// expects exactly-once, in-order delivery through retransmission.
func TestTransport_ReliableUnderLoss(t *testing.T) {
	t.Parallel()

	a, b, _, bEp := newPair(t)

	var got collector
	b.ReceiveHandler(got.handler)

	const n = 100
	for i := 0; i < n; i++ {
		a.Queue(bEp, &protocol.Message{Cmd: protocol.TypeData, FrameID: int64(i), Data: []byte{byte(i)}})
	}
	pump(t, a, bEp, 40, 30*time.Second)
	waitFor(t, func() bool { return got.len() >= n }, 5*time.Second, "all messages")

	msgs := got.snapshot()
	require.Len(t, msgs, n, "duplicates must be suppressed")
	for i, msg := range msgs {
		require.Equal(t, int64(i), msg.FrameID, "order must be preserved")
	}
}

func TestTransport_RTTReflectsInjectedDelay(t *testing.T) {
	t.Parallel()

	a, b, _, bEp := newPair(t)
	b.ReceiveHandler(func(protocol.Endpoint, *protocol.Message) {})

	const delayMs = 150
	for i := 0; i < 3; i++ {
		a.Queue(bEp, &protocol.Message{Cmd: protocol.TypePing})
		a.SendOpts(bEp, delayMs, 0)
		waitFor(t, func() bool { return a.Peer(bEp).Unacked == 0 }, 3*time.Second, "ack")
	}

	stats := a.Peer(bEp)
	require.GreaterOrEqual(t, stats.RTTAvg, float64(delayMs)*0.8)
	require.Less(t, stats.RTTAvg, float64(delayMs)*4)
}

func TestTransport_SendSyncDrains(t *testing.T) {
	t.Parallel()

	a, b, _, bEp := newPair(t)
	b.ReceiveHandler(func(protocol.Endpoint, *protocol.Message) {})

	a.Queue(bEp, &protocol.Message{Cmd: protocol.TypePing})
	a.Queue(bEp, &protocol.Message{Cmd: protocol.TypePing})
	require.Equal(t, 0, a.SendSync(bEp))
	require.Equal(t, 0, a.Peer(bEp).Unacked)
}

func TestTransport_ClearQueueDropsOutstanding(t *testing.T) {
	t.Parallel()

	a, b, _, bEp := newPair(t)

	var got collector
	b.ReceiveHandler(got.handler)

	a.Queue(bEp, &protocol.Message{Cmd: protocol.TypeData, FrameID: 1, Data: []byte{1}})
	a.ClearQueue(bEp)
	require.Equal(t, 0, a.Send(bEp))

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, got.len())
}

func TestTransport_TotalLossNeverDelivers(t *testing.T) {
	t.Parallel()

	a, b, _, bEp := newPair(t)

	var got collector
	b.ReceiveHandler(got.handler)

	a.Queue(bEp, &protocol.Message{Cmd: protocol.TypeData, FrameID: 1, Data: []byte{1}})
	for i := 0; i < 20; i++ {
		require.Equal(t, 1, a.SendOpts(bEp, 0, 100))
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 0, got.len())
}
