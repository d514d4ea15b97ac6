// Package transport implements the reliable, ordered, duplicate-suppressing
// message layer the session runs on: one UDP socket, per-endpoint sequence
// numbers and retransmit buffers, cumulative acknowledgements, and a smoothed
// RTT estimate per peer.
//
// Each datagram starts with an 8-byte header: a little-endian u32 sequence
// number (0 for ack-only datagrams) and a little-endian u32 cumulative ack —
// the highest contiguous sequence received from that endpoint. The encoded
// message, if any, follows.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/shoryu-net/shoryu/protocol"
)

const (
	headerSize = 8

	minRTO = 100 * time.Millisecond
	maxRTO = 2 * time.Second

	// syncWindow bounds SendSync; syncPoll is how often it calls Send.
	syncWindow = 500 * time.Millisecond
	syncPoll   = 17 * time.Millisecond

	readBufferSize = 64 * 1024
)

// ErrClosed is returned by Start when the transport has been stopped, and
// reported to the error handler when a send races a Stop.
var ErrClosed = errors.New("transport: closed")

// ReceiveHandler is invoked from a worker goroutine for every message
// delivered in order. Handlers for one endpoint never run concurrently.
type ReceiveHandler func(ep protocol.Endpoint, msg *protocol.Message)

// ErrorHandler is invoked from a worker goroutine for socket-level failures.
// Transport errors are never fatal to the session; they are report-only.
type ErrorHandler func(err error)

// AsyncTransport manages reliable messaging over a single UDP socket to a
// small set of endpoints.
type AsyncTransport struct {
	codec *protocol.Codec

	mu    sync.Mutex
	conn  *net.UDPConn
	peers map[protocol.Endpoint]*peerState
	port  int

	handlerMu   sync.RWMutex
	recvHandler ReceiveHandler
	errHandler  ErrorHandler

	closed chan struct{}
	wg     sync.WaitGroup
}

// New creates a transport using codec for message (de)serialization.
func New(codec *protocol.Codec) *AsyncTransport {
	return &AsyncTransport{
		codec: codec,
		peers: make(map[protocol.Endpoint]*peerState),
	}
}

// Start binds the UDP socket (port 0 picks an ephemeral port, see Port) and
// launches the reader workers. It fails if the port is already in use.
func (t *AsyncTransport) Start(port, workers int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return errors.New("transport: already started")
	}
	if t.closed != nil {
		select {
		case <-t.closed:
			return ErrClosed
		default:
		}
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("transport: bind %d: %w", port, err)
	}
	t.conn = conn
	t.port = conn.LocalAddr().(*net.UDPAddr).Port
	t.closed = make(chan struct{})
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		t.wg.Add(1)
		go t.readLoop()
	}
	return nil
}

// Stop closes the socket and joins the workers. Idempotent.
func (t *AsyncTransport) Stop() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	if t.closed != nil {
		select {
		case <-t.closed:
		default:
			close(t.closed)
		}
	}
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	t.wg.Wait()
}

// Port reports the bound local port.
func (t *AsyncTransport) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

// ReceiveHandler installs f as the delivery callback. Passing nil uninstalls.
func (t *AsyncTransport) ReceiveHandler(f ReceiveHandler) {
	t.handlerMu.Lock()
	t.recvHandler = f
	t.handlerMu.Unlock()
}

// ErrorHandler installs f as the socket-error callback. Passing nil uninstalls.
func (t *AsyncTransport) ErrorHandler(f ErrorHandler) {
	t.handlerMu.Lock()
	t.errHandler = f
	t.handlerMu.Unlock()
}

// Queue appends msg to ep's outgoing stream under a fresh sequence number.
// Nothing is transmitted until Send.
func (t *AsyncTransport) Queue(ep protocol.Endpoint, msg *protocol.Message) {
	payload := t.codec.Encode(msg)
	t.mu.Lock()
	defer t.mu.Unlock()
	ps := t.ensurePeer(ep)
	ps.unacked = append(ps.unacked, &outMessage{seq: ps.nextSeq, payload: payload})
	ps.nextSeq++
}

// Send flushes ep's queue: every unacked message whose retransmit timer has
// elapsed is (re)transmitted. Returns the number of messages still awaiting
// acknowledgement; zero means the peer is fully caught up.
func (t *AsyncTransport) Send(ep protocol.Endpoint) int {
	return t.SendOpts(ep, 0, 0)
}

// SendOpts is Send with fault injection: each datagram is dropped with
// lossPct percent probability and otherwise delayed by delayMs milliseconds.
// Dropped datagrams stay in the retransmit buffer, so delivery still
// converges; only latency suffers.
func (t *AsyncTransport) SendOpts(ep protocol.Endpoint, delayMs, lossPct int) int {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	conn := t.conn
	if conn == nil {
		if t.closed != nil {
			t.reportError(ErrClosed)
		}
		return 0
	}
	ps := t.ensurePeer(ep)
	rto := ps.rto()
	ack := ps.expected - 1
	for _, m := range ps.unacked {
		if !m.lastSent.IsZero() && now.Sub(m.lastSent) < rto {
			continue
		}
		if m.firstSent.IsZero() {
			m.firstSent = now
		}
		m.lastSent = now
		ps.sent++
		if lossPct > 0 && rand.IntN(100) < lossPct {
			continue
		}
		datagram := make([]byte, headerSize+len(m.payload))
		binary.LittleEndian.PutUint32(datagram, m.seq)
		binary.LittleEndian.PutUint32(datagram[4:], ack)
		copy(datagram[headerSize:], m.payload)
		if delayMs > 0 {
			time.AfterFunc(time.Duration(delayMs)*time.Millisecond, func() {
				conn.WriteToUDPAddrPort(datagram, ep)
			})
		} else if _, err := conn.WriteToUDPAddrPort(datagram, ep); err != nil {
			t.reportError(err)
		}
	}
	return len(ps.unacked)
}

// SendSync sends and then blocks, calling Send on a short cadence (which
// retransmits whatever has outlived its retransmit timer), until ep has
// acknowledged everything or the window elapses. Returns the number of
// messages still unacknowledged.
func (t *AsyncTransport) SendSync(ep protocol.Endpoint) int {
	deadline := time.Now().Add(syncWindow)
	for {
		n := t.Send(ep)
		if n == 0 || time.Now().After(deadline) {
			return n
		}
		time.Sleep(syncPoll)
	}
}

// ClearQueue drops ep's outstanding messages without sending them.
func (t *AsyncTransport) ClearQueue(ep protocol.Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ps, ok := t.peers[ep]; ok {
		ps.unacked = nil
	}
}

// Peer returns a snapshot of ep's transport stats.
func (t *AsyncTransport) Peer(ep protocol.Endpoint) PeerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	ps, ok := t.peers[ep]
	if !ok {
		return PeerStats{}
	}
	return PeerStats{
		RTTAvg:   ps.rttAvg,
		Unacked:  len(ps.unacked),
		Sent:     ps.sent,
		Received: ps.received,
	}
}

// ensurePeer returns ep's state, creating it on first contact. Caller holds
// t.mu.
func (t *AsyncTransport) ensurePeer(ep protocol.Endpoint) *peerState {
	ps, ok := t.peers[ep]
	if !ok {
		ps = newPeerState()
		t.peers[ep] = ps
	}
	return ps
}

func (t *AsyncTransport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}
		n, ep, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-t.closed:
				return
			default:
			}
			t.reportError(err)
			continue
		}
		if n < headerSize {
			continue
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		t.handleDatagram(canonical(ep), datagram)
	}
}

// canonical strips any IPv4-in-IPv6 mapping so an endpoint always compares
// equal to the form the session stores in its roster.
func canonical(ep netip.AddrPort) protocol.Endpoint {
	return netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port())
}

func (t *AsyncTransport) handleDatagram(ep protocol.Endpoint, datagram []byte) {
	seq := binary.LittleEndian.Uint32(datagram)
	ack := binary.LittleEndian.Uint32(datagram[4:])
	now := time.Now()

	// deliverMu first, then t.mu: keeps per-endpoint delivery ordered across
	// workers while letting handlers call back into Queue/Send.
	t.mu.Lock()
	ps := t.ensurePeer(ep)
	t.mu.Unlock()

	ps.deliverMu.Lock()
	defer ps.deliverMu.Unlock()

	t.mu.Lock()
	ps.ackUpTo(ack, now)
	if seq == 0 {
		t.mu.Unlock()
		return
	}
	ps.received++

	msg, err := t.codec.Decode(datagram[headerSize:])
	if err != nil {
		t.mu.Unlock()
		t.reportError(err)
		return
	}
	deliverable := ps.feed(seq, msg)
	ackOut := ps.expected - 1
	conn := t.conn
	t.mu.Unlock()

	// Acknowledge immediately, duplicates included.
	if conn != nil {
		var hdr [headerSize]byte
		binary.LittleEndian.PutUint32(hdr[4:], ackOut)
		if _, err := conn.WriteToUDPAddrPort(hdr[:], ep); err != nil {
			t.reportError(err)
		}
	}

	if len(deliverable) == 0 {
		return
	}
	t.handlerMu.RLock()
	handler := t.recvHandler
	t.handlerMu.RUnlock()
	if handler == nil {
		return
	}
	for _, m := range deliverable {
		handler(ep, m)
	}
}

func (t *AsyncTransport) reportError(err error) {
	t.handlerMu.RLock()
	handler := t.errHandler
	t.handlerMu.RUnlock()
	if handler != nil {
		handler(err)
	}
}
