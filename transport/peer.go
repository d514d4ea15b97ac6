package transport

import (
	"container/heap"
	"sync"
	"time"

	"github.com/shoryu-net/shoryu/protocol"
)

// PeerStats is a snapshot of a remote endpoint's transport state.
type PeerStats struct {
	RTTAvg   float64 // smoothed round-trip time, milliseconds
	Unacked  int     // messages queued or in flight, not yet acknowledged
	Sent     uint64  // datagrams handed to the socket (including retransmits)
	Received uint64  // data datagrams received (including duplicates)
}

// outMessage is one queued reliable message awaiting acknowledgement.
type outMessage struct {
	seq       uint32
	payload   []byte // encoded protocol message, header excluded
	firstSent time.Time
	lastSent  time.Time
}

// peerState holds the per-endpoint reliability state. All fields are guarded
// by the transport mutex except deliverMu, which serializes handler delivery
// for this endpoint across worker goroutines.
type peerState struct {
	deliverMu sync.Mutex

	// Outgoing.
	nextSeq uint32 // next sequence number to assign; starts at 1
	unacked []*outMessage

	// Incoming.
	expected uint32 // next sequence number to deliver; starts at 1
	pending  inHeap // buffered out-of-order datagrams

	rttAvg   float64
	sent     uint64
	received uint64
}

func newPeerState() *peerState {
	return &peerState{nextSeq: 1, expected: 1}
}

// ackUpTo drops every unacked entry with seq ≤ ack and feeds the smoothed
// RTT estimator. The sample is measured from the first transmission, so
// retransmitted messages inflate the estimate rather than being skipped;
// conservative on lossy links, which is what the delay negotiation wants.
func (p *peerState) ackUpTo(ack uint32, now time.Time) {
	kept := p.unacked[:0]
	for _, m := range p.unacked {
		if m.seq > ack {
			kept = append(kept, m)
			continue
		}
		if !m.firstSent.IsZero() {
			sample := float64(now.Sub(m.firstSent).Microseconds()) / 1000.0
			if p.rttAvg == 0 {
				p.rttAvg = sample
			} else {
				p.rttAvg += (sample - p.rttAvg) / 8
			}
		}
	}
	p.unacked = kept
}

// rto returns the retransmission timeout derived from the RTT estimate.
func (p *peerState) rto() time.Duration {
	rto := time.Duration(2*p.rttAvg) * time.Millisecond
	if rto < minRTO {
		rto = minRTO
	}
	if rto > maxRTO {
		rto = maxRTO
	}
	return rto
}

// inDatagram is a received data datagram waiting for its predecessors.
type inDatagram struct {
	seq uint32
	msg *protocol.Message
}

// feed accepts a decoded in-order-or-future datagram and returns the run of
// messages that are now deliverable in sequence order. Duplicates (seq below
// the delivery cursor, or already buffered) return nil.
func (p *peerState) feed(seq uint32, msg *protocol.Message) []*protocol.Message {
	if seq < p.expected {
		return nil
	}
	if seq > p.expected {
		for _, d := range p.pending {
			if d.seq == seq {
				return nil
			}
		}
		heap.Push(&p.pending, &inDatagram{seq: seq, msg: msg})
		return nil
	}

	out := []*protocol.Message{msg}
	p.expected++
	for p.pending.Len() > 0 && p.pending[0].seq <= p.expected {
		d := heap.Pop(&p.pending).(*inDatagram)
		if d.seq < p.expected {
			continue // duplicate that was buffered twice
		}
		out = append(out, d.msg)
		p.expected++
	}
	return out
}

// inHeap is a min-heap of buffered datagrams ordered by sequence number.
type inHeap []*inDatagram

func (h inHeap) Len() int           { return len(h) }
func (h inHeap) Less(i, j int) bool { return h[i].seq < h[j].seq }
func (h inHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *inHeap) Push(x any)        { *h = append(*h, x.(*inDatagram)) }

func (h *inHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return item
}
