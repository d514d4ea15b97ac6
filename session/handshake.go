package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bitset"

	"github.com/shoryu-net/shoryu/internal/syncutil"
	"github.com/shoryu-net/shoryu/internal/util"
	"github.com/shoryu-net/shoryu/protocol"
)

const (
	// joinLiveness is how recent a Join must be for the host to count the
	// sender toward the roster.
	joinLiveness = 1000 // ms

	// joinResend is the joiner's Join retransmission cadence.
	joinResend = 500 * time.Millisecond

	// readyPoll paces the host's readiness barrier and the joiner's wait for
	// the Delay echo.
	readyPoll = 50 * time.Millisecond

	// drainTick paces the joiner's final queue drain.
	drainTick = 17 * time.Millisecond

	// denyResends is how many times the host flushes a rejected joiner's
	// queue, readyPoll apart, after queuing Deny once. The transport only
	// retransmits after its retransmit timer (at least 100ms) and stops once
	// the Deny is acked, so fewer datagrams than this actually go out.
	denyResends = 5
)

// handshake holds the state that only exists between Create/Join and Ready.
type handshake struct {
	mu  sync.Mutex
	sem *syncutil.Semaphore

	states        map[protocol.Endpoint]*peerInfo
	playersNeeded int
	hostEp        protocol.Endpoint

	// ready marks the sides whose Ready echo has arrived; together with an
	// empty send queue it forms the host's readiness barrier.
	ready *bitset.BitSet

	denied   atomic.Bool
	randSeed atomic.Uint32
}

type peerInfo struct {
	state protocol.MessageType
	time  uint64 // ms, last Join seen
	delay int
}

// calculateDelay converts a round-trip estimate to an input delay in ticks.
func calculateDelay(rttMS float64) int {
	return int(rttMS)/32 + 1
}

// Create hosts a session: it blocks until players−1 compatible joiners have
// arrived, the delay is negotiated, and every joiner is caught up — or the
// timeout elapses (zero waits forever). On success the roster has this peer
// at side 0.
func (s *Session) Create(players int, st protocol.State, check StateCheck, timeout time.Duration) error {
	s.shuttingDown.Store(false)
	s.clear()
	s.mu.Lock()
	s.state = st
	s.stateCheck = check
	s.mu.Unlock()

	s.hs.mu.Lock()
	s.hs.states = make(map[protocol.Endpoint]*peerInfo)
	s.hs.playersNeeded = players
	s.hs.ready = bitset.New(uint(players))
	s.hs.denied.Store(false)
	s.hs.mu.Unlock()

	s.async.ErrorHandler(func(err error) { s.setLastError(err) })
	s.async.ReceiveHandler(s.createRecv)

	if err := s.createHandler(timeout); err != nil {
		s.wlog.Printf("not established: %v", err)
		s.setStatus(protocol.TypeNone)
		s.async.ReceiveHandler(nil)
		return err
	}
	s.wlog.Printf("established as host")
	s.connectionEstablished()
	return nil
}

func (s *Session) createHandler(timeout time.Duration) error {
	s.setStatus(protocol.TypeWait)
	start := time.Now()

	if timeout > 0 {
		if !s.hs.sem.TimedWait(timeout) {
			return ErrTimeout
		}
	} else {
		s.hs.sem.Wait()
	}
	if s.shuttingDown.Load() {
		return ErrShutdown
	}
	if s.hs.denied.Load() {
		return ErrDenied
	}
	if s.status() != protocol.TypeReady {
		return ErrTimeout
	}

	// Readiness barrier: every joiner has acked everything we sent and has
	// echoed Ready.
	for {
		if timeout > 0 && time.Since(start) > timeout {
			return ErrTimeout
		}
		if s.shuttingDown.Load() {
			return ErrShutdown
		}
		if s.checkPeersReadiness() {
			return nil
		}
		time.Sleep(readyPoll)
	}
}

// checkPeersReadiness reports whether every joiner is fully caught up: no
// unacked messages outstanding and a Ready echo on record from every side.
func (s *Session) checkPeersReadiness() bool {
	s.mu.Lock()
	unacked := s.sendAll()
	s.mu.Unlock()

	s.hs.mu.Lock()
	defer s.hs.mu.Unlock()
	for i := 1; i < s.hs.playersNeeded; i++ {
		if !s.hs.ready.Test(uint(i)) {
			return false
		}
	}
	return unacked == 0
}

// createRecv is the host's handshake receive callback.
func (s *Session) createRecv(ep protocol.Endpoint, msg *protocol.Message) {
	s.hs.mu.Lock()
	defer s.hs.mu.Unlock()

	switch msg.Cmd {
	case protocol.TypeJoin:
		s.hostHandleJoin(ep, msg)

	case protocol.TypePing:
		s.async.Queue(ep, &protocol.Message{Cmd: protocol.TypeNone})
		s.send(ep)

	case protocol.TypeDelay:
		s.hostHandleDelay(ep, msg)

	case protocol.TypeReady:
		if i := s.sideOf(ep); i > 0 {
			s.hs.ready.Set(uint(i))
		}

	default:
		// Frames and data can start flowing while we sit in the readiness
		// barrier; store them instead of losing a reliable delivery.
		s.mu.Lock()
		if len(s.frameTable) > 0 {
			s.steadyHandleLocked(ep, msg)
		}
		s.mu.Unlock()
	}
}

// hostHandleJoin validates one Join, tracks the sender's liveness, and once
// enough fresh joiners exist assembles the roster and distributes Info.
// Caller holds hs.mu.
func (s *Session) hostHandleJoin(ep protocol.Endpoint, msg *protocol.Message) {
	s.wlog.Printf("join from %s (%q)", ep, msg.Username)
	s.mu.Lock()
	s.usernames[ep] = msg.Username
	localState := s.state
	check := s.stateCheck
	username := s.username
	s.mu.Unlock()

	if !check(localState, msg.State) {
		deny := &protocol.Message{Cmd: protocol.TypeDeny, State: localState}
		s.async.Queue(ep, deny)
		for i := 0; i < denyResends; i++ {
			s.send(ep)
			time.Sleep(readyPoll)
		}
		s.hs.denied.Store(true)
		s.hs.sem.Post()
		s.wlog.Printf("deny %s", ep)
		return
	}

	now := util.TimeMS()
	if pi, ok := s.hs.states[ep]; ok && s.status() != protocol.TypeWait {
		pi.time = now
	} else {
		s.hs.states[ep] = &peerInfo{state: protocol.TypeJoin, time: now}
	}

	// Roster candidates: the host itself (at the address the joiner dialed),
	// then every joiner whose Join is fresh.
	readyList := []protocol.Endpoint{msg.HostEp}
	for jep, pi := range s.hs.states {
		if pi.state == protocol.TypeJoin && now-pi.time < joinLiveness {
			readyList = append(readyList, jep)
		}
		if len(readyList) >= s.hs.playersNeeded {
			break
		}
	}

	if len(readyList) < s.hs.playersNeeded {
		wait := &protocol.Message{
			Cmd:         protocol.TypeWait,
			PeersNeeded: uint8(s.hs.playersNeeded),
			PeersCount:  uint8(len(readyList)),
		}
		s.async.Queue(ep, wait)
		s.send(ep)
		return
	}

	if s.status() == protocol.TypeWait {
		info := &protocol.Message{
			Cmd:      protocol.TypeInfo,
			RandSeed: uint32(time.Now().Unix()),
			Eps:      readyList,
			State:    localState,
		}
		for i, rep := range readyList {
			if i == 0 {
				info.Usernames = append(info.Usernames, username)
			} else {
				s.mu.Lock()
				info.Usernames = append(info.Usernames, s.usernames[rep])
				s.mu.Unlock()
			}
		}
		s.hs.randSeed.Store(info.RandSeed)

		s.mu.Lock()
		s.side = 0
		s.eps = append([]protocol.Endpoint(nil), readyList...)
		s.allocTablesLocked(len(readyList))
		s.mu.Unlock()

		for i := 1; i < len(readyList); i++ {
			m := *info
			m.Side = uint8(i)
			s.async.Queue(readyList[i], &m)
		}
		s.setStatus(protocol.TypePing)
		s.wlog.Printf("info out, roster %v seed %d", readyList, info.RandSeed)
	}
	for i := 1; i < len(readyList); i++ {
		s.send(readyList[i])
	}
}

// hostHandleDelay records one joiner's proposed delay; once every joiner has
// reported, the mean becomes the session delay and is broadcast. Caller
// holds hs.mu.
func (s *Session) hostHandleDelay(ep protocol.Endpoint, msg *protocol.Message) {
	s.hs.states[ep] = &peerInfo{state: protocol.TypeDelay, delay: int(msg.Delay)}

	reported, sum := 0, 0
	for _, pi := range s.hs.states {
		if pi.state != protocol.TypeDelay {
			continue
		}
		sum += pi.delay
		reported++
		if reported == s.hs.playersNeeded-1 {
			break
		}
	}
	if reported != s.hs.playersNeeded-1 || s.status() == protocol.TypeReady {
		return
	}

	d := sum / (s.hs.playersNeeded - 1)
	if d < 1 {
		d = 1
	}
	s.delay.Store(int32(d))
	s.wlog.Printf("delay negotiated: %d", d)

	broadcast := &protocol.Message{Cmd: protocol.TypeDelay, Delay: uint8(d)}
	s.mu.Lock()
	eps := append([]protocol.Endpoint(nil), s.eps...)
	s.mu.Unlock()
	for i := 1; i < len(eps); i++ {
		s.async.Queue(eps[i], broadcast)
		s.send(eps[i])
	}
	s.setStatus(protocol.TypeReady)
	s.hs.sem.Post()
}

// sideOf resolves an endpoint to its roster index, −1 if unknown.
func (s *Session) sideOf(ep protocol.Endpoint) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.eps {
		if e == ep {
			return i
		}
	}
	return -1
}

// Join connects to a host: it retransmits Join until the host answers,
// primes RTT estimates against every peer, proposes a delay, and completes
// the Ready exchange — or fails on Deny, Shutdown, or timeout (zero waits
// forever).
func (s *Session) Join(hostEp protocol.Endpoint, st protocol.State, check StateCheck, timeout time.Duration) error {
	s.shuttingDown.Store(false)
	s.clear()
	s.mu.Lock()
	s.state = st
	s.stateCheck = check
	s.mu.Unlock()

	s.hs.mu.Lock()
	s.hs.states = make(map[protocol.Endpoint]*peerInfo)
	s.hs.hostEp = hostEp
	s.hs.denied.Store(false)
	s.hs.mu.Unlock()

	s.async.ErrorHandler(func(err error) { s.setLastError(err) })
	s.async.ReceiveHandler(s.joinRecv)

	if err := s.joinHandler(hostEp, timeout); err != nil {
		s.wlog.Printf("not established: %v", err)
		s.setStatus(protocol.TypeNone)
		s.async.ReceiveHandler(nil)
		return err
	}
	s.wlog.Printf("established as side %d", s.Side())
	s.connectionEstablished()
	return nil
}

func (s *Session) joinHandler(hostEp protocol.Endpoint, timeout time.Duration) error {
	start := time.Now()

	// Phase 1: knock until Info or Deny arrives. The first datagram also
	// punches the NAT mapping the host will answer through.
	for {
		if s.shuttingDown.Load() {
			return ErrShutdown
		}
		if timeout > 0 && time.Since(start) > timeout {
			return ErrTimeout
		}
		s.mu.Lock()
		join := &protocol.Message{
			Cmd:      protocol.TypeJoin,
			State:    s.state,
			HostEp:   hostEp,
			Username: s.username,
		}
		s.mu.Unlock()
		s.async.Queue(hostEp, join)
		s.send(hostEp)
		s.wlog.Printf("join out")
		if s.hs.sem.TimedWait(joinResend) {
			break
		}
	}
	if s.status() == protocol.TypeDeny {
		return ErrDenied
	}
	if s.shuttingDown.Load() {
		return ErrShutdown
	}

	// Phase 2: prime RTT estimates against every peer. The pings to other
	// joiners double as hole punches for the star's echo paths.
	side := s.Side()
	eps := s.Endpoints()
	for i := s.opts.PingProbes; i > 0; i-- {
		if s.shuttingDown.Load() {
			return ErrShutdown
		}
		for j, ep := range eps {
			if j == side {
				continue
			}
			s.async.Queue(ep, &protocol.Message{Cmd: protocol.TypePing, Side: uint8(side)})
			s.send(ep)
		}
		time.Sleep(s.opts.PingInterval)
	}

	var rtt float64
	for j, ep := range eps {
		if j == side {
			continue
		}
		if p := s.async.Peer(ep); p.RTTAvg > rtt {
			rtt = p.RTTAvg
		}
	}

	// Phase 3: propose our delay and wait for the host's negotiated echo,
	// with our proposal confirmed delivered.
	proposed := calculateDelay(rtt)
	s.wlog.Printf("max rtt %.1fms, proposing delay %d", rtt, proposed)
	s.async.Queue(hostEp, &protocol.Message{
		Cmd:   protocol.TypeDelay,
		Side:  uint8(side),
		Delay: uint8(proposed),
	})

	delivered := false
	for {
		if !delivered {
			delivered = s.send(hostEp) == 0
		}
		if s.shuttingDown.Load() {
			return ErrShutdown
		}
		if timeout > 0 && time.Since(start) > timeout {
			return ErrTimeout
		}
		if s.status() == protocol.TypeReady && delivered {
			break
		}
		s.hs.sem.TimedWait(readyPoll)
	}

	// Phase 4: final Ready echo, then drain so the host's barrier clears.
	s.async.Queue(hostEp, &protocol.Message{Cmd: protocol.TypeReady, Side: uint8(side)})
	for i := 0; i < s.Delay(); i++ {
		if s.send(hostEp) == 0 {
			break
		}
		time.Sleep(drainTick)
	}
	if s.async.Peer(hostEp).Unacked > 0 {
		s.async.SendSync(hostEp)
	}
	return nil
}

// joinRecv is the joiner's handshake receive callback. Everything not from
// the host is ignored until the session is established.
func (s *Session) joinRecv(ep protocol.Endpoint, msg *protocol.Message) {
	s.hs.mu.Lock()
	defer s.hs.mu.Unlock()
	if ep != s.hs.hostEp {
		return
	}

	switch msg.Cmd {
	case protocol.TypeInfo:
		s.wlog.Printf("info in: side %d, %d peers, seed %d", msg.Side, len(msg.Eps), msg.RandSeed)
		s.mu.Lock()
		s.side = int(msg.Side)
		s.eps = append([]protocol.Endpoint(nil), msg.Eps...)
		for i, rep := range msg.Eps {
			if i < len(msg.Usernames) {
				s.usernames[rep] = msg.Usernames[i]
			}
		}
		s.allocTablesLocked(len(msg.Eps))
		localState := s.state
		check := s.stateCheck
		s.mu.Unlock()
		s.hs.randSeed.Store(msg.RandSeed)
		s.setStatus(protocol.TypeInfo)
		if !check(localState, msg.State) {
			s.hs.denied.Store(true)
			s.setStatus(protocol.TypeDeny)
		}
		s.hs.sem.Post()

	case protocol.TypeDeny:
		s.wlog.Printf("deny in")
		s.hs.denied.Store(true)
		s.setStatus(protocol.TypeDeny)
		s.mu.Lock()
		localState := s.state
		check := s.stateCheck
		s.mu.Unlock()
		check(localState, msg.State) // lets the app inspect the host's state
		s.hs.sem.Post()

	case protocol.TypeDelay:
		s.delay.Store(int32(msg.Delay))
		s.setStatus(protocol.TypeReady)
		s.async.Queue(ep, &protocol.Message{Cmd: protocol.TypeReady, Side: uint8(s.Side())})
		s.send(ep)
		s.hs.sem.Post()

	case protocol.TypePing:
		s.async.Queue(ep, &protocol.Message{Cmd: protocol.TypeNone})
		s.send(ep)

	case protocol.TypeWait:
		s.wlog.Printf("host waiting: %d/%d peers", msg.PeersCount, msg.PeersNeeded)

	default:
		s.mu.Lock()
		if len(s.frameTable) > 0 {
			s.steadyHandleLocked(ep, msg)
		}
		s.mu.Unlock()
	}
}
