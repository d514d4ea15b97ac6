package main

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/shoryu-net/shoryu/internal/util"
	"github.com/shoryu-net/shoryu/protocol"
	"github.com/shoryu-net/shoryu/session"
)

// PadInput is the demo per-tick input: a fixed-size pad sample.
type PadInput struct {
	Buttons uint16
	StickX  int8
	StickY  int8
}

func (p *PadInput) EncodeTo(w *protocol.Writer) {
	w.U16(p.Buttons)
	w.U8(uint8(p.StickX))
	w.U8(uint8(p.StickY))
}

func (p *PadInput) DecodeFrom(r *protocol.Reader) error {
	p.Buttons = r.U16()
	p.StickX = int8(r.U8())
	p.StickY = int8(r.U8())
	return r.Err()
}

// GameInfo is the demo compatibility state: peers must run the same title
// and content hash to play together.
type GameInfo struct {
	Title string
	CRC   uint32
}

func (g *GameInfo) EncodeTo(w *protocol.Writer) {
	w.U16(uint16(len(g.Title)))
	w.Raw([]byte(g.Title))
	w.U32(g.CRC)
}

func (g *GameInfo) DecodeFrom(r *protocol.Reader) error {
	g.Title = string(r.Raw(int(r.U16())))
	g.CRC = r.U32()
	return r.Err()
}

// demoCodec builds the codec for the demo types.
func demoCodec() *protocol.Codec {
	return &protocol.Codec{
		NewFrame: func() protocol.Frame { return &PadInput{} },
		NewState: func() protocol.State { return &GameInfo{} },
	}
}

const tickDuration = 16667 * time.Microsecond // ≈60 Hz

// runSim drives the deterministic demo simulation: every tick publishes this
// peer's input, consumes every side's input for the current tick, and folds
// them into a running digest. All peers of a session must print the same
// digest.
func runSim(s *session.Session, frames int) error {
	players := len(s.Endpoints())
	side := s.Side()

	// The host's seed reaches every peer via Info; mixing it into the digest
	// demonstrates the shared-PRNG determinism the protocol promises.
	rng := rand.New(rand.NewPCG(uint64(s.RandSeed()), 0))
	digest := rng.Uint64()

	util.LogInfo("session up: side %d of %d, delay %d ticks, seed %d",
		side, players, s.Delay(), s.RandSeed())

	start := time.Now()
	for s.Frame() < int64(frames) {
		if s.EndSessionRequested() {
			util.LogInfo("end of session requested by a peer")
			break
		}
		tick := s.Frame()

		input := &PadInput{
			Buttons: uint16(tick%256) | uint16(side)<<8,
			StickX:  int8(tick % 64),
			StickY:  int8(-(tick % 64)),
		}
		if err := s.Set(input); err != nil {
			return fmt.Errorf("set tick %d: %w", tick, err)
		}

		for p := 0; p < players; p++ {
			f, err := s.Get(p, tick, 5*time.Second)
			if err != nil {
				return fmt.Errorf("get side %d tick %d: %w", p, tick, err)
			}
			pad := f.(*PadInput)
			digest = digest*1099511628211 + uint64(pad.Buttons)<<16 +
				uint64(uint8(pad.StickX))<<8 + uint64(uint8(pad.StickY))
		}
		s.NextFrame()

		// Hold the tick rate without drifting.
		next := start.Add(time.Duration(tick+1) * tickDuration)
		if d := time.Until(next); d > 0 {
			time.Sleep(d)
		}
	}

	if !s.EndSessionRequested() {
		s.SendEndSessionRequest()
	}
	util.LogInfo("simulation done at tick %d, digest %016x", s.Frame(), digest)
	fmt.Printf("digest: %016x\n", digest)
	return nil
}
