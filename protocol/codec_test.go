package protocol_test

import (
	"math/rand/v2"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shoryu-net/shoryu/protocol"
)

// testFrame is a fixed-size frame for codec tests.
type testFrame struct {
	V uint8
}

func (f *testFrame) EncodeTo(w *protocol.Writer) { w.U8(f.V) }

func (f *testFrame) DecodeFrom(r *protocol.Reader) error {
	f.V = r.U8()
	return r.Err()
}

// testState is a fixed-size compatibility blob for codec tests.
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

func ep(a, b, c, d byte, port uint16) protocol.Endpoint {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{a, b, c, d}), port)
}

func roundTrip(t *testing.T, msg *protocol.Message) *protocol.Message {
	t.Helper()
	c := testCodec()
	decoded, err := c.Decode(c.Encode(msg))
	require.NoError(t, err)
	return decoded
}

func TestCodec_RoundTripAllKinds(t *testing.T) {
	t.Parallel()

	msgs := []*protocol.Message{
		{Cmd: protocol.TypeNone, Side: 3},
		{Cmd: protocol.TypeFrame, Side: 1, FrameID: 123456, Frame: &testFrame{V: 200}},
		{Cmd: protocol.TypeData, Side: 7, FrameID: 42, Data: []byte("memory card block")},
		{Cmd: protocol.TypePing, Side: 2},
		{
			Cmd:      protocol.TypeJoin,
			Side:     0,
			State:    &testState{Hash: 0xDEADBEEF},
			HostEp:   ep(192, 168, 1, 10, 7500),
			Username: "ryu",
		},
		{Cmd: protocol.TypeDeny, Side: 0, State: &testState{Hash: 7}},
		{
			Cmd:      protocol.TypeInfo,
			Side:     2,
			RandSeed: 0xCAFEBABE,
			Eps: []protocol.Endpoint{
				ep(10, 0, 0, 1, 7500),
				ep(10, 0, 0, 2, 7501),
				ep(10, 0, 0, 3, 7502),
			},
			Usernames: []string{"host", "ken", ""},
			State:     &testState{Hash: 99},
		},
		{Cmd: protocol.TypeWait, Side: 0, PeersNeeded: 4, PeersCount: 2},
		{Cmd: protocol.TypeDelay, Side: 5, Delay: 11},
		{Cmd: protocol.TypeReady, Side: 6},
		{Cmd: protocol.TypeEndSession, Side: 1},
	}

	for _, msg := range msgs {
		decoded := roundTrip(t, msg)
		require.Equal(t, msg, decoded, "kind %s", msg.Cmd)
	}
}

func TestCodec_FrameIDBoundaries(t *testing.T) {
	t.Parallel()

	// The high byte of a 24-bit id must not sign-extend.
	for _, id := range []int64{0, 1, 255, 256, 1 << 16, 0x7FFFFF, 0x800000, protocol.MaxFrameID} {
		msg := &protocol.Message{
			Cmd:     protocol.TypeFrame,
			Side:    7,
			FrameID: id,
			Frame:   &testFrame{V: uint8(id)},
		}
		decoded := roundTrip(t, msg)
		require.Equal(t, id, decoded.FrameID)
		require.GreaterOrEqual(t, decoded.FrameID, int64(0))
	}
}

// TestCodec_DataCarriesNoState pins the resolution of the reference
// decoder's fall-through: a Data message is exactly header + frame id +
// length-prefixed bytes, with no trailing state blob.
func TestCodec_DataCarriesNoState(t *testing.T) {
	t.Parallel()

	c := testCodec()
	payload := []byte{1, 2, 3, 4, 5}
	wire := c.Encode(&protocol.Message{Cmd: protocol.TypeData, Side: 4, FrameID: 9, Data: payload})

	require.Len(t, wire, 1+8+4+len(payload))

	decoded, err := c.Decode(wire)
	require.NoError(t, err)
	require.Equal(t, payload, decoded.Data)
	require.Nil(t, decoded.State)
}

func TestCodec_SidePacking(t *testing.T) {
	t.Parallel()

	c := testCodec()
	for side := uint8(0); side < 8; side++ {
		wire := c.Encode(&protocol.Message{Cmd: protocol.TypeReady, Side: side})
		require.Equal(t, uint8(protocol.TypeReady)|side<<5, wire[0])

		decoded, err := c.Decode(wire)
		require.NoError(t, err)
		require.Equal(t, side, decoded.Side)
		require.Equal(t, protocol.TypeReady, decoded.Cmd)
	}
}

func TestCodec_RejectsInvalidKind(t *testing.T) {
	t.Parallel()

	c := testCodec()
	_, err := c.Decode([]byte{0x1F}) // kind 31 is unassigned
	require.Error(t, err)
}

func TestCodec_RejectsTruncated(t *testing.T) {
	t.Parallel()

	c := testCodec()
	wire := c.Encode(&protocol.Message{
		Cmd:     protocol.TypeFrame,
		Side:    1,
		FrameID: 77,
		Frame:   &testFrame{V: 5},
	})
	for cut := 1; cut < len(wire); cut++ {
		_, err := c.Decode(wire[:cut])
		require.Error(t, err, "truncated at %d", cut)
	}
}

// TestCodec_Fuzz round-trips randomized messages of every kind.
func TestCodec_Fuzz(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(0x5E55104, 0))
	randEp := func() protocol.Endpoint {
		return ep(byte(rng.IntN(256)), byte(rng.IntN(256)), byte(rng.IntN(256)), byte(rng.IntN(256)),
			uint16(rng.IntN(65536)))
	}
	randName := func() string {
		b := make([]byte, rng.IntN(16))
		for i := range b {
			b[i] = byte('a' + rng.IntN(26))
		}
		return string(b)
	}

	kinds := []protocol.MessageType{
		protocol.TypeNone, protocol.TypeFrame, protocol.TypeData, protocol.TypePing,
		protocol.TypeJoin, protocol.TypeDeny, protocol.TypeInfo, protocol.TypeWait,
		protocol.TypeDelay, protocol.TypeReady, protocol.TypeEndSession,
	}

	for i := 0; i < 10000; i++ {
		msg := &protocol.Message{
			Cmd:  kinds[rng.IntN(len(kinds))],
			Side: uint8(rng.IntN(8)),
		}
		switch msg.Cmd {
		case protocol.TypeFrame:
			msg.FrameID = rng.Int64N(protocol.MaxFrameID + 1)
			msg.Frame = &testFrame{V: uint8(rng.IntN(256))}
		case protocol.TypeData:
			msg.FrameID = rng.Int64N(1 << 40)
			data := make([]byte, rng.IntN(64))
			for j := range data {
				data[j] = byte(rng.IntN(256))
			}
			msg.Data = data
		case protocol.TypeJoin:
			msg.State = &testState{Hash: rng.Uint32()}
			msg.HostEp = randEp()
			msg.Username = randName()
		case protocol.TypeDeny:
			msg.State = &testState{Hash: rng.Uint32()}
		case protocol.TypeInfo:
			msg.RandSeed = rng.Uint32()
			n := 1 + rng.IntN(8)
			for j := 0; j < n; j++ {
				msg.Eps = append(msg.Eps, randEp())
				msg.Usernames = append(msg.Usernames, randName())
			}
			msg.State = &testState{Hash: rng.Uint32()}
		case protocol.TypeWait:
			msg.PeersNeeded = uint8(rng.IntN(9))
			msg.PeersCount = uint8(rng.IntN(9))
		case protocol.TypeDelay:
			msg.Delay = uint8(rng.IntN(256))
		}

		decoded := roundTrip(t, msg)
		require.Equal(t, msg, decoded, "iteration %d kind %s", i, msg.Cmd)
	}
}
