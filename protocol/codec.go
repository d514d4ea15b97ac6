package protocol

import "fmt"

// Codec encodes and decodes Messages. The two factories materialize the
// user's Frame and State types during decoding; the codec never looks inside
// their bytes.
type Codec struct {
	NewFrame func() Frame
	NewState func() State
}

// Encode serializes msg into a fresh byte slice. Every kind gets its own
// branch; a kind never reads or writes fields another kind owns.
func (c *Codec) Encode(msg *Message) []byte {
	w := NewWriter(64)
	w.U8(uint8(msg.Cmd)&0x1F | (msg.Side&0x07)<<5)

	switch msg.Cmd {
	case TypeJoin:
		msg.State.EncodeTo(w)
		putEndpoint(w, msg.HostEp)
		putString(w, msg.Username)

	case TypeData:
		w.I64(msg.FrameID)
		w.U32(uint32(len(msg.Data)))
		w.Raw(msg.Data)

	case TypeDeny:
		msg.State.EncodeTo(w)

	case TypeWait:
		w.U8(msg.PeersNeeded)
		w.U8(msg.PeersCount)

	case TypeFrame:
		// 3 bytes, low to high; see MaxFrameID.
		w.U8(uint8(msg.FrameID))
		w.U8(uint8(msg.FrameID >> 8))
		w.U8(uint8(msg.FrameID >> 16))
		msg.Frame.EncodeTo(w)

	case TypeInfo:
		w.U32(msg.RandSeed)
		w.U8(msg.Side)
		w.U8(uint8(len(msg.Eps)))
		for i, ep := range msg.Eps {
			putEndpoint(w, ep)
			putString(w, msg.Usernames[i])
		}
		msg.State.EncodeTo(w)

	case TypeDelay:
		w.U8(msg.Delay)
	}
	return w.Bytes()
}

// Decode parses one encoded message. Kinds carrying opaque user blobs are
// materialized through the codec's factories.
func (c *Codec) Decode(data []byte) (*Message, error) {
	r := NewReader(data)
	head := r.U8()
	msg := &Message{
		Cmd:  MessageType(head & 0x1F),
		Side: head >> 5,
	}
	if msg.Cmd >= numMessageTypes {
		return nil, fmt.Errorf("protocol: invalid message type %d", msg.Cmd)
	}

	switch msg.Cmd {
	case TypeJoin:
		msg.State = c.NewState()
		if err := msg.State.DecodeFrom(r); err != nil {
			return nil, err
		}
		msg.HostEp = getEndpoint(r)
		msg.Username = getString(r)

	case TypeData:
		msg.FrameID = r.I64()
		msg.Data = r.Raw(int(r.U32()))

	case TypeDeny:
		msg.State = c.NewState()
		if err := msg.State.DecodeFrom(r); err != nil {
			return nil, err
		}

	case TypeWait:
		msg.PeersNeeded = r.U8()
		msg.PeersCount = r.U8()

	case TypeFrame:
		// Widen each part before shifting so the high byte cannot sign-extend.
		msg.FrameID = int64(r.U8()) | int64(r.U8())<<8 | int64(r.U8())<<16
		msg.Frame = c.NewFrame()
		if err := msg.Frame.DecodeFrom(r); err != nil {
			return nil, err
		}

	case TypeInfo:
		msg.RandSeed = r.U32()
		msg.Side = r.U8()
		n := int(r.U8())
		for i := 0; i < n && r.Err() == nil; i++ {
			msg.Eps = append(msg.Eps, getEndpoint(r))
			msg.Usernames = append(msg.Usernames, getString(r))
		}
		msg.State = c.NewState()
		if err := msg.State.DecodeFrom(r); err != nil {
			return nil, err
		}

	case TypeDelay:
		msg.Delay = r.U8()
	}

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", msg.Cmd, err)
	}
	return msg, nil
}

// putString writes a u16-length-prefixed UTF-8 string.
func putString(w *Writer, s string) {
	w.U16(uint16(len(s)))
	w.Raw([]byte(s))
}

func getString(r *Reader) string {
	return string(r.Raw(int(r.U16())))
}
