// Package protocol defines the message union and wire codec for the shoryu
// lockstep session protocol. All multi-byte integers are little-endian.
package protocol

// MessageType identifies the kind of session message. The value is packed
// into the low 5 bits of the first wire byte, so it must stay within 0..31.
type MessageType uint8

const (
	TypeNone       MessageType = iota
	TypeFrame                  // per-tick input frame
	TypeData                   // out-of-band reliable data blob
	TypePing                   // RTT probe
	TypeJoin                   // joiner → host connection request
	TypeDeny                   // host → joiner state mismatch
	TypeInfo                   // host → joiner roster, side assignment, rand seed
	TypeWait                   // host → joiner progress report while collecting peers
	TypeDelay                  // input delay (negotiation and renegotiation)
	TypeReady                  // joiner → host readiness echo
	TypeEndSession             // cooperative session termination

	numMessageTypes
)

var messageTypeNames = [...]string{
	"None",
	"Frame",
	"Data",
	"Ping",
	"Join",
	"Deny",
	"Info",
	"Wait",
	"Delay",
	"Ready",
	"EndSn",
}

func (t MessageType) String() string {
	if int(t) < len(messageTypeNames) {
		return messageTypeNames[t]
	}
	return "Invalid"
}

// MaxFrameID is the largest frame id representable on the wire: TypeFrame
// messages carry the id as 3 bytes, which covers a bit over 3 days at 60
// ticks/sec.
const MaxFrameID = 1<<24 - 1

// Frame is a user-supplied per-tick input. The codec treats it as opaque: it
// must write a fixed-size or self-delimited encoding.
type Frame interface {
	EncodeTo(w *Writer)
	DecodeFrom(r *Reader) error
}

// State is the user-supplied compatibility blob (e.g. game version + ROM
// hash) exchanged during the handshake. Same encoding contract as Frame.
type State interface {
	EncodeTo(w *Writer)
	DecodeFrom(r *Reader) error
}

// Message is the tagged union carried by every datagram. Only the fields
// required by Cmd are populated; the rest stay zero.
type Message struct {
	Cmd  MessageType
	Side uint8 // originating side, 0..7

	FrameID     int64
	State       State
	Eps         []Endpoint
	Usernames   []string
	HostEp      Endpoint
	RandSeed    uint32
	Delay       uint8
	PeersNeeded uint8
	PeersCount  uint8
	Frame       Frame
	Data        []byte
	Username    string
}
