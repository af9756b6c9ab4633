package proto

import "fmt"

// MessageType is the value of the type byte of a frame.
type MessageType byte

const (
	// Locate is the broadcast discovery probe.
	Locate MessageType = 1
	// Link answers a Locate, and finalizes the link in the other direction.
	Link MessageType = 2
	// Status is both the liveness probe and its reply.
	Status MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case Locate:
		return "LOCATE"
	case Link:
		return "LINK"
	case Status:
		return "STATUS"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

func (t MessageType) valid() bool {
	return t == Locate || t == Link || t == Status
}

// Frame is a decoded frame header. The reserved tail of the frame carries no
// data and is not represented.
type Frame struct {
	Version       byte
	Sender        byte
	Dest          byte
	Checksum      byte
	Type          MessageType
	CorrelationID byte
}

// IsBroadcast reports whether the frame is addressed to every node.
func (f *Frame) IsBroadcast() bool {
	return f.Dest == BroadcastID
}

func (f *Frame) String() string {
	return fmt.Sprintf("%v(from=%#02x,to=%#02x,corr=%#02x)", f.Type, f.Sender, f.Dest, f.CorrelationID)
}
