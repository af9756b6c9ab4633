package proto

const (
	// Version is the only protocol version this package speaks. Frames carrying
	// any other value in the version byte are rejected.
	Version = 0x01

	// FrameSize is the fixed on-air size of every frame.
	FrameSize = 152

	// BroadcastID addresses every node in range.
	BroadcastID = 0xFF
)

// Byte offsets of the header fields. Everything from offsetReserved to the end
// of the frame is reserved and zero filled.
const (
	offsetVersion = iota
	offsetSender
	offsetDest
	offsetChecksum
	offsetType
	offsetCorrelation
	offsetReserved
)
