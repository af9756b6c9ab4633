package proto

import (
	"github.com/pkg/errors"
)

// Reasons a frame is rejected by Decode. Callers on the receive path are
// expected to drop such frames: the radio is shared, so foreign and corrupt
// traffic is normal.
var (
	ErrFrameSize   = errors.New("frame has the wrong size")
	ErrVersion     = errors.New("unsupported protocol version")
	ErrChecksum    = errors.New("checksum mismatch")
	ErrUnknownType = errors.New("unknown message type")
	ErrNotForUs    = errors.New("frame addressed to another node")
)

// Checksum returns the sum mod 256 of every byte of the frame except the
// checksum byte itself.
func Checksum(frame []byte) byte {
	var sum byte
	for i, b := range frame {
		if i == offsetChecksum {
			continue
		}
		sum += b
	}
	return sum
}

// Encode builds a FrameSize frame with the given header and a zeroed reserved
// area.
func Encode(typ MessageType, sender, dest, correlationID byte) []byte {
	data := make([]byte, FrameSize)
	data[offsetVersion] = Version
	data[offsetSender] = sender
	data[offsetDest] = dest
	data[offsetType] = byte(typ)
	data[offsetCorrelation] = correlationID
	data[offsetChecksum] = Checksum(data)
	return data
}

// Marshal encodes the frame. The Version and Checksum fields are ignored and
// recomputed.
func (f *Frame) Marshal() []byte {
	return Encode(f.Type, f.Sender, f.Dest, f.CorrelationID)
}

// Decode validates data as a frame addressed to localID (or to everyone) and
// returns its header.
func Decode(data []byte, localID byte) (*Frame, error) {
	if len(data) != FrameSize {
		return nil, errors.Wrapf(ErrFrameSize, "got %d bytes, want %d", len(data), FrameSize)
	}
	if data[offsetVersion] != Version {
		return nil, errors.Wrapf(ErrVersion, "version %#02x", data[offsetVersion])
	}
	if sum := Checksum(data); sum != data[offsetChecksum] {
		return nil, errors.Wrapf(ErrChecksum, "computed %#02x, frame carries %#02x", sum, data[offsetChecksum])
	}
	typ := MessageType(data[offsetType])
	if !typ.valid() {
		return nil, errors.Wrapf(ErrUnknownType, "type %v", typ)
	}
	dest := data[offsetDest]
	if dest != BroadcastID && dest != localID {
		return nil, errors.Wrapf(ErrNotForUs, "destination %#02x", dest)
	}
	return &Frame{
		Version:       data[offsetVersion],
		Sender:        data[offsetSender],
		Dest:          dest,
		Checksum:      data[offsetChecksum],
		Type:          typ,
		CorrelationID: data[offsetCorrelation],
	}, nil
}
