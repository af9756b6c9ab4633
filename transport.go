package nowlink

// ReceiveFunc is invoked by a Transport for every frame it receives, with the
// hardware address the frame came from. It may be called concurrently with
// any Engine method. frame is only valid for the duration of the call.
type ReceiveFunc func(src HardwareAddr, frame []byte)

// Transport is the connectionless radio an Engine talks over. Delivery is best
// effort: frames may be lost, duplicated or reordered.
type Transport interface {
	// Register installs the receive callback. Registering nil removes it.
	Register(recv ReceiveFunc) error
	// Send transmits a frame to dst, which is usually Broadcast. It must not
	// block waiting on the receiver.
	Send(dst HardwareAddr, frame []byte) error
}
