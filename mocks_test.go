package nowlink

import (
	"sync"

	"github.com/ngrok/nowlink/internal/proto"
	"github.com/pkg/errors"
)

type sentFrame struct {
	dst   HardwareAddr
	frame proto.Frame
}

// mockTransport records every frame sent through it. Frames are fed to the
// engine by calling HandleFrame directly.
type mockTransport struct {
	mu          sync.Mutex
	recv        ReceiveFunc
	sent        []sentFrame
	sendErr     error
	registerErr error
}

func (m *mockTransport) Register(recv ReceiveFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registerErr != nil {
		return m.registerErr
	}
	m.recv = recv
	return nil
}

func (m *mockTransport) Send(dst HardwareAddr, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	f, err := decodeAny(data)
	if err != nil {
		return errors.Wrap(err, "engine sent an invalid frame")
	}
	m.sent = append(m.sent, sentFrame{dst: dst, frame: *f})
	return nil
}

// decodeAny decodes a frame whatever its destination.
func decodeAny(data []byte) (*proto.Frame, error) {
	if len(data) != proto.FrameSize {
		return nil, proto.ErrFrameSize
	}
	// byte 2 is the destination
	return proto.Decode(data, data[2])
}

func (m *mockTransport) setSendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *mockTransport) registered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recv != nil
}

// frames returns a copy of everything sent so far.
func (m *mockTransport) frames() []proto.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]proto.Frame, 0, len(m.sent))
	for _, s := range m.sent {
		out = append(out, s.frame)
	}
	return out
}

func (m *mockTransport) framesOfType(typ proto.MessageType) []proto.Frame {
	var out []proto.Frame
	for _, f := range m.frames() {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// medium is an in-memory broadcast radio. Every frame is delivered
// synchronously, in the sender's goroutine, to every other attached port.
type medium struct {
	mu    sync.Mutex
	ports []*mediumPort
}

type mediumPort struct {
	m    *medium
	addr HardwareAddr
	recv ReceiveFunc
	down bool
}

func (m *medium) attach(addr HardwareAddr) *mediumPort {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &mediumPort{m: m, addr: addr}
	m.ports = append(m.ports, p)
	return p
}

func (p *mediumPort) Register(recv ReceiveFunc) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	p.recv = recv
	return nil
}

func (p *mediumPort) Send(dst HardwareAddr, data []byte) error {
	p.m.mu.Lock()
	if p.down {
		p.m.mu.Unlock()
		return errors.New("radio is down")
	}
	var targets []ReceiveFunc
	for _, other := range p.m.ports {
		if other == p || other.recv == nil || other.down {
			continue
		}
		if dst.IsBroadcast() || dst == other.addr {
			targets = append(targets, other.recv)
		}
	}
	p.m.mu.Unlock()

	// deliver without holding the medium lock, replies re-enter Send
	for _, recv := range targets {
		frame := make([]byte, len(data))
		copy(frame, data)
		recv(p.addr, frame)
	}
	return nil
}

// setDown takes the port off the air in both directions.
func (p *mediumPort) setDown(down bool) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	p.down = down
}
