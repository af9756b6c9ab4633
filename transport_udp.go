package nowlink

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"syscall"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// maxDatagram is the read buffer size. Anything longer than a frame is read in
// full so that the codec can reject it.
const maxDatagram = 2048

// UDPTransport is a Transport over UDP broadcast on a local network. Every
// node listens on the same port; the hardware address of a node is its IPv4
// address followed by its port.
type UDPTransport struct {
	conn      *net.UDPConn
	broadcast *net.UDPAddr

	recvLock sync.Mutex
	recv     ReceiveFunc

	closeOnce sync.Once
	done      chan struct{}
	readWg    sync.WaitGroup

	l log15.Logger
}

// ListenUDP binds listenAddr with broadcast enabled and starts reading. Frames
// sent to Broadcast go to broadcastAddr, e.g. "255.255.255.255:4210".
func ListenUDP(ctx context.Context, l log15.Logger, listenAddr, broadcastAddr string) (*UDPTransport, error) {
	bcast, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid broadcast address %q", broadcastAddr)
	}
	lc := net.ListenConfig{Control: broadcastSocketOpts}
	pc, err := lc.ListenPacket(ctx, "udp4", listenAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to listen on %q", listenAddr)
	}
	t := &UDPTransport{
		conn:      pc.(*net.UDPConn),
		broadcast: bcast,
		done:      make(chan struct{}),
		l:         l.New("local", pc.LocalAddr().String()),
	}
	t.readWg.Add(1)
	go t.readLoop()
	return t, nil
}

func broadcastSocketOpts(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		for _, opt := range []int{unix.SO_REUSEADDR, unix.SO_REUSEPORT, unix.SO_BROADCAST} {
			if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, 1); sockErr != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return errors.Wrap(sockErr, "unable to set socket options")
}

// HardwareAddr returns the address other nodes see this transport's frames as
// coming from, as far as it can be known locally.
func (t *UDPTransport) HardwareAddr() HardwareAddr {
	return udpHardwareAddr(t.conn.LocalAddr().(*net.UDPAddr))
}

// LocalAddr returns the bound socket address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Register implements Transport.
func (t *UDPTransport) Register(recv ReceiveFunc) error {
	select {
	case <-t.done:
		return errors.New("transport is closed")
	default:
	}
	t.recvLock.Lock()
	defer t.recvLock.Unlock()
	t.recv = recv
	return nil
}

// Send implements Transport.
func (t *UDPTransport) Send(dst HardwareAddr, frame []byte) error {
	to := t.broadcast
	if !dst.IsBroadcast() {
		to = dst.udpAddr()
	}
	n, err := t.conn.WriteToUDP(frame, to)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return errors.Errorf("short write to %v: %d of %d bytes", to, n, len(frame))
	}
	return nil
}

// Close stops the read loop and closes the socket.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()
		t.readWg.Wait()
	})
	return err
}

func (t *UDPTransport) readLoop() {
	defer t.readWg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, remote, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
				t.l.Debug("read loop stopped")
			default:
				t.l.Error("udp read error", "err", err)
			}
			return
		}
		if remote.IP.To4() == nil {
			continue
		}
		t.recvLock.Lock()
		recv := t.recv
		t.recvLock.Unlock()
		if recv != nil {
			recv(udpHardwareAddr(remote), buf[:n])
		}
	}
}

func udpHardwareAddr(a *net.UDPAddr) HardwareAddr {
	var addr HardwareAddr
	if ip4 := a.IP.To4(); ip4 != nil {
		copy(addr[:4], ip4)
	}
	binary.BigEndian.PutUint16(addr[4:], uint16(a.Port))
	return addr
}

func (a HardwareAddr) udpAddr() *net.UDPAddr {
	return &net.UDPAddr{
		IP:   net.IPv4(a[0], a[1], a[2], a[3]),
		Port: int(binary.BigEndian.Uint16(a[4:])),
	}
}
