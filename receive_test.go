package nowlink

import (
	"testing"
	"time"

	"github.com/ngrok/nowlink/internal/proto"
	"github.com/stretchr/testify/require"
)

func TestAnswerLocate(t *testing.T) {
	clk := newFakeClock()
	tr := &mockTransport{}
	e := newTestEngine(t, 0x21, tr, clk)

	e.HandleFrame(testAddr(0x30), proto.Encode(proto.Locate, 0x30, proto.BroadcastID, 0x42))

	links := tr.framesOfType(proto.Link)
	require.Len(t, links, 1)
	require.Equal(t, proto.Frame{
		Version:       proto.Version,
		Sender:        0x21,
		Dest:          0x30,
		Checksum:      links[0].Checksum,
		Type:          proto.Link,
		CorrelationID: 0x42,
	}, links[0])
	require.True(t, tr.sent[0].dst.IsBroadcast(), "replies are addressed by id, not hardware address")

	entry, ok, err := e.Links().Lookup(0x30)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, SlotProvisional, entry.State)
	require.Empty(t, tableIDs(t, e), "provisional peers are not listed")

	// the same probe again is not answered
	e.HandleFrame(testAddr(0x30), proto.Encode(proto.Locate, 0x30, proto.BroadcastID, 0x42))
	require.Len(t, tr.frames(), 1)

	// the initiator's link finalizes the reservation
	e.HandleFrame(testAddr(0x30), proto.Encode(proto.Link, 0x30, 0x21, 0x42))
	entries, err := e.Table()
	require.NoError(t, err)
	require.Equal(t, []LinkEntry{{Slot: 0, PeerID: 0x30, Addr: testAddr(0x30), State: SlotConfirmed}}, entries)
	require.Len(t, tr.frames(), 1, "finalizing links are not answered")
}

func TestAnswerLocateKnownPeer(t *testing.T) {
	tr := &mockTransport{}
	e := newTestEngine(t, 0x21, tr, newFakeClock())
	linkPeer(t, e.Links(), 0x30)

	e.HandleFrame(testAddr(0x30), proto.Encode(proto.Locate, 0x30, proto.BroadcastID, 0x42))
	require.Empty(t, tr.frames())
	require.Equal(t, []byte{0x30}, tableIDs(t, e))
}

func TestAnswerLocateFullTable(t *testing.T) {
	tr := &mockTransport{}
	e := newTestEngine(t, 0x21, tr, newFakeClock(), WithCapacity(1))
	linkPeer(t, e.Links(), 0x22)

	e.HandleFrame(testAddr(0x30), proto.Encode(proto.Locate, 0x30, proto.BroadcastID, 0x42))
	require.Empty(t, tr.frames())
	_, ok, err := e.Links().Lookup(0x30)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReservationExpires(t *testing.T) {
	clk := newFakeClock()
	tr := &mockTransport{}
	e := newTestEngine(t, 0x21, tr, clk, WithCapacity(1))

	e.HandleFrame(testAddr(0x30), proto.Encode(proto.Locate, 0x30, proto.BroadcastID, 0x42))
	require.Len(t, tr.frames(), 1)

	clk.Step(DefaultReservationWindow)
	e.HandleFrame(testAddr(0x30), proto.Encode(proto.Link, 0x30, 0x21, 0x42))
	require.Empty(t, tableIDs(t, e))
	_, ok, err := e.Links().Lookup(0x30)
	require.NoError(t, err)
	require.False(t, ok, "the expired slot is released")

	// and the capacity can be used again
	e.HandleFrame(testAddr(0x31), proto.Encode(proto.Locate, 0x31, proto.BroadcastID, 0x43))
	require.Len(t, tr.framesOfType(proto.Link), 2)
}

func TestExpiredReservationReclaimedByLocate(t *testing.T) {
	clk := newFakeClock()
	tr := &mockTransport{}
	e := newTestEngine(t, 0x21, tr, clk, WithCapacity(1))

	e.HandleFrame(testAddr(0x30), proto.Encode(proto.Locate, 0x30, proto.BroadcastID, 0x42))
	_, err := e.Locate()
	require.Error(t, err, "the only slot is reserved")

	clk.Step(DefaultReservationWindow)
	done := goLocate(e)
	waitForWaiters(clk)
	clk.Step(DefaultLocateWindow)
	require.NoError(t, (<-done).err)
}

func TestAnswerStatus(t *testing.T) {
	tr := &mockTransport{}
	e := newTestEngine(t, 0x21, tr, newFakeClock())

	// probes are answered whether or not the sender is known
	e.HandleFrame(testAddr(0x30), proto.Encode(proto.Status, 0x30, proto.BroadcastID, 0x07))
	e.HandleFrame(testAddr(0x31), proto.Encode(proto.Status, 0x31, proto.BroadcastID, 0x08))

	replies := tr.framesOfType(proto.Status)
	require.Len(t, replies, 2)
	require.Equal(t, byte(0x30), replies[0].Dest)
	require.Equal(t, byte(0x07), replies[0].CorrelationID)
	require.Equal(t, byte(0x31), replies[1].Dest)
	require.Equal(t, byte(0x08), replies[1].CorrelationID)

	// a status addressed to us is a reply, never a probe
	e.HandleFrame(testAddr(0x30), proto.Encode(proto.Status, 0x30, 0x21, 0x07))
	require.Len(t, tr.frames(), 2)
}

// TestDropsInvalidFrames covers every reason a frame is dropped before dispatch.
func TestDropsInvalidFrames(t *testing.T) {
	tr := &mockTransport{}
	e := newTestEngine(t, 0x21, tr, newFakeClock())

	corrupt := proto.Encode(proto.Locate, 0x30, proto.BroadcastID, 1)
	corrupt[20] ^= 0x01
	unknownType := proto.Encode(proto.Locate, 0x30, proto.BroadcastID, 1)
	unknownType[4] = 9
	unknownType[3] = proto.Checksum(unknownType)

	for name, frame := range map[string][]byte{
		"third party destination": proto.Encode(proto.Locate, 0x30, 0x77, 1),
		"own echo":                proto.Encode(proto.Locate, 0x21, proto.BroadcastID, 1),
		"broadcast sender":        proto.Encode(proto.Status, proto.BroadcastID, 0x21, 1),
		"truncated":               proto.Encode(proto.Locate, 0x30, proto.BroadcastID, 1)[:100],
		"corrupt":                 corrupt,
		"unknown type":            unknownType,
		"empty":                   nil,
	} {
		e.HandleFrame(testAddr(0x30), frame)
		require.Empty(t, tr.frames(), name)
		require.Empty(t, tableIDs(t, e), name)
		_, ok, err := e.Links().Lookup(0x30)
		require.NoError(t, err)
		require.False(t, ok, name)
	}
}

func TestAddressPolicy(t *testing.T) {
	moved := HardwareAddr{0x24, 0x0A, 0xC4, 0x99, 0x99, 0x22}

	t.Run("trust on confirm", func(t *testing.T) {
		tr := &mockTransport{}
		e := newTestEngine(t, 0x21, tr, newFakeClock())
		linkPeer(t, e.Links(), 0x22)

		e.HandleFrame(moved, proto.Encode(proto.Status, 0x22, proto.BroadcastID, 1))
		require.Len(t, tr.frames(), 1)
		entries, err := e.Table()
		require.NoError(t, err)
		require.Equal(t, testAddr(0x22), entries[0].Addr, "the confirmed address is kept")
	})

	t.Run("reject mismatch", func(t *testing.T) {
		tr := &mockTransport{}
		e := newTestEngine(t, 0x21, tr, newFakeClock(), WithAddressPolicy(RejectMismatch))
		linkPeer(t, e.Links(), 0x22)

		e.HandleFrame(moved, proto.Encode(proto.Status, 0x22, proto.BroadcastID, 1))
		require.Empty(t, tr.frames())

		e.HandleFrame(testAddr(0x22), proto.Encode(proto.Status, 0x22, proto.BroadcastID, 1))
		require.Len(t, tr.frames(), 1)

		// unconfirmed peers are not checked
		e.HandleFrame(moved, proto.Encode(proto.Status, 0x30, proto.BroadcastID, 1))
		require.Len(t, tr.frames(), 2)
	})
}

func TestReplyJitter(t *testing.T) {
	clk := newFakeClock()
	tr := &mockTransport{}
	e := newTestEngine(t, 0x21, tr, clk, WithReplyJitter(10*time.Millisecond))

	e.HandleFrame(testAddr(0x30), proto.Encode(proto.Status, 0x30, proto.BroadcastID, 1))
	waitForWaiters(clk)
	require.Empty(t, tr.frames(), "the reply waits for the jitter delay")

	clk.Step(10 * time.Millisecond)
	require.Eventually(t, func() bool {
		return len(tr.frames()) == 1
	}, time.Second, time.Millisecond)
}

func TestReplyJitterAfterStop(t *testing.T) {
	clk := newFakeClock()
	tr := &mockTransport{}
	e := newTestEngine(t, 0x21, tr, clk, WithReplyJitter(10*time.Millisecond))

	e.HandleFrame(testAddr(0x30), proto.Encode(proto.Status, 0x30, proto.BroadcastID, 1))
	waitForWaiters(clk)
	require.NoError(t, e.Stop())
	clk.Step(10 * time.Millisecond)

	// give the reply goroutine a chance to run
	require.Eventually(t, func() bool { return !clk.HasWaiters() }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	require.Empty(t, tr.frames())
}
