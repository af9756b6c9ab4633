package nowlink

import (
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/require"
	fakeclock "k8s.io/utils/clock/testing"
)

var l = log15.New()

func init() {
	l.SetHandler(log15.DiscardHandler())
}

func newFakeClock() *fakeclock.FakeClock {
	return fakeclock.NewFakeClock(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
}

// testAddr is the hardware address peer id is reachable at in tests.
func testAddr(id byte) HardwareAddr {
	return HardwareAddr{0x24, 0x0A, 0xC4, 0x00, 0x00, id}
}

func newTestEngine(t *testing.T, id byte, tr Transport, clk *fakeclock.FakeClock, opts ...Option) *Engine {
	opts = append([]Option{WithLogger(l.New("test", t.Name())), WithClock(clk)}, opts...)
	e, err := New(id, tr, opts...)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() {
		e.Stop()
	})
	return e
}

// waitForWaiters blocks until something is waiting on the clock, i.e. an
// initiator has entered its window.
func waitForWaiters(clk *fakeclock.FakeClock) {
	for !clk.HasWaiters() {
		time.Sleep(time.Millisecond)
	}
}

type locateResult struct {
	added int
	err   error
}

func goLocate(e *Engine) <-chan locateResult {
	ch := make(chan locateResult, 1)
	go func() {
		n, err := e.Locate()
		ch <- locateResult{n, err}
	}()
	return ch
}

type statusResult struct {
	res StatusResult
	err error
}

func goStatus(e *Engine) <-chan statusResult {
	ch := make(chan statusResult, 1)
	go func() {
		res, err := e.Status()
		ch <- statusResult{res, err}
	}()
	return ch
}

// linkPeer puts id into the table as a confirmed peer.
func linkPeer(t *testing.T, links *Links, id byte) int {
	slot, err := links.TryReserve(id)
	require.NoError(t, err)
	require.NoError(t, links.Confirm(slot, testAddr(id)))
	return slot
}

func tableIDs(t *testing.T, e *Engine) []byte {
	entries, err := e.Table()
	require.NoError(t, err)
	ids := make([]byte, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.PeerID)
	}
	return ids
}
