package nowlink

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// exchangeKind separates the correlation spaces of the two initiator
// operations: LINK frames are only ever matched against the locate exchange
// and STATUS frames only against the status exchange.
type exchangeKind int

const (
	exchangeLocate exchangeKind = iota
	exchangeStatus
	numExchangeKinds
)

func (k exchangeKind) String() string {
	switch k {
	case exchangeLocate:
		return "locate"
	case exchangeStatus:
		return "status"
	}
	return "unknown"
}

// peerSet is a set of peer ids.
type peerSet [4]uint64

func (s *peerSet) add(id byte) bool {
	word, bit := id/64, uint64(1)<<(id%64)
	if s[word]&bit != 0 {
		return false
	}
	s[word] |= bit
	return true
}

func (s *peerSet) has(id byte) bool {
	return s[id/64]&(uint64(1)<<(id%64)) != 0
}

// pendingExchange is one outstanding Locate or Status round.
type pendingExchange struct {
	kind     exchangeKind
	corrID   byte
	issuedAt time.Time
	deadline time.Time

	// targets holds the peers a status sweep was sent to.
	targets   peerSet
	responded peerSet
	added     int
}

// tracker holds the open exchange of each kind, plus the most recently closed
// one so that late replies can be recognized as stale rather than foreign.
type tracker struct {
	mu     sync.Mutex
	clock  clock.PassiveClock
	next   byte
	active [numExchangeKinds]*pendingExchange
	last   [numExchangeKinds]*pendingExchange
}

func newTracker(clk clock.PassiveClock, seed byte) *tracker {
	return &tracker{
		clock: clk,
		next:  seed,
	}
}

// open starts an exchange of the given kind with a fresh correlation id.
func (t *tracker) open(kind exchangeKind, window time.Duration, targets peerSet) (*pendingExchange, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active[kind] != nil {
		return nil, errors.Wrapf(errExchangeInProgress, "%v", kind)
	}
	now := t.clock.Now()
	ex := &pendingExchange{
		kind:     kind,
		corrID:   t.freshIDLocked(),
		issuedAt: now,
		deadline: now.Add(window),
		targets:  targets,
	}
	t.active[kind] = ex
	return ex, nil
}

// freshIDLocked returns the next correlation id that is not in use by any
// open or recently closed exchange.
func (t *tracker) freshIDLocked() byte {
	for {
		t.next++
		if !t.inUseLocked(t.next) {
			return t.next
		}
	}
}

func (t *tracker) inUseLocked(id byte) bool {
	for k := exchangeKind(0); k < numExchangeKinds; k++ {
		if ex := t.active[k]; ex != nil && ex.corrID == id {
			return true
		}
		if ex := t.last[k]; ex != nil && ex.corrID == id {
			return true
		}
	}
	return false
}

// close ends an exchange. The returned copy is final.
func (t *tracker) close(ex *pendingExchange) pendingExchange {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active[ex.kind] == ex {
		t.active[ex.kind] = nil
	}
	t.last[ex.kind] = ex
	return *ex
}

// match returns the open exchange of the given kind carrying corrID. Replies
// for an exchange whose window has passed fail with ErrStale.
func (t *tracker) match(kind exchangeKind, corrID byte) (*pendingExchange, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.matchLocked(kind, corrID)
}

func (t *tracker) matchLocked(kind exchangeKind, corrID byte) (*pendingExchange, error) {
	if ex := t.active[kind]; ex != nil && ex.corrID == corrID {
		if t.clock.Now().Before(ex.deadline) {
			return ex, nil
		}
		return nil, errors.Wrapf(ErrStale, "%v exchange %s closed at %v", kind, hexID(corrID), ex.deadline)
	}
	if ex := t.last[kind]; ex != nil && ex.corrID == corrID {
		return nil, errors.Wrapf(ErrStale, "%v exchange %s already closed", kind, hexID(corrID))
	}
	return nil, errNoExchange
}

// respond records that peerID answered the exchange. It reports false for a
// duplicate answer, or one from a peer the exchange was not sent to.
func (t *tracker) respond(ex *pendingExchange, peerID byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ex.kind == exchangeStatus && !ex.targets.has(peerID) {
		return false
	}
	return ex.responded.add(peerID)
}

// addIfOpen runs add while holding the tracker, so that ex cannot close in
// between, and counts the peer if add reports it as new. Once ex is closed or
// past its deadline add is not run and ErrStale is returned.
func (t *tracker) addIfOpen(ex *pendingExchange, add func() (bool, error)) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active[ex.kind] != ex || !t.clock.Now().Before(ex.deadline) {
		return false, errors.Wrapf(ErrStale, "%v exchange %s closed", ex.kind, hexID(ex.corrID))
	}
	added, err := add()
	if err != nil || !added {
		return added, err
	}
	ex.added++
	return true, nil
}
