package nowlink

import (
	"context"
	"fmt"
	"math/bits"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"
)

// LinkEntry describes one slot of the link table.
type LinkEntry struct {
	Slot   int
	PeerID byte
	Addr   HardwareAddr
	State  SlotState
	// ReservedAt is only set while the slot is provisional.
	ReservedAt time.Time

	// correlation id of the LOCATE a provisional slot answered
	corrID byte
}

func (e LinkEntry) String() string {
	return fmt.Sprintf("slot(%d): %s %v %v", e.Slot, hexID(e.PeerID), e.Addr, e.State)
}

func hexID(id byte) string {
	return fmt.Sprintf("%#02x", id)
}

// Links is the bounded table of peers known to an engine. It is safe for
// concurrent use: every operation takes the table lock with a bounded wait,
// retrying a bounded number of times before failing with ErrLockTimeout.
// No I/O happens while the lock is held.
type Links struct {
	sem         *semaphore.Weighted
	lockTimeout time.Duration
	lockRetries int

	clock             clock.PassiveClock
	reservationWindow time.Duration

	// NB: bit i of occupied is set iff slots[i] is not empty.
	slots    []LinkEntry
	occupied uint64

	l log15.Logger
}

func newLinks(l log15.Logger, clk clock.PassiveClock, capacity int, reservationWindow, lockTimeout time.Duration, lockRetries int) *Links {
	slots := make([]LinkEntry, capacity)
	for i := range slots {
		slots[i] = LinkEntry{Slot: i, State: SlotEmpty}
	}
	return &Links{
		sem:               semaphore.NewWeighted(1),
		lockTimeout:       lockTimeout,
		lockRetries:       lockRetries,
		clock:             clk,
		reservationWindow: reservationWindow,
		slots:             slots,
		l:                 l,
	}
}

// Capacity returns the number of slots in the table.
func (t *Links) Capacity() int {
	return len(t.slots)
}

func (t *Links) lock() error {
	for attempt := 1; attempt <= t.lockRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), t.lockTimeout)
		err := t.sem.Acquire(ctx, 1)
		cancel()
		if err == nil {
			return nil
		}
		t.l.Debug("link table busy", "attempt", attempt, "retries", t.lockRetries)
	}
	return errors.Wrapf(ErrLockTimeout, "%d attempts of %v", t.lockRetries, t.lockTimeout)
}

func (t *Links) unlock() {
	t.sem.Release(1)
}

// TryReserve marks an empty slot provisional for peerID and returns its index.
// It fails with ErrAlreadyKnown if peerID occupies a slot, and with
// ErrTableFull if no slot is empty once expired reservations are reclaimed.
func (t *Links) TryReserve(peerID byte) (int, error) {
	if err := t.lock(); err != nil {
		return -1, err
	}
	defer t.unlock()
	return t.tryReserveLocked(peerID, 0, HardwareAddr{})
}

// Confirm moves a provisional slot to confirmed and records the peer's
// address. If the reservation window has passed, the slot is released and
// ErrExpired is returned.
func (t *Links) Confirm(slot int, addr HardwareAddr) error {
	if err := t.lock(); err != nil {
		return err
	}
	defer t.unlock()
	return t.confirmLocked(slot, addr)
}

// Release returns a slot to empty.
func (t *Links) Release(slot int) error {
	if err := t.lock(); err != nil {
		return err
	}
	defer t.unlock()
	return t.releaseLocked(slot)
}

// List returns a copy of every confirmed entry, ordered by slot index.
func (t *Links) List() ([]LinkEntry, error) {
	if err := t.lock(); err != nil {
		return nil, err
	}
	defer t.unlock()

	entries := make([]LinkEntry, 0, bits.OnesCount64(t.occupied))
	for i := range t.slots {
		if t.slots[i].State == SlotConfirmed {
			entries = append(entries, t.slots[i])
		}
	}
	return entries, nil
}

// Reset empties every slot.
func (t *Links) Reset() error {
	if err := t.lock(); err != nil {
		return err
	}
	defer t.unlock()

	for i := range t.slots {
		t.slots[i] = LinkEntry{Slot: i, State: SlotEmpty}
	}
	t.occupied = 0
	t.l.Info("link table reset")
	return nil
}

// Lookup returns the entry holding peerID, in any non-empty state.
func (t *Links) Lookup(peerID byte) (LinkEntry, bool, error) {
	if err := t.lock(); err != nil {
		return LinkEntry{}, false, err
	}
	defer t.unlock()

	i := t.findLocked(peerID)
	if i < 0 {
		return LinkEntry{}, false, nil
	}
	return t.slots[i], true, nil
}

func (t *Links) hasRoom() (bool, error) {
	if err := t.lock(); err != nil {
		return false, err
	}
	defer t.unlock()

	t.reapLocked()
	return t.freeSlotLocked() >= 0, nil
}

// reserve takes a provisional slot for a peer whose LOCATE we are answering.
func (t *Links) reserve(peerID, corrID byte, addr HardwareAddr) (int, error) {
	if err := t.lock(); err != nil {
		return -1, err
	}
	defer t.unlock()
	return t.tryReserveLocked(peerID, corrID, addr)
}

// admit records a peer that answered our own LOCATE. It reports whether the
// peer was newly confirmed; a peer that is already confirmed is left alone.
func (t *Links) admit(peerID byte, addr HardwareAddr) (bool, error) {
	if err := t.lock(); err != nil {
		return false, err
	}
	defer t.unlock()

	t.reapLocked()
	slot := t.findLocked(peerID)
	if slot >= 0 && t.slots[slot].State == SlotConfirmed {
		return false, nil
	}
	if slot < 0 {
		var err error
		if slot, err = t.tryReserveLocked(peerID, 0, addr); err != nil {
			return false, err
		}
	}
	if err := t.confirmLocked(slot, addr); err != nil {
		return false, err
	}
	return true, nil
}

// finalize confirms the provisional slot reserved for peerID when it answered
// the LOCATE with the given correlation id. It reports false if there is no
// such reservation.
func (t *Links) finalize(peerID, corrID byte, addr HardwareAddr) (bool, error) {
	if err := t.lock(); err != nil {
		return false, err
	}
	defer t.unlock()

	slot := t.findLocked(peerID)
	if slot < 0 {
		return false, nil
	}
	if s := t.slots[slot]; s.State != SlotProvisional || s.corrID != corrID {
		return false, nil
	}
	if err := t.confirmLocked(slot, addr); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Links) confirmedIDs() ([]byte, error) {
	if err := t.lock(); err != nil {
		return nil, err
	}
	defer t.unlock()

	ids := make([]byte, 0, len(t.slots))
	for i := range t.slots {
		if t.slots[i].State == SlotConfirmed {
			ids = append(ids, t.slots[i].PeerID)
		}
	}
	return ids, nil
}

// prune releases the confirmed slots of the given peers and returns how many
// were released. Peers no longer confirmed (e.g. after a Reset) are skipped.
func (t *Links) prune(peerIDs []byte) (int, error) {
	if err := t.lock(); err != nil {
		return 0, err
	}
	defer t.unlock()

	pruned := 0
	for _, id := range peerIDs {
		slot := t.findLocked(id)
		if slot < 0 || t.slots[slot].State != SlotConfirmed {
			continue
		}
		if err := t.releaseLocked(slot); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

func (t *Links) findLocked(peerID byte) int {
	for i := range t.slots {
		if t.occupied&(1<<uint(i)) != 0 && t.slots[i].PeerID == peerID {
			return i
		}
	}
	return -1
}

func (t *Links) freeSlotLocked() int {
	free := bits.TrailingZeros64(^t.occupied)
	if free >= len(t.slots) {
		return -1
	}
	return free
}

func (t *Links) expired(s *LinkEntry, now time.Time) bool {
	return !now.Before(s.ReservedAt.Add(t.reservationWindow))
}

// reapLocked releases provisional slots whose reservation window has passed.
func (t *Links) reapLocked() {
	now := t.clock.Now()
	for i := range t.slots {
		s := &t.slots[i]
		if s.State != SlotProvisional || !t.expired(s, now) {
			continue
		}
		t.l.Info("reclaiming expired reservation", "slot", i, "peer", hexID(s.PeerID))
		if err := t.releaseLocked(i); err != nil {
			t.l.Error("unable to reclaim reservation", "slot", i, "err", err)
		}
	}
}

func (t *Links) tryReserveLocked(peerID, corrID byte, addr HardwareAddr) (int, error) {
	t.reapLocked()
	if t.findLocked(peerID) >= 0 {
		return -1, errors.Wrapf(ErrAlreadyKnown, "peer %s", hexID(peerID))
	}
	slot := t.freeSlotLocked()
	if slot < 0 {
		return -1, errors.Wrapf(ErrTableFull, "%d slots in use", len(t.slots))
	}

	s := &t.slots[slot]
	if err := s.State.transitionTo(SlotProvisional); err != nil {
		return -1, errors.Wrapf(err, "slot %d", slot)
	}
	s.PeerID = peerID
	s.Addr = addr
	s.corrID = corrID
	s.ReservedAt = t.clock.Now()
	t.occupied |= 1 << uint(slot)
	return slot, nil
}

func (t *Links) confirmLocked(slot int, addr HardwareAddr) error {
	if err := t.checkSlot(slot); err != nil {
		return err
	}
	s := &t.slots[slot]
	if s.State == SlotProvisional && t.expired(s, t.clock.Now()) {
		peer := s.PeerID
		if err := t.releaseLocked(slot); err != nil {
			return err
		}
		return errors.Wrapf(ErrExpired, "slot %d, peer %s", slot, hexID(peer))
	}
	if err := s.State.transitionTo(SlotConfirmed); err != nil {
		return errors.Wrapf(err, "slot %d", slot)
	}
	s.Addr = addr
	s.ReservedAt = time.Time{}
	s.corrID = 0
	return nil
}

func (t *Links) releaseLocked(slot int) error {
	if err := t.checkSlot(slot); err != nil {
		return err
	}
	s := &t.slots[slot]
	if err := s.State.transitionTo(SlotEmpty); err != nil {
		return errors.Wrapf(err, "slot %d", slot)
	}
	*s = LinkEntry{Slot: slot, State: SlotEmpty}
	t.occupied &^= 1 << uint(slot)
	return nil
}

func (t *Links) checkSlot(slot int) error {
	if slot < 0 || slot >= len(t.slots) {
		return errors.Errorf("slot %d out of range [0, %d)", slot, len(t.slots))
	}
	return nil
}
