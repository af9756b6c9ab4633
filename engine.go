package nowlink

import (
	"math/rand"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/nowlink/internal/proto"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

const (
	// DefaultCapacity is the number of peers a link table holds by default.
	DefaultCapacity = 4
	// MaxCapacity bounds the capacity of a link table.
	MaxCapacity = 64

	// DefaultLocateWindow is how long Locate collects LINK replies.
	DefaultLocateWindow = 5 * time.Second
	// DefaultStatusWindow is how long Status collects STATUS replies.
	DefaultStatusWindow = time.Second
	// DefaultReservationWindow is how long a provisional slot waits for the
	// initiator's finalizing LINK before it is reclaimed.
	DefaultReservationWindow = 2 * time.Second

	// DefaultLockTimeout bounds a single attempt to take the link table lock.
	DefaultLockTimeout = 50 * time.Millisecond
	// DefaultLockRetries is the number of lock attempts before giving up.
	DefaultLockRetries = 5
)

// AddressPolicy decides what happens when a confirmed peer's frames start
// arriving from a different hardware address.
type AddressPolicy int

const (
	// TrustOnConfirm keeps the address recorded at confirmation and accepts
	// the frames anyway.
	TrustOnConfirm AddressPolicy = iota
	// RejectMismatch drops frames from a confirmed peer arriving from any
	// address but the recorded one. Such a peer stops answering liveness
	// sweeps and is eventually pruned.
	RejectMismatch
)

// StatusResult is the outcome of one liveness sweep.
type StatusResult struct {
	Active int
	Pruned int
}

// Engine runs the discovery and liveness protocol for one node.
type Engine struct {
	id        byte
	transport Transport
	clock     clock.Clock

	capacity          int
	locateWindow      time.Duration
	statusWindow      time.Duration
	reservationWindow time.Duration
	lockTimeout       time.Duration
	lockRetries       int
	replyJitter       time.Duration
	addressPolicy     AddressPolicy

	stateLock sync.Mutex
	state     engineState

	// initiatorMu serializes Locate and Status.
	initiatorMu sync.Mutex

	links   *Links
	tracker *tracker

	l log15.Logger
}

// Option is an option function for Engine.
// See Rob Pike's post on the topic for more information on this pattern:
// https://commandcenter.blogspot.com/2014/01/self-referential-functions-and-design.html
type Option func(e *Engine)

// WithLogger configures the logger to use for protocol events.
// By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(e *Engine) {
		e.l = l
	}
}

// WithClock configures the clock windows and reservations are measured on.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithCapacity configures the number of link table slots, between 1 and
// MaxCapacity.
func WithCapacity(n int) Option {
	return func(e *Engine) {
		e.capacity = n
	}
}

// WithLocateWindow configures how long Locate waits for replies. If a time of
// 0 is specified, the default will be used.
func WithLocateWindow(d time.Duration) Option {
	return func(e *Engine) {
		e.locateWindow = orDefault(d, DefaultLocateWindow)
	}
}

// WithStatusWindow configures how long Status waits for replies. If a time of
// 0 is specified, the default will be used.
func WithStatusWindow(d time.Duration) Option {
	return func(e *Engine) {
		e.statusWindow = orDefault(d, DefaultStatusWindow)
	}
}

// WithReservationWindow configures how long a provisional reservation lives.
// If a time of 0 is specified, the default will be used.
func WithReservationWindow(d time.Duration) Option {
	return func(e *Engine) {
		e.reservationWindow = orDefault(d, DefaultReservationWindow)
	}
}

// WithLockTimeout configures the bounded wait of one link table lock attempt.
// If a time of 0 is specified, the default will be used.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.lockTimeout = orDefault(d, DefaultLockTimeout)
	}
}

// WithLockRetries configures how many lock attempts are made before an
// operation fails with ErrLockTimeout.
func WithLockRetries(n int) Option {
	return func(e *Engine) {
		e.lockRetries = n
		if e.lockRetries <= 0 {
			e.lockRetries = DefaultLockRetries
		}
	}
}

// WithReplyJitter delays every reply sent on the receive path by a random
// duration up to d, so that nodes answering the same broadcast do not all
// transmit at once. The default is no delay.
func WithReplyJitter(d time.Duration) Option {
	return func(e *Engine) {
		e.replyJitter = d
	}
}

// WithAddressPolicy configures how address changes of confirmed peers are
// handled. The default is TrustOnConfirm.
func WithAddressPolicy(p AddressPolicy) Option {
	return func(e *Engine) {
		e.addressPolicy = p
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// New constructs an engine for the node with the given id, talking over the
// given transport. The engine does not receive anything until Start is called.
func New(id byte, transport Transport, opts ...Option) (*Engine, error) {
	if id == proto.BroadcastID {
		return nil, errors.Errorf("node id %s is reserved for broadcast", hexID(id))
	}
	if transport == nil {
		return nil, errors.New("a transport is required")
	}

	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	e := &Engine{
		id:                id,
		transport:         transport,
		clock:             clock.RealClock{},
		capacity:          DefaultCapacity,
		locateWindow:      DefaultLocateWindow,
		statusWindow:      DefaultStatusWindow,
		reservationWindow: DefaultReservationWindow,
		lockTimeout:       DefaultLockTimeout,
		lockRetries:       DefaultLockRetries,
		state:             engineStateNew,
		l:                 noopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.capacity < 1 || e.capacity > MaxCapacity {
		return nil, errors.Errorf("capacity %d out of range [1, %d]", e.capacity, MaxCapacity)
	}
	e.l = e.l.New("node", hexID(id))
	e.links = newLinks(e.l, e.clock, e.capacity, e.reservationWindow, e.lockTimeout, e.lockRetries)
	e.tracker = newTracker(e.clock, byte(rand.Intn(256)))
	return e, nil
}

// ID returns the node id of this engine.
func (e *Engine) ID() byte {
	return e.id
}

// Links returns the engine's link table.
func (e *Engine) Links() *Links {
	return e.links
}

// Start registers the engine's receive path with the transport.
func (e *Engine) Start() error {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	if err := canTransition(validEngineTransitions, e.state, engineStateRunning); err != nil {
		return err
	}
	// the receive path checks the state, so it is safe to register first
	if err := e.transport.Register(e.HandleFrame); err != nil {
		return errors.Wrap(ErrRegister, err.Error())
	}
	e.l.Info("engine started", "capacity", e.capacity)
	return e.state.transitionTo(engineStateRunning)
}

// Stop unregisters the receive path. Afterwards every command fails with
// ErrStopped. Stop may be called more than once.
func (e *Engine) Stop() error {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()

	wasRunning := e.state == engineStateRunning
	if err := e.state.transitionTo(engineStateStopped); err != nil {
		return err
	}
	if !wasRunning {
		return nil
	}
	e.l.Info("engine stopped")
	if err := e.transport.Register(nil); err != nil {
		return errors.Wrap(err, "unable to unregister from transport")
	}
	return nil
}

func (e *Engine) running() bool {
	e.stateLock.Lock()
	defer e.stateLock.Unlock()
	return e.state == engineStateRunning
}

func (e *Engine) checkRunning() error {
	if !e.running() {
		return ErrStopped
	}
	return nil
}

// Locate broadcasts a discovery probe and blocks for the locate window,
// adding every peer that answers to the link table. It returns the number of
// peers added, which may be 0. If the table has no room, it fails with
// ErrTableFull without transmitting anything.
func (e *Engine) Locate() (int, error) {
	if err := e.checkRunning(); err != nil {
		return 0, err
	}
	e.initiatorMu.Lock()
	defer e.initiatorMu.Unlock()

	room, err := e.links.hasRoom()
	if err != nil {
		return 0, err
	}
	if !room {
		return 0, errors.Wrap(ErrTableFull, "not locating")
	}

	ex, err := e.tracker.open(exchangeLocate, e.locateWindow, peerSet{})
	if err != nil {
		return 0, err
	}
	l := e.l.New("corr", hexID(ex.corrID))
	if err := e.send(proto.Locate, proto.BroadcastID, ex.corrID); err != nil {
		e.tracker.close(ex)
		return 0, err
	}
	l.Debug("locate sent, waiting for links", "window", e.locateWindow)

	<-e.clock.After(e.locateWindow)
	res := e.tracker.close(ex)
	l.Info("locate complete", "added", res.added)
	return res.added, nil
}

// Status probes every confirmed peer and blocks for the status window. Peers
// that did not answer are pruned from the table.
//
// A send failure for one peer does not stop the sweep; the first such error
// is returned alongside the result, and that peer is pruned like any other
// silent one.
func (e *Engine) Status() (StatusResult, error) {
	if err := e.checkRunning(); err != nil {
		return StatusResult{}, err
	}
	e.initiatorMu.Lock()
	defer e.initiatorMu.Unlock()

	peers, err := e.links.confirmedIDs()
	if err != nil {
		return StatusResult{}, err
	}
	if len(peers) == 0 {
		e.l.Debug("no peers to sweep")
		return StatusResult{}, nil
	}

	var targets peerSet
	for _, id := range peers {
		targets.add(id)
	}
	ex, err := e.tracker.open(exchangeStatus, e.statusWindow, targets)
	if err != nil {
		return StatusResult{}, err
	}
	l := e.l.New("corr", hexID(ex.corrID))

	// probes are broadcast, replies come back addressed to this node
	var sendErr error
	for _, id := range peers {
		if err := e.send(proto.Status, proto.BroadcastID, ex.corrID); err != nil {
			l.Warn("unable to probe peer", "peer", hexID(id), "err", err)
			if sendErr == nil {
				sendErr = err
			}
		}
	}
	l.Debug("status sent, waiting for replies", "peers", len(peers), "window", e.statusWindow)

	<-e.clock.After(e.statusWindow)
	res := e.tracker.close(ex)

	silent := make([]byte, 0, len(peers))
	for _, id := range peers {
		if !res.responded.has(id) {
			silent = append(silent, id)
		}
	}
	pruned, err := e.links.prune(silent)
	if err != nil {
		return StatusResult{}, err
	}
	result := StatusResult{Active: len(peers) - len(silent), Pruned: pruned}
	l.Info("status complete", "active", result.Active, "pruned", result.Pruned)
	return result, sendErr
}

// Table returns the confirmed peers, ordered by slot.
func (e *Engine) Table() ([]LinkEntry, error) {
	if err := e.checkRunning(); err != nil {
		return nil, err
	}
	return e.links.List()
}

// Reset empties the link table.
func (e *Engine) Reset() error {
	if err := e.checkRunning(); err != nil {
		return err
	}
	return e.links.Reset()
}

func (e *Engine) send(typ proto.MessageType, dest, corrID byte) error {
	frame := proto.Encode(typ, e.id, dest, corrID)
	if err := e.transport.Send(Broadcast, frame); err != nil {
		return errors.Wrapf(ErrSend, "%v to %s: %v", typ, hexID(dest), err)
	}
	return nil
}

// reply answers a frame from the receive path, after the configured jitter.
// It never blocks the receive path.
func (e *Engine) reply(l log15.Logger, typ proto.MessageType, dest, corrID byte) {
	if e.replyJitter <= 0 {
		if err := e.send(typ, dest, corrID); err != nil {
			l.Warn("unable to reply", "type", typ, "err", err)
		}
		return
	}
	delay := time.Duration(rand.Int63n(int64(e.replyJitter) + 1))
	go func() {
		<-e.clock.After(delay)
		if !e.running() {
			return
		}
		if err := e.send(typ, dest, corrID); err != nil {
			l.Warn("unable to reply", "type", typ, "delay", delay, "err", err)
		}
	}()
}
