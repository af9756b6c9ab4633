package nowlink

import (
	"github.com/inconshreveable/log15"
	"github.com/ngrok/nowlink/internal/proto"
	"github.com/pkg/errors"
)

// HandleFrame is the engine's receive path. Start registers it with the
// transport; it is exported so that transports which cannot call back, such as
// a test harness, can feed frames in directly.
//
// Invalid, foreign and unexpected frames are dropped without any error signal.
func (e *Engine) HandleFrame(src HardwareAddr, data []byte) {
	if !e.running() {
		return
	}
	f, err := proto.Decode(data, e.id)
	if err != nil {
		if errors.Cause(err) != proto.ErrNotForUs {
			e.l.Debug("dropping invalid frame", "src", src, "err", err)
		}
		return
	}
	l := e.l.New("peer", hexID(f.Sender), "corr", hexID(f.CorrelationID))
	switch f.Sender {
	case e.id:
		// our own broadcast, echoed back by the medium
		return
	case proto.BroadcastID:
		l.Debug("dropping frame with broadcast sender", "type", f.Type)
		return
	}
	if !e.checkAddress(l, f.Sender, src) {
		return
	}

	switch f.Type {
	case proto.Locate:
		e.handleLocate(l, f, src)
	case proto.Link:
		e.handleLink(l, f, src)
	case proto.Status:
		e.handleStatus(l, f)
	}
}

// checkAddress applies the address policy to frames from confirmed peers.
func (e *Engine) checkAddress(l log15.Logger, peerID byte, src HardwareAddr) bool {
	entry, ok, err := e.links.Lookup(peerID)
	if err != nil {
		l.Warn("dropping frame, link table unavailable", "err", err)
		return false
	}
	if !ok || entry.State != SlotConfirmed || entry.Addr == src {
		return true
	}
	if e.addressPolicy == RejectMismatch {
		l.Warn("dropping frame from unexpected address", "src", src, "confirmed", entry.Addr)
		return false
	}
	l.Info("peer address changed, keeping confirmed address", "src", src, "confirmed", entry.Addr)
	return true
}

// handleLocate answers a discovery probe by reserving a slot for the
// initiator and replying LINK. Known peers and a full table get no reply.
func (e *Engine) handleLocate(l log15.Logger, f *proto.Frame, src HardwareAddr) {
	slot, err := e.links.reserve(f.Sender, f.CorrelationID, src)
	if err != nil {
		switch errors.Cause(err) {
		case ErrAlreadyKnown, ErrTableFull:
			l.Debug("not answering locate", "reason", err)
		default:
			l.Warn("unable to reserve slot", "err", err)
		}
		return
	}
	l.Debug("reserved slot, replying with link", "slot", slot)
	e.reply(l, proto.Link, f.Sender, f.CorrelationID)
}

// handleLink processes a LINK. It either finalizes the reservation made when
// we answered the peer's LOCATE, or answers our own open LOCATE, in which case
// the peer is admitted and a LINK is sent back so it can finalize its side.
func (e *Engine) handleLink(l log15.Logger, f *proto.Frame, src HardwareAddr) {
	ok, err := e.links.finalize(f.Sender, f.CorrelationID, src)
	switch {
	case errors.Cause(err) == ErrExpired:
		l.Info("link arrived after reservation expired", "err", err)
		return
	case err != nil:
		l.Warn("unable to finalize link", "err", err)
		return
	case ok:
		l.Info("link finalized", "addr", src)
		return
	}

	ex, err := e.tracker.match(exchangeLocate, f.CorrelationID)
	switch errors.Cause(err) {
	case nil:
		e.admit(l, ex, f, src)
	case ErrStale:
		l.Debug("ignoring late link", "reason", err)
	default:
		l.Debug("ignoring link with unknown correlation id")
	}
}

func (e *Engine) admit(l log15.Logger, ex *pendingExchange, f *proto.Frame, src HardwareAddr) {
	added, err := e.tracker.addIfOpen(ex, func() (bool, error) {
		return e.links.admit(f.Sender, src)
	})
	if err != nil {
		l.Debug("not admitting peer", "reason", err)
		return
	}
	if !added {
		l.Debug("peer already linked")
		return
	}
	l.Info("peer linked", "addr", src)
	e.reply(l, proto.Link, f.Sender, f.CorrelationID)
}

// handleStatus answers every broadcast probe. A STATUS addressed to this node
// is a reply to our own sweep and is never answered.
func (e *Engine) handleStatus(l log15.Logger, f *proto.Frame) {
	if f.IsBroadcast() {
		e.reply(l, proto.Status, f.Sender, f.CorrelationID)
		return
	}
	ex, err := e.tracker.match(exchangeStatus, f.CorrelationID)
	if err != nil {
		l.Debug("ignoring status reply", "reason", err)
		return
	}
	if e.tracker.respond(ex, f.Sender) {
		l.Debug("peer is alive")
	}
}
