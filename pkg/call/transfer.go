package call

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"mellium.im/xmpp/jid"

	"github.com/arzzra/jingle_phone/pkg/jingle"
)

// Transfer переводит вызов на адрес to. Пустой sid означает перевод без
// консультации. Для перевода с консультацией sid указывает сессию с целью
// перевода, обе сессии предварительно ставятся на удержание.
// При успехе текущая сессия завершается причиной success с отметкой о переводе.
func (p *Peer) Transfer(ctx context.Context, to *jid.JID, sid string) error {
	if to == nil {
		return newOperationError(CodeTransferTargetNotInRoster, "Transfer", p.SID(), errors.New("empty transfer target"))
	}
	if !p.State().IsEstablished() {
		return p.invalidState("Transfer")
	}
	log := p.log().With(slog.String("transfer_to", to.String()))

	bare := to.Bare()
	if p.directory == nil || !p.directory.InRoster(ctx, &bare) {
		return newOperationError(CodeTransferTargetNotInRoster, "Transfer", p.SID(), errors.Errorf("%s not in roster", to))
	}
	ok, err := p.supportsFeature(ctx, jingle.NSTransfer)
	if err != nil {
		log.Warn("Peer.Transfer capability lookup failed", slog.Any("error", err))
	}
	if !ok {
		return newOperationError(CodeTransferNotSupported, "Transfer", p.SID(), err)
	}

	if sid != "" {
		target, found := p.lookupSession(sid)
		if !found {
			return newOperationError(CodeUnknownSession, "Transfer", p.SID(), errors.Errorf("attended transfer session %s", sid))
		}
		for _, peer := range []*Peer{p, target} {
			if peer.IsLocallyOnHold() {
				continue
			}
			if err := peer.PutOnHold(ctx, true); err != nil {
				return errors.Wrap(err, "put on hold before transfer")
			}
		}
	}

	t := &jingle.Transfer{From: p.local, To: to, SID: sid}
	if err := p.sendAndWait(ctx, jingle.NewTransfer(p.SID(), t)); err != nil {
		log.Error("Peer.Transfer failed", slog.Any("error", err))
		switch CodeOf(err) {
		case CodeProtocolError:
			return newOperationError(CodeTransferRejected, "Transfer", p.SID(), err)
		case CodeNoResponse:
			return newOperationError(CodeTransferNoResponse, "Transfer", p.SID(), err)
		default:
			return err
		}
	}

	log.Info("Peer.Transfer accepted")
	ext := jingle.Transferred
	return p.Hangup(ctx, false, "transferred", &ext)
}

func (p *Peer) lookupSession(sid string) (*Peer, bool) {
	if p.registry != nil {
		if peer, ok := p.registry.Get(sid); ok {
			return peer, true
		}
	}
	for _, peer := range p.call.Peers() {
		if peer.SID() == sid {
			return peer, true
		}
	}
	return nil, false
}
