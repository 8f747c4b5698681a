package call

import (
	"context"
	"encoding/xml"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/jingle_phone/pkg/jingle"
	"github.com/arzzra/jingle_phone/pkg/media"
)

// JingleOption дополняет исходящий session-initiate расширениями.
type JingleOption func(j *jingle.Jingle)

// WithConferenceInfo объявляет локальную сторону конференц-фокусом.
func WithConferenceInfo(isFocus bool) JingleOption {
	return func(j *jingle.Jingle) {
		j.ConferenceInfo = &jingle.ConferenceInfo{IsFocus: isFocus}
	}
}

func (p *Peer) invalidState(op string) error {
	return newOperationError(CodeInvalidState, op, p.SID(), errors.Errorf("state %s", p.State()))
}

// Initiate начинает исходящую сессию. Пустой sid генерируется.
// Участник переходит в ConnectingOutgoing до отправки session-initiate, ответ
// может прийти раньше возврата из Send. Если Hangup успел раньше этого
// перехода, session-initiate не отправляется и Initiate возвращает nil.
func (p *Peer) Initiate(ctx context.Context, sid string, opts ...JingleOption) error {
	if p.State() != Idle {
		return p.invalidState("Initiate")
	}
	p.initiator.Store(false)
	if err := p.setState(ctx, Initiating, ""); err != nil {
		return err
	}

	contents, err := p.handler.CreateContentList(ctx)
	if err != nil {
		return p.fail(ctx, CodeNegotiationFailed, "Initiate", jingle.ReasonFailedApplication, err)
	}
	p.updateSenders(contents)
	p.contentsEvent(contents, "propose")

	if sid == "" {
		sid = uuid.NewString()
	}

	p.sidMu.Lock()
	if p.cancelled || p.State().IsEnded() {
		p.sidMu.Unlock()
		p.log().Info("Peer.Initiate cancelled before session-initiate")
		p.closeTransport()
		return nil
	}
	if err := p.assignSIDLocked(sid); err != nil {
		p.sidMu.Unlock()
		return err
	}
	_, notify, err := p.transition(ctx, ConnectingOutgoing, "")
	if err != nil {
		p.cancelled = true
		p.sidMu.Unlock()
		p.log().Info("Peer.Initiate cancelled before session-initiate", slog.Any("error", err))
		if p.registry != nil {
			p.registry.Delete(sid, p)
		}
		p.closeTransport()
		return nil
	}
	j := jingle.NewSessionInitiate(p.local, sid, contents)
	if p.call.IsConferenceFocus() {
		WithConferenceInfo(true)(j)
	}
	for _, opt := range opts {
		opt(j)
	}
	err = p.send(ctx, j)
	p.sidMu.Unlock()
	notify()
	if err != nil {
		return p.fail(ctx, CodeSendFailed, "Initiate", jingle.ReasonGeneralError, err)
	}

	p.mu.Lock()
	p.sessionInitiateProcessed = true
	p.mu.Unlock()
	p.initiateLatch.Release()
	return nil
}

// ProcessSessionInitiate обрабатывает входящий session-initiate.
func (p *Peer) ProcessSessionInitiate(ctx context.Context, j *jingle.Jingle) error {
	if p.State() != Idle {
		return newOperationError(CodeDuplicateSession, "SessionInitiate", j.SID,
			errors.Errorf("state %s", p.State()))
	}
	p.initiator.Store(true)

	p.sidMu.Lock()
	err := p.assignSIDLocked(j.SID)
	p.sidMu.Unlock()
	if err != nil {
		return err
	}
	if err := p.setState(ctx, Incoming, ""); err != nil {
		return err
	}

	if err := p.handler.ProcessOffer(ctx, j.Contents); err != nil {
		return p.fail(ctx, CodeNegotiationFailed, "SessionInitiate", jingle.ReasonIncompatibleParameters, err)
	}
	p.updateSenders(j.Contents)
	p.contentsEvent(j.Contents, "propose")

	p.mu.Lock()
	p.remoteFocus = j.IsFocus()
	p.mu.Unlock()
	p.resolveCapabilities(ctx)

	if !p.State().IsEnded() {
		if err := p.send(ctx, jingle.NewRinging(j.SID)); err != nil {
			p.log().Warn("Peer.ProcessSessionInitiate ringing not sent", slog.Any("error", err))
		}
	}

	p.mu.Lock()
	p.sessionInitiateProcessed = true
	pending := p.pendingSources
	p.pendingSources = nil
	p.mu.Unlock()
	p.initiateLatch.Release()

	for _, u := range pending {
		if err := p.applySourceUpdate(u); err != nil {
			p.log().Warn("Peer.ProcessSessionInitiate buffered source update failed", slog.Any("error", err))
		}
	}
	return nil
}

// Answer принимает входящий вызов. session-accept отправляется до запуска медиа.
func (p *Peer) Answer(ctx context.Context) error {
	if p.State() != Incoming {
		return p.invalidState("Answer")
	}

	if tm := p.handler.TransportManager(); tm != nil {
		if err := tm.WrapupConnectivityEstablishment(ctx); err != nil {
			return p.fail(ctx, CodeTransportFailed, "Answer", jingle.ReasonFailedTransport, err)
		}
	}
	contents, err := p.handler.GenerateSessionAccept(ctx)
	if err != nil {
		return p.fail(ctx, CodeNegotiationFailed, "Answer", jingle.ReasonFailedApplication, err)
	}
	if err := p.send(ctx, jingle.NewSessionAccept(p.local, p.SID(), contents)); err != nil {
		return p.fail(ctx, CodeSendFailed, "Answer", jingle.ReasonGeneralError, err)
	}
	p.updateSenders(contents)
	p.contentsEvent(contents, "accept")

	if err := p.setState(ctx, ConnectingIncoming, ""); err != nil {
		return err
	}
	if err := p.handler.Start(ctx); err != nil {
		return p.fail(ctx, CodeMediaStartFailed, "Answer", jingle.ReasonGeneralError, err)
	}
	p.applyDirections()
	return p.setState(ctx, Connected, "")
}

// ProcessSessionAccept обрабатывает ответ на наш session-initiate.
// Повторный session-accept логируется и игнорируется.
func (p *Peer) ProcessSessionAccept(ctx context.Context, j *jingle.Jingle) error {
	p.mu.Lock()
	if p.sessionAcceptProcessed {
		p.mu.Unlock()
		p.log().Warn("Peer.ProcessSessionAccept ignoring repeated session-accept")
		p.metrics.duplicateAccept()
		return nil
	}
	if st := p.State(); st != ConnectingOutgoing && st != Alerting {
		p.mu.Unlock()
		return p.invalidState("SessionAccept")
	}
	p.sessionAcceptProcessed = true
	p.mu.Unlock()

	if tm := p.handler.TransportManager(); tm != nil {
		if err := tm.WrapupConnectivityEstablishment(ctx); err != nil {
			return p.fail(ctx, CodeTransportFailed, "SessionAccept", jingle.ReasonFailedTransport, err)
		}
	}
	if err := p.handler.ProcessSessionAcceptContent(ctx, j.Contents); err != nil {
		return p.fail(ctx, CodeNegotiationFailed, "SessionAccept", jingle.ReasonIncompatibleParameters, err)
	}
	p.updateSenders(j.Contents)
	p.contentsEvent(j.Contents, "accept")

	if err := p.setState(ctx, Connected, ""); err != nil {
		return err
	}
	if err := p.handler.Start(ctx); err != nil {
		return p.fail(ctx, CodeMediaStartFailed, "SessionAccept", jingle.ReasonGeneralError, err)
	}
	p.applyDirections()

	if p.handler.LocalStreaming(media.Video) {
		if _, ok := p.contentFor(media.Video); !ok {
			if _, err := p.SendModifyVideoContent(ctx); err != nil {
				p.log().Warn("Peer.ProcessSessionAccept video negotiation failed", slog.Any("error", err))
			}
		}
	}
	return nil
}

// Hangup завершает сессию. Состояние меняется до отправки session-terminate.
// Причина выбирается по состоянию, из которого выполнен переход. Если
// session-initiate еще не отправлялся, выставляется флаг отмены и ничего не
// отправляется.
func (p *Peer) Hangup(ctx context.Context, failed bool, reasonText string, ext *xml.Name) error {
	if p.State().IsTerminal() {
		return nil
	}

	dst := Disconnected
	if failed && p.State() != Busy {
		dst = Failed
	}
	prev, notify, err := p.transition(ctx, dst, reasonText)
	if err != nil {
		if prev.IsTerminal() {
			return nil
		}
		return err
	}
	notify()

	var cond jingle.ReasonCondition
	switch prev {
	case Connected, OnHoldLocally, OnHoldRemotely, OnHoldMutually:
		cond = jingle.ReasonSuccess
		if failed {
			cond = jingle.ReasonGeneralError
		}
	case Initiating:
		p.sidMu.Lock()
		p.cancelled = true
		p.sidMu.Unlock()
		p.log().Info("Peer.Hangup before session-initiate, nothing to terminate")
		return nil
	case ConnectingOutgoing, Alerting:
		// ждем завершения отправки session-initiate
		p.sidMu.Lock()
		p.sidMu.Unlock()
		cond = jingle.ReasonCancel
	case Incoming, ConnectingIncoming:
		cond = jingle.ReasonBusy
	default:
		return nil
	}

	reason := jingle.NewReason(cond, reasonText)
	reason.Extension = ext
	return p.send(ctx, jingle.NewSessionTerminate(p.SID(), reason))
}

// PutOnHold ставит или снимает локальное удержание. Локальное состояние
// обновляется до отправки session-info.
func (p *Peer) PutOnHold(ctx context.Context, onHold bool) error {
	if !p.State().IsEstablished() {
		return p.invalidState("PutOnHold")
	}

	p.handler.SetLocallyOnHold(onHold)
	p.mu.Lock()
	p.localHold = onHold
	remote := p.remoteHold
	p.mu.Unlock()

	if err := p.setState(ctx, holdState(onHold, remote), ""); err != nil {
		return err
	}

	if !onHold {
		for _, name := range p.contentNames() {
			if err := p.handler.ReinitContent(name, nil, false); err != nil {
				p.log().Warn("Peer.PutOnHold reinit content failed",
					slog.String("content", name), slog.Any("error", err))
			}
		}
	}
	return p.send(ctx, jingle.NewHold(p.SID(), onHold))
}

// ProcessSessionTerminate обрабатывает завершение сессии удаленной стороной.
func (p *Peer) ProcessSessionTerminate(ctx context.Context, j *jingle.Jingle) error {
	if p.State().IsTerminal() {
		return nil
	}
	reason := j.Reason
	text := ""
	if reason != nil {
		text = reason.Text
		if text == "" {
			text = string(reason.Condition)
		}
		if reason.IsTransferred() {
			p.log().Info("Peer.ProcessSessionTerminate session transferred")
		}
	}

	switch {
	case reason != nil && reason.Condition == jingle.ReasonBusy && p.CanTransition(Busy):
		return p.setState(ctx, Busy, text)
	case reason != nil && reason.Condition.IsFailure():
		return p.setState(ctx, Failed, text)
	default:
		return p.setState(ctx, Disconnected, text)
	}
}

// ProcessSessionInfo обрабатывает session-info.
func (p *Peer) ProcessSessionInfo(ctx context.Context, j *jingle.Jingle) error {
	switch {
	case j.Ringing != nil:
		if p.State() == ConnectingOutgoing {
			return p.setState(ctx, Alerting, "")
		}
		return nil
	case j.Hold != nil:
		return p.remoteHoldChanged(ctx, true)
	case j.Unhold != nil, j.Active != nil:
		return p.remoteHoldChanged(ctx, false)
	case j.Mute != nil:
		p.log().Info("Peer.ProcessSessionInfo mute",
			slog.String("content", j.Mute.Name),
			slog.String("creator", string(j.Mute.Creator)))
		return nil
	case j.Transfer != nil:
		if p.cfg.OnTransfer == nil {
			p.log().Info("Peer.ProcessSessionInfo transfer request ignored")
			return nil
		}
		p.cfg.OnTransfer(ctx, p, j.Transfer)
		return nil
	default:
		return newOperationError(CodeProtocolError, "SessionInfo", j.SID, errors.New("unsupported session-info payload"))
	}
}

func (p *Peer) remoteHoldChanged(ctx context.Context, onHold bool) error {
	p.handler.SetRemotelyOnHold(onHold)
	p.mu.Lock()
	p.remoteHold = onHold
	local := p.localHold
	p.mu.Unlock()

	if !p.State().IsEstablished() {
		return nil
	}
	return p.setState(ctx, holdState(local, onHold), "")
}

// ProcessTransportInfo применяет кандидатов из transport-info. Если сессию
// начала удаленная сторона, сначала ограниченно ждем обработки session-initiate.
// Кандидаты для content из отложенного content-add сохраняются и уходят
// вместе с ним при повторе.
func (p *Peer) ProcessTransportInfo(ctx context.Context, contents []jingle.Content) error {
	if p.IsInitiator() && !p.initiateLatch.Released() {
		if !p.initiateLatch.Wait(ctx, p.cfg.TransportInfoWait) {
			p.log().Warn("Peer.ProcessTransportInfo proceeding without "+p.initiateLatch.Label(),
				slog.Duration("waited", p.cfg.TransportInfoWait))
		}
	}

	rest, buffered := p.bufferRetryCandidates(contents)
	if len(rest) == 0 {
		if buffered {
			p.wakeContentAddRetries()
		}
		return nil
	}

	tm := p.handler.TransportManager()
	if tm == nil {
		p.wakeContentAddRetries()
		return newOperationError(CodeTransportFailed, "TransportInfo", p.SID(), errors.New("no transport manager"))
	}
	err := tm.ProcessTransportInfo(ctx, rest)
	p.wakeContentAddRetries()
	if err != nil {
		return newOperationError(CodeTransportFailed, "TransportInfo", p.SID(), err)
	}
	return nil
}

// SendTransportInfo отправляет кандидатов и ждет подтверждения.
func (p *Peer) SendTransportInfo(ctx context.Context, contents []jingle.Content) error {
	return p.sendAndWait(ctx, jingle.NewContentAction(jingle.ActionTransportInfo, p.SID(), contents))
}

// ProcessSourceAdd применяет source-add. До обработки session-initiate
// обновление откладывается.
func (p *Peer) ProcessSourceAdd(ctx context.Context, contents []jingle.Content) error {
	return p.processSourceUpdate(sourceUpdate{add: true, contents: contents})
}

// ProcessSourceRemove применяет source-remove.
func (p *Peer) ProcessSourceRemove(ctx context.Context, contents []jingle.Content) error {
	return p.processSourceUpdate(sourceUpdate{add: false, contents: contents})
}

func (p *Peer) processSourceUpdate(u sourceUpdate) error {
	p.mu.Lock()
	if !p.sessionInitiateProcessed {
		p.pendingSources = append(p.pendingSources, u)
		p.mu.Unlock()
		p.log().Debug("Peer.processSourceUpdate buffered until session-initiate",
			slog.Bool("add", u.add))
		return nil
	}
	p.mu.Unlock()
	return p.applySourceUpdate(u)
}

func (p *Peer) applySourceUpdate(u sourceUpdate) error {
	var err error
	if u.add {
		err = p.handler.ProcessSourceAdd(u.contents)
	} else {
		err = p.handler.ProcessSourceRemove(u.contents)
	}
	if err != nil {
		return newOperationError(CodeNegotiationFailed, "SourceUpdate", p.SID(), err)
	}
	return nil
}
