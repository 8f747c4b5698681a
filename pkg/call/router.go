package call

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/arzzra/jingle_phone/pkg/jingle"
)

// IncomingFactory создает участника для входящего session-initiate.
type IncomingFactory func(ctx context.Context, from *jid.JID, j *jingle.Jingle) (*Peer, error)

// Router распределяет входящие Jingle действия по сессиям.
type Router struct {
	registry *Registry
	incoming IncomingFactory
	logger   *slog.Logger
}

// NewRouter создает маршрутизатор поверх реестра сессий.
func NewRouter(registry *Registry, incoming IncomingFactory, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry: registry,
		incoming: incoming,
		logger:   logger.With(slog.String("component", "router")),
	}
}

// Dispatch обрабатывает входящее действие от from. Ошибку можно превратить
// в ответ IQ error через ToStanzaError.
func (r *Router) Dispatch(ctx context.Context, from *jid.JID, j *jingle.Jingle) error {
	if err := j.Validate(); err != nil {
		return newOperationError(CodeProtocolError, "Dispatch", "", err)
	}
	r.logger.Debug("Router.Dispatch",
		slog.String("action", j.Action.String()),
		slog.String("sid", j.SID))

	if j.Action == jingle.ActionSessionInitiate {
		return r.sessionInitiate(ctx, from, j)
	}

	p, ok := r.registry.Get(j.SID)
	if !ok || (from != nil && !from.Bare().Equal(p.Address().Bare())) {
		r.logger.Warn("Router.Dispatch unknown session",
			slog.String("action", j.Action.String()),
			slog.String("sid", j.SID))
		return newOperationError(CodeUnknownSession, j.Action.String(), j.SID, nil)
	}

	switch j.Action {
	case jingle.ActionSessionAccept:
		return p.ProcessSessionAccept(ctx, j)
	case jingle.ActionSessionTerminate:
		return p.ProcessSessionTerminate(ctx, j)
	case jingle.ActionSessionInfo:
		return p.ProcessSessionInfo(ctx, j)
	case jingle.ActionContentAdd:
		return p.ApplyContentAdd(ctx, j.Contents)
	case jingle.ActionContentAccept:
		return p.ApplyContentAccept(ctx, j.Contents)
	case jingle.ActionContentModify:
		if len(j.Contents) == 0 {
			return newOperationError(CodeProtocolError, j.Action.String(), j.SID, errors.New("content-modify without content"))
		}
		return p.ApplyContentModify(ctx, j.Contents[0])
	case jingle.ActionContentReject:
		return p.ApplyContentReject(ctx, j.Contents)
	case jingle.ActionContentRemove:
		return p.ApplyContentRemove(ctx, j.Contents)
	case jingle.ActionTransportInfo:
		return p.ProcessTransportInfo(ctx, j.Contents)
	case jingle.ActionSourceAdd:
		return p.ProcessSourceAdd(ctx, j.Contents)
	case jingle.ActionSourceRemove:
		return p.ProcessSourceRemove(ctx, j.Contents)
	default:
		return newOperationError(CodeProtocolError, j.Action.String(), j.SID, errors.New("unsupported action"))
	}
}

func (r *Router) sessionInitiate(ctx context.Context, from *jid.JID, j *jingle.Jingle) error {
	if _, exists := r.registry.Get(j.SID); exists {
		r.logger.Warn("Router.Dispatch duplicate session-initiate", slog.String("sid", j.SID))
		return newOperationError(CodeDuplicateSession, j.Action.String(), j.SID, nil)
	}
	if r.incoming == nil {
		return newOperationError(CodeProtocolError, j.Action.String(), j.SID, errors.New("incoming calls are not accepted"))
	}
	p, err := r.incoming(ctx, from, j)
	if err != nil {
		return errors.Wrap(err, "create incoming peer")
	}
	if err := p.ProcessSessionInitiate(ctx, j); err != nil {
		if CodeOf(err) == CodeDuplicateSession {
			_ = p.Hangup(ctx, false, "", nil)
		}
		return err
	}
	return nil
}

// ToStanzaError переводит ошибку обработки в ошибку IQ.
func ToStanzaError(err error) stanza.Error {
	se := stanza.Error{Type: stanza.Cancel, Condition: stanza.UndefinedCondition}
	switch CodeOf(err) {
	case CodeUnknownSession:
		se.Condition = stanza.ItemNotFound
	case CodeDuplicateSession:
		se.Condition = stanza.Conflict
	case CodeInvalidState:
		se.Type = stanza.Wait
		se.Condition = stanza.UnexpectedRequest
	case CodeProtocolError:
		se.Type = stanza.Modify
		se.Condition = stanza.BadRequest
	case CodeNegotiationFailed:
		se.Type = stanza.Modify
		se.Condition = stanza.NotAcceptable
	case CodeTransportFailed, CodeMediaStartFailed:
		se.Condition = stanza.InternalServerError
	}
	if err != nil {
		se.Text = map[string]string{"": err.Error()}
	}
	return se
}
