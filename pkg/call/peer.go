package call

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
	"mellium.im/xmpp/jid"

	"github.com/arzzra/jingle_phone/pkg/jingle"
	"github.com/arzzra/jingle_phone/pkg/media"
	"github.com/arzzra/jingle_phone/pkg/rtp"
)

// PeerParams параметры создания участника.
type PeerParams struct {
	// Address адрес удаленной стороны.
	Address *jid.JID
	// Local собственный полный адрес.
	Local *jid.JID

	Handler   media.Handler
	Sender    Sender
	Directory Directory

	// Call звонок участника. nil - создается звонок из одного участника.
	Call *Call
	// Registry реестр сессий, куда участник попадает после назначения sid.
	Registry *Registry

	Config Config
}

// Peer удаленный участник звонка и его Jingle сессия.
type Peer struct {
	address   *jid.JID
	local     *jid.JID
	handler   media.Handler
	sender    Sender
	directory Directory
	call      *Call
	registry  *Registry
	cfg       Config
	metrics   *Metrics

	logger atomic.Pointer[slog.Logger]

	ctx    context.Context
	cancel context.CancelFunc

	fsm     *fsm.FSM
	stateMu sync.Mutex
	// pendingChanges переходы, о которых слушатели еще не уведомлены.
	// Защищены stateMu, notifying отмечает, что очередь уже разбирается.
	pendingChanges []stateChange
	notifying      bool

	// initiator истинно, если сессию начала удаленная сторона.
	initiator atomic.Bool

	mu                       sync.Mutex
	listeners                []StateListener
	contents                 []*contentRecord
	localHold                bool
	remoteHold               bool
	sessionInitiateProcessed bool
	sessionAcceptProcessed   bool
	remoteFocus              bool
	features                 map[string]bool
	pendingSources           []sourceUpdate

	// sidMu покрывает назначение sid, флаг отмены и отправку session-initiate.
	sidMu     sync.Mutex
	sid       atomic.Pointer[string]
	cancelled bool

	sendersMu sync.RWMutex
	senders   map[media.Type]jingle.Senders

	// initiateLatch открывается после обработки входящего session-initiate.
	initiateLatch *Latch

	retriesMu sync.Mutex
	retries   map[string]*contentAddRetry

	closeTransportOnce sync.Once
	finishOnce         sync.Once
}

type sourceUpdate struct {
	add      bool
	contents []jingle.Content
}

// NewPeer создает участника в состоянии Idle.
func NewPeer(params PeerParams) (*Peer, error) {
	if params.Address == nil {
		return nil, errors.New("peer address is required")
	}
	if params.Handler == nil {
		return nil, errors.New("media handler is required")
	}
	if params.Sender == nil {
		return nil, errors.New("sender is required")
	}
	cfg := params.Config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	p := &Peer{
		address:       params.Address,
		local:         params.Local,
		handler:       params.Handler,
		sender:        params.Sender,
		directory:     params.Directory,
		registry:      params.Registry,
		cfg:           cfg,
		metrics:       cfg.Metrics,
		features:      make(map[string]bool),
		senders:       make(map[media.Type]jingle.Senders),
		retries:       make(map[string]*contentAddRetry),
		initiateLatch: NewLatch("session-initiate processed before transport-info"),
	}
	p.logger.Store(cfg.Logger.With(slog.String("peer", params.Address.String())))
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.initFSM()

	p.call = params.Call
	if p.call == nil {
		p.call = NewCall(cfg.Logger)
	}
	p.call.AddPeer(p)
	p.metrics.peerStarted()
	return p, nil
}

// Address возвращает адрес удаленной стороны.
func (p *Peer) Address() *jid.JID {
	return p.address
}

// Call возвращает звонок участника.
func (p *Peer) Call() *Call {
	return p.call
}

// Handler возвращает медиа обработчик участника.
func (p *Peer) Handler() media.Handler {
	return p.handler
}

// IsInitiator сообщает, начала ли сессию удаленная сторона.
func (p *Peer) IsInitiator() bool {
	return p.initiator.Load()
}

// IsConferenceFocus сообщает, объявила ли себя удаленная сторона конференц-фокусом.
func (p *Peer) IsConferenceFocus() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteFocus
}

// IsLocallyOnHold возвращает локальный флаг удержания.
func (p *Peer) IsLocallyOnHold() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localHold
}

// SID возвращает идентификатор сессии или пустую строку.
func (p *Peer) SID() string {
	if sid := p.sid.Load(); sid != nil {
		return *sid
	}
	return ""
}

func (p *Peer) log() *slog.Logger {
	return p.logger.Load()
}

// assignSIDLocked назначает sid. Вызывается под sidMu.
func (p *Peer) assignSIDLocked(sid string) error {
	if old := p.SID(); old != "" {
		p.log().Error("Peer.assignSID sid already assigned",
			slog.String("sid", old),
			slog.String("new_sid", sid))
		return newOperationError(CodeSIDAlreadyAssigned, "assignSID", old, nil)
	}
	if p.registry != nil {
		if _, ok := p.registry.PutIfAbsent(sid, p); !ok {
			return newOperationError(CodeDuplicateSession, "assignSID", sid, nil)
		}
	}
	p.sid.Store(&sid)
	p.logger.Store(p.log().With(slog.String("sid", sid)))
	return nil
}

// Senders возвращает согласованный атрибут senders для типа медиа.
// Отсутствующее значение равно SendersBoth.
func (p *Peer) Senders(mt media.Type) jingle.Senders {
	p.sendersMu.RLock()
	defer p.sendersMu.RUnlock()
	return p.senders[mt].OrBoth()
}

func (p *Peer) setSenders(mt media.Type, s jingle.Senders) {
	p.sendersMu.Lock()
	p.senders[mt] = s.OrBoth()
	p.sendersMu.Unlock()
}

// updateSenders сохраняет senders из content с известным типом медиа.
func (p *Peer) updateSenders(contents []jingle.Content) {
	for _, c := range contents {
		mt, err := media.TypeOf(c)
		if err != nil {
			p.log().Debug("Peer.updateSenders skip content",
				slog.String("content", c.Name), slog.Any("error", err))
			continue
		}
		p.setSenders(mt, c.Senders)
	}
}

// Direction вычисляет допустимое направление медиа для типа mt.
func (p *Peer) Direction(mt media.Type) rtp.Direction {
	in := media.DirectionInput{
		MediaType:      mt,
		LocalStreaming: p.handler.LocalStreaming(mt),
		Senders:        p.Senders(mt),
		IsInitiator:    p.IsInitiator(),
	}
	if p.call != nil {
		in.ConferenceFocus = p.call.IsConferenceFocus()
		in.Siblings = p.call.siblings(p, mt)
	}
	return media.ResolveDirection(in)
}

// applyDirections переносит вычисленные направления на медиа потоки.
func (p *Peer) applyDirections() {
	for _, mt := range media.Types {
		if s := p.handler.Stream(mt); s != nil {
			s.SetDirection(p.Direction(mt))
		}
	}
}

// send отправляет действие без ожидания ответа.
func (p *Peer) send(ctx context.Context, j *jingle.Jingle) error {
	iq := jingle.NewIQ(p.address, p.local, j)
	if err := p.sender.Send(ctx, iq); err != nil {
		p.log().Error("Peer.send failed",
			slog.String("action", j.Action.String()),
			slog.Any("error", err))
		return newOperationError(CodeSendFailed, j.Action.String(), j.SID, err)
	}
	p.metrics.stanzaSent(j.Action)
	p.log().Debug("Peer.send", slog.String("action", j.Action.String()))
	return nil
}

// sendAndWait отправляет действие и ждет ответ не дольше ResponseTimeout.
func (p *Peer) sendAndWait(ctx context.Context, j *jingle.Jingle) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ResponseTimeout)
	defer cancel()

	iq := jingle.NewIQ(p.address, p.local, j)
	err := p.sender.SendAndWait(ctx, iq)
	if err == nil {
		p.metrics.stanzaSent(j.Action)
		return nil
	}
	return classifyResponseError(j, err)
}

// terminate отправляет session-terminate, ошибки только логируются.
func (p *Peer) terminate(ctx context.Context, reason *jingle.Reason) {
	sid := p.SID()
	if sid == "" {
		return
	}
	if err := p.send(ctx, jingle.NewSessionTerminate(sid, reason)); err != nil {
		p.log().Warn("Peer.terminate failed", slog.Any("error", err))
	}
}

// fail переводит участника в Failed и завершает сессию с причиной cond.
func (p *Peer) fail(ctx context.Context, code ErrorCode, op string, cond jingle.ReasonCondition, cause error) error {
	p.log().Error("Peer."+op+" failed",
		slog.String("reason", string(cond)),
		slog.Any("error", cause))
	p.metrics.negotiationFailed(cond)

	text := ""
	if cause != nil {
		text = cause.Error()
	}
	if err := p.setState(ctx, Failed, text); err != nil {
		p.log().Debug("Peer.fail state", slog.Any("error", err))
	}
	p.terminate(ctx, jingle.NewReason(cond, text))
	return newOperationError(code, op, p.SID(), cause)
}

// closeTransport закрывает транспорт медиа один раз.
func (p *Peer) closeTransport() {
	p.closeTransportOnce.Do(func() {
		tm := p.handler.TransportManager()
		if tm == nil {
			return
		}
		if err := tm.Close(); err != nil {
			p.log().Warn("Peer.closeTransport", slog.Any("error", err))
		}
	})
}

// finish освобождает ресурсы участника при завершении сессии.
func (p *Peer) finish() {
	p.finishOnce.Do(func() {
		p.cancel()
		p.initiateLatch.Release()
		if sid := p.SID(); sid != "" && p.registry != nil {
			p.registry.Delete(sid, p)
		}
		p.metrics.peerFinished()
	})
}

// Done закрывается при завершении сессии.
func (p *Peer) Done() <-chan struct{} {
	return p.ctx.Done()
}

// supportsFeature проверяет возможность удаленной стороны с кешированием.
func (p *Peer) supportsFeature(ctx context.Context, feature string) (bool, error) {
	p.mu.Lock()
	v, ok := p.features[feature]
	p.mu.Unlock()
	if ok {
		return v, nil
	}
	if p.directory == nil {
		return false, nil
	}
	v, err := p.directory.HasFeature(ctx, p.address, feature)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	p.features[feature] = v
	p.mu.Unlock()
	return v, nil
}

// resolveCapabilities запрашивает возможности удаленной стороны, если они неизвестны.
func (p *Peer) resolveCapabilities(ctx context.Context) {
	for _, feature := range []string{jingle.NSTransfer, jingle.NSRTPInfo} {
		if _, err := p.supportsFeature(ctx, feature); err != nil {
			p.log().Debug("Peer.resolveCapabilities",
				slog.String("feature", feature), slog.Any("error", err))
		}
	}
}
