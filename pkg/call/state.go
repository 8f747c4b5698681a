package call

import (
	"context"
	"log/slog"
	"strings"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
)

// PeerState состояние участника звонка.
type PeerState string

func (s PeerState) String() string {
	return string(s)
}

const (
	// Idle начальное состояние
	Idle PeerState = "Idle"
	// Initiating локальная сторона готовит session-initiate
	Initiating PeerState = "Initiating"
	// Incoming получен session-initiate, ждем ответа пользователя
	Incoming PeerState = "Incoming"
	// ConnectingIncoming session-accept отправлен, запускается медиа
	ConnectingIncoming PeerState = "ConnectingIncoming"
	// ConnectingOutgoing session-initiate отправлен
	ConnectingOutgoing PeerState = "ConnectingOutgoing"
	// Alerting удаленная сторона сообщила ringing
	Alerting PeerState = "Alerting"
	// Connected звонок установлен
	Connected PeerState = "Connected"
	// OnHoldLocally, OnHoldRemotely, OnHoldMutually удержание с локальной,
	// удаленной или обеих сторон
	OnHoldLocally  PeerState = "OnHoldLocally"
	OnHoldRemotely PeerState = "OnHoldRemotely"
	OnHoldMutually PeerState = "OnHoldMutually"
	// Disconnected звонок завершен
	Disconnected PeerState = "Disconnected"
	// Failed звонок завершен с ошибкой
	Failed PeerState = "Failed"
	// Busy удаленная сторона занята
	Busy PeerState = "Busy"
)

// IsTerminal сообщает, что из состояния нет переходов.
func (s PeerState) IsTerminal() bool {
	return s == Disconnected || s == Failed
}

// IsEnded сообщает, что сессия закончена: терминальное состояние или Busy.
func (s PeerState) IsEnded() bool {
	return s.IsTerminal() || s == Busy
}

// IsOnHold сообщает, что звонок на удержании с любой стороны.
func (s PeerState) IsOnHold() bool {
	return s == OnHoldLocally || s == OnHoldRemotely || s == OnHoldMutually
}

// IsEstablished сообщает, что медиа сессия установлена.
func (s PeerState) IsEstablished() bool {
	return s == Connected || s.IsOnHold()
}

// holdState вычисляет состояние установленного звонка по флагам удержания.
func holdState(local, remote bool) PeerState {
	switch {
	case local && remote:
		return OnHoldMutually
	case local:
		return OnHoldLocally
	case remote:
		return OnHoldRemotely
	default:
		return Connected
	}
}

// peerTransitions допустимые переходы. Disconnected и Failed терминальные,
// из Busy можно перейти только в Disconnected.
var peerTransitions = map[PeerState][]PeerState{
	Idle:               {Initiating, Incoming, Disconnected, Failed},
	Initiating:         {ConnectingOutgoing, Disconnected, Failed},
	Incoming:           {ConnectingIncoming, Disconnected, Failed, Busy},
	ConnectingOutgoing: {Alerting, Connected, Disconnected, Failed, Busy},
	Alerting:           {Connected, Disconnected, Failed, Busy},
	ConnectingIncoming: {Connected, Disconnected, Failed},
	Connected:          {OnHoldLocally, OnHoldRemotely, OnHoldMutually, Disconnected, Failed},
	OnHoldLocally:      {Connected, OnHoldMutually, OnHoldRemotely, Disconnected, Failed},
	OnHoldRemotely:     {Connected, OnHoldMutually, OnHoldLocally, Disconnected, Failed},
	OnHoldMutually:     {Connected, OnHoldLocally, OnHoldRemotely, Disconnected, Failed},
	Busy:               {Disconnected},
}

func formEventName(src, dst PeerState) string {
	builder := strings.Builder{}
	builder.WriteString(string(src))
	builder.WriteString("_to_")
	builder.WriteString(string(dst))
	return builder.String()
}

func (p *Peer) initFSM() {
	events := fsm.Events{}
	for src, dsts := range peerTransitions {
		for _, dst := range dsts {
			events = append(events, fsm.EventDesc{
				Name: formEventName(src, dst),
				Src:  []string{string(src)},
				Dst:  string(dst),
			})
		}
	}

	p.fsm = fsm.NewFSM(
		string(Idle),
		events,
		fsm.Callbacks{
			"after_event":                   p.afterStateChange,
			"enter_" + string(Disconnected): p.enterTerminal,
			"enter_" + string(Failed):       p.enterTerminal,
			"enter_" + string(Busy):         p.enterTerminal,
		})
}

// enterTerminal освобождает транспорт до уведомления слушателей.
func (p *Peer) enterTerminal(ctx context.Context, e *fsm.Event) {
	p.closeTransport()
	p.finish()
}

func (p *Peer) afterStateChange(ctx context.Context, e *fsm.Event) {
	from, to := PeerState(e.Src), PeerState(e.Dst)
	p.metrics.stateChanged(from, to)
	p.log().Debug("Peer.setState",
		slog.String("from", from.String()),
		slog.String("to", to.String()))
}

// State возвращает текущее состояние участника.
func (p *Peer) State() PeerState {
	return PeerState(p.fsm.Current())
}

// CanTransition сообщает, разрешен ли переход из текущего состояния в dst.
func (p *Peer) CanTransition(dst PeerState) bool {
	return p.fsm.Can(formEventName(p.State(), dst))
}

// setState единственная точка смены состояния. Переход в текущее состояние
// ничего не делает. Слушатели уведомляются после выхода из автомата.
func (p *Peer) setState(ctx context.Context, dst PeerState, reason string) error {
	_, notify, err := p.transition(ctx, dst, reason)
	if err != nil {
		return err
	}
	notify()
	return nil
}

// transition меняет состояние автомата без уведомления и возвращает исходное
// состояние. Возвращенная функция уведомляет слушателей и выполняет действия
// после перехода.
func (p *Peer) transition(ctx context.Context, dst PeerState, reason string) (PeerState, func(), error) {
	p.stateMu.Lock()
	src := p.State()
	if src == dst {
		p.stateMu.Unlock()
		return src, func() {}, nil
	}
	if err := p.fsm.Event(context.WithoutCancel(ctx), formEventName(src, dst), reason); err != nil {
		p.stateMu.Unlock()
		return src, nil, errors.Wrapf(newOperationError(CodeInvalidState, "setState", p.SID(), err),
			"%s -> %s", src, dst)
	}
	p.pendingChanges = append(p.pendingChanges, stateChange{from: src, to: dst, reason: reason})
	p.stateMu.Unlock()

	return src, func() {
		p.drainStateChanges()

		if src.IsOnHold() && dst == Connected && p.call != nil {
			if err := p.call.ModifyVideoContent(ctx); err != nil {
				p.log().Warn("Peer.setState video renegotiation after unhold failed",
					slog.Any("error", err))
			}
		}
	}, nil
}

type stateChange struct {
	from, to PeerState
	reason   string
}

// drainStateChanges уведомляет слушателей о переходах в порядке их выполнения.
// Если очередь уже разбирает другой вызов, переход будет доставлен им.
func (p *Peer) drainStateChanges() {
	p.stateMu.Lock()
	if p.notifying {
		p.stateMu.Unlock()
		return
	}
	p.notifying = true
	for len(p.pendingChanges) > 0 {
		c := p.pendingChanges[0]
		p.pendingChanges = p.pendingChanges[1:]
		p.stateMu.Unlock()
		p.notifyListeners(c.from, c.to, c.reason)
		p.stateMu.Lock()
	}
	p.pendingChanges = nil
	p.notifying = false
	p.stateMu.Unlock()
}

func (p *Peer) notifyListeners(from, to PeerState, reason string) {
	p.mu.Lock()
	listeners := append([]StateListener(nil), p.listeners...)
	p.mu.Unlock()

	for _, l := range listeners {
		l(p, from, to, reason)
	}
}

// OnStateChange добавляет слушателя смены состояния.
func (p *Peer) OnStateChange(l StateListener) {
	p.mu.Lock()
	p.listeners = append(p.listeners, l)
	p.mu.Unlock()
}
