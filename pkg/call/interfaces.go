package call

import (
	"context"

	"mellium.im/xmpp/jid"

	"github.com/arzzra/jingle_phone/pkg/jingle"
)

// Sender отправляет Jingle IQ через XMPP соединение.
type Sender interface {
	// Send отправляет IQ без ожидания ответа.
	Send(ctx context.Context, iq *jingle.IQ) error
	// SendAndWait отправляет IQ и ждет ответ. Возвращает nil для result,
	// stanza.Error для ответа с ошибкой и ErrNoResponse при отсутствии ответа.
	SendAndWait(ctx context.Context, iq *jingle.IQ) error
}

// Directory доступ к ростеру и возможностям удаленных сторон (XEP-0030).
type Directory interface {
	InRoster(ctx context.Context, addr *jid.JID) bool
	HasFeature(ctx context.Context, addr *jid.JID, feature string) (bool, error)
}

// StateListener получает уведомления о смене состояния участника.
type StateListener func(p *Peer, from, to PeerState, reason string)

// TransferHandler обрабатывает входящий запрос перевода вызова.
type TransferHandler func(ctx context.Context, p *Peer, t *jingle.Transfer)
