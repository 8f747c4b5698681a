package media

import (
	"context"
	"fmt"

	"github.com/arzzra/jingle_phone/pkg/jingle"
	"github.com/arzzra/jingle_phone/pkg/rtp"
)

// Type тип медиа content.
type Type string

const (
	Audio Type = "audio"
	Video Type = "video"
)

// Types все поддерживаемые типы в порядке обхода.
var Types = []Type{Audio, Video}

// ParseType разбирает тип медиа из атрибута media описания.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case Audio, Video:
		return Type(s), nil
	}
	return "", fmt.Errorf("unsupported media type %q", s)
}

// TypeOf возвращает тип медиа content.
func TypeOf(c jingle.Content) (Type, error) {
	return ParseType(c.Media())
}

func (t Type) String() string {
	return string(t)
}

// Stream медиа поток одного типа.
type Stream interface {
	SetDirection(d rtp.Direction)
	Direction() rtp.Direction
	Close() error
}

// TransportManager транспортная часть обработчика (ICE и т.п.).
type TransportManager interface {
	// WrapupConnectivityEstablishment завершает установку связности перед
	// отправкой или обработкой session-accept.
	WrapupConnectivityEstablishment(ctx context.Context) error
	// ProcessTransportInfo применяет кандидатов из transport-info.
	ProcessTransportInfo(ctx context.Context, contents []jingle.Content) error
	Close() error
}

// Handler медиа обработчик одного участника звонка.
type Handler interface {
	// CreateContentList строит локальное предложение для session-initiate.
	CreateContentList(ctx context.Context) ([]jingle.Content, error)
	// CreateContentForMedia строит content для content-add одного типа.
	// nil без ошибки означает, что локально медиа этого типа недоступно.
	CreateContentForMedia(ctx context.Context, mt Type) (*jingle.Content, error)
	// ProcessOffer применяет удаленное предложение (session-initiate, content-add).
	ProcessOffer(ctx context.Context, contents []jingle.Content) error
	// ProcessSessionAcceptContent применяет ответ удаленной стороны.
	ProcessSessionAcceptContent(ctx context.Context, contents []jingle.Content) error
	// GenerateSessionAccept строит ответ на принятое предложение.
	GenerateSessionAccept(ctx context.Context) ([]jingle.Content, error)
	// ReinitContent переинициализирует content. nil content - по текущему
	// локальному описанию.
	ReinitContent(name string, content *jingle.Content, descriptionChanged bool) error
	RemoveContent(name string)

	Start(ctx context.Context) error
	Stream(mt Type) Stream

	LocalContent(mt Type) *jingle.Content
	RemoteContent(mt Type) *jingle.Content
	// LocalStreaming сообщает, идет ли локальная передача медиа типа mt.
	LocalStreaming(mt Type) bool

	SetLocallyOnHold(onHold bool)
	SetRemotelyOnHold(onHold bool)

	ProcessSourceAdd(contents []jingle.Content) error
	ProcessSourceRemove(contents []jingle.Content) error

	TransportManager() TransportManager
}
