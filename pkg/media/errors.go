package media

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode классифицирует ошибки медиа обработчика.
type ErrorCode int

const (
	ErrorCodeOfferRejected ErrorCode = iota + 1000
	ErrorCodeAnswerFailed
	ErrorCodeContentUnknown
	ErrorCodeStartFailed
	ErrorCodeTransportFailed
)

func (code ErrorCode) String() string {
	switch code {
	case ErrorCodeOfferRejected:
		return "OfferRejected"
	case ErrorCodeAnswerFailed:
		return "AnswerFailed"
	case ErrorCodeContentUnknown:
		return "ContentUnknown"
	case ErrorCodeStartFailed:
		return "StartFailed"
	case ErrorCodeTransportFailed:
		return "TransportFailed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(code))
	}
}

// Error ошибка медиа слоя с кодом и типом медиа.
type Error struct {
	Code      ErrorCode
	MediaType Type
	Message   string
	Wrapped   error
}

// NewError создает ошибку медиа слоя.
func NewError(code ErrorCode, mt Type, message string, wrapped error) *Error {
	return &Error{Code: code, MediaType: mt, Message: message, Wrapped: wrapped}
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Wrapped)
	}
	if e.MediaType != "" {
		return fmt.Sprintf("[media:%s] %s: %s", e.Code, e.MediaType, msg)
	}
	return fmt.Sprintf("[media:%s] %s", e.Code, msg)
}

// Unwrap возвращает обернутую ошибку.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// IsTransportError сообщает, относится ли ошибка к транспорту.
func IsTransportError(err error) bool {
	return hasCode(err, ErrorCodeTransportFailed)
}

func hasCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
