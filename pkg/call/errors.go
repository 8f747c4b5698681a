package call

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"mellium.im/xmpp/stanza"

	"github.com/arzzra/jingle_phone/pkg/jingle"
)

// ErrNoResponse возвращается Sender.SendAndWait, если ответ не пришел.
var ErrNoResponse = errors.New("no response")

// ErrorCode классифицирует ошибки операций над сессией.
type ErrorCode int

const (
	CodeInvalidState ErrorCode = iota + 1
	CodeSIDAlreadyAssigned
	CodeUnknownSession
	CodeDuplicateSession
	CodeNegotiationFailed
	CodeTransportFailed
	CodeMediaStartFailed
	CodeSendFailed
	CodeNoResponse
	CodeProtocolError
	CodeTransferTargetNotInRoster
	CodeTransferNotSupported
	CodeTransferNoResponse
	CodeTransferRejected
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidState:
		return "invalid-state"
	case CodeSIDAlreadyAssigned:
		return "sid-already-assigned"
	case CodeUnknownSession:
		return "unknown-session"
	case CodeDuplicateSession:
		return "duplicate-session"
	case CodeNegotiationFailed:
		return "negotiation-failed"
	case CodeTransportFailed:
		return "transport-failed"
	case CodeMediaStartFailed:
		return "media-start-failed"
	case CodeSendFailed:
		return "send-failed"
	case CodeNoResponse:
		return "no-response"
	case CodeProtocolError:
		return "protocol-error"
	case CodeTransferTargetNotInRoster:
		return "transfer-target-not-in-roster"
	case CodeTransferNotSupported:
		return "transfer-not-supported"
	case CodeTransferNoResponse:
		return "transfer-no-response"
	case CodeTransferRejected:
		return "transfer-rejected"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// OperationError ошибка операции над Jingle сессией.
type OperationError struct {
	Code  ErrorCode
	Op    string
	SID   string
	Cause error
}

func newOperationError(code ErrorCode, op, sid string, cause error) *OperationError {
	return &OperationError{Code: code, Op: op, SID: sid, Cause: cause}
}

func (e *OperationError) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.SID != "" {
		msg = fmt.Sprintf("%s (sid %s)", msg, e.SID)
	}
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap возвращает исходную ошибку.
func (e *OperationError) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по коду, что позволяет errors.Is(err, ErrTransferRejected).
func (e *OperationError) Is(target error) bool {
	if t, ok := target.(*OperationError); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinel значения для errors.Is.
var (
	ErrInvalidState               = &OperationError{Code: CodeInvalidState}
	ErrSIDAlreadyAssigned         = &OperationError{Code: CodeSIDAlreadyAssigned}
	ErrUnknownSession             = &OperationError{Code: CodeUnknownSession}
	ErrDuplicateSession           = &OperationError{Code: CodeDuplicateSession}
	ErrNegotiationFailed          = &OperationError{Code: CodeNegotiationFailed}
	ErrSendFailed                 = &OperationError{Code: CodeSendFailed}
	ErrTransferTargetNotInRoster  = &OperationError{Code: CodeTransferTargetNotInRoster}
	ErrTransferNotSupported       = &OperationError{Code: CodeTransferNotSupported}
	ErrTransferNoResponse         = &OperationError{Code: CodeTransferNoResponse}
	ErrTransferRejected           = &OperationError{Code: CodeTransferRejected}
)

// CodeOf возвращает код ошибки операции или 0.
func CodeOf(err error) ErrorCode {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Code
	}
	return 0
}

// StanzaError извлекает ошибку протокола из ответа удаленной стороны.
func StanzaError(err error) (stanza.Error, bool) {
	var se stanza.Error
	if errors.As(err, &se) {
		return se, true
	}
	var pse *stanza.Error
	if errors.As(err, &pse) && pse != nil {
		return *pse, true
	}
	return stanza.Error{}, false
}

// classifyResponseError разделяет ошибку протокола, отсутствие ответа и сбой отправки.
func classifyResponseError(j *jingle.Jingle, err error) error {
	op := j.Action.String()
	if _, ok := StanzaError(err); ok {
		return newOperationError(CodeProtocolError, op, j.SID, err)
	}
	if errors.Is(err, ErrNoResponse) || errors.Is(err, context.DeadlineExceeded) {
		return newOperationError(CodeNoResponse, op, j.SID, err)
	}
	return newOperationError(CodeSendFailed, op, j.SID, err)
}
