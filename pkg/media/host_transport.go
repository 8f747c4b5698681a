package media

import (
	"context"
	"log/slog"

	"github.com/arzzra/jingle_phone/pkg/jingle"
)

// hostTransport транспортная часть RTPHandler: принимает кандидатов из
// transport-info и переключает адресата потока.
type hostTransport struct {
	h *RTPHandler
}

// WrapupConnectivityEstablishment проверяет, что сокеты всех content открыты.
func (t *hostTransport) WrapupConnectivityEstablishment(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return NewError(ErrorCodeTransportFailed, "", "wrapup", err)
	}
	t.h.mu.Lock()
	defer t.h.mu.Unlock()
	if t.h.closed {
		return NewError(ErrorCodeTransportFailed, "", "handler closed", nil)
	}
	if len(t.h.sessions) == 0 {
		return NewError(ErrorCodeTransportFailed, "", "no media sockets", nil)
	}
	return nil
}

// ProcessTransportInfo добавляет кандидатов к удаленному content.
func (t *hostTransport) ProcessTransportInfo(ctx context.Context, contents []jingle.Content) error {
	h := t.h
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return NewError(ErrorCodeTransportFailed, "", "handler closed", nil)
	}

	for _, c := range contents {
		s := h.lookupLocked(c)
		if s == nil {
			return NewError(ErrorCodeTransportFailed, "", "transport-info for unknown content "+c.Name, nil)
		}
		if !c.HasCandidates() {
			continue
		}
		if s.remote == nil {
			s.remote = &jingle.Content{Creator: c.Creator, Name: c.Name}
		}
		mergeCandidates(s.remote, c.Transport.Candidates)
		h.logger.Debug("hostTransport.ProcessTransportInfo",
			slog.String("content", c.Name),
			slog.Int("candidates", len(s.remote.Transport.Candidates)))

		if s.stream != nil {
			if err := h.retargetLocked(s); err != nil {
				return NewError(ErrorCodeTransportFailed, s.mt, "set target", err)
			}
		}
	}
	return nil
}

// Close закрывает обработчик целиком.
func (t *hostTransport) Close() error {
	return t.h.Close()
}
