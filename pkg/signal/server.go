package signal

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"mellium.im/xmpp/jid"
)

const handshakeTimeout = 10 * time.Second

// Dial подключается к серверу сигнализации по адресу url (ws://...).
func Dial(ctx context.Context, url string, local *jid.JID, setup Setup, logger *slog.Logger) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	c := newConn(ws, local, logger)
	c.start(setup)
	return c, nil
}

// Server принимает websocket соединения сигнализации.
type Server struct {
	local    *jid.JID
	setup    Setup
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewServer создает обработчик HTTP, поднимающий соединения до websocket.
func NewServer(local *jid.JID, setup Setup, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		local:  local,
		setup:  setup,
		logger: logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		conns: make(map[*Conn]struct{}),
	}
}

// ServeHTTP поднимает соединение и держит запрос до его разрыва.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Server upgrade failed", slog.Any("error", err))
		return
	}

	c := newConn(ws, s.local, s.logger)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()

	s.logger.Info("Server connection accepted", slog.String("remote", r.RemoteAddr))
	c.start(s.setup)
	<-c.Done()
}

// Close разрывает все принятые соединения.
func (s *Server) Close() error {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var first error
	for _, c := range conns {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
