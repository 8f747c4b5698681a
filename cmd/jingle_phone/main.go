package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/jingle_phone/pkg/call"
	"github.com/arzzra/jingle_phone/pkg/config"
	"github.com/arzzra/jingle_phone/pkg/jingle"
	"github.com/arzzra/jingle_phone/pkg/logging"
	"github.com/arzzra/jingle_phone/pkg/media"
	"github.com/arzzra/jingle_phone/pkg/phone"
	"github.com/arzzra/jingle_phone/pkg/signal"
)

func main() {
	var (
		configPath = flag.String("config", "jingle_phone.ini", "Path to INI configuration")
		dial       = flag.Bool("call", false, "Call [signal] peer_jid after connecting")
		answer     = flag.Bool("answer", true, "Answer incoming calls automatically")
		duration   = flag.Duration("duration", 0, "Hang up outgoing call after this duration, 0 - keep")
	)
	flag.Parse()

	settings, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}
	logger, closer, err := logging.New(settings.LoggingOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка настройки логирования: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, settings, logger, *dial, *answer, *duration); err != nil {
		logger.Error("jingle_phone stopped", slog.Any("error", err))
		closer.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, s *config.Settings, logger *slog.Logger, dial, answer bool, duration time.Duration) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := call.NewMetrics(reg)

	ph, err := phone.New(phone.Config{
		JID:   s.Jingle.JID,
		Call:  s.CallConfig(logger, metrics),
		Media: s.MediaConfig(logger),
		Directory: phone.StaticDirectory{
			Roster:   s.Signal.Roster,
			Features: []string{jingle.NSTransfer, jingle.NSRTPInfo},
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	var servers []*http.Server
	defer func() {
		for _, srv := range servers {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = srv.Shutdown(shutdownCtx)
			cancel()
		}
	}()

	if s.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(s.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		servers = append(servers, serve(logger, s.Metrics.Listen, mux))
	}

	if s.Signal.Listen != "" {
		sig := signal.NewServer(s.Jingle.JID, ph.Setup, logger)
		defer sig.Close()
		mux := http.NewServeMux()
		mux.Handle(s.Signal.Path, sig)
		servers = append(servers, serve(logger, s.Signal.Listen, mux))
	}

	if s.Signal.Peer != "" {
		conn, err := signal.Dial(ctx, s.Signal.Peer, s.Jingle.JID, ph.Setup, logger)
		if err != nil {
			return err
		}
		defer conn.Close()
	}

	if answer {
		go autoAnswer(ctx, ph, logger)
	}

	if dial {
		if s.Signal.PeerJID == nil {
			return errors.New("[signal] peer_jid is required to place a call")
		}
		if err := placeCall(ctx, ph, s, logger, duration); err != nil {
			return err
		}
	}

	<-ctx.Done()
	logger.Info("jingle_phone shutting down")
	hangupCtx, cancel := context.WithTimeout(context.Background(), s.Jingle.ResponseTimeout)
	defer cancel()
	ph.Hangup(hangupCtx)
	return nil
}

func serve(logger *slog.Logger, addr string, h http.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("HTTP listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", slog.String("addr", addr), slog.Any("error", err))
		}
	}()
	return srv
}

func autoAnswer(ctx context.Context, ph *phone.Phone, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-ph.Incoming():
			logger.Info("Incoming call", slog.String("from", p.Address().String()), slog.String("sid", p.SID()))
			if err := p.Answer(ctx); err != nil {
				logger.Warn("Answer failed", slog.String("sid", p.SID()), slog.Any("error", err))
				continue
			}
			logSDP(logger, p)
		}
	}
}

func placeCall(ctx context.Context, ph *phone.Phone, s *config.Settings, logger *slog.Logger, duration time.Duration) error {
	connected := make(chan struct{})
	ended := make(chan struct{})
	var connectedOnce, endedOnce sync.Once

	p, err := ph.Dial(ctx, s.Signal.PeerJID, "", func(p *call.Peer, from, to call.PeerState, reason string) {
		logger.Info("Call state", slog.String("sid", p.SID()), slog.String("from", from.String()),
			slog.String("to", to.String()), slog.String("reason", reason))
		switch {
		case to == call.Connected:
			connectedOnce.Do(func() { close(connected) })
		case to.IsEnded():
			endedOnce.Do(func() { close(ended) })
		}
	})
	if err != nil {
		return err
	}

	select {
	case <-connected:
		logSDP(logger, p)
	case <-ended:
		return errors.New("call ended before answer")
	case <-ctx.Done():
		return nil
	}

	if duration > 0 {
		go func() {
			select {
			case <-time.After(duration):
				if err := p.Hangup(context.Background(), false, "", nil); err != nil {
					logger.Warn("Hangup failed", slog.Any("error", err))
				}
			case <-ended:
			case <-ctx.Done():
			}
		}()
	}
	return nil
}

func logSDP(logger *slog.Logger, p *call.Peer) {
	h, ok := p.Handler().(*media.RTPHandler)
	if !ok {
		return
	}
	raw, err := h.SessionDescription().Marshal()
	if err != nil {
		logger.Warn("SDP marshal failed", slog.Any("error", err))
		return
	}
	logger.Debug("Media description", slog.String("sid", p.SID()), slog.String("sdp", string(raw)))
}
