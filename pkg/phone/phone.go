// Package phone собирает ядро звонка, медиа обработчик и сигнализацию в одну
// конечную точку: исходящие вызовы, входящие вызовы и реестр сессий.
package phone

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"mellium.im/xmpp/jid"

	"github.com/arzzra/jingle_phone/pkg/call"
	"github.com/arzzra/jingle_phone/pkg/jingle"
	"github.com/arzzra/jingle_phone/pkg/media"
	"github.com/arzzra/jingle_phone/pkg/signal"
)

const incomingBuffer = 16

// ErrNotConnected возвращается при вызове до подключения сигнализации.
var ErrNotConnected = errors.New("signal connection is not established")

// Config параметры конечной точки.
type Config struct {
	// JID собственный полный адрес.
	JID       *jid.JID
	Call      call.Config
	Media     media.RTPHandlerConfig
	Directory call.Directory
	Logger    *slog.Logger
}

// Phone конечная точка Jingle звонков.
type Phone struct {
	cfg      Config
	logger   *slog.Logger
	registry *call.Registry
	incoming chan *call.Peer

	mu   sync.Mutex
	conn *signal.Conn
}

// New создает конечную точку. Сигнализация подключается через Setup.
func New(cfg Config) (*Phone, error) {
	if cfg.JID == nil {
		return nil, errors.New("phone jid is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Call.Logger == nil {
		cfg.Call.Logger = cfg.Logger
	}
	if cfg.Media.Logger == nil {
		cfg.Media.Logger = cfg.Logger
	}
	return &Phone{
		cfg:      cfg,
		logger:   cfg.Logger.With(slog.String("phone", cfg.JID.String())),
		registry: call.NewRegistry(),
		incoming: make(chan *call.Peer, incomingBuffer),
	}, nil
}

// JID возвращает собственный адрес.
func (ph *Phone) JID() *jid.JID {
	return ph.cfg.JID
}

// Registry возвращает реестр сессий.
func (ph *Phone) Registry() *call.Registry {
	return ph.registry
}

// Incoming отдает входящие вызовы, готовые к Answer.
func (ph *Phone) Incoming() <-chan *call.Peer {
	return ph.incoming
}

// Setup реализует signal.Setup: запоминает соединение и возвращает
// маршрутизатор входящих действий.
func (ph *Phone) Setup(c *signal.Conn) signal.Dispatcher {
	ph.mu.Lock()
	ph.conn = c
	ph.mu.Unlock()
	return &dispatcher{ph: ph, router: call.NewRouter(ph.registry, ph.newIncoming, ph.logger)}
}

// dispatcher передает входящего участника в Incoming только после полной
// обработки session-initiate.
type dispatcher struct {
	ph     *Phone
	router *call.Router
}

func (d *dispatcher) Dispatch(ctx context.Context, from *jid.JID, j *jingle.Jingle) error {
	if err := d.router.Dispatch(ctx, from, j); err != nil {
		return err
	}
	if j.Action != jingle.ActionSessionInitiate {
		return nil
	}
	p, ok := d.ph.registry.Get(j.SID)
	if !ok || p.State() != call.Incoming {
		return nil
	}
	select {
	case d.ph.incoming <- p:
	default:
		d.ph.logger.Warn("Phone incoming queue full, call rejected", slog.String("sid", j.SID))
		go p.Hangup(context.Background(), false, "", nil)
	}
	return nil
}

func (ph *Phone) sender() (*signal.Conn, error) {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	if ph.conn == nil {
		return nil, ErrNotConnected
	}
	return ph.conn, nil
}

// NewPeer создает участника с собственным медиа обработчиком. c может быть
// nil, тогда создается отдельный звонок.
func (ph *Phone) NewPeer(to *jid.JID, c *call.Call) (*call.Peer, error) {
	conn, err := ph.sender()
	if err != nil {
		return nil, err
	}
	return call.NewPeer(call.PeerParams{
		Address:   to,
		Local:     ph.cfg.JID,
		Handler:   media.NewRTPHandler(ph.cfg.Media),
		Sender:    conn,
		Directory: ph.cfg.Directory,
		Call:      c,
		Registry:  ph.registry,
		Config:    ph.cfg.Call,
	})
}

// Dial начинает исходящий вызов. Пустой sid генерируется. Слушатели
// подключаются до session-initiate и видят все переходы участника.
func (ph *Phone) Dial(ctx context.Context, to *jid.JID, sid string, listeners ...call.StateListener) (*call.Peer, error) {
	p, err := ph.NewPeer(to, nil)
	if err != nil {
		return nil, err
	}
	for _, l := range listeners {
		p.OnStateChange(l)
	}
	if err := p.Initiate(ctx, sid); err != nil {
		return nil, errors.Wrapf(err, "call %s", to)
	}
	ph.logger.Info("Phone.Dial", slog.String("to", to.String()), slog.String("sid", p.SID()))
	return p, nil
}

func (ph *Phone) newIncoming(ctx context.Context, from *jid.JID, j *jingle.Jingle) (*call.Peer, error) {
	if from == nil {
		return nil, errors.New("session-initiate without sender address")
	}
	return ph.NewPeer(from, nil)
}

// Hangup завершает все активные сессии.
func (ph *Phone) Hangup(ctx context.Context) {
	var peers []*call.Peer
	ph.registry.Range(func(_ string, p *call.Peer) bool {
		peers = append(peers, p)
		return true
	})
	for _, p := range peers {
		if err := p.Hangup(ctx, false, "", nil); err != nil {
			ph.logger.Warn("Phone.Hangup", slog.String("sid", p.SID()), slog.Any("error", err))
		}
	}
}
