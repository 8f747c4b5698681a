// Package signal переносит Jingle IQ между двумя сторонами поверх websocket.
// Каждое сообщение websocket содержит ровно один IQ в XML.
package signal

import (
	"context"
	"encoding/xml"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/arzzra/jingle_phone/pkg/call"
	"github.com/arzzra/jingle_phone/pkg/jingle"
)

const (
	writeWait     = 5 * time.Second
	inboundBuffer = 64
)

// ErrClosed возвращается при отправке через закрытое соединение.
var ErrClosed = errors.New("signal connection closed")

// Dispatcher принимает входящие Jingle действия. Реализуется call.Router.
type Dispatcher interface {
	Dispatch(ctx context.Context, from *jid.JID, j *jingle.Jingle) error
}

// Setup вызывается для нового соединения до начала чтения и возвращает
// получателя входящих действий.
type Setup func(c *Conn) Dispatcher

// frame IQ на проводе: запрос с jingle, result или error.
type frame struct {
	jingle.IQ

	Error *stanza.Error `xml:"error,omitempty"`
}

// Conn соединение сигнализации. Реализует call.Sender.
// Входящие запросы обрабатываются строго по одному в порядке прихода.
type Conn struct {
	ws         *websocket.Conn
	local      *jid.JID
	dispatcher Dispatcher
	logger     *slog.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan frame

	inbound   chan frame
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ call.Sender = (*Conn)(nil)

func newConn(ws *websocket.Conn, local *jid.JID, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		ws:      ws,
		local:   local,
		logger:  logger.With(slog.String("component", "signal"), slog.String("remote", ws.RemoteAddr().String())),
		pending: make(map[string]chan frame),
		inbound: make(chan frame, inboundBuffer),
		done:    make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// start запускает чтение и обработку входящих запросов.
func (c *Conn) start(setup Setup) {
	c.dispatcher = setup(c)
	go c.readLoop()
	go c.dispatchLoop()
}

// Local возвращает локальный адрес соединения.
func (c *Conn) Local() *jid.JID {
	return c.local
}

// Done закрывается после разрыва соединения.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Send реализует call.Sender. Ответ на запрос не ожидается.
func (c *Conn) Send(ctx context.Context, iq *jingle.IQ) error {
	return c.write(frame{IQ: *iq})
}

// SendAndWait реализует call.Sender. Ответ с ошибкой возвращается как
// stanza.Error, истечение ctx как call.ErrNoResponse.
func (c *Conn) SendAndWait(ctx context.Context, iq *jingle.IQ) error {
	reply := make(chan frame, 1)
	c.pendingMu.Lock()
	c.pending[iq.ID] = reply
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, iq.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.write(frame{IQ: *iq}); err != nil {
		return err
	}

	select {
	case f := <-reply:
		if f.Type == stanza.ErrorIQ {
			if f.Error == nil {
				return stanza.Error{Type: stanza.Cancel, Condition: stanza.UndefinedCondition}
			}
			return *f.Error
		}
		return nil
	case <-ctx.Done():
		return errors.Wrapf(call.ErrNoResponse, "iq %s: %v", iq.ID, ctx.Err())
	case <-c.done:
		return ErrClosed
	}
}

// Close разрывает соединение. Ожидающие SendAndWait получают ErrClosed.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return c.closeErr
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.logger.Warn("Conn closed", slog.Any("error", cause))
		}
		c.cancel()
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
		close(c.done)
	})
}

func (c *Conn) write(f frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	data, err := xml.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "marshal iq")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "write iq")
	}
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.inbound)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		var f frame
		if err := xml.Unmarshal(data, &f); err != nil {
			c.logger.Warn("Conn.readLoop malformed iq", slog.Any("error", err))
			continue
		}

		switch f.Type {
		case stanza.ResultIQ, stanza.ErrorIQ:
			c.resolve(f)
		case stanza.SetIQ:
			select {
			case c.inbound <- f:
			case <-c.done:
				return
			}
		default:
			c.reply(f, &stanza.Error{Type: stanza.Cancel, Condition: stanza.FeatureNotImplemented})
		}
	}
}

func (c *Conn) resolve(f frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.ID]
	c.pendingMu.Unlock()

	if ok {
		select {
		case ch <- f:
		default:
		}
		return
	}
	if f.Type == stanza.ErrorIQ {
		cond := stanza.UndefinedCondition
		if f.Error != nil {
			cond = f.Error.Condition
		}
		c.logger.Warn("Conn error reply to unacknowledged iq",
			slog.String("id", f.ID),
			slog.String("condition", string(cond)))
	}
}

func (c *Conn) dispatchLoop() {
	for f := range c.inbound {
		err := c.dispatcher.Dispatch(c.ctx, jingle.AddressOf(f.From), f.Jingle)
		if err != nil {
			c.logger.Debug("Conn.dispatch failed",
				slog.String("id", f.ID),
				slog.Any("error", err))
			se := call.ToStanzaError(err)
			c.reply(f, &se)
			continue
		}
		c.reply(f, nil)
	}
}

func (c *Conn) reply(req frame, se *stanza.Error) {
	resp := frame{
		IQ: jingle.IQ{IQ: stanza.IQ{
			ID:   req.ID,
			To:   req.From,
			From: jingle.AddressValue(c.local),
			Type: stanza.ResultIQ,
		}},
	}
	if se != nil {
		resp.Type = stanza.ErrorIQ
		resp.Error = se
	}
	if err := c.write(resp); err != nil && !errors.Is(err, ErrClosed) {
		c.logger.Warn("Conn.reply failed", slog.String("id", req.ID), slog.Any("error", err))
	}
}
