package rtp

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// ErrConnectorClosed возвращается при обращении к закрытому коннектору.
var ErrConnectorClosed = errors.New("rtp connector closed")

// Stream общая часть входных и выходных потоков.
type Stream interface {
	Kind() StreamKind
	SetEnabled(enabled bool) error
	Enabled() bool
	Close() error
}

// InputStream поток приема.
type InputStream interface {
	Stream
	// Read блокируется до прихода валидного пакета или отмены ctx.
	Read(ctx context.Context) ([]byte, net.Addr, error)
}

// OutputStream поток отправки на набор адресатов.
type OutputStream interface {
	Stream
	Write(data []byte) error
	AddTarget(addr net.Addr) error
	RemoveTarget(addr net.Addr) bool
	RemoveTargets()
}

// StreamFactory создает потоки поверх пары транспортов.
type StreamFactory interface {
	CreateInputStream(pair StreamPair, kind StreamKind) (InputStream, error)
	CreateOutputStream(pair StreamPair, kind StreamKind) (OutputStream, error)
}

// Target удаленный адресат медиа. Control может отсутствовать.
type Target struct {
	Data    net.Addr
	Control net.Addr
}

// Connector владеет парой транспортов и четырьмя потоками одной медиа сессии.
// Потоки создаются по первому требованию.
type Connector struct {
	pair    StreamPair
	factory StreamFactory
	logger  *slog.Logger

	mu         sync.Mutex
	dataIn     InputStream
	dataOut    OutputStream
	controlIn  InputStream
	controlOut OutputStream
	direction  Direction
	closed     bool
}

// NewConnector создает коннектор. logger может быть nil.
func NewConnector(pair StreamPair, factory StreamFactory, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		pair:      pair,
		factory:   factory,
		logger:    logger,
		direction: DirectionSendRecv,
	}
}

// DataInputStream возвращает поток приема RTP, создавая его при create.
func (c *Connector) DataInputStream(create bool) (InputStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputLocked(&c.dataIn, StreamData, create)
}

// ControlInputStream возвращает поток приема RTCP.
func (c *Connector) ControlInputStream(create bool) (InputStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inputLocked(&c.controlIn, StreamControl, create)
}

// DataOutputStream возвращает поток отправки RTP.
func (c *Connector) DataOutputStream(create bool) (OutputStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputLocked(&c.dataOut, StreamData, create)
}

// ControlOutputStream возвращает поток отправки RTCP.
func (c *Connector) ControlOutputStream(create bool) (OutputStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputLocked(&c.controlOut, StreamControl, create)
}

func (c *Connector) inputLocked(slot *InputStream, kind StreamKind, create bool) (InputStream, error) {
	if c.closed {
		return nil, ErrConnectorClosed
	}
	if *slot != nil || !create {
		return *slot, nil
	}
	s, err := c.factory.CreateInputStream(c.pair, kind)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s input stream", kind)
	}
	if kind == StreamData {
		c.applyDirection(s, c.direction.CanReceive())
	}
	*slot = s
	return s, nil
}

func (c *Connector) outputLocked(slot *OutputStream, kind StreamKind, create bool) (OutputStream, error) {
	if c.closed {
		return nil, ErrConnectorClosed
	}
	if *slot != nil || !create {
		return *slot, nil
	}
	s, err := c.factory.CreateOutputStream(c.pair, kind)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s output stream", kind)
	}
	if kind == StreamData {
		c.applyDirection(s, c.direction.CanSend())
	}
	*slot = s
	return s, nil
}

// AddTarget добавляет адресата в выходные потоки.
// Для адресата с control адресом создается поток отправки RTCP.
func (c *Connector) AddTarget(t Target) error {
	if t.Data == nil {
		return errors.New("target without data address")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out, err := c.outputLocked(&c.dataOut, StreamData, true)
	if err != nil {
		return err
	}
	if err := out.AddTarget(t.Data); err != nil {
		return errors.Wrap(err, "add data target")
	}
	if t.Control == nil {
		return nil
	}
	ctl, err := c.outputLocked(&c.controlOut, StreamControl, true)
	if err != nil {
		return err
	}
	return errors.Wrap(ctl.AddTarget(t.Control), "add control target")
}

// RemoveTarget удаляет адресата из созданных выходных потоков.
func (c *Connector) RemoveTarget(t Target) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := false
	if c.dataOut != nil && t.Data != nil {
		removed = c.dataOut.RemoveTarget(t.Data)
	}
	if c.controlOut != nil && t.Control != nil {
		removed = c.controlOut.RemoveTarget(t.Control) || removed
	}
	return removed
}

// RemoveTargets очищает адресатов созданных выходных потоков.
func (c *Connector) RemoveTargets() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dataOut != nil {
		c.dataOut.RemoveTargets()
	}
	if c.controlOut != nil {
		c.controlOut.RemoveTargets()
	}
}

// SetDirection включает или выключает потоки данных. RTCP потоки не трогаются.
// Ошибки только логируются.
func (c *Connector) SetDirection(d Direction) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.direction = d
	if c.dataIn != nil {
		c.applyDirection(c.dataIn, d.CanReceive())
	}
	if c.dataOut != nil {
		c.applyDirection(c.dataOut, d.CanSend())
	}
}

// Direction возвращает последнее установленное направление.
func (c *Connector) Direction() Direction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.direction
}

func (c *Connector) applyDirection(s Stream, enabled bool) {
	if err := s.SetEnabled(enabled); err != nil {
		c.logger.Warn("Connector.SetDirection failed",
			slog.String("stream", s.Kind().String()),
			slog.Bool("enabled", enabled),
			slog.Any("error", err))
	}
}

// Close закрывает созданные потоки и пару транспортов. Повторный вызов ничего не делает.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	streams := []Stream{}
	for _, s := range []Stream{c.dataIn, c.dataOut, c.controlIn, c.controlOut} {
		if s != nil {
			streams = append(streams, s)
		}
	}
	c.dataIn, c.dataOut, c.controlIn, c.controlOut = nil, nil, nil, nil
	pair := c.pair
	c.pair = nil
	c.mu.Unlock()

	for _, s := range streams {
		if err := s.Close(); err != nil {
			c.logger.Debug("Connector.Close stream",
				slog.String("stream", s.Kind().String()),
				slog.Any("error", err))
		}
	}
	if pair == nil {
		return nil
	}
	return errors.Wrap(pair.Close(), "close transport pair")
}
