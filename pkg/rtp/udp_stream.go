package rtp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

const (
	// MaxPacketSize ограничение размера пакета (MTU)
	MaxPacketSize = 1500
	// ExpectedRTPVersion RFC 3550: версия RTP должна быть 2
	ExpectedRTPVersion = 2

	readPollInterval = 100 * time.Millisecond
)

// ErrStreamClosed возвращается при работе с закрытым потоком.
var ErrStreamClosed = errors.New("stream closed")

// UDPStreamFactory создает потоки поверх UDP сокетов пары.
// Данные проверяются через pion/rtp, управление через pion/rtcp.
type UDPStreamFactory struct{}

// CreateInputStream реализует StreamFactory.
func (UDPStreamFactory) CreateInputStream(pair StreamPair, kind StreamKind) (InputStream, error) {
	conn, err := connFor(pair, kind)
	if err != nil {
		return nil, err
	}
	s := &udpInputStream{udpStream: udpStream{conn: conn, kind: kind}}
	s.enabled.Store(true)
	return s, nil
}

// CreateOutputStream реализует StreamFactory.
func (UDPStreamFactory) CreateOutputStream(pair StreamPair, kind StreamKind) (OutputStream, error) {
	conn, err := connFor(pair, kind)
	if err != nil {
		return nil, err
	}
	s := &udpOutputStream{udpStream: udpStream{conn: conn, kind: kind}}
	s.enabled.Store(true)
	return s, nil
}

func connFor(pair StreamPair, kind StreamKind) (net.PacketConn, error) {
	if pair == nil {
		return nil, errors.New("no transport pair")
	}
	conn := pair.DataConn()
	if kind == StreamControl {
		conn = pair.ControlConn()
	}
	if conn == nil {
		return nil, errors.Errorf("no %s socket in transport pair", kind)
	}
	return conn, nil
}

// udpStream общая часть. Сокет принадлежит паре и потоком не закрывается.
type udpStream struct {
	conn    net.PacketConn
	kind    StreamKind
	enabled atomic.Bool
	closed  atomic.Bool
}

func (s *udpStream) Kind() StreamKind { return s.kind }

func (s *udpStream) Enabled() bool { return s.enabled.Load() }

func (s *udpStream) SetEnabled(enabled bool) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	s.enabled.Store(enabled)
	return nil
}

func (s *udpStream) Close() error {
	s.closed.Store(true)
	return nil
}

// validate проверяет пакет соответствующим протоколом.
func (s *udpStream) validate(data []byte) error {
	if len(data) > MaxPacketSize {
		return errors.Errorf("packet too large: %d", len(data))
	}
	if isRTCP(data) != (s.kind == StreamControl) {
		return errors.Errorf("packet does not belong to %s stream", s.kind)
	}
	if s.kind == StreamControl {
		_, err := rtcp.Unmarshal(data)
		return errors.Wrap(err, "invalid RTCP")
	}
	var p rtp.Packet
	if err := p.Unmarshal(data); err != nil {
		return errors.Wrap(err, "invalid RTP")
	}
	if p.Version != ExpectedRTPVersion {
		return errors.Errorf("unexpected RTP version %d", p.Version)
	}
	return nil
}

type udpInputStream struct {
	udpStream
}

// Read пропускает невалидные пакеты и пакеты, пришедшие в выключенный поток.
func (s *udpInputStream) Read(ctx context.Context) ([]byte, net.Addr, error) {
	buf := make([]byte, MaxPacketSize)
	for {
		if s.closed.Load() {
			return nil, nil, ErrStreamClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		deadline := time.Now().Add(readPollInterval)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return nil, nil, err
		}

		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return nil, nil, errors.Wrap(err, "read")
		}
		if !s.enabled.Load() {
			continue
		}
		if s.validate(buf[:n]) != nil {
			continue
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		return out, addr, nil
	}
}

// ReadRTP читает и разбирает RTP пакет.
func ReadRTP(ctx context.Context, in InputStream) (*rtp.Packet, net.Addr, error) {
	data, addr, err := in.Read(ctx)
	if err != nil {
		return nil, nil, err
	}
	p := &rtp.Packet{}
	if err := p.Unmarshal(data); err != nil {
		return nil, nil, errors.Wrap(err, "unmarshal RTP")
	}
	return p, addr, nil
}

// ReadRTCP читает и разбирает составной RTCP пакет.
func ReadRTCP(ctx context.Context, in InputStream) ([]rtcp.Packet, net.Addr, error) {
	data, addr, err := in.Read(ctx)
	if err != nil {
		return nil, nil, err
	}
	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		return nil, nil, errors.Wrap(err, "unmarshal RTCP")
	}
	return pkts, addr, nil
}

type udpOutputStream struct {
	udpStream

	mu      sync.RWMutex
	targets []net.Addr
}

// Write рассылает пакет всем адресатам. Выключенный поток молча отбрасывает данные.
func (s *udpOutputStream) Write(data []byte) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	if !s.enabled.Load() {
		return nil
	}
	if err := s.validate(data); err != nil {
		return err
	}

	s.mu.RLock()
	targets := append([]net.Addr(nil), s.targets...)
	s.mu.RUnlock()

	var firstErr error
	for _, t := range targets {
		if _, err := s.conn.WriteTo(data, t); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "write to %s", t)
		}
	}
	return firstErr
}

func (s *udpOutputStream) AddTarget(addr net.Addr) error {
	if s.closed.Load() {
		return ErrStreamClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.targets {
		if sameAddr(t, addr) {
			return nil
		}
	}
	s.targets = append(s.targets, addr)
	return nil
}

func (s *udpOutputStream) RemoveTarget(addr net.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.targets {
		if sameAddr(t, addr) {
			s.targets = append(s.targets[:i], s.targets[i+1:]...)
			return true
		}
	}
	return false
}

func (s *udpOutputStream) RemoveTargets() {
	s.mu.Lock()
	s.targets = nil
	s.mu.Unlock()
}

// Targets возвращает копию списка адресатов.
func (s *udpOutputStream) Targets() []net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]net.Addr(nil), s.targets...)
}

// WriteRTP сериализует и отправляет RTP пакет.
func WriteRTP(out OutputStream, p *rtp.Packet) error {
	data, err := p.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal RTP")
	}
	return out.Write(data)
}

// WriteRTCP сериализует и отправляет составной RTCP пакет.
func WriteRTCP(out OutputStream, pkts ...rtcp.Packet) error {
	data, err := rtcp.Marshal(pkts)
	if err != nil {
		return errors.Wrap(err, "marshal RTCP")
	}
	return out.Write(data)
}

// isRTCP различает RTP и RTCP на общем сокете по типу пакета (RFC 5761).
func isRTCP(data []byte) bool {
	return len(data) >= 2 && data[1] >= 192 && data[1] <= 223
}

func sameAddr(a, b net.Addr) bool {
	return a.Network() == b.Network() && a.String() == b.String()
}
