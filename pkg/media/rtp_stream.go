package media

import (
	"sync"

	"github.com/arzzra/jingle_phone/pkg/rtp"
)

// RTPStream поток медиа поверх rtp.Connector.
type RTPStream struct {
	mediaType Type
	connector *rtp.Connector

	mu        sync.Mutex
	direction rtp.Direction
	closed    bool
}

// NewRTPStream связывает поток с коннектором. Коннектор переходит во владение потока.
func NewRTPStream(mt Type, connector *rtp.Connector) *RTPStream {
	return &RTPStream{
		mediaType: mt,
		connector: connector,
		direction: connector.Direction(),
	}
}

// MediaType возвращает тип медиа.
func (s *RTPStream) MediaType() Type {
	return s.mediaType
}

// Connector возвращает коннектор потока.
func (s *RTPStream) Connector() *rtp.Connector {
	return s.connector
}

// SetDirection реализует Stream.
func (s *RTPStream) SetDirection(d rtp.Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.direction == d {
		return
	}
	s.direction = d
	s.connector.SetDirection(d)
}

// Direction реализует Stream.
func (s *RTPStream) Direction() rtp.Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direction
}

// Close закрывает коннектор.
func (s *RTPStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.connector.Close()
}
