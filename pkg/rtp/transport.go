// Package rtp содержит коннектор RTP/RTCP потоков медиа сессии.
package rtp

import (
	"net"
	"sync"

	"github.com/pkg/errors"
)

// RTCPMuxMode определяет режим мультиплексирования RTCP
type RTCPMuxMode int

const (
	RTCPMuxNone  RTCPMuxMode = iota // Отдельные порты для RTP и RTCP
	RTCPMuxDemux                    // Мультиплексирование RTP и RTCP на одном порту
)

// StreamPair базовая пара транспортов, поверх которой строятся потоки коннектора.
type StreamPair interface {
	DataConn() net.PacketConn
	ControlConn() net.PacketConn
	Close() error
}

// TransportPair представляет пару RTP/RTCP сокетов.
type TransportPair struct {
	data    net.PacketConn
	control net.PacketConn
	muxMode RTCPMuxMode

	closeOnce sync.Once
	closeErr  error
}

// NewTransportPair создает пару из готовых соединений.
// В режиме RTCPMuxDemux control может быть nil, тогда используется data.
func NewTransportPair(data, control net.PacketConn, muxMode RTCPMuxMode) *TransportPair {
	if muxMode == RTCPMuxDemux || control == nil {
		control = data
		muxMode = RTCPMuxDemux
	}
	return &TransportPair{
		data:    data,
		control: control,
		muxMode: muxMode,
	}
}

// ListenTransportPair открывает UDP сокеты для RTP и RTCP.
// Пустой controlAddr включает мультиплексирование RTCP.
func ListenTransportPair(dataAddr, controlAddr string, opts SocketOptions) (*TransportPair, error) {
	data, err := listenUDP(dataAddr, opts)
	if err != nil {
		return nil, errors.Wrap(err, "listen data socket")
	}
	if controlAddr == "" {
		return NewTransportPair(data, nil, RTCPMuxDemux), nil
	}

	control, err := listenUDP(controlAddr, opts)
	if err != nil {
		data.Close()
		return nil, errors.Wrap(err, "listen control socket")
	}
	return NewTransportPair(data, control, RTCPMuxNone), nil
}

// DataConn возвращает RTP сокет.
func (tp *TransportPair) DataConn() net.PacketConn {
	return tp.data
}

// ControlConn возвращает RTCP сокет.
func (tp *TransportPair) ControlConn() net.PacketConn {
	return tp.control
}

// MuxMode возвращает режим мультиплексирования.
func (tp *TransportPair) MuxMode() RTCPMuxMode {
	return tp.muxMode
}

// Close закрывает оба транспорта. Повторный вызов возвращает результат первого.
func (tp *TransportPair) Close() error {
	tp.closeOnce.Do(func() {
		var dataErr, controlErr error
		if tp.data != nil {
			dataErr = tp.data.Close()
		}
		if tp.control != nil && tp.muxMode == RTCPMuxNone {
			controlErr = tp.control.Close()
		}
		if dataErr != nil {
			tp.closeErr = dataErr
			return
		}
		tp.closeErr = controlErr
	})
	return tp.closeErr
}

func listenUDP(addr string, opts SocketOptions) (*net.UDPConn, error) {
	local, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", addr)
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, err
	}
	if err := applySocketOptions(conn, opts); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "socket options")
	}
	return conn, nil
}
