package rtp

// Direction определяет направление медиа потока.
// Значения образуют битовое множество: SendRecv = SendOnly | RecvOnly.
type Direction uint8

const (
	DirectionInactive Direction = 0                                     // Неактивно
	DirectionSendOnly Direction = 1 << 0                                // Только отправка
	DirectionRecvOnly Direction = 1 << 1                                // Только прием
	DirectionSendRecv           = DirectionSendOnly | DirectionRecvOnly // Отправка и прием
)

func (d Direction) String() string {
	switch d {
	case DirectionSendRecv:
		return "sendrecv"
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Or объединяет направления.
func (d Direction) Or(other Direction) Direction {
	return (d | other) & DirectionSendRecv
}

// CanSend проверяет, может ли поток отправлять данные
func (d Direction) CanSend() bool {
	return d&DirectionSendOnly != 0
}

// CanReceive проверяет, может ли поток принимать данные
func (d Direction) CanReceive() bool {
	return d&DirectionRecvOnly != 0
}

// StreamKind роль потока внутри пары транспортов.
type StreamKind int

const (
	StreamData    StreamKind = iota // RTP
	StreamControl                   // RTCP
)

func (k StreamKind) String() string {
	if k == StreamControl {
		return "control"
	}
	return "data"
}
