package media

import (
	"iter"

	"github.com/arzzra/jingle_phone/pkg/jingle"
	"github.com/arzzra/jingle_phone/pkg/rtp"
)

// PeerSenders согласованное состояние соседнего участника звонка.
type PeerSenders struct {
	Senders     jingle.Senders
	IsInitiator bool
}

// DirectionInput входные данные вычисления направления.
type DirectionInput struct {
	MediaType       Type
	LocalStreaming  bool
	Senders         jingle.Senders
	IsInitiator     bool
	ConferenceFocus bool
	// Siblings остальные участники звонка в порядке добавления, без самого участника.
	Siblings iter.Seq[PeerSenders]
}

// ResolveDirection вычисляет разрешенное направление медиа.
// Функция чистая: одинаковые входные данные дают одинаковый результат.
func ResolveDirection(in DirectionInput) rtp.Direction {
	d := rtp.DirectionInactive

	if in.LocalStreaming {
		d = d.Or(rtp.DirectionSendOnly)
	}
	if RemoteMaySend(in.Senders, in.IsInitiator) {
		d = d.Or(rtp.DirectionRecvOnly)
	}

	// Фокус пересылает участникам медиа, которое присылают соседи.
	if in.ConferenceFocus && in.Siblings != nil {
		for s := range in.Siblings {
			if RemoteMaySend(s.Senders, s.IsInitiator) {
				d = d.Or(rtp.DirectionSendOnly)
				break
			}
		}
	}
	return d
}

// RemoteMaySend сообщает, разрешено ли удаленной стороне отправлять медиа.
// isInitiator истинно, когда сессию начала удаленная сторона.
func RemoteMaySend(senders jingle.Senders, isInitiator bool) bool {
	switch senders.OrBoth() {
	case jingle.SendersBoth:
		return true
	case jingle.SendersInitiator:
		return isInitiator
	case jingle.SendersResponder:
		return !isInitiator
	}
	return false
}

// SendersForDirection переводит направление в атрибут senders с точки зрения
// локальной стороны. Для Inactive возвращает SendersNone.
func SendersForDirection(d rtp.Direction, isInitiator bool) jingle.Senders {
	switch d {
	case rtp.DirectionSendRecv:
		return jingle.SendersBoth
	case rtp.DirectionRecvOnly:
		// принимаем, значит отправляет удаленная сторона
		if isInitiator {
			return jingle.SendersInitiator
		}
		return jingle.SendersResponder
	case rtp.DirectionSendOnly:
		if isInitiator {
			return jingle.SendersResponder
		}
		return jingle.SendersInitiator
	}
	return jingle.SendersNone
}
