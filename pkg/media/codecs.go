package media

import (
	"strings"

	"github.com/arzzra/jingle_phone/pkg/jingle"
)

// Статические payload type (RFC 3551) и динамические, используемые по умолчанию.
const (
	PayloadTypePCMU           uint8 = 0
	PayloadTypePCMA           uint8 = 8
	PayloadTypeG722           uint8 = 9
	PayloadTypeTelephoneEvent uint8 = 101
	PayloadTypeVP8            uint8 = 100
	PayloadTypeH264           uint8 = 102
)

// DefaultCodecs возвращает набор кодеков для аудио и видео.
func DefaultCodecs() map[Type][]jingle.PayloadType {
	return map[Type][]jingle.PayloadType{
		Audio: {
			{ID: PayloadTypePCMU, Name: "PCMU", ClockRate: 8000, Channels: 1},
			{ID: PayloadTypePCMA, Name: "PCMA", ClockRate: 8000, Channels: 1},
			{ID: PayloadTypeG722, Name: "G722", ClockRate: 8000, Channels: 1},
			{ID: PayloadTypeTelephoneEvent, Name: "telephone-event", ClockRate: 8000},
		},
		Video: {
			{ID: PayloadTypeVP8, Name: "VP8", ClockRate: 90000},
			{ID: PayloadTypeH264, Name: "H264", ClockRate: 90000},
		},
	}
}

// IntersectCodecs возвращает кодеки предложения, которые поддерживаются
// локально, в порядке предложения. Динамические payload type сравниваются по
// имени и частоте, статические по номеру.
func IntersectCodecs(offered, supported []jingle.PayloadType) []jingle.PayloadType {
	var common []jingle.PayloadType
	for _, o := range offered {
		for _, s := range supported {
			if samePayload(o, s) {
				common = append(common, o)
				break
			}
		}
	}
	return common
}

func samePayload(a, b jingle.PayloadType) bool {
	if a.Name == "" || b.Name == "" {
		return a.ID == b.ID && a.ID < 96
	}
	if !strings.EqualFold(a.Name, b.Name) {
		return false
	}
	return a.ClockRate == 0 || b.ClockRate == 0 || a.ClockRate == b.ClockRate
}
