package jingle

import (
	"fmt"
	"sort"
	"strings"
)

// Senders значение атрибута senders у content.
// Пустая строка означает отсутствие атрибута и по семантике равна SendersBoth.
type Senders string

const (
	SendersNone      Senders = "none"
	SendersBoth      Senders = "both"
	SendersInitiator Senders = "initiator"
	SendersResponder Senders = "responder"
)

// ParseSenders разбирает значение атрибута senders.
func ParseSenders(s string) (Senders, error) {
	switch Senders(s) {
	case "", SendersNone, SendersBoth, SendersInitiator, SendersResponder:
		return Senders(s), nil
	}
	return "", fmt.Errorf("unknown senders value %q", s)
}

// OrBoth возвращает SendersBoth для отсутствующего значения.
func (s Senders) OrBoth() Senders {
	if s == "" {
		return SendersBoth
	}
	return s
}

func (s Senders) String() string {
	return string(s.OrBoth())
}

// Creator сторона, создавшая content.
type Creator string

const (
	CreatorInitiator Creator = "initiator"
	CreatorResponder Creator = "responder"
)

// Content один согласуемый медиа поток в рамках сессии.
type Content struct {
	Creator     Creator      `xml:"creator,attr"`
	Name        string       `xml:"name,attr"`
	Senders     Senders      `xml:"senders,attr,omitempty"`
	Description *Description `xml:"urn:xmpp:jingle:apps:rtp:1 description,omitempty"`
	Transport   *Transport   `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport,omitempty"`
}

// Media возвращает тип медиа из описания, а при его отсутствии имя content.
func (c Content) Media() string {
	if c.Description != nil && c.Description.Media != "" {
		return c.Description.Media
	}
	return c.Name
}

// HasCandidates сообщает, пришли ли вместе с content транспортные кандидаты.
func (c Content) HasCandidates() bool {
	return c.Transport != nil && len(c.Transport.Candidates) > 0
}

// Description RTP описание content (XEP-0167).
type Description struct {
	Media        string        `xml:"media,attr"`
	SSRC         string        `xml:"ssrc,attr,omitempty"`
	PayloadTypes []PayloadType `xml:"payload-type"`
	Sources      []Source      `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
}

// PayloadType кодек, предлагаемый в описании.
type PayloadType struct {
	ID        uint8  `xml:"id,attr"`
	Name      string `xml:"name,attr,omitempty"`
	ClockRate uint32 `xml:"clockrate,attr,omitempty"`
	Channels  uint8  `xml:"channels,attr,omitempty"`
}

// Source источник медиа (SSRC), используется в source-add/source-remove.
type Source struct {
	SSRC string `xml:"ssrc,attr"`
}

// Transport ICE-UDP транспорт content (XEP-0176).
type Transport struct {
	Ufrag      string      `xml:"ufrag,attr,omitempty"`
	Pwd        string      `xml:"pwd,attr,omitempty"`
	Candidates []Candidate `xml:"candidate"`
}

// Candidate транспортный кандидат ICE.
type Candidate struct {
	Component  uint8  `xml:"component,attr"`
	Foundation string `xml:"foundation,attr"`
	Generation uint8  `xml:"generation,attr"`
	ID         string `xml:"id,attr"`
	IP         string `xml:"ip,attr"`
	Network    uint8  `xml:"network,attr"`
	Port       uint16 `xml:"port,attr"`
	Priority   uint32 `xml:"priority,attr"`
	Protocol   string `xml:"protocol,attr"`
	Type       string `xml:"type,attr"`
}

// ContentNames возвращает имена content в исходном порядке.
func ContentNames(contents []Content) []string {
	names := make([]string, 0, len(contents))
	for _, c := range contents {
		names = append(names, c.Name)
	}
	return names
}

// BatchKey строит ключ набора content, не зависящий от порядка.
func BatchKey(contents []Content) string {
	names := ContentNames(contents)
	sort.Strings(names)
	return strings.Join(names, ",")
}
