package jingle

import (
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// Пространства имен, используемые ядром.
const (
	NS          = "urn:xmpp:jingle:1"
	NSRTP       = "urn:xmpp:jingle:apps:rtp:1"
	NSRTPInfo   = "urn:xmpp:jingle:apps:rtp:info:1"
	NSICEUDP    = "urn:xmpp:jingle:transports:ice-udp:1"
	NSTransfer  = "urn:xmpp:jingle:transfer:0"
	NSCoin      = "urn:xmpp:coin:1"
	NSSourceSSM = "urn:xmpp:jingle:apps:rtp:ssma:0"
)

// Action действие Jingle.
type Action string

const (
	ActionSessionInitiate  Action = "session-initiate"
	ActionSessionAccept    Action = "session-accept"
	ActionSessionTerminate Action = "session-terminate"
	ActionSessionInfo      Action = "session-info"
	ActionContentAdd       Action = "content-add"
	ActionContentAccept    Action = "content-accept"
	ActionContentModify    Action = "content-modify"
	ActionContentReject    Action = "content-reject"
	ActionContentRemove    Action = "content-remove"
	ActionTransportInfo    Action = "transport-info"
	ActionSourceAdd        Action = "source-add"
	ActionSourceRemove     Action = "source-remove"
)

func (a Action) String() string {
	return string(a)
}

// Empty пустой элемент-флаг (ringing, hold, unhold, active).
type Empty struct{}

// Mute информационное сообщение о выключении звука content.
type Mute struct {
	Creator Creator `xml:"creator,attr,omitempty"`
	Name    string  `xml:"name,attr,omitempty"`
}

// Transfer запрос перевода вызова (XEP-0251).
// Пустой SID означает перевод без консультации.
type Transfer struct {
	From *jid.JID `xml:"from,attr,omitempty"`
	To   *jid.JID `xml:"to,attr,omitempty"`
	SID  string   `xml:"sid,attr,omitempty"`
}

// ConferenceInfo признак конференц-фокуса у инициатора.
type ConferenceInfo struct {
	IsFocus bool `xml:"isfocus,attr"`
}

// Jingle элемент jingle со всеми поддерживаемыми дочерними расширениями.
type Jingle struct {
	XMLName   xml.Name  `xml:"urn:xmpp:jingle:1 jingle"`
	Action    Action    `xml:"action,attr"`
	Initiator *jid.JID  `xml:"initiator,attr,omitempty"`
	Responder *jid.JID  `xml:"responder,attr,omitempty"`
	SID       string    `xml:"sid,attr"`
	Contents  []Content `xml:"content"`
	Reason    *Reason   `xml:"reason,omitempty"`

	// session-info
	Ringing  *Empty    `xml:"urn:xmpp:jingle:apps:rtp:info:1 ringing,omitempty"`
	Hold     *Empty    `xml:"urn:xmpp:jingle:apps:rtp:info:1 hold,omitempty"`
	Unhold   *Empty    `xml:"urn:xmpp:jingle:apps:rtp:info:1 unhold,omitempty"`
	Active   *Empty    `xml:"urn:xmpp:jingle:apps:rtp:info:1 active,omitempty"`
	Mute     *Mute     `xml:"urn:xmpp:jingle:apps:rtp:info:1 mute,omitempty"`
	Transfer *Transfer `xml:"urn:xmpp:jingle:transfer:0 transfer,omitempty"`

	ConferenceInfo *ConferenceInfo `xml:"urn:xmpp:coin:1 conference-info,omitempty"`
}

// New создает элемент jingle с указанным действием.
func New(action Action, sid string) *Jingle {
	return &Jingle{Action: action, SID: sid}
}

// Validate проверяет обязательные поля входящего элемента.
func (j *Jingle) Validate() error {
	if j == nil {
		return fmt.Errorf("jingle element is missing")
	}
	if j.Action == "" {
		return fmt.Errorf("jingle action is missing")
	}
	if j.SID == "" {
		return fmt.Errorf("jingle sid is missing for %s", j.Action)
	}
	return nil
}

// IsFocus сообщает, объявил ли инициатор себя конференц-фокусом.
func (j *Jingle) IsFocus() bool {
	return j.ConferenceInfo != nil && j.ConferenceInfo.IsFocus
}

// IQ конверт IQ с элементом jingle.
type IQ struct {
	stanza.IQ

	Jingle *Jingle `xml:"urn:xmpp:jingle:1 jingle"`
}

// NewIQ упаковывает jingle в IQ типа set со свежим идентификатором.
// nil адрес не попадает в атрибуты.
func NewIQ(to, from *jid.JID, j *Jingle) *IQ {
	return &IQ{
		IQ: stanza.IQ{
			ID:   uuid.NewString(),
			To:   AddressValue(to),
			From: AddressValue(from),
			Type: stanza.SetIQ,
		},
		Jingle: j,
	}
}

// AddressOf возвращает указатель на копию адреса или nil для пустого адреса.
func AddressOf(j jid.JID) *jid.JID {
	if j.String() == "" {
		return nil
	}
	return &j
}

// AddressValue обратное AddressOf: nil становится пустым адресом.
func AddressValue(j *jid.JID) jid.JID {
	if j == nil {
		return jid.JID{}
	}
	return *j
}

// NewSessionInitiate создает session-initiate.
func NewSessionInitiate(initiator *jid.JID, sid string, contents []Content) *Jingle {
	j := New(ActionSessionInitiate, sid)
	j.Initiator = initiator
	j.Contents = contents
	return j
}

// NewSessionAccept создает session-accept.
func NewSessionAccept(responder *jid.JID, sid string, contents []Content) *Jingle {
	j := New(ActionSessionAccept, sid)
	j.Responder = responder
	j.Contents = contents
	return j
}

// NewSessionTerminate создает session-terminate с причиной.
func NewSessionTerminate(sid string, reason *Reason) *Jingle {
	j := New(ActionSessionTerminate, sid)
	j.Reason = reason
	return j
}

// NewRinging создает session-info ringing.
func NewRinging(sid string) *Jingle {
	j := New(ActionSessionInfo, sid)
	j.Ringing = &Empty{}
	return j
}

// NewHold создает session-info hold или unhold.
func NewHold(sid string, onHold bool) *Jingle {
	j := New(ActionSessionInfo, sid)
	if onHold {
		j.Hold = &Empty{}
	} else {
		j.Unhold = &Empty{}
	}
	return j
}

// NewTransfer создает session-info с запросом перевода.
func NewTransfer(sid string, transfer *Transfer) *Jingle {
	j := New(ActionSessionInfo, sid)
	j.Transfer = transfer
	return j
}

// NewContentAction создает content-* или transport-info.
func NewContentAction(action Action, sid string, contents []Content) *Jingle {
	j := New(action, sid)
	j.Contents = contents
	return j
}
