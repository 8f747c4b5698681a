package jingle

import (
	"encoding/xml"
)

// ReasonCondition условие причины завершения сессии.
type ReasonCondition string

const (
	ReasonSuccess                ReasonCondition = "success"
	ReasonBusy                   ReasonCondition = "busy"
	ReasonCancel                 ReasonCondition = "cancel"
	ReasonDecline                ReasonCondition = "decline"
	ReasonGone                   ReasonCondition = "gone"
	ReasonTimeout                ReasonCondition = "timeout"
	ReasonGeneralError           ReasonCondition = "general-error"
	ReasonConnectivityError      ReasonCondition = "connectivity-error"
	ReasonFailedApplication      ReasonCondition = "failed-application"
	ReasonFailedTransport        ReasonCondition = "failed-transport"
	ReasonIncompatibleParameters ReasonCondition = "incompatible-parameters"
	ReasonUnsupportedApplication ReasonCondition = "unsupported-applications"
)

// IsFailure сообщает, описывает ли условие аварийное завершение.
func (c ReasonCondition) IsFailure() bool {
	switch c {
	case ReasonGeneralError, ReasonConnectivityError, ReasonFailedApplication,
		ReasonFailedTransport, ReasonIncompatibleParameters, ReasonUnsupportedApplication:
		return true
	}
	return false
}

// Transferred маркер внутри reason, означающий что сессия завершена из-за перевода.
var Transferred = xml.Name{Space: NSTransfer, Local: "transferred"}

// Reason причина session-terminate. Условие кодируется именем дочернего
// элемента, поэтому сериализация ручная.
type Reason struct {
	Condition ReasonCondition
	Text      string
	Extension *xml.Name
}

// NewReason создает причину с текстом.
func NewReason(cond ReasonCondition, text string) *Reason {
	return &Reason{Condition: cond, Text: text}
}

// IsTransferred сообщает, несет ли причина маркер перевода.
func (r *Reason) IsTransferred() bool {
	return r != nil && r.Extension != nil && *r.Extension == Transferred
}

// MarshalXML реализует xml.Marshaler.
func (r Reason) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	cond := xml.StartElement{Name: xml.Name{Local: string(r.Condition)}}
	if err := e.EncodeToken(cond); err != nil {
		return err
	}
	if err := e.EncodeToken(cond.End()); err != nil {
		return err
	}
	if r.Text != "" {
		if err := e.EncodeElement(r.Text, xml.StartElement{Name: xml.Name{Local: "text"}}); err != nil {
			return err
		}
	}
	if r.Extension != nil {
		ext := xml.StartElement{Name: *r.Extension}
		if err := e.EncodeToken(ext); err != nil {
			return err
		}
		if err := e.EncodeToken(ext.End()); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

// UnmarshalXML реализует xml.Unmarshaler.
func (r *Reason) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch {
			case t.Name.Local == "text":
				var text string
				if err := d.DecodeElement(&text, &t); err != nil {
					return err
				}
				r.Text = text
				continue
			case t.Name.Space != "" && t.Name.Space != start.Name.Space:
				name := t.Name
				r.Extension = &name
			default:
				r.Condition = ReasonCondition(t.Name.Local)
			}
			if err := d.Skip(); err != nil {
				return err
			}
		case xml.EndElement:
			return nil
		}
	}
}
