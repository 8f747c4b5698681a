package media

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/jingle_phone/pkg/jingle"
	"github.com/arzzra/jingle_phone/pkg/rtp"
)

// DescribeContents переводит согласованные content в SDP. Адрес и порт берутся
// из кандидата с наибольшим приоритетом. directions может быть nil.
func DescribeContents(contents []jingle.Content, directions map[Type]rtp.Direction) *sdp.SessionDescription {
	host := "0.0.0.0"
	for _, c := range contents {
		if c.Transport == nil {
			continue
		}
		if best, ok := bestCandidate(c.Transport.Candidates); ok {
			host = best.IP
			break
		}
	}

	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().UnixNano()),
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    addressType(host),
			UnicastAddress: host,
		},
		SessionName: "jingle",
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	for _, c := range contents {
		desc.MediaDescriptions = append(desc.MediaDescriptions, describeContent(c, directions))
	}
	return desc
}

func describeContent(c jingle.Content, directions map[Type]rtp.Direction) *sdp.MediaDescription {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  c.Media(),
			Protos: []string{"RTP", "AVP"},
		},
	}

	if c.Transport != nil {
		if best, ok := bestCandidate(c.Transport.Candidates); ok {
			md.MediaName.Port = sdp.RangedPort{Value: int(best.Port)}
			md.ConnectionInformation = &sdp.ConnectionInformation{
				NetworkType: "IN",
				AddressType: addressType(best.IP),
				Address:     &sdp.Address{Address: best.IP},
			}
		}
		if c.Transport.Ufrag != "" {
			md.WithValueAttribute("ice-ufrag", c.Transport.Ufrag)
			md.WithValueAttribute("ice-pwd", c.Transport.Pwd)
		}
	}
	md.WithValueAttribute("mid", c.Name)

	if c.Description != nil {
		for _, pt := range c.Description.PayloadTypes {
			md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(int(pt.ID)))
			if pt.Name == "" {
				continue
			}
			rtpmap := fmt.Sprintf("%d %s/%d", pt.ID, pt.Name, pt.ClockRate)
			if pt.Channels > 1 {
				rtpmap += "/" + strconv.Itoa(int(pt.Channels))
			}
			md.WithValueAttribute("rtpmap", rtpmap)
		}
		if c.Description.SSRC != "" {
			md.WithValueAttribute("ssrc", c.Description.SSRC+" cname:"+c.Name)
		}
		for _, src := range c.Description.Sources {
			md.WithValueAttribute("ssrc", src.SSRC)
		}
	}
	md.WithPropertyAttribute("rtcp-mux")

	if d, ok := directions[Type(c.Media())]; ok {
		md.WithPropertyAttribute(d.String())
	}
	return md
}

func addressType(host string) string {
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		return "IP6"
	}
	return "IP4"
}

// SessionDescription описывает локальные content обработчика в SDP с текущими
// направлениями потоков.
func (h *RTPHandler) SessionDescription() *sdp.SessionDescription {
	h.mu.Lock()
	defer h.mu.Unlock()

	contents := make([]jingle.Content, 0, len(h.sessions))
	directions := make(map[Type]rtp.Direction, len(h.sessions))
	for _, mt := range Types {
		s := h.sessions[mt]
		if s == nil {
			continue
		}
		contents = append(contents, cloneContent(s.local))
		if s.stream != nil {
			directions[mt] = s.stream.Direction()
		}
	}
	return DescribeContents(contents, directions)
}
