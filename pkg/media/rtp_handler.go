package media

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/jingle_phone/pkg/jingle"
	"github.com/arzzra/jingle_phone/pkg/rtp"
)

// hostCandidatePriority приоритет host кандидата для компонента RTP (RFC 8445).
const hostCandidatePriority = 2130706431

// RTPHandlerConfig параметры RTPHandler.
type RTPHandlerConfig struct {
	// Host адрес медиа сокетов, он же объявляется в кандидатах.
	Host string
	// Offer типы медиа для session-initiate.
	Offer []Type
	// Video разрешает видео во входящих предложениях и в content-add.
	Video  bool
	Codecs map[Type][]jingle.PayloadType
	Socket rtp.SocketOptions
	Logger *slog.Logger
}

// DefaultRTPHandlerConfig возвращает конфигурацию только с аудио на loopback.
func DefaultRTPHandlerConfig() RTPHandlerConfig {
	return RTPHandlerConfig{
		Host:   "127.0.0.1",
		Offer:  []Type{Audio},
		Codecs: DefaultCodecs(),
	}
}

type mediaSession struct {
	mt     Type
	pair   *rtp.TransportPair
	local  jingle.Content
	remote *jingle.Content
	stream *handlerStream
	target string
}

// RTPHandler медиа обработчик поверх UDP сокетов с мультиплексированием
// RTCP. Кандидаты только host, проверки связности не выполняются.
type RTPHandler struct {
	cfg       RTPHandlerConfig
	logger    *slog.Logger
	transport *hostTransport

	mu         sync.Mutex
	sessions   map[Type]*mediaSession
	pending    []jingle.Content
	streaming  map[Type]bool
	initiator  bool
	localHold  bool
	remoteHold bool
	closed     bool
}

// NewRTPHandler создает обработчик. Сокеты открываются при построении content.
func NewRTPHandler(cfg RTPHandlerConfig) *RTPHandler {
	def := DefaultRTPHandlerConfig()
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if len(cfg.Offer) == 0 {
		cfg.Offer = def.Offer
	}
	if cfg.Codecs == nil {
		cfg.Codecs = def.Codecs
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	h := &RTPHandler{
		cfg:       cfg,
		logger:    cfg.Logger.With(slog.String("component", "rtp-handler")),
		sessions:  make(map[Type]*mediaSession),
		streaming: make(map[Type]bool),
	}
	for _, mt := range cfg.Offer {
		h.streaming[mt] = true
	}
	h.transport = &hostTransport{h: h}
	return h
}

var _ Handler = (*RTPHandler)(nil)

// SetLocalStreaming включает или выключает локальную передачу медиа типа mt.
// Для видео после включения вызывающий обычно запускает пересогласование.
func (h *RTPHandler) SetLocalStreaming(mt Type, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streaming[mt] = on
}

// Connector возвращает RTP коннектор запущенного потока типа mt.
func (h *RTPHandler) Connector(mt Type) *rtp.Connector {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s := h.sessions[mt]; s != nil && s.stream != nil {
		return s.stream.Connector()
	}
	return nil
}

// CreateContentList реализует Handler.
func (h *RTPHandler) CreateContentList(ctx context.Context) ([]jingle.Content, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, NewError(ErrorCodeOfferRejected, "", "handler closed", nil)
	}

	h.initiator = true
	contents := make([]jingle.Content, 0, len(h.cfg.Offer))
	for _, mt := range h.cfg.Offer {
		s, err := h.ensureSessionLocked(mt, string(mt), jingle.CreatorInitiator, h.cfg.Codecs[mt])
		if err != nil {
			return nil, err
		}
		contents = append(contents, cloneContent(s.local))
	}
	return contents, nil
}

// CreateContentForMedia реализует Handler.
func (h *RTPHandler) CreateContentForMedia(ctx context.Context, mt Type) (*jingle.Content, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, NewError(ErrorCodeOfferRejected, mt, "handler closed", nil)
	}
	if !h.availableLocked(mt) {
		return nil, nil
	}

	creator := jingle.CreatorResponder
	if h.initiator {
		creator = jingle.CreatorInitiator
	}
	s, err := h.ensureSessionLocked(mt, string(mt), creator, h.cfg.Codecs[mt])
	if err != nil {
		return nil, err
	}
	c := cloneContent(s.local)
	return &c, nil
}

// ProcessOffer реализует Handler. Предложение принимается целиком или
// отклоняется целиком.
func (h *RTPHandler) ProcessOffer(ctx context.Context, contents []jingle.Content) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return NewError(ErrorCodeOfferRejected, "", "handler closed", nil)
	}

	type accepted struct {
		mt     Type
		offer  jingle.Content
		common []jingle.PayloadType
	}
	batch := make([]accepted, 0, len(contents))
	for _, c := range contents {
		mt, err := TypeOf(c)
		if err != nil {
			return NewError(ErrorCodeOfferRejected, "", "content "+c.Name, err)
		}
		if !h.availableLocked(mt) {
			return NewError(ErrorCodeOfferRejected, mt, "media disabled", nil)
		}
		var offered []jingle.PayloadType
		if c.Description != nil {
			offered = c.Description.PayloadTypes
		}
		common := IntersectCodecs(offered, h.cfg.Codecs[mt])
		if len(common) == 0 {
			return NewError(ErrorCodeOfferRejected, mt, "no common payload types", nil)
		}
		batch = append(batch, accepted{mt: mt, offer: c, common: common})
	}

	for _, a := range batch {
		if old := h.sessions[a.mt]; old != nil && old.local.Name != a.offer.Name {
			h.closeSessionLocked(old)
		}
		s, err := h.ensureSessionLocked(a.mt, a.offer.Name, a.offer.Creator, a.common)
		if err != nil {
			return err
		}
		remote := cloneContent(a.offer)
		s.remote = &remote
		s.local.Creator = a.offer.Creator
		s.local.Senders = a.offer.Senders
		s.local.Description.PayloadTypes = slices.Clone(a.common)
		h.pending = append(h.pending, cloneContent(s.local))
	}
	h.logger.Debug("RTPHandler.ProcessOffer", slog.Any("contents", jingle.ContentNames(contents)))
	return nil
}

// GenerateSessionAccept реализует Handler: возвращает ответ на последнее
// принятое предложение.
func (h *RTPHandler) GenerateSessionAccept(ctx context.Context) ([]jingle.Content, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pending) == 0 {
		return nil, NewError(ErrorCodeAnswerFailed, "", "no processed offer", nil)
	}
	answer := h.pending
	h.pending = nil
	return answer, nil
}

// ProcessSessionAcceptContent реализует Handler.
func (h *RTPHandler) ProcessSessionAcceptContent(ctx context.Context, contents []jingle.Content) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range contents {
		s := h.lookupLocked(c)
		if s == nil {
			return NewError(ErrorCodeContentUnknown, "", "content "+c.Name, nil)
		}
		if c.Description != nil {
			common := IntersectCodecs(c.Description.PayloadTypes, s.local.Description.PayloadTypes)
			if len(common) == 0 {
				return NewError(ErrorCodeAnswerFailed, s.mt, "no common payload types", nil)
			}
			s.local.Description.PayloadTypes = common
		}
		remote := cloneContent(c)
		if s.remote != nil && s.remote.Transport != nil {
			mergeCandidates(&remote, s.remote.Transport.Candidates)
		}
		s.remote = &remote
		s.local.Senders = c.Senders
	}
	return nil
}

// ReinitContent реализует Handler.
func (h *RTPHandler) ReinitContent(name string, content *jingle.Content, descriptionChanged bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.byNameLocked(name)
	if s == nil {
		return NewError(ErrorCodeContentUnknown, "", "content "+name, nil)
	}
	if content != nil {
		remote := jingle.Content{Creator: content.Creator, Name: name}
		if s.remote != nil {
			remote = cloneContent(*s.remote)
		}
		if descriptionChanged && content.Description != nil {
			if len(IntersectCodecs(content.Description.PayloadTypes, h.cfg.Codecs[s.mt])) == 0 {
				return NewError(ErrorCodeOfferRejected, s.mt, "no common payload types", nil)
			}
			remote.Description = cloneContent(*content).Description
		}
		if content.HasCandidates() {
			mergeCandidates(&remote, content.Transport.Candidates)
		}
		remote.Senders = content.Senders
		s.remote = &remote
		s.local.Senders = content.Senders
	}
	if s.stream != nil {
		if err := h.retargetLocked(s); err != nil {
			return err
		}
		s.stream.reapply()
	}
	return nil
}

// RemoveContent реализует Handler.
func (h *RTPHandler) RemoveContent(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s := h.byNameLocked(name); s != nil {
		h.closeSessionLocked(s)
	}
}

// Start реализует Handler: создает потоки для согласованных content и
// направляет их на лучшего кандидата удаленной стороны. Повторный вызов
// запускает только новые content.
func (h *RTPHandler) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return NewError(ErrorCodeStartFailed, "", "handler closed", nil)
	}

	for _, mt := range Types {
		s := h.sessions[mt]
		if s == nil || s.remote == nil {
			continue
		}
		if s.stream == nil {
			connector := rtp.NewConnector(s.pair, rtp.UDPStreamFactory{}, h.logger.With(slog.String("media", string(mt))))
			if _, err := connector.DataInputStream(true); err != nil {
				return NewError(ErrorCodeStartFailed, mt, "create input stream", err)
			}
			if _, err := connector.DataOutputStream(true); err != nil {
				return NewError(ErrorCodeStartFailed, mt, "create output stream", err)
			}
			s.stream = &handlerStream{RTPStream: NewRTPStream(mt, connector), h: h, requested: rtp.DirectionSendRecv}
			h.logger.Info("RTPHandler.Start stream created",
				slog.String("media", string(mt)),
				slog.String("local", s.pair.DataConn().LocalAddr().String()))
		}
		if err := h.retargetLocked(s); err != nil {
			return NewError(ErrorCodeStartFailed, mt, "set target", err)
		}
	}
	return nil
}

// Stream реализует Handler. Поток появляется после Start.
func (h *RTPHandler) Stream(mt Type) Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s := h.sessions[mt]; s != nil && s.stream != nil {
		return s.stream
	}
	return nil
}

// LocalContent реализует Handler.
func (h *RTPHandler) LocalContent(mt Type) *jingle.Content {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.sessions[mt]
	if s == nil {
		return nil
	}
	c := cloneContent(s.local)
	return &c
}

// RemoteContent реализует Handler.
func (h *RTPHandler) RemoteContent(mt Type) *jingle.Content {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.sessions[mt]
	if s == nil || s.remote == nil {
		return nil
	}
	c := cloneContent(*s.remote)
	return &c
}

// LocalStreaming реализует Handler. Локальное удержание останавливает передачу.
func (h *RTPHandler) LocalStreaming(mt Type) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streaming[mt] && !h.localHold
}

// SetLocallyOnHold реализует Handler.
func (h *RTPHandler) SetLocallyOnHold(onHold bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.localHold = onHold
	h.reapplyLocked()
}

// SetRemotelyOnHold реализует Handler.
func (h *RTPHandler) SetRemotelyOnHold(onHold bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remoteHold = onHold
	h.reapplyLocked()
}

// ProcessSourceAdd реализует Handler.
func (h *RTPHandler) ProcessSourceAdd(contents []jingle.Content) error {
	return h.updateSources(contents, func(d *jingle.Description, src jingle.Source) {
		if !slices.Contains(d.Sources, src) {
			d.Sources = append(d.Sources, src)
		}
	})
}

// ProcessSourceRemove реализует Handler.
func (h *RTPHandler) ProcessSourceRemove(contents []jingle.Content) error {
	return h.updateSources(contents, func(d *jingle.Description, src jingle.Source) {
		d.Sources = slices.DeleteFunc(d.Sources, func(s jingle.Source) bool { return s == src })
	})
}

func (h *RTPHandler) updateSources(contents []jingle.Content, apply func(*jingle.Description, jingle.Source)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range contents {
		s := h.lookupLocked(c)
		if s == nil || s.remote == nil {
			return NewError(ErrorCodeContentUnknown, "", "content "+c.Name, nil)
		}
		if c.Description == nil {
			continue
		}
		if s.remote.Description == nil {
			s.remote.Description = &jingle.Description{Media: string(s.mt)}
		}
		for _, src := range c.Description.Sources {
			apply(s.remote.Description, src)
		}
	}
	return nil
}

// TransportManager реализует Handler.
func (h *RTPHandler) TransportManager() TransportManager {
	return h.transport
}

// Close закрывает все потоки и сокеты. Повторный вызов ничего не делает.
func (h *RTPHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	var errs []error
	for _, s := range h.sessions {
		if err := h.closeSessionLocked(s); err != nil {
			errs = append(errs, err)
		}
	}
	h.pending = nil
	if len(errs) > 0 {
		return errors.Wrapf(errs[0], "close %d media sessions", len(errs))
	}
	return nil
}

func (h *RTPHandler) availableLocked(mt Type) bool {
	if mt == Video && !h.cfg.Video {
		return false
	}
	return len(h.cfg.Codecs[mt]) > 0
}

func (h *RTPHandler) ensureSessionLocked(mt Type, name string, creator jingle.Creator, codecs []jingle.PayloadType) (*mediaSession, error) {
	if s := h.sessions[mt]; s != nil {
		return s, nil
	}

	pair, err := rtp.ListenTransportPair(net.JoinHostPort(h.cfg.Host, "0"), "", h.cfg.Socket)
	if err != nil {
		return nil, NewError(ErrorCodeTransportFailed, mt, "listen", err)
	}
	addr, ok := pair.DataConn().LocalAddr().(*net.UDPAddr)
	if !ok {
		pair.Close()
		return nil, NewError(ErrorCodeTransportFailed, mt, "unexpected local address", nil)
	}

	s := &mediaSession{
		mt:   mt,
		pair: pair,
		local: jingle.Content{
			Creator: creator,
			Name:    name,
			Senders: jingle.SendersBoth,
			Description: &jingle.Description{
				Media:        string(mt),
				SSRC:         strconv.FormatUint(uint64(rand.Uint32()), 10),
				PayloadTypes: slices.Clone(codecs),
			},
			Transport: &jingle.Transport{
				Ufrag: uuid.NewString()[:8],
				Pwd:   uuid.NewString(),
				Candidates: []jingle.Candidate{{
					Component:  1,
					Foundation: "1",
					ID:         uuid.NewString()[:12],
					IP:         addr.IP.String(),
					Port:       uint16(addr.Port),
					Priority:   hostCandidatePriority,
					Protocol:   "udp",
					Type:       "host",
				}},
			},
		},
	}
	h.sessions[mt] = s
	h.logger.Debug("RTPHandler session opened",
		slog.String("media", string(mt)),
		slog.String("content", name),
		slog.String("addr", addr.String()))
	return s, nil
}

func (h *RTPHandler) closeSessionLocked(s *mediaSession) error {
	if h.sessions[s.mt] == s {
		delete(h.sessions, s.mt)
	}
	if s.stream != nil {
		return s.stream.Close()
	}
	return s.pair.Close()
}

func (h *RTPHandler) lookupLocked(c jingle.Content) *mediaSession {
	if s := h.byNameLocked(c.Name); s != nil {
		return s
	}
	if mt, err := TypeOf(c); err == nil {
		return h.sessions[mt]
	}
	return nil
}

func (h *RTPHandler) byNameLocked(name string) *mediaSession {
	for _, s := range h.sessions {
		if s.local.Name == name {
			return s
		}
	}
	return nil
}

// retargetLocked направляет поток на лучший UDP кандидат компонента RTP.
func (h *RTPHandler) retargetLocked(s *mediaSession) error {
	if s.remote == nil || s.remote.Transport == nil {
		return nil
	}
	best, ok := bestCandidate(s.remote.Transport.Candidates)
	if !ok {
		return nil
	}
	addr := &net.UDPAddr{IP: net.ParseIP(best.IP), Port: int(best.Port)}
	if addr.IP == nil {
		return errors.Errorf("invalid candidate address %q", best.IP)
	}
	if addr.String() == s.target {
		return nil
	}

	connector := s.stream.Connector()
	connector.RemoveTargets()
	if err := connector.AddTarget(rtp.Target{Data: addr}); err != nil {
		return err
	}
	s.target = addr.String()
	h.logger.Debug("RTPHandler target selected",
		slog.String("media", string(s.mt)),
		slog.String("target", s.target))
	return nil
}

func (h *RTPHandler) reapplyLocked() {
	for _, s := range h.sessions {
		if s.stream != nil {
			s.stream.reapply()
		}
	}
}

// effectiveLocked накладывает удержание на направление, запрошенное сверху.
func (h *RTPHandler) effectiveLocked(d rtp.Direction) rtp.Direction {
	if h.localHold {
		d &^= rtp.DirectionSendOnly
	}
	if h.remoteHold {
		d &^= rtp.DirectionRecvOnly
	}
	return d
}

// handlerStream поток с учетом удержания. Запрошенное направление хранится
// отдельно, чтобы снятие удержания его восстанавливало.
type handlerStream struct {
	*RTPStream
	h         *RTPHandler
	requested rtp.Direction
}

// SetDirection реализует Stream.
func (s *handlerStream) SetDirection(d rtp.Direction) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	s.requested = d
	s.reapply()
}

// reapply вызывается под h.mu.
func (s *handlerStream) reapply() {
	s.RTPStream.SetDirection(s.h.effectiveLocked(s.requested))
}

func bestCandidate(candidates []jingle.Candidate) (jingle.Candidate, bool) {
	var best jingle.Candidate
	found := false
	for _, c := range candidates {
		if c.Component > 1 || (c.Protocol != "" && c.Protocol != "udp") {
			continue
		}
		if !found || c.Priority > best.Priority {
			best, found = c, true
		}
	}
	return best, found
}

func mergeCandidates(c *jingle.Content, candidates []jingle.Candidate) {
	if c.Transport == nil {
		c.Transport = &jingle.Transport{}
	}
	for _, cand := range candidates {
		dup := slices.ContainsFunc(c.Transport.Candidates, func(have jingle.Candidate) bool {
			return have.IP == cand.IP && have.Port == cand.Port && have.Component == cand.Component
		})
		if !dup {
			c.Transport.Candidates = append(c.Transport.Candidates, cand)
		}
	}
}

func cloneContent(c jingle.Content) jingle.Content {
	if c.Description != nil {
		d := *c.Description
		d.PayloadTypes = slices.Clone(d.PayloadTypes)
		d.Sources = slices.Clone(d.Sources)
		c.Description = &d
	}
	if c.Transport != nil {
		t := *c.Transport
		t.Candidates = slices.Clone(t.Candidates)
		c.Transport = &t
	}
	return c
}
