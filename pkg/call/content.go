package call

import (
	"context"
	"log/slog"
	"time"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/arzzra/jingle_phone/pkg/jingle"
	"github.com/arzzra/jingle_phone/pkg/media"
	"github.com/arzzra/jingle_phone/pkg/rtp"
)

// Состояния content.
const (
	ContentNone     = "none"
	ContentProposed = "proposed"
	ContentActive   = "active"
	ContentModified = "modified"
	ContentRemoved  = "removed"
)

// События content: propose, accept, modify, remove, reject.
func newContentFSM() *fsm.FSM {
	return fsm.NewFSM(
		ContentNone,
		fsm.Events{
			{Name: "propose", Src: []string{ContentNone}, Dst: ContentProposed},
			{Name: "accept", Src: []string{ContentNone, ContentProposed}, Dst: ContentActive},
			{Name: "modify", Src: []string{ContentActive, ContentModified}, Dst: ContentModified},
			{Name: "remove", Src: []string{ContentProposed, ContentActive, ContentModified}, Dst: ContentRemoved},
			{Name: "reject", Src: []string{ContentProposed}, Dst: ContentRemoved},
		}, nil,
	)
}

// contentRecord согласуемый content участника.
type contentRecord struct {
	name      string
	mediaType media.Type
	creator   jingle.Creator
	fsm       *fsm.FSM
}

func (r *contentRecord) state() string {
	return r.fsm.Current()
}

// ContentInfo снимок content для внешнего кода.
type ContentInfo struct {
	Name      string
	MediaType media.Type
	Creator   jingle.Creator
	State     string
}

// Contents возвращает согласуемые content в порядке добавления.
func (p *Peer) Contents() []ContentInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ContentInfo, 0, len(p.contents))
	for _, r := range p.contents {
		out = append(out, ContentInfo{Name: r.name, MediaType: r.mediaType, Creator: r.creator, State: r.state()})
	}
	return out
}

// contentEvent применяет событие к content, создавая запись при необходимости.
// Запись в состоянии removed удаляется из списка.
func (p *Peer) contentEvent(c jingle.Content, event string) {
	mt, err := media.TypeOf(c)
	if err != nil {
		p.log().Debug("Peer.contentEvent unknown media", slog.String("content", c.Name))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := -1
	for i, r := range p.contents {
		if r.name == c.Name {
			idx = i
			break
		}
	}
	if idx < 0 {
		if event == "remove" || event == "reject" {
			return
		}
		p.contents = append(p.contents, &contentRecord{
			name:      c.Name,
			mediaType: mt,
			creator:   c.Creator,
			fsm:       newContentFSM(),
		})
		idx = len(p.contents) - 1
	}

	r := p.contents[idx]
	if err := r.fsm.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			p.log().Debug("Peer.contentEvent",
				slog.String("content", c.Name),
				slog.String("event", event),
				slog.String("state", r.state()),
				slog.Any("error", err))
		}
	}
	if r.state() == ContentRemoved {
		p.contents = append(p.contents[:idx], p.contents[idx+1:]...)
	}
}

func (p *Peer) contentsEvent(contents []jingle.Content, event string) {
	for _, c := range contents {
		p.contentEvent(c, event)
	}
}

// contentFor возвращает имя content данного типа медиа.
func (p *Peer) contentFor(mt media.Type) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.contents {
		if r.mediaType == mt {
			return r.name, true
		}
	}
	return "", false
}

func (p *Peer) contentNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.contents))
	for _, r := range p.contents {
		names = append(names, r.name)
	}
	return names
}

func hasAllCandidates(contents []jingle.Content) bool {
	for _, c := range contents {
		if !c.HasCandidates() {
			return false
		}
	}
	return true
}

// contentAddRetry отложенная обработка content-add без кандидатов. Кандидаты
// из transport-info для этих content копятся в candidates до повтора.
type contentAddRetry struct {
	wake       chan struct{}
	contents   []jingle.Content
	candidates map[string][]jingle.Candidate
}

func (r *contentAddRetry) has(name string) bool {
	for _, c := range r.contents {
		if c.Name == name {
			return true
		}
	}
	return false
}

// withCandidates возвращает копию content с накопленными кандидатами.
func (r *contentAddRetry) withCandidates() []jingle.Content {
	out := make([]jingle.Content, len(r.contents))
	for i, c := range r.contents {
		buffered := r.candidates[c.Name]
		if len(buffered) > 0 {
			t := jingle.Transport{}
			if c.Transport != nil {
				t = *c.Transport
			}
			t.Candidates = append(append([]jingle.Candidate(nil), t.Candidates...), buffered...)
			c.Transport = &t
		}
		out[i] = c
	}
	return out
}

// ApplyContentAdd обрабатывает входящий content-add.
func (p *Peer) ApplyContentAdd(ctx context.Context, contents []jingle.Content) error {
	return p.applyContentAdd(ctx, contents, false)
}

func (p *Peer) applyContentAdd(ctx context.Context, contents []jingle.Content, skipCandidateCheck bool) error {
	if len(contents) == 0 {
		return newOperationError(CodeNegotiationFailed, "ContentAdd", p.SID(), errors.New("no contents"))
	}
	if !skipCandidateCheck && !hasAllCandidates(contents) {
		p.deferContentAdd(contents)
		return nil
	}

	p.log().Debug("Peer.ApplyContentAdd", slog.Any("contents", jingle.ContentNames(contents)))
	p.contentsEvent(contents, "propose")
	videoBefore := p.handler.LocalStreaming(media.Video)

	answer, err := p.answerContentAdd(ctx, contents)
	if err != nil {
		p.log().Error("Peer.ApplyContentAdd rejected", slog.Any("error", err))
		p.contentsEvent(contents, "reject")
		rejectErr := p.send(ctx, jingle.NewContentAction(jingle.ActionContentReject, p.SID(), contentRefs(contents)))
		if rejectErr != nil {
			return rejectErr
		}
		return newOperationError(CodeNegotiationFailed, "ContentAdd", p.SID(), err)
	}

	if err := p.send(ctx, jingle.NewContentAction(jingle.ActionContentAccept, p.SID(), answer)); err != nil {
		return err
	}
	p.updateSenders(answer)
	p.contentsEvent(contents, "accept")

	if err := p.handler.Start(ctx); err != nil {
		return p.fail(ctx, CodeMediaStartFailed, "ContentAdd", jingle.ReasonGeneralError, err)
	}
	p.applyDirections()

	if !videoBefore && p.handler.LocalStreaming(media.Video) &&
		p.call.IsConferenceFocus() && p.call.IsRTPTranslationEnabled(media.Video) {
		if err := p.call.ModifyVideoContent(ctx); err != nil {
			p.log().Warn("Peer.ApplyContentAdd video renegotiation failed", slog.Any("error", err))
		}
	}
	return nil
}

func (p *Peer) answerContentAdd(ctx context.Context, contents []jingle.Content) ([]jingle.Content, error) {
	if err := p.handler.ProcessOffer(ctx, contents); err != nil {
		return nil, errors.Wrap(err, "process offer")
	}
	answer, err := p.handler.GenerateSessionAccept(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "generate answer")
	}
	return answer, nil
}

// deferContentAdd откладывает обработку до прихода кандидатов. На один набор
// content работает не больше одного повтора.
func (p *Peer) deferContentAdd(contents []jingle.Content) {
	key := jingle.BatchKey(contents)

	p.retriesMu.Lock()
	if _, ok := p.retries[key]; ok {
		p.retriesMu.Unlock()
		p.log().Debug("Peer.ApplyContentAdd retry already scheduled", slog.String("batch", key))
		return
	}
	retry := &contentAddRetry{
		wake:       make(chan struct{}, 1),
		contents:   append([]jingle.Content(nil), contents...),
		candidates: make(map[string][]jingle.Candidate),
	}
	p.retries[key] = retry
	p.retriesMu.Unlock()

	p.metrics.contentAddDeferred()
	p.log().Info("Peer.ApplyContentAdd waiting for transport candidates",
		slog.String("batch", key),
		slog.Duration("wait", p.cfg.ContentAddCandidateWait))

	go func() {
		timer := time.NewTimer(p.cfg.ContentAddCandidateWait)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-retry.wake:
		case <-p.ctx.Done():
		}

		p.retriesMu.Lock()
		delete(p.retries, key)
		batch := retry.withCandidates()
		p.retriesMu.Unlock()

		if p.ctx.Err() != nil || p.State().IsEnded() {
			return
		}
		if err := p.applyContentAdd(p.ctx, batch, true); err != nil {
			p.log().Error("Peer.ApplyContentAdd deferred processing failed", slog.Any("error", err))
		}
	}()
}

// bufferRetryCandidates забирает из transport-info content, ожидающие
// повтора content-add, и сохраняет их кандидатов. Возвращает остальные content
// и признак того, что что-то было сохранено.
func (p *Peer) bufferRetryCandidates(contents []jingle.Content) ([]jingle.Content, bool) {
	p.retriesMu.Lock()
	defer p.retriesMu.Unlock()
	if len(p.retries) == 0 {
		return contents, false
	}

	rest := make([]jingle.Content, 0, len(contents))
	buffered := false
	for _, c := range contents {
		var retry *contentAddRetry
		for _, r := range p.retries {
			if r.has(c.Name) {
				retry = r
				break
			}
		}
		if retry == nil {
			rest = append(rest, c)
			continue
		}
		if c.HasCandidates() {
			retry.candidates[c.Name] = append(retry.candidates[c.Name], c.Transport.Candidates...)
			buffered = true
		}
	}
	return rest, buffered
}

// wakeContentAddRetries будит отложенные content-add после прихода кандидатов.
func (p *Peer) wakeContentAddRetries() {
	p.retriesMu.Lock()
	defer p.retriesMu.Unlock()
	for _, r := range p.retries {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// ApplyContentAccept обрабатывает content-accept на наш content-add.
func (p *Peer) ApplyContentAccept(ctx context.Context, contents []jingle.Content) error {
	if err := p.handler.ProcessSessionAcceptContent(ctx, contents); err != nil {
		return p.fail(ctx, CodeNegotiationFailed, "ContentAccept", jingle.ReasonIncompatibleParameters, err)
	}
	p.updateSenders(contents)
	p.contentsEvent(contents, "accept")

	if err := p.handler.Start(ctx); err != nil {
		return p.fail(ctx, CodeMediaStartFailed, "ContentAccept", jingle.ReasonIncompatibleParameters, err)
	}
	p.applyDirections()
	return nil
}

// ApplyContentModify обрабатывает content-modify.
func (p *Peer) ApplyContentModify(ctx context.Context, c jingle.Content) error {
	mt, err := media.TypeOf(c)
	if err != nil {
		return p.fail(ctx, CodeNegotiationFailed, "ContentModify", jingle.ReasonIncompatibleParameters, err)
	}
	if err := p.handler.ReinitContent(c.Name, &c, c.Description != nil); err != nil {
		return p.fail(ctx, CodeNegotiationFailed, "ContentModify", jingle.ReasonIncompatibleParameters, err)
	}
	p.setSenders(mt, c.Senders)
	p.contentEvent(c, "modify")
	p.applyDirections()

	if mt == media.Video {
		if err := p.call.ModifyVideoContent(ctx); err != nil {
			p.log().Warn("Peer.ApplyContentModify video renegotiation failed", slog.Any("error", err))
		}
	}
	return nil
}

// ApplyContentReject обрабатывает content-reject. Пустой reject завершает сессию.
func (p *Peer) ApplyContentReject(ctx context.Context, contents []jingle.Content) error {
	if len(contents) == 0 {
		return p.fail(ctx, CodeNegotiationFailed, "ContentReject", jingle.ReasonIncompatibleParameters,
			errors.New("content-reject without contents"))
	}
	for _, c := range contents {
		p.handler.RemoveContent(c.Name)
		if mt, err := media.TypeOf(c); err == nil {
			p.setSenders(mt, jingle.SendersNone)
		}
	}
	p.contentsEvent(contents, "reject")
	p.applyDirections()
	return nil
}

// ApplyContentRemove обрабатывает content-remove.
func (p *Peer) ApplyContentRemove(ctx context.Context, contents []jingle.Content) error {
	video := false
	for _, c := range contents {
		p.handler.RemoveContent(c.Name)
		mt, err := media.TypeOf(c)
		if err != nil {
			continue
		}
		p.setSenders(mt, jingle.SendersNone)
		if mt == media.Video {
			video = true
		}
	}
	p.contentsEvent(contents, "remove")
	p.applyDirections()

	if video {
		if err := p.call.ModifyVideoContent(ctx); err != nil {
			p.log().Warn("Peer.ApplyContentRemove video renegotiation failed", slog.Any("error", err))
		}
	}
	return nil
}

// SendModifyVideoContent приводит видео content в соответствие с вычисленным
// направлением. Возвращает true, если удаленной стороне что-то отправлено или
// изменились senders.
func (p *Peer) SendModifyVideoContent(ctx context.Context) (bool, error) {
	dir := p.Direction(media.Video)
	name, exists := p.contentFor(media.Video)

	if !exists {
		if dir == rtp.DirectionInactive || p.State() != Connected {
			return false, nil
		}
		c, err := p.handler.CreateContentForMedia(ctx, media.Video)
		if err != nil {
			return false, newOperationError(CodeNegotiationFailed, "ModifyVideoContent", p.SID(), err)
		}
		if c == nil {
			return false, nil
		}
		if err := p.send(ctx, jingle.NewContentAction(jingle.ActionContentAdd, p.SID(), []jingle.Content{*c})); err != nil {
			return false, err
		}
		p.contentEvent(*c, "propose")
		return true, nil
	}

	ref := jingle.Content{Name: name, Creator: p.contentCreator(name), Description: &jingle.Description{Media: string(media.Video)}}

	if dir == rtp.DirectionInactive {
		if err := p.send(ctx, jingle.NewContentAction(jingle.ActionContentRemove, p.SID(), []jingle.Content{contentRef(ref)})); err != nil {
			return false, err
		}
		p.handler.RemoveContent(name)
		p.setSenders(media.Video, jingle.SendersNone)
		p.contentEvent(ref, "remove")
		return true, nil
	}

	senders := media.SendersForDirection(dir, p.IsInitiator())
	changed := senders != p.Senders(media.Video)
	if changed {
		modify := ref
		if local := p.handler.LocalContent(media.Video); local != nil {
			modify = *local
			modify.Name = name
		}
		modify.Senders = senders
		if err := p.send(ctx, jingle.NewContentAction(jingle.ActionContentModify, p.SID(), []jingle.Content{modify})); err != nil {
			return false, err
		}
		p.setSenders(media.Video, senders)
		p.contentEvent(ref, "modify")
	}

	if err := p.handler.ReinitContent(name, nil, false); err != nil {
		p.log().Warn("Peer.SendModifyVideoContent reinit failed", slog.Any("error", err))
	}
	p.applyDirections()
	return changed, nil
}

func (p *Peer) contentCreator(name string) jingle.Creator {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.contents {
		if r.name == name {
			return r.creator
		}
	}
	return jingle.CreatorInitiator
}

// contentRef оставляет от content только идентификацию для reject/remove.
func contentRef(c jingle.Content) jingle.Content {
	return jingle.Content{Creator: c.Creator, Name: c.Name}
}

func contentRefs(contents []jingle.Content) []jingle.Content {
	out := make([]jingle.Content, 0, len(contents))
	for _, c := range contents {
		out = append(out, contentRef(c))
	}
	return out
}
