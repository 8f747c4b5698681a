package call

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"

	"github.com/arzzra/jingle_phone/pkg/jingle"
	"github.com/arzzra/jingle_phone/pkg/media"
	"github.com/arzzra/jingle_phone/pkg/rtp"
)

var (
	localJID  = jingle.AddressOf(jid.MustParse("alice@example.com/phone"))
	remoteJID = jingle.AddressOf(jid.MustParse("bob@example.com/desk"))
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		Logger:                  discardLogger(),
		ContentAddCandidateWait: 200 * time.Millisecond,
		TransportInfoWait:       100 * time.Millisecond,
		ResponseTimeout:         200 * time.Millisecond,
	}
}

func audioContent(senders jingle.Senders, withCandidates bool) jingle.Content {
	return mediaContent(media.Audio, senders, withCandidates)
}

func mediaContent(mt media.Type, senders jingle.Senders, withCandidates bool) jingle.Content {
	c := jingle.Content{
		Creator:     jingle.CreatorInitiator,
		Name:        mt.String(),
		Senders:     senders,
		Description: &jingle.Description{Media: mt.String()},
		Transport:   &jingle.Transport{Ufrag: "u", Pwd: "p"},
	}
	if withCandidates {
		c.Transport.Candidates = []jingle.Candidate{{
			Component: 1, Foundation: "1", ID: "c1", IP: "192.0.2.1",
			Port: 10000, Priority: 1, Protocol: "udp", Type: "host",
		}}
	}
	return c
}

// fakeSender запоминает отправленные элементы jingle.
type fakeSender struct {
	mu      sync.Mutex
	sent    []*jingle.Jingle
	sendErr error
	waitErr error
	// onSend вызывается синхронно из Send, как ответ, пришедший до возврата.
	onSend func(j *jingle.Jingle)
}

func (s *fakeSender) Send(ctx context.Context, iq *jingle.IQ) error {
	s.mu.Lock()
	if s.sendErr != nil {
		s.mu.Unlock()
		return s.sendErr
	}
	s.sent = append(s.sent, iq.Jingle)
	hook := s.onSend
	s.mu.Unlock()

	if hook != nil {
		hook(iq.Jingle)
	}
	return nil
}

func (s *fakeSender) SendAndWait(ctx context.Context, iq *jingle.IQ) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, iq.Jingle)
	return s.waitErr
}

func (s *fakeSender) setSendErr(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

func (s *fakeSender) all() []*jingle.Jingle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*jingle.Jingle(nil), s.sent...)
}

func (s *fakeSender) count(pred func(j *jingle.Jingle) bool) int {
	n := 0
	for _, j := range s.all() {
		if pred(j) {
			n++
		}
	}
	return n
}

func (s *fakeSender) countAction(a jingle.Action) int {
	return s.count(func(j *jingle.Jingle) bool { return j.Action == a })
}

func (s *fakeSender) last(a jingle.Action) *jingle.Jingle {
	sent := s.all()
	for i := len(sent) - 1; i >= 0; i-- {
		if sent[i].Action == a {
			return sent[i]
		}
	}
	return nil
}

type fakeTransport struct {
	wrapupErr error
	infoErr   error
	infos     atomic.Int32
	closes    atomic.Int32
}

func (t *fakeTransport) WrapupConnectivityEstablishment(ctx context.Context) error {
	return t.wrapupErr
}

func (t *fakeTransport) ProcessTransportInfo(ctx context.Context, contents []jingle.Content) error {
	t.infos.Add(1)
	return t.infoErr
}

func (t *fakeTransport) Close() error {
	t.closes.Add(1)
	return nil
}

type fakeStream struct {
	mu  sync.Mutex
	dir rtp.Direction
}

func (s *fakeStream) SetDirection(d rtp.Direction) {
	s.mu.Lock()
	s.dir = d
	s.mu.Unlock()
}

func (s *fakeStream) Direction() rtp.Direction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

func (s *fakeStream) Close() error { return nil }

// fakeHandler медиа обработчик с настраиваемыми ошибками.
type fakeHandler struct {
	mu sync.Mutex

	tm *fakeTransport

	// createBlock, если задан, задерживает CreateContentList до закрытия канала.
	createBlock   chan struct{}
	createEntered chan struct{}

	createErr error
	offerErr  error
	acceptErr error
	genErr    error
	startErr  error

	videoAvailable bool
	streaming      map[media.Type]bool
	streams        map[media.Type]*fakeStream
	remote         []jingle.Content

	onStart     func()
	starts      int
	reinits     []string
	removed     []string
	sourceAdds  int
	localHold   bool
	remoteHold  bool
	offersTaken int
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		tm:        &fakeTransport{},
		streaming: map[media.Type]bool{media.Audio: true},
		streams:   map[media.Type]*fakeStream{media.Audio: {}},
	}
}

func (h *fakeHandler) CreateContentList(ctx context.Context) ([]jingle.Content, error) {
	if h.createEntered != nil {
		close(h.createEntered)
	}
	if h.createBlock != nil {
		<-h.createBlock
	}
	if h.createErr != nil {
		return nil, h.createErr
	}
	return []jingle.Content{audioContent("", true)}, nil
}

func (h *fakeHandler) CreateContentForMedia(ctx context.Context, mt media.Type) (*jingle.Content, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if mt == media.Video && !h.videoAvailable {
		return nil, nil
	}
	c := mediaContent(mt, "", true)
	return &c, nil
}

func (h *fakeHandler) ProcessOffer(ctx context.Context, contents []jingle.Content) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.offerErr != nil {
		return h.offerErr
	}
	h.offersTaken++
	h.remote = append([]jingle.Content(nil), contents...)
	return nil
}

func (h *fakeHandler) ProcessSessionAcceptContent(ctx context.Context, contents []jingle.Content) error {
	return h.acceptErr
}

func (h *fakeHandler) GenerateSessionAccept(ctx context.Context) ([]jingle.Content, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.genErr != nil {
		return nil, h.genErr
	}
	answer := make([]jingle.Content, 0, len(h.remote))
	for _, c := range h.remote {
		c.Transport = nil
		answer = append(answer, c)
	}
	return answer, nil
}

func (h *fakeHandler) ReinitContent(name string, content *jingle.Content, descriptionChanged bool) error {
	h.mu.Lock()
	h.reinits = append(h.reinits, name)
	h.mu.Unlock()
	return nil
}

func (h *fakeHandler) RemoveContent(name string) {
	h.mu.Lock()
	h.removed = append(h.removed, name)
	h.mu.Unlock()
}

func (h *fakeHandler) Start(ctx context.Context) error {
	if h.onStart != nil {
		h.onStart()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts++
	return h.startErr
}

func (h *fakeHandler) Stream(mt media.Type) media.Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.streams[mt]; ok {
		return s
	}
	return nil
}

func (h *fakeHandler) LocalContent(mt media.Type) *jingle.Content {
	c := mediaContent(mt, "", false)
	return &c
}

func (h *fakeHandler) RemoteContent(mt media.Type) *jingle.Content {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.remote {
		if c.Media() == mt.String() {
			return &c
		}
	}
	return nil
}

func (h *fakeHandler) LocalStreaming(mt media.Type) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streaming[mt]
}

func (h *fakeHandler) setStreaming(mt media.Type, on bool) {
	h.mu.Lock()
	h.streaming[mt] = on
	h.mu.Unlock()
}

func (h *fakeHandler) SetLocallyOnHold(onHold bool) {
	h.mu.Lock()
	h.localHold = onHold
	h.mu.Unlock()
}

func (h *fakeHandler) SetRemotelyOnHold(onHold bool) {
	h.mu.Lock()
	h.remoteHold = onHold
	h.mu.Unlock()
}

func (h *fakeHandler) ProcessSourceAdd(contents []jingle.Content) error {
	h.mu.Lock()
	h.sourceAdds++
	h.mu.Unlock()
	return nil
}

func (h *fakeHandler) ProcessSourceRemove(contents []jingle.Content) error {
	return nil
}

func (h *fakeHandler) TransportManager() media.TransportManager {
	return h.tm
}

func (h *fakeHandler) startCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.starts
}

func (h *fakeHandler) reinitialized() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.reinits...)
}

type fakeDirectory struct {
	roster   map[string]bool
	features map[string]bool
	err      error
}

func (d *fakeDirectory) InRoster(ctx context.Context, addr *jid.JID) bool {
	return d.roster[addr.Bare().String()]
}

func (d *fakeDirectory) HasFeature(ctx context.Context, addr *jid.JID, feature string) (bool, error) {
	if d.err != nil {
		return false, d.err
	}
	return d.features[feature], nil
}

type peerFixture struct {
	peer      *Peer
	sender    *fakeSender
	handler   *fakeHandler
	directory *fakeDirectory
	registry  *Registry
}

func newPeerFixture(t *testing.T, mutate ...func(p *PeerParams)) *peerFixture {
	t.Helper()
	f := &peerFixture{
		sender:  &fakeSender{},
		handler: newFakeHandler(),
		directory: &fakeDirectory{
			roster:   map[string]bool{},
			features: map[string]bool{},
		},
		registry: NewRegistry(),
	}
	params := PeerParams{
		Address:   remoteJID,
		Local:     localJID,
		Handler:   f.handler,
		Sender:    f.sender,
		Directory: f.directory,
		Registry:  f.registry,
		Config:    testConfig(),
	}
	for _, m := range mutate {
		m(&params)
	}
	p, err := NewPeer(params)
	require.NoError(t, err)
	f.peer = p
	t.Cleanup(func() { _ = p.Hangup(context.Background(), false, "", nil) })
	return f
}

// connectOutgoing доводит исходящий вызов до Connected.
func (f *peerFixture) connectOutgoing(t *testing.T) {
	t.Helper()
	f.connectOutgoingSID(t, "sid-1")
}

func (f *peerFixture) connectOutgoingSID(t *testing.T, sid string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.peer.Initiate(ctx, sid))
	accept := jingle.NewSessionAccept(remoteJID, sid, []jingle.Content{audioContent(jingle.SendersBoth, true)})
	require.NoError(t, f.peer.ProcessSessionAccept(ctx, accept))
	require.Equal(t, Connected, f.peer.State())
}

// connectIncoming доводит входящий вызов до Connected.
func (f *peerFixture) connectIncoming(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	initiate := jingle.NewSessionInitiate(remoteJID, "sid-in", []jingle.Content{audioContent("", true)})
	require.NoError(t, f.peer.ProcessSessionInitiate(ctx, initiate))
	require.NoError(t, f.peer.Answer(ctx))
	require.Equal(t, Connected, f.peer.State())
}

// stateRecorder собирает переходы участника.
type stateRecorder struct {
	mu          sync.Mutex
	transitions [][2]PeerState
}

func (r *stateRecorder) listen(p *Peer, from, to PeerState, reason string) {
	r.mu.Lock()
	r.transitions = append(r.transitions, [2]PeerState{from, to})
	r.mu.Unlock()
}

func (r *stateRecorder) countTo(s PeerState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, tr := range r.transitions {
		if tr[1] == s {
			n++
		}
	}
	return n
}

func (r *stateRecorder) targets() []PeerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PeerState, 0, len(r.transitions))
	for _, tr := range r.transitions {
		out = append(out, tr[1])
	}
	return out
}
