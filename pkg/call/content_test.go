package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/jingle_phone/pkg/jingle"
	"github.com/arzzra/jingle_phone/pkg/media"
)

func TestContentAddWithoutCandidatesIsDeferred(t *testing.T) {
	ctx := context.Background()
	f := newPeerFixture(t)
	f.connectOutgoing(t)

	video := mediaContent(media.Video, jingle.SendersBoth, false)
	require.NoError(t, f.peer.ApplyContentAdd(ctx, []jingle.Content{video}))

	answered := func() bool {
		return f.sender.countAction(jingle.ActionContentAccept)+f.sender.countAction(jingle.ActionContentReject) > 0
	}
	assert.Never(t, answered, 100*time.Millisecond, 10*time.Millisecond)
	assert.Eventually(t, answered, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.sender.countAction(jingle.ActionContentAccept))
	assert.Equal(t, jingle.SendersBoth, f.peer.Senders(media.Video))
}

func TestContentAddRetryWokenByTransportInfo(t *testing.T) {
	ctx := context.Background()
	f := newPeerFixture(t, func(p *PeerParams) {
		p.Config.ContentAddCandidateWait = time.Minute
	})
	f.connectOutgoing(t)

	video := mediaContent(media.Video, jingle.SendersBoth, false)
	require.NoError(t, f.peer.ApplyContentAdd(ctx, []jingle.Content{video}))
	assert.Zero(t, f.sender.countAction(jingle.ActionContentAccept))

	require.NoError(t, f.peer.ProcessTransportInfo(ctx, []jingle.Content{mediaContent(media.Video, "", true)}))
	assert.Eventually(t, func() bool {
		return f.sender.countAction(jingle.ActionContentAccept) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func withDefaultCodec(c jingle.Content, mt media.Type) jingle.Content {
	c.Description.PayloadTypes = media.DefaultCodecs()[mt][:1]
	return c
}

func TestDeferredContentAddTakesTransportInfoCandidates(t *testing.T) {
	ctx := context.Background()
	cfg := media.DefaultRTPHandlerConfig()
	cfg.Video = true
	cfg.Logger = discardLogger()
	h := media.NewRTPHandler(cfg)
	t.Cleanup(func() { h.Close() })

	f := newPeerFixture(t, func(p *PeerParams) {
		p.Handler = h
		p.Config.ContentAddCandidateWait = time.Minute
	})
	initiate := jingle.NewSessionInitiate(remoteJID, "sid-in",
		[]jingle.Content{withDefaultCodec(audioContent("", true), media.Audio)})
	require.NoError(t, f.peer.ProcessSessionInitiate(ctx, initiate))
	require.NoError(t, f.peer.Answer(ctx))
	require.Equal(t, Connected, f.peer.State())

	video := withDefaultCodec(mediaContent(media.Video, jingle.SendersBoth, false), media.Video)
	require.NoError(t, f.peer.ApplyContentAdd(ctx, []jingle.Content{video}))
	assert.Nil(t, h.RemoteContent(media.Video))

	info := mediaContent(media.Video, "", true)
	require.NoError(t, f.peer.ProcessTransportInfo(ctx, []jingle.Content{info}))

	require.Eventually(t, func() bool {
		return f.sender.countAction(jingle.ActionContentAccept) == 1
	}, 2*time.Second, 10*time.Millisecond)
	remote := h.RemoteContent(media.Video)
	require.NotNil(t, remote)
	require.True(t, remote.HasCandidates())
	assert.Equal(t, info.Transport.Candidates, remote.Transport.Candidates)
	assert.Equal(t, jingle.SendersBoth, f.peer.Senders(media.Video))
}

func TestContentAddRetryWokenDespiteTransportError(t *testing.T) {
	ctx := context.Background()
	f := newPeerFixture(t, func(p *PeerParams) {
		p.Config.ContentAddCandidateWait = time.Minute
	})
	f.connectOutgoing(t)

	require.NoError(t, f.peer.ApplyContentAdd(ctx,
		[]jingle.Content{mediaContent(media.Video, jingle.SendersBoth, false)}))

	f.handler.tm.infoErr = errors.New("unknown content")
	err := f.peer.ProcessTransportInfo(ctx, []jingle.Content{
		audioContent("", true),
		mediaContent(media.Video, "", true),
	})
	assert.Equal(t, CodeTransportFailed, CodeOf(err))

	assert.Eventually(t, func() bool {
		return f.sender.countAction(jingle.ActionContentAccept) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestContentAddSingleRetryPerBatch(t *testing.T) {
	ctx := context.Background()
	f := newPeerFixture(t)
	f.connectOutgoing(t)

	batch := []jingle.Content{mediaContent(media.Video, jingle.SendersBoth, false)}
	require.NoError(t, f.peer.ApplyContentAdd(ctx, batch))
	require.NoError(t, f.peer.ApplyContentAdd(ctx, batch))

	assert.Eventually(t, func() bool {
		return f.sender.countAction(jingle.ActionContentAccept) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool {
		return f.sender.countAction(jingle.ActionContentAccept) > 1
	}, 400*time.Millisecond, 20*time.Millisecond)
}

func TestContentAddRetryDroppedWhenSessionEnds(t *testing.T) {
	ctx := context.Background()
	f := newPeerFixture(t)
	f.connectOutgoing(t)

	require.NoError(t, f.peer.ApplyContentAdd(ctx, []jingle.Content{mediaContent(media.Video, "", false)}))
	require.NoError(t, f.peer.Hangup(ctx, false, "", nil))

	assert.Never(t, func() bool {
		return f.sender.countAction(jingle.ActionContentAccept) > 0
	}, 400*time.Millisecond, 20*time.Millisecond)
}

func TestContentAddWithCandidatesIsAccepted(t *testing.T) {
	ctx := context.Background()
	f := newPeerFixture(t)
	f.connectOutgoing(t)
	starts := f.handler.startCount()

	video := mediaContent(media.Video, jingle.SendersInitiator, true)
	require.NoError(t, f.peer.ApplyContentAdd(ctx, []jingle.Content{video}))

	accept := f.sender.last(jingle.ActionContentAccept)
	require.NotNil(t, accept)
	assert.Equal(t, []string{"video"}, jingle.ContentNames(accept.Contents))
	assert.Equal(t, jingle.SendersInitiator, f.peer.Senders(media.Video))
	assert.Equal(t, starts+1, f.handler.startCount())
}

func TestContentAddRejectedOnInternalFailure(t *testing.T) {
	ctx := context.Background()
	f := newPeerFixture(t)
	f.connectOutgoing(t)
	f.handler.offerErr = errors.New("unsupported codec")

	err := f.peer.ApplyContentAdd(ctx, []jingle.Content{mediaContent(media.Video, "", true)})
	assert.ErrorIs(t, err, ErrNegotiationFailed)

	reject := f.sender.last(jingle.ActionContentReject)
	require.NotNil(t, reject)
	assert.Equal(t, []string{"video"}, jingle.ContentNames(reject.Contents))
	assert.Nil(t, reject.Contents[0].Description)
	assert.Zero(t, f.sender.countAction(jingle.ActionContentAccept))
	assert.Equal(t, Connected, f.peer.State())
}

func TestContentAddFirstVideoRenegotiatesConference(t *testing.T) {
	ctx := context.Background()
	f := newPeerFixture(t)
	f.connectOutgoing(t)

	call := f.peer.Call()
	call.SetConferenceFocus(true)
	call.SetRTPTranslation(media.Video, true)

	// Второй участник того же звонка без видео content.
	other := newPeerFixture(t, func(p *PeerParams) { p.Call = call })
	other.handler.videoAvailable = true
	other.connectOutgoing(t)

	f.handler.onStart = func() { f.handler.setStreaming(media.Video, true) }
	require.NoError(t, f.peer.ApplyContentAdd(ctx, []jingle.Content{mediaContent(media.Video, "", true)}))

	assert.Equal(t, 1, other.sender.countAction(jingle.ActionContentAdd))
}

func TestApplyContentAccept(t *testing.T) {
	ctx := context.Background()

	t.Run("ok", func(t *testing.T) {
		f := newPeerFixture(t)
		f.connectOutgoing(t)
		require.NoError(t, f.peer.ApplyContentAccept(ctx, []jingle.Content{mediaContent(media.Video, jingle.SendersResponder, true)}))
		assert.Equal(t, jingle.SendersResponder, f.peer.Senders(media.Video))
		assert.Equal(t, 2, f.handler.startCount())
	})

	t.Run("failure terminates", func(t *testing.T) {
		f := newPeerFixture(t)
		f.connectOutgoing(t)
		f.handler.acceptErr = errors.New("bad answer")

		err := f.peer.ApplyContentAccept(ctx, []jingle.Content{mediaContent(media.Video, "", true)})
		assert.ErrorIs(t, err, ErrNegotiationFailed)
		assert.Equal(t, Failed, f.peer.State())
		terminate := f.sender.last(jingle.ActionSessionTerminate)
		require.NotNil(t, terminate)
		assert.Equal(t, jingle.ReasonIncompatibleParameters, terminate.Reason.Condition)
	})
}

func TestApplyContentModify(t *testing.T) {
	ctx := context.Background()
	f := newPeerFixture(t)
	f.connectOutgoing(t)

	c := audioContent(jingle.SendersInitiator, false)
	require.NoError(t, f.peer.ApplyContentModify(ctx, c))
	assert.Equal(t, jingle.SendersInitiator, f.peer.Senders(media.Audio))
	assert.Equal(t, []string{"audio"}, f.handler.reinitialized())
	assert.Equal(t, ContentModified, f.peer.Contents()[0].State)
}

func TestApplyContentReject(t *testing.T) {
	ctx := context.Background()

	t.Run("empty reject is fatal", func(t *testing.T) {
		f := newPeerFixture(t)
		f.connectOutgoing(t)

		err := f.peer.ApplyContentReject(ctx, nil)
		assert.ErrorIs(t, err, ErrNegotiationFailed)
		assert.Equal(t, Failed, f.peer.State())
		terminate := f.sender.last(jingle.ActionSessionTerminate)
		require.NotNil(t, terminate)
		assert.Equal(t, jingle.ReasonIncompatibleParameters, terminate.Reason.Condition)
	})

	t.Run("named reject drops content", func(t *testing.T) {
		f := newPeerFixture(t)
		f.connectOutgoing(t)
		f.handler.videoAvailable = true
		f.handler.setStreaming(media.Video, true)

		changed, err := f.peer.SendModifyVideoContent(ctx)
		require.NoError(t, err)
		require.True(t, changed)

		require.NoError(t, f.peer.ApplyContentReject(ctx, []jingle.Content{{Creator: jingle.CreatorInitiator, Name: "video"}}))
		assert.Equal(t, Connected, f.peer.State())
		assert.Equal(t, jingle.SendersNone, f.peer.Senders(media.Video))
		assert.Len(t, f.peer.Contents(), 1)
	})
}

func TestApplyContentRemove(t *testing.T) {
	ctx := context.Background()
	f := newPeerFixture(t)
	f.connectOutgoing(t)
	require.NoError(t, f.peer.ApplyContentAdd(ctx, []jingle.Content{mediaContent(media.Video, "", true)}))
	require.Len(t, f.peer.Contents(), 2)

	require.NoError(t, f.peer.ApplyContentRemove(ctx, []jingle.Content{{Creator: jingle.CreatorInitiator, Name: "video"}}))
	assert.Equal(t, jingle.SendersNone, f.peer.Senders(media.Video))
	assert.Contains(t, f.handler.removed, "video")
	assert.Len(t, f.peer.Contents(), 1)
	assert.Equal(t, Connected, f.peer.State())
}

func TestSendModifyVideoContent(t *testing.T) {
	ctx := context.Background()

	// withVideo добавляет принятый видео content.
	withVideo := func(t *testing.T, f *peerFixture, senders jingle.Senders) {
		t.Helper()
		require.NoError(t, f.peer.ApplyContentAccept(ctx, []jingle.Content{mediaContent(media.Video, senders, true)}))
	}

	cases := []struct {
		name      string
		prepare   func(t *testing.T, f *peerFixture)
		changed   bool
		action    jingle.Action
		senders   jingle.Senders
		reinitted bool
	}{
		{
			name: "no content inactive",
			prepare: func(t *testing.T, f *peerFixture) {
				f.peer.setSenders(media.Video, jingle.SendersNone)
			},
		},
		{
			name: "video added mid-call",
			prepare: func(t *testing.T, f *peerFixture) {
				f.handler.videoAvailable = true
				f.handler.setStreaming(media.Video, true)
			},
			changed: true,
			action:  jingle.ActionContentAdd,
			senders: jingle.SendersBoth,
		},
		{
			name: "existing content inactive",
			prepare: func(t *testing.T, f *peerFixture) {
				withVideo(t, f, jingle.SendersNone)
			},
			changed: true,
			action:  jingle.ActionContentRemove,
			senders: jingle.SendersNone,
		},
		{
			name: "existing content senders differ",
			prepare: func(t *testing.T, f *peerFixture) {
				withVideo(t, f, jingle.SendersBoth)
			},
			changed:   true,
			action:    jingle.ActionContentModify,
			senders:   jingle.SendersResponder,
			reinitted: true,
		},
		{
			name: "existing content unchanged",
			prepare: func(t *testing.T, f *peerFixture) {
				withVideo(t, f, jingle.SendersBoth)
				f.handler.setStreaming(media.Video, true)
			},
			senders:   jingle.SendersBoth,
			reinitted: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newPeerFixture(t)
			f.connectOutgoing(t)
			tc.prepare(t, f)
			before := len(f.sender.all())

			changed, err := f.peer.SendModifyVideoContent(ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.changed, changed)

			sent := f.sender.all()[before:]
			if tc.action == "" {
				assert.Empty(t, sent)
			} else {
				require.Len(t, sent, 1)
				assert.Equal(t, tc.action, sent[0].Action)
			}
			if tc.senders != "" {
				assert.Equal(t, tc.senders, f.peer.Senders(media.Video))
			}
			assert.Equal(t, tc.reinitted, assert.ObjectsAreEqual([]string{"video"}, f.handler.reinitialized()))
		})
	}
}

func TestSendModifyVideoContentRequiresConnected(t *testing.T) {
	f := newPeerFixture(t)
	require.NoError(t, f.peer.Initiate(context.Background(), "sid-1"))
	f.handler.videoAvailable = true
	f.handler.setStreaming(media.Video, true)

	changed, err := f.peer.SendModifyVideoContent(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Zero(t, f.sender.countAction(jingle.ActionContentAdd))
}

func TestContentStateMachine(t *testing.T) {
	cm := newContentFSM()
	assert.Equal(t, ContentNone, cm.Current())

	ctx := context.Background()
	require.NoError(t, cm.Event(ctx, "propose"))
	require.NoError(t, cm.Event(ctx, "accept"))
	assert.Equal(t, ContentActive, cm.Current())
	require.NoError(t, cm.Event(ctx, "modify"))
	require.NoError(t, cm.Event(ctx, "remove"))
	assert.Equal(t, ContentRemoved, cm.Current())

	assert.Error(t, cm.Event(ctx, "accept"))
}
