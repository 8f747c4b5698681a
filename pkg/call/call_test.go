package call

import (
	"context"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"

	"github.com/arzzra/jingle_phone/pkg/jingle"
	"github.com/arzzra/jingle_phone/pkg/media"
	"github.com/arzzra/jingle_phone/pkg/rtp"
)

func TestCallPeersOrderAndRemoval(t *testing.T) {
	call := NewCall(discardLogger())
	first := newPeerFixture(t, func(p *PeerParams) { p.Call = call })
	second := newPeerFixture(t, func(p *PeerParams) {
		p.Call = call
		p.Address = jingle.AddressOf(jid.MustParse("carol@example.com/mobile"))
	})

	assert.Equal(t, []*Peer{first.peer, second.peer}, call.Peers())

	call.AddPeer(first.peer)
	assert.Len(t, call.Peers(), 2)

	require.NoError(t, first.peer.Hangup(context.Background(), false, "", nil))
	assert.Equal(t, []*Peer{second.peer}, call.Peers())
}

func TestCallStateListener(t *testing.T) {
	call := NewCall(discardLogger())
	var seen []PeerState
	call.OnPeerStateChange(func(p *Peer, from, to PeerState, reason string) {
		seen = append(seen, to)
	})

	f := newPeerFixture(t, func(p *PeerParams) { p.Call = call })
	f.connectOutgoing(t)

	assert.Equal(t, []PeerState{Initiating, ConnectingOutgoing, Connected}, seen)
}

func TestCallSiblingsSnapshot(t *testing.T) {
	call := NewCall(discardLogger())
	a := newPeerFixture(t, func(p *PeerParams) { p.Call = call })
	b := newPeerFixture(t, func(p *PeerParams) {
		p.Call = call
		p.Address = jingle.AddressOf(jid.MustParse("carol@example.com/mobile"))
	})
	c := newPeerFixture(t, func(p *PeerParams) {
		p.Call = call
		p.Address = jingle.AddressOf(jid.MustParse("dave@example.com/tablet"))
	})
	b.peer.setSenders(media.Video, jingle.SendersNone)
	c.peer.setSenders(media.Video, jingle.SendersResponder)

	got := slices.Collect(call.siblings(a.peer, media.Video))
	assert.Equal(t, []media.PeerSenders{
		{Senders: jingle.SendersNone, IsInitiator: false},
		{Senders: jingle.SendersResponder, IsInitiator: false},
	}, got)
}

func TestConferenceFocusDirection(t *testing.T) {
	call := NewCall(discardLogger())
	call.SetConferenceFocus(true)

	a := newPeerFixture(t, func(p *PeerParams) { p.Call = call })
	b := newPeerFixture(t, func(p *PeerParams) {
		p.Call = call
		p.Address = jingle.AddressOf(jid.MustParse("carol@example.com/mobile"))
	})

	// Локально видео не передается, a видео не присылает.
	a.peer.setSenders(media.Video, jingle.SendersNone)
	b.peer.setSenders(media.Video, jingle.SendersNone)
	assert.Equal(t, rtp.DirectionInactive, a.peer.Direction(media.Video))

	// b присылает видео, фокус пересылает его a.
	b.peer.setSenders(media.Video, jingle.SendersBoth)
	assert.Equal(t, rtp.DirectionSendOnly, a.peer.Direction(media.Video))

	call.SetConferenceFocus(false)
	assert.Equal(t, rtp.DirectionInactive, a.peer.Direction(media.Video))
}

func TestCallRTPTranslation(t *testing.T) {
	call := NewCall(nil)
	assert.False(t, call.IsRTPTranslationEnabled(media.Video))
	call.SetRTPTranslation(media.Video, true)
	assert.True(t, call.IsRTPTranslationEnabled(media.Video))
	assert.False(t, call.IsRTPTranslationEnabled(media.Audio))
}

func TestCallModifyVideoContentSkipsUnestablished(t *testing.T) {
	ctx := context.Background()
	call := NewCall(discardLogger())
	connected := newPeerFixture(t, func(p *PeerParams) { p.Call = call })
	connected.handler.videoAvailable = true
	connected.connectOutgoing(t)

	ringing := newPeerFixture(t, func(p *PeerParams) {
		p.Call = call
		p.Address = jingle.AddressOf(jid.MustParse("carol@example.com/mobile"))
	})
	ringing.handler.videoAvailable = true
	require.NoError(t, ringing.peer.Initiate(ctx, "sid-2"))

	require.NoError(t, call.ModifyVideoContent(ctx))
	assert.Equal(t, 1, connected.sender.countAction(jingle.ActionContentAdd))
	assert.Zero(t, ringing.sender.countAction(jingle.ActionContentAdd))
}

func TestCallModifyVideoContentReturnsError(t *testing.T) {
	ctx := context.Background()
	call := NewCall(discardLogger())
	f := newPeerFixture(t, func(p *PeerParams) { p.Call = call })
	f.handler.videoAvailable = true
	f.connectOutgoing(t)
	f.sender.setSendErr(assert.AnError)

	err := call.ModifyVideoContent(ctx)
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.ErrorIs(t, err, assert.AnError)
}
