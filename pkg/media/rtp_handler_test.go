package media

import (
	"context"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/jingle_phone/pkg/jingle"
	"github.com/arzzra/jingle_phone/pkg/rtp"
)

func newTestHandler(t *testing.T, video bool) *RTPHandler {
	t.Helper()
	cfg := DefaultRTPHandlerConfig()
	cfg.Video = video
	h := NewRTPHandler(cfg)
	t.Cleanup(func() { h.Close() })
	return h
}

// negotiate проводит offer/answer между двумя обработчиками и запускает оба.
func negotiate(t *testing.T, caller, callee *RTPHandler) {
	t.Helper()
	ctx := context.Background()

	offer, err := caller.CreateContentList(ctx)
	require.NoError(t, err)
	require.NoError(t, callee.ProcessOffer(ctx, offer))
	require.NoError(t, callee.TransportManager().WrapupConnectivityEstablishment(ctx))
	answer, err := callee.GenerateSessionAccept(ctx)
	require.NoError(t, err)
	require.NoError(t, callee.Start(ctx))

	require.NoError(t, caller.TransportManager().WrapupConnectivityEstablishment(ctx))
	require.NoError(t, caller.ProcessSessionAcceptContent(ctx, answer))
	require.NoError(t, caller.Start(ctx))
}

func sendAndReceive(t *testing.T, from, to *RTPHandler, mt Type, seq uint16) {
	t.Helper()
	out, err := from.Connector(mt).DataOutputStream(false)
	require.NoError(t, err)
	in, err := to.Connector(mt).DataInputStream(false)
	require.NoError(t, err)

	pkt := &pionrtp.Packet{
		Header:  pionrtp.Header{Version: 2, PayloadType: PayloadTypePCMU, SequenceNumber: seq, SSRC: 42},
		Payload: []byte{0xde, 0xad},
	}
	require.NoError(t, rtp.WriteRTP(out, pkt))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, _, err := rtp.ReadRTP(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, seq, got.SequenceNumber)
	assert.Equal(t, pkt.Payload, got.Payload)
}

func TestRTPHandlerOfferAnswer(t *testing.T) {
	caller := newTestHandler(t, false)
	callee := newTestHandler(t, false)
	negotiate(t, caller, callee)

	local := caller.LocalContent(Audio)
	require.NotNil(t, local)
	assert.Equal(t, jingle.CreatorInitiator, local.Creator)
	require.Len(t, local.Transport.Candidates, 1)
	assert.Equal(t, "127.0.0.1", local.Transport.Candidates[0].IP)

	remote := callee.RemoteContent(Audio)
	require.NotNil(t, remote)
	assert.Equal(t, local.Transport.Candidates, remote.Transport.Candidates)

	sendAndReceive(t, caller, callee, Audio, 1)
	sendAndReceive(t, callee, caller, Audio, 2)

	assert.Nil(t, caller.Stream(Video))
	assert.NotNil(t, caller.Stream(Audio))
}

func TestRTPHandlerRejectsOffer(t *testing.T) {
	ctx := context.Background()
	h := newTestHandler(t, false)

	tests := []struct {
		name    string
		content jingle.Content
	}{
		{"видео выключено", jingle.Content{Name: "video", Description: &jingle.Description{Media: "video",
			PayloadTypes: []jingle.PayloadType{{ID: 100, Name: "VP8", ClockRate: 90000}}}}},
		{"нет общих кодеков", jingle.Content{Name: "audio", Description: &jingle.Description{Media: "audio",
			PayloadTypes: []jingle.PayloadType{{ID: 111, Name: "opus", ClockRate: 48000}}}}},
		{"неизвестный тип", jingle.Content{Name: "data", Description: &jingle.Description{Media: "application"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.ProcessOffer(ctx, []jingle.Content{tt.content})
			assert.ErrorIs(t, err, &Error{Code: ErrorCodeOfferRejected})
		})
	}

	_, err := h.GenerateSessionAccept(ctx)
	assert.ErrorIs(t, err, &Error{Code: ErrorCodeAnswerFailed})
	assert.Nil(t, h.LocalContent(Audio), "отклоненное предложение не открывает сокеты")
}

func TestRTPHandlerCodecIntersection(t *testing.T) {
	ctx := context.Background()
	h := newTestHandler(t, false)

	offer := []jingle.Content{{
		Creator: jingle.CreatorInitiator,
		Name:    "audio",
		Description: &jingle.Description{Media: "audio", PayloadTypes: []jingle.PayloadType{
			{ID: 111, Name: "opus", ClockRate: 48000, Channels: 2},
			{ID: 8, Name: "PCMA", ClockRate: 8000},
			{ID: 0},
		}},
	}}
	require.NoError(t, h.ProcessOffer(ctx, offer))
	answer, err := h.GenerateSessionAccept(ctx)
	require.NoError(t, err)
	require.Len(t, answer, 1)
	assert.Equal(t, []jingle.PayloadType{{ID: 8, Name: "PCMA", ClockRate: 8000}, {ID: 0}},
		answer[0].Description.PayloadTypes)
	assert.Equal(t, jingle.CreatorInitiator, answer[0].Creator)
}

func TestRTPHandlerVideoAvailability(t *testing.T) {
	ctx := context.Background()

	audioOnly := newTestHandler(t, false)
	c, err := audioOnly.CreateContentForMedia(ctx, Video)
	require.NoError(t, err)
	assert.Nil(t, c)

	withVideo := newTestHandler(t, true)
	c, err = withVideo.CreateContentForMedia(ctx, Video)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "video", c.Name)
	assert.Equal(t, jingle.CreatorResponder, c.Creator)
	assert.False(t, withVideo.LocalStreaming(Video))

	withVideo.SetLocalStreaming(Video, true)
	assert.True(t, withVideo.LocalStreaming(Video))
}

func TestRTPHandlerHoldMasksDirection(t *testing.T) {
	caller := newTestHandler(t, false)
	callee := newTestHandler(t, false)
	negotiate(t, caller, callee)

	stream := caller.Stream(Audio)
	require.NotNil(t, stream)
	stream.SetDirection(rtp.DirectionSendRecv)

	caller.SetLocallyOnHold(true)
	assert.False(t, caller.LocalStreaming(Audio))
	assert.Equal(t, rtp.DirectionRecvOnly, stream.Direction())

	caller.SetRemotelyOnHold(true)
	assert.Equal(t, rtp.DirectionInactive, stream.Direction())

	caller.SetLocallyOnHold(false)
	caller.SetRemotelyOnHold(false)
	assert.Equal(t, rtp.DirectionSendRecv, stream.Direction())
	assert.True(t, caller.LocalStreaming(Audio))
}

func TestRTPHandlerTransportInfoRetargets(t *testing.T) {
	ctx := context.Background()
	caller := newTestHandler(t, false)
	callee := newTestHandler(t, false)
	negotiate(t, caller, callee)

	other := newTestHandler(t, false)
	offer, err := other.CreateContentList(ctx)
	require.NoError(t, err)
	better := offer[0].Transport.Candidates[0]
	better.Priority = hostCandidatePriority + 1

	info := []jingle.Content{{Name: "audio", Transport: &jingle.Transport{Candidates: []jingle.Candidate{better}}}}
	require.NoError(t, caller.TransportManager().ProcessTransportInfo(ctx, info))
	assert.Len(t, caller.RemoteContent(Audio).Transport.Candidates, 2)

	require.NoError(t, caller.TransportManager().ProcessTransportInfo(ctx, info), "повтор не дублирует кандидатов")
	assert.Len(t, caller.RemoteContent(Audio).Transport.Candidates, 2)

	err = caller.TransportManager().ProcessTransportInfo(ctx, []jingle.Content{{Name: "screen"}})
	assert.True(t, IsTransportError(err))
}

func TestRTPHandlerSources(t *testing.T) {
	caller := newTestHandler(t, false)
	callee := newTestHandler(t, false)
	negotiate(t, caller, callee)

	add := []jingle.Content{{Name: "audio", Description: &jingle.Description{Media: "audio",
		Sources: []jingle.Source{{SSRC: "1"}, {SSRC: "2"}}}}}
	require.NoError(t, caller.ProcessSourceAdd(add))
	require.NoError(t, caller.ProcessSourceAdd(add))
	assert.Equal(t, []jingle.Source{{SSRC: "1"}, {SSRC: "2"}}, caller.RemoteContent(Audio).Description.Sources)

	remove := []jingle.Content{{Name: "audio", Description: &jingle.Description{Media: "audio",
		Sources: []jingle.Source{{SSRC: "1"}}}}}
	require.NoError(t, caller.ProcessSourceRemove(remove))
	assert.Equal(t, []jingle.Source{{SSRC: "2"}}, caller.RemoteContent(Audio).Description.Sources)

	err := caller.ProcessSourceAdd([]jingle.Content{{Name: "video", Description: &jingle.Description{Media: "video"}}})
	assert.ErrorIs(t, err, &Error{Code: ErrorCodeContentUnknown})
}

func TestRTPHandlerRemoveAndClose(t *testing.T) {
	ctx := context.Background()
	caller := newTestHandler(t, false)
	callee := newTestHandler(t, false)
	negotiate(t, caller, callee)

	connector := caller.Connector(Audio)
	require.NotNil(t, connector)
	caller.RemoveContent("audio")
	assert.Nil(t, caller.Stream(Audio))
	_, err := connector.DataInputStream(true)
	assert.ErrorIs(t, err, rtp.ErrConnectorClosed)

	err = caller.ReinitContent("audio", nil, false)
	assert.ErrorIs(t, err, &Error{Code: ErrorCodeContentUnknown})

	require.NoError(t, callee.TransportManager().Close())
	require.NoError(t, callee.Close())
	assert.Error(t, callee.Start(ctx))
	assert.True(t, IsTransportError(callee.TransportManager().WrapupConnectivityEstablishment(ctx)))
}

func TestDescribeContents(t *testing.T) {
	caller := newTestHandler(t, false)
	callee := newTestHandler(t, false)
	negotiate(t, caller, callee)
	caller.Stream(Audio).SetDirection(rtp.DirectionSendOnly)

	desc := caller.SessionDescription()
	require.Len(t, desc.MediaDescriptions, 1)
	md := desc.MediaDescriptions[0]
	assert.Equal(t, "audio", md.MediaName.Media)
	assert.Equal(t, []string{"0", "8", "9", "101"}, md.MediaName.Formats)
	assert.Equal(t, "127.0.0.1", md.ConnectionInformation.Address.Address)

	_, ok := md.Attribute("sendonly")
	assert.True(t, ok)
	mid, _ := md.Attribute("mid")
	assert.Equal(t, "audio", mid)

	raw, err := desc.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(raw), "a=rtpmap:101 telephone-event/8000")
}
