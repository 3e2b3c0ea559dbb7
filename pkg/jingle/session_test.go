package jingle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/arzzra/jingle_phone/pkg/bridge"
)

func TestIncomingInitiateRejected(t *testing.T) {
	tests := []struct {
		name    string
		content func() *Content
	}{
		{
			name: "raw-udp кандидат без generation",
			content: func() *Content {
				c := remoteAudio("a", ContentRawUDP, RoleInitiator)
				c.Remote.Candidates[0].Generation = GenerationAbsent
				return c
			},
		},
		{
			name: "ice кандидат без типа",
			content: func() *Content {
				c := remoteAudio("a", ContentICEUDP, RoleInitiator)
				c.Remote.Candidates[0].Type = ""
				return c
			},
		},
		{
			name: "raw-udp без кандидата",
			content: func() *Content {
				c := remoteAudio("a", ContentRawUDP, RoleInitiator)
				c.Remote.Candidates = nil
				return c
			},
		},
		{
			name: "только early-session",
			content: func() *Content {
				c := remoteAudio("a", ContentRawUDP, RoleInitiator)
				c.Disposition = DispositionEarlyMedia
				return c
			},
		},
		{
			name: "неверный создатель",
			content: func() *Content {
				return remoteAudio("a", ContentRawUDP, RoleResponder)
			},
		},
		{
			name: "нет общих кодеков",
			content: func() *Content {
				c := remoteAudio("a", ContentRawUDP, RoleInitiator)
				c.Media = MediaList{Codecs: []MediaDescriptor{{ID: 120, Name: "opus", ClockRate: 48000}}}
				return c
			},
		},
		{
			name: "неизвестный тип",
			content: func() *Content {
				c := remoteAudio("a", ContentRawUDP, RoleInitiator)
				c.Type = ContentUnknown
				return c
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			ev := initiateEvent("sid-a", tt.content())

			err := env.engine.HandleEvent(context.Background(), ev)
			require.Error(t, err)
			assert.Equal(t, ErrorCategoryValidation, GetErrorCategory(err))

			_, ok := env.engine.Find("sid-a")
			assert.False(t, ok, "сессия не регистрируется")
			assert.Zero(t, env.engine.Count())

			rec, ok := env.sig.confirmation(ev.ID)
			require.True(t, ok)
			require.NotNil(t, rec.err)
			assert.Equal(t, stanza.BadRequest, rec.err.Condition)
			assert.Equal(t, stanza.Modify, rec.err.Type)

			incoming, _, _ := env.app.counts()
			assert.Zero(t, incoming)
			assert.Empty(t, env.app.hangupReasons())
			assert.Empty(t, env.sig.actions())
		})
	}
}

func TestIncomingInitiate(t *testing.T) {
	env := newTestEnv(t, nil)
	file := &Content{
		Name:    "file",
		Type:    ContentFileOffer,
		Creator: RoleInitiator,
		File:    &FileInfo{Name: "a.txt", Size: 3},
	}
	ev := initiateEvent("sid-in", remoteAudio("audio", ContentRawUDP, RoleInitiator), file)
	ev.Subject = "привет"

	require.NoError(t, env.engine.HandleEvent(context.Background(), ev))
	s, ok := env.engine.Find("sid-in")
	require.True(t, ok)

	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, RoleResponder, s.Role())
	assert.False(t, s.Outgoing())
	assert.Equal(t, "привет", s.Subject())
	assert.True(t, s.Local().Equal(alice))
	assert.True(t, s.Remote().Equal(bob))
	require.Len(t, s.Contents(), 1)
	assert.Equal(t, "audio", s.Contents()[0].Name)
	assert.Equal(t, []string{"mulaw", "alaw"}, s.Contents()[0].Media.Formats())

	rec, ok := env.sig.confirmation(ev.ID)
	require.True(t, ok)
	assert.Nil(t, rec.err)

	// file content в аудио вызове отклоняется
	out, ok := env.sig.last(ActContentRemove)
	require.True(t, ok)
	require.Len(t, out.Contents, 1)
	assert.Equal(t, "file", out.Contents[0].Name)
	assert.True(t, out.Initiator.Equal(bob))

	incoming, _, _ := env.app.counts()
	assert.Equal(t, 1, incoming)
	assert.Equal(t, 1, env.engine.Count())
}

func TestUnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ev := &Event{ID: "x1", SID: "nope", Action: ActInfo, From: bob, To: alice}

	err := env.engine.HandleEvent(context.Background(), ev)
	require.Error(t, err)
	rec, ok := env.sig.confirmation("x1")
	require.True(t, ok)
	assert.Equal(t, stanza.ItemNotFound, rec.err.Condition)

	// ответ на неизвестный запрос не подтверждается
	err = env.engine.HandleEvent(context.Background(), &Event{ID: "x2", SID: "nope", Action: ActResult})
	require.Error(t, err)
	assert.Zero(t, env.sig.confirmCount("x2"))

	err = env.engine.HandleEvent(context.Background(), &Event{ID: "x3", Action: ActInitiate})
	require.Error(t, err)
	rec, ok = env.sig.confirmation("x3")
	require.True(t, ok)
	assert.Equal(t, stanza.BadRequest, rec.err.Condition)
}

func TestAnswer(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.answeredIncoming(t, "sid-ans")

	require.Equal(t, 1, env.br.startCount())
	req := env.br.lastStart()
	assert.Equal(t, "192.0.2.10", req.RemoteAddr)
	assert.Equal(t, 4000, req.RemotePort)
	assert.Equal(t, uint8(0), req.PayloadType)
	assert.Equal(t, "PCMU", req.Codec)
	assert.Equal(t, uint8(TelephoneEventPayload), req.DTMFPayloadType)
	assert.Equal(t, bridge.DirectionSendRecv, req.Direction)
	assert.Nil(t, req.SRTP)

	assert.Equal(t, []Action{ActTrying, ActAccept}, env.sig.actions())
	accept, _ := env.sig.last(ActAccept)
	require.Len(t, accept.Contents, 1)
	local := accept.Contents[0].Local.Find(ComponentRTP)
	require.NotNil(t, local)
	assert.Equal(t, req.LocalPort, local.Port)
	assert.Equal(t, "host", local.Type)

	cur := s.CurrentContent()
	require.NotNil(t, cur)
	assert.Equal(t, "sid-ans-audio", cur.Name)

	// повторный ответ ничего не отправляет
	require.NoError(t, s.Answer(context.Background()))
	assert.Equal(t, 1, env.sig.count(ActAccept))
}

func TestAnswerOutgoingDenied(t *testing.T) {
	env := newTestEnv(t, nil)
	s, err := env.engine.Call(context.Background(), CallParams{From: alice, To: bob})
	require.NoError(t, err)

	err = s.Answer(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrorCategoryState, GetErrorCategory(err))
}

func TestHangup(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.answeredIncoming(t, "sid-h")

	s.Hangup(context.Background(), "")
	s.Hangup(context.Background(), ReasonBusy)

	assert.Equal(t, []string{ReasonHangup}, env.app.hangupReasons())
	assert.Equal(t, 1, env.sig.count(ActTerminate))
	out, _ := env.sig.last(ActTerminate)
	assert.Equal(t, "success", out.Reason)
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, ReasonHangup, s.Reason())
	assert.Zero(t, env.br.activeCount())
	assert.Zero(t, env.engine.Count())

	// события завершенной сессии отклоняются
	err := env.engine.HandleEvent(context.Background(), &Event{ID: "late", SID: "sid-h", Action: ActHold})
	require.Error(t, err)
}

func TestRemoteTerminate(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.answeredIncoming(t, "sid-rt")

	ev := env.request(t, "sid-rt", "t1", ActTerminate, func(ev *Event) { ev.Reason = "busy" })
	rec, ok := env.sig.confirmation(ev.ID)
	require.True(t, ok)
	assert.Nil(t, rec.err)

	assert.Equal(t, []string{ReasonBusy}, env.app.hangupReasons())
	assert.Zero(t, env.sig.count(ActTerminate), "terminate в ответ не отправляется")
	assert.Equal(t, StateTerminated, s.State())
}

func TestOutgoingCall(t *testing.T) {
	env := newTestEnv(t, nil)
	s, err := env.engine.Call(context.Background(), CallParams{From: alice, To: bob, Subject: "тема"})
	require.NoError(t, err)

	assert.Equal(t, StateActive, s.State())
	assert.Equal(t, RoleInitiator, s.Role())
	init, ok := env.sig.last(ActInitiate)
	require.True(t, ok)
	assert.Equal(t, "тема", init.Subject)
	assert.True(t, init.Initiator.Equal(alice))
	assert.Equal(t, s.SID(), init.SID)
	require.Len(t, init.Contents, 2)
	assert.Equal(t, ContentRawUDP, init.Contents[0].Type)
	assert.Equal(t, ContentICEUDP, init.Contents[1].Type)
	assert.NotNil(t, init.Contents[0].Local.Find(ComponentRTP), "raw-udp предлагается с кандидатом")
	assert.Nil(t, init.Contents[1].Local.Find(ComponentRTP))
	assert.NotEmpty(t, init.Contents[1].Local.Ufrag)

	// ringing уведомляет приложение один раз
	env.request(t, s.SID(), "r1", ActRinging, nil)
	env.request(t, s.SID(), "r2", ActRinging, nil)
	_, ringing, _ := env.app.counts()
	assert.Equal(t, 1, ringing)

	rc := remoteAudio(init.Contents[0].Name, ContentRawUDP, RoleInitiator)
	rc.Media = UsedCodecs([]string{"alaw"})
	env.request(t, s.SID(), "acc", ActAccept, func(ev *Event) { ev.Contents = []*Content{rc} })

	assert.True(t, s.Answered())
	_, _, answered := env.app.counts()
	assert.Equal(t, 1, answered)
	cur := s.CurrentContent()
	require.NotNil(t, cur)
	assert.Equal(t, rc.Name, cur.Name)
	assert.Equal(t, []string{"alaw"}, s.CurrentContent().Media.Formats())
	assert.Equal(t, "PCMA", env.br.lastStart().Codec)
	assert.Equal(t, 1, env.br.activeCount())
}

func TestOutgoingCallFormats(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Codecs = []string{"mulaw", "alaw"} })

	_, err := env.engine.Call(context.Background(), CallParams{From: alice, To: bob, Formats: []string{"g729"}})
	require.Error(t, err)
	assert.Zero(t, env.engine.Count())

	s, err := env.engine.Call(context.Background(), CallParams{From: alice, To: bob, Formats: []string{"alaw"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"alaw"}, s.Formats())
}

// sdpAudio описание сессии с одной аудио секцией
func sdpAudio(formats string, attrs ...string) string {
	raw := "v=0\r\n" +
		"o=- 1 1 IN IP4 192.0.2.1\r\n" +
		"s=-\r\n" +
		"c=IN IP4 192.0.2.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 4000 RTP/AVP " + formats + "\r\n"
	for _, a := range attrs {
		raw += "a=" + a + "\r\n"
	}
	return raw
}

func TestOutgoingCallSDP(t *testing.T) {
	tests := []struct {
		name        string
		sdp         string
		wantFormats []string
		wantTel     uint8
		wantErr     bool
	}{
		{
			name:        "только PCMA",
			sdp:         sdpAudio("8 96", "rtpmap:96 telephone-event/8000"),
			wantFormats: []string{"alaw"},
			wantTel:     96,
		},
		{
			name:        "порядок из конфигурации",
			sdp:         sdpAudio("8 0"),
			wantFormats: []string{"mulaw", "alaw"},
		},
		{name: "нет общих кодеков", sdp: sdpAudio("3"), wantErr: true},
		{name: "некорректное SDP", sdp: "not sdp", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(c *Config) { c.Codecs = []string{"mulaw", "alaw"} })
			s, err := env.engine.Call(context.Background(), CallParams{From: alice, To: bob, SDP: tt.sdp})
			if tt.wantErr {
				require.Error(t, err)
				assert.Zero(t, env.engine.Count())
				assert.Zero(t, env.sig.count(ActInitiate))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFormats, s.Formats())

			init, ok := env.sig.last(ActInitiate)
			require.True(t, ok)
			require.NotEmpty(t, init.Contents)
			for _, c := range init.Contents {
				assert.Equal(t, tt.wantFormats, c.Media.Formats())
				assert.Equal(t, tt.wantTel, c.Media.TelEvent)
			}
		})
	}
}

func TestAnswerWithSDP(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	s := env.incomingSession(t, "sid-as", remoteAudio("a", ContentRawUDP, RoleInitiator))

	err := s.AnswerWith(ctx, MediaParams{SDP: sdpAudio("3")})
	require.Error(t, err)
	assert.False(t, s.Answered())
	assert.Zero(t, env.sig.count(ActAccept))

	require.NoError(t, s.AnswerWith(ctx, MediaParams{SDP: sdpAudio("8")}))
	assert.True(t, s.Answered())
	acc, ok := env.sig.last(ActAccept)
	require.True(t, ok)
	require.Len(t, acc.Contents, 1)
	assert.Equal(t, []string{"alaw"}, acc.Contents[0].Media.Formats())
	assert.Equal(t, "PCMA", env.br.lastStart().Codec)
}

func TestEarlyMediaWithSDP(t *testing.T) {
	env := newTestEnv(t, nil)
	early := remoteAudio("early", ContentRawUDP, RoleInitiator)
	early.Disposition = DispositionEarlyMedia
	s := env.incomingSession(t, "sid-es", remoteAudio("main", ContentRawUDP, RoleInitiator), early)

	require.NoError(t, s.EarlyMediaWith(context.Background(), MediaParams{SDP: sdpAudio("0")}))
	assert.Equal(t, "early", s.CurrentContent().Name)
	require.Len(t, env.app.progress, 1)
	assert.Equal(t, []string{"mulaw"}, env.app.progress[0])
}

// Шифрование обязательно, а наборы сторон не пересекаются
func TestOutgoingCryptoRequired(t *testing.T) {
	env := newTestEnv(t, func(c *Config) {
		c.UseCrypto = true
		c.CryptoMandatory = true
	})
	s, err := env.engine.Call(context.Background(), CallParams{From: alice, To: bob})
	require.NoError(t, err)

	init, ok := env.sig.last(ActInitiate)
	require.True(t, ok)
	for _, c := range init.Contents {
		assert.True(t, c.CryptoRequired)
		assert.NotEmpty(t, c.LocalCrypto)
		assert.NotNil(t, c.Local.Find(ComponentRTP))
	}

	rc := remoteAudio(init.Contents[0].Name, ContentRawUDP, RoleInitiator)
	rc.RemoteCrypto = []Crypto{{Tag: "1", Suite: "AES_256_CM_HMAC_SHA1_80", KeyParams: "inline:zzz"}}
	env.request(t, s.SID(), "acc", ActAccept, func(ev *Event) { ev.Contents = []*Content{rc} })

	assert.Equal(t, []string{ReasonCryptoRequired}, env.app.hangupReasons())
	assert.Equal(t, StateTerminated, s.State())
	assert.Zero(t, env.br.startCount())
	out, ok := env.sig.last(ActTerminate)
	require.True(t, ok)
	assert.Equal(t, "security-error", out.Reason)
	_, _, answered := env.app.counts()
	assert.Zero(t, answered)
}

func TestOutgoingCryptoMatched(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.UseCrypto = true })
	s, err := env.engine.Call(context.Background(), CallParams{From: alice, To: bob})
	require.NoError(t, err)

	init, _ := env.sig.last(ActInitiate)
	rc := remoteAudio(init.Contents[0].Name, ContentRawUDP, RoleInitiator)
	rc.RemoteCrypto = []Crypto{{Tag: "1", Suite: SuiteAES128SHA1_32, KeyParams: "inline:remote"}}
	env.request(t, s.SID(), "acc", ActAccept, func(ev *Event) { ev.Contents = []*Content{rc} })

	require.Empty(t, env.app.hangupReasons())
	req := env.br.lastStart()
	require.NotNil(t, req.SRTP)
	assert.Equal(t, "inline:remote", req.SRTP.Remote.KeyParams)
}

func TestCallWaitsForPresence(t *testing.T) {
	env := newTestEnv(t, nil)
	bare := bob.Bare()

	s, err := env.engine.Call(context.Background(), CallParams{From: alice, To: bare})
	require.NoError(t, err)
	assert.Equal(t, StatePending, s.State())
	assert.Equal(t, []string{bare.String()}, env.pres.tracked)
	assert.Empty(t, env.sig.actions())

	// ресурс без аудио не подходит
	env.pres.announce(alice, bare, presenceResource("desk", true, false))
	assert.Equal(t, StatePending, s.State())

	env.pres.announce(alice, bare, presenceResource("desk", true, true))
	assert.Equal(t, StateActive, s.State())
	assert.True(t, s.Remote().Equal(bob))
	init, ok := env.sig.last(ActInitiate)
	require.True(t, ok)
	assert.True(t, init.To.Equal(bob))
}

func TestCallUsesKnownResource(t *testing.T) {
	env := newTestEnv(t, nil)
	env.pres.set(bob, presenceResource("desk", true, true))

	s, err := env.engine.Call(context.Background(), CallParams{From: alice, To: bob.Bare()})
	require.NoError(t, err)
	assert.Equal(t, StateActive, s.State())
	assert.Empty(t, env.pres.tracked)
	assert.True(t, s.Remote().Equal(bob))
}

func TestPendingOfflineOnUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	s, err := env.engine.Call(context.Background(), CallParams{From: alice, To: bob.Bare()})
	require.NoError(t, err)

	env.pres.announce(alice, bob.Bare(), presenceResource("desk", false, true))
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, []string{ReasonOffline}, env.app.hangupReasons())
	assert.Zero(t, env.sig.count(ActTerminate), "initiate не отправлялся")
}

func TestActiveCallOfflineOnResourceGone(t *testing.T) {
	env := newTestEnv(t, nil)
	s, err := env.engine.Call(context.Background(), CallParams{From: alice, To: bob})
	require.NoError(t, err)

	// другой ресурс не влияет на вызов
	env.pres.announce(alice, bob.Bare(), presenceResource("mobile", false, true))
	assert.Equal(t, StateActive, s.State())

	env.pres.announce(alice, bob.Bare(), presenceResource("desk", false, true))
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, []string{ReasonOffline}, env.app.hangupReasons())
	assert.Equal(t, 1, env.sig.count(ActTerminate))
}

func TestSweepPendingTimeout(t *testing.T) {
	env := newTestEnv(t, nil)
	clock := &fakeClock{now: time0}
	env.engine.SetTimeProvider(clock)

	s, err := env.engine.Call(context.Background(), CallParams{From: alice, To: bob.Bare()})
	require.NoError(t, err)

	env.engine.Sweep(context.Background(), time0.Add(PendingTimeoutDefault/2))
	assert.Equal(t, StatePending, s.State())

	env.engine.Sweep(context.Background(), time0.Add(PendingTimeoutDefault+1))
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, []string{ReasonOffline}, env.app.hangupReasons())
	assert.Zero(t, env.engine.Count())
}

func TestSweepKeepsIncoming(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.incomingSession(t, "sid-sw", remoteAudio("a", ContentRawUDP, RoleInitiator))

	env.engine.Sweep(context.Background(), time0.Add(100*PendingTimeoutDefault))
	assert.Equal(t, StateActive, s.State())
}

// Не больше одного content текущий и не больше одного потока одновременно
func TestCurrentContentExclusive(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	s := env.incomingSession(t, "sid-ex",
		remoteAudio("a1", ContentRawUDP, RoleInitiator),
		remoteAudio("a2", ContentRawUDP, RoleInitiator))

	check := func(want string) {
		t.Helper()
		cur := s.CurrentContent()
		if want == "" {
			assert.Nil(t, cur)
		} else {
			require.NotNil(t, cur)
			assert.Equal(t, want, cur.Name)
		}
		assert.LessOrEqual(t, env.br.activeCount(), 1)
	}

	require.NoError(t, s.Answer(ctx))
	check("a1")

	env.request(t, "sid-ex", "rm", ActContentRemove, func(ev *Event) {
		ev.Contents = []*Content{{Name: "a1"}}
	})
	check("a2")

	env.request(t, "sid-ex", "add", ActContentAdd, func(ev *Event) {
		ev.Contents = []*Content{remoteAudio("a3", ContentRawUDP, RoleInitiator)}
	})
	check("a2")
	assert.Len(t, s.Contents(), 2)

	require.NoError(t, s.Hold(ctx))
	check("")
	hold, _ := env.sig.last(ActHold)
	env.respond(t, "sid-ex", hold.ID, false)
	require.NoError(t, s.Active(ctx))
	active, _ := env.sig.last(ActActive)
	env.respond(t, "sid-ex", active.ID, false)
	check("a2")

	assert.Equal(t, 1, env.br.maxActive)
}

func TestContentRemoveLast(t *testing.T) {
	env := newTestEnv(t, nil)
	env.answeredIncoming(t, "sid-rl")

	env.request(t, "sid-rl", "rm", ActContentRemove, func(ev *Event) {
		ev.Contents = []*Content{{Name: "sid-rl-audio"}}
	})
	assert.Equal(t, []string{ReasonNoMedia}, env.app.hangupReasons())
	out, ok := env.sig.last(ActTerminate)
	require.True(t, ok)
	assert.Equal(t, "media-error", out.Reason)
}

func TestContentAdd(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.answeredIncoming(t, "sid-ca")

	bad := remoteAudio("bad", ContentRawUDP, RoleInitiator)
	bad.Remote.Candidates = nil
	ev := env.request(t, "sid-ca", "add", ActContentAdd, func(ev *Event) {
		ev.Contents = []*Content{remoteAudio("extra", ContentRawUDP, RoleInitiator), bad}
	})
	rec, _ := env.sig.confirmation(ev.ID)
	assert.Nil(t, rec.err)

	remove, ok := env.sig.last(ActContentRemove)
	require.True(t, ok)
	require.Len(t, remove.Contents, 1)
	assert.Equal(t, "bad", remove.Contents[0].Name)

	accept, ok := env.sig.last(ActContentAccept)
	require.True(t, ok)
	require.Len(t, accept.Contents, 1)
	assert.Equal(t, "extra", accept.Contents[0].Name)
	assert.NotNil(t, accept.Contents[0].Local.Find(ComponentRTP))
	assert.Len(t, s.Contents(), 2)

	// повтор имени отклоняет действие целиком
	dup := env.request(t, "sid-ca", "dup", ActContentAdd, func(ev *Event) {
		ev.Contents = []*Content{remoteAudio("extra", ContentRawUDP, RoleInitiator)}
	})
	rec, _ = env.sig.confirmation(dup.ID)
	require.NotNil(t, rec.err)
	assert.Equal(t, stanza.Conflict, rec.err.Condition)
	assert.Len(t, s.Contents(), 2)
}

func TestContentModifyNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.answeredIncoming(t, "sid-cm")

	ev := env.request(t, "sid-cm", "mod", ActContentModify, nil)
	rec, _ := env.sig.confirmation(ev.ID)
	require.NotNil(t, rec.err)
	assert.Equal(t, stanza.NotAllowed, rec.err.Condition)
	assert.Equal(t, StateActive, s.State())

	ev = env.request(t, "sid-cm", "unk", Action("description-info"), nil)
	rec, _ = env.sig.confirmation(ev.ID)
	require.NotNil(t, rec.err)
	assert.Equal(t, stanza.FeatureNotImplemented, rec.err.Condition)
	assert.Equal(t, 1, env.sig.confirmCount(ev.ID))
}

func TestTransportInfo(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.answeredIncoming(t, "sid-ti")
	name := "sid-ti-audio"

	newer := rawCandidate("r2", ComponentRTP, 1)
	newer.Port = 5000
	env.request(t, "sid-ti", "ti1", ActTransportInfo, func(ev *Event) {
		ev.Contents = []*Content{{Name: name, Remote: Transport{Candidates: []Candidate{newer}}}}
	})
	require.Equal(t, 2, env.br.startCount())
	req := env.br.lastStart()
	assert.Equal(t, 5000, req.RemotePort)
	assert.NotEmpty(t, req.Handle, "поток обновляется")

	older := rawCandidate("r3", ComponentRTP, 0)
	older.Port = 6000
	env.request(t, "sid-ti", "ti2", ActTransportInfo, func(ev *Event) {
		ev.Contents = []*Content{{Name: name, Remote: Transport{Candidates: []Candidate{older}}}}
	})
	assert.Equal(t, 2, env.br.startCount())
	assert.Equal(t, 5000, s.CurrentContent().Remote.Find(ComponentRTP).Port)
}

func TestTransportReplaceRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.answeredIncoming(t, "sid-tr")

	ev := env.request(t, "sid-tr", "rep", ActTransportReplace, nil)
	rec, _ := env.sig.confirmation(ev.ID)
	assert.Nil(t, rec.err)
	assert.Equal(t, 1, env.sig.count(ActTransportReject))
}

func TestLocalPortChangeSendsTransportInfo(t *testing.T) {
	env := newTestEnv(t, nil)
	env.br.portShift = 10
	s := env.answeredIncoming(t, "sid-pc")

	info, ok := env.sig.last(ActTransportInfo)
	require.True(t, ok)
	local := info.Contents[0].Local.Find(ComponentRTP)
	require.NotNil(t, local)
	assert.Equal(t, 1, local.Generation)
	assert.Equal(t, env.br.lastStart().LocalPort+10, local.Port)
	assert.Equal(t, local.Port, s.CurrentContent().Local.Find(ComponentRTP).Port)
}

func TestBridgeFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.br.startErr = errTest
	s := env.incomingSession(t, "sid-bf", remoteAudio("a", ContentRawUDP, RoleInitiator))

	err := s.Answer(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{ReasonNoTransport}, env.app.hangupReasons())
	assert.Zero(t, env.sig.count(ActAccept))
}

func TestEarlyMedia(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	early := remoteAudio("early", ContentRawUDP, RoleInitiator)
	early.Disposition = DispositionEarlyMedia
	s := env.incomingSession(t, "sid-em", remoteAudio("main", ContentRawUDP, RoleInitiator), early)

	require.NoError(t, s.EarlyMedia(ctx, []string{"alaw"}))
	require.NoError(t, s.EarlyMedia(ctx, nil))
	assert.Equal(t, "early", s.CurrentContent().Name)
	assert.Len(t, env.app.progress, 1)
	assert.Equal(t, []string{"alaw"}, env.app.progress[0])
	assert.Equal(t, 1, env.sig.count(ActTransportInfo))

	require.NoError(t, s.Answer(ctx))
	assert.Equal(t, "main", s.CurrentContent().Name)
	assert.Equal(t, 1, env.br.activeCount())
}

func TestMute(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	s := env.answeredIncoming(t, "sid-mu")

	require.NoError(t, s.Mute(ctx, true))
	req := env.br.lastStart()
	assert.False(t, req.Direction.CanSend())
	assert.True(t, req.Direction.CanReceive())

	require.NoError(t, s.Mute(ctx, true))
	assert.Equal(t, 2, env.br.startCount())

	require.NoError(t, s.Mute(ctx, false))
	assert.Equal(t, bridge.DirectionSendRecv, env.br.lastStart().Direction)

	ev := env.request(t, "sid-mu", "m", ActMute, nil)
	rec, _ := env.sig.confirmation(ev.ID)
	require.NotNil(t, rec.err)
	assert.Equal(t, stanza.FeatureNotImplemented, rec.err.Condition)
}

func TestSendDTMF(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		singleTone bool
		wantBridge []string
		wantInfo   []string
	}{
		{name: "rfc2833", method: DTMFRFC2833, wantBridge: []string{"12#"}},
		{name: "session-info", method: DTMFInfo, wantInfo: []string{"12#"}},
		{name: "session-info по одной", method: DTMFInfo, singleTone: true, wantInfo: []string{"1", "2", "#"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(c *Config) {
				c.DTMFMethod = tt.method
				c.SingleTone = tt.singleTone
			})
			s := env.answeredIncoming(t, "sid-dtmf")
			require.NoError(t, s.SendDTMF(context.Background(), "12#"))

			assert.Equal(t, tt.wantBridge, env.br.dtmf)
			var info []string
			for _, o := range env.sig.sent {
				if o.Action == ActDTMF {
					info = append(info, o.DTMF)
				}
			}
			assert.Equal(t, tt.wantInfo, info)
		})
	}
}

func TestReceiveDTMF(t *testing.T) {
	env := newTestEnv(t, nil)
	env.answeredIncoming(t, "sid-rd")

	env.request(t, "sid-rd", "d1", ActDTMF, func(ev *Event) { ev.DTMF = "5" })
	ev := env.request(t, "sid-rd", "d2", ActDTMF, nil)
	rec, _ := env.sig.confirmation(ev.ID)
	require.NotNil(t, rec.err)
	assert.Equal(t, []string{"5"}, env.app.dtmf)
}

func TestRinging(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	s := env.incomingSession(t, "sid-rg", remoteAudio("a", ContentRawUDP, RoleInitiator))

	require.NoError(t, s.Ringing(ctx))
	require.NoError(t, s.Ringing(ctx))
	assert.Equal(t, 1, env.sig.count(ActRinging))

	require.NoError(t, s.Answer(ctx))
	assert.Error(t, s.Ringing(ctx))
}

func TestRingingOldVersion(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Version = "0" })
	s := env.incomingSession(t, "sid-r0", remoteAudio("a", ContentRawUDP, RoleInitiator))
	err := s.Ringing(context.Background())
	require.Error(t, err)
	assert.True(t, IsPolicyDenial(err))

	// без rtp-info о звонке сообщает сам initiate
	_, err = env.engine.Call(context.Background(), CallParams{From: alice, To: jid.MustParse("dave@example.net/x")})
	require.NoError(t, err)
	init, _ := env.sig.last(ActInitiate)
	require.Len(t, init.Contents, 1)
	assert.Equal(t, ContentP2P, init.Contents[0].Type)
	_, ringing, _ := env.app.counts()
	assert.Equal(t, 1, ringing)
}

func TestEngineClose(t *testing.T) {
	env := newTestEnv(t, nil)
	env.answeredIncoming(t, "sid-c1")
	env.answeredIncoming(t, "sid-c2")

	require.NoError(t, env.engine.Close(context.Background()))
	assert.Equal(t, []string{ReasonShutdown, ReasonShutdown}, env.app.hangupReasons())
	assert.Zero(t, env.engine.Count())
	assert.Zero(t, env.br.activeCount())
}

func TestSendFailureOnInitiate(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sig.sendErr = errTest

	s, err := env.engine.Call(context.Background(), CallParams{From: alice, To: bob})
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, []string{ReasonNoConn}, env.app.hangupReasons())
}

func TestInitiateErrorResponse(t *testing.T) {
	env := newTestEnv(t, nil)
	s, err := env.engine.Call(context.Background(), CallParams{From: alice, To: bob})
	require.NoError(t, err)
	init, _ := env.sig.last(ActInitiate)

	env.respond(t, s.SID(), init.ID, true)
	assert.Equal(t, []string{ReasonNoConn}, env.app.hangupReasons())
	assert.Zero(t, env.sig.count(ActTerminate))
}
