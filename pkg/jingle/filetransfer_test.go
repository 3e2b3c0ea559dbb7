package jingle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/arzzra/jingle_phone/pkg/socks"
)

func (a *fakeApp) fileStates() []FileState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]FileState(nil), a.files...)
}

func (f *fakeSocks) startedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func (f *fakeSocks) listenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listens
}

// remoteFile content передачи файла от удаленной стороны
func remoteFile(name string) *Content {
	return &Content{
		Name:        name,
		Type:        ContentFileOffer,
		Creator:     RoleInitiator,
		Senders:     SendersInitiator,
		Disposition: DispositionSession,
		File:        &FileInfo{Name: "report.pdf", Size: 3},
	}
}

func streamHost(name string, port int) StreamHost {
	return StreamHost{JID: jid.MustParse(name), Addr: "203.0.113.5", Port: port}
}

func withHosts(hosts ...StreamHost) func(*Event) {
	return func(ev *Event) { ev.StreamHosts = hosts }
}

func TestIncomingFileOffer(t *testing.T) {
	env := newTestEnv(t, nil)
	s := env.incomingSession(t, "sid-f", remoteFile("file"))

	assert.Equal(t, FileIdle, s.FileState())
	assert.Equal(t, HostRemote, s.HostDirection())
	incoming, _, _ := env.app.counts()
	assert.Equal(t, 1, incoming)

	// аудио операции для передачи файла не допускаются
	err := s.Hold(context.Background())
	require.Error(t, err)
	ev := env.request(t, "sid-f", "ti", ActTransportInfo, nil)
	rec, _ := env.sig.confirmation(ev.ID)
	require.NotNil(t, rec.err)
	assert.Equal(t, stanza.NotAllowed, rec.err.Condition)
}

func TestFileOutsideInitiateRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.answeredIncoming(t, "sid-fa")

	ev := env.request(t, "sid-fa", "ca", ActContentAdd, func(ev *Event) {
		ev.Contents = []*Content{remoteFile("late-file")}
	})
	rec, _ := env.sig.confirmation(ev.ID)
	assert.Nil(t, rec.err)
	remove, ok := env.sig.last(ActContentRemove)
	require.True(t, ok)
	require.Len(t, remove.Contents, 1)
	assert.Equal(t, "late-file", remove.Contents[0].Name)
}

// Перебор stream host удаленной стороны без смены стороны
func TestStreamHostFallback(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	s := env.incomingSession(t, "sid-c", remoteFile("file"))

	hosts := []StreamHost{
		streamHost("proxy1.example.net", 1081),
		streamHost("proxy2.example.net", 1082),
		streamHost("proxy3.example.net", 1083),
	}
	req := env.request(t, "sid-c", "sh1", ActStreamHost, withHosts(hosts...))
	assert.Equal(t, FileWaitEstablish, s.FileState())
	_, answered := env.sig.confirmation(req.ID)
	assert.False(t, answered, "ответ ждет результата соединения")

	env.sk.notify(socks.Notification{ID: "sid-c", Status: socks.StatusTerminated, Host: "203.0.113.5:1081", Err: errTest})
	env.sk.notify(socks.Notification{ID: "sid-c", Status: socks.StatusTerminated, Host: "203.0.113.5:1082", Err: errTest})
	assert.Equal(t, FileWaitEstablish, s.FileState())
	env.sk.notify(socks.Notification{ID: "sid-c", Status: socks.StatusEstablished, Host: "203.0.113.5:1083"})

	assert.Equal(t, []string{"203.0.113.5:1081", "203.0.113.5:1082", "203.0.113.5:1083"}, env.sk.connected())
	assert.Zero(t, s.HostFlips())
	assert.Equal(t, HostRemote, s.HostDirection())
	assert.Equal(t, FileEstablished, s.FileState())

	used, ok := env.sig.last(ActStreamHostUsed)
	require.True(t, ok)
	assert.Equal(t, req.ID, used.ID)
	assert.Equal(t, "proxy3.example.net", used.StreamHostUsed)
	assert.Zero(t, env.sig.confirmCount(req.ID), "ответ отправлен как streamhost-used")

	require.NoError(t, s.Answer(ctx))
	accept, ok := env.sig.last(ActAccept)
	require.True(t, ok)
	require.Len(t, accept.Contents, 1)
	assert.Equal(t, []string{"sid-c"}, env.sk.startedIDs())
	assert.Equal(t, FileRunning, s.FileState())

	env.sk.notify(socks.Notification{ID: "sid-c", Status: socks.StatusRunning, Bytes: 2})
	env.sk.notify(socks.Notification{ID: "sid-c", Status: socks.StatusTerminated, Bytes: 3})

	assert.Equal(t, []FileState{FileEstablished, FileRunning, FileRunning, FileTerminated}, env.app.fileStates())
	assert.Equal(t, []string{ReasonNormal}, env.app.hangupReasons())
	term, ok := env.sig.last(ActTerminate)
	require.True(t, ok)
	assert.Equal(t, "success", term.Reason)
}

func TestStreamHostsIgnoredOutsideIdle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.incomingSession(t, "sid-i", remoteFile("file"))

	env.request(t, "sid-i", "sh1", ActStreamHost, withHosts(streamHost("proxy.example.net", 1080)))
	ev := env.request(t, "sid-i", "sh2", ActStreamHost, withHosts(streamHost("proxy.example.net", 1080)))
	rec, _ := env.sig.confirmation(ev.ID)
	require.NotNil(t, rec.err)
	assert.Equal(t, stanza.UnexpectedRequest, rec.err.Condition)
}

// Входящая сессия после неудачи всех stream host предлагает свой
func TestIncomingFlipsToLocalHost(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	s := env.incomingSession(t, "sid-l", remoteFile("file"))

	req := env.request(t, "sid-l", "sh1", ActStreamHost, withHosts(streamHost("proxy.example.net", 1080)))
	env.sk.notify(socks.Notification{ID: "sid-l", Status: socks.StatusTerminated, Err: errTest})

	rec, ok := env.sig.confirmation(req.ID)
	require.True(t, ok)
	require.NotNil(t, rec.err)
	assert.Equal(t, stanza.RemoteServerNotFound, rec.err.Condition)

	assert.Equal(t, 1, s.HostFlips())
	assert.Equal(t, HostLocal, s.HostDirection())
	assert.Equal(t, 1, env.sk.listenCount())
	offer, ok := env.sig.last(ActStreamHost)
	require.True(t, ok)
	require.Len(t, offer.StreamHosts, 1)
	assert.True(t, offer.StreamHosts[0].JID.Equal(alice))
	assert.Equal(t, 7777, offer.StreamHosts[0].Port)
	assert.Equal(t, FileWaitEstablish, s.FileState())

	env.sk.notify(socks.Notification{ID: "sid-l", Status: socks.StatusEstablished})
	env.respond(t, "sid-l", offer.ID, false)
	assert.Empty(t, env.sk.startedIDs(), "передача ждет ответа приложения")

	require.NoError(t, s.Answer(ctx))
	assert.Equal(t, FileRunning, s.FileState())
	assert.Equal(t, []string{"sid-l"}, env.sk.startedIDs())
}

// Исходящая передача: отказ от нашего stream host меняет сторону один раз
func TestOutgoingFileSingleFlip(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	s, err := env.engine.SendFile(ctx, FileParams{From: alice, To: bob, File: FileInfo{Name: "notes.txt", Size: 3}})
	require.NoError(t, err)
	sid := s.SID()

	init, ok := env.sig.last(ActInitiate)
	require.True(t, ok)
	require.Len(t, init.Contents, 1)
	assert.Equal(t, ContentFileOffer, init.Contents[0].Type)
	assert.Equal(t, 1, env.sk.listenCount())
	offer, ok := env.sig.last(ActStreamHost)
	require.True(t, ok)
	assert.Equal(t, HostLocal, s.HostDirection())

	env.respond(t, sid, offer.ID, true)
	assert.Equal(t, 1, s.HostFlips())
	assert.Equal(t, HostRemote, s.HostDirection())
	assert.Equal(t, FileIdle, s.FileState())

	req := env.request(t, sid, "sh1", ActStreamHost, withHosts(streamHost("proxy.example.net", 1080)))
	assert.Equal(t, FileWaitEstablish, s.FileState())
	env.sk.notify(socks.Notification{ID: sid, Status: socks.StatusTerminated, Err: errTest})

	assert.Equal(t, 1, s.HostFlips(), "вторая смена стороны не допускается")
	rec, ok := env.sig.confirmation(req.ID)
	require.True(t, ok)
	require.NotNil(t, rec.err)
	assert.Equal(t, []string{ReasonNoTransport}, env.app.hangupReasons())
	assert.Equal(t, StateTerminated, s.State())
	assert.Equal(t, FileTerminated, s.FileState())
}

func TestOutgoingFileAccepted(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	s, err := env.engine.SendFile(ctx, FileParams{From: alice, To: bob, File: FileInfo{Name: "notes.txt", Size: 3}})
	require.NoError(t, err)
	sid := s.SID()
	offer, _ := env.sig.last(ActStreamHost)

	env.sk.notify(socks.Notification{ID: sid, Status: socks.StatusEstablished})
	env.respond(t, sid, offer.ID, false)
	assert.Empty(t, env.sk.startedIDs())

	env.request(t, sid, "acc", ActAccept, nil)
	assert.True(t, s.Answered())
	assert.Equal(t, FileRunning, s.FileState())
	assert.Equal(t, []string{sid}, env.sk.startedIDs())

	env.sk.notify(socks.Notification{ID: sid, Status: socks.StatusTerminated, Err: errTest})
	assert.Equal(t, []string{ReasonFailure}, env.app.hangupReasons())
}

func TestSendFileValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.engine.SendFile(context.Background(), FileParams{From: alice, To: bob})
	require.Error(t, err)
	assert.Equal(t, ErrorCategoryValidation, GetErrorCategory(err))
	assert.Zero(t, env.engine.Count())
}
