package jingle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/arzzra/jingle_phone/pkg/bridge"
	"github.com/arzzra/jingle_phone/pkg/logger"
	"github.com/arzzra/jingle_phone/pkg/presence"
	"github.com/arzzra/jingle_phone/pkg/socks"
)

var (
	alice = jid.MustParse("alice@example.org/phone")
	bob   = jid.MustParse("bob@example.net/desk")
	carol = jid.MustParse("carol@example.net/office")
)

type confirmRecord struct {
	ev  *Event
	err *stanza.Error
}

type fakeSignaler struct {
	mu       sync.Mutex
	sent     []Outbound
	confirms []confirmRecord
	sendErr  error
}

func (f *fakeSignaler) Send(_ context.Context, out Outbound) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, out)
	return out.ID, nil
}

func (f *fakeSignaler) Confirm(_ context.Context, ev *Event, e *stanza.Error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = append(f.confirms, confirmRecord{ev: ev, err: e})
	return nil
}

func (f *fakeSignaler) actions() []Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Action, 0, len(f.sent))
	for _, o := range f.sent {
		out = append(out, o.Action)
	}
	return out
}

// last возвращает последнее отправленное сообщение с действием a
func (f *fakeSignaler) last(a Action) (Outbound, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Action == a {
			return f.sent[i], true
		}
	}
	return Outbound{}, false
}

func (f *fakeSignaler) count(a Action) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.sent {
		if o.Action == a {
			n++
		}
	}
	return n
}

// confirmation возвращает ответ на запрос с id
func (f *fakeSignaler) confirmation(id string) (confirmRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.confirms {
		if c.ev.ID == id {
			return c, true
		}
	}
	return confirmRecord{}, false
}

func (f *fakeSignaler) confirmCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.confirms {
		if c.ev.ID == id {
			n++
		}
	}
	return n
}

type fakeBridge struct {
	mu        sync.Mutex
	reserved  int
	released  []bridge.Reservation
	starts    []bridge.StartRequest
	stops     []string
	probes    []bridge.ProbeRequest
	dtmf      []string
	active    map[string]string
	maxActive int
	nextPort  int
	startErr  error
	// portShift сдвигает фактический порт относительно резерва
	portShift int
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{active: make(map[string]string), nextPort: 20000}
}

func (b *fakeBridge) Reserve(_ context.Context, addr string) (bridge.Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if addr == "" {
		addr = "198.51.100.1"
	}
	r := bridge.Reservation{Addr: addr, Port: b.nextPort}
	b.nextPort += 2
	b.reserved++
	return r, nil
}

func (b *fakeBridge) Release(r bridge.Reservation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = append(b.released, r)
}

func (b *fakeBridge) Start(_ context.Context, req bridge.StartRequest) (bridge.StartResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		return bridge.StartResult{}, b.startErr
	}
	b.starts = append(b.starts, req)
	handle := req.Handle
	if handle == "" {
		handle = fmt.Sprintf("stream-%d", len(b.starts))
	}
	b.active[handle] = req.Content
	if len(b.active) > b.maxActive {
		b.maxActive = len(b.active)
	}
	return bridge.StartResult{Handle: handle, LocalPort: req.LocalPort + b.portShift}, nil
}

func (b *fakeBridge) Stop(_ context.Context, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops = append(b.stops, handle)
	delete(b.active, handle)
	return nil
}

func (b *fakeBridge) Probe(_ context.Context, req bridge.ProbeRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probes = append(b.probes, req)
	return nil
}

func (b *fakeBridge) SendDTMF(_ context.Context, _ string, digits string, _ time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dtmf = append(b.dtmf, digits)
	return nil
}

func (b *fakeBridge) activeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.active)
}

func (b *fakeBridge) lastStart() bridge.StartRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.starts) == 0 {
		return bridge.StartRequest{}
	}
	return b.starts[len(b.starts)-1]
}

func (b *fakeBridge) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.starts)
}

type fakeSocks struct {
	mu        sync.Mutex
	connects  []string
	listens   int
	started   []string
	stopped   []string
	listenErr error
	notifier  socks.Notifier
}

func (f *fakeSocks) Listen(_ context.Context, _, _ string) (socks.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listenErr != nil {
		return socks.Endpoint{}, f.listenErr
	}
	f.listens++
	return socks.Endpoint{Addr: "198.51.100.1", Port: 7777}, nil
}

func (f *fakeSocks) Connect(_ context.Context, _, _, host string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, fmt.Sprintf("%s:%d", host, port))
	return nil
}

func (f *fakeSocks) Start(_ context.Context, id string, _ socks.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeSocks) Stop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
}

func (f *fakeSocks) Subscribe(n socks.Notifier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifier = n
}

func (f *fakeSocks) connected() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.connects...)
}

func (f *fakeSocks) notify(n socks.Notification) {
	f.mu.Lock()
	fn := f.notifier
	f.mu.Unlock()
	fn(n)
}

type fakeApp struct {
	mu        sync.Mutex
	incoming  []string
	ringing   int
	answered  int
	progress  [][]string
	updates   []Update
	dtmf      []string
	hangups   []string
	forwards  []string
	files     []FileState
	transfers []TransferRequest
	connected int

	// routeGate задерживает RouteTransfer до закрытия
	routeGate chan struct{}
	routeErr  error
}

func (a *fakeApp) OnIncoming(s *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.incoming = append(a.incoming, s.SID())
}

func (a *fakeApp) OnRinging(*Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ringing++
}

func (a *fakeApp) OnAnswered(*Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answered++
}

func (a *fakeApp) OnProgress(_ *Session, formats []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.progress = append(a.progress, formats)
}

func (a *fakeApp) OnUpdate(_ *Session, u Update) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updates = append(a.updates, u)
}

func (a *fakeApp) OnDTMF(_ *Session, digits string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dtmf = append(a.dtmf, digits)
}

func (a *fakeApp) OnHangup(_ *Session, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hangups = append(a.hangups, reason)
}

func (a *fakeApp) RouteTransfer(ctx context.Context, req TransferRequest) error {
	a.mu.Lock()
	a.transfers = append(a.transfers, req)
	gate := a.routeGate
	err := a.routeErr
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (a *fakeApp) ConnectPeers(_ context.Context, _, _ *Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected++
	return nil
}

func (a *fakeApp) Forward(_ *Session, target jid.JID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forwards = append(a.forwards, target.String())
}

func (a *fakeApp) OpenFile(_ *Session, _ FileInfo, send bool) (socks.Payload, error) {
	if send {
		return socks.Payload{Source: strings.NewReader("abc"), Size: 3}, nil
	}
	return socks.Payload{Sink: &strings.Builder{}}, nil
}

func (a *fakeApp) OnFileStatus(_ *Session, state FileState, _ int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files = append(a.files, state)
}

func (a *fakeApp) hangupReasons() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.hangups...)
}

func (a *fakeApp) updateList() []Update {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Update(nil), a.updates...)
}

func (a *fakeApp) counts() (incoming, ringing, answered int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.incoming), a.ringing, a.answered
}

type fakePresence struct {
	mu        sync.Mutex
	resources map[string]presence.Resource
	tracked   []string
	listener  presence.Listener
}

func newFakePresence() *fakePresence {
	return &fakePresence{resources: make(map[string]presence.Resource)}
}

func (p *fakePresence) Subscribe(l presence.Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
}

func (p *fakePresence) FindResource(_, remote jid.JID, want presence.Capability) (presence.Resource, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.resources[remote.Bare().String()]
	if !ok || !r.Available || !r.Caps.Has(want) {
		return presence.Resource{}, false
	}
	return r, true
}

func (p *fakePresence) Track(_ context.Context, _, remote jid.JID) *presence.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracked = append(p.tracked, remote.String())
	return nil
}

func (p *fakePresence) set(remote jid.JID, r presence.Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resources[remote.Bare().String()] = r
}

// announce сообщает движку об изменении присутствия ресурса
func (p *fakePresence) announce(local, remote jid.JID, r presence.Resource) {
	p.set(remote, r)
	p.mu.Lock()
	l := p.listener
	p.mu.Unlock()
	l(presence.Notification{
		Kind:      presence.NotifyPresence,
		Local:     local.Bare(),
		Remote:    remote.Bare(),
		Resource:  r.Name,
		Available: r.Available,
		Caps:      r.Caps,
	})
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type testEnv struct {
	engine *Engine
	sig    *fakeSignaler
	br     *fakeBridge
	sk     *fakeSocks
	app    *fakeApp
	pres   *fakePresence
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		sig:  &fakeSignaler{},
		br:   newFakeBridge(),
		sk:   &fakeSocks{},
		app:  &fakeApp{},
		pres: newFakePresence(),
	}
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewEngine(cfg, Deps{
		Signaler: env.sig,
		Bridge:   env.br,
		Socks:    env.sk,
		App:      env.app,
		Presence: env.pres,
		Logger:   logger.Discard(),
	})
	require.NoError(t, err)
	env.engine = e
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return env
}

func rawCandidate(id string, component, generation int) Candidate {
	return Candidate{
		ID:         id,
		Address:    "192.0.2.10",
		Port:       4000 + component - 1,
		Component:  component,
		Generation: generation,
	}
}

func iceCandidate(id string, component, generation int) Candidate {
	c := rawCandidate(id, component, generation)
	c.Network = "0"
	c.Priority = 2130706431
	c.Protocol = "udp"
	c.Type = "host"
	return c
}

// remoteAudio content удаленной стороны с одним кандидатом RTP
func remoteAudio(name string, t ContentType, creator Role) *Content {
	c := &Content{
		Name:        name,
		Type:        t,
		Creator:     creator,
		Senders:     SendersBoth,
		Disposition: DispositionSession,
		Media:       UsedCodecs([]string{"mulaw", "alaw"}),
	}
	switch t {
	case ContentRawUDP:
		c.Remote.Candidates = []Candidate{rawCandidate("r1", ComponentRTP, 0)}
	case ContentICEUDP:
		c.Remote.Ufrag, c.Remote.Pwd = "rufrag", "rpassword"
		c.Remote.Candidates = []Candidate{iceCandidate("i1", ComponentRTP, 0)}
	}
	return c
}

func initiateEvent(sid string, contents ...*Content) *Event {
	return &Event{
		ID:       "init-" + sid,
		SID:      sid,
		Action:   ActInitiate,
		From:     bob,
		To:       alice,
		Contents: contents,
	}
}

// incomingSession создает принятую движком входящую сессию
func (env *testEnv) incomingSession(t *testing.T, sid string, contents ...*Content) *Session {
	t.Helper()
	require.NoError(t, env.engine.HandleEvent(context.Background(), initiateEvent(sid, contents...)))
	s, ok := env.engine.Find(sid)
	require.True(t, ok)
	return s
}

// answeredIncoming входящий аудио вызов raw-udp, принятый локально
func (env *testEnv) answeredIncoming(t *testing.T, sid string) *Session {
	t.Helper()
	s := env.incomingSession(t, sid, remoteAudio(sid+"-audio", ContentRawUDP, RoleInitiator))
	require.NoError(t, s.Answer(context.Background()))
	require.True(t, s.Answered())
	return s
}

// request отправляет запрос удаленной стороны в сессию
func (env *testEnv) request(t *testing.T, sid, id string, a Action, mutate func(*Event)) *Event {
	t.Helper()
	ev := &Event{ID: id, SID: sid, Action: a, From: bob, To: alice}
	if mutate != nil {
		mutate(ev)
	}
	require.NoError(t, env.engine.HandleEvent(context.Background(), ev))
	return ev
}

// respond отправляет результат или ошибку на наш запрос
func (env *testEnv) respond(t *testing.T, sid, id string, failed bool) {
	t.Helper()
	ev := &Event{ID: id, SID: sid, Action: ActResult, From: bob, To: alice}
	if failed {
		ev.Action = ActError
		ev.Error = &stanza.Error{Type: stanza.Cancel, Condition: stanza.NotAcceptable}
	}
	require.NoError(t, env.engine.HandleEvent(context.Background(), ev))
}

var errTest = errors.New("тестовая ошибка")

var time0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func presenceResource(name string, available, audio bool) presence.Resource {
	r := presence.Resource{Name: name, Available: available, Caps: presence.CapFileTransfer}
	if audio {
		r.Caps |= presence.CapAudio
	}
	return r
}
