package jingle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/arzzra/jingle_phone/pkg/bridge"
	"github.com/arzzra/jingle_phone/pkg/logger"
	"github.com/arzzra/jingle_phone/pkg/metrics"
	"github.com/arzzra/jingle_phone/pkg/presence"
	"github.com/arzzra/jingle_phone/pkg/socks"
	"github.com/arzzra/jingle_phone/pkg/stream"
)

// Способы отправки DTMF
const (
	DTMFRFC2833 = "rfc2833"
	DTMFInfo    = "info"
)

// Границы настраиваемых значений
const (
	PendingTimeoutMin     = time.Second
	PendingTimeoutDefault = 10 * time.Second
	RedirectCountMax      = 10
	RedirectCountDefault  = 2
	SweepIntervalDefault  = time.Second
)

// Config параметры согласования сессий
type Config struct {
	// PendingTimeout сколько исходящая сессия ждет присутствия собеседника
	PendingTimeout  time.Duration `mapstructure:"pending_timeout" yaml:"pending_timeout"`
	RedirectCount   int           `mapstructure:"redirect_count" yaml:"redirect_count"`
	SendRawRTPFirst bool          `mapstructure:"send_raw_rtp_first" yaml:"send_raw_rtp_first"`
	RTCP            bool          `mapstructure:"rtcp" yaml:"rtcp"`

	UseCrypto       bool     `mapstructure:"use_crypto" yaml:"use_crypto"`
	CryptoMandatory bool     `mapstructure:"crypto_mandatory" yaml:"crypto_mandatory"`
	Suites          []string `mapstructure:"suites" yaml:"suites"`

	// Codecs синонимы кодеков в порядке предпочтения, пусто - все известные
	Codecs  []string  `mapstructure:"codecs" yaml:"codecs"`
	Formats MediaList `mapstructure:"-" yaml:"-"`

	DTMFMethod   string        `mapstructure:"dtmf_method" yaml:"dtmf_method"`
	DTMFDuration time.Duration `mapstructure:"dtmf_duration" yaml:"dtmf_duration"`
	SingleTone   bool          `mapstructure:"single_tone" yaml:"single_tone"`

	Version         string        `mapstructure:"version" yaml:"version"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	TransferTimeout time.Duration `mapstructure:"transfer_timeout" yaml:"transfer_timeout"`
	// LocalAddr адрес для резервирования медиа, пусто - адрес медиамоста
	LocalAddr string `mapstructure:"local_addr" yaml:"local_addr"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		PendingTimeout:  PendingTimeoutDefault,
		RedirectCount:   RedirectCountDefault,
		SendRawRTPFirst: true,
		Suites:          append([]string(nil), DefaultSuites...),
		DTMFMethod:      DTMFRFC2833,
		DTMFDuration:    100 * time.Millisecond,
		Version:         "1",
		SweepInterval:   SweepIntervalDefault,
		TransferTimeout: 30 * time.Second,
	}
}

// Normalize приводит значения к допустимым границам
func (c *Config) Normalize() {
	if c.PendingTimeout < PendingTimeoutMin {
		c.PendingTimeout = PendingTimeoutDefault
	}
	if c.RedirectCount < 0 {
		c.RedirectCount = 0
	}
	if c.RedirectCount > RedirectCountMax {
		c.RedirectCount = RedirectCountMax
	}
	if len(c.Suites) == 0 {
		c.Suites = append([]string(nil), DefaultSuites...)
	}
	if c.Formats.Empty() {
		c.Formats = UsedCodecs(c.Codecs)
	}
	c.DTMFMethod = strings.ToLower(c.DTMFMethod)
	if c.DTMFMethod != DTMFInfo {
		c.DTMFMethod = DTMFRFC2833
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = SweepIntervalDefault
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = 30 * time.Second
	}
}

// Presence каталог присутствия, нужный движку
type Presence interface {
	Subscribe(l presence.Listener)
	FindResource(local, remote jid.JID, want presence.Capability) (presence.Resource, bool)
	Track(ctx context.Context, local, remote jid.JID) *presence.User
}

// Deps внешние компоненты движка. Signaler и Bridge обязательны.
type Deps struct {
	Signaler Signaler
	Bridge   bridge.Bridge
	Socks    socks.Helper
	App      Application
	Presence Presence
	// Pool упорядочивает события по sid; без пула события обрабатываются сразу
	Pool *stream.Pool
	// FileProxy stream host, предлагаемый первым при передаче файла
	FileProxy *StreamHost
	Logger    *logrus.Logger
	Metrics   *metrics.Collector
}

// Engine управляет сессиями Jingle
type Engine struct {
	cfg     Config
	version Version

	signaler Signaler
	bridge   bridge.Bridge
	socks    socks.Helper
	app      Application
	presence Presence
	pool     *stream.Pool
	proxy    *StreamHost

	sessions *registry
	tp       presence.TimeProvider

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log     *logrus.Entry
	metrics *metrics.Collector
}

type systemTime struct{}

func (systemTime) Now() time.Time { return time.Now() }

// NewEngine создает движок и подписывает его на присутствие и SOCKS5
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Signaler == nil {
		return nil, errors.New("не задан транспорт сигнализации")
	}
	if deps.Bridge == nil {
		return nil, errors.New("не задан медиамост")
	}
	cfg.Normalize()
	log := deps.Logger
	if log == nil {
		log = logger.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		version:  NewVersion(cfg.Version),
		signaler: deps.Signaler,
		bridge:   deps.Bridge,
		socks:    deps.Socks,
		app:      deps.App,
		presence: deps.Presence,
		pool:     deps.Pool,
		proxy:    deps.FileProxy,
		sessions: newRegistry(),
		tp:       systemTime{},
		ctx:      ctx,
		cancel:   cancel,
		log:      logger.WithComponent(log, "jingle"),
		metrics:  deps.Metrics,
	}
	if e.presence != nil {
		e.presence.Subscribe(e.onPresence)
	}
	if e.socks != nil {
		e.socks.Subscribe(e.onSocks)
	}
	e.log.WithFields(logrus.Fields{
		"version": e.version.Name(),
		"crypto":  cfg.UseCrypto,
		"codecs":  strings.Join(cfg.Formats.Formats(), ","),
	}).Info("движок Jingle создан")
	return e, nil
}

// SetTimeProvider подменяет источник времени (для тестов)
func (e *Engine) SetTimeProvider(tp presence.TimeProvider) {
	if tp != nil {
		e.tp = tp
	}
}

func (e *Engine) now() time.Time { return e.tp.Now() }

// Config возвращает действующую конфигурацию
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) newSID() string { return uuid.NewString() }

func (e *Engine) nextID() string { return "jg" + randomToken(16) }

// Find возвращает сессию по sid
func (e *Engine) Find(sid string) (*Session, bool) { return e.sessions.Get(sid) }

// Count количество живых сессий
func (e *Engine) Count() int { return e.sessions.Count() }

// submit ставит работу в очередь сессии. Без пула работа выполняется сразу.
func (e *Engine) submit(key string, job stream.Job) error {
	if e.pool == nil {
		job(e.ctx)
		return nil
	}
	return e.pool.Submit(key, job)
}

// submitInternal ставит внутреннюю работу; при переполнении очереди
// выполняет ее в текущей горутине, чтобы не потерять результат
func (e *Engine) submitInternal(key string, job stream.Job) {
	if err := e.submit(key, job); err != nil {
		e.log.WithError(err).WithField("sid", key).Warn("очередь сессии переполнена")
		job(e.ctx)
	}
}

// CallParams параметры исходящего вызова
type CallParams struct {
	From    jid.JID
	To      jid.JID
	Subject string
	// Formats синонимы кодеков вызова, пусто - из конфигурации
	Formats []string
	// SDP описание сессии приложения, его аудио секция задает кодеки
	// и payload type предложения
	SDP string
	// TransferFrom сторона, от имени которой выполняется передача
	TransferFrom jid.JID
}

// Call создает исходящую сессию. Initiate отправляется, когда у собеседника
// есть доступный ресурс с поддержкой аудио.
func (e *Engine) Call(ctx context.Context, p CallParams) (*Session, error) {
	s := newSession(e, e.newSID(), p.From, p.To, true, StatePending)
	s.subject = p.Subject
	s.transferFrom = p.TransferFrom
	if mp := (MediaParams{Formats: p.Formats, SDP: p.SDP}); !mp.empty() {
		f, err := mp.restrict(s.formats)
		if err != nil {
			return nil, err
		}
		s.formats = f
	}
	if err := e.start(ctx, s, presence.CapAudio); err != nil {
		return nil, err
	}
	return s, nil
}

// FileParams параметры исходящей передачи файла
type FileParams struct {
	From jid.JID
	To   jid.JID
	File FileInfo
	// Request запросить файл у собеседника вместо отправки
	Request bool
}

// SendFile создает исходящую сессию передачи файла
func (e *Engine) SendFile(ctx context.Context, p FileParams) (*Session, error) {
	if e.socks == nil {
		return nil, ErrNoTransport("передача файлов не настроена")
	}
	if p.File.Name == "" {
		return nil, ErrBadRequest("не указано имя файла")
	}
	s := newSession(e, e.newSID(), p.From, p.To, true, StatePending)
	c := &Content{
		Name:        s.sid + "_content_" + randomToken(8),
		Type:        ContentFileOffer,
		Creator:     RoleInitiator,
		Senders:     SendersInitiator,
		Disposition: DispositionSession,
		sid:         s.sid,
	}
	if p.Request {
		c.Type = ContentFileRequest
		c.Senders = SendersResponder
	}
	info := p.File
	c.File = &info
	s.contents = []*Content{c}
	s.ft = newFileTransfer(s, HostLocal)
	if e.proxy != nil {
		s.ft.hosts = []StreamHost{*e.proxy}
	}
	if err := e.start(ctx, s, presence.CapFileTransfer); err != nil {
		return nil, err
	}
	return s, nil
}

// start регистрирует исходящую сессию и отправляет initiate, если ресурс известен
func (e *Engine) start(ctx context.Context, s *Session, want presence.Capability) error {
	if !e.sessions.Set(s.sid, s) {
		return ErrConflict(s.sid)
	}
	direction := "outgoing"
	if s.ft != nil {
		direction = "file"
	}
	e.metrics.SessionCreated(direction)
	s.log.WithField("local", s.local.String()).Info("исходящая сессия")

	resource := s.remote.Resourcepart()
	track := false
	if resource == "" && e.presence != nil {
		if res, ok := e.presence.FindResource(s.local.Bare(), s.remote.Bare(), want); ok {
			resource = res.Name
		} else {
			track = true
		}
	}

	if track {
		// ждем присутствия до истечения PendingTimeout
		e.presence.Track(ctx, s.local.Bare(), s.remote.Bare())
		return nil
	}
	s.mu.Lock()
	defer s.unlock()
	s.presenceChangedLocked(ctx, true, resource)
	return nil
}

// presenceChangedLocked реагирует на доступность собеседника исходящей сессии
func (s *Session) presenceChangedLocked(ctx context.Context, available bool, resource string) {
	if s.hungup || !s.outgoing {
		return
	}
	if !available {
		cur := s.remote.Resourcepart()
		pendingGone := s.stateLocked() == StatePending && !s.remoteAvailable()
		if pendingGone || (cur != "" && cur == resource) {
			s.hangupLocked(ctx, ReasonOffline, true)
		}
		return
	}
	if s.stateLocked() != StatePending {
		return
	}
	if resource != "" && s.remote.Resourcepart() == "" {
		if full, err := s.remote.WithResource(resource); err == nil {
			s.remote = full
			s.log = s.log.WithField("remote", full.String())
		}
	}
	s.activateLocked(ctx)
	s.initiateLocked(ctx)
}

func (s *Session) wantCaps() presence.Capability {
	if s.ft != nil {
		return presence.CapFileTransfer
	}
	return presence.CapAudio
}

// remoteAvailable есть ли у собеседника другой подходящий ресурс
func (s *Session) remoteAvailable() bool {
	p := s.engine.presence
	if p == nil {
		return false
	}
	_, ok := p.FindResource(s.local.Bare(), s.remote.Bare(), s.wantCaps())
	return ok
}

// initiateLocked строит предложение и отправляет initiate
func (s *Session) initiateLocked(ctx context.Context) {
	if s.ft != nil {
		s.initiateFileLocked(ctx)
		return
	}
	cfg := s.engine.cfg
	contents := make([]*Content, 0, 2)
	for _, t := range s.version.AudioTransports(cfg.SendRawRTPFirst) {
		c, err := s.buildAudioContent(ctx, t, SendersBoth, cfg.RTCP)
		if err != nil {
			s.log.WithError(err).Warn("не удалось построить content")
			for _, built := range contents {
				s.stopContent(ctx, built)
			}
			s.hangupLocked(ctx, ReasonNoConn, false)
			return
		}
		contents = append(contents, c)
	}
	s.contents = contents

	out := Outbound{Action: ActInitiate, Contents: snapshots(contents), Subject: s.subject}
	if s.transferFrom.String() != "" {
		out.Transfer = &TransferInfo{From: s.transferFrom}
	}
	id, err := s.send(ctx, out)
	if err != nil {
		s.hangupLocked(ctx, ReasonNoConn, false)
		return
	}
	s.initID = id
	s.signaled = true
	// без rtp-info собеседник не пришлет ringing
	if !s.version.SupportsRTPInfo() && !s.ringSent {
		s.ringSent = true
		s.note(func() { s.app().OnRinging(s) })
	}
}

// presenceChanged обрабатывает уведомление присутствия в очереди сессии
func (s *Session) presenceChanged(ctx context.Context, n presence.Notification) {
	s.mu.Lock()
	defer s.unlock()
	if !s.local.Bare().Equal(n.Local.Bare()) || !s.remote.Bare().Equal(n.Remote.Bare()) {
		return
	}
	if n.Available && !n.Caps.Has(s.wantCaps()) {
		return
	}
	s.presenceChangedLocked(ctx, n.Available, n.Resource)
}

func (e *Engine) onPresence(n presence.Notification) {
	if n.Kind != presence.NotifyPresence {
		return
	}
	for _, s := range e.sessions.Snapshot() {
		if !s.outgoing {
			continue
		}
		s := s
		e.submitInternal(s.SID(), func(ctx context.Context) { s.presenceChanged(ctx, n) })
	}
}

func (e *Engine) onSocks(n socks.Notification) {
	s, ok := e.sessions.Get(n.ID)
	if !ok {
		return
	}
	e.submitInternal(n.ID, func(ctx context.Context) { s.handleSocks(ctx, n) })
}

// HandleEvent обрабатывает событие Jingle. Initiate с новым sid создает
// входящую сессию, события неизвестных сессий отклоняются.
func (e *Engine) HandleEvent(ctx context.Context, ev *Event) error {
	if ev.SID == "" {
		err := ErrBadRequest("не указан sid")
		e.reject(ctx, ev, err)
		return err
	}
	s, ok := e.sessions.Get(ev.SID)
	if !ok {
		if ev.Action == ActInitiate {
			return e.incoming(ctx, ev)
		}
		err := ErrSessionNotFound(ev.SID)
		e.reject(ctx, ev, err)
		return err
	}
	s.handle(ctx, ev)
	return nil
}

func (e *Engine) reject(ctx context.Context, ev *Event, err *SessionError) {
	if ev.isResponse() || ev.confirmed {
		return
	}
	ev.confirmed = true
	se := err.StanzaError()
	if cerr := e.signaler.Confirm(ctx, ev, &se); cerr != nil {
		e.log.WithError(cerr).Debug("не удалось отклонить запрос")
	}
}

// incoming создает входящую сессию. Некорректный initiate отклоняется, сессия
// не регистрируется и приложение о ней не узнает.
func (e *Engine) incoming(ctx context.Context, ev *Event) error {
	s := newSession(e, ev.SID, ev.To, ev.From, false, StatePending)
	s.mu.Lock()
	if err := s.processInitiate(ctx, ev); err != nil {
		s.confirm(ctx, ev, err)
		s.notes = nil
		s.mu.Unlock()
		s.log.WithError(err).Info("входящий initiate отклонен")
		return err
	}
	e.sessions.Set(s.sid, s)
	direction := "incoming"
	if s.ft != nil {
		direction = "file"
	}
	e.metrics.SessionCreated(direction)
	s.unlock()
	return nil
}

// Service возвращает сервис категории jingle для диспетчера
func (e *Engine) Service() stream.Service {
	return stream.ServiceFunc(func(ctx context.Context, ev stream.Event) bool {
		je, ok := ev.(*Event)
		if !ok {
			return false
		}
		err := e.submit(je.Key(), func(ctx context.Context) {
			if err := e.HandleEvent(ctx, je); err != nil {
				e.log.WithError(err).WithField("sid", je.SID).Debug("событие отклонено")
			}
		})
		if err != nil {
			e.log.WithError(err).WithField("sid", je.SID).Warn("событие не поставлено в очередь")
			if !je.isResponse() {
				se := stanza.Error{Type: stanza.Wait, Condition: stanza.ServiceUnavailable}
				_ = e.signaler.Confirm(ctx, je, &se)
			}
		}
		return true
	})
}

// sweep завершает исходящую сессию, не дождавшуюся присутствия, и
// снимает наш запрос передачи, оставшийся без ответа
func (s *Session) sweep(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.unlock()
	if s.hungup {
		return
	}
	if s.xfer.active && s.xfer.recv == nil && !s.xfer.deadline.IsZero() && now.After(s.xfer.deadline) {
		s.log.WithField("target", s.xfer.to.String()).Info("нет ответа на запрос передачи вызова")
		s.xfer = transferState{}
	}
	if s.stateLocked() != StatePending || s.deadline.IsZero() {
		return
	}
	if now.After(s.deadline) {
		s.log.Info("собеседник не появился в сети")
		s.hangupLocked(ctx, ReasonOffline, true)
	}
}

// Sweep проверяет сроки ожидания всех сессий
func (e *Engine) Sweep(ctx context.Context, now time.Time) {
	for _, s := range e.sessions.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		s := s
		e.submitInternal(s.SID(), func(ctx context.Context) { s.sweep(ctx, now) })
	}
}

// Run периодически вызывает Sweep до отмены ctx
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx, e.now())
		}
	}
}

// Close завершает все сессии с причиной shutdown и ждет фоновые задачи
func (e *Engine) Close(ctx context.Context) error {
	for _, s := range e.sessions.Snapshot() {
		s.Hangup(ctx, ReasonShutdown)
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
