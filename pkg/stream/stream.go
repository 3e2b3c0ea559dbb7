package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"

	"github.com/arzzra/jingle_phone/pkg/logger"
	"github.com/arzzra/jingle_phone/pkg/metrics"
)

// Границы политики перезапуска потока
const (
	RestartCountMin     = 1
	RestartCountMax     = 10
	RestartCountDefault = 2

	RestartIntervalMin     = 5 * time.Second
	RestartIntervalMax     = 300 * time.Second
	RestartIntervalDefault = 15 * time.Second

	SetupTimeoutDefault = 60 * time.Second
)

var (
	// ErrDuplicateID исходящий поток с тем же удаленным адресом и id уже есть
	ErrDuplicateID = errors.New("поток с таким id уже существует")
	// ErrUnreachable бюджет перезапусков исчерпан
	ErrUnreachable = errors.New("удаленная сторона недоступна")
	// ErrStreamExists поток для ключа уже открыт
	ErrStreamExists = errors.New("поток уже открыт")
	// ErrManagerClosed менеджер остановлен
	ErrManagerClosed = errors.New("менеджер потоков остановлен")
)

// Mode режим работы движка
type Mode string

const (
	// ModeClient один поток на полный локальный JID
	ModeClient Mode = "client"
	// ModeComponent один поток на удаленный сервер
	ModeComponent Mode = "component"
)

// Config конфигурация потоков и пула обработчиков
type Config struct {
	Mode            Mode          `mapstructure:"mode" yaml:"mode"`
	RestartCount    int           `mapstructure:"restart_count" yaml:"restart_count"`
	RestartInterval time.Duration `mapstructure:"restart_interval" yaml:"restart_interval"`
	SetupTimeout    time.Duration `mapstructure:"setup_timeout" yaml:"setup_timeout"`
	Workers         int           `mapstructure:"workers" yaml:"workers"`
	QueueSize       int           `mapstructure:"queue_size" yaml:"queue_size"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Mode:            ModeClient,
		RestartCount:    RestartCountDefault,
		RestartInterval: RestartIntervalDefault,
		SetupTimeout:    SetupTimeoutDefault,
		Workers:         8,
		QueueSize:       256,
	}
}

// Normalize приводит значения к допустимым границам
func (c *Config) Normalize() {
	if c.Mode != ModeComponent {
		c.Mode = ModeClient
	}
	switch {
	case c.RestartCount == 0:
		c.RestartCount = RestartCountDefault
	case c.RestartCount < RestartCountMin:
		c.RestartCount = RestartCountMin
	case c.RestartCount > RestartCountMax:
		c.RestartCount = RestartCountMax
	}
	switch {
	case c.RestartInterval == 0:
		c.RestartInterval = RestartIntervalDefault
	case c.RestartInterval < RestartIntervalMin:
		c.RestartInterval = RestartIntervalMin
	case c.RestartInterval > RestartIntervalMax:
		c.RestartInterval = RestartIntervalMax
	}
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = SetupTimeoutDefault
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
}

// State состояние потока
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateRunning
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Connector устанавливает транспортное соединение потока (TCP, TLS, SASL)
type Connector interface {
	Connect(ctx context.Context, s *Stream) error
}

// Stream живой сигнальный поток
type Stream struct {
	ID       string
	Local    jid.JID
	Remote   jid.JID
	Outgoing bool

	key string

	mu         sync.Mutex
	state      State
	restarts   int
	nextRefill time.Time
}

// State возвращает текущее состояние
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restarts возвращает оставшийся бюджет перезапусков
func (s *Stream) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// UnreachableFunc вызывается, когда поток удален после исчерпания перезапусков
type UnreachableFunc func(s *Stream, err error)

// Manager владеет набором живых потоков
type Manager struct {
	cfg       Config
	connector Connector
	clock     func() time.Time
	log       *logrus.Entry
	metrics   *metrics.Collector

	mu            sync.RWMutex
	streams       map[string]*Stream
	onUnreachable UnreachableFunc

	// ctx живет до Shutdown: подключения и перезапуски не зависят от
	// контекста запроса, открывшего поток
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager создает менеджер потоков
func NewManager(cfg Config, connector Connector, log *logrus.Logger, m *metrics.Collector) *Manager {
	cfg.Normalize()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		ctx:       ctx,
		cancel:    cancel,
		cfg:       cfg,
		connector: connector,
		clock:     time.Now,
		log:       logger.WithComponent(log, "stream"),
		metrics:   m,
		streams:   make(map[string]*Stream),
	}
}

// OnUnreachable задает обработчик окончательной потери потока
func (m *Manager) OnUnreachable(fn UnreachableFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUnreachable = fn
}

// streamKey ключ потока: удаленный домен в режиме компонента, полный локальный JID в режиме клиента
func (m *Manager) streamKey(local, remote jid.JID) string {
	if m.cfg.Mode == ModeComponent {
		return remote.Domain().String()
	}
	return local.String()
}

// CheckDupID сообщает, есть ли исходящий поток к remote с тем же id
func (m *Manager) CheckDupID(remote jid.JID, id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.streams {
		if s.Outgoing && s.ID == id && s.Remote.Domain().Equal(remote.Domain()) {
			return true
		}
	}
	return false
}

// Open регистрирует исходящий поток и запускает подключение в отдельной горутине
//
// ctx ограничивает только сам вызов: подключение и перезапуски потока
// работают до Shutdown менеджера.
func (m *Manager) Open(ctx context.Context, id string, local, remote jid.JID) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.ctx.Err() != nil {
		return nil, ErrManagerClosed
	}
	if m.CheckDupID(remote, id) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrDuplicateID, id, remote)
	}

	key := m.streamKey(local, remote)
	m.mu.Lock()
	if _, exists := m.streams[key]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrStreamExists, key)
	}
	s := &Stream{
		ID:         id,
		Local:      local,
		Remote:     remote,
		Outgoing:   true,
		key:        key,
		restarts:   m.cfg.RestartCount,
		nextRefill: m.clock().Add(m.cfg.RestartInterval),
	}
	m.streams[key] = s
	m.mu.Unlock()

	m.connect(s)
	return s, nil
}

// Find возвращает поток для пары локальный/удаленный JID
func (m *Manager) Find(local, remote jid.JID) *Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streams[m.streamKey(local, remote)]
}

// FindByID возвращает поток по id
func (m *Manager) FindByID(id string) *Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.streams {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Count возвращает количество потоков
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// connect расходует один перезапуск и подключает поток асинхронно.
// Без бюджета поток удаляется как недоступный.
func (m *Manager) connect(s *Stream) {
	s.mu.Lock()
	if s.state == StateDestroyed || s.state == StateConnecting {
		s.mu.Unlock()
		return
	}
	if s.restarts <= 0 {
		s.mu.Unlock()
		m.remove(s, ErrUnreachable)
		return
	}
	s.restarts--
	s.state = StateConnecting
	s.mu.Unlock()

	m.metrics.StreamRestarted()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		cctx, cancel := context.WithTimeout(m.ctx, m.cfg.SetupTimeout)
		defer cancel()

		err := m.connector.Connect(cctx, s)
		if err != nil {
			m.log.WithError(err).WithField("stream", s.ID).Info("подключение потока не удалось")
			m.down(s)
			return
		}
		m.up(s)
	}()
}

func (m *Manager) up(s *Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnecting || s.state == StateIdle {
		s.state = StateRunning
	}
}

// down переводит поток в idle и пробует переподключиться
func (m *Manager) down(s *Stream) {
	s.mu.Lock()
	if s.state == StateDestroyed {
		s.mu.Unlock()
		return
	}
	s.state = StateIdle
	s.mu.Unlock()

	if m.ctx.Err() != nil {
		return
	}
	m.connect(s)
}

func (m *Manager) remove(s *Stream, reason error) {
	m.mu.Lock()
	if cur, ok := m.streams[s.key]; ok && cur == s {
		delete(m.streams, s.key)
	}
	fn := m.onUnreachable
	m.mu.Unlock()

	s.mu.Lock()
	s.state = StateDestroyed
	s.mu.Unlock()

	m.log.WithFields(logrus.Fields{"stream": s.ID, "remote": s.Remote.String()}).
		Warn("поток удален: перезапуски исчерпаны")
	if fn != nil {
		fn(s, reason)
	}
}

// Close закрывает поток без перезапуска
func (m *Manager) Close(id string) {
	s := m.FindByID(id)
	if s == nil {
		return
	}
	m.mu.Lock()
	delete(m.streams, s.key)
	m.mu.Unlock()
	s.mu.Lock()
	s.state = StateDestroyed
	s.mu.Unlock()
}

// Tick пополняет бюджеты перезапусков: по одному за интервал, не выше RestartCount
func (m *Manager) Tick(now time.Time) {
	m.mu.RLock()
	list := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		list = append(list, s)
	}
	m.mu.RUnlock()

	for _, s := range list {
		s.mu.Lock()
		if s.restarts < m.cfg.RestartCount && !now.Before(s.nextRefill) {
			s.restarts++
			s.nextRefill = now.Add(m.cfg.RestartInterval)
		}
		s.mu.Unlock()
	}
}

// Service возвращает сервис для событий жизненного цикла потоков
func (m *Manager) Service() Service {
	return ServiceFunc(func(_ context.Context, ev Event) bool {
		le, ok := ev.(LifecycleEvent)
		if !ok {
			return false
		}
		s := m.FindByID(le.StreamID)
		if s == nil {
			return false
		}
		switch le.Kind {
		case LifecycleConnected:
			m.up(s)
		case LifecycleTerminated, LifecycleWriteFailed:
			m.down(s)
		}
		return true
	})
}

// Run периодически пополняет бюджеты до отмены ctx, затем вызывает Shutdown
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return
		case now := <-ticker.C:
			m.Tick(now)
		}
	}
}

// Shutdown прерывает подключения, запрещает перезапуски и ждет горутины
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

// Wait дожидается завершения горутин подключения
func (m *Manager) Wait() {
	m.wg.Wait()
}
