// Package metrics собирает Prometheus метрики движка Jingle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config конфигурация системы метрик
type Config struct {
	// Enabled включает/выключает сбор метрик
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Namespace префикс для Prometheus метрик
	Namespace string `mapstructure:"namespace" yaml:"namespace"`

	// Subsystem подсистема для Prometheus метрик
	Subsystem string `mapstructure:"subsystem" yaml:"subsystem"`

	// Listen адрес HTTP эндпоинта /metrics, пустой - не поднимать
	Listen string `mapstructure:"listen" yaml:"listen"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		Namespace: "jingle",
		Subsystem: "engine",
		Listen:    ":9108",
	}
}

// Collector экспортирует метрики сессий, ростера и диспетчера.
//
// Все методы безопасны для nil получателя и для выключенного сборщика,
// поэтому компоненты вызывают их без проверок.
type Collector struct {
	enabled bool

	sessionsTotal         *prometheus.CounterVec
	sessionsActive        prometheus.Gauge
	terminations          *prometheus.CounterVec
	contentsRejected      *prometheus.CounterVec
	candidateReplacements *prometheus.CounterVec
	hostFlips             prometheus.Counter
	rosterUsers           prometheus.Gauge
	unhandledEvents       *prometheus.CounterVec
	streamRestarts        prometheus.Counter
	poolRejected          prometheus.Counter
}

// New создает сборщик и регистрирует метрики в reg.
// nil reg означает prometheus.DefaultRegisterer.
func New(cfg Config, reg prometheus.Registerer) *Collector {
	if !cfg.Enabled {
		return &Collector{}
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	ns, sub := cfg.Namespace, cfg.Subsystem

	return &Collector{
		enabled: true,
		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "sessions_total",
			Help: "Total number of Jingle sessions created",
		}, []string{"direction"}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "sessions_active",
			Help: "Number of live Jingle sessions",
		}),
		terminations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "session_terminations_total",
			Help: "Terminated sessions by reason",
		}, []string{"reason"}),
		contentsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "contents_rejected_total",
			Help: "Received contents rejected during negotiation by cause",
		}, []string{"cause"}),
		candidateReplacements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "candidate_replacements_total",
			Help: "Accepted remote candidate replacements by kind",
		}, []string{"kind"}),
		hostFlips: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "filetransfer_host_flips_total",
			Help: "File transfer stream host direction changes",
		}),
		rosterUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "roster_users",
			Help: "Number of remote users tracked by the presence directory",
		}),
		unhandledEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "unhandled_events_total",
			Help: "Events discarded by the dispatcher by category",
		}, []string{"category"}),
		streamRestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "stream_restarts_total",
			Help: "Signaling stream reconnect attempts",
		}),
		poolRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "pool_rejected_total",
			Help: "Events rejected because a worker partition queue was full",
		}),
	}
}

func (c *Collector) on() bool { return c != nil && c.enabled }

// SessionCreated учитывает новую сессию (direction: incoming/outgoing)
func (c *Collector) SessionCreated(direction string) {
	if !c.on() {
		return
	}
	c.sessionsTotal.WithLabelValues(direction).Inc()
	c.sessionsActive.Inc()
}

// SessionTerminated учитывает завершение сессии с причиной
func (c *Collector) SessionTerminated(reason string) {
	if !c.on() {
		return
	}
	c.terminations.WithLabelValues(reason).Inc()
	c.sessionsActive.Dec()
}

// ContentRejected учитывает отклоненный контент
func (c *Collector) ContentRejected(cause string) {
	if c.on() {
		c.contentsRejected.WithLabelValues(cause).Inc()
	}
}

// CandidateReplaced учитывает замену кандидата (kind: generation/relay/identity)
func (c *Collector) CandidateReplaced(kind string) {
	if c.on() {
		c.candidateReplacements.WithLabelValues(kind).Inc()
	}
}

// HostDirectionFlipped учитывает смену направления stream host
func (c *Collector) HostDirectionFlipped() {
	if c.on() {
		c.hostFlips.Inc()
	}
}

// RosterUsers обновляет количество пользователей в ростерах
func (c *Collector) RosterUsers(delta int) {
	if c.on() {
		c.rosterUsers.Add(float64(delta))
	}
}

// EventUnhandled учитывает событие, которое не принял ни один сервис
func (c *Collector) EventUnhandled(category string) {
	if c.on() {
		c.unhandledEvents.WithLabelValues(category).Inc()
	}
}

// StreamRestarted учитывает попытку переподключения потока
func (c *Collector) StreamRestarted() {
	if c.on() {
		c.streamRestarts.Inc()
	}
}

// PoolRejected учитывает отказ в постановке события в очередь
func (c *Collector) PoolRejected() {
	if c.on() {
		c.poolRejected.Inc()
	}
}
