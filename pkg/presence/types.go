package presence

import (
	"strings"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/arzzra/jingle_phone/pkg/stream"
)

// Subscription биты подписки на присутствие
type Subscription uint8

const (
	// SubNone подписки нет
	SubNone Subscription = 0
	// SubFrom удаленная сторона получает наше присутствие
	SubFrom Subscription = 1
	// SubTo мы получаем присутствие удаленной стороны
	SubTo Subscription = 2
	// SubBoth обе подписки
	SubBoth = SubFrom | SubTo
)

// ParseSubscription разбирает значение атрибута subscription ростера
func ParseSubscription(s string) Subscription {
	switch strings.ToLower(s) {
	case "from":
		return SubFrom
	case "to":
		return SubTo
	case "both":
		return SubBoth
	default:
		return SubNone
	}
}

// From возвращает true, если удаленная сторона подписана на нас
func (s Subscription) From() bool { return s&SubFrom != 0 }

// To возвращает true, если мы подписаны на удаленную сторону
func (s Subscription) To() bool { return s&SubTo != 0 }

func (s Subscription) String() string {
	switch s {
	case SubFrom:
		return "from"
	case SubTo:
		return "to"
	case SubBoth:
		return "both"
	default:
		return "none"
	}
}

// Capability возможности ресурса
type Capability uint8

const (
	CapAudio Capability = 1 << iota
	CapFileTransfer
)

// Has проверяет наличие всех возможностей want
func (c Capability) Has(want Capability) bool { return c&want == want }

// ParseCaps строит набор возможностей из расширений caps и disco features
func ParseCaps(caps []string) Capability {
	var c Capability
	for _, s := range caps {
		switch {
		case s == "voice-v1",
			strings.HasPrefix(s, "urn:xmpp:jingle:apps:rtp"):
			c |= CapAudio
		case s == "jingle-file",
			strings.HasPrefix(s, "urn:xmpp:jingle:apps:file-transfer"):
			c |= CapFileTransfer
		}
	}
	return c
}

// Resource ресурс удаленного пользователя
type Resource struct {
	Name      string
	Available bool
	Caps      Capability
	Priority  int
}

// SubscribePolicy ответ на входящие subscribe/unsubscribe
type SubscribePolicy string

const (
	// PolicyAccept подтверждать автоматически
	PolicyAccept SubscribePolicy = "accept"
	// PolicyIgnore не отвечать
	PolicyIgnore SubscribePolicy = "ignore"
	// PolicyDefer передать решение приложению
	PolicyDefer SubscribePolicy = "defer"
)

// Значения по умолчанию для таймеров ростера
const (
	ProbeIntervalDefault  = 1800 * time.Second
	ExpireIntervalDefault = 300 * time.Second
	SweepIntervalDefault  = time.Second
)

// Config конфигурация каталога присутствия
type Config struct {
	// Domains обслуживаемые локальные домены, пустой список - любые
	Domains []string `mapstructure:"domains" yaml:"domains"`
	// ProbeInterval период отправки probe без обновлений от удаленной стороны
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	// ExpireInterval время ожидания ответа на probe
	ExpireInterval time.Duration `mapstructure:"expire_interval" yaml:"expire_interval"`
	// SweepInterval период проверки таймеров ростеров
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	// DeleteUnavailable удалять недоступные ресурсы и пустых пользователей
	DeleteUnavailable bool `mapstructure:"delete_unavailable" yaml:"delete_unavailable"`
	// AutoProbe отправлять probe при создании пользователя
	AutoProbe bool `mapstructure:"auto_probe" yaml:"auto_probe"`
	// AutoSubscribe отправлять subscribe при создании пользователя без подписки To
	AutoSubscribe bool `mapstructure:"auto_subscribe" yaml:"auto_subscribe"`
	// Policy ответ на входящие запросы подписки
	Policy SubscribePolicy `mapstructure:"policy" yaml:"policy"`
	// Caps локальные возможности, объявляемые в присутствии
	Caps []string `mapstructure:"caps" yaml:"caps"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		ProbeInterval:     ProbeIntervalDefault,
		ExpireInterval:    ExpireIntervalDefault,
		SweepInterval:     SweepIntervalDefault,
		DeleteUnavailable: true,
		AutoProbe:         true,
		Policy:            PolicyAccept,
		Caps:              []string{"voice-v1", "jingle-file"},
	}
}

// Normalize подставляет значения по умолчанию вместо недопустимых
func (c *Config) Normalize() {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = ProbeIntervalDefault
	}
	if c.ExpireInterval <= 0 {
		c.ExpireInterval = ExpireIntervalDefault
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = SweepIntervalDefault
	}
	switch c.Policy {
	case PolicyAccept, PolicyIgnore, PolicyDefer:
	default:
		c.Policy = PolicyAccept
	}
}

// serves проверяет, обслуживается ли домен
func (c *Config) serves(domain string) bool {
	if len(c.Domains) == 0 {
		return true
	}
	for _, d := range c.Domains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// Event входящий presence stanza
type Event struct {
	StreamID string
	ID       string
	From     jid.JID
	To       jid.JID
	Type     stanza.PresenceType
	Caps     []string
	Priority int
}

// Category реализует stream.Event
func (Event) Category() stream.Category { return stream.CategoryPresence }

// Key реализует stream.Event: события одного удаленного пользователя идут последовательно
func (e Event) Key() string { return e.From.Bare().String() }

// NotificationKind тип уведомления каталога
type NotificationKind int

const (
	// NotifyPresence изменилась доступность ресурса
	NotifyPresence NotificationKind = iota
	// NotifySubscriptionRequest запрос подписки ждет решения приложения
	NotifySubscriptionRequest
	// NotifyRemoved пользователь удален из ростера
	NotifyRemoved
)

// Notification уведомление для слушателей каталога
type Notification struct {
	Kind      NotificationKind
	Local     jid.JID
	Remote    jid.JID
	Resource  string
	Available bool
	Caps      Capability
	Request   stanza.PresenceType
}

// Listener получает уведомления каталога вне блокировок
type Listener func(n Notification)

// TimeProvider источник времени, подменяется в тестах
type TimeProvider interface {
	Now() time.Time
}

type systemTime struct{}

func (systemTime) Now() time.Time { return time.Now() }
