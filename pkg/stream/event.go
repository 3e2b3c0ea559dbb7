package stream

import (
	"fmt"

	"mellium.im/xmpp/jid"
)

// Category категория события, по которой диспетчер выбирает список сервисов
type Category int

const (
	CategoryMessage Category = iota
	CategoryJingle
	CategoryIQ
	CategoryPresence
	CategoryDisco
	CategoryCommand
	CategoryStream
)

// Categories все категории в порядке объявления
var Categories = []Category{
	CategoryMessage, CategoryJingle, CategoryIQ, CategoryPresence,
	CategoryDisco, CategoryCommand, CategoryStream,
}

func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "message"
	case CategoryJingle:
		return "jingle"
	case CategoryIQ:
		return "iq"
	case CategoryPresence:
		return "presence"
	case CategoryDisco:
		return "disco"
	case CategoryCommand:
		return "command"
	case CategoryStream:
		return "stream"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// Event входящее событие протокола.
//
// Конкретные типы событий объявляются в пакетах-владельцах (jingle, presence)
// и в этом пакете для событий жизненного цикла потока. Key задает ключ
// партиционирования в пуле обработчиков: события с одинаковым ключом
// обрабатываются строго последовательно.
type Event interface {
	Category() Category
	Key() string
}

// Request событие, на которое отправитель ждет ответ (iq get/set).
// Непринятые запросы получают ошибку вместо молчаливого удаления.
type Request interface {
	Event
	RequestID() string
}

// LifecycleKind тип события жизненного цикла потока
type LifecycleKind int

const (
	LifecycleConnected LifecycleKind = iota
	LifecycleTerminated
	LifecycleWriteFailed
)

func (k LifecycleKind) String() string {
	switch k {
	case LifecycleConnected:
		return "connected"
	case LifecycleTerminated:
		return "terminated"
	case LifecycleWriteFailed:
		return "write-failed"
	default:
		return "unknown"
	}
}

// LifecycleEvent сообщает о подключении, разрыве или ошибке записи потока
type LifecycleEvent struct {
	Kind     LifecycleKind
	StreamID string
	Err      error
}

func (LifecycleEvent) Category() Category { return CategoryStream }
func (e LifecycleEvent) Key() string      { return e.StreamID }

// StanzaEvent событие без собственного типа в пакетах движка:
// message, обычные iq, disco и ad-hoc команды.
type StanzaEvent struct {
	Kind     Category
	StreamID string
	ID       string
	From     jid.JID
	To       jid.JID
	IsIQ     bool
}

func (e StanzaEvent) Category() Category { return e.Kind }
func (e StanzaEvent) Key() string        { return e.From.Bare().String() }

// RequestID возвращает id запроса; пустой для message
func (e StanzaEvent) RequestID() string {
	if !e.IsIQ {
		return ""
	}
	return e.ID
}
