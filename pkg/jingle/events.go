package jingle

import (
	"context"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/arzzra/jingle_phone/pkg/socks"
	"github.com/arzzra/jingle_phone/pkg/stream"
)

// Action действие Jingle или информационное сообщение внутри session-info
type Action string

const (
	ActInitiate         Action = "session-initiate"
	ActAccept           Action = "session-accept"
	ActTerminate        Action = "session-terminate"
	ActInfo             Action = "session-info"
	ActTransportInfo    Action = "transport-info"
	ActTransportAccept  Action = "transport-accept"
	ActTransportReject  Action = "transport-reject"
	ActTransportReplace Action = "transport-replace"
	ActContentAccept    Action = "content-accept"
	ActContentAdd       Action = "content-add"
	ActContentModify    Action = "content-modify"
	ActContentReject    Action = "content-reject"
	ActContentRemove    Action = "content-remove"

	// Содержимое session-info
	ActTransfer       Action = "transfer"
	ActRinging        Action = "ringing"
	ActHold           Action = "hold"
	ActActive         Action = "active"
	ActMute           Action = "mute"
	ActTrying         Action = "trying"
	ActReceived       Action = "received"
	ActDTMF           Action = "dtmf"
	ActStreamHost     Action = "streamhost"
	// ActStreamHostUsed ответ на запрос streamhost: ID совпадает с ID запроса
	ActStreamHostUsed Action = "streamhost-used"
	ActRedirect       Action = "redirect"

	// Ответы на наши запросы
	ActResult Action = "result"
	ActError  Action = "error"
)

// StreamHost stream host SOCKS5 для передачи файла
type StreamHost struct {
	JID   jid.JID
	Addr  string
	Port  int
	Local bool
}

// TransferInfo параметры передачи вызова
type TransferInfo struct {
	Target  jid.JID
	From    jid.JID
	SID     string
	Subject string
}

// Event входящее событие Jingle.
//
// Результаты и ошибки на наши запросы приходят с Action ActResult/ActError
// и ID исходного запроса. Остальные события являются запросами и
// подтверждаются ровно один раз.
type Event struct {
	StreamID string
	ID       string
	SID      string
	Action   Action
	From     jid.JID
	To       jid.JID

	Contents    []*Content
	Reason      string
	Text        string
	Subject     string
	Transfer    *TransferInfo
	Attrs       map[string]string
	DTMF        string
	StreamHosts []StreamHost
	// StreamHostUsed JID выбранного stream host в ответе
	StreamHostUsed string
	Redirect       jid.JID
	// Features расширения удаленной стороны из initiate
	Features []string
	Error    *stanza.Error

	confirmed bool
}

// Category реализует stream.Event
func (*Event) Category() stream.Category { return stream.CategoryJingle }

// Key реализует stream.Event: события одной сессии идут последовательно
func (e *Event) Key() string { return e.SID }

// RequestID реализует stream.Request
func (e *Event) RequestID() string {
	if e.isResponse() {
		return ""
	}
	return e.ID
}

func (e *Event) isResponse() bool { return e.Action == ActResult || e.Action == ActError }

// Outbound исходящее сообщение сессии
type Outbound struct {
	ID        string
	SID       string
	Action    Action
	From      jid.JID
	To        jid.JID
	Initiator jid.JID

	Contents       []*Content
	Reason         string
	Text           string
	Subject        string
	Transfer       *TransferInfo
	Attrs          map[string]string
	DTMF           string
	StreamHosts    []StreamHost
	StreamHostUsed string
}

// Signaler транспорт stanza для сессий.
//
// Send не ждет сети: stanza ставится в очередь потока, ошибка означает,
// что потока нет. Сбой записи приходит позже событием жизненного цикла.
type Signaler interface {
	Send(ctx context.Context, out Outbound) (string, error)
	// Confirm отвечает на запрос результатом (e == nil) или ошибкой
	Confirm(ctx context.Context, ev *Event, e *stanza.Error) error
}

// Update уведомление об удержании или возобновлении
type Update struct {
	Hold   bool
	Active bool
	Remote bool
	Attrs  map[string]string
}

// TransferRequest запрос маршрутизации при передаче без консультации
type TransferRequest struct {
	// SID сессии передающей стороны
	SID     string
	Target  jid.JID
	From    jid.JID
	Subject string
}

// Application уровень управления вызовами.
//
// Уведомления вызываются вне блокировки сессии.
type Application interface {
	OnIncoming(s *Session)
	OnRinging(s *Session)
	OnAnswered(s *Session)
	OnProgress(s *Session, formats []string)
	OnUpdate(s *Session, u Update)
	OnDTMF(s *Session, digits string)
	// OnHangup вызывается ровно один раз со стабильным кодом причины
	OnHangup(s *Session, reason string)

	// RouteTransfer маршрутизирует новую ветку к цели и соединяет ее
	// с собеседником передающей стороны
	RouteTransfer(ctx context.Context, req TransferRequest) error
	// ConnectPeers соединяет собеседников двух сессий
	ConnectPeers(ctx context.Context, transferred, target *Session) error
	// Forward получает перенаправление после исчерпания счетчика
	Forward(s *Session, target jid.JID)

	// OpenFile возвращает источник или приемник данных файла. Вызывается
	// под блокировкой сессии, методы s из него вызывать нельзя.
	OpenFile(s *Session, f FileInfo, send bool) (socks.Payload, error)
	OnFileStatus(s *Session, state FileState, bytes int64)
}
