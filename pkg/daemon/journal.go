// Package daemon связывает компоненты движка в процесс jingled: журнальный
// транспорт stanza и встроенное управление вызовами.
package daemon

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/arzzra/jingle_phone/pkg/jingle"
	"github.com/arzzra/jingle_phone/pkg/logger"
	"github.com/arzzra/jingle_phone/pkg/presence"
	"github.com/arzzra/jingle_phone/pkg/stream"
)

// ErrNoStream поток к удаленной стороне не удалось открыть
var ErrNoStream = errors.New("нет потока к удаленной стороне")

// Entry запись журнала исходящих stanza
type Entry struct {
	StreamID string
	Kind     string
	ID       string
	From     jid.JID
	To       jid.JID
	Action   string
	Error    *stanza.Error
}

// Journal транспорт, который не пишет в сеть: каждая исходящая stanza
// попадает в лог и в кольцевой буфер последних записей.
//
// Реализует jingle.Signaler, presence.Sender, stream.Responder и
// stream.Connector. Потоки открываются через stream.Manager, поэтому
// бюджет перезапусков и события жизненного цикла работают как с сетью.
type Journal struct {
	streams *stream.Manager
	limit   int
	log     *logrus.Entry

	mu      sync.Mutex
	entries []Entry
}

// NewJournal создает журнал, хранящий не более limit записей
func NewJournal(limit int, log *logrus.Logger) *Journal {
	if limit <= 0 {
		limit = 256
	}
	return &Journal{
		limit: limit,
		log:   logger.WithComponent(log, "journal"),
	}
}

// Bind задает менеджер потоков. Вызывается до первой отправки.
func (j *Journal) Bind(m *stream.Manager) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.streams = m
}

// Connect реализует stream.Connector: журналу подключаться некуда
func (j *Journal) Connect(ctx context.Context, s *stream.Stream) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.log.WithFields(logrus.Fields{
		"stream": s.ID,
		"local":  s.Local.String(),
		"remote": s.Remote.String(),
	}).Debug("поток открыт")
	return nil
}

// streamFor возвращает поток к remote, открывая его при необходимости
func (j *Journal) streamFor(ctx context.Context, local, remote jid.JID) (string, error) {
	j.mu.Lock()
	m := j.streams
	j.mu.Unlock()
	if m == nil {
		return "", nil
	}
	if s := m.Find(local, remote); s != nil {
		return s.ID, nil
	}
	s, err := m.Open(ctx, uuid.NewString(), local, remote)
	if err != nil {
		if errors.Is(err, stream.ErrStreamExists) {
			if s = m.Find(local, remote); s != nil {
				return s.ID, nil
			}
		}
		return "", errors.Join(ErrNoStream, err)
	}
	return s.ID, nil
}

func (j *Journal) record(e Entry) {
	fields := logrus.Fields{
		"kind": e.Kind,
		"id":   e.ID,
		"from": e.From.String(),
		"to":   e.To.String(),
	}
	if e.StreamID != "" {
		fields["stream"] = e.StreamID
	}
	if e.Action != "" {
		fields["action"] = e.Action
	}
	entry := j.log.WithFields(fields)
	if e.Error != nil {
		entry.WithFields(logrus.Fields{
			"type":      string(e.Error.Type),
			"condition": string(e.Error.Condition),
		}).Info("ошибка")
	} else {
		entry.Info("stanza")
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	if over := len(j.entries) - j.limit; over > 0 {
		j.entries = append(j.entries[:0], j.entries[over:]...)
	}
}

// Entries возвращает копию последних записей
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Entry(nil), j.entries...)
}

// Send реализует jingle.Signaler
func (j *Journal) Send(ctx context.Context, out jingle.Outbound) (string, error) {
	sid, err := j.streamFor(ctx, out.From, out.To)
	if err != nil {
		return "", err
	}
	id := out.ID
	if id == "" {
		id = uuid.NewString()
	}
	j.record(Entry{StreamID: sid, Kind: "jingle", ID: id, From: out.From, To: out.To, Action: string(out.Action)})
	return id, nil
}

// Confirm реализует jingle.Signaler
func (j *Journal) Confirm(_ context.Context, ev *jingle.Event, e *stanza.Error) error {
	kind := "result"
	if e != nil {
		kind = "error"
	}
	j.record(Entry{StreamID: ev.StreamID, Kind: kind, ID: ev.ID, From: ev.To, To: ev.From, Action: string(ev.Action), Error: e})
	return nil
}

// SendPresence реализует presence.Sender
func (j *Journal) SendPresence(ctx context.Context, from, to jid.JID, typ stanza.PresenceType, _ []string) error {
	sid, err := j.streamFor(ctx, from, to)
	if err != nil {
		return err
	}
	j.record(Entry{StreamID: sid, Kind: "presence", From: from, To: to, Action: string(typ)})
	return nil
}

// SendError реализует presence.Sender
func (j *Journal) SendError(_ context.Context, ev presence.Event, e stanza.Error) error {
	j.record(Entry{StreamID: ev.StreamID, Kind: "presence", ID: ev.ID, From: ev.To, To: ev.From, Action: "error", Error: &e})
	return nil
}

// RespondError реализует stream.Responder для непринятых запросов
func (j *Journal) RespondError(_ context.Context, req stream.Request, e stanza.Error) error {
	j.record(Entry{Kind: "error", ID: req.RequestID(), Action: req.Category().String(), Error: &e})
	return nil
}
