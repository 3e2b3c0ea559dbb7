package stream

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/stanza"

	"github.com/arzzra/jingle_phone/pkg/logger"
	"github.com/arzzra/jingle_phone/pkg/metrics"
)

// Service получатель событий одной категории.
//
// Accept возвращает true, если событие поглощено: обработано сразу или
// поставлено в собственную очередь сервиса. Тогда доставка прекращается.
type Service interface {
	Accept(ctx context.Context, ev Event) bool
}

// ServiceFunc адаптер функции к Service
type ServiceFunc func(ctx context.Context, ev Event) bool

// Accept вызывает f
func (f ServiceFunc) Accept(ctx context.Context, ev Event) bool { return f(ctx, ev) }

// Responder отправляет ошибку на запрос, который никто не обработал
type Responder interface {
	RespondError(ctx context.Context, req Request, e stanza.Error) error
}

type registration struct {
	name     string
	priority int
	svc      Service
}

// Dispatcher доставляет события спискам сервисов по категориям.
// Внутри категории сервисы упорядочены по возрастанию priority.
type Dispatcher struct {
	mu        sync.RWMutex
	services  map[Category][]registration
	responder Responder
	log       *logrus.Entry
	metrics   *metrics.Collector
}

// NewDispatcher создает диспетчер. responder может быть nil.
func NewDispatcher(responder Responder, log *logrus.Logger, m *metrics.Collector) *Dispatcher {
	return &Dispatcher{
		services:  make(map[Category][]registration),
		responder: responder,
		log:       logger.WithComponent(log, "dispatcher"),
		metrics:   m,
	}
}

// Attach регистрирует сервис для категории.
// Сервисы с равным приоритетом сохраняют порядок регистрации.
func (d *Dispatcher) Attach(cat Category, name string, priority int, svc Service) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := append(d.services[cat], registration{name: name, priority: priority, svc: svc})
	sort.SliceStable(list, func(i, j int) bool { return list[i].priority < list[j].priority })
	d.services[cat] = list
	d.log.WithFields(logrus.Fields{
		"category": cat.String(),
		"service":  name,
		"priority": priority,
	}).Debug("сервис подключен")
}

// Detach удаляет сервис по имени из всех категорий
func (d *Dispatcher) Detach(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for cat, list := range d.services {
		kept := list[:0]
		for _, r := range list {
			if r.name != name {
				kept = append(kept, r)
			}
		}
		d.services[cat] = kept
	}
}

// Services возвращает имена сервисов категории в порядке опроса
func (d *Dispatcher) Services(cat Category) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.services[cat]))
	for _, r := range d.services[cat] {
		names = append(names, r.name)
	}
	return names
}

// Dispatch доставляет событие сервисам его категории.
// Возвращает true, если событие было поглощено одним из сервисов.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) bool {
	d.mu.RLock()
	list := d.services[ev.Category()]
	snapshot := make([]registration, len(list))
	copy(snapshot, list)
	d.mu.RUnlock()

	for _, r := range snapshot {
		if r.svc.Accept(ctx, ev) {
			return true
		}
	}

	d.unhandled(ctx, ev)
	return false
}

// unhandled отвечает ошибкой на запросы и удаляет остальные события
func (d *Dispatcher) unhandled(ctx context.Context, ev Event) {
	d.metrics.EventUnhandled(ev.Category().String())

	req, ok := ev.(Request)
	if !ok || req.RequestID() == "" || d.responder == nil {
		d.log.WithFields(logrus.Fields{
			"category": ev.Category().String(),
			"key":      ev.Key(),
		}).Debug("событие не обработано, удалено")
		return
	}

	cond := stanza.ServiceUnavailable
	if ev.Category() == CategoryDisco || ev.Category() == CategoryCommand {
		cond = stanza.FeatureNotImplemented
	}
	if err := d.responder.RespondError(ctx, req, stanza.Error{Type: stanza.Cancel, Condition: cond}); err != nil {
		d.log.WithError(err).WithField("id", req.RequestID()).Warn("не удалось ответить на запрос")
	}
}
