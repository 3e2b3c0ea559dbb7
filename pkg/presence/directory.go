package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/arzzra/jingle_phone/pkg/logger"
	"github.com/arzzra/jingle_phone/pkg/metrics"
	"github.com/arzzra/jingle_phone/pkg/stream"
)

var (
	// ErrMalformed в stanza нет отправителя или получателя
	ErrMalformed = errors.New("некорректный presence stanza")
	// ErrUnknownDomain получатель не в обслуживаемом домене
	ErrUnknownDomain = errors.New("домен не обслуживается")
	// ErrUnsupportedType неизвестный тип presence
	ErrUnsupportedType = errors.New("неподдерживаемый тип presence")
)

// Sender отправляет исходящие presence stanza через транспорт
type Sender interface {
	SendPresence(ctx context.Context, from, to jid.JID, typ stanza.PresenceType, caps []string) error
	SendError(ctx context.Context, ev Event, e stanza.Error) error
}

// Roster пользователи одного локального bare JID.
// Мьютекс ростера защищает только состав пользователей.
type Roster struct {
	local jid.JID

	mu    sync.Mutex
	users map[string]*User
}

// Local возвращает bare JID владельца
func (r *Roster) Local() jid.JID { return r.local }

// Find возвращает пользователя или nil
func (r *Roster) Find(remote jid.JID) *User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[remote.Bare().String()]
}

// Users возвращает снимок пользователей ростера
func (r *Roster) Users() []*User {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	return out
}

// Count возвращает количество пользователей
func (r *Roster) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

// Directory каталог присутствия: ростеры по локальным JID
type Directory struct {
	cfg     Config
	sender  Sender
	clock   TimeProvider
	log     *logrus.Entry
	metrics *metrics.Collector

	mu        sync.RWMutex
	rosters   map[string]*Roster
	listeners []Listener
}

// NewDirectory создает каталог
func NewDirectory(cfg Config, sender Sender, log *logrus.Logger, m *metrics.Collector) *Directory {
	cfg.Normalize()
	return &Directory{
		cfg:     cfg,
		sender:  sender,
		clock:   systemTime{},
		log:     logger.WithComponent(log, "presence"),
		metrics: m,
		rosters: make(map[string]*Roster),
	}
}

// SetTimeProvider подменяет источник времени
func (d *Directory) SetTimeProvider(tp TimeProvider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock = tp
}

func (d *Directory) now() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.clock.Now()
}

// Config возвращает действующую конфигурацию
func (d *Directory) Config() Config { return d.cfg }

// Subscribe добавляет слушателя уведомлений
func (d *Directory) Subscribe(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// GetOrAddRoster возвращает ростер локального JID, создавая его при необходимости
func (d *Directory) GetOrAddRoster(local jid.JID) *Roster {
	key := local.Bare().String()

	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rosters[key]
	if !ok {
		r = &Roster{local: local.Bare(), users: make(map[string]*User)}
		d.rosters[key] = r
	}
	return r
}

// FindRoster возвращает ростер или nil
func (d *Directory) FindRoster(local jid.JID) *Roster {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rosters[local.Bare().String()]
}

// GetOrAddUser возвращает пользователя ростера, создавая его с подпиской sub.
// Новый пользователь с подпиской From сразу получает наше присутствие,
// при AutoSubscribe получает subscribe, при probe - запрос присутствия.
func (d *Directory) GetOrAddUser(ctx context.Context, r *Roster, remote jid.JID, sub Subscription, probe bool) (*User, bool) {
	key := remote.Bare().String()
	now := d.now()

	r.mu.Lock()
	if u, ok := r.users[key]; ok {
		r.mu.Unlock()
		return u, false
	}
	u := newUser(r.local, remote, sub)
	u.updateTimeout(now, true, &d.cfg)
	u.pushed = sub.From()
	r.users[key] = u
	r.mu.Unlock()

	d.metrics.RosterUsers(1)
	d.log.WithFields(logrus.Fields{
		"local":        r.local.String(),
		"remote":       key,
		"subscription": sub.String(),
	}).Debug("пользователь добавлен в ростер")

	var eff effects
	if sub.From() {
		eff.send(stanza.AvailablePresence)
	}
	if d.cfg.AutoSubscribe && !sub.To() {
		eff.send(stanza.SubscribePresence)
	}
	if probe {
		u.mu.Lock()
		u.updateTimeout(now, false, &d.cfg)
		u.mu.Unlock()
		eff.send(stanza.ProbePresence)
	}
	d.apply(ctx, r, u, eff)
	return u, true
}

// Track возвращает пользователя для исходящего вызова, запрашивая присутствие по AutoProbe
func (d *Directory) Track(ctx context.Context, local, remote jid.JID) *User {
	r := d.GetOrAddRoster(local)
	u, _ := d.GetOrAddUser(ctx, r, remote, SubNone, d.cfg.AutoProbe)
	return u
}

// ProcessPresence применяет доступность ресурса удаленного пользователя
func (d *Directory) ProcessPresence(ctx context.Context, r *Roster, u *User, available bool, resource string, caps Capability, priority int) {
	eff := u.applyPresence(d.now(), &d.cfg, available, resource, caps, priority)
	d.apply(ctx, r, u, eff)
}

// ProcessSubscribe обрабатывает subscribe/subscribed/unsubscribe/unsubscribed
func (d *Directory) ProcessSubscribe(ctx context.Context, r *Roster, u *User, typ stanza.PresenceType) {
	eff := u.applySubscribe(&d.cfg, typ)
	d.apply(ctx, r, u, eff)
}

// Authorize применяет решение приложения по отложенному запросу подписки
func (d *Directory) Authorize(ctx context.Context, r *Roster, u *User, typ stanza.PresenceType, accept bool) {
	var eff effects
	u.mu.Lock()
	u.decide(&eff, typ, accept)
	u.mu.Unlock()
	d.apply(ctx, r, u, eff)
}

// Probe отправляет запрос присутствия и взводит таймер истечения
func (d *Directory) Probe(ctx context.Context, u *User) error {
	u.mu.Lock()
	u.updateTimeout(d.now(), false, &d.cfg)
	u.mu.Unlock()
	return d.send(ctx, u, stanza.ProbePresence)
}

// TimeoutCheck проверяет таймеры всех пользователей.
// Снимок пользователей берется под мьютексом ростера, сами проверки и
// отправка probe идут после его освобождения.
func (d *Directory) TimeoutCheck(ctx context.Context, now time.Time) {
	d.mu.RLock()
	rosters := make([]*Roster, 0, len(d.rosters))
	for _, r := range d.rosters {
		rosters = append(rosters, r)
	}
	d.mu.RUnlock()

	for _, r := range rosters {
		for _, u := range r.Users() {
			if ctx.Err() != nil {
				return
			}
			eff := u.checkTimeout(now, &d.cfg)
			d.apply(ctx, r, u, eff)
		}
	}
}

// FindResource возвращает лучший доступный ресурс удаленного пользователя с возможностями want
func (d *Directory) FindResource(local, remote jid.JID, want Capability) (Resource, bool) {
	r := d.FindRoster(local)
	if r == nil {
		return Resource{}, false
	}
	u := r.Find(remote)
	if u == nil {
		return Resource{}, false
	}
	return u.bestResource(want)
}

// apply выполняет отложенные эффекты вне блокировок
func (d *Directory) apply(ctx context.Context, r *Roster, u *User, eff effects) {
	for _, t := range eff.sends {
		if err := d.send(ctx, u, t); err != nil {
			d.log.WithError(err).WithFields(logrus.Fields{
				"remote": u.remote.String(),
				"type":   string(t),
			}).Warn("не удалось отправить presence")
		}
	}
	if eff.remove {
		d.removeUser(r, u)
		eff.notes = append(eff.notes, Notification{Kind: NotifyRemoved, Local: u.local, Remote: u.remote})
	}
	if len(eff.notes) == 0 {
		return
	}
	d.mu.RLock()
	listeners := make([]Listener, len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.RUnlock()
	for _, n := range eff.notes {
		for _, l := range listeners {
			l(n)
		}
	}
}

func (d *Directory) send(ctx context.Context, u *User, t stanza.PresenceType) error {
	if d.sender == nil {
		return nil
	}
	var caps []string
	if t == stanza.AvailablePresence {
		caps = d.cfg.Caps
	}
	return d.sender.SendPresence(ctx, u.local, u.remote, t, caps)
}

func (d *Directory) removeUser(r *Roster, u *User) {
	r.mu.Lock()
	key := u.remote.String()
	cur, ok := r.users[key]
	if ok && cur == u {
		delete(r.users, key)
	}
	r.mu.Unlock()

	if ok && cur == u {
		d.metrics.RosterUsers(-1)
		d.log.WithFields(logrus.Fields{
			"local":  r.local.String(),
			"remote": key,
		}).Debug("пользователь удален из ростера")
	}
}

func (d *Directory) reject(ctx context.Context, ev Event, cond stanza.Condition, typ stanza.ErrorType) {
	if d.sender == nil {
		return
	}
	if err := d.sender.SendError(ctx, ev, stanza.Error{Type: typ, Condition: cond}); err != nil {
		d.log.WithError(err).Warn("не удалось отправить ошибку presence")
	}
}

// HandleEvent обрабатывает входящий presence stanza.
// Некорректные и чужие stanza получают ошибку и больше не обрабатываются.
func (d *Directory) HandleEvent(ctx context.Context, ev Event) error {
	if ev.From.Domainpart() == "" || ev.To.Domainpart() == "" {
		d.reject(ctx, ev, stanza.ServiceUnavailable, stanza.Cancel)
		return ErrMalformed
	}
	if !d.cfg.serves(ev.To.Domainpart()) {
		d.reject(ctx, ev, stanza.ItemNotFound, stanza.Cancel)
		return ErrUnknownDomain
	}

	r := d.GetOrAddRoster(ev.To)
	remote := ev.From.Bare()

	switch ev.Type {
	case stanza.AvailablePresence, stanza.UnavailablePresence:
		available := ev.Type == stanza.AvailablePresence
		u := r.Find(remote)
		if u == nil {
			if !available {
				return nil
			}
			u, _ = d.GetOrAddUser(ctx, r, remote, SubNone, false)
		}
		d.ProcessPresence(ctx, r, u, available, ev.From.Resourcepart(), ParseCaps(ev.Caps), ev.Priority)
	case stanza.SubscribePresence, stanza.SubscribedPresence,
		stanza.UnsubscribePresence, stanza.UnsubscribedPresence:
		u, _ := d.GetOrAddUser(ctx, r, remote, SubNone, false)
		d.ProcessSubscribe(ctx, r, u, ev.Type)
	case stanza.ProbePresence:
		if u := r.Find(remote); u != nil {
			d.apply(ctx, r, u, u.applyProbe(d.now(), &d.cfg))
		}
	case stanza.ErrorPresence:
		d.log.WithField("remote", remote.String()).Debug("получена ошибка presence")
	default:
		d.reject(ctx, ev, stanza.FeatureNotImplemented, stanza.Cancel)
		return ErrUnsupportedType
	}
	return nil
}

// Service возвращает сервис категории presence для диспетчера
func (d *Directory) Service() stream.Service {
	return stream.ServiceFunc(func(ctx context.Context, ev stream.Event) bool {
		pe, ok := ev.(Event)
		if !ok {
			return false
		}
		if err := d.HandleEvent(ctx, pe); err != nil {
			d.log.WithError(err).WithField("from", pe.From.String()).Debug("presence отклонен")
		}
		return true
	})
}

// Run проверяет таймеры ростеров с периодом SweepInterval до отмены ctx
func (d *Directory) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.TimeoutCheck(ctx, d.now())
		}
	}
}
