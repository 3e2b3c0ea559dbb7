package presence

import (
	"sort"
	"sync"
	"time"

	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// User удаленный пользователь в ростере локального JID.
//
// Принадлежит ростеру до удаления из него. Подписка, ресурсы и таймеры
// защищены собственным мьютексом пользователя.
type User struct {
	local  jid.JID
	remote jid.JID

	mu        sync.Mutex
	sub       Subscription
	resources []*Resource
	nextProbe time.Time
	expire    time.Time
	// pushed наше присутствие уже отправлено пользователю
	pushed bool
}

// effects результат изменения пользователя: что отправить и о чем уведомить.
// Выполняется каталогом после снятия блокировок.
type effects struct {
	sends  []stanza.PresenceType
	notes  []Notification
	remove bool
}

func (e *effects) send(t stanza.PresenceType) { e.sends = append(e.sends, t) }

func (e *effects) notify(n Notification) { e.notes = append(e.notes, n) }

func newUser(local, remote jid.JID, sub Subscription) *User {
	return &User{local: local.Bare(), remote: remote.Bare(), sub: sub}
}

// Local возвращает bare JID владельца ростера
func (u *User) Local() jid.JID { return u.local }

// Remote возвращает bare JID удаленного пользователя
func (u *User) Remote() jid.JID { return u.remote }

// Subscription возвращает текущие биты подписки
func (u *User) Subscription() Subscription {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sub
}

// Resources возвращает копию списка ресурсов
func (u *User) Resources() []Resource {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]Resource, 0, len(u.resources))
	for _, r := range u.resources {
		out = append(out, *r)
	}
	return out
}

// Deadlines возвращает срок следующего probe и срок истечения.
// Нулевое значение означает, что таймер не взведен.
func (u *User) Deadlines() (nextProbe, expire time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.nextProbe, u.expire
}

// bestResource возвращает доступный ресурс с наибольшим приоритетом и возможностями want
func (u *User) bestResource(want Capability) (Resource, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	candidates := make([]*Resource, 0, len(u.resources))
	for _, r := range u.resources {
		if r.Available && r.Caps.Has(want) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return Resource{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Priority > candidates[j].Priority })
	return *candidates[0], true
}

// updateTimeout взводит ровно один таймер: после обновления от удаленной
// стороны (from) ждем следующего probe, после отправки probe ждем истечения.
// Вызывается под u.mu.
func (u *User) updateTimeout(now time.Time, from bool, cfg *Config) {
	if from {
		u.nextProbe = now.Add(cfg.ProbeInterval)
		u.expire = time.Time{}
		return
	}
	u.nextProbe = time.Time{}
	u.expire = now.Add(cfg.ExpireInterval)
}

func (u *User) findResource(name string) (int, *Resource) {
	for i, r := range u.resources {
		if r.Name == name {
			return i, r
		}
	}
	return -1, nil
}

func (u *User) note(resource string, available bool, caps Capability) Notification {
	return Notification{
		Kind:      NotifyPresence,
		Local:     u.local,
		Remote:    u.remote,
		Resource:  resource,
		Available: available,
		Caps:      caps,
	}
}

// allUnavailable помечает все ресурсы недоступными.
// С drop ресурсы удаляются. Вызывается под u.mu.
func (u *User) allUnavailable(eff *effects, drop bool) {
	for _, r := range u.resources {
		if r.Available {
			r.Available = false
			eff.notify(u.note(r.Name, false, r.Caps))
		}
	}
	if drop {
		u.resources = nil
	}
}

// pushLocal отправляет наше присутствие пользователю с подпиской From.
// Без force повторно не отправляет. Вызывается под u.mu.
func (u *User) pushLocal(eff *effects, force bool) {
	if !u.sub.From() || (u.pushed && !force) {
		return
	}
	eff.send(stanza.AvailablePresence)
	u.pushed = true
}

// applyProbe отвечает на probe удаленной стороны. Probe тоже считается
// обновлением и возвращает ожидание следующего probe.
func (u *User) applyProbe(now time.Time, cfg *Config) effects {
	u.mu.Lock()
	defer u.mu.Unlock()

	var eff effects
	u.updateTimeout(now, true, cfg)
	u.pushLocal(&eff, true)
	return eff
}

// applyPresence применяет available/unavailable от удаленной стороны.
// Пользователь с подпиской From получает наше присутствие, если еще не
// получал. После ухода всех ресурсов оно будет отправлено заново.
func (u *User) applyPresence(now time.Time, cfg *Config, available bool, resource string, caps Capability, priority int) effects {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.updateTimeout(now, true, cfg)
	eff := u.presenceLocked(cfg, available, resource, caps, priority)
	switch {
	case eff.remove:
	case available && resource != "":
		u.pushLocal(&eff, false)
	case !u.anyAvailable():
		u.pushed = false
	}
	return eff
}

func (u *User) anyAvailable() bool {
	for _, r := range u.resources {
		if r.Available {
			return true
		}
	}
	return false
}

func (u *User) presenceLocked(cfg *Config, available bool, resource string, caps Capability, priority int) effects {
	var eff effects
	if resource == "" {
		// available без ресурса не несет информации о конкретной точке
		if available {
			return eff
		}
		u.allUnavailable(&eff, cfg.DeleteUnavailable)
		eff.remove = cfg.DeleteUnavailable && len(u.resources) == 0
		return eff
	}

	idx, r := u.findResource(resource)
	if r == nil {
		if !available {
			return eff
		}
		u.resources = append(u.resources, &Resource{
			Name: resource, Available: true, Caps: caps, Priority: priority,
		})
		eff.notify(u.note(resource, true, caps))
		return eff
	}

	changed := r.Available != available || (available && r.Caps != caps)
	r.Available = available
	if available {
		r.Caps = caps
		r.Priority = priority
	}
	if changed {
		eff.notify(u.note(resource, available, r.Caps))
	}
	if !available && cfg.DeleteUnavailable {
		u.resources = append(u.resources[:idx], u.resources[idx+1:]...)
	}
	return eff
}

// setFrom меняет бит From и сообщает, поднялся ли он
func (u *User) setFrom(value bool) (raised bool) {
	if value == u.sub.From() {
		return false
	}
	if value {
		u.sub |= SubFrom
		return true
	}
	u.sub &^= SubFrom
	return false
}

// applySubscribe обрабатывает четыре вида stanza подписки
func (u *User) applySubscribe(cfg *Config, typ stanza.PresenceType) effects {
	u.mu.Lock()
	defer u.mu.Unlock()

	var eff effects
	switch typ {
	case stanza.SubscribePresence:
		if u.sub.From() {
			eff.send(stanza.SubscribedPresence)
			return eff
		}
		switch cfg.Policy {
		case PolicyAccept:
			u.decide(&eff, typ, true)
		case PolicyDefer:
			eff.notify(Notification{Kind: NotifySubscriptionRequest, Local: u.local, Remote: u.remote, Request: typ})
		}
	case stanza.UnsubscribePresence:
		if !u.sub.From() {
			eff.send(stanza.UnsubscribedPresence)
			return eff
		}
		switch cfg.Policy {
		case PolicyAccept:
			u.decide(&eff, typ, true)
		case PolicyDefer:
			eff.notify(Notification{Kind: NotifySubscriptionRequest, Local: u.local, Remote: u.remote, Request: typ})
		}
	case stanza.SubscribedPresence:
		u.sub |= SubTo
	case stanza.UnsubscribedPresence:
		u.sub &^= SubTo
		eff.remove = u.sub == SubNone && len(u.resources) == 0
	}
	return eff
}

// decide применяет решение по запросу подписки. Вызывается под u.mu.
func (u *User) decide(eff *effects, typ stanza.PresenceType, accept bool) {
	switch typ {
	case stanza.SubscribePresence:
		if !accept {
			eff.send(stanza.UnsubscribedPresence)
			return
		}
		eff.send(stanza.SubscribedPresence)
		if u.setFrom(true) {
			u.pushLocal(eff, true)
		}
	case stanza.UnsubscribePresence:
		if !accept {
			return
		}
		u.setFrom(false)
		u.pushed = false
		eff.send(stanza.UnsubscribedPresence)
		eff.send(stanza.UnavailablePresence)
	}
}

// checkTimeout проверяет таймеры: отправка probe или истечение
func (u *User) checkTimeout(now time.Time, cfg *Config) effects {
	u.mu.Lock()
	defer u.mu.Unlock()

	var eff effects
	if !u.expire.IsZero() {
		if now.Before(u.expire) {
			return eff
		}
		u.allUnavailable(&eff, true)
		u.pushed = false
		if cfg.DeleteUnavailable {
			eff.remove = true
			return eff
		}
		u.updateTimeout(now, true, cfg)
		return eff
	}
	if !u.nextProbe.IsZero() && !now.Before(u.nextProbe) {
		eff.send(stanza.ProbePresence)
		u.updateTimeout(now, false, cfg)
	}
	return eff
}
