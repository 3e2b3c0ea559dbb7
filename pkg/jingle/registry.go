package jingle

import (
	"hash/fnv"
	"sync"
)

// shardCount количество шардов реестра, степень 2
const shardCount = 32

type registryShard struct {
	sessions map[string]*Session
	mutex    sync.RWMutex
}

// registry потокобезопасный реестр сессий по sid с шардированием.
//
// Реестр владеет только членством: указатель, полученный из Get, остается
// пригодным после удаления сессии из реестра.
type registry struct {
	shards [shardCount]*registryShard
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.shards {
		r.shards[i] = &registryShard{sessions: make(map[string]*Session)}
	}
	return r
}

// getShard выбирает шард по FNV хэшу sid
func (r *registry) getShard(sid string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sid))
	return r.shards[h.Sum32()&(shardCount-1)]
}

// Set добавляет сессию. Возвращает false, если sid уже занят.
func (r *registry) Set(sid string, s *Session) bool {
	shard := r.getShard(sid)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	if _, exists := shard.sessions[sid]; exists {
		return false
	}
	shard.sessions[sid] = s
	return true
}

// Get возвращает сессию по sid
func (r *registry) Get(sid string) (*Session, bool) {
	shard := r.getShard(sid)
	shard.mutex.RLock()
	defer shard.mutex.RUnlock()

	s, ok := shard.sessions[sid]
	return s, ok
}

// Delete удаляет сессию из реестра
func (r *registry) Delete(sid string) bool {
	shard := r.getShard(sid)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	_, exists := shard.sessions[sid]
	delete(shard.sessions, sid)
	return exists
}

// Rekey переносит сессию на новый sid после переадресации
func (r *registry) Rekey(old, sid string, s *Session) {
	r.Delete(old)
	r.Set(sid, s)
}

// Count количество сессий во всех шардах
func (r *registry) Count() int {
	count := 0
	for i := range r.shards {
		r.shards[i].mutex.RLock()
		count += len(r.shards[i].sessions)
		r.shards[i].mutex.RUnlock()
	}
	return count
}

// Snapshot копирует список сессий. Обработка сессий выполняется вне
// блокировок шардов, так как сессия сама обращается к реестру.
func (r *registry) Snapshot() []*Session {
	var out []*Session
	for i := range r.shards {
		r.shards[i].mutex.RLock()
		for _, s := range r.shards[i].sessions {
			out = append(out, s)
		}
		r.shards[i].mutex.RUnlock()
	}
	return out
}
