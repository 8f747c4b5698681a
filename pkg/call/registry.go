package call

import (
	"sync"
)

// Registry реестр активных Jingle сессий по sid.
type Registry struct {
	sessions *sync.Map
}

// NewRegistry создает пустой реестр.
func NewRegistry() *Registry {
	return &Registry{sessions: new(sync.Map)}
}

// Get возвращает участника по sid.
func (r *Registry) Get(sid string) (*Peer, bool) {
	if val, is := r.sessions.Load(sid); is {
		return val.(*Peer), is
	}
	return nil, false
}

// Put сохраняет участника под sid.
func (r *Registry) Put(sid string, p *Peer) {
	r.sessions.Store(sid, p)
}

// PutIfAbsent сохраняет участника, если sid свободен. Возвращает false и
// существующего участника, если sid уже занят.
func (r *Registry) PutIfAbsent(sid string, p *Peer) (*Peer, bool) {
	actual, loaded := r.sessions.LoadOrStore(sid, p)
	return actual.(*Peer), !loaded
}

// Delete удаляет сессию. Удаляется только запись, принадлежащая p, чтобы
// не затереть новую сессию с тем же sid.
func (r *Registry) Delete(sid string, p *Peer) bool {
	return r.sessions.CompareAndDelete(sid, p)
}

// Range обходит сессии. Обход прекращается, если f вернет false.
func (r *Registry) Range(f func(sid string, p *Peer) bool) {
	r.sessions.Range(func(key, value any) bool {
		return f(key.(string), value.(*Peer))
	})
}

// Len возвращает число сессий.
func (r *Registry) Len() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
