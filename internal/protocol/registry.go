package protocol

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zoravur/live-mirror/internal/feed"
)

// Subscription is one store subscription held on behalf of a websocket
// client.
type Subscription struct {
	ID       string    `json:"id"`
	Session  string    `json:"session"`
	ClientID string    `json:"clientId"`
	Kind     Type      `json:"kind"`
	Path     string    `json:"path"`
	OrderBy  string    `json:"orderBy,omitempty"`
	Limit    int       `json:"limit,omitempty"`
	Since    time.Time `json:"since"`

	handle feed.Subscription
}

// Registry tracks every live subscription across sessions, for inspection
// and for cleanup when a session ends.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*Subscription)}
}

func (r *Registry) Add(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = sub
}

// Attach binds the store handle to a registered subscription. It reports
// false when the subscription was removed in the meantime; the caller then
// owns handle and must cancel it.
func (r *Registry) Attach(id string, handle feed.Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if ok {
		sub.handle = handle
	}
	return ok
}

// Remove drops the subscription and cancels its store handle. It reports
// whether the subscription was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	sub, ok := r.subs[id]
	delete(r.subs, id)
	var handle feed.Subscription
	if ok {
		handle = sub.handle
	}
	r.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
	return ok
}

// RemoveSession drops every subscription owned by session and returns how
// many there were.
func (r *Registry) RemoveSession(session string) int {
	r.mu.Lock()
	n := 0
	var handles []feed.Subscription
	for id, sub := range r.subs {
		if sub.Session == session {
			n++
			if sub.handle != nil {
				handles = append(handles, sub.handle)
			}
			delete(r.subs, id)
		}
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// List returns copies of the live subscriptions, oldest first.
func (r *Registry) List() []Subscription {
	r.mu.RLock()
	out := make([]Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		c := *sub
		c.handle = nil
		out = append(out, c)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Subscription) int {
		if c := a.Since.Compare(b.Since); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
