package linking

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Factory builds a workflow publishing to feed.
type Factory func(feed *Feed) *Workflow

type entry struct {
	owner    string
	workflow *Workflow
	feed     *Feed
	lastUsed time.Time
}

// Registry owns the live link sessions keyed by id. A session belongs to the
// company that opened it.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	factory  Factory
	idleTTL  time.Duration
	now      func() time.Time
}

// NewRegistry creates a registry. Sessions unused for idleTTL are reaped.
func NewRegistry(factory Factory, idleTTL time.Duration) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		factory:  factory,
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// Open creates and opens a session for owner.
func (r *Registry) Open(owner string, opts Options) (string, *Workflow, *Feed) {
	feed := NewFeed()
	wf := r.factory(feed)
	id := uuid.NewString()

	r.mu.Lock()
	r.sessions[id] = &entry{owner: owner, workflow: wf, feed: feed, lastUsed: r.now()}
	r.mu.Unlock()

	wf.Open(opts)
	return id, wf, feed
}

// Get returns owner's session id.
func (r *Registry) Get(owner, id string) (*Workflow, *Feed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok || e.owner != owner {
		return nil, nil, ErrSessionNotFound
	}
	e.lastUsed = r.now()
	return e.workflow, e.feed, nil
}

// Remove closes and forgets a session.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if ok {
		e.workflow.Close()
		e.feed.Close()
	}
}

// ForOwner calls fn for each of owner's sessions, outside the registry lock.
func (r *Registry) ForOwner(owner string, fn func(wf *Workflow, feed *Feed)) int {
	r.mu.Lock()
	var owned []*entry
	for _, e := range r.sessions {
		if e.owner == owner {
			owned = append(owned, e)
		}
	}
	r.mu.Unlock()

	for _, e := range owned {
		fn(e.workflow, e.feed)
	}
	return len(owned)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Reap removes sessions idle for longer than the TTL and returns how many
// it removed. Sessions with a live feed subscriber are kept.
func (r *Registry) Reap() int {
	cutoff := r.now().Add(-r.idleTTL)

	r.mu.Lock()
	var expired []*entry
	for id, e := range r.sessions {
		if e.lastUsed.Before(cutoff) && e.feed.Subscribers() == 0 {
			expired = append(expired, e)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, e := range expired {
		e.workflow.Close()
		e.feed.Close()
	}
	return len(expired)
}

// CloseAll closes every session, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range all {
		e.workflow.Close()
		e.feed.Close()
	}
}

// StartReaper reaps idle sessions every interval until ctx is done.
func (r *Registry) StartReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.Reap(); n > 0 {
					log.Printf("Reaped %d idle link sessions", n)
				}
			}
		}
	}()
}
