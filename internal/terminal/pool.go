package terminal

import (
	"log"
	"sync"
)

// Pool holds the live sessions keyed by client ID, bounded by a maximum size.
// When the pool is full the oldest session is evicted; insertion order is
// tracked separately from the map for that purpose.
type Pool struct {
	max int

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string // client IDs, oldest first
}

// NewPool creates a Pool that holds at most max sessions. max <= 0 means
// unbounded.
func NewPool(max int) *Pool {
	return &Pool{
		max:      max,
		sessions: make(map[string]*Session),
	}
}

// Add installs s under its client ID. A previous session under the same ID is
// closed first with its audit row finalized. If the pool is at capacity the
// oldest session is evicted; eviction tears the session down without touching
// its audit row. Teardown happens outside the pool lock.
func (p *Pool) Add(s *Session) {
	var replaced, evicted *Session

	p.mu.Lock()
	id := s.ClientID()
	if old, ok := p.sessions[id]; ok {
		replaced = old
		p.removeLocked(id)
	}
	if p.max > 0 && len(p.order) >= p.max {
		oldest := p.order[0]
		evicted = p.sessions[oldest]
		p.removeLocked(oldest)
	}
	p.sessions[id] = s
	p.order = append(p.order, id)
	p.mu.Unlock()

	if replaced != nil {
		replaced.Close(true)
	}
	if evicted != nil {
		log.Printf("[terminal] pool full, evicting oldest session %s", evicted.ClientID())
		evicted.Close(false)
	}
}

// Get returns the session for the given client ID, if any.
func (p *Pool) Get(id string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	return s, ok
}

// Remove takes the session for the given client ID out of the pool without
// closing it. The caller owns the returned session.
func (p *Pool) Remove(id string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil, false
	}
	p.removeLocked(id)
	return s, true
}

// Len returns the number of pooled sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// CloseAll tears down every pooled session, finalizing audit rows. Used
// during shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	all := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		all = append(all, s)
	}
	p.sessions = make(map[string]*Session)
	p.order = nil
	p.mu.Unlock()

	for _, s := range all {
		s.Close(true)
	}
	if len(all) > 0 {
		log.Printf("[terminal] closed %d sessions", len(all))
	}
}

func (p *Pool) removeLocked(id string) {
	delete(p.sessions, id)
	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}
