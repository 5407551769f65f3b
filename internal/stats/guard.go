package stats

import "sync"

// Guard owns the store and the single lock that serialises all access to it.
type Guard struct {
	mu    sync.Mutex
	store *Store
}

// NewGuard wraps s.
func NewGuard(s *Store) *Guard { return &Guard{store: s} }

// Do runs fn with exclusive access to the store. fn must not block on I/O
// it does not own and must not retain the pointer.
func (g *Guard) Do(fn func(*Store)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g.store)
}

// Replace swaps in a new store, typically one read at startup.
func (g *Guard) Replace(s *Store) {
	g.mu.Lock()
	g.store = s
	g.mu.Unlock()
}
