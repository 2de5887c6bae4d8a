package session

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Registry tracks live sessions by id. Sessions idle for longer than the TTL are
// evicted and closed; removing a session also closes it.
type Registry struct {
	// mu orders lookups against Add and Remove so a refresh never re-inserts a
	// session that has been removed.
	mu    sync.Mutex
	cache *cache.Cache
}

func NewRegistry(ttl time.Duration) *Registry {
	// Sweep expired sessions every minute (or every TTL, if shorter)
	sweep := time.Minute
	if ttl < sweep {
		sweep = ttl
	}
	c := cache.New(ttl, sweep)
	c.OnEvicted(func(_ string, v interface{}) {
		if s, ok := v.(*Session); ok {
			// Close blocks on the session loop; keep the cache janitor moving.
			go s.Close()
		}
	})
	return &Registry{cache: c}
}

// Add stores s unless a session with the same id is already registered.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Add(s.ID(), s, cache.DefaultExpiration)
}

// Get returns the session and refreshes its idle timer.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	x, found := r.cache.Get(id)
	if !found {
		return nil, false
	}
	s := x.(*Session)
	if !r.refresh(id, s) {
		return nil, false
	}
	return s, true
}

// refresh restarts the idle timer of a session that is still registered. It fails
// once the entry has been removed or has expired.
func (r *Registry) refresh(id string, s *Session) bool {
	return r.cache.Replace(id, s, cache.DefaultExpiration) == nil
}

// Remove drops the session and returns after it has closed. It reports whether the
// id was registered.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	x, found := r.cache.Get(id)
	if found {
		r.cache.Delete(id)
	}
	r.mu.Unlock()

	if !found {
		return false
	}
	x.(*Session).Close()
	return true
}

func (r *Registry) Count() int {
	return r.cache.ItemCount()
}

// CloseAll closes every registered session and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	items := r.cache.Items()
	r.cache.Flush()
	r.mu.Unlock()

	for _, it := range items {
		if s, ok := it.Object.(*Session); ok {
			s.Close()
		}
	}
}
