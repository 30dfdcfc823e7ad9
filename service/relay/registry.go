package relay

import "sync"

// Registry maps an authenticated user identity to its single live client.
// The relay enforces one session per user: registering over a live entry
// returns the displaced client so the caller can notify and close it.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]*Client)}
}

// Register installs c as the live client for userID and returns the client
// it displaced, if any. Re-registering the same client is a no-op.
func (r *Registry) Register(userID string, c *Client) (evicted *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.byUser[userID]
	r.byUser[userID] = c
	if prev != nil && prev != c {
		return prev
	}
	return nil
}

// Unregister removes the entry only while it still points at c, so a
// displaced connection's teardown cannot remove its replacement. Reports
// whether an entry was actually removed.
func (r *Registry) Unregister(userID string, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byUser[userID]; ok && cur == c {
		delete(r.byUser, userID)
		return true
	}
	return false
}

// Lookup returns the live client for userID.
func (r *Registry) Lookup(userID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUser[userID]
	return c, ok
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
