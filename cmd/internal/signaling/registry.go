package signaling

import (
	"log/slog"
	"sync"
)

// Registry maps client identities to their current connection.
//
// Identity policy is last-registrant-wins: registering an identity that is
// already bound to a live connection supersedes the old connection. The
// superseded client is returned to the caller, which closes it with the
// supersession code; the old session then observes closure and runs its own
// cleanup.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		log:     log,
		clients: make(map[string]*Client),
	}
}

// Register binds identity to client, returning the superseded client when
// the identity was already held by a live connection (nil otherwise).
func (r *Registry) Register(identity string, client *Client) (superseded *Client) {
	if identity == "" || client == nil {
		return nil
	}

	r.mu.Lock()
	old := r.clients[identity]
	r.clients[identity] = client
	r.mu.Unlock()

	if old != nil && old != client {
		r.log.Info("registry.supersede", "identity", identity, "old_session", old.SessionID, "new_session", client.SessionID)
		return old
	}

	r.log.Info("registry.register", "identity", identity, "session_id", client.SessionID)
	return nil
}

// Unregister removes the identity mapping only if it still points at client,
// guarding against a stale unregister racing a newer registration for the
// same identity. Reports whether the mapping was removed.
func (r *Registry) Unregister(identity string, client *Client) bool {
	if identity == "" || client == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.clients[identity]
	if !ok || current != client {
		return false
	}
	delete(r.clients, identity)
	return true
}

// Lookup returns the current connection for identity, O(1).
func (r *Registry) Lookup(identity string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[identity]
	return c, ok
}

// Others returns a point-in-time snapshot of every registered client except
// exclude. The snapshot is safe to iterate during concurrent registrations.
func (r *Registry) Others(exclude *Client) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if c == exclude {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll signals every registered client to shut down with the given
// status. Used for whole-server shutdown; each session performs its own
// unregister as it exits.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	snap := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		snap = append(snap, c)
	}
	r.mu.RUnlock()

	for _, c := range snap {
		c.CloseWithStatus(code, reason)
	}
}
