// Package gateway contains the tunneling core: the session registry, the
// websocket endpoint browsers share databases through, and the per-socket
// connection session that relays Postgres wire traffic between the two.
package gateway

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/MuthuDataScientist/postgres-new/internal/obs"
)

// ErrAlreadyOccupied is returned by Admit when a database already has a
// bound client connection.
var ErrAlreadyOccupied = errors.New("database already occupied")

// ErrDatabaseShared is returned when a second browser tries to register a
// session for a database that is already being shared.
var ErrDatabaseShared = errors.New("database already shared")

// binding records which client connection currently owns a database's relay
// slot. At most one exists per database at a time.
type binding struct {
	connectionID uuid.UUID
	client       io.Writer
}

// Registry is the process-wide mapping from database identifiers to browser
// sessions and client occupancy. It is the only state shared between
// connection sessions; constructed once at startup and passed by reference.
type Registry struct {
	mu        sync.Mutex
	sessions  map[string]*PeerSession
	occupancy map[string]*binding
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:  make(map[string]*PeerSession),
		occupancy: make(map[string]*binding),
	}
}

// RegisterSession records the browser session sharing databaseID.
func (r *Registry) RegisterSession(databaseID string, p *PeerSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[databaseID]; exists {
		return fmt.Errorf("%w: %s", ErrDatabaseShared, databaseID)
	}
	r.sessions[databaseID] = p
	obs.ActiveSessions.Set(float64(len(r.sessions)))
	return nil
}

// UnregisterSession removes the browser session for databaseID if p is still
// the registered one. A stale unregister after a reconnect is a no-op.
func (r *Registry) UnregisterSession(databaseID string, p *PeerSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[databaseID] == p {
		delete(r.sessions, databaseID)
		obs.ActiveSessions.Set(float64(len(r.sessions)))
	}
}

// LookupSession returns the browser session for databaseID, or nil. A
// non-nil handle only means a channel was registered; send failures surface
// at send time.
func (r *Registry) LookupSession(databaseID string) *PeerSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[databaseID]
}

// Occupied reports whether a client connection is bound to databaseID.
func (r *Registry) Occupied(databaseID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.occupancy[databaseID] != nil
}

// Admit atomically binds client to databaseID. When two admissions race for
// the same database exactly one succeeds; the loser gets ErrAlreadyOccupied.
func (r *Registry) Admit(databaseID string, connectionID uuid.UUID, client io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.occupancy[databaseID] != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyOccupied, databaseID)
	}
	r.occupancy[databaseID] = &binding{connectionID: connectionID, client: client}
	obs.ActiveConnections.Set(float64(len(r.occupancy)))
	return nil
}

// Release clears the occupancy for databaseID. Idempotent; error paths and
// the socket close handler may both call it.
func (r *Registry) Release(databaseID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.occupancy, databaseID)
	obs.ActiveConnections.Set(float64(len(r.occupancy)))
}

// Bound returns the connection currently bound to databaseID, if any.
func (r *Registry) Bound(databaseID string) (uuid.UUID, io.Writer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.occupancy[databaseID]
	if b == nil {
		return uuid.Nil, nil, false
	}
	return b.connectionID, b.client, true
}

// SharedDatabases returns the identifiers of all currently shared databases.
func (r *Registry) SharedDatabases() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.sessions))
	for id := range r.sessions {
		out[id] = true
	}
	return out
}

// Stats returns current registry counts for the state endpoint.
func (r *Registry) Stats() (sessions, connections int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions), len(r.occupancy)
}
