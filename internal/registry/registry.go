// Package registry tracks the chat-server instances known to the balancer,
// the connection used to push events to each, and their probe failure
// counters.
package registry

import (
	"sync"

	"github.com/rs/zerolog"
)

// DefaultFailureThreshold is the number of consecutive probe failures a
// server may accumulate before the next one evicts it.
const DefaultFailureThreshold = 4

// Status is derived from a record's failure count.
type Status int

const (
	Healthy Status = iota
	Suspect
	Offline
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Suspect:
		return "suspect"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Conn is the handle the registry uses to push events to a server.
type Conn interface {
	Emit(event, data string) error
}

// Record is a copy of one registry entry.
type Record struct {
	Address  string
	Conn     Conn
	Failures int
	Status   Status
}

type entry struct {
	conn     Conn
	failures int
}

// Registry holds at most one record per address. Insertion order is kept so
// that snapshots are stable for the round-robin selector.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	order     []string
	threshold int
	log       zerolog.Logger
}

// New creates an empty registry. A non-positive threshold falls back to
// DefaultFailureThreshold.
func New(threshold int, log zerolog.Logger) *Registry {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	return &Registry{
		entries:   make(map[string]*entry),
		threshold: threshold,
		log:       log.With().Str("component", "registry").Logger(),
	}
}

// Register inserts or replaces the record for address and resets its
// failure count. A replaced address keeps its position in the rotation.
func (r *Registry) Register(address string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[address]; ok {
		e.conn = conn
		e.failures = 0
		r.log.Info().Str("address", address).Msg("server re-registered")
		return
	}

	r.entries[address] = &entry{conn: conn}
	r.order = append(r.order, address)
	r.log.Info().Str("address", address).Int("servers", len(r.order)).Msg("server registered")
}

// Unregister removes the record for address. Absent addresses are a no-op.
func (r *Registry) Unregister(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.removeLocked(address) {
		r.log.Info().Str("address", address).Int("servers", len(r.order)).Msg("server unregistered")
	}
}

// UnregisterConn removes the record for address only while conn still owns
// it. A server that reconnected under the same address replaces the record
// first, and the old connection's loss must not evict the new one.
func (r *Registry) UnregisterConn(address string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[address]
	if !ok || e.conn != conn {
		return false
	}
	r.removeLocked(address)
	r.log.Info().Str("address", address).Int("servers", len(r.order)).Msg("server disconnected")
	return true
}

// RecordFailure counts a failed probe. Once the count exceeds the threshold
// the record is removed and Offline is returned; otherwise Suspect.
func (r *Registry) RecordFailure(address string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[address]
	if !ok {
		return Offline
	}

	e.failures++
	if e.failures > r.threshold {
		r.removeLocked(address)
		r.log.Warn().Str("address", address).Int("failures", e.failures).Msg("server evicted")
		return Offline
	}

	r.log.Debug().Str("address", address).Int("failures", e.failures).Msg("server suspect")
	return Suspect
}

// RecordSuccess resets the failure count for address.
func (r *Registry) RecordSuccess(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[address]; ok {
		e.failures = 0
	}
}

// Lookup returns the record for address. The boolean is false when no
// server is registered under it.
func (r *Registry) Lookup(address string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[address]
	if !ok {
		return Record{}, false
	}
	return r.recordLocked(address, e), true
}

// Snapshot returns the registered addresses in insertion order.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Records returns every record in insertion order.
func (r *Registry) Records() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]Record, 0, len(r.order))
	for _, address := range r.order {
		records = append(records, r.recordLocked(address, r.entries[address]))
	}
	return records
}

// Len returns the number of registered servers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) recordLocked(address string, e *entry) Record {
	status := Healthy
	if e.failures > 0 {
		status = Suspect
	}
	return Record{
		Address:  address,
		Conn:     e.conn,
		Failures: e.failures,
		Status:   status,
	}
}

func (r *Registry) removeLocked(address string) bool {
	if _, ok := r.entries[address]; !ok {
		return false
	}
	delete(r.entries, address)
	for i, a := range r.order {
		if a == address {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}
