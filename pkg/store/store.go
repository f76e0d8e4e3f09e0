// Package store implements the Event Store (spec §4.1, C1): idempotent
// persistence with NIP-01 replaceable/addressable-kind semantics and
// filter-driven queries. Two implementations are provided — an in-memory
// Store for tests and small deployments, and a Postgres-backed Store
// (pgstore.go) grounded on stronghold's internal/db connection-pool
// pattern — behind the same Interface so the BLS and Relay Server are
// agnostic to which is wired in.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/klistr-network/ilp-relay/pkg/filter"
	"github.com/klistr-network/ilp-relay/pkg/nostrmodel"
)

// StorageError reports an I/O fault from a Store operation (spec §4.1
// "Failure").
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Interface is the contract both the in-memory and Postgres-backed stores
// satisfy.
type Interface interface {
	// Store persists e, applying replaceable/addressable-kind semantics.
	// It is idempotent on e.ID: storing the same event twice has no
	// additional effect. Ephemeral-kind events are accepted but not
	// persisted (spec §4.1); Store returns (false, nil) for them so
	// callers can still forward them live without expecting a GET to
	// find them later.
	Store(ctx context.Context, e *nostrmodel.Event) (persisted bool, err error)
	// Get returns the event with the given id, or (nil, false) if absent.
	Get(ctx context.Context, id string) (*nostrmodel.Event, bool, error)
	// Query returns events matching f, sorted by created_at desc, id asc,
	// honoring f.Limit if set.
	Query(ctx context.Context, f filter.Filter) ([]*nostrmodel.Event, error)
}

// replaceableKey identifies the "slot" a replaceable or addressable event
// occupies; only the newest event per key survives (spec §4.1).
type replaceableKey struct {
	pubkey string
	kind   int
	dTag   string // only meaningful for addressable kinds
}

func keyFor(e *nostrmodel.Event) (replaceableKey, bool) {
	switch {
	case nostrmodel.IsReplaceable(e.Kind):
		return replaceableKey{pubkey: e.PubKey, kind: e.Kind}, true
	case nostrmodel.IsAddressable(e.Kind):
		return replaceableKey{pubkey: e.PubKey, kind: e.Kind, dTag: nostrmodel.DTag(e)}, true
	default:
		return replaceableKey{}, false
	}
}

// MemoryStore is an in-memory Interface implementation: safe for
// concurrent use, single-writer/many-reader via sync.RWMutex (spec §5
// "Shared resource policy").
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*nostrmodel.Event
	byRepKey map[replaceableKey]string // key -> event id currently occupying it

	// auditEphemeralSPSP and auditNodePubkey implement spec §9's resolved
	// "ephemeral SPSP auditability" open question: off by default, this
	// leaves NIP-01-compliant ephemeral-kind handling untouched.
	auditEphemeralSPSP bool
	auditNodePubkey    string
	spspAudit          []*nostrmodel.Event
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[string]*nostrmodel.Event),
		byRepKey: make(map[replaceableKey]string),
	}
}

// WithAuditEphemeralSPSP enables a side channel that records SPSP
// (kind 23194/23195) events addressed to nodePubkey via a "p" tag into a
// table distinct from the main event set, without altering default
// ephemeral-kind query/replaceable semantics (spec §9 "Ephemeral SPSP
// auditability"). Returns s for chaining at construction time.
func (s *MemoryStore) WithAuditEphemeralSPSP(nodePubkey string) *MemoryStore {
	s.auditEphemeralSPSP = true
	s.auditNodePubkey = nodePubkey
	return s
}

// AuditedSpspEvents returns every audited SPSP event recorded so far,
// oldest first.
func (s *MemoryStore) AuditedSpspEvents(_ context.Context) ([]*nostrmodel.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*nostrmodel.Event, len(s.spspAudit))
	copy(out, s.spspAudit)
	return out, nil
}

// Store implements Interface.
func (s *MemoryStore) Store(_ context.Context, e *nostrmodel.Event) (bool, error) {
	if nostrmodel.IsEphemeral(e.Kind) {
		if s.auditEphemeralSPSP && isSpspEventFor(e, s.auditNodePubkey) {
			s.mu.Lock()
			s.spspAudit = append(s.spspAudit, e)
			s.mu.Unlock()
		}
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[e.ID]; exists {
		return true, nil
	}

	if key, ok := keyFor(e); ok {
		if currentID, has := s.byRepKey[key]; has {
			current := s.byID[currentID]
			if current != nil && current.CreatedAt >= e.CreatedAt {
				// An existing, newer-or-equal event occupies this slot;
				// the incoming event is still recorded by id (so Get
				// still finds it by its own id per spec §4.1 "no
				// duplicate id"), but it does not become the visible
				// slot occupant.
				s.byID[e.ID] = e
				return true, nil
			}
			delete(s.byID, currentID)
		}
		s.byRepKey[key] = e.ID
	}

	s.byID[e.ID] = e
	return true, nil
}

// Get implements Interface.
func (s *MemoryStore) Get(_ context.Context, id string) (*nostrmodel.Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	return e, ok, nil
}

// Query implements Interface.
func (s *MemoryStore) Query(_ context.Context, f filter.Filter) ([]*nostrmodel.Event, error) {
	s.mu.RLock()
	matched := make([]*nostrmodel.Event, 0, len(s.byID))
	for _, e := range s.byID {
		if s.isVisible(e) && filter.Matches(e, f) {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt != matched[j].CreatedAt {
			return matched[i].CreatedAt > matched[j].CreatedAt
		}
		return matched[i].ID < matched[j].ID
	})

	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

// isSpspEventFor reports whether e is a kind-23194/23195 SPSP event
// carrying a "p" tag addressed to nodePubkey.
func isSpspEventFor(e *nostrmodel.Event, nodePubkey string) bool {
	if nodePubkey == "" {
		return false
	}
	if e.Kind != nostrmodel.KindSpspRequest && e.Kind != nostrmodel.KindSpspResponse {
		return false
	}
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] == nodePubkey {
			return true
		}
	}
	return false
}

// isVisible reports whether e currently occupies its replaceable/
// addressable slot (or has no slot at all, i.e. a regular event). Must be
// called with s.mu held.
func (s *MemoryStore) isVisible(e *nostrmodel.Event) bool {
	key, ok := keyFor(e)
	if !ok {
		return true
	}
	return s.byRepKey[key] == e.ID
}
