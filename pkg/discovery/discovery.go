// Package discovery implements the Relay Monitor (spec §4.10, C10): a
// restartable, cancellable subscription to kind-10032 peer-info events
// across a set of relays, deduped by pubkey to the latest `created_at`.
// It is grounded on nbd-wtf/go-nostr's own SimplePool — the same library
// pkg/nostrmodel already wraps for event hashing/signing — used here the
// way its documentation shows: one pool and one SubMany call per Run,
// fed into a channel the caller ranges over.
package discovery

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/klistr-network/ilp-relay/pkg/nostrmodel"
)

// IlpPeerInfo is the JSON content of a kind-10032 event (spec §3 "IlpPeerInfo").
type IlpPeerInfo struct {
	IlpAddress     string   `json:"ilpAddress"`
	ConnectorURL   string   `json:"connectorUrl"`
	SupportedChains []string `json:"supportedChains"`
	SettlementAddresses map[string]string `json:"settlementAddresses,omitempty"`
}

// PeerDiscovered is emitted for every kind-10032 event that advances a
// peer's latest known state (spec §4.10 "emit PeerDiscovered{pubkey, info}").
type PeerDiscovered struct {
	Pubkey    string
	Info      IlpPeerInfo
	CreatedAt int64
}

// Monitor watches a fixed set of relay URLs for kind-10032 events and
// deduplicates them by pubkey, keeping only the latest created_at per
// pubkey seen so far.
type Monitor struct {
	relayURLs []string
	logger    *zap.Logger

	mu       sync.Mutex
	latestAt map[string]int64
}

// New constructs a Monitor over relayURLs.
func New(relayURLs []string, logger *zap.Logger) *Monitor {
	return &Monitor{
		relayURLs: relayURLs,
		logger:    logger,
		latestAt:  make(map[string]int64),
	}
}

// Run subscribes to {kinds:[10032]} across every configured relay and
// sends a PeerDiscovered on out for each event that advances a pubkey's
// latest known state. It blocks until ctx is cancelled (spec §4.10
// "Cancellable") and may be called again afterward against a fresh ctx to
// restart the subscription (spec §4.10 "Restartable").
func (m *Monitor) Run(ctx context.Context, out chan<- PeerDiscovered) error {
	pool := nostr.NewSimplePool(ctx)
	defer pool.Close("discovery monitor stopped")

	filters := nostr.Filters{{Kinds: []int{nostrmodel.KindIlpPeerInfo}}}
	events := pool.SubMany(ctx, m.relayURLs, filters)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case incoming, ok := <-events:
			if !ok {
				return nil
			}
			m.handleEvent(incoming.Event, out)
		}
	}
}

func (m *Monitor) handleEvent(e *nostr.Event, out chan<- PeerDiscovered) {
	if e == nil {
		return
	}

	var info IlpPeerInfo
	if err := json.Unmarshal([]byte(e.Content), &info); err != nil {
		m.logger.Debug("discarding malformed peer-info event", zap.String("pubkey", e.PubKey), zap.Error(err))
		return
	}

	createdAt := int64(e.CreatedAt)
	m.mu.Lock()
	if latest, seen := m.latestAt[e.PubKey]; seen && createdAt <= latest {
		m.mu.Unlock()
		return
	}
	m.latestAt[e.PubKey] = createdAt
	m.mu.Unlock()

	out <- PeerDiscovered{Pubkey: e.PubKey, Info: info, CreatedAt: createdAt}
}

// Reset clears the recorded latest-seen state for every pubkey, so the
// next Run treats every event as fresh, re-emitting a PeerDiscovered for
// each pubkey's current kind-10032 event.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latestAt = make(map[string]int64)
}
