package store

import (
	"context"
	"testing"

	"github.com/klistr-network/ilp-relay/pkg/filter"
	"github.com/klistr-network/ilp-relay/pkg/nostrmodel"
)

func signed(t *testing.T, kind int, createdAt int64, tags nostrmodel.Tags, content string) *nostrmodel.Event {
	t.Helper()
	e := &nostrmodel.Event{
		Kind:      kind,
		CreatedAt: nostrmodel.Timestamp(createdAt),
		Tags:      tags,
		Content:   content,
	}
	if err := nostrmodel.Sign(e, "0000000000000000000000000000000000000000000000000000000000000001"); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return e
}

// RunContractTests exercises the Interface contract every implementation
// must satisfy (spec §4.1 and §8 universal invariants). Exported so
// pgstore_test.go (package store_test, to avoid an import cycle through
// store/testutil) can run the same suite against a live PgStore.
func RunContractTests(t *testing.T, s Interface) {
	ctx := context.Background()

	t.Run("GetMissingReturnsNotFound", func(t *testing.T) {
		_, ok, err := s.Get(ctx, "does-not-exist")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok {
			t.Fatal("expected not found")
		}
	})

	t.Run("StoreThenGetRoundTrips", func(t *testing.T) {
		e := signed(t, 1, 1000, nil, "hello")
		persisted, err := s.Store(ctx, e)
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
		if !persisted {
			t.Fatal("expected regular kind to be persisted")
		}
		got, ok, err := s.Get(ctx, e.ID)
		if err != nil || !ok {
			t.Fatalf("Get: ok=%v err=%v", ok, err)
		}
		if got.Content != "hello" {
			t.Fatalf("content=%q want %q", got.Content, "hello")
		}
	})

	t.Run("StoreIsIdempotent", func(t *testing.T) {
		e := signed(t, 1, 1000, nil, "idempotent")
		if _, err := s.Store(ctx, e); err != nil {
			t.Fatalf("Store 1: %v", err)
		}
		if _, err := s.Store(ctx, e); err != nil {
			t.Fatalf("Store 2: %v", err)
		}
		results, err := s.Query(ctx, filter.Filter{IDs: []string{e.ID}})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(results) != 1 {
			t.Fatalf("expected exactly one stored copy, got %d", len(results))
		}
	})

	t.Run("EphemeralKindNotPersisted", func(t *testing.T) {
		e := signed(t, nostrmodel.KindSpspRequest, 1000, nil, "ephemeral")
		persisted, err := s.Store(ctx, e)
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
		if persisted {
			t.Fatal("expected ephemeral kind not to be persisted")
		}
		_, ok, err := s.Get(ctx, e.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok {
			t.Fatal("ephemeral event should not be retrievable")
		}
	})

	t.Run("ReplaceableKindKeepsNewest", func(t *testing.T) {
		older := signed(t, 0, 1000, nil, "profile v1")
		newer := signed(t, 0, 2000, nil, "profile v2")
		// sign again so both share the same pubkey (same private key).
		if err := nostrmodel.Sign(older, "0000000000000000000000000000000000000000000000000000000000000002"); err != nil {
			t.Fatalf("sign older: %v", err)
		}
		if err := nostrmodel.Sign(newer, "0000000000000000000000000000000000000000000000000000000000000002"); err != nil {
			t.Fatalf("sign newer: %v", err)
		}

		if _, err := s.Store(ctx, older); err != nil {
			t.Fatalf("store older: %v", err)
		}
		if _, err := s.Store(ctx, newer); err != nil {
			t.Fatalf("store newer: %v", err)
		}

		results, err := s.Query(ctx, filter.Filter{Authors: []string{older.PubKey}, Kinds: []int{0}})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(results) != 1 || results[0].ID != newer.ID {
			t.Fatalf("expected only newest profile event visible, got %d results", len(results))
		}
	})

	t.Run("ReplaceableKindOrderIndependent", func(t *testing.T) {
		older := signed(t, 3, 3000, nil, "follows v1")
		newer := signed(t, 3, 4000, nil, "follows v2")
		if err := nostrmodel.Sign(older, "0000000000000000000000000000000000000000000000000000000000000003"); err != nil {
			t.Fatalf("sign older: %v", err)
		}
		if err := nostrmodel.Sign(newer, "0000000000000000000000000000000000000000000000000000000000000003"); err != nil {
			t.Fatalf("sign newer: %v", err)
		}

		// Store the newer event first this time.
		if _, err := s.Store(ctx, newer); err != nil {
			t.Fatalf("store newer: %v", err)
		}
		if _, err := s.Store(ctx, older); err != nil {
			t.Fatalf("store older: %v", err)
		}

		results, err := s.Query(ctx, filter.Filter{Authors: []string{older.PubKey}, Kinds: []int{3}})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(results) != 1 || results[0].ID != newer.ID {
			t.Fatalf("expected newest event visible regardless of storage order, got %d results", len(results))
		}
	})

	t.Run("QuerySortOrderAndLimit", func(t *testing.T) {
		tag := nostrmodel.Tags{{"marker", "sort-order-test"}}
		e1 := signed(t, 1, 5000, tag, "a")
		e2 := signed(t, 1, 5000, tag, "b")
		e3 := signed(t, 1, 6000, tag, "c")
		for _, e := range []*nostrmodel.Event{e1, e2, e3} {
			if _, err := s.Store(ctx, e); err != nil {
				t.Fatalf("store: %v", err)
			}
		}

		results, err := s.Query(ctx, filter.Filter{Tags: map[string][]string{"marker": {"sort-order-test"}}})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(results) != 3 {
			t.Fatalf("expected 3 results, got %d", len(results))
		}
		if results[0].ID != e3.ID {
			t.Fatalf("expected newest created_at first, got %s", results[0].ID)
		}
		if results[1].CreatedAt != results[2].CreatedAt || results[1].ID >= results[2].ID {
			t.Fatalf("expected tie-break by id ascending among equal created_at")
		}

		limited, err := s.Query(ctx, filter.Filter{Tags: map[string][]string{"marker": {"sort-order-test"}}, Limit: 1})
		if err != nil {
			t.Fatalf("Query limited: %v", err)
		}
		if len(limited) != 1 || limited[0].ID != e3.ID {
			t.Fatalf("expected limit=1 to return only the newest event")
		}
	})
}

func TestMemoryStoreContract(t *testing.T) {
	RunContractTests(t, NewMemoryStore())
}

func TestMemoryStoreAuditEphemeralSPSPOffByDefault(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	e := signed(t, nostrmodel.KindSpspRequest, 1000, nostrmodel.Tags{{"p", "node-pubkey"}}, "ciphertext")
	if _, err := s.Store(ctx, e); err != nil {
		t.Fatalf("Store: %v", err)
	}

	audited, err := s.AuditedSpspEvents(ctx)
	if err != nil {
		t.Fatalf("AuditedSpspEvents: %v", err)
	}
	if len(audited) != 0 {
		t.Fatalf("expected no audited events when auditing is disabled, got %d", len(audited))
	}
}

func TestMemoryStoreAuditEphemeralSPSPRecordsAddressedEvents(t *testing.T) {
	s := NewMemoryStore().WithAuditEphemeralSPSP("node-pubkey")
	ctx := context.Background()

	addressed := signed(t, nostrmodel.KindSpspRequest, 1000, nostrmodel.Tags{{"p", "node-pubkey"}}, "ciphertext-1")
	other := signed(t, nostrmodel.KindSpspResponse, 1001, nostrmodel.Tags{{"p", "someone-else"}}, "ciphertext-2")

	if persisted, err := s.Store(ctx, addressed); err != nil || persisted {
		t.Fatalf("Store addressed: persisted=%v err=%v", persisted, err)
	}
	if persisted, err := s.Store(ctx, other); err != nil || persisted {
		t.Fatalf("Store other: persisted=%v err=%v", persisted, err)
	}

	audited, err := s.AuditedSpspEvents(ctx)
	if err != nil {
		t.Fatalf("AuditedSpspEvents: %v", err)
	}
	if len(audited) != 1 || audited[0].ID != addressed.ID {
		t.Fatalf("expected only the addressed event to be audited, got %+v", audited)
	}

	if _, found, err := s.Get(ctx, addressed.ID); err != nil || found {
		t.Fatalf("expected audited SPSP event to remain absent from the main event set: found=%v err=%v", found, err)
	}
}
