package pricing

import (
	"math/big"
	"testing"

	"github.com/klistr-network/ilp-relay/pkg/nostrmodel"
)

func TestNewRejectsNegativeBasePrice(t *testing.T) {
	_, err := New(Config{BasePricePerByte: big.NewInt(-1)})
	if err == nil {
		t.Fatal("expected ConfigError for negative base price")
	}
}

func TestNewRejectsMalformedOwnerPubkey(t *testing.T) {
	_, err := New(Config{OwnerPubkey: "not-hex"})
	if err == nil {
		t.Fatal("expected ConfigError for malformed owner pubkey")
	}
	var cfgErr *ConfigError
	if !asConfigError(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %T", err)
	}
}

func asConfigError(err error, target **ConfigError) bool {
	ce, ok := err.(*ConfigError)
	if !ok {
		return false
	}
	*target = ce
	return true
}

func TestPriceBasePerByte(t *testing.T) {
	svc, err := New(Config{BasePricePerByte: big.NewInt(10)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e := &nostrmodel.Event{Kind: 1, PubKey: "abc"}
	got := svc.Price(e, 50)
	if got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("Price=%s want 500", got)
	}
}

func TestPriceKindOverride(t *testing.T) {
	svc, err := New(Config{
		BasePricePerByte: big.NewInt(10),
		KindOverrides:    map[int]*big.Int{1: big.NewInt(0)},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e := &nostrmodel.Event{Kind: 1, PubKey: "abc"}
	got := svc.Price(e, 50)
	if got.Sign() != 0 {
		t.Fatalf("Price=%s want 0 (kind override)", got)
	}
}

func TestPriceOwnerBypass(t *testing.T) {
	owner := "0000000000000000000000000000000000000000000000000000000000000001"
	svc, err := New(Config{BasePricePerByte: big.NewInt(10), OwnerPubkey: owner})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e := &nostrmodel.Event{Kind: 1, PubKey: owner}
	got := svc.Price(e, 1000)
	if got.Sign() != 0 {
		t.Fatalf("Price=%s want 0 for owner bypass", got)
	}

	other := &nostrmodel.Event{Kind: 1, PubKey: "deadbeef"}
	if svc.Price(other, 10).Sign() == 0 {
		t.Fatal("non-owner event should not be bypassed")
	}
}

func TestPriceSpspMinBypass(t *testing.T) {
	svc, err := New(Config{
		BasePricePerByte: big.NewInt(1000),
		SpspMinPrice:     big.NewInt(5),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := &nostrmodel.Event{Kind: nostrmodel.KindSpspRequest, PubKey: "abc"}
	got := svc.Price(req, 10000)
	if got.Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("Price=%s want flat spsp min 5, not size-scaled", got)
	}

	nonSpsp := &nostrmodel.Event{Kind: 1, PubKey: "abc"}
	if svc.Price(nonSpsp, 1).Cmp(big.NewInt(1000)) != 0 {
		t.Fatal("non-spsp kind should use base per-byte price")
	}
}
