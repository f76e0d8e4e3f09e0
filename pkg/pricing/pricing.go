// Package pricing implements the Pricing Service (spec §4.3, C4): a pure
// function from (event, encoded size) to the minimum acceptable ILP packet
// amount, with an owner-pubkey free-write bypass and a flat-minimum bypass
// for SPSP handshake events. It is grounded on the fill-defaults-then-validate
// config idiom used throughout this repo (internal/config.NodeConfig.Validate)
// — a small struct built once at startup, validated eagerly, and consulted
// read-only afterward.
package pricing

import (
	"fmt"
	"math/big"

	"github.com/klistr-network/ilp-relay/pkg/nostrmodel"
)

// ConfigError reports a malformed Service configuration detected at
// construction time (spec §4.3 "Errors").
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pricing: invalid config field %q: %s", e.Field, e.Msg)
}

// Config configures a Service. BasePricePerByte and KindOverrides are
// required/optional knobs from spec §4.3; OwnerPubkey and SpspMinPrice are
// the two enumerated bypasses.
type Config struct {
	// BasePricePerByte is charged per byte of the TOON-encoded event when
	// no KindOverrides entry matches. Must be non-negative.
	BasePricePerByte *big.Int
	// KindOverrides maps a Nostr event kind to a flat per-byte price,
	// overriding BasePricePerByte for that kind. A zero value is a
	// legitimate override (free writes for that kind).
	KindOverrides map[int]*big.Int
	// OwnerPubkey, if set, is a 64-character lowercase hex pubkey whose
	// events are priced at zero regardless of size.
	OwnerPubkey string
	// SpspMinPrice, if set, replaces the size-based price for kind 23194
	// and 23195 events with this flat minimum.
	SpspMinPrice *big.Int
}

// Service is the constructed, validated Pricing Service.
type Service struct {
	basePricePerByte *big.Int
	kindOverrides    map[int]*big.Int
	ownerPubkey      string
	spspMinPrice     *big.Int
}

// New validates cfg and returns a Service, or a *ConfigError.
func New(cfg Config) (*Service, error) {
	base := cfg.BasePricePerByte
	if base == nil {
		base = big.NewInt(0)
	}
	if base.Sign() < 0 {
		return nil, &ConfigError{Field: "BasePricePerByte", Msg: "must be non-negative"}
	}

	overrides := make(map[int]*big.Int, len(cfg.KindOverrides))
	for kind, price := range cfg.KindOverrides {
		if price == nil || price.Sign() < 0 {
			return nil, &ConfigError{Field: "KindOverrides", Msg: fmt.Sprintf("kind %d has negative or nil price", kind)}
		}
		overrides[kind] = new(big.Int).Set(price)
	}

	if cfg.OwnerPubkey != "" && !nostrmodel.IsValidPublicKeyHex(cfg.OwnerPubkey) {
		return nil, &ConfigError{Field: "OwnerPubkey", Msg: "must be 64 lowercase hex characters"}
	}

	var spspMin *big.Int
	if cfg.SpspMinPrice != nil {
		if cfg.SpspMinPrice.Sign() < 0 {
			return nil, &ConfigError{Field: "SpspMinPrice", Msg: "must be non-negative"}
		}
		spspMin = new(big.Int).Set(cfg.SpspMinPrice)
	}

	return &Service{
		basePricePerByte: new(big.Int).Set(base),
		kindOverrides:    overrides,
		ownerPubkey:      cfg.OwnerPubkey,
		spspMinPrice:     spspMin,
	}, nil
}

// Price computes the minimum acceptable amount for e given its
// TOON-encoded size in bytes (spec §4.3 contract). The caller is expected
// to have already verified e's signature; Price does not re-verify it.
func (s *Service) Price(e *nostrmodel.Event, encodedSize int) *big.Int {
	if s.ownerPubkey != "" && e.PubKey == s.ownerPubkey {
		return big.NewInt(0)
	}
	if s.spspMinPrice != nil && isSpspKind(e.Kind) {
		return new(big.Int).Set(s.spspMinPrice)
	}

	perByte := s.basePricePerByte
	if override, ok := s.kindOverrides[e.Kind]; ok {
		perByte = override
	}
	return new(big.Int).Mul(perByte, big.NewInt(int64(encodedSize)))
}

func isSpspKind(kind int) bool {
	return kind == nostrmodel.KindSpspRequest || kind == nostrmodel.KindSpspResponse
}
