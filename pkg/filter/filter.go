// Package filter implements the NIP-01 filter predicate (spec §4.2, C2): a
// pure function matching a single event against a single filter. It is
// deliberately independent of any Nostr client library — prefix matching on
// ids/authors and per-tag-letter matching are simple enough, and specific
// enough to this relay's pay-to-write semantics, that no third-party
// matcher from the corpus fits better than a small hand-written predicate.
package filter

import (
	"strings"

	"github.com/klistr-network/ilp-relay/pkg/nostrmodel"
)

// Filter mirrors NIP-01's filter shape (spec §3 "Filter"). All fields are
// optional; an empty Filter matches every event. Fields are combined by
// AND; within a single list field, matching is by OR.
type Filter struct {
	IDs     []string         // prefix match against event.ID
	Authors []string         // prefix match against event.PubKey
	Kinds   []int            // exact match against event.Kind
	Since   *int64           // event.CreatedAt >= Since
	Until   *int64           // event.CreatedAt <= Until
	Tags    map[string][]string // tag letter x (wire key "#x") -> allowed values
	Limit   int              // caller-side cap on returned events; 0 = unbounded
}

// Matches reports whether e satisfies f (spec §4.2).
func Matches(e *nostrmodel.Event, f Filter) bool {
	if len(f.IDs) > 0 && !matchesPrefixAny(e.ID, f.IDs) {
		return false
	}
	if len(f.Authors) > 0 && !matchesPrefixAny(e.PubKey, f.Authors) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && int64(e.CreatedAt) < *f.Since {
		return false
	}
	if f.Until != nil && int64(e.CreatedAt) > *f.Until {
		return false
	}
	for letter, values := range f.Tags {
		if !eventHasTagValue(e, letter, values) {
			return false
		}
	}
	return true
}

func matchesPrefixAny(value string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(value, p) {
			return true
		}
	}
	return false
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// eventHasTagValue reports whether e has at least one tag whose first
// element equals letter and whose second element is one of values.
func eventHasTagValue(e *nostrmodel.Event, letter string, values []string) bool {
	for _, tag := range e.Tags {
		if len(tag) < 2 || tag[0] != letter {
			continue
		}
		for _, v := range values {
			if tag[1] == v {
				return true
			}
		}
	}
	return false
}

// MatchesAny reports whether e matches at least one filter in fs. An empty
// fs slice matches nothing (a subscription always carries at least one
// filter in valid NIP-01 usage); callers wanting "match all" should pass a
// single empty Filter.
func MatchesAny(e *nostrmodel.Event, fs []Filter) bool {
	for _, f := range fs {
		if Matches(e, f) {
			return true
		}
	}
	return false
}
