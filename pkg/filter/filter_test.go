package filter

import (
	"testing"

	"github.com/klistr-network/ilp-relay/pkg/nostrmodel"
)

func ev(id, pubkey string, kind int, createdAt int64, tags nostrmodel.Tags) *nostrmodel.Event {
	return &nostrmodel.Event{
		ID:        id,
		PubKey:    pubkey,
		Kind:      kind,
		CreatedAt: nostrmodel.Timestamp(createdAt),
		Tags:      tags,
	}
}

func TestEmptyFilterMatchesAll(t *testing.T) {
	e := ev("abc123", "def456", 1, 1000, nil)
	if !Matches(e, Filter{}) {
		t.Fatal("empty filter should match all events")
	}
}

func TestPrefixMatchIDsAndAuthors(t *testing.T) {
	e := ev("abcdef00", "11112222", 1, 1000, nil)
	if !Matches(e, Filter{IDs: []string{"abcd"}}) {
		t.Fatal("expected prefix match on id")
	}
	if Matches(e, Filter{IDs: []string{"zz"}}) {
		t.Fatal("expected no match on id prefix")
	}
	if !Matches(e, Filter{Authors: []string{"1111"}}) {
		t.Fatal("expected prefix match on author")
	}
}

func TestKindsOR(t *testing.T) {
	e := ev("a", "b", 3, 1000, nil)
	if !Matches(e, Filter{Kinds: []int{1, 3, 5}}) {
		t.Fatal("expected kind match (OR semantics)")
	}
	if Matches(e, Filter{Kinds: []int{1, 5}}) {
		t.Fatal("expected no kind match")
	}
}

func TestSinceUntil(t *testing.T) {
	e := ev("a", "b", 1, 1000, nil)
	since := int64(999)
	until := int64(1001)
	if !Matches(e, Filter{Since: &since, Until: &until}) {
		t.Fatal("expected event within [since,until]")
	}
	tooEarly := int64(999)
	outOfRange := int64(1001)
	if Matches(e, Filter{Since: &outOfRange}) {
		t.Fatal("expected event before since to be excluded")
	}
	if Matches(e, Filter{Until: &tooEarly}) {
		t.Fatal("expected event after until to be excluded")
	}
}

func TestTagFilter(t *testing.T) {
	e := ev("a", "b", 1, 1000, nostrmodel.Tags{{"p", "pubkey1"}, {"e", "event1"}})
	if !Matches(e, Filter{Tags: map[string][]string{"p": {"pubkey1", "pubkey2"}}}) {
		t.Fatal("expected tag match")
	}
	if Matches(e, Filter{Tags: map[string][]string{"p": {"other"}}}) {
		t.Fatal("expected no tag match")
	}
}

func TestAndAcrossFields(t *testing.T) {
	e := ev("abcd", "1234", 1, 1000, nostrmodel.Tags{{"p", "x"}})
	f := Filter{
		IDs:   []string{"ab"},
		Kinds: []int{1},
		Tags:  map[string][]string{"p": {"x"}},
	}
	if !Matches(e, f) {
		t.Fatal("expected AND of satisfied fields to match")
	}
	f.Kinds = []int{2}
	if Matches(e, f) {
		t.Fatal("expected AND to fail when one field mismatches")
	}
}
