package discovery

import (
	"encoding/json"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
)

func peerInfoEvent(t *testing.T, pubkey string, createdAt int64, info IlpPeerInfo) *nostr.Event {
	t.Helper()
	content, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal info: %v", err)
	}
	return &nostr.Event{PubKey: pubkey, CreatedAt: nostr.Timestamp(createdAt), Content: string(content)}
}

func TestHandleEventEmitsFirstSighting(t *testing.T) {
	m := New(nil, zap.NewNop())
	out := make(chan PeerDiscovered, 1)

	e := peerInfoEvent(t, "pub1", 1000, IlpPeerInfo{IlpAddress: "g.peer1"})
	m.handleEvent(e, out)

	select {
	case d := <-out:
		if d.Pubkey != "pub1" || d.Info.IlpAddress != "g.peer1" {
			t.Fatalf("unexpected PeerDiscovered: %+v", d)
		}
	default:
		t.Fatal("expected a PeerDiscovered to be emitted")
	}
}

func TestHandleEventDedupesOlderOrEqualCreatedAt(t *testing.T) {
	m := New(nil, zap.NewNop())
	out := make(chan PeerDiscovered, 2)

	m.handleEvent(peerInfoEvent(t, "pub1", 1000, IlpPeerInfo{IlpAddress: "first"}), out)
	<-out

	m.handleEvent(peerInfoEvent(t, "pub1", 1000, IlpPeerInfo{IlpAddress: "same-timestamp"}), out)
	m.handleEvent(peerInfoEvent(t, "pub1", 500, IlpPeerInfo{IlpAddress: "older"}), out)

	select {
	case d := <-out:
		t.Fatalf("expected no further emissions for stale/equal created_at, got %+v", d)
	default:
	}
}

func TestHandleEventEmitsNewerUpdate(t *testing.T) {
	m := New(nil, zap.NewNop())
	out := make(chan PeerDiscovered, 2)

	m.handleEvent(peerInfoEvent(t, "pub1", 1000, IlpPeerInfo{IlpAddress: "first"}), out)
	<-out

	m.handleEvent(peerInfoEvent(t, "pub1", 2000, IlpPeerInfo{IlpAddress: "updated"}), out)

	select {
	case d := <-out:
		if d.Info.IlpAddress != "updated" {
			t.Fatalf("expected updated info, got %+v", d)
		}
	default:
		t.Fatal("expected an update to be emitted for newer created_at")
	}
}

func TestHandleEventDiscardsMalformedContent(t *testing.T) {
	m := New(nil, zap.NewNop())
	out := make(chan PeerDiscovered, 1)

	e := &nostr.Event{PubKey: "pub1", CreatedAt: 1000, Content: "not-json"}
	m.handleEvent(e, out)

	select {
	case d := <-out:
		t.Fatalf("expected no emission for malformed content, got %+v", d)
	default:
	}
}

func TestResetClearsDedupState(t *testing.T) {
	m := New(nil, zap.NewNop())
	out := make(chan PeerDiscovered, 2)

	m.handleEvent(peerInfoEvent(t, "pub1", 1000, IlpPeerInfo{IlpAddress: "first"}), out)
	<-out

	m.Reset()

	m.handleEvent(peerInfoEvent(t, "pub1", 1000, IlpPeerInfo{IlpAddress: "first"}), out)
	select {
	case d := <-out:
		if d.Info.IlpAddress != "first" {
			t.Fatalf("unexpected emission after reset: %+v", d)
		}
	default:
		t.Fatal("expected emission to repeat after Reset")
	}
}
