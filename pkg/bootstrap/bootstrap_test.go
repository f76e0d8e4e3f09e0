package bootstrap

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klistr-network/ilp-relay/internal/errs"
	"github.com/klistr-network/ilp-relay/pkg/connector"
	"github.com/klistr-network/ilp-relay/pkg/discovery"
	"github.com/klistr-network/ilp-relay/pkg/nostrmodel"
	"github.com/klistr-network/ilp-relay/pkg/spsp"
	"github.com/klistr-network/ilp-relay/pkg/toon"
	"go.uber.org/zap"
)

const (
	ownSk  = "0000000000000000000000000000000000000000000000000000000000000001"
	peerSk = "0000000000000000000000000000000000000000000000000000000000000002"
)

func ownPubHex(t *testing.T) string {
	t.Helper()
	e := &nostrmodel.Event{Kind: 1}
	if err := nostrmodel.Sign(e, ownSk); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return e.PubKey
}

func peerPubHex(t *testing.T) string {
	t.Helper()
	e := &nostrmodel.Event{Kind: 1}
	if err := nostrmodel.Sign(e, peerSk); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return e.PubKey
}

// buildSpspResponsePayload builds the base64(TOON(signed kind-23195 event))
// payload a peer's connector would return as the FULFILL fulfillment for a
// handshake request sent by ownSk.
func buildSpspResponsePayload(t *testing.T, resp spsp.Response) string {
	t.Helper()
	body, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	ciphertext, err := nostrmodel.NIP44Encrypt(string(body), peerSk, ownPubHex(t))
	if err != nil {
		t.Fatalf("encrypt response: %v", err)
	}
	e := &nostrmodel.Event{Kind: nostrmodel.KindSpspResponse, Content: ciphertext}
	if err := nostrmodel.Sign(e, peerSk); err != nil {
		t.Fatalf("sign response: %v", err)
	}
	encoded, err := toon.Encode(e)
	if err != nil {
		t.Fatalf("TOON-encode response: %v", err)
	}
	return base64.StdEncoding.EncodeToString(encoded)
}

type fakeConnector struct {
	mu sync.Mutex

	registerErr error
	sendErr     error
	rejectCode  string
	fulfillment string
	registered  []string
	removed     []string
	sent        int
}

func (f *fakeConnector) RegisterPeer(ctx context.Context, reg connector.PeerRegistration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return f.registerErr
	}
	f.registered = append(f.registered, reg.ID)
	return nil
}

func (f *fakeConnector) RemovePeer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeConnector) SendIlpPacket(ctx context.Context, packet connector.IlpPacket) (*connector.PacketResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if f.rejectCode != "" {
		return &connector.PacketResult{Accepted: false, Code: f.rejectCode, Message: "rejected"}, nil
	}
	return &connector.PacketResult{Accepted: true, Fulfillment: f.fulfillment}, nil
}

type fakeTracker struct {
	mu      sync.Mutex
	tracked map[string]bool
	err     error
}

func newFakeTracker() *fakeTracker { return &fakeTracker{tracked: map[string]bool{}} }

func (f *fakeTracker) Track(channelID string, chainID int64, tokenNetworkAddress common.Address, initialNonce uint64, initialAmount *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tracked[channelID] = true
	return nil
}

type rejectAllScorer struct{}

func (rejectAllScorer) Score(string, discovery.IlpPeerInfo) float64 { return -1 }

func testConfig(t *testing.T) Config {
	return Config{
		OwnPubkey:          ownPubHex(t),
		OwnPrivateKeyHex:   ownSk,
		OwnIlpAddress:      "g.own.relay",
		OwnSupportedChains: []string{"evm:anvil:31337"},
		WorkerPoolSize:     2,
		MaxRetries:         1,
		RetryBaseDelay:     time.Millisecond,
		DiscoveryWait:      200 * time.Millisecond,
	}
}

func waitForEvent(t *testing.T, events <-chan Event, timeout time.Duration, want Phase) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for phase %s", want)
		}
	}
}

func subscribeEvents(s *Service) <-chan Event {
	ch := make(chan Event, 32)
	s.Subscribe(func(ev Event) { ch <- ev })
	return ch
}

func TestRunPeerReachesReadyOnHappyPath(t *testing.T) {
	pubkey := peerPubHex(t)
	fulfillment := buildSpspResponsePayload(t, spsp.Response{
		RequestID:           "ignored",
		SharedSecret:        "shared-secret",
		NegotiatedChain:     "evm:anvil:31337",
		TokenNetworkAddress: "0x1111111111111111111111111111111111111111",
		ChannelID:           "chan-1",
	})

	fc := &fakeConnector{fulfillment: fulfillment}
	tracker := newFakeTracker()
	svc := New(testConfig(t), fc, tracker, AcceptAllScorer{}, zap.NewNop())
	events := subscribeEvents(svc)

	svc.IngestPeerInfo(pubkey, discovery.IlpPeerInfo{IlpAddress: "g.peer", ConnectorURL: "http://peer"})
	svc.Start(context.Background(), []string{pubkey})

	waitForEvent(t, events, time.Second, PhaseReady)

	if !tracker.tracked["chan-1"] {
		t.Fatal("expected channel chan-1 to be tracked")
	}
	if len(fc.registered) != 1 || fc.registered[0] != pubkey {
		t.Fatalf("expected peer to be registered, got %+v", fc.registered)
	}
}

func TestRunPeerFailsWhenScorerRejects(t *testing.T) {
	pubkey := peerPubHex(t)
	fc := &fakeConnector{}
	svc := New(testConfig(t), fc, newFakeTracker(), rejectAllScorer{}, zap.NewNop())
	events := subscribeEvents(svc)

	svc.IngestPeerInfo(pubkey, discovery.IlpPeerInfo{IlpAddress: "g.peer"})
	svc.Start(context.Background(), []string{pubkey})

	ev := waitForEvent(t, events, time.Second, PhaseFailed)
	if ev.Reason == "" {
		t.Fatal("expected a failure reason")
	}
	if len(fc.registered) != 0 {
		t.Fatal("expected no registration after scorer rejection")
	}
}

func TestRunPeerTimesOutWhenNoInfoArrives(t *testing.T) {
	cfg := testConfig(t)
	cfg.DiscoveryWait = 20 * time.Millisecond
	fc := &fakeConnector{}
	svc := New(cfg, fc, newFakeTracker(), AcceptAllScorer{}, zap.NewNop())
	events := subscribeEvents(svc)

	svc.Start(context.Background(), []string{peerPubHex(t)})

	waitForEvent(t, events, time.Second, PhaseFailed)
}

func TestRunPeerRemovesPeerOnAnnounceFailureAfterRegistration(t *testing.T) {
	pubkey := peerPubHex(t)
	fulfillment := buildSpspResponsePayload(t, spsp.Response{
		SharedSecret:        "shared-secret",
		NegotiatedChain:     "evm:anvil:31337",
		TokenNetworkAddress: "0x1111111111111111111111111111111111111111",
		ChannelID:           "chan-1",
	})

	fc := &fakeConnector{fulfillment: fulfillment}
	svc := New(testConfig(t), fc, newFakeTracker(), AcceptAllScorer{}, zap.NewNop())
	events := subscribeEvents(svc)

	svc.IngestPeerInfo(pubkey, discovery.IlpPeerInfo{IlpAddress: "g.peer", ConnectorURL: "http://peer"})
	svc.Start(context.Background(), []string{pubkey})

	waitForEvent(t, events, time.Second, PhaseRegistering)

	fc.mu.Lock()
	fc.rejectCode = "F00"
	fc.mu.Unlock()

	waitForEvent(t, events, time.Second, PhaseFailed)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.removed) != 1 || fc.removed[0] != pubkey {
		t.Fatalf("expected compensating removePeer call, got %+v", fc.removed)
	}
}

func TestRunPeerIsIdempotentForUnchangedReadyPeer(t *testing.T) {
	pubkey := peerPubHex(t)
	fulfillment := buildSpspResponsePayload(t, spsp.Response{
		SharedSecret:        "shared-secret",
		NegotiatedChain:     "evm:anvil:31337",
		TokenNetworkAddress: "0x1111111111111111111111111111111111111111",
		ChannelID:           "chan-1",
	})

	fc := &fakeConnector{fulfillment: fulfillment}
	svc := New(testConfig(t), fc, newFakeTracker(), AcceptAllScorer{}, zap.NewNop())
	events := subscribeEvents(svc)

	info := discovery.IlpPeerInfo{IlpAddress: "g.peer", ConnectorURL: "http://peer"}
	svc.IngestPeerInfo(pubkey, info)
	svc.Start(context.Background(), []string{pubkey})
	waitForEvent(t, events, time.Second, PhaseReady)

	sentBefore := fc.sent
	svc.Start(context.Background(), []string{pubkey})
	time.Sleep(50 * time.Millisecond)

	if fc.sent != sentBefore {
		t.Fatalf("expected no further packets for an unchanged already-ready peer, sent went from %d to %d", sentBefore, fc.sent)
	}
}

func TestRunPeerRefreshesReadyPeerWhenInfoChanges(t *testing.T) {
	pubkey := peerPubHex(t)
	fulfillment := buildSpspResponsePayload(t, spsp.Response{
		SharedSecret:        "shared-secret",
		NegotiatedChain:     "evm:anvil:31337",
		TokenNetworkAddress: "0x1111111111111111111111111111111111111111",
		ChannelID:           "chan-1",
	})

	fc := &fakeConnector{fulfillment: fulfillment}
	svc := New(testConfig(t), fc, newFakeTracker(), AcceptAllScorer{}, zap.NewNop())
	events := subscribeEvents(svc)

	svc.IngestPeerInfo(pubkey, discovery.IlpPeerInfo{IlpAddress: "g.peer", ConnectorURL: "http://peer"})
	svc.Start(context.Background(), []string{pubkey})
	waitForEvent(t, events, time.Second, PhaseReady)

	svc.IngestPeerInfo(pubkey, discovery.IlpPeerInfo{IlpAddress: "g.peer.v2", ConnectorURL: "http://peer"})

	waitForEvent(t, events, time.Second, PhaseDiscovering)
	waitForEvent(t, events, time.Second, PhaseReady)
}

func TestInfoHashDiffersOnContentChange(t *testing.T) {
	a := discovery.IlpPeerInfo{IlpAddress: "g.one"}
	b := discovery.IlpPeerInfo{IlpAddress: "g.two"}
	if infoHash(a) == infoHash(b) {
		t.Fatal("expected different content to hash differently")
	}
	if infoHash(a) != infoHash(a) {
		t.Fatal("expected identical content to hash identically")
	}
}

func TestRetryWithBackoffStopsOnNonTransientError(t *testing.T) {
	attempts := 0
	_, err := retryWithBackoff(context.Background(), 3, time.Millisecond, func() (struct{}, error) {
		attempts++
		return struct{}{}, errs.New(errs.CategoryBadRequest, "not retryable")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-transient error, got %d", attempts)
	}
}

func TestRetryWithBackoffRetriesTransientErrorUntilSuccess(t *testing.T) {
	attempts := 0
	result, err := retryWithBackoff(context.Background(), 3, time.Millisecond, func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, errs.New(errs.CategoryTransient, "temporary")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if result != 42 {
		t.Fatalf("result = %d, want 42", result)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}
