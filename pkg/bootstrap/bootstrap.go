// Package bootstrap implements the Bootstrap Service (spec §4.11, C11):
// the per-peer state machine that turns a known peer pubkey into a
// connected, channel-opened, announced relay peering. It follows a
// retry/backoff idiom (bounded attempts, exponential delay) generalized
// from a single RPC call to an entire multi-phase handshake, and its
// bounded-fan-out worker pool mirrors the same "semaphore-guarded
// goroutine per unit of work" shape used elsewhere for batched on-chain
// calls.
package bootstrap

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/klistr-network/ilp-relay/internal/errs"
	"github.com/klistr-network/ilp-relay/pkg/connector"
	"github.com/klistr-network/ilp-relay/pkg/discovery"
	"github.com/klistr-network/ilp-relay/pkg/nostrmodel"
	"github.com/klistr-network/ilp-relay/pkg/spsp"
	"github.com/klistr-network/ilp-relay/pkg/toon"
)

// Phase is one state in the per-peer bootstrap state machine (spec §4.11).
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseDiscovering Phase = "discovering"
	PhaseHandshaking Phase = "handshaking"
	PhaseRegistering Phase = "registering"
	PhaseAnnouncing  Phase = "announcing"
	PhaseReady       Phase = "ready"
	PhaseFailed      Phase = "failed"
)

// Event is emitted on every phase transition, the bootstrap service's only
// public observation surface (spec §4.11 "Observers").
type Event struct {
	Type       Phase
	PeerPubkey string
	Reason     string
	Timestamp  int64
}

// Observer receives bootstrap Events.
type Observer func(Event)

// PeerScorer rates a discovered peer's trustworthiness, called after the
// discovering phase and before handshaking (spec §1 "a pluggable trust
// scoring hook"). A peer scoring below Config.ScoreThreshold is skipped
// (never dialed).
type PeerScorer interface {
	Score(peerPubkey string, info discovery.IlpPeerInfo) float64
}

// AcceptAllScorer is the default PeerScorer: every peer scores 1.0,
// preserving the behavior of having no trust policy at all.
type AcceptAllScorer struct{}

// Score always returns 1.0.
func (AcceptAllScorer) Score(string, discovery.IlpPeerInfo) float64 { return 1.0 }

// ConnectorClient is the subset of the Connector Adapter (C12) the
// Bootstrap Service needs.
type ConnectorClient interface {
	RegisterPeer(ctx context.Context, reg connector.PeerRegistration) error
	RemovePeer(ctx context.Context, id string) error
	SendIlpPacket(ctx context.Context, packet connector.IlpPacket) (*connector.PacketResult, error)
}

// ChannelTracker is the subset of the Channel Manager (C5) the Bootstrap
// Service needs to begin tracking a channel opened during handshaking.
type ChannelTracker interface {
	Track(channelID string, chainID int64, tokenNetworkAddress common.Address, initialNonce uint64, initialAmount *big.Int) error
}

// Config configures a Service's identity, retry policy, and fan-out.
type Config struct {
	OwnPubkey          string
	OwnPrivateKeyHex   string
	OwnIlpAddress      string
	OwnSupportedChains []string

	WorkerPoolSize int
	MaxRetries     int
	RetryBaseDelay time.Duration
	DiscoveryWait  time.Duration

	// ScoreThreshold is the minimum PeerScorer.Score a candidate peer must
	// reach to proceed to handshaking (spec §1 "pluggable trust scoring
	// hook"). A peer whose score is below the threshold fails. Zero accepts
	// every peer scoring 0 or more, including AcceptAllScorer's fixed 1.0
	// score; a negative score still fails.
	ScoreThreshold float64

	// AnnouncePacketAmount is the amount attached to this node's own
	// kind-10032 announcement packet. Whether a peer's BLS actually
	// requires payment for it is the peer's own pricing policy (spec
	// §4.11 step 4 "via a paid ILP packet if ownerPubkey bypass is off on
	// the peer, free otherwise") which this node cannot observe directly;
	// operators set this to 0 when they know their own pubkey is listed
	// as every bootstrap target's ownerPubkey, and to a nonzero estimate
	// otherwise.
	AnnouncePacketAmount *big.Int
}

func (c Config) withDefaults() Config {
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.DiscoveryWait <= 0 {
		c.DiscoveryWait = 30 * time.Second
	}
	if c.AnnouncePacketAmount == nil {
		c.AnnouncePacketAmount = big.NewInt(0)
	}
	return c
}

type peerState struct {
	mu        sync.Mutex
	phase     Phase
	readyHash string // hash of the IlpPeerInfo content that last reached ready
	cancel    context.CancelFunc
}

// Service runs the per-peer bootstrap state machine over a bounded worker
// pool (spec §4.11 "bounded fan-out").
type Service struct {
	cfg       Config
	connector ConnectorClient
	channels  ChannelTracker
	scorer    PeerScorer
	logger    *zap.Logger

	sem chan struct{}

	mu        sync.Mutex
	observers []Observer
	peers     map[string]*peerState
	cache     map[string]discovery.IlpPeerInfo
	waiters   map[string][]chan discovery.IlpPeerInfo
}

// New constructs a Service. scorer may be nil to accept every discovered peer.
func New(cfg Config, connectorClient ConnectorClient, channelTracker ChannelTracker, scorer PeerScorer, logger *zap.Logger) *Service {
	cfg = cfg.withDefaults()
	if scorer == nil {
		scorer = AcceptAllScorer{}
	}
	return &Service{
		cfg:       cfg,
		connector: connectorClient,
		channels:  channelTracker,
		scorer:    scorer,
		logger:    logger,
		sem:       make(chan struct{}, cfg.WorkerPoolSize),
		peers:     make(map[string]*peerState),
		cache:     make(map[string]discovery.IlpPeerInfo),
		waiters:   make(map[string][]chan discovery.IlpPeerInfo),
	}
}

// Cancel aborts the in-progress bootstrap run for pubkey, if any. The
// running phase is abandoned, any partial registration is torn down via
// RemovePeer, and a failed transition is emitted with reason "cancelled"
// (spec §4.11 "Cancellation").
func (s *Service) Cancel(pubkey string) {
	s.mu.Lock()
	ps, ok := s.peers[pubkey]
	s.mu.Unlock()
	if !ok {
		return
	}
	ps.mu.Lock()
	cancel := ps.cancel
	ps.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Subscribe registers an Observer for every phase transition.
func (s *Service) Subscribe(obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
}

// IngestPeerInfo records a kind-10032 sighting from the Relay Monitor or a
// direct query, waking any bootstrap worker currently in the discovering
// phase for this pubkey (spec §4.11 step 1) and, for an already-ready
// peer whose content changed, looping it back to discovering (spec §4.11
// step 5).
func (s *Service) IngestPeerInfo(pubkey string, info discovery.IlpPeerInfo) {
	s.mu.Lock()
	s.cache[pubkey] = info
	waiters := s.waiters[pubkey]
	delete(s.waiters, pubkey)
	ps, hasPeer := s.peers[pubkey]
	s.mu.Unlock()

	for _, w := range waiters {
		select {
		case w <- info:
		default:
		}
		close(w)
	}

	if !hasPeer {
		return
	}
	ps.mu.Lock()
	needsRefresh := ps.phase == PhaseReady && ps.readyHash != infoHash(info)
	ps.mu.Unlock()
	if needsRefresh {
		s.Start(context.Background(), []string{pubkey})
	}
}

// Start fans out runPeer over peerPubkeys with bounded concurrency (spec
// §4.11 "across peers, bootstrap proceeds in parallel with a bounded
// fan-out"). It does not block; callers observing completion should use
// Subscribe.
func (s *Service) Start(ctx context.Context, peerPubkeys []string) {
	for _, pubkey := range peerPubkeys {
		pubkey := pubkey
		go func() {
			s.sem <- struct{}{}
			defer func() { <-s.sem }()
			s.runPeer(ctx, pubkey)
		}()
	}
}

// runPeer drives a single peer through the full state machine (spec
// §4.11). Re-running against an already-ready peer whose info hasn't
// changed is a no-op (spec §4.11 "Idempotence").
func (s *Service) runPeer(ctx context.Context, pubkey string) {
	ps := s.peerFor(pubkey)

	ps.mu.Lock()
	if ps.phase == PhaseReady {
		ps.mu.Unlock()
		if cached, ok := s.cachedInfo(pubkey); ok && ps.readyHash == infoHash(cached) {
			return
		}
	} else {
		ps.mu.Unlock()
	}

	runCtx, cancel := context.WithCancel(ctx)
	ps.mu.Lock()
	ps.cancel = cancel
	ps.mu.Unlock()
	defer cancel()

	registeredPeerID := ""
	fail := func(reason string) {
		if registeredPeerID != "" {
			_ = s.connector.RemovePeer(context.Background(), registeredPeerID)
		}
		if runCtx.Err() != nil {
			reason = "cancelled"
		}
		s.transition(ps, pubkey, PhaseFailed, reason)
	}

	s.transition(ps, pubkey, PhaseDiscovering, "")
	info, err := s.waitForInfo(runCtx, pubkey)
	if err != nil {
		fail("discovery timed out: " + err.Error())
		return
	}

	if score := s.scorer.Score(pubkey, info); score < s.cfg.ScoreThreshold {
		fail(fmt.Sprintf("peer score %.3f below threshold %.3f", score, s.cfg.ScoreThreshold))
		return
	}

	s.transition(ps, pubkey, PhaseHandshaking, "")
	handshake, err := retryWithBackoff(runCtx, s.cfg.MaxRetries, s.cfg.RetryBaseDelay, func() (*handshakeResult, error) {
		return s.handshake(runCtx, pubkey, info)
	})
	if err != nil {
		fail("handshake failed: " + err.Error())
		return
	}

	s.transition(ps, pubkey, PhaseRegistering, "")
	registeredPeerID = pubkey
	if _, err := retryWithBackoff(runCtx, s.cfg.MaxRetries, s.cfg.RetryBaseDelay, func() (struct{}, error) {
		return struct{}{}, s.register(runCtx, pubkey, info, handshake)
	}); err != nil {
		fail("registration failed: " + err.Error())
		return
	}

	s.transition(ps, pubkey, PhaseAnnouncing, "")
	if _, err := retryWithBackoff(runCtx, s.cfg.MaxRetries, s.cfg.RetryBaseDelay, func() (struct{}, error) {
		return struct{}{}, s.announce(runCtx, pubkey)
	}); err != nil {
		fail("announce failed: " + err.Error())
		return
	}

	ps.mu.Lock()
	ps.readyHash = infoHash(info)
	ps.mu.Unlock()
	s.transition(ps, pubkey, PhaseReady, "")
}

type handshakeResult struct {
	sharedSecret        string
	channelID           string
	negotiatedChain     string
	settlementAddress   string
	tokenAddress        string
	tokenNetworkAddress string
}

// handshake sends a SPSP request (kind 23194), encrypted and TOON-encoded,
// via the Connector Adapter to the peer's connector, and decrypts the
// kind-23195 response embedded in the FULFILL payload (spec §4.11 step 2).
func (s *Service) handshake(ctx context.Context, pubkey string, info discovery.IlpPeerInfo) (*handshakeResult, error) {
	req := spsp.Request{
		RequestID:       pubkey + ":" + s.cfg.OwnPubkey,
		PeerID:          s.cfg.OwnPubkey,
		SupportedChains: s.cfg.OwnSupportedChains,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal SPSP request: %w", err)
	}
	ciphertext, err := nostrmodel.NIP44Encrypt(string(body), s.cfg.OwnPrivateKeyHex, pubkey)
	if err != nil {
		return nil, fmt.Errorf("encrypt SPSP request: %w", err)
	}

	event := &nostrmodel.Event{
		Kind:      nostrmodel.KindSpspRequest,
		CreatedAt: nostrmodel.Timestamp(nowUnix()),
		Content:   ciphertext,
		Tags:      nostrmodel.Tags{{"p", pubkey}},
	}
	if err := nostrmodel.Sign(event, s.cfg.OwnPrivateKeyHex); err != nil {
		return nil, fmt.Errorf("sign SPSP request: %w", err)
	}

	encoded, err := toon.Encode(event)
	if err != nil {
		return nil, fmt.Errorf("TOON-encode SPSP request: %w", err)
	}

	// Handshake pricing is always 0 (spec §4.11 step 2: "the payment is
	// zero amount for bootstrap"); no claim is attached.
	result, err := s.connector.SendIlpPacket(ctx, connector.IlpPacket{
		Destination: info.IlpAddress,
		Amount:      "0",
		Data:        base64.StdEncoding.EncodeToString(encoded),
	})
	if err != nil {
		return nil, fmt.Errorf("send SPSP request: %w", err)
	}
	if !result.Accepted {
		return nil, errs.New(errs.CategoryTransient, fmt.Sprintf("SPSP request rejected: %s %s", result.Code, result.Message))
	}
	if result.Fulfillment == "" {
		return nil, errs.New(errs.CategoryProtocol, "SPSP response missing from fulfillment payload")
	}

	respRaw, err := base64.StdEncoding.DecodeString(result.Fulfillment)
	if err != nil {
		return nil, fmt.Errorf("decode SPSP response payload: %w", err)
	}
	respEvent, err := toon.Decode(respRaw)
	if err != nil {
		return nil, fmt.Errorf("TOON-decode SPSP response: %w", err)
	}
	plaintext, err := nostrmodel.NIP44Decrypt(respEvent.Content, s.cfg.OwnPrivateKeyHex, respEvent.PubKey)
	if err != nil {
		return nil, errs.Wrap(errs.CategoryProtocol, "decrypt SPSP response", errs.ErrDecrypt)
	}

	var resp spsp.Response
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal SPSP response: %w", err)
	}

	return &handshakeResult{
		sharedSecret:        resp.SharedSecret,
		channelID:           resp.ChannelID,
		negotiatedChain:     resp.NegotiatedChain,
		settlementAddress:   resp.SettlementAddress,
		tokenAddress:        resp.TokenAddress,
		tokenNetworkAddress: resp.TokenNetworkAddress,
	}, nil
}

// register calls the Connector Adapter's registerPeer with the shared
// secret as auth token, and begins tracking the opened channel at nonce 0
// (spec §4.11 step 3).
func (s *Service) register(ctx context.Context, pubkey string, info discovery.IlpPeerInfo, hr *handshakeResult) error {
	if err := s.connector.RegisterPeer(ctx, connector.PeerRegistration{
		ID:        pubkey,
		URL:       info.ConnectorURL,
		AuthToken: hr.sharedSecret,
		Routes:    []string{info.IlpAddress},
		Settlement: map[string]string{
			"chain":               hr.negotiatedChain,
			"settlementAddress":   hr.settlementAddress,
			"tokenAddress":        hr.tokenAddress,
			"tokenNetworkAddress": hr.tokenNetworkAddress,
		},
	}); err != nil {
		return fmt.Errorf("registerPeer: %w", err)
	}

	chainID := connector.ChainNumericID(hr.negotiatedChain)
	if chainID == 0 || hr.tokenNetworkAddress == "" {
		// No settlement chain was negotiated (a pure relay peering with no
		// payment channel); nothing to track.
		return nil
	}
	if err := s.channels.Track(hr.channelID, chainID, common.HexToAddress(hr.tokenNetworkAddress), 0, nil); err != nil {
		return fmt.Errorf("track channel: %w", err)
	}
	return nil
}

// announce publishes this node's own kind-10032 event to the peer (spec
// §4.11 step 4).
func (s *Service) announce(ctx context.Context, pubkey string) error {
	info := discovery.IlpPeerInfo{
		IlpAddress:      s.cfg.OwnIlpAddress,
		SupportedChains: s.cfg.OwnSupportedChains,
	}
	body, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal own peer info: %w", err)
	}

	event := &nostrmodel.Event{
		Kind:      nostrmodel.KindIlpPeerInfo,
		CreatedAt: nostrmodel.Timestamp(nowUnix()),
		Content:   string(body),
	}
	if err := nostrmodel.Sign(event, s.cfg.OwnPrivateKeyHex); err != nil {
		return fmt.Errorf("sign announcement: %w", err)
	}
	encoded, err := toon.Encode(event)
	if err != nil {
		return fmt.Errorf("TOON-encode announcement: %w", err)
	}

	result, err := s.connector.SendIlpPacket(ctx, connector.IlpPacket{
		Destination: pubkey,
		Amount:      s.cfg.AnnouncePacketAmount.String(),
		Data:        base64.StdEncoding.EncodeToString(encoded),
	})
	if err != nil {
		return fmt.Errorf("send announcement: %w", err)
	}
	if !result.Accepted {
		return errs.New(errs.CategoryTransient, fmt.Sprintf("announcement rejected: %s %s", result.Code, result.Message))
	}
	return nil
}

// waitForInfo returns cached peer info immediately if already known,
// otherwise blocks until IngestPeerInfo delivers a sighting or ctx's
// discovery deadline elapses (spec §4.11 step 1).
func (s *Service) waitForInfo(ctx context.Context, pubkey string) (discovery.IlpPeerInfo, error) {
	if info, ok := s.cachedInfo(pubkey); ok {
		return info, nil
	}

	ch := make(chan discovery.IlpPeerInfo, 1)
	s.mu.Lock()
	s.waiters[pubkey] = append(s.waiters[pubkey], ch)
	s.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.DiscoveryWait)
	defer cancel()

	select {
	case info, ok := <-ch:
		if !ok {
			return discovery.IlpPeerInfo{}, errs.New(errs.CategoryTransient, "discovery channel closed before a sighting arrived")
		}
		return info, nil
	case <-waitCtx.Done():
		return discovery.IlpPeerInfo{}, waitCtx.Err()
	}
}

func (s *Service) cachedInfo(pubkey string) (discovery.IlpPeerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.cache[pubkey]
	return info, ok
}

func (s *Service) peerFor(pubkey string) *peerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ps, ok := s.peers[pubkey]; ok {
		return ps
	}
	ps := &peerState{phase: PhaseIdle}
	s.peers[pubkey] = ps
	return ps
}

func (s *Service) transition(ps *peerState, pubkey string, phase Phase, reason string) {
	ps.mu.Lock()
	ps.phase = phase
	ps.mu.Unlock()

	s.mu.Lock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	ev := Event{Type: phase, PeerPubkey: pubkey, Reason: reason, Timestamp: nowUnix()}
	for _, obs := range observers {
		obs(ev)
	}
}

// retryWithBackoff runs fn up to maxRetries+1 times with exponential
// backoff (base delay doubling each attempt), stopping early on a
// non-transient failure (spec §4.11 "Transitions" + spec §5/§7 "retries
// transient failures with exponential backoff ... treats configuration and
// protocol failures as terminal").
func retryWithBackoff[T any](ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	delay := baseDelay
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
			delay *= 2
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errs.CategoryOf(err) != errs.CategoryTransient {
			return zero, err
		}
	}
	return zero, lastErr
}

// infoHash produces a comparison key for an IlpPeerInfo's content, used to
// detect whether a peer's kind-10032 content actually changed before
// re-running an already-ready peer (spec §4.11 "Idempotence").
func infoHash(info discovery.IlpPeerInfo) string {
	b, err := json.Marshal(info)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func nowUnix() int64 {
	return time.Now().Unix()
}
