// Package spsp implements the SPSP Handler (spec §4.8, C9): the
// NIP-44-encrypted handshake that turns an inbound kind-23194 request into
// an opened payment channel and a kind-23195 response. It is grounded on
// the Channel Manager/Connector Adapter split the rest of this repo
// already defines, sequencing their calls the way higher-level client
// methods elsewhere sequence calls across lower-level packages (build
// request → call service → assemble response).
package spsp

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/klistr-network/ilp-relay/internal/errs"
	"github.com/klistr-network/ilp-relay/pkg/connector"
	"github.com/klistr-network/ilp-relay/pkg/nostrmodel"
)

// Request is the decrypted JSON body of a kind-23194 event (spec §4.8 step 1).
type Request struct {
	RequestID           string            `json:"requestId"`
	PeerID              string            `json:"peerId"`
	SupportedChains     []string          `json:"supportedChains"`
	SettlementAddresses map[string]string `json:"settlementAddresses"`
	InitialDeposit      string            `json:"initialDeposit,omitempty"`
}

// Response is the JSON body encrypted into a kind-23195 event (spec §4.8 step 4).
type Response struct {
	RequestID           string `json:"requestId"`
	DestinationAccount  string `json:"destinationAccount"`
	SharedSecret        string `json:"sharedSecret"`
	NegotiatedChain     string `json:"negotiatedChain"`
	SettlementAddress   string `json:"settlementAddress"`
	TokenAddress        string `json:"tokenAddress,omitempty"`
	TokenNetworkAddress string `json:"tokenNetworkAddress"`
	ChannelID           string `json:"channelId"`
	SettlementTimeout   int64  `json:"settlementTimeout"`
}

// Config configures a Handler's own identity and settlement policy.
type Config struct {
	PrivateKeyHex      string
	OwnSupportedChains []string
	// TokenNetworkAddresses and TokenAddresses map a chain identifier (as
	// used in SupportedChains) to the settlement contract addresses this
	// node expects peers to use on that chain.
	TokenNetworkAddresses map[string]string
	TokenAddresses        map[string]string
	DestinationAccount    string
	InitialDeposit        string
	SettlementTimeout     int64
	ChannelOpenTimeout    time.Duration
	ChannelOpenPoll       time.Duration
}

// ConnectorClient is the subset of the Connector Adapter (spec §4.9, C12)
// the SPSP Handler needs to open and poll a channel. Defined narrowly here
// rather than depending on *connector.Adapter directly so this package
// keeps faith with "polymorphic over transport" — a test double or an
// in-process adapter satisfies it exactly as well as the HTTP one.
type ConnectorClient interface {
	OpenChannel(ctx context.Context, params connector.OpenChannelParams) (*connector.ChannelState, error)
	WaitForOpen(ctx context.Context, channelID string, pollInterval, timeout time.Duration) (*connector.ChannelState, error)
}

// ChannelTracker is the subset of the Channel Manager (spec §4.7, C5) the
// SPSP Handler needs to begin tracking a freshly opened channel.
type ChannelTracker interface {
	IsTracking(channelID string) bool
	Track(channelID string, chainID int64, tokenNetworkAddress common.Address, initialNonce uint64, initialAmount *big.Int) error
}

// Handler implements bls.SpspHandler.
type Handler struct {
	cfg       Config
	connector ConnectorClient
	channels  ChannelTracker
}

// New constructs a Handler. cfg.PrivateKeyHex is this node's Nostr signing
// key, reused as the NIP-44 secret for decrypting/encrypting SPSP events.
func New(cfg Config, connectorClient ConnectorClient, channelTracker ChannelTracker) *Handler {
	return &Handler{
		cfg:       cfg,
		connector: connectorClient,
		channels:  channelTracker,
	}
}

// Handle runs the SPSP handshake for an inbound kind-23194 event (spec
// §4.8 steps 1-5).
func (h *Handler) Handle(ctx context.Context, request *nostrmodel.Event) (*nostrmodel.Event, error) {
	plaintext, err := nostrmodel.NIP44Decrypt(request.Content, h.cfg.PrivateKeyHex, request.PubKey)
	if err != nil {
		return nil, errs.Wrap(errs.CategoryProtocol, "SPSP decrypt failed", errs.ErrDecrypt)
	}

	var req Request
	if err := json.Unmarshal([]byte(plaintext), &req); err != nil {
		return nil, errs.Wrap(errs.CategoryBadRequest, "SPSP request body is not valid JSON", err)
	}

	chain, err := h.negotiateChain(req.SupportedChains)
	if err != nil {
		return nil, err
	}

	state, err := h.openChannel(ctx, req, chain)
	if err != nil {
		return nil, err
	}

	sharedSecret, err := randomSecret()
	if err != nil {
		return nil, errs.Wrap(errs.CategoryTransient, "generate SPSP shared secret", err)
	}

	resp := Response{
		RequestID:           req.RequestID,
		DestinationAccount:  h.cfg.DestinationAccount,
		SharedSecret:        sharedSecret,
		NegotiatedChain:     chain,
		SettlementAddress:   req.SettlementAddresses[chain],
		TokenAddress:        h.cfg.TokenAddresses[chain],
		TokenNetworkAddress: h.cfg.TokenNetworkAddresses[chain],
		ChannelID:           state.ChannelID,
		SettlementTimeout:   h.cfg.SettlementTimeout,
	}

	if !h.channels.IsTracking(state.ChannelID) {
		tokenNetwork := common.HexToAddress(h.cfg.TokenNetworkAddresses[chain])
		if err := h.channels.Track(state.ChannelID, connector.ChainNumericID(chain), tokenNetwork, 0, nil); err != nil {
			return nil, errs.Wrap(errs.CategoryTransient, "track opened channel", err)
		}
	}

	return h.buildResponseEvent(resp, request.PubKey)
}

// negotiateChain picks the first of candidates also present in
// h.cfg.OwnSupportedChains (spec §4.8 step 2: "pick the first chain in
// request.supportedChains that is also in config.ownSupportedChains").
func (h *Handler) negotiateChain(candidates []string) (string, error) {
	own := make(map[string]struct{}, len(h.cfg.OwnSupportedChains))
	for _, c := range h.cfg.OwnSupportedChains {
		own[c] = struct{}{}
	}
	for _, c := range candidates {
		if _, ok := own[c]; ok {
			return c, nil
		}
	}
	return "", errs.Wrap(errs.CategoryProtocol, "no settlement chain in common with peer", errs.ErrNoCommonChain)
}

// openChannel asks the Connector Adapter to open a channel and polls until
// it reaches the open state or times out (spec §4.8 step 3).
func (h *Handler) openChannel(ctx context.Context, req Request, chain string) (*connector.ChannelState, error) {
	deposit := req.InitialDeposit
	if deposit == "" {
		deposit = h.cfg.InitialDeposit
	}

	opened, err := h.connector.OpenChannel(ctx, connector.OpenChannelParams{
		PeerID:            req.PeerID,
		Chain:             chain,
		TokenNetwork:      h.cfg.TokenNetworkAddresses[chain],
		PeerAddress:       req.SettlementAddresses[chain],
		InitialDeposit:    deposit,
		SettlementTimeout: h.cfg.SettlementTimeout,
	})
	if err != nil {
		return nil, errs.Wrap(errs.CategoryTransient, "open channel request failed", err)
	}

	state, err := h.connector.WaitForOpen(ctx, opened.ChannelID, h.cfg.ChannelOpenPoll, h.cfg.ChannelOpenTimeout)
	if err != nil {
		return nil, err
	}
	return state, nil
}

// buildResponseEvent encrypts resp to recipientPubHex and signs it as a
// kind-23195 event (spec §4.8 step 5).
func (h *Handler) buildResponseEvent(resp Response, recipientPubHex string) (*nostrmodel.Event, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, errs.Wrap(errs.CategoryTransient, "marshal SPSP response", err)
	}

	ciphertext, err := nostrmodel.NIP44Encrypt(string(body), h.cfg.PrivateKeyHex, recipientPubHex)
	if err != nil {
		return nil, errs.Wrap(errs.CategoryTransient, "encrypt SPSP response", err)
	}

	event := &nostrmodel.Event{
		Kind:      nostrmodel.KindSpspResponse,
		CreatedAt: nostrmodel.Timestamp(time.Now().Unix()),
		Content:   ciphertext,
		Tags:      nostrmodel.Tags{{"p", recipientPubHex}},
	}
	if err := nostrmodel.Sign(event, h.cfg.PrivateKeyHex); err != nil {
		return nil, errs.Wrap(errs.CategoryTransient, "sign SPSP response event", err)
	}
	return event, nil
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// PublicKeyFromPrivate derives the Nostr-style (32-byte x-only) hex public
// key for a secp256k1 private key, used by callers constructing a Handler.
func PublicKeyFromPrivate(privateKey *ecdsa.PrivateKey) string {
	pub := privateKey.PublicKey
	return hex.EncodeToString(crypto.FromECDSAPub(&pub)[1:33])
}
