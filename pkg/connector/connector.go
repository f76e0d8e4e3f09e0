// Package connector implements the Connector Adapter (spec §4.9, C12): the
// node's only boundary to the outside ILP network. It is the single
// external HTTP client the rest of this repo talks to, grounded on the
// same net/http-over-an-injectable-client shape an EVM RPC client wraps
// around go-ethereum's RPC client, and tested with jarcoal/httpmock the
// way stronghold's middleware tests stub its external facilitator calls.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klistr-network/ilp-relay/internal/errs"
)

// PeerRegistration is the input to RegisterPeer (spec §4.9 "registerPeer").
type PeerRegistration struct {
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	AuthToken  string            `json:"authToken"`
	Routes     []string          `json:"routes"`
	Settlement map[string]string `json:"settlement,omitempty"`
}

// OpenChannelParams is the input to OpenChannel (spec §4.8 step 3).
type OpenChannelParams struct {
	PeerID            string `json:"peerId"`
	Chain             string `json:"chain"`
	TokenNetwork      string `json:"tokenNetwork"`
	PeerAddress       string `json:"peerAddress"`
	InitialDeposit    string `json:"initialDeposit"`
	SettlementTimeout int64  `json:"settlementTimeout"`
}

// ChannelState reports a channel's current status (spec §4.9 "getChannelState").
type ChannelState struct {
	ChannelID string `json:"channelId"`
	Status    string `json:"status"` // opening, open, closed, settled
	Chain     string `json:"chain"`
}

// IsOpen reports whether the channel has reached the "open" status.
func (s ChannelState) IsOpen() bool { return s.Status == "open" }

// ChainNumericID extracts the numeric chain id from a 3-part CAIP-2-style
// chain identifier "blockchain:network:chainId" (spec §4.11 step "parse
// chain"; worked example "evm:anvil:31337"), returning 0 — a value the
// Channel Manager's Track rejects as a ConfigError — for any other shape.
func ChainNumericID(chain string) int64 {
	parts := strings.Split(chain, ":")
	if len(parts) != 3 {
		return 0
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Claim is the optional signed balance-proof envelope attached to an
// outbound ILP packet on the paying side (spec §4.9 "sendIlpPacket").
type Claim struct {
	ChannelID         string `json:"channelId"`
	Nonce             uint64 `json:"nonce"`
	TransferredAmount string `json:"transferredAmount"`
	Signature         string `json:"signature"` // hex-encoded
}

// IlpPacket is the outbound PREPARE payload sent to a peer's connector.
type IlpPacket struct {
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Data        string `json:"data"` // base64
	Claim       *Claim `json:"claim,omitempty"`
}

// PacketResult is the FULFILL/REJECT outcome of sendIlpPacket.
type PacketResult struct {
	Accepted    bool   `json:"accepted"`
	Fulfillment string `json:"fulfillment,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// NetworkError wraps a transport-level failure (connection refused, DNS,
// timeout) — spec §4.9 "Errors map to NetworkError, ConnectorError, ValidationError".
type NetworkError struct{ Err error }

func (e *NetworkError) Error() string { return fmt.Sprintf("connector: network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ConnectorError wraps a non-2xx response from the remote connector.
type ConnectorError struct {
	StatusCode int
	Body       string
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("connector: remote returned status %d: %s", e.StatusCode, e.Body)
}

// ValidationError reports a malformed request constructed locally, caught
// before any network call is made.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return "connector: validation: " + e.Msg }

// Adapter is an HTTP-transport Connector Adapter implementation. Its base
// URL is the local ILP connector process this node's BLS and Bootstrap
// Service delegate all outside-world operations to.
type Adapter struct {
	baseURL    string
	httpClient *http.Client
}

// New returns an Adapter targeting baseURL with the given request timeout.
func New(baseURL string, timeout time.Duration) *Adapter {
	return &Adapter{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// RegisterPeer registers reg with the local connector (spec §4.9).
func (a *Adapter) RegisterPeer(ctx context.Context, reg PeerRegistration) error {
	if reg.ID == "" {
		return &ValidationError{Msg: "peer id is required"}
	}
	_, err := a.doJSON(ctx, http.MethodPost, "/peers", reg, nil)
	return err
}

// RemovePeer removes a peer by id.
func (a *Adapter) RemovePeer(ctx context.Context, id string) error {
	if id == "" {
		return &ValidationError{Msg: "peer id is required"}
	}
	_, err := a.doJSON(ctx, http.MethodDelete, "/peers/"+id, nil, nil)
	return err
}

// ListPeers returns the ids of every currently registered peer.
func (a *Adapter) ListPeers(ctx context.Context) ([]string, error) {
	var peers []string
	_, err := a.doJSON(ctx, http.MethodGet, "/peers", nil, &peers)
	return peers, err
}

// OpenChannel asks the connector to open a payment channel per params.
func (a *Adapter) OpenChannel(ctx context.Context, params OpenChannelParams) (*ChannelState, error) {
	if params.PeerID == "" || params.Chain == "" {
		return nil, &ValidationError{Msg: "peerId and chain are required"}
	}
	var state ChannelState
	if _, err := a.doJSON(ctx, http.MethodPost, "/channels", params, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// GetChannelState polls the current status of channelID.
func (a *Adapter) GetChannelState(ctx context.Context, channelID string) (*ChannelState, error) {
	if channelID == "" {
		return nil, &ValidationError{Msg: "channelId is required"}
	}
	var state ChannelState
	if _, err := a.doJSON(ctx, http.MethodGet, "/channels/"+channelID, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// WaitForOpen polls GetChannelState every pollInterval until the channel
// is open or timeout elapses, implementing the polling loop in spec §4.8
// step 3 ("Poll getChannelState until open or channelOpenTimeout elapses").
func (a *Adapter) WaitForOpen(ctx context.Context, channelID string, pollInterval, timeout time.Duration) (*ChannelState, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		state, err := a.GetChannelState(ctx, channelID)
		if err != nil {
			return nil, err
		}
		if state.IsOpen() {
			return state, nil
		}
		if state.Status == "closed" || state.Status == "settled" {
			return nil, errs.Wrap(errs.CategoryTransient, fmt.Sprintf("channel %s entered terminal status %s before opening", channelID, state.Status), errs.ErrChannelOpenFailed)
		}
		if time.Now().After(deadline) {
			return nil, errs.Wrap(errs.CategoryTransient, fmt.Sprintf("channel %s did not open within timeout", channelID), errs.ErrChannelOpenTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// SendIlpPacket sends an ILP PREPARE packet through the connector to the
// given destination, optionally attaching a signed balance-proof claim.
func (a *Adapter) SendIlpPacket(ctx context.Context, packet IlpPacket) (*PacketResult, error) {
	if packet.Destination == "" {
		return nil, &ValidationError{Msg: "destination is required"}
	}
	if _, ok := new(big.Int).SetString(packet.Amount, 10); !ok {
		return nil, &ValidationError{Msg: "amount must be a valid integer string"}
	}
	var result PacketResult
	if _, err := a.doJSON(ctx, http.MethodPost, "/packets", packet, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// doJSON performs an HTTP request with a JSON body (if non-nil), decoding
// a JSON response (if out is non-nil). It classifies failures per spec
// §4.9's error taxonomy.
func (a *Adapter) doJSON(ctx context.Context, method, path string, body, out any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, &ValidationError{Msg: "marshal request body: " + err.Error()}
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reqBody)
	if err != nil {
		return nil, &ValidationError{Msg: "build request: " + err.Error()}
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, &ConnectorError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp, &ConnectorError{StatusCode: resp.StatusCode, Body: "invalid JSON response: " + err.Error()}
		}
	}
	return resp, nil
}
