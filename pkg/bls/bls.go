// Package bls implements the Business Logic Server (spec §4.4, C7): the
// HTTP endpoint the Connector Adapter calls to validate, price, and settle
// incoming ILP packets carrying Nostr events. It follows a
// layered-validation style (each precondition checked and wrapped before
// the next stage runs) generalized from client-side payment validation to
// a server-side accept/reject pipeline, routed with go-chi/chi/v5 and
// logged with zap the way the rest of this repo's ambient stack does.
package bls

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/klistr-network/ilp-relay/internal/errs"
	"github.com/klistr-network/ilp-relay/internal/evmsig"
	"github.com/klistr-network/ilp-relay/internal/ratelimit"
	"github.com/klistr-network/ilp-relay/pkg/balanceproof"
	"github.com/klistr-network/ilp-relay/pkg/nostrmodel"
	"github.com/klistr-network/ilp-relay/pkg/pricing"
	"github.com/klistr-network/ilp-relay/pkg/store"
	"github.com/klistr-network/ilp-relay/pkg/toon"
)

// Reject codes (spec §4.4 steps 1, 2, 3, 4, 6, 8; §4.8 final paragraph).
const (
	CodeBadRequest          = "F00"
	CodeInsufficientPayment = "F06"
	CodeTemporary           = "T00"
)

// SpspHandler is the subset of the SPSP Handler (spec §4.8) the BLS calls
// when it receives a kind-23194 request. Defined here, rather than
// imported from pkg/spsp directly, so pkg/spsp can depend on pkg/bls's
// types without an import cycle; cmd/ilpnode wires the concrete
// implementation in.
type SpspHandler interface {
	Handle(ctx context.Context, request *nostrmodel.Event) (*nostrmodel.Event, error)
}

// Notifier is the subset of the Relay Server (spec §4.5) the BLS calls once
// an event is durably stored, so live subscribers see it without polling
// (spec §4.8/§4.5: "notify live relay subscribers"). Defined here, rather
// than imported from pkg/relay directly, for the same import-cycle-avoidance
// reason as SpspHandler; cmd/ilpnode wires *relay.Server in as the concrete
// implementation.
type Notifier interface {
	Broadcast(e *nostrmodel.Event)
}

// InboundClaim is an optional signed balance proof attached to a packet by
// a paying peer, netted against the receiving side's channel state before
// the packet is accepted (spec §4.4 step 8).
type InboundClaim struct {
	Context   balanceproof.Context
	Proof     evmsig.BalanceProof
	Signature []byte
}

// PacketRequest is the JSON body of POST /handle-packet (spec §4.4).
type PacketRequest struct {
	Amount        string        `json:"amount"`
	Destination   string        `json:"destination"`
	Data          string        `json:"data"`
	SourceAccount string        `json:"sourceAccount,omitempty"`
	Claim         *InboundClaim `json:"claim,omitempty"`
}

// RejectMetadata carries the structured detail attached to F06 rejects
// (spec §4.4 step 6: "metadata {required, received}").
type RejectMetadata struct {
	Required string `json:"required,omitempty"`
	Received string `json:"received,omitempty"`
	EventID  string `json:"eventId,omitempty"`
	StoredAt int64  `json:"storedAt,omitempty"`
}

// PacketResponse is the JSON body returned from POST /handle-packet.
type PacketResponse struct {
	Accept      bool            `json:"accept"`
	Fulfillment string          `json:"fulfillment,omitempty"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
	Metadata    *RejectMetadata `json:"metadata,omitempty"`
}

// Server is the Business Logic Server's HTTP handler set.
type Server struct {
	pricing      *pricing.Service
	store        store.Interface
	balanceProof *balanceproof.Verifier
	spsp         SpspHandler
	notifier     Notifier
	logger       *zap.Logger
	queryTimeout time.Duration
	limiter      *ratelimit.Limiter
}

// WithRateLimiter guards the store write path with limiter (spec §5
// "Backpressure": "the BLS rate-limits accepted packets to protect the
// store"). Requests exceeding the limit are rejected as T00 rather than
// processed further, before any event-store call is made. Returns s for
// chaining at construction time; unset (nil) means unlimited.
func (s *Server) WithRateLimiter(limiter *ratelimit.Limiter) *Server {
	s.limiter = limiter
	return s
}

// WithNotifier wires the Relay Server (or any other Notifier) in so every
// event accepted and stored by process is also pushed to live subscribers.
// Returns s for chaining at construction time; unset (nil) means accepted
// events are stored but never broadcast.
func (s *Server) WithNotifier(notifier Notifier) *Server {
	s.notifier = notifier
	return s
}

// New constructs a Server. spspHandler may be nil if this node does not
// answer SPSP requests (e.g. it only ever initiates them).
func New(pricingSvc *pricing.Service, eventStore store.Interface, bpVerifier *balanceproof.Verifier, spspHandler SpspHandler, logger *zap.Logger, queryTimeout time.Duration) *Server {
	return &Server{
		pricing:      pricingSvc,
		store:        eventStore,
		balanceProof: bpVerifier,
		spsp:         spspHandler,
		logger:       logger,
		queryTimeout: queryTimeout,
	}
}

// Router builds the chi router exposing POST /handle-packet and GET /health.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/handle-packet", s.handlePacket)
	r.Get("/health", s.health)
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handlePacket(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.queryTimeout)
	defer cancel()

	var req PacketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.reject(w, http.StatusBadRequest, CodeBadRequest, "malformed request body", nil)
		return
	}
	resp, status := s.process(ctx, req)
	writeJSON(w, status, resp)
}

// process runs the validate→decode→verify→price→store pipeline (spec
// §4.4 steps 1-9) and returns the response body alongside its HTTP status.
func (s *Server) process(ctx context.Context, req PacketRequest) (PacketResponse, int) {
	if s.limiter != nil && !s.limiter.Allow() {
		return reject(CodeTemporary, "rate limit exceeded, retry later", nil), http.StatusServiceUnavailable
	}

	// Step 1: required fields present.
	if req.Amount == "" || req.Destination == "" || req.Data == "" {
		return reject(CodeBadRequest, "missing required field(s): amount, destination, data", nil), http.StatusBadRequest
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		return reject(CodeBadRequest, "amount is not a valid integer", nil), http.StatusBadRequest
	}

	// Step 2: base64-decode data.
	raw, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return reject(CodeBadRequest, "invalid base64 data", nil), http.StatusBadRequest
	}

	// Step 3: TOON-decode to a Nostr event.
	event, err := toon.Decode(raw)
	if err != nil {
		return reject(CodeBadRequest, "invalid TOON payload: "+err.Error(), nil), http.StatusBadRequest
	}

	// Step 4: verify event signature.
	if err := nostrmodel.VerifySignature(event); err != nil {
		return reject(CodeBadRequest, "Invalid event signature", nil), http.StatusBadRequest
	}

	// Step 5-6: price and compare.
	required := s.pricing.Price(event, len(raw))
	if amount.Cmp(required) < 0 {
		return reject(CodeInsufficientPayment, "insufficient payment", &RejectMetadata{
			Required: required.String(),
			Received: amount.String(),
		}), http.StatusBadRequest
	}

	// Step 8: net an attached inbound claim, if any, before committing the
	// accept decision — a failed claim must never leave an event stored.
	if req.Claim != nil {
		if err := s.balanceProof.Verify(req.Claim.Context, req.Claim.Proof, req.Claim.Signature); err != nil {
			return reject(CodeBadRequest, "invalid balance proof: "+err.Error(), nil), http.StatusBadRequest
		}
	}

	// Step 7: SPSP requests are handed to the SPSP Handler instead of
	// being persisted directly; everything else goes to the Event Store.
	var spspResponse *nostrmodel.Event
	if event.Kind == nostrmodel.KindSpspRequest {
		if s.spsp == nil {
			return reject(CodeBadRequest, "SPSP not supported by this node", nil), http.StatusBadRequest
		}
		spspResponse, err = s.spsp.Handle(ctx, event)
		if err != nil {
			return reject(spspRejectCode(err), err.Error(), nil), http.StatusBadRequest
		}
	} else {
		if _, err := s.store.Store(ctx, event); err != nil {
			s.logger.Error("persist event failed", zap.String("event_id", event.ID), zap.Error(err))
			return reject(CodeTemporary, "temporary storage failure", nil), http.StatusServiceUnavailable
		}
		if s.notifier != nil {
			s.notifier.Broadcast(event)
		}
	}

	// Step 9: compute fulfillment and respond.
	sum := sha256.Sum256([]byte(event.ID))
	fulfillment := base64.StdEncoding.EncodeToString(sum[:])

	meta := &RejectMetadata{EventID: event.ID, StoredAt: time.Now().Unix()}
	resp := PacketResponse{Accept: true, Fulfillment: fulfillment, Metadata: meta}
	if spspResponse != nil {
		resp.Message = spspResponse.Content
	}
	return resp, http.StatusOK
}

// spspRejectCode classifies an SPSP Handler failure: a failure in the
// transient category (errs.CategoryTransient) maps to T00 so the payer may
// retry, and every other SPSP failure mode maps to F00; the distinguishing
// detail rides in the message instead of a separate code space.
func spspRejectCode(err error) string {
	switch errs.CategoryOf(err) {
	case errs.CategoryTransient:
		return CodeTemporary
	default:
		return CodeBadRequest
	}
}

func (s *Server) reject(w http.ResponseWriter, status int, code, message string, meta *RejectMetadata) {
	writeJSON(w, status, reject(code, message, meta))
}

func reject(code, message string, meta *RejectMetadata) PacketResponse {
	return PacketResponse{Accept: false, Code: code, Message: message, Metadata: meta}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
