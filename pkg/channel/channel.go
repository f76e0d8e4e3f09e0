// Package channel implements the paying-side Channel Manager (spec §4.7,
// C5): per-channel nonce/cumulative-amount bookkeeping and EIP-712
// balance-proof signing. It is grounded on a prior payment-channel
// package's PaidStrategy, which tracks the same (channelID, nonce,
// signedAmount) triple and signs a claim message on each call; here the
// claim message is EIP-712 typed data (internal/evmsig) rather than
// that package's concat-and-hash personal-sign message, and tracking state
// for many channels is held concurrently instead of one strategy per
// service connection.
package channel

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klistr-network/ilp-relay/internal/errs"
	"github.com/klistr-network/ilp-relay/internal/evmsig"
)

// SignedBalanceProof is a balance proof together with the signature
// produced over it (spec §4.7 "signBalanceProof").
type SignedBalanceProof struct {
	Proof     evmsig.BalanceProof
	Signature []byte
}

// Tracker is the Channel Manager contract both Manager (in-memory) and
// PgManager (spec §9 "Channel Manager persistence variant", pgstore.go)
// satisfy, so callers can be wired against either without caring which
// backs it.
type Tracker interface {
	Track(channelID string, chainID int64, tokenNetworkAddress common.Address, initialNonce uint64, initialAmount *big.Int) error
	IsTracking(channelID string) bool
	GetNonce(channelID string) (uint64, bool)
	GetCumulativeAmount(channelID string) (*big.Int, bool)
	SignBalanceProof(channelID string, additionalAmount *big.Int) (*SignedBalanceProof, error)
}

// channelState holds the mutable per-channel fields plus the mutex that
// serializes operations on this one channel (spec §4.7 "Concurrency").
type channelState struct {
	mu               sync.Mutex
	nonce            uint64
	cumulativeAmount *big.Int
	chainID          int64
	tokenNetworkAddr common.Address
	lockedAmount     *big.Int
	locksRoot        [32]byte
}

// Manager tracks nonce/cumulative-amount state for every channel this node
// is paying on, and signs balance proofs as it spends. Distinct channels'
// operations proceed independently; a single channel's operations are
// serialized by its own mutex (spec §4.7 invariant).
type Manager struct {
	privateKey *ecdsa.PrivateKey

	mu       sync.RWMutex
	channels map[string]*channelState
}

// NewManager constructs a Manager that signs balance proofs with
// privateKey.
func NewManager(privateKey *ecdsa.PrivateKey) *Manager {
	return &Manager{
		privateKey: privateKey,
		channels:   make(map[string]*channelState),
	}
}

// Track begins tracking channelID at the given initial nonce/amount (spec
// §4.7 "track"). chainID and tokenNetworkAddress are mandatory and fixed
// for the lifetime of the tracked channel (spec §9 "Balance-proof
// context"): a balance proof is only meaningful against a specific chain
// and verifying contract, so there is no zero-value default.
func (m *Manager) Track(channelID string, chainID int64, tokenNetworkAddress common.Address, initialNonce uint64, initialAmount *big.Int) error {
	if chainID == 0 {
		return errs.New(errs.CategoryConfiguration, "chainId must be non-zero")
	}
	if tokenNetworkAddress == (common.Address{}) {
		return errs.New(errs.CategoryConfiguration, "tokenNetworkAddress must be non-zero")
	}
	amount := initialAmount
	if amount == nil {
		amount = big.NewInt(0)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[channelID] = &channelState{
		nonce:            initialNonce,
		cumulativeAmount: new(big.Int).Set(amount),
		chainID:          chainID,
		tokenNetworkAddr: tokenNetworkAddress,
		lockedAmount:     big.NewInt(0),
	}
	return nil
}

// IsTracking reports whether channelID has been Track'd (spec §4.7 "Pure
// accessors").
func (m *Manager) IsTracking(channelID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.channels[channelID]
	return ok
}

// GetNonce returns channelID's current nonce, or (0, false) if untracked.
func (m *Manager) GetNonce(channelID string) (uint64, bool) {
	st, ok := m.lookup(channelID)
	if !ok {
		return 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.nonce, true
}

// GetCumulativeAmount returns channelID's current cumulative amount, or
// (nil, false) if untracked.
func (m *Manager) GetCumulativeAmount(channelID string) (*big.Int, bool) {
	st, ok := m.lookup(channelID)
	if !ok {
		return nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return new(big.Int).Set(st.cumulativeAmount), true
}

func (m *Manager) lookup(channelID string) (*channelState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.channels[channelID]
	return st, ok
}

// SignBalanceProof atomically increments channelID's nonce by 1, adds
// additionalAmount to its cumulative amount, and signs the resulting state
// as an EIP-712 balance proof (spec §4.7 "signBalanceProof"). It fails if
// channelID is untracked.
func (m *Manager) SignBalanceProof(channelID string, additionalAmount *big.Int) (*SignedBalanceProof, error) {
	st, ok := m.lookup(channelID)
	if !ok {
		return nil, errs.Wrap(errs.CategoryProtocol, fmt.Sprintf("channel %s is not tracked", channelID), errs.ErrUnknownChannel)
	}
	if additionalAmount == nil || additionalAmount.Sign() < 0 {
		return nil, errs.New(errs.CategoryBadRequest, "additionalAmount must be non-negative")
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	st.nonce++
	st.cumulativeAmount = new(big.Int).Add(st.cumulativeAmount, additionalAmount)

	proof := evmsig.BalanceProof{
		ChannelID:           channelIDBytes(channelID),
		Nonce:               st.nonce,
		TransferredAmount:   new(big.Int).Set(st.cumulativeAmount),
		LockedAmount:        new(big.Int).Set(st.lockedAmount),
		LocksRoot:           st.locksRoot,
		ChainID:             st.chainID,
		TokenNetworkAddress: st.tokenNetworkAddr,
	}
	sig, err := evmsig.Sign(proof, m.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign balance proof: %w", err)
	}
	return &SignedBalanceProof{Proof: proof, Signature: sig}, nil
}

// channelIDBytes derives a 32-byte channel identifier from the raw bytes of
// its string form (hex strings are not decoded): shorter IDs are
// zero-padded on the left, longer ones keep only their last 32 bytes, so
// channel IDs of varying native representations (decimal on-chain IDs,
// UUIDs, hex strings) all land in the fixed-size field EIP-712 requires.
func channelIDBytes(channelID string) [32]byte {
	var out [32]byte
	b := []byte(channelID)
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(out[32-len(b):], b)
	return out
}
