// Package balanceproof implements the receiving-side Balance-Proof
// Verifier (spec §4.6, C6): given a signed balance proof and the expected
// counterparty, it recovers the signer and enforces nonce/amount
// monotonicity per channel. It is the mirror image of pkg/channel (which
// signs balance proofs on the paying side) and shares its EIP-712 codec
// (internal/evmsig), following the same "one state struct per channel,
// guarded by its own mutex" shape that same PaidStrategy/daemon-state
// split suggests, adapted here to a single verifying side tracking many
// counterparties instead of one client tracking one server.
package balanceproof

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klistr-network/ilp-relay/internal/errs"
	"github.com/klistr-network/ilp-relay/internal/evmsig"
)

// Context is the expected identity a balance proof must match (spec §4.6
// "expected (channelId, chainId, tokenNetworkAddress, counterpartyAddress)").
type Context struct {
	ChannelID           string
	ChainID             int64
	TokenNetworkAddress common.Address
	CounterpartyAddress common.Address
}

type lastSeen struct {
	mu                sync.Mutex
	nonce             uint64
	transferredAmount *big.Int
}

// Verifier tracks lastSeenNonce/lastSeenTransferredAmount per channel and
// enforces monotonicity on every Verify call.
type Verifier struct {
	mu       sync.Mutex
	channels map[string]*lastSeen
}

// NewVerifier returns an empty Verifier. A channel must be registered with
// RegisterChannel before Verify will accept proofs for it; an unregistered
// channel ID is the spec §4.6 "UnknownChannel" failure mode.
func NewVerifier() *Verifier {
	return &Verifier{channels: make(map[string]*lastSeen)}
}

// RegisterChannel begins tracking channelID with a zero last-seen
// nonce/amount, so the first balance proof accepted for it must carry
// nonce >= 1.
func (v *Verifier) RegisterChannel(channelID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.channels[channelID]; !ok {
		v.channels[channelID] = &lastSeen{transferredAmount: big.NewInt(0)}
	}
}

func (v *Verifier) stateFor(channelID string) (*lastSeen, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.channels[channelID]
	return st, ok
}

// Verify reconstructs the EIP-712 typed data for proof, recovers its
// signer, and checks it against ctx.CounterpartyAddress, then enforces
// nonce/amount monotonicity for ctx.ChannelID (spec §4.6 steps 1-4). On
// success it atomically updates the channel's last-seen nonce/amount.
// ctx.ChannelID must have been registered with RegisterChannel.
func (v *Verifier) Verify(ctx Context, proof evmsig.BalanceProof, signature []byte) error {
	st, ok := v.stateFor(ctx.ChannelID)
	if !ok {
		return errs.Wrap(errs.CategoryProtocol, fmt.Sprintf("channel %s is not registered", ctx.ChannelID), errs.ErrUnknownChannel)
	}

	if proof.ChainID != ctx.ChainID || proof.TokenNetworkAddress != ctx.TokenNetworkAddress {
		return errs.Wrap(errs.CategoryProtocol, "balance proof chainId/tokenNetworkAddress does not match expected context", errs.ErrInvalidSignature)
	}

	signer, err := evmsig.Recover(proof, signature)
	if err != nil {
		return errs.Wrap(errs.CategoryProtocol, "recover balance proof signer", errs.ErrInvalidSignature)
	}
	if signer != ctx.CounterpartyAddress {
		return errs.Wrap(errs.CategoryProtocol, fmt.Sprintf("signer %s does not match expected counterparty %s", signer, ctx.CounterpartyAddress), errs.ErrInvalidSignature)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if proof.Nonce <= st.nonce {
		return errs.Wrap(errs.CategoryProtocol, fmt.Sprintf("nonce %d is not greater than last seen %d", proof.Nonce, st.nonce), errs.ErrStaleNonce)
	}
	if proof.TransferredAmount == nil || proof.TransferredAmount.Cmp(st.transferredAmount) < 0 {
		return errs.Wrap(errs.CategoryProtocol, fmt.Sprintf("transferred amount %s is less than last seen %s", proof.TransferredAmount, st.transferredAmount), errs.ErrRegressiveAmount)
	}

	st.nonce = proof.Nonce
	st.transferredAmount = new(big.Int).Set(proof.TransferredAmount)
	return nil
}

// IsKnown reports whether channelID has been registered with
// RegisterChannel, whether or not any balance proof has been verified for it.
func (v *Verifier) IsKnown(channelID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.channels[channelID]
	return ok
}

// LastSeen returns the last-seen nonce and transferred amount for
// channelID, or (0, nil, false) if channelID is not registered. A
// registered channel with no verified proof yet reports (0, 0, true).
func (v *Verifier) LastSeen(channelID string) (uint64, *big.Int, bool) {
	v.mu.Lock()
	st, ok := v.channels[channelID]
	v.mu.Unlock()
	if !ok {
		return 0, nil, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.nonce, new(big.Int).Set(st.transferredAmount), true
}
