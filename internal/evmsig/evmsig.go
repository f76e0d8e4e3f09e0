// Package evmsig provides the EIP-712 typed-data signing and recovery
// helpers shared by the Channel Manager (paying side) and the
// Balance-Proof Verifier (receiving side). The typed-data shape and the
// recovery procedure follow go-ethereum's apitypes package the way
// stronghold's wallet package uses it for EIP-3009 authorizations: build a
// TypedData value, hash it with apitypes.TypedDataAndHash, sign/recover with
// crypto.Sign / crypto.SigToPub.
package evmsig

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// BalanceProofPrimaryType is the EIP-712 primary type name for a channel
// balance proof.
const BalanceProofPrimaryType = "BalanceProof"

// BalanceProof is the on-the-wire, signable statement that lets a
// counterparty close a payment channel at the latest agreed state
// (spec §3 "BalanceProof").
type BalanceProof struct {
	ChannelID           [32]byte
	Nonce               uint64
	TransferredAmount   *big.Int
	LockedAmount        *big.Int
	LocksRoot           [32]byte
	ChainID             int64
	TokenNetworkAddress common.Address
}

// Domain builds the EIP-712 domain separator for a balance proof. Every
// tracked channel carries its own chainId and tokenNetworkAddress (spec §9,
// resolving the "Balance-proof context" open question) — there is no
// default or placeholder value.
func Domain(chainID int64, tokenNetworkAddress common.Address) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              "ILPRelayChannel",
		Version:           "1",
		ChainId:           math.NewHexOrDecimal256(chainID),
		VerifyingContract: tokenNetworkAddress.Hex(),
	}
}

func typedData(bp BalanceProof) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			BalanceProofPrimaryType: []apitypes.Type{
				{Name: "channelId", Type: "bytes32"},
				{Name: "nonce", Type: "uint256"},
				{Name: "transferredAmount", Type: "uint256"},
				{Name: "lockedAmount", Type: "uint256"},
				{Name: "locksRoot", Type: "bytes32"},
			},
		},
		PrimaryType: BalanceProofPrimaryType,
		Domain:      Domain(bp.ChainID, bp.TokenNetworkAddress),
		Message: apitypes.TypedDataMessage{
			"channelId":         hexutilBytes32(bp.ChannelID),
			"nonce":             math.NewHexOrDecimal256(int64(bp.Nonce)),
			"transferredAmount": (*math.HexOrDecimal256)(nonNilBig(bp.TransferredAmount)),
			"lockedAmount":      (*math.HexOrDecimal256)(nonNilBig(bp.LockedAmount)),
			"locksRoot":         hexutilBytes32(bp.LocksRoot),
		},
	}
}

func nonNilBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

func hexutilBytes32(b [32]byte) string {
	return common.Bytes2Hex(b[:])
}

// Hash returns the EIP-712 digest to sign/verify for bp.
func Hash(bp BalanceProof) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(typedData(bp))
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return hash, nil
}

// Sign signs bp's EIP-712 digest with privateKeyECDSA, returning the 65-byte
// (R||S||V) signature exactly as produced by crypto.Sign, with V in the raw
// 0/1 form. Callers that add 27 for wire compatibility can still pass the
// result to Recover, which accepts either form.
func Sign(bp BalanceProof, privateKeyECDSA *ecdsa.PrivateKey) ([]byte, error) {
	hash, err := Hash(bp)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(hash, privateKeyECDSA)
}

// Recover recovers the signer address from a balance proof and its
// signature. The signature may carry either a 0/1 or 27/28 recovery id;
// both are normalized before calling crypto.SigToPub.
func Recover(bp BalanceProof, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: got %d, want 65", len(signature))
	}
	hash, err := Hash(bp)
	if err != nil {
		return common.Address{}, err
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
