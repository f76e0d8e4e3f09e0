package balanceproof

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/klistr-network/ilp-relay/internal/errs"
	"github.com/klistr-network/ilp-relay/internal/evmsig"
)

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

var tokenNetwork = common.HexToAddress("0x00000000000000000000000000000000000002")

func proofAt(channelID string, nonce uint64, amount int64) evmsig.BalanceProof {
	return evmsig.BalanceProof{
		ChannelID:           [32]byte{1},
		Nonce:               nonce,
		TransferredAmount:   big.NewInt(amount),
		LockedAmount:        big.NewInt(0),
		ChainID:             1,
		TokenNetworkAddress: tokenNetwork,
	}
}

func TestVerifyRejectsUnregisteredChannel(t *testing.T) {
	key := mustKey(t)
	v := NewVerifier()
	proof := proofAt("chan1", 1, 100)
	sig, err := evmsig.Sign(proof, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ctx := Context{ChannelID: "chan1", ChainID: 1, TokenNetworkAddress: tokenNetwork, CounterpartyAddress: crypto.PubkeyToAddress(key.PublicKey)}
	err = v.Verify(ctx, proof, sig)
	if err == nil {
		t.Fatal("expected UnknownChannel error")
	}
	if errs.CategoryOf(err).String() != "protocol" {
		t.Fatalf("expected protocol category, got %v", errs.CategoryOf(err))
	}
}

func TestVerifyAcceptsMonotonicSequence(t *testing.T) {
	key := mustKey(t)
	v := NewVerifier()
	v.RegisterChannel("chan1")
	addr := crypto.PubkeyToAddress(key.PublicKey)
	ctx := Context{ChannelID: "chan1", ChainID: 1, TokenNetworkAddress: tokenNetwork, CounterpartyAddress: addr}

	p1 := proofAt("chan1", 1, 100)
	sig1, _ := evmsig.Sign(p1, key)
	if err := v.Verify(ctx, p1, sig1); err != nil {
		t.Fatalf("first verify: %v", err)
	}

	p2 := proofAt("chan1", 2, 150)
	sig2, _ := evmsig.Sign(p2, key)
	if err := v.Verify(ctx, p2, sig2); err != nil {
		t.Fatalf("second verify: %v", err)
	}

	nonce, amount, ok := v.LastSeen("chan1")
	if !ok || nonce != 2 || amount.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("LastSeen=%d,%v,%v want 2,150,true", nonce, amount, ok)
	}
}

func TestVerifyRejectsStaleNonce(t *testing.T) {
	key := mustKey(t)
	v := NewVerifier()
	v.RegisterChannel("chan1")
	addr := crypto.PubkeyToAddress(key.PublicKey)
	ctx := Context{ChannelID: "chan1", ChainID: 1, TokenNetworkAddress: tokenNetwork, CounterpartyAddress: addr}

	p1 := proofAt("chan1", 2, 100)
	sig1, _ := evmsig.Sign(p1, key)
	if err := v.Verify(ctx, p1, sig1); err != nil {
		t.Fatalf("first verify: %v", err)
	}

	stale := proofAt("chan1", 2, 200)
	sigStale, _ := evmsig.Sign(stale, key)
	err := v.Verify(ctx, stale, sigStale)
	if err == nil {
		t.Fatal("expected stale nonce error")
	}
}

func TestVerifyRejectsRegressiveAmount(t *testing.T) {
	key := mustKey(t)
	v := NewVerifier()
	v.RegisterChannel("chan1")
	addr := crypto.PubkeyToAddress(key.PublicKey)
	ctx := Context{ChannelID: "chan1", ChainID: 1, TokenNetworkAddress: tokenNetwork, CounterpartyAddress: addr}

	p1 := proofAt("chan1", 1, 200)
	sig1, _ := evmsig.Sign(p1, key)
	if err := v.Verify(ctx, p1, sig1); err != nil {
		t.Fatalf("first verify: %v", err)
	}

	regressive := proofAt("chan1", 2, 100)
	sig2, _ := evmsig.Sign(regressive, key)
	if err := v.Verify(ctx, regressive, sig2); err == nil {
		t.Fatal("expected regressive amount error")
	}
}

func TestVerifyRejectsWrongSigner(t *testing.T) {
	key := mustKey(t)
	impostor := mustKey(t)
	v := NewVerifier()
	v.RegisterChannel("chan1")
	ctx := Context{ChannelID: "chan1", ChainID: 1, TokenNetworkAddress: tokenNetwork, CounterpartyAddress: crypto.PubkeyToAddress(key.PublicKey)}

	p1 := proofAt("chan1", 1, 100)
	sig, _ := evmsig.Sign(p1, impostor)
	if err := v.Verify(ctx, p1, sig); err == nil {
		t.Fatal("expected invalid signature error for wrong signer")
	}
}
