// Package nostrmodel defines the Nostr event types shared by the store,
// relay, BLS and bootstrap packages, and wraps github.com/nbd-wtf/go-nostr
// for canonical hashing, Schnorr signing/verification and NIP-44 encryption
// — the same library klistr (the ActivityPub/Nostr bridge this corpus also
// retrieved) uses for its relay subscription handling.
package nostrmodel

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip44"
)

// Event is the canonical Nostr event (spec §3 "NostrEvent"). It is a type
// alias for nostr.Event so that event values produced by the relay pool
// client (pkg/discovery) and the events stored/queried here are
// interchangeable without conversion.
type Event = nostr.Event

// Tag is a single Nostr tag (first element is the tag name).
type Tag = nostr.Tag

// Tags is an ordered sequence of Tag.
type Tags = nostr.Tags

// Timestamp is a UNIX-second timestamp, as used by Event.CreatedAt.
type Timestamp = nostr.Timestamp

// Kind constants used throughout the relay (spec §6).
const (
	KindIlpPeerInfo  = 10032
	KindSpspStatic   = 10047
	KindSpspRequest  = 23194
	KindSpspResponse = 23195
)

// IsReplaceable reports whether kind follows NIP-01 replaceable-event
// semantics: kinds 0 and 3, plus the [10000,20000) range (spec §3, §4.1).
func IsReplaceable(kind int) bool {
	if kind == 0 || kind == 3 {
		return true
	}
	return kind >= 10000 && kind < 20000
}

// IsAddressable reports whether kind uses the addressable-event semantics
// of the [30000,40000) range, keyed on (pubkey, kind, d-tag).
func IsAddressable(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// IsEphemeral reports whether kind is in the ephemeral range [20000,30000)
// and therefore MUST NOT be persisted by the Event Store (spec §4.1),
// though it may still be forwarded live by the relay.
func IsEphemeral(kind int) bool {
	return kind >= 20000 && kind < 30000
}

// DTag returns the value of the first "d" tag, or "" if none is present.
// Used to key addressable-kind events.
func DTag(e *Event) string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == "d" {
			return t[1]
		}
	}
	return ""
}

// IsValidPublicKeyHex reports whether s is a well-formed 64-character
// lowercase-hex Nostr public key.
func IsValidPublicKeyHex(s string) bool {
	return nostr.IsValidPublicKey(s)
}

// VerifySignature checks that e.ID is the correct hash of e's canonical
// serialization and that e.Sig is a valid Schnorr signature over that hash
// by e.PubKey (spec §3 invariant). It returns a descriptive error rather
// than a bare bool so the BLS can surface "Invalid event signature"
// verbatim (spec §4.4 step 4).
func VerifySignature(e *Event) error {
	if !nostr.IsValidPublicKey(e.PubKey) {
		return fmt.Errorf("invalid pubkey")
	}
	ok, err := e.CheckSignature()
	if err != nil {
		return fmt.Errorf("check signature: %w", err)
	}
	if !ok {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// Sign computes e.ID, signs it with the Schnorr private key skHex (hex,
// 32 bytes) and sets e.PubKey/e.Sig accordingly.
func Sign(e *Event, skHex string) error {
	return e.Sign(skHex)
}

// NIP44Encrypt encrypts plaintext for recipient theirPubHex using the
// sender's private key mySkHex, returning the NIP-44 ciphertext used as an
// SPSP request/response event's content (spec §3 "SpspRequest/SpspResponse").
func NIP44Encrypt(plaintext, mySkHex, theirPubHex string) (string, error) {
	key, err := nip44.GenerateConversationKey(theirPubHex, mySkHex)
	if err != nil {
		return "", fmt.Errorf("derive conversation key: %w", err)
	}
	ciphertext, err := nip44.Encrypt(plaintext, key)
	if err != nil {
		return "", fmt.Errorf("nip44 encrypt: %w", err)
	}
	return ciphertext, nil
}

// NIP44Decrypt decrypts ciphertext sent by senderPubHex using the
// recipient's private key mySkHex.
func NIP44Decrypt(ciphertext, mySkHex, senderPubHex string) (string, error) {
	key, err := nip44.GenerateConversationKey(senderPubHex, mySkHex)
	if err != nil {
		return "", fmt.Errorf("derive conversation key: %w", err)
	}
	plaintext, err := nip44.Decrypt(ciphertext, key)
	if err != nil {
		return "", fmt.Errorf("nip44 decrypt: %w", err)
	}
	return plaintext, nil
}
