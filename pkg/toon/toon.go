// Package toon implements the wire-level encode/decode contract the spec
// (§4.12) assigns to the external "TOON" binary codec: Encode and Decode
// MUST be exact inverses on well-formed input (spec §8 property). TOON
// itself — its compression scheme, field ordering choices, varint layout —
// is an excluded external collaborator (spec §1); this package is a
// minimal, self-contained implementation of the same contract so the BLS
// (C7) and the paying-side packet builder have a concrete codec to call.
//
// No third-party binary Nostr-event codec exists anywhere in this corpus
// (the corpus's TOON references are all on the decode/encode boundary, not
// an importable implementation), so this is intentionally built on the
// standard library's encoding/binary rather than grounded on a pack
// dependency — see DESIGN.md.
package toon

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/klistr-network/ilp-relay/pkg/nostrmodel"
)

// Encode serializes e into a compact binary payload: a length-prefixed
// field sequence (id, pubkey, created_at, kind, tags, content, sig). Hex
// fields (id, pubkey, sig) are stored as raw bytes rather than their hex
// text form to keep the encoding compact, matching the "compact binary
// encoding" framing in spec §1/§6.
func Encode(e *nostrmodel.Event) ([]byte, error) {
	idBytes, err := hexDecode(e.ID, 32)
	if err != nil {
		return nil, fmt.Errorf("toon encode: id: %w", err)
	}
	pubBytes, err := hexDecode(e.PubKey, 32)
	if err != nil {
		return nil, fmt.Errorf("toon encode: pubkey: %w", err)
	}
	sigBytes, err := hexDecode(e.Sig, 64)
	if err != nil {
		return nil, fmt.Errorf("toon encode: sig: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(idBytes)
	buf.Write(pubBytes)
	writeUvarint(&buf, uint64(e.CreatedAt))
	writeUvarint(&buf, uint64(e.Kind))

	writeUvarint(&buf, uint64(len(e.Tags)))
	for _, tag := range e.Tags {
		writeUvarint(&buf, uint64(len(tag)))
		for _, field := range tag {
			writeString(&buf, field)
		}
	}

	writeString(&buf, e.Content)
	buf.Write(sigBytes)

	return buf.Bytes(), nil
}

// Decode parses bytes produced by Encode back into a NostrEvent. It does
// not verify the signature; callers (the BLS) do that as a separate step
// (spec §4.4 step 4) so decode failures and signature failures are
// distinguishable.
func Decode(data []byte) (*nostrmodel.Event, error) {
	r := bytes.NewReader(data)

	idBytes := make([]byte, 32)
	if _, err := readFull(r, idBytes); err != nil {
		return nil, fmt.Errorf("toon decode: id: %w", err)
	}
	pubBytes := make([]byte, 32)
	if _, err := readFull(r, pubBytes); err != nil {
		return nil, fmt.Errorf("toon decode: pubkey: %w", err)
	}

	createdAt, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("toon decode: created_at: %w", err)
	}
	kind, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("toon decode: kind: %w", err)
	}

	numTags, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("toon decode: tag count: %w", err)
	}
	tags := make(nostrmodel.Tags, 0, numTags)
	for i := uint64(0); i < numTags; i++ {
		numFields, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("toon decode: tag %d field count: %w", i, err)
		}
		tag := make(nostrmodel.Tag, 0, numFields)
		for j := uint64(0); j < numFields; j++ {
			field, err := readString(r)
			if err != nil {
				return nil, fmt.Errorf("toon decode: tag %d field %d: %w", i, j, err)
			}
			tag = append(tag, field)
		}
		tags = append(tags, tag)
	}

	content, err := readString(r)
	if err != nil {
		return nil, fmt.Errorf("toon decode: content: %w", err)
	}

	sigBytes := make([]byte, 64)
	if _, err := readFull(r, sigBytes); err != nil {
		return nil, fmt.Errorf("toon decode: sig: %w", err)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("toon decode: %d trailing bytes", r.Len())
	}

	return &nostrmodel.Event{
		ID:        hexEncode(idBytes),
		PubKey:    hexEncode(pubBytes),
		CreatedAt: nostrmodel.Timestamp(createdAt),
		Kind:      int(kind),
		Tags:      tags,
		Content:   content,
		Sig:       hexEncode(sigBytes),
	}, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	n, err := r.Read(b)
	if err != nil {
		return n, err
	}
	if n != len(b) {
		return n, fmt.Errorf("short read: got %d want %d", n, len(b))
	}
	return n, nil
}

func hexDecode(s string, wantLen int) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, err := hexVal(s[2*i])
		if err != nil {
			return nil, err
		}
		lo, err := hexVal(s[2*i+1])
		if err != nil {
			return nil, err
		}
		out[i] = hi<<4 | lo
	}
	if len(out) != wantLen {
		return nil, fmt.Errorf("expected %d bytes, got %d", wantLen, len(out))
	}
	return out, nil
}

func hexVal(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, fmt.Errorf("invalid hex digit %q", c)
	}
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[2*i] = digits[v>>4]
		out[2*i+1] = digits[v&0xf]
	}
	return string(out)
}
