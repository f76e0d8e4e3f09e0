// Package errs defines the error taxonomy shared by every component of the
// relay node: bad requests, insufficient payment, transient failures,
// configuration errors, and protocol-level failures (spec §7). Components
// return these sentinels wrapped with fmt.Errorf("...: %w", ...) so callers
// can classify failures with errors.Is/errors.As without parsing strings.
package errs

import "errors"

// Category is the coarse-grained error class the BLS and Bootstrap Service
// use to decide how to respond (reject code, retry policy, terminal failure).
type Category int

const (
	// CategoryBadRequest covers malformed input: bad base64, bad TOON, bad
	// signature. Surfaced to the ILP peer as reject code F00.
	CategoryBadRequest Category = iota
	// CategoryInsufficientPayment means the priced amount exceeded the
	// amount received. Surfaced as F06.
	CategoryInsufficientPayment
	// CategoryTransient covers I/O failures, channel-open polling timeouts,
	// and other retryable failures. Surfaced as T00.
	CategoryTransient
	// CategoryConfiguration covers invalid configuration, caught at startup.
	// Never surfaces on the wire.
	CategoryConfiguration
	// CategoryProtocol covers decryption failure, no common settlement
	// chain, and balance-proof regressions. Surfaced as F00 with a
	// distinguishing message.
	CategoryProtocol
)

func (c Category) String() string {
	switch c {
	case CategoryBadRequest:
		return "bad_request"
	case CategoryInsufficientPayment:
		return "insufficient_payment"
	case CategoryTransient:
		return "transient"
	case CategoryConfiguration:
		return "configuration"
	case CategoryProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// TypedError carries a Category alongside the usual error chain so that a
// single errors.As(err, &te) extracts both the message and its class.
type TypedError struct {
	Category Category
	Msg      string
	Err      error
}

func (e *TypedError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *TypedError) Unwrap() error { return e.Err }

// New builds a TypedError in the given category.
func New(cat Category, msg string) *TypedError {
	return &TypedError{Category: cat, Msg: msg}
}

// Wrap builds a TypedError in the given category, wrapping an underlying error.
func Wrap(cat Category, msg string, err error) *TypedError {
	return &TypedError{Category: cat, Msg: msg, Err: err}
}

// Sentinel errors matched by errors.Is for common, identity-only failure
// modes that don't need an ad-hoc message.
var (
	ErrStaleNonce        = errors.New("stale nonce")
	ErrRegressiveAmount  = errors.New("regressive transferred amount")
	ErrUnknownChannel    = errors.New("unknown channel")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrNoCommonChain     = errors.New("no common settlement chain")
	ErrChannelOpenTimeout = errors.New("channel open timed out")
	ErrChannelOpenFailed = errors.New("channel open failed")
	ErrDecrypt           = errors.New("decryption failed")
)

// CategoryOf extracts the Category from err if it (or something it wraps) is
// a *TypedError; otherwise it returns CategoryTransient as a conservative
// default (retryable, never silently treated as a permanent rejection).
func CategoryOf(err error) Category {
	var te *TypedError
	if errors.As(err, &te) {
		return te.Category
	}
	return CategoryTransient
}
