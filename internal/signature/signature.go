// Package signature verifies HMAC-SHA1 webhook signatures.
//
// Senders (GitHub's X-Hub-Signature, Gogs' X-Gogs-Signature) sign the raw
// request body with a shared secret and send the result as "sha1=<hex>".
// The Verifier recomputes that value over the exact bytes received and
// compares it in constant time.
//
// A Verifier holds no mutable state and is safe for concurrent use.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
)

// Prefix is prepended to the hex digest in the signature header.
const Prefix = "sha1="

// DefaultHeader is the GitHub signature header.
const DefaultHeader = "X-Hub-Signature"

var (
	// ErrEmptySecret is returned by NewVerifier when no secret is given.
	ErrEmptySecret = errors.New("signature: secret is empty")

	// ErrRejected matches every *RejectedError via errors.Is.
	ErrRejected = errors.New("signature: verification rejected")
)

// Reject reasons.
const (
	ReasonEmptyBody      = "empty body"
	ReasonLengthMismatch = "length mismatch"
	ReasonMismatch       = "digest mismatch"
)

// RejectedError describes why a payload was rejected. It is meant for
// server-side logs only and must not be echoed to the caller.
type RejectedError struct {
	Reason   string
	Header   string
	Received string
}

func (e *RejectedError) Error() string {
	if e.Reason == ReasonEmptyBody {
		return "signature rejected: " + e.Reason
	}
	return fmt.Sprintf("signature rejected: %s: expected %s header, received %q", e.Reason, e.Header, e.Received)
}

// Is reports whether target is ErrRejected.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// Verifier checks signature headers against a single shared secret.
type Verifier struct {
	secret []byte
	header string
}

// NewVerifier returns a Verifier for secret. header names the HTTP header the
// signature is read from and is only used in reject reasons; it defaults to
// DefaultHeader.
func NewVerifier(secret []byte, header string) (*Verifier, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if header == "" {
		header = DefaultHeader
	}
	// Copy so later mutation by the caller cannot change the key.
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Verifier{secret: key, header: header}, nil
}

// Header returns the name of the header carrying the signature.
func (v *Verifier) Header() string {
	return v.header
}

// Verify returns nil if claimed is the signature of payload, and a
// *RejectedError otherwise. A missing header should be passed as "".
func (v *Verifier) Verify(payload []byte, claimed string) error {
	if len(payload) == 0 {
		return &RejectedError{Reason: ReasonEmptyBody, Header: v.header, Received: claimed}
	}

	digest := []byte(Compute(v.secret, payload))
	checksum := []byte(claimed)

	// Only the length leaks here, and the length of a valid digest is public.
	if len(digest) != len(checksum) {
		return &RejectedError{Reason: ReasonLengthMismatch, Header: v.header, Received: claimed}
	}
	if subtle.ConstantTimeCompare(digest, checksum) != 1 {
		return &RejectedError{Reason: ReasonMismatch, Header: v.header, Received: claimed}
	}
	return nil
}

// Compute returns the header value a sender would attach to payload:
// "sha1=" followed by the lowercase hex HMAC-SHA1 of payload keyed by secret.
func Compute(secret, payload []byte) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write(payload)
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}
