// Package token derives and verifies the release token that authorises a
// buyer to confirm delivery and view a transaction.
//
// A token is a keyed BLAKE2b-256 MAC over the transaction ID. It is
// deterministic for a given ID and secret and carries no expiry.
package token

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// MinSecretLength is the shortest secret accepted by NewSigner.
const MinSecretLength = 32

// ErrWeakSecret is returned when the configured secret is too short.
var ErrWeakSecret = errors.New("release token secret must be at least 32 bytes")

// Signer generates and verifies release tokens with a process-wide secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer. The secret must be at least MinSecretLength
// bytes and blake2b caps keys at 64 bytes.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	if len(secret) > blake2b.Size {
		return nil, errors.New("release token secret must be at most 64 bytes")
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Signer{secret: key}, nil
}

// Generate returns the token for a transaction ID.
func (s *Signer) Generate(transactionID string) string {
	return base64.RawURLEncoding.EncodeToString(s.mac(transactionID))
}

// Verify reports whether tok is the token for transactionID.
// It never explains why a token was rejected.
func (s *Signer) Verify(transactionID, tok string) bool {
	if transactionID == "" || tok == "" {
		return false
	}
	got, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, s.mac(transactionID)) == 1
}

func (s *Signer) mac(transactionID string) []byte {
	// New256 only fails for keys longer than 64 bytes, which NewSigner rejects.
	h, err := blake2b.New256(s.secret)
	if err != nil {
		panic(err)
	}
	h.Write([]byte(transactionID))
	return h.Sum(nil)
}
