// Package auth authenticates remote gpuwire streams with a shared passkey.
//
// The token is HMAC-SHA256(passkey, exporter) where exporter is keying
// material exported from the TLS session, so a token captured on one
// connection is useless on another.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	PasskeySize = 32
	TokenSize   = 32

	// ExporterLabel is the TLS exporter label both sides derive material with.
	ExporterLabel = "gpuwire-auth-v1"
)

// Handshake status bytes.
const (
	StatusOK     byte = 0
	StatusFailed byte = 1
)

var (
	ErrRejected   = errors.New("authentication rejected")
	ErrBadToken   = errors.New("authentication failed: invalid passkey")
	ErrBadPasskey = errors.New("passkey must be 64 hex characters")
)

// GeneratePasskey returns a cryptographically random 32-byte passkey.
func GeneratePasskey() ([]byte, error) {
	key := make([]byte, PasskeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// ParsePasskey decodes a hex passkey as printed by EncodePasskey.
func ParsePasskey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(key) != PasskeySize {
		return nil, ErrBadPasskey
	}
	return key, nil
}

// EncodePasskey renders a passkey for config files and environment variables.
func EncodePasskey(key []byte) string {
	return hex.EncodeToString(key)
}

// ComputeAuthToken computes HMAC-SHA256(passkey, exporterMaterial).
func ComputeAuthToken(passkey, exporterMaterial []byte) [TokenSize]byte {
	mac := hmac.New(sha256.New, passkey)
	mac.Write(exporterMaterial)
	var token [TokenSize]byte
	copy(token[:], mac.Sum(nil))
	return token
}

// VerifyAuthToken checks token in constant time.
func VerifyAuthToken(passkey, exporterMaterial []byte, token [TokenSize]byte) bool {
	expected := ComputeAuthToken(passkey, exporterMaterial)
	return hmac.Equal(token[:], expected[:])
}

// Client runs the dialing side of the handshake: send the token, wait for
// the status byte.
func Client(rw io.ReadWriter, passkey, exporterMaterial []byte) error {
	token := ComputeAuthToken(passkey, exporterMaterial)
	if _, err := rw.Write(token[:]); err != nil {
		return fmt.Errorf("write auth token: %w", err)
	}
	var status [1]byte
	if _, err := io.ReadFull(rw, status[:]); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	if status[0] != StatusOK {
		return fmt.Errorf("%w: status %d", ErrRejected, status[0])
	}
	return nil
}

// Server runs the accepting side: read the token, verify it, reply with a
// status byte. A failed check is reported to the peer before returning
// ErrBadToken.
func Server(rw io.ReadWriter, passkey, exporterMaterial []byte) error {
	var token [TokenSize]byte
	if _, err := io.ReadFull(rw, token[:]); err != nil {
		return fmt.Errorf("read auth token: %w", err)
	}
	if !VerifyAuthToken(passkey, exporterMaterial, token) {
		rw.Write([]byte{StatusFailed})
		return ErrBadToken
	}
	if _, err := rw.Write([]byte{StatusOK}); err != nil {
		return fmt.Errorf("write auth response: %w", err)
	}
	return nil
}
