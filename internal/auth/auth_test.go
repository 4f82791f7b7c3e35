package auth

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"testing"
)

func TestGeneratePasskey(t *testing.T) {
	key1, err := GeneratePasskey()
	if err != nil {
		t.Fatal(err)
	}
	if len(key1) != PasskeySize {
		t.Fatalf("expected %d bytes, got %d", PasskeySize, len(key1))
	}

	key2, err := GeneratePasskey()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(key1, key2) {
		t.Fatal("two generated passkeys should not be equal")
	}
}

func TestComputeAndVerify(t *testing.T) {
	passkey := []byte("test-passkey-32-bytes-long-xxxxx")
	material := []byte("tls-exporter-material-for-test")

	token := ComputeAuthToken(passkey, material)
	if !VerifyAuthToken(passkey, material, token) {
		t.Fatal("valid token should verify")
	}
}

func TestVerifyWrongPasskey(t *testing.T) {
	passkey := []byte("correct-passkey-32-bytes-xxxxxxx")
	wrong := []byte("wrong-passkey-32-bytes-xxxxxxxxx")
	material := []byte("tls-exporter-material")

	token := ComputeAuthToken(passkey, material)
	if VerifyAuthToken(wrong, material, token) {
		t.Fatal("wrong passkey should not verify")
	}
}

func TestVerifyWrongMaterial(t *testing.T) {
	passkey := []byte("test-passkey-32-bytes-long-xxxxx")
	material1 := []byte("material-session-1")
	material2 := []byte("material-session-2")

	token := ComputeAuthToken(passkey, material1)
	if VerifyAuthToken(passkey, material2, token) {
		t.Fatal("different TLS session material should not verify")
	}
}

func TestVerifyTamperedToken(t *testing.T) {
	passkey := []byte("test-passkey-32-bytes-long-xxxxx")
	material := []byte("tls-exporter-material")

	token := ComputeAuthToken(passkey, material)
	token[0] ^= 0xFF // flip bits
	if VerifyAuthToken(passkey, material, token) {
		t.Fatal("tampered token should not verify")
	}
}

func TestTokenDeterministic(t *testing.T) {
	passkey := []byte("test-passkey-32-bytes-long-xxxxx")
	material := []byte("same-material")

	token1 := ComputeAuthToken(passkey, material)
	token2 := ComputeAuthToken(passkey, material)
	if token1 != token2 {
		t.Fatal("same inputs should produce same token")
	}
}

func TestParsePasskey(t *testing.T) {
	key, _ := GeneratePasskey()
	parsed, err := ParsePasskey(" " + EncodePasskey(key) + "\n")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(parsed, key) {
		t.Fatal("passkey did not round-trip through hex")
	}
	for _, bad := range []string{"", "zz", strings.Repeat("ab", 31)} {
		if _, err := ParsePasskey(bad); !errors.Is(err, ErrBadPasskey) {
			t.Fatalf("ParsePasskey(%q): got %v", bad, err)
		}
	}
}

func runHandshake(t *testing.T, clientKey, serverKey []byte) (clientErr, serverErr error) {
	t.Helper()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	material := []byte("exporter")

	done := make(chan error, 1)
	go func() { done <- Server(b, serverKey, material) }()
	clientErr = Client(a, clientKey, material)
	return clientErr, <-done
}

func TestHandshakeAccepts(t *testing.T) {
	key, _ := GeneratePasskey()
	cErr, sErr := runHandshake(t, key, key)
	if cErr != nil || sErr != nil {
		t.Fatalf("client=%v server=%v", cErr, sErr)
	}
}

func TestHandshakeRejects(t *testing.T) {
	key, _ := GeneratePasskey()
	other, _ := GeneratePasskey()
	cErr, sErr := runHandshake(t, other, key)
	if !errors.Is(cErr, ErrRejected) {
		t.Fatalf("client: got %v, want ErrRejected", cErr)
	}
	if !errors.Is(sErr, ErrBadToken) {
		t.Fatalf("server: got %v, want ErrBadToken", sErr)
	}
}
