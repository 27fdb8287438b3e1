package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestSignKnownVector(t *testing.T) {
	payload := []byte(`{"event":"message.sent"}`)
	secret := "whsec_testsecret123"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))

	if got := Sign(payload, secret); got != want {
		t.Errorf("Sign() = %q, want %q", got, want)
	}
	if got := SignatureHeader(payload, secret); got != "sha256="+want {
		t.Errorf("SignatureHeader() = %q, want sha256=%s", got, want)
	}
}

func TestSignDeterministic(t *testing.T) {
	payload := []byte(`{"a":1}`)
	if Sign(payload, "s") != Sign(payload, "s") {
		t.Error("Sign() not deterministic for identical input")
	}
}

func TestSignSingleByteChange(t *testing.T) {
	payload := []byte(`{"event":"message.sent","data":{"to":"+15550001111"}}`)
	base := Sign(payload, "secret")

	for i := range payload {
		mutated := append([]byte(nil), payload...)
		mutated[i] ^= 0x01
		if Sign(mutated, "secret") == base {
			t.Fatalf("flipping byte %d did not change the signature", i)
		}
	}
}

func TestVerify(t *testing.T) {
	payload := []byte(`{"event":"payment.confirmation"}`)
	secret := GenerateSecret()
	sig := Sign(payload, secret)

	tests := []struct {
		name      string
		payload   []byte
		signature string
		secret    string
		want      bool
	}{
		{name: "bare hex", payload: payload, signature: sig, secret: secret, want: true},
		{name: "header prefix", payload: payload, signature: "sha256=" + sig, secret: secret, want: true},
		{name: "surrounding space", payload: payload, signature: " sha256=" + sig + " ", secret: secret, want: true},
		{name: "wrong secret", payload: payload, signature: sig, secret: secret + "x", want: false},
		{name: "mutated payload", payload: []byte(`{"event":"payment.confirmatioN"}`), signature: sig, secret: secret, want: false},
		{name: "not hex", payload: payload, signature: "sha256=zz", secret: secret, want: false},
		{name: "truncated", payload: payload, signature: sig[:32], secret: secret, want: false},
		{name: "empty", payload: payload, signature: "", secret: secret, want: false},
		{name: "uppercase hex", payload: payload, signature: strings.ToUpper(sig), secret: secret, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.payload, tt.signature, tt.secret); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGenerateSecret(t *testing.T) {
	secret := GenerateSecret()

	if !strings.HasPrefix(secret, SecretPrefix) {
		t.Errorf("expected prefix %q, got %q", SecretPrefix, secret)
	}
	// whsec_ (6) + 64 hex chars
	if len(secret) != 70 {
		t.Errorf("expected length 70, got %d", len(secret))
	}
	if _, err := hex.DecodeString(strings.TrimPrefix(secret, SecretPrefix)); err != nil {
		t.Errorf("secret body is not hex: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		s := GenerateSecret()
		if seen[s] {
			t.Fatalf("duplicate secret generated: %s", s)
		}
		seen[s] = true
	}
}
