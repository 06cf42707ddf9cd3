package gatepass

import (
	"testing"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"event":"charge.completed","data":{"id":1}}`)
	secret := "s3cr3t"
	sig := Sign(body, secret)

	tests := []struct {
		name   string
		body   []byte
		header string
		secret string
		want   bool
	}{
		{"valid", body, sig, secret, true},
		{"valid with prefix", body, SignaturePrefix + sig, secret, true},
		{"valid with surrounding space", body, " " + sig + " ", secret, true},
		{"missing header", body, "", secret, false},
		{"prefix only", body, SignaturePrefix, secret, false},
		{"missing secret", body, sig, "", false},
		{"wrong secret", body, sig, "other", false},
		{"not hex", body, "zz" + sig[2:], secret, false},
		{"truncated", body, sig[:len(sig)-2], secret, false},
		{"body changed", []byte(`{"event":"charge.completed","data":{"id":2}}`), sig, secret, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.body, tt.header, tt.secret); got != tt.want {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVerifySignature_SingleBitMutation(t *testing.T) {
	body := []byte(`{"event":"charge.completed","data":{"id":285959875,"status":"successful"}}`)
	secret := "webhook-hash"
	sig := Sign(body, secret)

	if !VerifySignature(body, sig, secret) {
		t.Fatal("expected untouched body to verify")
	}

	for i := range body {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte(nil), body...)
			mutated[i] ^= 1 << bit
			if VerifySignature(mutated, sig, secret) {
				t.Fatalf("mutating byte %d bit %d still verified", i, bit)
			}
		}
	}
}

func TestSign_IsHexSHA256(t *testing.T) {
	sig := Sign([]byte("payload"), "key")
	if len(sig) != 64 {
		t.Errorf("Expected 64 hex characters, got %d", len(sig))
	}
	if sig != Sign([]byte("payload"), "key") {
		t.Error("Sign is not deterministic")
	}
}
