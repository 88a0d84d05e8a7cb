package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-dispatch/core"
)

const DefaultSignaturePrefix = "sha256="

// HMACKey configures how one provider signs its payloads.
type HMACKey struct {
	Secret   string
	Prefix   string
	Encoding string // hex | base64
}

// HMACVerifier checks HMAC-SHA256 signatures with a secret per provider.
// Providers without a key fail verification.
type HMACVerifier struct {
	mu   sync.RWMutex
	keys map[string]HMACKey
}

func NewHMACVerifier(secrets map[string]string) *HMACVerifier {
	verifier := &HMACVerifier{keys: map[string]HMACKey{}}
	for provider, secret := range secrets {
		verifier.SetKey(provider, HMACKey{Secret: secret, Prefix: DefaultSignaturePrefix, Encoding: "hex"})
	}
	return verifier
}

func (v *HMACVerifier) SetKey(provider string, key HMACKey) {
	if v == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.keys == nil {
		v.keys = map[string]HMACKey{}
	}
	v.keys[normalizeProvider(provider)] = key
}

func (v *HMACVerifier) Verify(_ context.Context, provider string, signature string, payload []byte) (bool, error) {
	if v == nil {
		return false, fmt.Errorf("webhooks: hmac verifier is nil")
	}
	v.mu.RLock()
	key, ok := v.keys[normalizeProvider(provider)]
	v.mu.RUnlock()
	if !ok || strings.TrimSpace(key.Secret) == "" {
		return false, fmt.Errorf("webhooks: no signing secret for provider %q", provider)
	}

	signature = strings.TrimSpace(signature)
	if key.Prefix != "" {
		signature = strings.TrimSpace(strings.TrimPrefix(signature, key.Prefix))
	}
	if signature == "" {
		return false, nil
	}
	expected := computeHMAC(key.Secret, payload)

	var decoded []byte
	var err error
	switch strings.ToLower(strings.TrimSpace(key.Encoding)) {
	case "base64":
		decoded, err = base64.StdEncoding.DecodeString(signature)
	default:
		decoded, err = hex.DecodeString(signature)
	}
	if err != nil {
		return false, nil
	}
	return subtle.ConstantTimeCompare(decoded, expected) == 1, nil
}

// Sign returns the "sha256=<hex>" signature HMACVerifier accepts with the
// default key layout.
func Sign(secret string, payload []byte) string {
	return DefaultSignaturePrefix + hex.EncodeToString(computeHMAC(secret, payload))
}

func computeHMAC(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(secret)))
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}

func normalizeProvider(provider string) string {
	return strings.TrimSpace(strings.ToLower(provider))
}

var _ core.SignatureVerifier = (*HMACVerifier)(nil)
