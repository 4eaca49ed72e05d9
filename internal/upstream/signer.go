package upstream

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// Signer answers a gateway challenge: it derives a response from the server
// nonce and a pre-shared secret. The secret itself is never sent.
type Signer interface {
	Sign(nonce string) string
	Algorithm() string
}

func NewSigner(algorithm, secret string) (Signer, error) {
	if secret == "" {
		return nil, fmt.Errorf("challenge secret is empty")
	}
	switch strings.ToLower(strings.TrimSpace(algorithm)) {
	case "", "hmac-sha256", "hmac":
		return hmacSigner{key: []byte(secret)}, nil
	case "blake3":
		key := make([]byte, 32)
		blake3.DeriveKey("relayd gateway challenge v1", []byte(secret), key)
		return blake3Signer{key: key}, nil
	default:
		return nil, fmt.Errorf("unknown challenge hash %q", algorithm)
	}
}

type hmacSigner struct {
	key []byte
}

func (s hmacSigner) Sign(nonce string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

func (hmacSigner) Algorithm() string { return "hmac-sha256" }

type blake3Signer struct {
	key []byte
}

func (s blake3Signer) Sign(nonce string) string {
	h, err := blake3.NewKeyed(s.key)
	if err != nil {
		// Key length is fixed at construction.
		panic(err)
	}
	_, _ = h.Write([]byte(nonce))
	return hex.EncodeToString(h.Sum(nil))
}

func (blake3Signer) Algorithm() string { return "blake3" }
