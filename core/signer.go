package core

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// Signer authenticates scan URLs so a tampered or forged QR code is
// rejected before it reaches storage.
type Signer struct {
	key []byte
}

func NewSigner(key string) *Signer {
	return &Signer{key: []byte(key)}
}

func (s *Signer) Sign(secret string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(secret))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (s *Signer) Verify(secret, signature string) bool {
	expected := s.Sign(secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
