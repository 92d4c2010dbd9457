package core

import (
	"crypto/rand"
	"io"
)

const (
	DefaultSecretLength = 64
	MinSecretLength     = 32

	secretAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// largest multiple of len(secretAlphabet) that fits in a byte
	secretByteLimit = 256 - 256%len(secretAlphabet)
)

// NewSecret returns n characters drawn uniformly from secretAlphabet.
func NewSecret(n int) (string, error) {
	return newSecretFrom(rand.Reader, n)
}

func newSecretFrom(r io.Reader, n int) (string, error) {
	if n < MinSecretLength {
		return "", newError(KindConfiguration, "new secret", "secret length below minimum", nil)
	}
	out := make([]byte, 0, n)
	buf := make([]byte, n+n/4)
	for len(out) < n {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= secretByteLimit {
				continue
			}
			out = append(out, secretAlphabet[int(b)%len(secretAlphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}

// fingerprint is a log-safe prefix of a secret.
func fingerprint(secret string) string {
	if len(secret) <= 8 {
		return "…"
	}
	return secret[:6] + "…"
}
