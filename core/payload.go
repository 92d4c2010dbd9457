package core

import (
	"net/url"
	"strings"
)

const (
	scanParamToken = "token"
	scanParamSig   = "sig"
)

// BuildScanURL embeds secret, and its signature when signer is set, into
// the confirm URL the mobile app opens after scanning.
func BuildScanURL(confirmURL, secret string, signer *Signer) (string, error) {
	u, err := url.Parse(confirmURL)
	if err != nil {
		return "", newError(KindConfiguration, "build scan url", "invalid confirm url", err)
	}
	q := u.Query()
	q.Set(scanParamToken, secret)
	if signer != nil {
		q.Set(scanParamSig, signer.Sign(secret))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseScanURL extracts the secret from a scanned value. A bare secret is
// accepted only when no signer is configured.
func ParseScanURL(scanned string, signer *Signer) (string, error) {
	scanned = strings.TrimSpace(scanned)
	if scanned == "" {
		return "", newError(KindInvalidRequest, "parse scan url", "empty payload", nil)
	}
	if !strings.Contains(scanned, "://") {
		if signer != nil {
			return "", newError(KindInvalidRequest, "parse scan url", "unsigned payload", nil)
		}
		return scanned, nil
	}

	u, err := url.Parse(scanned)
	if err != nil {
		return "", newError(KindInvalidRequest, "parse scan url", "malformed payload", err)
	}
	q := u.Query()
	secret := q.Get(scanParamToken)
	if secret == "" {
		return "", newError(KindInvalidRequest, "parse scan url", "missing token", nil)
	}
	if signer != nil && !signer.Verify(secret, q.Get(scanParamSig)) {
		return "", newError(KindInvalidRequest, "parse scan url", "signature mismatch", nil)
	}
	return secret, nil
}
