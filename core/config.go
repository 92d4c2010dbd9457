package core

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultRateWindow   = time.Hour
)

// Options is the externally tunable surface of the scan login feature.
type Options struct {
	Enabled      bool
	TokenTTL     time.Duration
	QRCodeSize   int
	PollInterval time.Duration
	SecretLength int
	// LoginSuccessRedirect is handed to the desktop once login completes.
	LoginSuccessRedirect string
	// ConfirmURL is the page the QR code points the mobile app at.
	ConfirmURL string
	// SigningKey, when set, signs every scan URL.
	SigningKey string
	// RateLimit caps QR generations per client IP per RateWindow; 0 disables.
	RateLimit  int
	RateWindow time.Duration
}

func DefaultOptions() Options {
	return Options{
		Enabled:              true,
		TokenTTL:             DefaultTokenTTL,
		QRCodeSize:           DefaultQRCodeSize,
		PollInterval:         DefaultPollInterval,
		SecretLength:         DefaultSecretLength,
		LoginSuccessRedirect: "/",
		ConfirmURL:           "http://localhost:8080/qr/confirm",
		RateWindow:           DefaultRateWindow,
	}
}

// Validate reports every problem at once as a configuration error.
func (o Options) Validate() error {
	var problems []string
	if o.TokenTTL <= 0 {
		problems = append(problems, "token ttl must be positive")
	}
	if o.QRCodeSize <= 0 {
		problems = append(problems, "qr code size must be positive")
	}
	if o.PollInterval <= 0 {
		problems = append(problems, "polling interval must be positive")
	}
	if o.SecretLength < MinSecretLength {
		problems = append(problems, "token secret length must be at least "+strconv.Itoa(MinSecretLength))
	}
	if u, err := url.Parse(o.ConfirmURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, "confirm url must be absolute")
	}
	if o.RateLimit < 0 {
		problems = append(problems, "rate limit must not be negative")
	}
	if o.RateLimit > 0 && o.RateWindow <= 0 {
		problems = append(problems, "rate window must be positive when rate limiting")
	}
	if len(problems) > 0 {
		return newError(KindConfiguration, "validate options", strings.Join(problems, "; "), nil)
	}
	return nil
}
