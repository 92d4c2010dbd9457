package core

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Service is the scan login protocol: the desktop generates and polls,
// the authenticated mobile device claims and confirms or cancels. Every
// error it returns is an *Error.
type Service struct {
	opts        Options
	manager     *Manager
	qr          *QRCodeGenerator
	rateLimiter RateLimiter
	logger      *slog.Logger
	metrics     *Metrics
}

type ServiceConfig struct {
	Options Options
	Store   Store
	// RateLimiter is required only when Options.RateLimit > 0.
	RateLimiter RateLimiter
	Logger      *slog.Logger
	Metrics     *Metrics
	Now         func() time.Time
}

// QRCode is the result of GenerateQRCode.
type QRCode struct {
	Secret       string
	Payload      QRPayload
	ExpiresAt    time.Time
	PollInterval time.Duration
}

// LoginStatus is what a polling desktop sees. UserID is set only once the
// login is Consumed.
type LoginStatus struct {
	State        State
	Info         StateInfo
	UserID       string
	ExpiresAt    time.Time
	PollInterval time.Duration
	Redirect     string
}

// Done reports whether the poller should stop.
func (s LoginStatus) Done() bool { return s.State.Terminal() }

func NewService(cfg ServiceConfig) (*Service, error) {
	opts := cfg.Options
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.RateLimit > 0 && cfg.RateLimiter == nil {
		return nil, newError(KindConfiguration, "new service", "rate limiter is required when rate limiting", nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	manager, err := NewManager(Config{
		Store:        cfg.Store,
		Now:          cfg.Now,
		SecretLength: opts.SecretLength,
		TokenTTL:     opts.TokenTTL,
		Logger:       logger,
		Metrics:      cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	var signer *Signer
	if opts.SigningKey != "" {
		signer = NewSigner(opts.SigningKey)
	}
	return &Service{
		opts:        opts,
		manager:     manager,
		qr:          NewQRCodeGenerator(opts.ConfirmURL, opts.QRCodeSize, signer),
		rateLimiter: cfg.RateLimiter,
		logger:      logger,
		metrics:     cfg.Metrics,
	}, nil
}

func (s *Service) Options() Options { return s.opts }

func (s *Service) Manager() *Manager { return s.manager }

// GenerateQRCode issues a token and the payload the desktop renders.
func (s *Service) GenerateQRCode(ctx context.Context, meta *ClaimantMeta) (QRCode, error) {
	const op = "generate qr code"
	if err := s.enabled(op); err != nil {
		return QRCode{}, err
	}
	if s.opts.RateLimit > 0 {
		key := "anonymous"
		if meta != nil && meta.IP != "" {
			key = meta.IP
		}
		if err := s.rateLimiter.Allow(ctx, key, s.opts.RateLimit, s.opts.RateWindow); err != nil {
			if errors.Is(err, ErrRateLimitExceeded) {
				s.metrics.Inc(MetricRateLimited)
				s.logger.InfoContext(ctx, "qr generation rate limited", slog.String("key", key))
			}
			return QRCode{}, s.mapError(op, err)
		}
	}

	t, err := s.manager.Create(ctx, meta)
	if err != nil {
		return QRCode{}, s.mapError(op, err)
	}
	payload, err := s.qr.Generate(t.Secret)
	if err != nil {
		return QRCode{}, s.mapError(op, err)
	}
	return QRCode{
		Secret:       t.Secret,
		Payload:      payload,
		ExpiresAt:    t.ExpiresAt,
		PollInterval: s.opts.PollInterval,
	}, nil
}

// ResolveScan turns whatever the mobile app scanned into a secret,
// checking the signature when scan URLs are signed.
func (s *Service) ResolveScan(scanned string) (string, error) {
	const op = "resolve scan"
	if err := s.enabled(op); err != nil {
		return "", err
	}
	secret, err := ParseScanURL(scanned, s.qr.Signer())
	if err != nil {
		return "", s.mapError(op, err)
	}
	return secret, nil
}

// ClaimLogin is the first half of a two-step mobile flow.
func (s *Service) ClaimLogin(ctx context.Context, secret string) error {
	const op = "claim login"
	if err := s.enabled(op); err != nil {
		return err
	}
	ok, err := s.manager.Claim(ctx, secret)
	if err != nil {
		return s.mapError(op, err)
	}
	if !ok {
		return newError(KindAlreadyClaimed, op, "token already claimed", nil)
	}
	return nil
}

// ApproveLogin binds userID to a token previously claimed with ClaimLogin.
func (s *Service) ApproveLogin(ctx context.Context, secret, userID string) error {
	const op = "approve login"
	if err := s.enabled(op); err != nil {
		return err
	}
	return s.consume(ctx, op, secret, userID)
}

// ConfirmLogin claims and consumes in one call. The token still passes
// through Claimed, so a poller may briefly observe it there.
func (s *Service) ConfirmLogin(ctx context.Context, secret, userID string) error {
	const op = "confirm login"
	if err := s.enabled(op); err != nil {
		return err
	}
	if userID == "" {
		return newError(KindInvalidRequest, op, "user id is required", nil)
	}
	ok, err := s.manager.Claim(ctx, secret)
	if err != nil {
		return s.mapError(op, err)
	}
	if !ok {
		return newError(KindAlreadyClaimed, op, "token already claimed", nil)
	}
	return s.consume(ctx, op, secret, userID)
}

// CheckLoginStatus is polled by the desktop every PollInterval.
func (s *Service) CheckLoginStatus(ctx context.Context, secret string) (LoginStatus, error) {
	const op = "check login status"
	if err := s.enabled(op); err != nil {
		return LoginStatus{}, err
	}
	t, err := s.manager.Lookup(ctx, secret)
	if err != nil {
		return LoginStatus{}, s.mapError(op, err)
	}
	status := LoginStatus{
		State:        t.State,
		Info:         t.State.Info(),
		ExpiresAt:    t.ExpiresAt,
		PollInterval: s.opts.PollInterval,
	}
	if t.State == StateConsumed {
		status.UserID = t.UserID
		status.Redirect = s.opts.LoginSuccessRedirect
	}
	return status, nil
}

// CancelLogin aborts a claimed login that has not been confirmed yet.
func (s *Service) CancelLogin(ctx context.Context, secret string) error {
	const op = "cancel login"
	if err := s.enabled(op); err != nil {
		return err
	}
	ok, err := s.manager.Cancel(ctx, secret)
	if err != nil {
		return s.mapError(op, err)
	}
	if !ok {
		return s.lostTransition(ctx, op, secret)
	}
	return nil
}

// QRCode rebuilds the payload for a token that can still be scanned.
func (s *Service) QRCode(ctx context.Context, secret string) (QRPayload, error) {
	const op = "render qr code"
	if err := s.enabled(op); err != nil {
		return QRPayload{}, err
	}
	t, err := s.manager.Lookup(ctx, secret)
	if err != nil {
		return QRPayload{}, s.mapError(op, err)
	}
	switch t.State {
	case StatePending:
	case StateExpired:
		return QRPayload{}, newError(KindExpired, op, "token expired", nil)
	default:
		return QRPayload{}, newError(KindInvalidState, op, "token already scanned", nil, "state", t.State.String())
	}
	payload, err := s.qr.Generate(t.Secret)
	if err != nil {
		return QRPayload{}, s.mapError(op, err)
	}
	return payload, nil
}

// Cleanup removes tokens older than retention.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	const op = "cleanup"
	if err := s.enabled(op); err != nil {
		return 0, err
	}
	n, err := s.manager.Cleanup(ctx, retention)
	if err != nil {
		return n, s.mapError(op, err)
	}
	return n, nil
}

func (s *Service) consume(ctx context.Context, op, secret, userID string) error {
	ok, err := s.manager.MarkConsumed(ctx, secret, userID)
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Kind == KindInvalidState && e.Details["from"] == StateExpired.String() {
			return newError(KindExpired, op, "token expired", nil)
		}
		return s.mapError(op, err)
	}
	if !ok {
		return s.lostTransition(ctx, op, secret)
	}
	s.logger.InfoContext(ctx, "scan login confirmed",
		slog.String("token", fingerprint(secret)),
		slog.String("user_id", userID),
	)
	return nil
}

// lostTransition explains a compare-and-swap that found the token had
// already moved on.
func (s *Service) lostTransition(ctx context.Context, op, secret string) error {
	t, err := s.manager.Lookup(ctx, secret)
	if err != nil {
		return s.mapError(op, err)
	}
	if t.State == StateExpired {
		return newError(KindExpired, op, "token expired", nil)
	}
	return newError(KindInvalidState, op, "token changed state concurrently", nil, "state", t.State.String())
}

func (s *Service) enabled(op string) error {
	if !s.opts.Enabled {
		return newError(KindFeatureDisabled, op, "scan login disabled", nil)
	}
	return nil
}

// mapError guarantees callers only ever see the error taxonomy.
func (s *Service) mapError(op string, err error) error {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return err
	}
	return newError(KindStorage, op, "unexpected failure", err)
}
