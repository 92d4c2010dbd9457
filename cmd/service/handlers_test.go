package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tunaaoguzhann/qr-login/core"
	"github.com/tunaaoguzhann/qr-login/internal/config"
)

const (
	testJWTSecret = "jwt-test-secret"
	testIssuer    = "auth.example.com"
)

var testAuth = config.AuthConfig{JWTSecret: testJWTSecret, JWTIssuer: testIssuer}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, mutate func(*core.Options)) (*httptest.Server, *core.Metrics) {
	t.Helper()
	return newTestServerWithProxy(t, false, mutate)
}

func newTestServerWithProxy(t *testing.T, trustProxy bool, mutate func(*core.Options)) (*httptest.Server, *core.Metrics) {
	t.Helper()
	opts := core.DefaultOptions()
	opts.SigningKey = "scan-signing-key"
	opts.LoginSuccessRedirect = "/home"
	if mutate != nil {
		mutate(&opts)
	}
	metrics := core.NewMetrics()
	svc, err := core.NewService(core.ServiceConfig{
		Options:     opts,
		Store:       core.NewMemoryStore(),
		RateLimiter: core.NewMemoryRateLimiter(),
		Logger:      testLogger(),
		Metrics:     metrics,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	srv := httptest.NewServer(newRouter(svc, metrics, testLogger(), testAuth, trustProxy))
	t.Cleanup(srv.Close)
	return srv, metrics
}

func bearer(t *testing.T, subject, issuer string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return "Bearer " + s
}

func do(t *testing.T, method, u, auth string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, u, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, u, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func generate(t *testing.T, srv *httptest.Server) generateResponse {
	t.Helper()
	resp := do(t, http.MethodPost, srv.URL+"/qr/generate", "", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("generate status = %d", resp.StatusCode)
	}
	return decode[generateResponse](t, resp)
}

func TestScanLoginOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	gen := generate(t, srv)

	if gen.Secret == "" || !strings.HasPrefix(gen.QRImage, "data:image/png;base64,") || gen.PollIntervalSeconds != 3 {
		t.Fatalf("generate response = %+v", gen)
	}
	if u, err := url.Parse(gen.QRPayload); err != nil || u.Query().Get("token") != gen.Secret {
		t.Fatalf("payload = %q", gen.QRPayload)
	}

	st := decode[statusResponse](t, do(t, http.MethodGet, srv.URL+"/qr/"+gen.Secret+"/status", "", nil))
	if st.State != "pending" || st.Done || st.UserID != "" {
		t.Fatalf("pending status = %+v", st)
	}

	resp := do(t, http.MethodPost, srv.URL+"/qr/confirm", "", scanRequest{Payload: gen.QRPayload})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("confirm without auth = %d", resp.StatusCode)
	}

	resp = do(t, http.MethodPost, srv.URL+"/qr/confirm", bearer(t, "user-42", testIssuer), scanRequest{Payload: gen.QRPayload})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm = %d", resp.StatusCode)
	}
	if res := decode[resultResponse](t, resp); !res.OK || res.State != "consumed" {
		t.Fatalf("confirm result = %+v", res)
	}

	st = decode[statusResponse](t, do(t, http.MethodGet, srv.URL+"/qr/"+gen.Secret+"/status", "", nil))
	if st.State != "consumed" || !st.Done || st.UserID != "user-42" || st.Redirect != "/home" {
		t.Fatalf("consumed status = %+v", st)
	}

	resp = do(t, http.MethodPost, srv.URL+"/qr/confirm", bearer(t, "user-43", testIssuer), scanRequest{Payload: gen.QRPayload})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second confirm = %d", resp.StatusCode)
	}
	if body := decode[errorBody](t, resp); body.Error.Code != "already_claimed" {
		t.Fatalf("error body = %+v", body)
	}
}

func TestTwoStepOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	gen := generate(t, srv)
	auth := bearer(t, "user-7", testIssuer)

	if resp := do(t, http.MethodPost, srv.URL+"/qr/claim", auth, scanRequest{Payload: gen.QRPayload}); resp.StatusCode != http.StatusOK {
		t.Fatalf("claim = %d", resp.StatusCode)
	}
	st := decode[statusResponse](t, do(t, http.MethodGet, srv.URL+"/qr/"+gen.Secret+"/status", "", nil))
	if st.State != "claimed" || st.Done {
		t.Fatalf("claimed status = %+v", st)
	}

	resp := do(t, http.MethodGet, srv.URL+"/qr/"+gen.Secret+"/image.png", "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("image after claim = %d", resp.StatusCode)
	}

	if resp := do(t, http.MethodPost, srv.URL+"/qr/cancel", auth, scanRequest{Payload: gen.QRPayload}); resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel = %d", resp.StatusCode)
	}
	resp = do(t, http.MethodPost, srv.URL+"/qr/approve", auth, scanRequest{Payload: gen.QRPayload})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("approve after cancel = %d", resp.StatusCode)
	}
	if body := decode[errorBody](t, resp); body.Error.Code != "invalid_state" {
		t.Fatalf("error body = %+v", body)
	}
}

func TestImageEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	gen := generate(t, srv)

	resp := do(t, http.MethodGet, srv.URL+"/qr/"+gen.Secret+"/image.png", "", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("image = %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	png, _ := io.ReadAll(resp.Body)
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatalf("body is not a png")
	}
}

func TestHTTPErrors(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	gen := generate(t, srv)
	auth := bearer(t, "user-1", testIssuer)

	if resp := do(t, http.MethodGet, srv.URL+"/qr/does-not-exist/status", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown secret = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/qr/confirm", auth, scanRequest{}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty payload = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/qr/confirm", auth, scanRequest{Payload: gen.Secret}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unsigned bare secret = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodPost, srv.URL+"/qr/confirm", bearer(t, "user-1", "someone-else"), scanRequest{Payload: gen.QRPayload}); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong issuer = %d", resp.StatusCode)
	}
}

func TestDisabledFeature(t *testing.T) {
	srv, _ := newTestServer(t, func(o *core.Options) { o.Enabled = false })

	resp := do(t, http.MethodPost, srv.URL+"/qr/generate", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("generate while disabled = %d", resp.StatusCode)
	}
	if body := decode[errorBody](t, resp); body.Error.Code != "feature_disabled" {
		t.Fatalf("error body = %+v", body)
	}
}

func TestRateLimitedGenerate(t *testing.T) {
	srv, _ := newTestServer(t, func(o *core.Options) { o.RateLimit = 1 })
	generate(t, srv)
	if resp := do(t, http.MethodPost, srv.URL+"/qr/generate", "", nil); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second generate = %d", resp.StatusCode)
	}
}

func generateFrom(t *testing.T, srv *httptest.Server, forwardedFor string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/qr/generate", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Forwarded-For", forwardedFor)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	_ = resp.Body.Close()
	return resp.StatusCode
}

func TestRateLimitIgnoresForwardedHeaders(t *testing.T) {
	srv, _ := newTestServer(t, func(o *core.Options) { o.RateLimit = 1 })

	if code := generateFrom(t, srv, "198.51.100.1"); code != http.StatusCreated {
		t.Fatalf("first generate = %d", code)
	}
	if code := generateFrom(t, srv, "198.51.100.2"); code != http.StatusTooManyRequests {
		t.Fatalf("rotated X-Forwarded-For escaped the limit: %d", code)
	}
}

func TestRateLimitTrustedProxy(t *testing.T) {
	srv, _ := newTestServerWithProxy(t, true, func(o *core.Options) { o.RateLimit = 1 })

	if code := generateFrom(t, srv, "198.51.100.1"); code != http.StatusCreated {
		t.Fatalf("first client = %d", code)
	}
	if code := generateFrom(t, srv, "198.51.100.2"); code != http.StatusCreated {
		t.Fatalf("second client behind proxy = %d", code)
	}
	if code := generateFrom(t, srv, "198.51.100.1"); code != http.StatusTooManyRequests {
		t.Fatalf("repeat client behind proxy = %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	generate(t, srv)
	generate(t, srv)

	snap := decode[map[string]uint64](t, do(t, http.MethodGet, srv.URL+"/debug/metrics", "", nil))
	if snap["token_created"] != 2 {
		t.Fatalf("metrics = %v", snap)
	}
}

func TestRouteLabelMasksSecret(t *testing.T) {
	cases := map[string]string{
		"/qr/abcdef/status":    "/qr/{secret}/status",
		"/qr/abcdef/image.png": "/qr/{secret}/image.png",
		"/qr/confirm":          "/qr/confirm",
		"/debug/metrics":       "/debug/metrics",
	}
	for in, want := range cases {
		if got := routeLabel(in); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func TestCleanupLoopSweepsOldTokens(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)}
	store := core.NewMemoryStore()
	svc, err := core.NewService(core.ServiceConfig{
		Options: core.DefaultOptions(),
		Store:   store,
		Logger:  testLogger(),
		Now:     clock.Now,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, err := svc.GenerateQRCode(ctx, nil); err != nil {
			t.Fatalf("generate: %v", err)
		}
	}
	clock.set(clock.Now().Add(2 * time.Hour))

	done := make(chan struct{})
	go func() {
		runCleanupLoop(ctx, svc, 5*time.Millisecond, time.Hour, testLogger())
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for store.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("cleanup loop left %d tokens", store.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("cleanup loop did not stop")
	}
}
