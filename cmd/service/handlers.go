package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/tunaaoguzhann/qr-login/core"
	"github.com/tunaaoguzhann/qr-login/internal/config"
)

func newRouter(svc *core.Service, metrics *core.Metrics, logger *slog.Logger, auth config.AuthConfig, trustProxy bool) http.Handler {
	h := &handlers{svc: svc, metrics: metrics, logger: logger}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	if trustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(loggingMiddleware(logger))
	r.Use(chimiddleware.Recoverer)

	r.Post("/qr/generate", h.generate)
	r.Get("/qr/{secret}/status", h.status)
	r.Get("/qr/{secret}/image.png", h.image)

	r.Group(func(mobile chi.Router) {
		mobile.Use(jwtAuth(auth.JWTSecret, auth.JWTIssuer))
		mobile.Post("/qr/claim", h.claim)
		mobile.Post("/qr/approve", h.approve)
		mobile.Post("/qr/confirm", h.confirm)
		mobile.Post("/qr/cancel", h.cancel)
	})

	r.Get("/debug/metrics", h.metricsSnapshot)
	return r
}

type handlers struct {
	svc     *core.Service
	metrics *core.Metrics
	logger  *slog.Logger
}

type generateResponse struct {
	Secret              string    `json:"secret"`
	QRPayload           string    `json:"qr_payload"`
	QRImage             string    `json:"qr_image"`
	QRSize              int       `json:"qr_size"`
	ExpiresAt           time.Time `json:"expires_at"`
	PollIntervalSeconds int       `json:"poll_interval_seconds"`
}

func (h *handlers) generate(w http.ResponseWriter, r *http.Request) {
	meta := &core.ClaimantMeta{IP: clientIP(r), UserAgent: r.UserAgent()}
	qr, err := h.svc.GenerateQRCode(r.Context(), meta)
	if err != nil {
		writeError(w, err)
		return
	}
	img, err := qr.Payload.DataURI()
	if err != nil {
		h.logger.ErrorContext(r.Context(), "render qr code", slog.Any("error", err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, generateResponse{
		Secret:              qr.Secret,
		QRPayload:           qr.Payload.URL,
		QRImage:             img,
		QRSize:              qr.Payload.Size,
		ExpiresAt:           qr.ExpiresAt,
		PollIntervalSeconds: int(qr.PollInterval / time.Second),
	})
}

type statusResponse struct {
	State               string    `json:"state"`
	Color               string    `json:"color"`
	Description         string    `json:"description"`
	Done                bool      `json:"done"`
	UserID              string    `json:"user_id,omitempty"`
	Redirect            string    `json:"redirect,omitempty"`
	ExpiresAt           time.Time `json:"expires_at"`
	PollIntervalSeconds int       `json:"poll_interval_seconds"`
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.CheckLoginStatus(r.Context(), chi.URLParam(r, "secret"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		State:               st.State.String(),
		Color:               st.Info.Color,
		Description:         st.Info.Description,
		Done:                st.Done(),
		UserID:              st.UserID,
		Redirect:            st.Redirect,
		ExpiresAt:           st.ExpiresAt,
		PollIntervalSeconds: int(st.PollInterval / time.Second),
	})
}

func (h *handlers) image(w http.ResponseWriter, r *http.Request) {
	payload, err := h.svc.QRCode(r.Context(), chi.URLParam(r, "secret"))
	if err != nil {
		writeError(w, err)
		return
	}
	png, err := payload.PNG()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// scanRequest carries what the mobile app scanned: the full scan URL or,
// when URLs are unsigned, the bare secret.
type scanRequest struct {
	Payload string `json:"payload"`
}

type resultResponse struct {
	OK    bool   `json:"ok"`
	State string `json:"state"`
}

func (h *handlers) decodeScan(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Payload == "" {
		writeError(w, core.ErrInvalidRequest)
		return "", false
	}
	secret, err := h.svc.ResolveScan(req.Payload)
	if err != nil {
		writeError(w, err)
		return "", false
	}
	return secret, true
}

func (h *handlers) claim(w http.ResponseWriter, r *http.Request) {
	secret, ok := h.decodeScan(w, r)
	if !ok {
		return
	}
	if err := h.svc.ClaimLogin(r.Context(), secret); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{OK: true, State: core.StateClaimed.String()})
}

func (h *handlers) approve(w http.ResponseWriter, r *http.Request) {
	secret, ok := h.decodeScan(w, r)
	if !ok {
		return
	}
	if err := h.svc.ApproveLogin(r.Context(), secret, userIDFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{OK: true, State: core.StateConsumed.String()})
}

func (h *handlers) confirm(w http.ResponseWriter, r *http.Request) {
	secret, ok := h.decodeScan(w, r)
	if !ok {
		return
	}
	if err := h.svc.ConfirmLogin(r.Context(), secret, userIDFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{OK: true, State: core.StateConsumed.String()})
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	secret, ok := h.decodeScan(w, r)
	if !ok {
		return
	}
	if err := h.svc.CancelLogin(r.Context(), secret); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{OK: true, State: core.StateCancelled.String()})
}

func (h *handlers) metricsSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func statusFor(kind core.ErrorKind) int {
	switch kind {
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindExpired:
		return http.StatusGone
	case core.KindInvalidState, core.KindAlreadyClaimed:
		return http.StatusConflict
	case core.KindRateLimited:
		return http.StatusTooManyRequests
	case core.KindFeatureDisabled:
		return http.StatusServiceUnavailable
	case core.KindInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := core.KindOf(err)
	if kind == core.KindUnknown {
		kind = core.KindStorage
	}
	body := errorBody{Error: errorDetail{Code: kind.String(), Message: kind.String()}}
	var e *core.Error
	if errors.As(err, &e) {
		if e.Message != "" {
			body.Error.Message = e.Message
		}
		body.Error.Details = e.Details
	}
	writeJSON(w, statusFor(kind), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
