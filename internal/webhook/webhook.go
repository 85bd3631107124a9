// Package webhook implements the ingress HTTP server: signature
// verification, delivery-ID idempotency, and catch-up scanning.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/logging"
	"github.com/metyatech/agent-runner/internal/store"
)

// Handler dispatches one parsed webhook event.
type Handler func(event string, deliveryID string, payload []byte) error

// Server is the webhook ingress HTTP server.
type Server struct {
	cfg     config.WebhookConfig
	state   *store.State
	handler Handler
	logger  *logging.Logger
}

// New builds a Server routing a single POST path through cfg's
// signature secret and size cap.
func New(cfg config.WebhookConfig, state *store.State, handler Handler, logger *logging.Logger) *Server {
	return &Server{cfg: cfg, state: state, handler: handler, logger: logger}
}

// Router builds the gorilla/mux router for this server: the configured
// webhook path plus a health check.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(s.cfg.Path, s.handle).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

// statusRecorder captures the status code written by the handler so it
// can be logged after the response is sent.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		if s.logger != nil {
			s.logger.WithField("status", rec.status).WithField("path", r.URL.Path).Debug("webhook request handled")
		}
	}()

	if r.Method != http.MethodPost || r.URL.Path != s.cfg.Path {
		rec.WriteHeader(http.StatusNotFound)
		return
	}

	maxBytes := s.cfg.MaxPayloadBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	r.Body = http.MaxBytesReader(rec, r.Body, maxBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		rec.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	secret := s.cfg.WebhookSecret()
	if !verifySignature(secret, body, r.Header.Get("X-Hub-Signature-256")) {
		rec.WriteHeader(http.StatusUnauthorized)
		return
	}

	if !json.Valid(body) {
		rec.WriteHeader(http.StatusBadRequest)
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")

	if s.state != nil && deliveryID != "" {
		already, err := s.state.MarkCommentProcessed("webhook:" + deliveryID)
		if err == nil && already {
			rec.WriteHeader(http.StatusOK)
			return
		}
	}

	if err := s.handler(event, deliveryID, body); err != nil {
		if s.logger != nil {
			s.logger.WithField("event", event).WithField("delivery_id", deliveryID).WithError(err).Error("webhook handler failed")
		}
		rec.WriteHeader(http.StatusInternalServerError)
		return
	}

	rec.WriteHeader(http.StatusOK)
}

// verifySignature implements the HMAC-SHA256 constant-time signature
// check: HMAC-SHA256(secret, raw_body) compared against the
// "sha256=<hex>" header value.
func verifySignature(secret string, body []byte, header string) bool {
	if secret == "" || header == "" {
		return false
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	expectedHex := strings.TrimPrefix(header, prefix)
	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := mac.Sum(nil)

	return hmac.Equal(computed, expected)
}
