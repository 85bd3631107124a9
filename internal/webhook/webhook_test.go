package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metyatech/agent-runner/internal/config"
	"github.com/metyatech/agent-runner/internal/store"
)

const testSecret = "test-webhook-secret"

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature_Valid(t *testing.T) {
	body := []byte(`{"action":"closed"}`)
	assert.True(t, verifySignature("mysecret", body, sign("mysecret", body)))
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	body := []byte(`{"action":"closed"}`)
	assert.False(t, verifySignature("correct-secret", body, sign("wrong-secret", body)))
}

func TestVerifySignature_TamperedBody(t *testing.T) {
	body := []byte(`{"action":"closed"}`)
	sig := sign("mysecret", body)
	assert.False(t, verifySignature("mysecret", []byte(`{"action":"opened"}`), sig))
}

func TestVerifySignature_EmptySignature(t *testing.T) {
	assert.False(t, verifySignature("secret", []byte("body"), ""))
}

func TestVerifySignature_MalformedPrefix(t *testing.T) {
	assert.False(t, verifySignature("secret", []byte("body"), "abcdef1234567890"))
}

func TestVerifySignature_InvalidHex(t *testing.T) {
	assert.False(t, verifySignature("secret", []byte("body"), "sha256=notvalidhex!!"))
}

func newTestServer(t *testing.T, handler Handler) (*Server, *store.State) {
	t.Helper()
	dir := t.TempDir()
	state := store.Open(dir)
	cfg := config.WebhookConfig{Path: "/webhooks/github", Secret: testSecret, MaxPayloadBytes: 1 << 20}
	return New(cfg, state, handler, nil), state
}

func TestHandle_InvalidSignature(t *testing.T) {
	s, _ := newTestServer(t, func(string, string, []byte) error { return nil })

	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256="+"00")
	rr := httptest.NewRecorder()

	s.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestHandle_ValidSignatureDispatches(t *testing.T) {
	var gotEvent, gotDelivery string
	var gotBody []byte
	s, _ := newTestServer(t, func(event, delivery string, payload []byte) error {
		gotEvent, gotDelivery, gotBody = event, delivery, payload
		return nil
	})

	body, err := json.Marshal(map[string]string{"action": "opened"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(testSecret, body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	rr := httptest.NewRecorder()

	s.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "pull_request", gotEvent)
	assert.Equal(t, "delivery-1", gotDelivery)
	assert.Equal(t, body, gotBody)
}

func TestHandle_DuplicateDeliverySkipsHandler(t *testing.T) {
	calls := 0
	s, _ := newTestServer(t, func(string, string, []byte) error {
		calls++
		return nil
	})

	body := []byte(`{"action":"opened"}`)
	sig := sign(testSecret, body)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
		req.Header.Set("X-Hub-Signature-256", sig)
		req.Header.Set("X-GitHub-Event", "pull_request")
		req.Header.Set("X-GitHub-Delivery", "dup-1")
		rr := httptest.NewRecorder()
		s.Router().ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	}

	assert.Equal(t, 1, calls)
}

func TestHandle_HandlerErrorReturns500(t *testing.T) {
	s, _ := newTestServer(t, func(string, string, []byte) error {
		return errors.New("boom")
	})

	body := []byte(`{"action":"opened"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(testSecret, body))
	req.Header.Set("X-GitHub-Event", "pull_request")
	req.Header.Set("X-GitHub-Delivery", "delivery-err")
	rr := httptest.NewRecorder()

	s.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
