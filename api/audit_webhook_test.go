package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhook_SuccessfulDelivery(t *testing.T) {
	var received webhookEvent
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newAuditWebhook(srv.URL, "")
	wh.enqueue(webhookEvent{
		Event:      string(AuditLockIssued),
		Username:   "alice",
		RemoteAddr: "127.0.0.1:1234",
		Timestamp:  "2026-01-01T00:00:00Z",
		Attrs:      map[string]string{"authname": "laptop"},
	})
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "lock_issued", received.Event)
	assert.Equal(t, "alice", received.Username)
	assert.Equal(t, "127.0.0.1:1234", received.RemoteAddr)
	assert.Equal(t, "laptop", received.Attrs["authname"])
}

func TestWebhook_RetryOn500(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newAuditWebhook(srv.URL, "")
	wh.enqueue(webhookEvent{Event: "test_event", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	assert.Equal(t, int32(2), attempts.Load(), "should have retried once after 500")
}

func TestWebhook_NoRetryOn400(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := newAuditWebhook(srv.URL, "")
	wh.enqueue(webhookEvent{Event: "test_event", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	assert.Equal(t, int32(1), attempts.Load(), "should not retry on 4xx")
}

func TestWebhook_Headers(t *testing.T) {
	var gotAuth, gotContentType string
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newAuditWebhook(srv.URL, "Authorization: Bearer my-token-123")
	wh.enqueue(webhookEvent{Event: "test_event", Timestamp: "2026-01-01T00:00:00Z"})
	wh.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer my-token-123", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
}

func TestWebhook_QueueFullNonBlocking(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()

	wh := &auditWebhook{
		url:    srv.URL,
		client: &http.Client{Timeout: 5 * time.Second},
		events: make(chan webhookEvent, 2),
	}
	wh.wg.Add(1)
	go wh.loop()

	done := make(chan struct{})
	go func() {
		for range 10 {
			wh.enqueue(webhookEvent{Event: "flood", Timestamp: "2026-01-01T00:00:00Z"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}

	close(release)
	wh.close()
}

func TestWebhook_GracefulShutdownDrains(t *testing.T) {
	var count atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := newAuditWebhook(srv.URL, "")
	for range 5 {
		wh.enqueue(webhookEvent{Event: "drain_test", Timestamp: "2026-01-01T00:00:00Z"})
	}
	wh.close()
	wh.close()

	assert.Equal(t, int32(5), count.Load(), "all queued events should be delivered on close")
}

func TestAuditLoggerForwardsToWebhook(t *testing.T) {
	var body []byte
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		body, _ = io.ReadAll(r.Body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	al := newAuditLogger(slog.New(slog.DiscardHandler))
	al.webhook = newAuditWebhook(srv.URL, "")
	var stored []AuditEvent
	al.store = func(username string, event AuditEvent, authName string) error {
		assert.Equal(t, "alice", username)
		assert.Equal(t, "phone", authName)
		stored = append(stored, event)
		return nil
	}

	r := httptest.NewRequest(http.MethodPost, "/accounts/alice/revoke", nil)
	al.logEvent(AuditAuthenticatorRevoked, r, "alice", "phone", slog.String("revoked_by", "laptop"))
	al.webhook.close()

	assert.Equal(t, []AuditEvent{AuditAuthenticatorRevoked}, stored)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, body)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(body, &parsed))
	assert.Equal(t, "authenticator_revoked", parsed["event"])
	assert.Equal(t, "alice", parsed["username"])
	attrs, ok := parsed["attrs"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "phone", attrs["authname"])
	assert.Equal(t, "laptop", attrs["revoked_by"])
}
