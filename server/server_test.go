package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/quorum"
	"github.com/hupe1980/quorum/consensus"
	"github.com/hupe1980/quorum/core"
	"github.com/hupe1980/quorum/engine"
	"github.com/hupe1980/quorum/model"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	q *quorum.Quorum
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()

	registry := model.NewRegistry(nil)
	registry.Register(model.Key{Kind: "alpha"}, model.NewMock("alpha", model.WithReply("Book the demo for Tuesday")))
	registry.Register(model.Key{Kind: "beta"}, model.NewMock("beta", model.WithReply("Book the demo for Tuesday")))
	registry.Register(model.Key{Kind: "slow"}, model.NewMock("slow", model.WithDelay(time.Minute)))

	base := consensus.DefaultConfig()
	base.Models = []string{"alpha", "beta"}

	timeouts := map[core.Priority]time.Duration{
		core.PriorityUrgent: time.Minute,
		core.PriorityHigh:   time.Minute,
		core.PriorityNormal: time.Minute,
	}
	q := quorum.New(func(o *quorum.Options) {
		o.Registry = registry
		o.Consensus = base
		o.Engine = engine.Config{Timeouts: timeouts, PerCallTimeout: time.Minute, MaxFallbackAttempts: 1}
	})

	handler, err := New(Config{Service: q, Auth: auth})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		_ = q.Shutdown(context.Background())
	})
	return &testServer{Server: srv, q: q}
}

func anonymous() AuthConfig { return AuthConfig{AllowAnonymous: true} }

func token(t *testing.T, subject, tenant string) string {
	t.Helper()
	tok, err := SignToken(testSecret, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: tenant,
	})
	require.NoError(t, err)
	return tok
}

func doJSON(t *testing.T, method, url string, body any, bearer string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func (s *testServer) url(p string) string { return s.URL + DefaultBasePath + p }

func (s *testServer) submit(t *testing.T, body map[string]any, bearer string) core.SubmitReceipt {
	t.Helper()
	res, data := doJSON(t, http.MethodPost, s.url("/submit"), body, bearer)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	var receipt core.SubmitReceipt
	require.NoError(t, json.Unmarshal(data, &receipt))
	return receipt
}

func (s *testServer) await(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.q.AwaitTerminal(ctx, id)
	require.NoError(t, err)
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func TestSubmitAndStatus(t *testing.T) {
	srv := newTestServer(t, anonymous())

	receipt := srv.submit(t, map[string]any{
		"prompt":       "When should we book the demo?",
		"strategy":     "majority",
		"priority":     "urgent",
		"requester_id": "alice",
	}, "")
	assert.Equal(t, core.StatusPending, receipt.Status)
	assert.GreaterOrEqual(t, receipt.QueuePosition, 1)
	assert.Contains(t, receipt.Message, receipt.RequestID)

	srv.await(t, receipt.RequestID)

	for _, p := range []string{"/status/", "/result/"} {
		res, data := doJSON(t, http.MethodGet, srv.url(p+receipt.RequestID), nil, "")
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))

		var view core.StatusView
		require.NoError(t, json.Unmarshal(data, &view))
		assert.Equal(t, core.StatusCompleted, view.Status)
		assert.Equal(t, "Book the demo for Tuesday", view.Response)
		assert.ElementsMatch(t, []string{"alpha", "beta"}, view.ParticipatingModels)
		require.NotNil(t, view.CompletedAt)
	}
}

func TestSubmitValidation(t *testing.T) {
	srv := newTestServer(t, anonymous())

	res, data := doJSON(t, http.MethodPost, srv.url("/submit"), map[string]any{"prompt": "   "}, "")
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "validation_failed", env.Error.Code)
	assert.Equal(t, "prompt", env.Error.Details["field"])

	res, data = doJSON(t, http.MethodPost, srv.url("/submit"), map[string]any{"prompt": "x", "strategy": "loudest"}, "")
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodPost, srv.url("/submit"), map[string]any{"prompt": "x", "callback_url": "ftp://example.com"}, "")
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "callback_url", decodeError(t, data).Error.Details["field"])
}

func TestStatusNotFound(t *testing.T) {
	srv := newTestServer(t, anonymous())

	res, data := doJSON(t, http.MethodGet, srv.url("/status/missing"), nil, "")
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", decodeError(t, data).Error.Code)
}

func TestAuthentication(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})

	res, data := doJSON(t, http.MethodGet, srv.url("/queue/status"), nil, "")
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Error.Code)

	res, data = doJSON(t, http.MethodGet, srv.url("/queue/status"), nil, "not-a-jwt")
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Error.Code)

	wrong, err := SignToken("other-secret", Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "mallory"}})
	require.NoError(t, err)
	res, _ = doJSON(t, http.MethodGet, srv.url("/queue/status"), nil, wrong)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, http.MethodGet, srv.url("/queue/status"), nil, token(t, "alice", ""))
	require.Equal(t, http.StatusOK, res.StatusCode)

	res, data = doJSON(t, http.MethodGet, srv.url("/health"), nil, "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, []string{"alpha", "beta"}, health.AvailableModels)
	assert.Equal(t, 2, health.ModelCount)
}

func TestOwnership(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: testSecret})
	alice := token(t, "alice", "acme")
	bob := token(t, "bob", "globex")
	carol := token(t, "carol", "acme")

	receipt := srv.submit(t, map[string]any{
		"prompt":       "Summarize the call",
		"config":       map[string]any{"models": []string{"slow"}},
		"requester_id": "ignored",
	}, alice)

	req, err := srv.q.Get(context.Background(), receipt.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "alice", req.RequesterID)
	assert.Equal(t, "acme", req.TenantID)

	res, _ := doJSON(t, http.MethodGet, srv.url("/status/"+receipt.RequestID), nil, bob)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, _ = doJSON(t, http.MethodGet, srv.url("/status/"+receipt.RequestID), nil, carol)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, _ = doJSON(t, http.MethodDelete, srv.url("/cancel/"+receipt.RequestID), nil, carol)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data := doJSON(t, http.MethodGet, srv.url("/history"), nil, bob)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `[]`, string(data))

	res, data = doJSON(t, http.MethodGet, srv.url("/history"), nil, alice)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var views []core.StatusView
	require.NoError(t, json.Unmarshal(data, &views))
	require.Len(t, views, 1)
	assert.Equal(t, receipt.RequestID, views[0].RequestID)

	res, _ = doJSON(t, http.MethodDelete, srv.url("/cancel/"+receipt.RequestID), nil, alice)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestCancel(t *testing.T) {
	srv := newTestServer(t, anonymous())

	receipt := srv.submit(t, map[string]any{
		"prompt": "Draft a reply",
		"config": map[string]any{"models": []string{"slow"}},
	}, "")

	res, data := doJSON(t, http.MethodDelete, srv.url("/cancel/"+receipt.RequestID), nil, "")
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var msg MessageResponse
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Contains(t, msg.Message, "cancelled successfully")

	srv.await(t, receipt.RequestID)

	res, data = doJSON(t, http.MethodDelete, srv.url("/cancel/"+receipt.RequestID), nil, "")
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "invalid_state", decodeError(t, data).Error.Code)

	res, _ = doJSON(t, http.MethodDelete, srv.url("/cancel/missing"), nil, "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = doJSON(t, http.MethodGet, srv.url("/queue/status"), nil, "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var stats core.QueueStats
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, 1, stats.Cancelled)
}

func TestHistoryAnonymous(t *testing.T) {
	srv := newTestServer(t, anonymous())

	res, _ := doJSON(t, http.MethodGet, srv.url("/history"), nil, "")
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, http.MethodGet, srv.url("/history?requester_id=dave&status=bogus"), nil, "")
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, data := doJSON(t, http.MethodGet, srv.url("/history?requester_id=dave"), nil, "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `[]`, string(data))
}

func TestEvents(t *testing.T) {
	srv := newTestServer(t, anonymous())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.url("/events?requester_id=erin"), nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/event-stream")

	lines := bufio.NewScanner(res.Body)
	next := func() (string, string) {
		var event, data string
		for lines.Scan() {
			line := lines.Text()
			switch {
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case line == "" && data != "":
				return event, data
			}
		}
		return "", ""
	}

	event, _ := next()
	require.Equal(t, "ready", event)

	srv.submit(t, map[string]any{"prompt": "Say hi", "requester_id": "erin", "priority": "urgent"}, "")

	var types []core.EventType
	for {
		event, data := next()
		require.Equal(t, "notification", event, "stream ended early")
		var ev core.NotificationEvent
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		assert.Equal(t, "erin", ev.RecipientID)
		types = append(types, ev.Type)
		if ev.Type == core.EventCompleted || ev.Type == core.EventFailed {
			break
		}
	}
	assert.Equal(t, core.EventQueued, types[0])
	assert.Equal(t, core.EventCompleted, types[len(types)-1])
}
