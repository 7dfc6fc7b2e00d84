package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/stupiduntilnot/promptrelay/internal/chat"
	"github.com/stupiduntilnot/promptrelay/internal/config"
	"github.com/stupiduntilnot/promptrelay/internal/control"
	"github.com/stupiduntilnot/promptrelay/internal/dummy"
	"github.com/stupiduntilnot/promptrelay/internal/logging"
	"github.com/stupiduntilnot/promptrelay/internal/metrics"
	"github.com/stupiduntilnot/promptrelay/internal/session"
)

type testEnv struct {
	srv      *httptest.Server
	store    session.Store
	provider *dummy.Provider
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T, script string, store session.Store, opts Options) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, script, store, chat.Config{}, opts)
}

func newTestEnvWithConfig(t *testing.T, script string, store session.Store, cfg chat.Config, opts Options) *testEnv {
	t.Helper()
	provider, err := dummy.NewProvider(script)
	require.NoError(t, err)
	if store == nil {
		store = session.NewMemoryStore(0)
	}
	m := metrics.New(store.Len)
	cfg.Metrics = m
	svc := chat.NewService(logging.Discard(), store, provider, cfg)
	s := New(logging.Discard(), svc, m, opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: ts, store: store, provider: provider, metrics: m}
}

func (e *testEnv) post(t *testing.T, path, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode, decodeBody(t, resp.Body)
}

func decodeBody(t *testing.T, r io.Reader) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(r).Decode(&out))
	return out
}

func TestChat_ReturnsResponseText(t *testing.T) {
	env := newTestEnv(t, "echo", nil, Options{})

	status, body := env.post(t, "/api/chat", `{"session_id":"s1","prompt":"hello"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]any{"response_text": "hello"}, body)

	turns, err := env.store.GetOrCreate(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestChat_PromptRequired(t *testing.T) {
	env := newTestEnv(t, "ok", nil, Options{})

	for _, payload := range []string{`{"prompt":""}`, `{}`, `{"session_id":"s"}`} {
		status, body := env.post(t, "/api/chat", payload)
		assert.Equal(t, http.StatusBadRequest, status, payload)
		assert.Equal(t, map[string]any{"error": "Prompt is required"}, body, payload)
	}
	assert.Empty(t, env.provider.Requests())
}

func TestChat_InvalidJSON(t *testing.T) {
	env := newTestEnv(t, "ok", nil, Options{})

	for _, payload := range []string{`{"prompt":`, ``, `{"prompt":42}`} {
		status, body := env.post(t, "/api/chat", payload)
		assert.Equal(t, http.StatusBadRequest, status, payload)
		assert.Equal(t, map[string]any{"error": "Invalid JSON body"}, body, payload)
	}
}

func TestChat_OmittedSessionIDSharesDefault(t *testing.T) {
	env := newTestEnv(t, "ok", nil, Options{})

	for _, p := range []string{"a", "b"} {
		status, _ := env.post(t, "/api/chat", `{"prompt":"`+p+`"}`)
		require.Equal(t, http.StatusOK, status)
	}
	turns, err := env.store.GetOrCreate(context.Background(), session.DefaultID)
	require.NoError(t, err)
	assert.Len(t, turns, 4)
}

func TestChat_EmptySessionIDIsNotDefault(t *testing.T) {
	env := newTestEnv(t, "ok", nil, Options{})

	status, _ := env.post(t, "/api/chat", `{"prompt":"from-omitted"}`)
	require.Equal(t, http.StatusOK, status)
	status, _ = env.post(t, "/api/chat", `{"session_id":"","prompt":"from-empty-string"}`)
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, 2, env.store.Len())
	turns, err := env.store.GetOrCreate(context.Background(), session.DefaultID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "from-omitted", turns[0].Content)

	turns, err = env.store.GetOrCreate(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "from-empty-string", turns[0].Content)
}

func TestChat_ModelKeyPassedAsGiven(t *testing.T) {
	env := newTestEnv(t, "ok", nil, Options{})

	for _, payload := range []string{
		`{"session_id":"s","prompt":"a"}`,
		`{"session_id":"s","prompt":"b","model":""}`,
		`{"session_id":"s","prompt":"c","model":"other"}`,
	} {
		status, _ := env.post(t, "/api/chat", payload)
		require.Equal(t, http.StatusOK, status, payload)
	}

	reqs := env.provider.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, chat.DefaultChatModel, reqs[0].Model)
	assert.Equal(t, "", reqs[1].Model)
	assert.Equal(t, "other", reqs[2].Model)
}

func TestChat_QueuedRequestGetsFullUpstreamDeadline(t *testing.T) {
	env := newTestEnvWithConfig(t, "sleep:150", nil,
		chat.Config{Policy: control.Policy{UpstreamTimeout: 250 * time.Millisecond}},
		Options{RequestTimeout: 200 * time.Millisecond},
	)

	// The second request waits ~150ms for the session before its own call.
	var g errgroup.Group
	texts := make([]string, 2)
	for i := range texts {
		i := i
		g.Go(func() error {
			status, body := env.post(t, "/api/chat", `{"session_id":"s","prompt":"hi"}`)
			if status != http.StatusOK {
				return fmt.Errorf("status %d: %v", status, body)
			}
			texts[i], _ = body["response_text"].(string)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, []string{"dummy-after-sleep", "dummy-after-sleep"}, texts)

	turns, err := env.store.GetOrCreate(context.Background(), "s")
	require.NoError(t, err)
	require.Len(t, turns, 4)
	for _, turn := range turns {
		assert.False(t, strings.HasPrefix(turn.Content, chat.UpstreamErrorPrefix), turn.Content)
	}
}

func TestChat_UpstreamFailureInlineMode(t *testing.T) {
	env := newTestEnv(t, "err:provider_api", nil, Options{})

	status, body := env.post(t, "/api/chat", `{"session_id":"s","prompt":"hi"}`)
	assert.Equal(t, http.StatusOK, status)
	text, ok := body["response_text"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(text, chat.UpstreamErrorPrefix), text)

	turns, err := env.store.GetOrCreate(context.Background(), "s")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, session.Turn{Role: session.RoleAssistant, Content: text}, turns[1])
}

func TestChat_UpstreamFailureStatusMode(t *testing.T) {
	env := newTestEnv(t, "err:provider_api", nil, Options{ErrorMode: config.ErrorModeStatus})

	status, body := env.post(t, "/api/chat", `{"session_id":"s","prompt":"hi"}`)
	assert.Equal(t, http.StatusBadGateway, status)
	msg, ok := body["error"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(msg, chat.UpstreamErrorPrefix), msg)

	// The diagnostic is still recorded in history.
	turns, err := env.store.GetOrCreate(context.Background(), "s")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, msg, turns[1].Content)
}

func TestPlayground_ReturnsResponse(t *testing.T) {
	env := newTestEnv(t, "msg:done", nil, Options{})

	status, body := env.post(t, "/api/playground", `{"task":"creative-writing","input":"a cat"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]any{"response": "done"}, body)

	reqs := env.provider.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Messages[0].Content, "a cat")
	assert.Equal(t, 0, env.store.Len())
}

func TestPlayground_Validation(t *testing.T) {
	env := newTestEnv(t, "ok", nil, Options{})

	cases := []struct {
		payload string
		want    string
	}{
		{`{"task":"summarize"}`, "Input text is required"},
		{`{"task":"summarize","input":""}`, "Input text is required"},
		{`{"input":"text"}`, "Task type is required"},
		{`{}`, "Input text is required"},
	}
	for _, tc := range cases {
		status, body := env.post(t, "/api/playground", tc.payload)
		assert.Equal(t, http.StatusBadRequest, status, tc.payload)
		assert.Equal(t, map[string]any{"error": tc.want}, body, tc.payload)
	}
	assert.Empty(t, env.provider.Requests())
}

func TestSessions_GetAndDelete(t *testing.T) {
	env := newTestEnv(t, "echo", nil, Options{})

	status, _ := env.post(t, "/api/chat", `{"session_id":"abc","prompt":"hi"}`)
	require.Equal(t, http.StatusOK, status)

	resp, err := http.Get(env.srv.URL + "/api/sessions/abc")
	require.NoError(t, err)
	body := decodeBody(t, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc", body["session_id"])
	assert.Len(t, body["turns"], 2)

	req, err := http.NewRequest(http.MethodDelete, env.srv.URL+"/api/sessions/abc", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(env.srv.URL + "/api/sessions/abc")
	require.NoError(t, err)
	body = decodeBody(t, resp.Body)
	resp.Body.Close()
	assert.Equal(t, []any{}, body["turns"])
}

type failingStore struct {
	session.Store
}

func (failingStore) GetOrCreate(context.Context, string) ([]session.Turn, error) {
	return nil, errors.New("disk on fire")
}

func TestChat_StoreFailureIsInternalError(t *testing.T) {
	env := newTestEnv(t, "ok", failingStore{Store: session.NewMemoryStore(0)}, Options{})

	status, body := env.post(t, "/api/chat", `{"prompt":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, map[string]any{"error": "Internal server error"}, body)
	assert.NotContains(t, body["error"], "disk on fire")
}

func TestCORSHeaders(t *testing.T) {
	env := newTestEnv(t, "ok", nil, Options{AllowedOrigins: []string{"https://app.example"}})

	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodOptions, env.srv.URL+"/api/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, "ok", nil, Options{})
	status, _ := env.post(t, "/api/chat", `{"prompt":"hi"}`)
	require.Equal(t, http.StatusOK, status)

	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "ok"}, decodeBody(t, resp.Body))
	resp.Body.Close()

	resp, err = http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `promptrelay_requests_total{endpoint="chat",outcome="ok"} 1`)
	assert.Contains(t, string(raw), "promptrelay_sessions 1")
}

func TestServerShutdown(t *testing.T) {
	provider, err := dummy.NewProvider("ok")
	require.NoError(t, err)
	svc := chat.NewService(logging.Discard(), session.NewMemoryStore(0), provider, chat.Config{})
	s := New(logging.Discard(), svc, nil, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	g, errctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Start(errctx, "127.0.0.1:0")
	})

	time.Sleep(100 * time.Millisecond)
	cancel()
	require.NoError(t, g.Wait())
}

func TestServerStartOnUsedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	provider, err := dummy.NewProvider("ok")
	require.NoError(t, err)
	svc := chat.NewService(logging.Discard(), session.NewMemoryStore(0), provider, chat.Config{})
	s := New(logging.Discard(), svc, nil, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = s.Start(ctx, ln.Addr().String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start HTTP server")
}
