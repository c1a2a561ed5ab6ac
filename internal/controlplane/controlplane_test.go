package controlplane

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brennhill/devhostd/internal/logring"
	"github.com/brennhill/devhostd/internal/persistence"
	"github.com/brennhill/devhostd/internal/ports"
	"github.com/brennhill/devhostd/internal/procadapter"
	"github.com/brennhill/devhostd/internal/supervisor"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	return logrus.NewEntry(l)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newTestServerWithDeadline(t, 10*time.Second)
}

func newTestServerWithDeadline(t *testing.T, operationDeadline time.Duration) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	log := testLog()

	sessionStore := persistence.NewSessionStore(dir)
	portStore := persistence.NewPortStore(dir)

	var sup *supervisor.Supervisor
	registry := ports.New(portStore, func(sessionID string) (string, bool) {
		return sup.SessionLookup(sessionID)
	}, log)
	require.NoError(t, registry.Load())

	logs := logring.NewManager(1000, 1<<20, time.Minute, log)
	adapter := procadapter.NewNativeAdapter(log)

	sup = supervisor.New(registry, logs, adapter, sessionStore, 300*time.Millisecond, 2*time.Second, log)

	srv := New(sup, log, 5*time.Second, 15*time.Second, operationDeadline, "test")
	return httptest.NewServer(srv.Router())
}

type envelopeBody struct {
	Result json.RawMessage `json:"result"`
	Error  *envelopeError  `json:"error"`
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, envelopeBody) {
	t.Helper()
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reqBody)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelopeBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, env.Error)

	var h healthView
	require.NoError(t, json.Unmarshal(env.Result, &h))
	assert.True(t, h.OK)
	assert.Equal(t, "test", h.Version)
}

func TestStartStatusListAndStop(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	startBody := map[string]any{
		"name":          "sleeper",
		"command":       []string{"sh", "-c", "sleep 5"},
		"cwd":           t.TempDir(),
		"runtime_class": "generic",
	}
	resp, env := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions", startBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, env.Error)

	var started startResponse
	require.NoError(t, json.Unmarshal(env.Result, &started))
	require.NotEmpty(t, started.SessionID)

	resp, env = doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/"+started.SessionID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, env.Error)

	resp, env = doJSON(t, http.MethodGet, srv.URL+"/v1/sessions", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var list listResponse
	require.NoError(t, json.Unmarshal(env.Result, &list))
	assert.Equal(t, 1, list.Total)

	resp, env = doJSON(t, http.MethodDelete, srv.URL+"/v1/sessions/"+started.SessionID, map[string]any{"force": true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, env.Error)
}

func TestStartMissingCommandIsInvalidParams(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions", map[string]any{
		"cwd": t.TempDir(),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "INVALID_PARAMS", env.Error.Code)
}

func TestStopTimesOutWhenOperationDeadlineElapses(t *testing.T) {
	srv := newTestServerWithDeadline(t, 50*time.Millisecond)
	defer srv.Close()

	startBody := map[string]any{
		"name":          "stubborn",
		"command":       []string{"sh", "-c", "trap '' TERM; sleep 5"},
		"cwd":           t.TempDir(),
		"runtime_class": "generic",
	}
	resp, env := doJSON(t, http.MethodPost, srv.URL+"/v1/sessions", startBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Nil(t, env.Error)

	var started startResponse
	require.NoError(t, json.Unmarshal(env.Result, &started))

	resp, env = doJSON(t, http.MethodDelete, srv.URL+"/v1/sessions/"+started.SessionID, map[string]any{"force": false})
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "TIMEOUT", env.Error.Code)
}

func TestStatusUnknownSessionIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}
