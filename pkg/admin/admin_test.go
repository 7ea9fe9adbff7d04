package admin

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

	ws "github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getmockd/wsecho/pkg/config"
	"github.com/getmockd/wsecho/pkg/metrics"
	"github.com/getmockd/wsecho/pkg/websocket"
)

type fakeBackend struct {
	sessions []websocket.ConnectionInfo
	sent     []string
	err      error
}

func (f *fakeBackend) Sessions() []websocket.ConnectionInfo { return f.sessions }

func (f *fakeBackend) Broadcast(text string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.sent = append(f.sent, text)
	return len(f.sessions), nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

func TestHealth(t *testing.T) {
	b := &fakeBackend{sessions: []websocket.ConnectionInfo{{Handle: "conn-1"}}}
	rec := do(t, New(b).Handler(), http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Len(t, rec.Header().Get(RequestIDHeader), 16)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Sessions)
}

func TestListSessions(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		rec := do(t, New(&fakeBackend{}).Handler(), http.MethodGet, "/sessions", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"sessions":[],"count":0}`, rec.Body.String())
	})

	t.Run("populated", func(t *testing.T) {
		b := &fakeBackend{sessions: []websocket.ConnectionInfo{
			{Handle: "conn-a", State: "upgraded", MessagesSent: 3},
			{Handle: "conn-b", State: "upgraded"},
		}}
		rec := do(t, New(b).Handler(), http.MethodGet, "/sessions", "")

		var resp SessionsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Count)
		assert.Equal(t, "conn-a", resp.Sessions[0].Handle)
		assert.Equal(t, int64(3), resp.Sessions[0].MessagesSent)
	})
}

func TestBroadcast(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		backendErr error
		wantStatus int
		wantError  string
	}{
		{"ok", `{"message":"hello"}`, nil, http.StatusOK, ""},
		{"invalid json", `{"message":`, nil, http.StatusBadRequest, "invalid_json"},
		{"unknown field", `{"msg":"x"}`, nil, http.StatusBadRequest, "invalid_json"},
		{"empty message", `{"message":""}`, nil, http.StatusBadRequest, "validation_error"},
		{"too large", `{"message":"` + strings.Repeat("x", 200) + `"}`, nil, http.StatusRequestEntityTooLarge, "too_large"},
		{"not running", `{"message":"x"}`, websocket.ErrServerNotRunning, http.StatusServiceUnavailable, "not_running"},
		{"backend failure", `{"message":"x"}`, errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBackend{
				sessions: []websocket.ConnectionInfo{{Handle: "conn-1"}, {Handle: "conn-2"}},
				err:      tt.backendErr,
			}
			rec := do(t, New(b, WithMaxBroadcastSize(128)).Handler(), http.MethodPost, "/broadcast", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())

			if tt.wantError != "" {
				var resp ErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, tt.wantError, resp.Error)
				return
			}
			var resp BroadcastResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, 2, resp.Sent)
			assert.Equal(t, []string{"hello"}, b.sent)
		})
	}
}

func TestRequestIDPassthrough(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "abc123")
	rec := httptest.NewRecorder()
	New(&fakeBackend{}).Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc123", rec.Header().Get(RequestIDHeader))
}

func TestRoutes(t *testing.T) {
	h := New(&fakeBackend{}).Handler()

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/metrics", "").Code, "metrics need WithMetrics")
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/broadcast", "").Code)

	reg := metrics.NewRegistry()
	_ = reg.NewCounter("probe_total", "Probe").Inc()
	rec := do(t, New(&fakeBackend{}, WithMetrics(reg)).Handler(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "probe_total 1")
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestAdminOnServer(t *testing.T) {
	reg := metrics.NewRegistry()
	m := metrics.NewServerMetrics(reg)

	cfg := config.DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.MetricsPort = freePort(t)

	srv := websocket.NewServer(cfg,
		websocket.WithMetrics(m),
		websocket.WithAdmin(func(s *websocket.Server) http.Handler {
			return New(s, WithMetrics(reg)).Handler()
		}),
	)
	require.NoError(t, srv.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	}()
	require.NotNil(t, srv.AdminAddr())
	base := "http://" + srv.AdminAddr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := ws.Dial(ctx, "ws://"+srv.Addr().String()+"/", nil)
	require.NoError(t, err)
	defer c.CloseNow()
	require.NoError(t, c.Write(ctx, ws.MessageText, []byte("hi")))
	_, _, err = c.Read(ctx)
	require.NoError(t, err)

	resp, err := http.Get(base + "/sessions")
	require.NoError(t, err)
	var sessions SessionsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	_ = resp.Body.Close()
	require.Equal(t, 1, sessions.Count)
	assert.Equal(t, "upgraded", sessions.Sessions[0].State)

	resp, err = http.Post(base+"/broadcast", "application/json", strings.NewReader(`{"message":"news"}`))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "news", string(data))

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "wsecho_sessions_active 1")
	assert.Contains(t, string(body), fmt.Sprintf(`wsecho_upgrades_total{result=%q} 1`, metrics.UpgradeOK))
}
