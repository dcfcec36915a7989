package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/device-manager/internal/infrastructure/config"
	"github.com/nerrad567/device-manager/internal/infrastructure/logging"
)

type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

var (
	healthy = checkFunc(func(context.Context) error { return nil })
	broken  = checkFunc(func(context.Context) error { return errors.New("connection refused") })
)

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stderr"}, "test")
}

func newTestServer(t *testing.T, checks []Check, metrics http.Handler) *Server {
	t.Helper()
	s, err := New(Deps{
		Config:  config.APIConfig{Host: "127.0.0.1", Port: 0},
		Logger:  testLogger(),
		Checks:  checks,
		Metrics: metrics,
		Version: "1.2.3",
	})
	require.NoError(t, err)
	return s
}

func getHealth(t *testing.T, s *Server) (int, HealthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err, "logger is required")

	_, err = New(Deps{Logger: testLogger(), Checks: []Check{{Name: "db"}}})
	assert.Error(t, err, "checker is required")
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name       string
		checks     []Check
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no dependencies",
			wantCode:   http.StatusOK,
			wantStatus: healthOK,
			wantChecks: map[string]string{},
		},
		{
			name:       "all healthy",
			checks:     []Check{{Name: "database", Checker: healthy}, {Name: "events", Checker: healthy}},
			wantCode:   http.StatusOK,
			wantStatus: healthOK,
			wantChecks: map[string]string{"database": "ok", "events": "ok"},
		},
		{
			name:       "required check down",
			checks:     []Check{{Name: "database", Checker: broken}, {Name: "events", Checker: healthy}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: healthDown,
			wantChecks: map[string]string{"database": "connection refused", "events": "ok"},
		},
		{
			name:       "optional check down",
			checks:     []Check{{Name: "database", Checker: healthy}, {Name: "history", Checker: broken, Optional: true}},
			wantCode:   http.StatusOK,
			wantStatus: healthDegraded,
			wantChecks: map[string]string{"database": "ok", "history": "connection refused"},
		},
		{
			name: "required wins over optional",
			checks: []Check{
				{Name: "history", Checker: broken, Optional: true},
				{Name: "database", Checker: broken},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: healthDown,
			wantChecks: map[string]string{"database": "connection refused", "history": "connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := getHealth(t, newTestServer(t, tt.checks, nil))
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.Equal(t, "1.2.3", body.Version)
			assert.Equal(t, tt.wantChecks, body.Checks)
		})
	}
}

func TestHealthz_ChecksHaveDeadline(t *testing.T) {
	var hadDeadline bool
	deadlineCheck := checkFunc(func(ctx context.Context) error {
		_, hadDeadline = ctx.Deadline()
		return nil
	})

	getHealth(t, newTestServer(t, []Check{{Name: "database", Checker: deadlineCheck}}, nil))
	assert.True(t, hadDeadline)
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "devicemanager_up 1\n")
	})

	t.Run("mounted", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newTestServer(t, nil, metrics).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "devicemanager_up 1\n", rec.Body.String())
	})

	t.Run("absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newTestServer(t, nil, nil).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRouting(t *testing.T) {
	h := newTestServer(t, nil, nil).Handler()

	t.Run("unknown path", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)

		var body Error
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, ErrCodeNotFound, body.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("request id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-Request-ID", "trace-42")
		h.ServeHTTP(rec, req)
		assert.Equal(t, "trace-42", rec.Header().Get("X-Request-ID"))

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Len(t, rec.Header().Get("X-Request-ID"), requestIDBytes*2)
	})
}

func TestRecovery(t *testing.T) {
	s := newTestServer(t, nil, nil)
	h := s.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStartClose(t *testing.T) {
	s := newTestServer(t, []Check{{Name: "database", Checker: healthy}}, nil)
	assert.Empty(t, s.Addr())

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start")

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Empty(t, s.Addr())
}
