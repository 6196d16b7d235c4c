package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scholar-harvester/internal/config"
	"github.com/JakeFAU/scholar-harvester/internal/harvest"
	"github.com/JakeFAU/scholar-harvester/internal/policy/ratelimit"
)

// --- helpers/fakes ---

type fakeHarvester struct {
	mu     sync.Mutex
	calls  []string
	params []harvest.Params
	run    harvest.RunLog
	err    error
}

func (f *fakeHarvester) Run(_ context.Context, key string, params harvest.Params) (harvest.RunLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	f.params = append(f.params, params)
	return f.run, f.err
}

type fakeCatalog []harvest.SourceConfig

func (c fakeCatalog) Sources() []harvest.SourceConfig { return c }

type fakeRuns struct {
	runs map[int64]harvest.RunLog
	err  error
}

func (f *fakeRuns) GetRun(_ context.Context, id int64) (harvest.RunLog, error) {
	if f.err != nil {
		return harvest.RunLog{}, f.err
	}
	run, ok := f.runs[id]
	if !ok {
		return harvest.RunLog{}, harvest.ErrNotFound
	}
	return run, nil
}

func (f *fakeRuns) ListRuns(_ context.Context, adapter string, limit int) ([]harvest.RunLog, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []harvest.RunLog
	for _, run := range f.runs {
		if adapter == "" || run.Adapter == adapter {
			out = append(out, run)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeRobots struct {
	decisions   map[string]harvest.RobotsDecision
	invalidated []string
	refreshErr  error
}

func (f *fakeRobots) Lookup(_ context.Context, rawURL string) (harvest.RobotsDecision, bool, error) {
	d, ok := f.decisions[rawURL]
	return d, ok, nil
}

func (f *fakeRobots) Refresh(_ context.Context, rawURL string) (harvest.RobotsDecision, error) {
	if f.refreshErr != nil {
		return harvest.RobotsDecision{}, f.refreshErr
	}
	d := harvest.RobotsDecision{URL: rawURL, Allowed: true, Reason: "allowed by robots.txt"}
	f.decisions[rawURL] = d
	return d, nil
}

func (f *fakeRobots) Invalidate(_ context.Context, rawURL string) error {
	f.invalidated = append(f.invalidated, rawURL)
	delete(f.decisions, rawURL)
	return nil
}

type testEnv struct {
	harvester *fakeHarvester
	runs      *fakeRuns
	robots    *fakeRobots
	server    *Server
}

func newTestEnv(t *testing.T, cfg config.Config, admission Admission) *testEnv {
	t.Helper()
	env := &testEnv{
		harvester: &fakeHarvester{},
		runs:      &fakeRuns{runs: map[int64]harvest.RunLog{}},
		robots:    &fakeRobots{decisions: map[string]harvest.RobotsDecision{}},
	}
	env.server = NewServer(Deps{
		Harvester: env.harvester,
		Catalog: fakeCatalog{{
			Key: "ipeds", Name: "IPEDS", BaseURL: "https://nces.ed.gov/ipeds/",
			Throttle: 2 * time.Second, AllowedMIME: []string{"application/json"},
		}},
		Runs:      env.runs,
		Robots:    env.robots,
		Admission: admission,
	}, cfg, zap.NewNop())
	return env
}

func (e *testEnv) do(method, target string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/readyz", nil).Code)

	rec := env.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ReadyzReportsDependencyFailure(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Ready: func(context.Context) error { return errors.New("db unreachable") }}, config.Config{}, nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "db unreachable")
}

func TestServer_ListAdapters(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	rec := env.do(http.MethodGet, "/v1/adapters", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Adapters []adapterView `json:"adapters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Adapters, 1)
	assert.Equal(t, "ipeds", body.Adapters[0].Key)
	assert.InDelta(t, 2.0, body.Adapters[0].ThrottleSeconds, 1e-9)
}

func TestServer_SubmitHarvest_Succeeds(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	datasetID := int64(4)
	env.harvester.run = harvest.RunLog{ID: 9, Adapter: "ipeds", Status: harvest.RunStatusCompleted, NewRecords: 6, DatasetID: &datasetID}

	rec := env.do(http.MethodPost, "/v1/harvests", []byte(`{"adapter":"ipeds","params":{"since":"2024"}}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"ipeds"}, env.harvester.calls)
	assert.Equal(t, "2024", env.harvester.params[0]["since"])

	run, ok := decode(t, rec)["run"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "completed", run["status"])
	assert.InDelta(t, 6, run["new_records"], 1e-9)
}

func TestServer_SubmitHarvest_BadRequests(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	require.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/v1/harvests", []byte("{invalid")).Code)
	require.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/v1/harvests", []byte(`{"adapter":"  "}`)).Code)
	assert.Empty(t, env.harvester.calls)
}

func TestServer_SubmitHarvest_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
		kind string
	}{
		{"unknown adapter", harvest.Wrap(harvest.ErrUnknownAdapter, "nope"), http.StatusNotFound, "unknown_adapter"},
		{"policy violation", harvest.Wrap(harvest.ErrPolicyViolation, "assist.org"), http.StatusForbidden, "policy_violation"},
		{"permission denied", harvest.Wrap(harvest.ErrPermissionDenied, "robots"), http.StatusForbidden, "permission_denied"},
		{"validation", harvest.Wrap(harvest.ErrValidationFailed, "citations"), http.StatusUnprocessableEntity, "validation_failed"},
		{"harvest", harvest.Wrap(harvest.ErrHarvestFailed, "upstream"), http.StatusBadGateway, "harvest_failed"},
		{"persistence", harvest.Wrap(harvest.ErrPersistenceFailed, "db"), http.StatusInternalServerError, "persistence_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, config.Config{}, nil)
			env.harvester.err = tt.err
			env.harvester.run = harvest.RunLog{ID: 3, Status: harvest.RunStatusFailed, Message: tt.err.Error()}

			rec := env.do(http.MethodPost, "/v1/harvests", []byte(`{"adapter":"ipeds"}`))
			require.Equal(t, tt.want, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, tt.kind, body["kind"])
			assert.Contains(t, body, "run")
		})
	}
}

func TestServer_SubmitHarvest_AdmissionLimited(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.Config{PerMinute: 1, DefaultBurst: 1})
	env := newTestEnv(t, config.Config{}, limiter)
	env.harvester.run = harvest.RunLog{ID: 1, Status: harvest.RunStatusCompleted}

	require.Equal(t, http.StatusCreated, env.do(http.MethodPost, "/v1/harvests", []byte(`{"adapter":"ipeds"}`)).Code)
	rec := env.do(http.MethodPost, "/v1/harvests", []byte(`{"adapter":"ipeds"}`))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Len(t, env.harvester.calls, 1)
}

func TestServer_GetRun(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	env.runs.runs[5] = harvest.RunLog{ID: 5, Adapter: "ipeds", Status: harvest.RunStatusFailed, Message: "robots denied"}

	rec := env.do(http.MethodGet, "/v1/runs/5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "robots denied")

	require.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/v1/runs/6", nil).Code)
	require.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/v1/runs/abc", nil).Code)
}

func TestServer_ListRuns(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	env.runs.runs[1] = harvest.RunLog{ID: 1, Adapter: "ipeds"}
	env.runs.runs[2] = harvest.RunLog{ID: 2, Adapter: "cccco_html"}

	rec := env.do(http.MethodGet, "/v1/runs?adapter=ipeds", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs, ok := decode(t, rec)["runs"].([]any)
	require.True(t, ok)
	assert.Len(t, runs, 1)

	require.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/v1/runs?limit=0", nil).Code)

	env.runs.err = errors.New("db down")
	require.Equal(t, http.StatusInternalServerError, env.do(http.MethodGet, "/v1/runs", nil).Code)
}

func TestServer_RobotsReview(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	target := "https://nces.ed.gov/ipeds/"

	require.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/v1/robots", nil).Code)
	require.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/v1/robots?url="+target, nil).Code)

	rec := env.do(http.MethodGet, "/v1/robots?refresh=true&url="+target, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "allowed by robots.txt")

	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/v1/robots?url="+target, nil).Code)

	require.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/v1/robots?url="+target, nil).Code)
	assert.Equal(t, []string{target}, env.robots.invalidated)
	require.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/v1/robots?url="+target, nil).Code)
}

func TestServer_RobotsRefreshBlocked(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	env.robots.refreshErr = harvest.Wrap(harvest.ErrPolicyViolation, "host assist.org is blocklisted")
	rec := env.do(http.MethodGet, "/v1/robots?refresh=1&url=https://assist.org/", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "policy_violation", decode(t, rec)["kind"])
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}, nil)

	require.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/v1/adapters", nil).Code)
	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/v1/adapters?api_key=secret", nil).Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/adapters", nil)
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/v1/adapters?api_key=secreT", nil).Code)
	require.Equal(t, http.StatusForbidden, env.do(http.MethodGet, "/v1/adapters?api_key=secret-extra", nil).Code)

	require.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", nil).Code, "health checks stay open")
}

func (e *testEnv) submitAs(remoteAddr, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/harvests", bytes.NewReader([]byte(`{"adapter":"ipeds"}`)))
	req.RemoteAddr = remoteAddr
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_AdmissionIgnoresUnauthenticatedKeys(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.Config{PerMinute: 1, DefaultBurst: 1})
	env := newTestEnv(t, config.Config{}, limiter)
	env.harvester.run = harvest.RunLog{ID: 1, Status: harvest.RunStatusCompleted}

	require.Equal(t, http.StatusCreated, env.submitAs("198.51.100.7:4100", "first").Code)
	rec := env.submitAs("198.51.100.7:4101", "second")
	require.Equal(t, http.StatusTooManyRequests, rec.Code, "a fresh header must not buy a fresh budget")
	require.Equal(t, http.StatusCreated, env.submitAs("198.51.100.8:4100", "").Code, "other addresses keep their own budget")
	assert.Len(t, env.harvester.calls, 2)
}

func TestServer_AdmissionKeysAuthenticatedClients(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.Config{PerMinute: 1, DefaultBurst: 1})
	env := newTestEnv(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}, limiter)
	env.harvester.run = harvest.RunLog{ID: 1, Status: harvest.RunStatusCompleted}

	require.Equal(t, http.StatusCreated, env.submitAs("198.51.100.7:4100", "secret").Code)
	require.Equal(t, http.StatusTooManyRequests, env.submitAs("198.51.100.9:4100", "secret").Code,
		"the key shares one budget across addresses")
	require.Equal(t, http.StatusForbidden, env.submitAs("198.51.100.9:4100", "guess").Code)
}

func TestClientKey(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/v1/harvests", nil)
	req.RemoteAddr = "203.0.113.5:5555"
	req.Header.Set("X-API-Key", "spoofed")
	assert.Equal(t, "203.0.113.5", clientKey(req))

	authed := req.WithContext(context.WithValue(req.Context(), authenticatedKey{}, "secret"))
	assert.Equal(t, "key:secret", clientKey(authed))

	req.RemoteAddr = "not-a-host-port"
	assert.Equal(t, "not-a-host-port", clientKey(req))
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, config.Config{}, nil)
	rec := env.do(http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{}, config.Config{}, zap.NewNop())
	handler := server.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	server net.Conn
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return h.server, bufio.NewReadWriter(bufio.NewReader(h.server), bufio.NewWriter(h.server)), nil
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	plain := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := plain.Hijack()
	require.Error(t, err)

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		_ = serverConn.Close()
		_ = clientConn.Close()
	})
	rw := &responseWriter{ResponseWriter: &hijackableRecorder{
		ResponseRecorder: httptest.NewRecorder(),
		server:           serverConn,
		client:           clientConn,
	}}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.NotNil(t, buf)
}

func TestStatusForContextErrors(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(context.Canceled))
	assert.Equal(t, http.StatusNotFound, statusFor(harvest.ErrNotFound))
}
