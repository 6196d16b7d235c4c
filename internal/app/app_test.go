package app_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scholar-harvester/internal/adapters"
	"github.com/JakeFAU/scholar-harvester/internal/app"
	"github.com/JakeFAU/scholar-harvester/internal/config"
	"github.com/JakeFAU/scholar-harvester/internal/harvest"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// allowRobots answers every robots.txt with an allow-all policy.
var allowRobots = roundTripFunc(func(r *http.Request) (*http.Response, error) {
	status, body := http.StatusNotFound, "not found"
	if r.URL.Path == "/robots.txt" {
		status, body = http.StatusOK, "User-agent: *\nAllow: /\n"
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    r,
	}, nil
})

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	dir := t.TempDir()
	cfg.Storage.Backend = "local"
	cfg.Storage.BaseDir = filepath.Join(dir, "raw")
	cfg.Provenance.Path = filepath.Join(dir, "docs", "DATA_PROVENANCE.md")
	return cfg
}

func build(t *testing.T, cfg config.Config) *app.App {
	t.Helper()
	a, err := app.Build(context.Background(), cfg, app.WithLogger(zap.NewNop()), app.WithTransport(allowRobots))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestBuildRegistersCatalogue(t *testing.T) {
	cfg := testConfig(t)
	a := build(t, cfg)

	keys := a.Registry().Keys()
	assert.Len(t, keys, 10)
	assert.Contains(t, keys, adapters.KeyIPEDS)
	assert.Contains(t, keys, adapters.KeyCCCCOHTML)
	assert.NotNil(t, a.Runner())
	assert.NotNil(t, a.Gate())
	assert.Equal(t, cfg.Server.Port, a.Config().Server.Port)
}

func TestBuildRejectsUnknownStorageBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = "ftp"

	_, err := app.Build(context.Background(), cfg, app.WithLogger(zap.NewNop()))
	require.ErrorContains(t, err, `unsupported storage backend "ftp"`)
}

func TestBuildRequiresLedgerPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.Provenance.Path = ""

	_, err := app.Build(context.Background(), cfg, app.WithLogger(zap.NewNop()))
	require.ErrorContains(t, err, "provenance ledger init failed")
}

func TestHarvestEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	a := build(t, cfg)

	run, err := a.Runner().Run(context.Background(), adapters.KeyUCTransfersMajor, harvest.Params{"year": "2023"})
	require.NoError(t, err)
	assert.Equal(t, harvest.RunStatusCompleted, run.Status)
	assert.Positive(t, run.NewRecords)
	require.NotNil(t, run.DatasetID)

	stored, err := a.Store().GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Status, stored.Status)

	ledger, err := os.ReadFile(cfg.Provenance.Path)
	require.NoError(t, err)
	assert.Contains(t, string(ledger), "# Data Provenance")
	assert.Contains(t, string(ledger), "harvest/"+adapters.KeyUCTransfersMajor)

	snapshots, err := os.ReadDir(filepath.Join(cfg.Storage.BaseDir, cfg.Harvester.SnapshotPrefix, adapters.KeyUCTransfersMajor))
	require.NoError(t, err)
	assert.Len(t, snapshots, 1)
}

func TestHarvestRefusesRedirectToBlocklistedHost(t *testing.T) {
	cfg := testConfig(t)
	var mu sync.Mutex
	var contacted []string
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		mu.Lock()
		contacted = append(contacted, r.URL.Host)
		mu.Unlock()
		if r.URL.Path != "/robots.txt" && r.URL.Hostname() == "nces.ed.gov" {
			return &http.Response{
				StatusCode: http.StatusFound,
				Header:     http.Header{"Location": []string{"https://www.assist.org/transfer.json"}},
				Body:       io.NopCloser(strings.NewReader("")),
				Request:    r,
			}, nil
		}
		return allowRobots(r)
	})
	a, err := app.Build(context.Background(), cfg, app.WithLogger(zap.NewNop()), app.WithTransport(transport))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	run, err := a.Runner().Run(context.Background(), adapters.KeyIPEDS, nil)
	require.ErrorIs(t, err, harvest.ErrHarvestFailed)
	assert.Equal(t, harvest.RunStatusFailed, run.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, contacted, "www.assist.org")
	assert.Contains(t, contacted, "nces.ed.gov")
}

func TestHandlerServesAdaptersAndHarvests(t *testing.T) {
	cfg := testConfig(t)
	a := build(t, cfg)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/v1/adapters")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Adapters []struct {
			Key string `json:"key"`
		} `json:"adapters"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	assert.Len(t, listing.Adapters, 10)

	body := strings.NewReader(`{"adapter":"csu_system_dashboards_freshman","params":{"year":"2022"}}`)
	post, err := http.Post(srv.URL+"/v1/harvests", "application/json", body)
	require.NoError(t, err)
	defer post.Body.Close()
	assert.Equal(t, http.StatusCreated, post.StatusCode)

	ready, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	defer ready.Body.Close()
	assert.Equal(t, http.StatusOK, ready.StatusCode)
}
