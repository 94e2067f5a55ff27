// ABOUTME: Tests for gateway construction, store wiring and lifecycle
// ABOUTME: Uses a temporary sqlite database and miniredis for the ephemeral store

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/keygate/internal/config"
	"github.com/2389/keygate/internal/store"
)

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	yaml := fmt.Sprintf(`
server:
  http_addr: "127.0.0.1:0"
store:
  backend: sqlite
  sqlite_path: %q
auth:
  session_secret: "test-session-secret-0123456789abcdef"
  admin_token: "test-admin-token"
%s`, filepath.Join(t.TempDir(), "keygate.db"), extra)

	cfg, err := config.Parse(yaml, "yaml")
	require.NoError(t, err)
	return cfg
}

func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	gw, err := New(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

func TestNew_ServesPublicAndAdminRoutes(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, ""))
	assert.Nil(t, gw.AdminHandler(), "admin routes share the public mux without tailscale")

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/auth/admin/pending", nil)
	req.Header.Set("X-Admin-Token", "test-admin-token")
	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"subjects":[]}`, rec.Body.String())
}

func TestNew_TailscaleKeepsAdminOffPublicMux(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, "tailscale:\n  enabled: true\n  hostname: keygate-test\n"))
	require.NotNil(t, gw.AdminHandler())

	req := httptest.NewRequest(http.MethodGet, "/auth/admin/pending", nil)
	req.Header.Set("X-Admin-Token", "test-admin-token")
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	gw.AdminHandler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_RateLimitDisabled(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, "rate_limit:\n  requests_per_minute: 0\n"))
	assert.Nil(t, gw.limiter)

	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/challenge", nil))
		require.Equal(t, http.StatusBadRequest, rec.Code)
	}
}

func TestNew_RateLimitEnabled(t *testing.T) {
	gw := newTestGateway(t, testConfig(t, "rate_limit:\n  requests_per_minute: 1\n  burst: 2\n"))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/challenge", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests}, codes)
}

func TestOpenStores_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, "")
	cfg.Store.RedisURL = "redis://" + mr.Addr()

	stores, err := OpenStores(context.Background(), cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, stores.Close()) }()

	_, isRedis := stores.Ephemeral.(*store.RedisStore)
	assert.True(t, isRedis)
	_, isSQLite := stores.Subjects.(*store.SQLiteStore)
	assert.True(t, isSQLite)
	require.NoError(t, stores.Ping(context.Background()))

	mr.Close()
	assert.Error(t, stores.Ping(context.Background()))
}

func TestOpenStores_SingleBackend(t *testing.T) {
	stores, err := OpenStores(context.Background(), testConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, store.EphemeralStore(stores.Subjects), stores.Ephemeral)
	require.NoError(t, stores.Ping(context.Background()))
	require.NoError(t, stores.Close())
}

func TestPublicURL(t *testing.T) {
	cfg := testConfig(t, "")
	assert.Equal(t, "http://127.0.0.1:0", publicURL(cfg))

	cfg.Server.PublicURL = "https://auth.example.com/"
	assert.Equal(t, "https://auth.example.com", publicURL(cfg))
}

func TestBuildAlerter_MatrixRequiresRoom(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Alerts.Matrix.Enabled = true
	cfg.Alerts.Matrix.Homeserver = "https://matrix.example.com"
	_, err := buildAlerter(cfg)
	assert.Error(t, err)
}

func TestRun_StopsOnCancel(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	cfg := testConfig(t, "")
	cfg.Server.HTTPAddr = addr
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	gw := newTestGateway(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// A second shutdown is a no-op
	assert.NoError(t, gw.Shutdown(context.Background()))
}
