package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/keygate/internal/auth"
	"github.com/2389/keygate/internal/config"
	"github.com/2389/keygate/internal/gateway"
)

func TestRenderStarterConfig_IsValid(t *testing.T) {
	content, token, err := renderStarterConfig()
	require.NoError(t, err)
	assert.Len(t, token, 64)
	assert.NotContains(t, content, "${KEYGATE_SESSION_SECRET}")
	assert.NotContains(t, content, "${KEYGATE_ADMIN_TOKEN}")

	cfg, err := config.Parse(content, "yaml")
	require.NoError(t, err)
	assert.Equal(t, token, cfg.Auth.AdminToken)
	assert.GreaterOrEqual(t, len(cfg.Auth.SessionSecret), config.MinSessionSecretLength)

	_, other, err := renderStarterConfig()
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestWriteStarterConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "keygate.yaml")

	_, err := writeStarterConfig(path, false)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = writeStarterConfig(path, false)
	assert.ErrorContains(t, err, "already exists")

	_, err = writeStarterConfig(path, true)
	assert.NoError(t, err)
}

func TestParseInitArgs(t *testing.T) {
	opts, err := parseInitArgs([]string{"--force", "/tmp/k.yaml"})
	require.NoError(t, err)
	assert.True(t, opts.force)
	assert.Equal(t, "/tmp/k.yaml", opts.path)

	_, err = parseInitArgs([]string{"--bogus"})
	assert.Error(t, err)

	_, err = parseInitArgs([]string{"a", "b"})
	assert.Error(t, err)
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		args    []string
		want    int
		wantErr bool
	}{
		{nil, 0, false},
		{[]string{"--limit", "5"}, 5, false},
		{[]string{"--limit=7"}, 7, false},
		{[]string{"-n", "2"}, 2, false},
		{[]string{"--limit"}, 0, true},
		{[]string{"--limit", "-1"}, 0, true},
		{[]string{"--limit", "x"}, 0, true},
		{[]string{"extra"}, 0, true},
	}
	for _, tt := range tests {
		got, err := parseLimit(tt.args)
		if tt.wantErr {
			assert.Error(t, err, "args %v", tt.args)
			continue
		}
		require.NoError(t, err, "args %v", tt.args)
		assert.Equal(t, tt.want, got)
	}
}

func TestAdminClient(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(auth.AdminHeader) != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/auth/admin/pending":
			assert.Equal(t, "3", r.URL.Query().Get("limit"))
			_ = json.NewEncoder(w).Encode(gateway.PendingResponse{Subjects: []gateway.PendingSubject{
				{Fingerprint: "ABCD", Handle: "alice", Email: "alice@example.com", PGPVerified: true, CreatedAt: created},
			}})
		case r.Method == http.MethodPost && r.URL.Path == "/auth/admin/approve/ABCD":
			_ = json.NewEncoder(w).Encode(gateway.ApproveResponse{OK: true, Fingerprint: "ABCD", Handle: "alice"})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "registration not found"})
		}
	}))
	t.Cleanup(srv.Close)

	c := &adminClient{baseURL: srv.URL, token: "secret", http: srv.Client()}
	ctx := context.Background()

	subjects, err := c.pending(ctx, 3)
	require.NoError(t, err)
	require.Len(t, subjects, 1)
	assert.Equal(t, "alice", subjects[0].Handle)

	resp, err := c.approve(ctx, "ABCD")
	require.NoError(t, err)
	assert.Equal(t, "alice", resp.Handle)

	_, err = c.approve(ctx, "NOPE")
	assert.ErrorContains(t, err, "registration not found (status 404)")

	c.token = "wrong"
	_, err = c.pending(ctx, 3)
	assert.ErrorContains(t, err, "unauthorized")
}

func TestPrintPending(t *testing.T) {
	var buf bytes.Buffer
	printPending(&buf, nil)
	assert.Contains(t, buf.String(), "No pending registrations")

	buf.Reset()
	printPending(&buf, []gateway.PendingSubject{
		{Fingerprint: "ABCD", Handle: "alice", Email: "alice@example.com", PGPVerified: true},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "FINGERPRINT")
	assert.Contains(t, lines[1], "alice@example.com")
	assert.Contains(t, lines[1], "yes")
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo)).With("component", "test")

	logger.Debug("hidden")
	logger.WithGroup("req").Info("hello", "path", "/auth/verify")
	logger.Warn("careful")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF hello component=test req.path=/auth/verify")
	assert.Contains(t, out, "WRN careful")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}
