package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulse-netmon/internal/buffer"
	"github.com/rcourtman/pulse-netmon/internal/config"
	agenterrors "github.com/rcourtman/pulse-netmon/internal/errors"
	"github.com/rcourtman/pulse-netmon/internal/hostagent"
	"github.com/rcourtman/pulse-netmon/pkg/agents/netmon"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuild, oldCommit := Version, BuildTime, GitCommit
	defer func() { Version, BuildTime, GitCommit = oldVersion, oldBuild, oldCommit }()

	Version, BuildTime, GitCommit = "1.2.3", "2026-01-01", "abcdef"
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "pulse-netmon-agent 1.2.3")
	assert.Contains(t, out, "Built: 2026-01-01")
	assert.Contains(t, out, "Commit: abcdef")

	BuildTime, GitCommit = "unknown", "unknown"
	out, err = execute(t, "version")
	require.NoError(t, err)
	assert.NotContains(t, out, "Built:")
	assert.NotContains(t, out, "Commit:")
}

func TestRegisterStoresCredential(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "agent.yaml")

	out, err := execute(t, "--config", path, "--log-level", "error", "register", "  s3cret  ")
	require.NoError(t, err)
	assert.Contains(t, out, "Credential stored in "+path)

	cfg, err := config.LoadWithEnv(path, func(string) (string, bool) { return "", false })
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Credential)
	assert.True(t, strings.HasPrefix(cfg.AgentID, "sys-"))
	assert.Equal(t, "info", cfg.LogLevel, "flag overrides are not written to the file")

	// Registering again keeps the agent id.
	_, err = execute(t, "--config", path, "register", "other")
	require.NoError(t, err)
	again, err := config.LoadWithEnv(path, func(string) (string, bool) { return "", false })
	require.NoError(t, err)
	assert.Equal(t, "other", again.Credential)
	assert.Equal(t, cfg.AgentID, again.AgentID)
}

func TestRegisterRequiresToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	_, err := execute(t, "--config", path, "register")
	require.Error(t, err)

	_, err = execute(t, "--config", path, "register", "   ")
	require.Error(t, err)
	assert.True(t, errors.Is(err, agenterrors.ErrConfig))
}

func TestStatusReportsCacheAndCredential(t *testing.T) {
	path := writeConfig(t, "agent_id: sys-aaaabbbbcccc\nhostname: lab-01\ncredential: tok\n")
	cache := buffer.NewCache(buffer.CacheConfig{Path: filepath.Join(filepath.Dir(path), "telemetry_cache.json")})
	require.NoError(t, cache.Add(netmon.Batch{AgentID: "sys-aaaabbbbcccc"}))
	require.NoError(t, cache.Add(netmon.Batch{AgentID: "sys-aaaabbbbcccc"}))

	out, err := execute(t, "--config", path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Agent ID:    sys-aaaabbbbcccc")
	assert.Contains(t, out, "Hostname:    lab-01")
	assert.Contains(t, out, "Credential:  present")
	assert.Contains(t, out, "Cached:      2 batches")
	assert.Contains(t, out, "Version:     "+Version)
}

func TestStatusWithoutState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	out, err := execute(t, "--config", path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "(not assigned yet)")
	assert.Contains(t, out, "Credential:  missing")
	assert.Contains(t, out, "Cached:      0 batches")
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "polling_interval: 0\nbackend_url: ftp://nowhere\n")
	_, err := execute(t, "--config", path, "--log-level", "error", "run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, agenterrors.ErrConfig))
	assert.Contains(t, err.Error(), "polling_interval")
}

func TestRunRequiresCredentialWhenConfigured(t *testing.T) {
	path := writeConfig(t, "credential_required: true\n")
	_, err := execute(t, "--config", path, "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credential is required")
}

func TestRunAgentStopsOnCancel(t *testing.T) {
	var heartbeats atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/telemetry/heartbeat" {
			heartbeats.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	path := writeConfig(t, "backend_url: "+server.URL+"/api\ncredential: tok\nflush_interval: 3600\n")
	opts := &rootOptions{configPath: path, logLevel: "error", logFormat: "json"}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, runAgent(ctx, opts))

	assert.Equal(t, int64(1), heartbeats.Load(), "initial heartbeat")

	cfg, err := config.LoadWithEnv(path, func(string) (string, bool) { return "", false })
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cfg.AgentID, "sys-"), "agent id persisted on first run")
}

type stubAgent struct {
	ready atomic.Bool
	state hostagent.State
}

func (p *stubAgent) Ready() bool            { return p.ready.Load() }
func (p *stubAgent) State() hostagent.State { return p.state }

func TestHealthHandler(t *testing.T) {
	agent := &stubAgent{state: hostagent.StateBackoff}
	srv := httptest.NewServer(healthHandler(agent))
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, _ := get("/healthz")
	assert.Equal(t, http.StatusOK, code)

	code, body := get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.JSONEq(t, `{"ready":false,"state":"backoff"}`, body)

	agent.ready.Store(true)
	code, body = get("/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"ready":true,"state":"backoff"}`, body)

	code, _ = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
}

func TestStartHealthServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := zerolog.Nop()
	agent := &stubAgent{}
	agent.ready.Store(true)

	addr, err := startHealthServer(ctx, "127.0.0.1:0", agent, &logger)
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr.String() + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = startHealthServer(ctx, addr.String(), agent, &logger)
	assert.Error(t, err, "address already in use")
}
