// ABOUTME: Tests for the turnstream command-line subcommands
// ABOUTME: Covers config discovery, flag parsing, logging and the chat client

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
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/turnstream/internal/auth"
	"github.com/2389/turnstream/internal/config"
	"github.com/2389/turnstream/internal/gateway"
	"github.com/2389/turnstream/internal/wire"
)

func init() {
	color.NoColor = true
}

func TestGetConfigPath(t *testing.T) {
	t.Run("env wins", func(t *testing.T) {
		t.Setenv(config.EnvConfigPath, "/etc/turnstream.toml")
		assert.Equal(t, "/etc/turnstream.toml", getConfigPath())
	})

	t.Run("working directory", func(t *testing.T) {
		t.Setenv(config.EnvConfigPath, "")
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(config.Sample), 0600))
		t.Chdir(dir)
		assert.Equal(t, "config.yaml", getConfigPath())
	})

	t.Run("xdg", func(t *testing.T) {
		t.Setenv(config.EnvConfigPath, "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		t.Chdir(t.TempDir())
		assert.Equal(t, "/xdg/turnstream/config.yaml", getConfigPath())
	})
}

func TestLoadConfig_FallsBackToDefaults(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(config.EnvJWTSecret, "")
	t.Chdir(t.TempDir())

	cfg, path, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "(defaults)", path)
	assert.Equal(t, ":8000", cfg.Server.HTTPAddr)
}

func TestLoadConfig_ExplicitPathMustExist(t *testing.T) {
	t.Setenv(config.EnvConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))

	_, _, err := loadConfig()
	assert.Error(t, err)
}

func TestServerURL(t *testing.T) {
	cfg := config.Default()
	assert.Equal(t, "http://localhost:8000", serverURL(cfg))

	cfg.Server.HTTPAddr = "10.0.0.5:9000"
	assert.Equal(t, "http://10.0.0.5:9000", serverURL(cfg))

	cfg.Tailscale.Enabled = true
	assert.Equal(t, "http://turnstream", serverURL(cfg))

	cfg.Tailscale.HTTPS = true
	assert.Equal(t, "https://turnstream", serverURL(cfg))
}

func TestRunInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	require.NoError(t, runInit([]string{path}))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.ProviderEcho, cfg.Generation.Provider)

	assert.Error(t, runInit([]string{path}), "refuses to overwrite")
}

func TestParseTokenCmd(t *testing.T) {
	cases := []struct {
		name    string
		args    []string
		want    TokenCmd
		wantErr bool
	}{
		{
			name: "defaults",
			args: []string{"--user", "alice"},
			want: TokenCmd{User: "alice", TTL: 24 * time.Hour},
		},
		{
			name: "all flags",
			args: []string{"-u", "alice", "-t", "acme", "-r", "admin", "--ttl", "90m"},
			want: TokenCmd{User: "alice", Tenant: "acme", Role: "admin", TTL: 90 * time.Minute},
		},
		{name: "missing user", args: []string{"--tenant", "acme"}, wantErr: true},
		{name: "bad ttl", args: []string{"-u", "alice", "--ttl", "-1h"}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := parseTokenCmd(tc.args)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, *cmd)
		})
	}
}

func TestMintToken(t *testing.T) {
	secret := strings.Repeat("s", config.MinJWTSecretLength)
	cfg := config.Default()
	cfg.Auth.JWTSecret = secret

	var out bytes.Buffer
	require.NoError(t, mintToken(cfg, &TokenCmd{User: "alice", Tenant: "acme", TTL: time.Hour}, &out))

	id, err := auth.NewJWTVerifier([]byte(secret)).Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, "acme", id.TenantID)

	cfg.Auth.JWTSecret = ""
	assert.Error(t, mintToken(cfg, &TokenCmd{User: "alice", TTL: time.Hour}, &out))
}

func TestParseChatCmd(t *testing.T) {
	t.Setenv("TURNSTREAM_TOKEN", "tok")

	cmd, err := parseChatCmd([]string{"--session", "s1", "--reset", "hello", "there"})
	require.NoError(t, err)
	assert.Equal(t, "s1", cmd.Session)
	assert.True(t, cmd.Reset)
	assert.Equal(t, "tok", cmd.Token)
	assert.Equal(t, "hello there", cmd.message)

	_, err = parseChatCmd([]string{"--session", "s1"})
	assert.Error(t, err)
}

func TestColorHandler(t *testing.T) {
	var out bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "info", Format: "text"}, &out)

	logger.Debug("hidden")
	logger.With("session_id", "s1").WithGroup("save").Info("turn saved", "status", "complete")
	logger.Error("boom", slog.Group("db", "driver", "sqlite"))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "INF turn saved session_id=s1 save.status=complete")
	assert.Contains(t, lines[1], "ERR boom db.driver=sqlite")
}

func TestJSONLogger(t *testing.T) {
	var out bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug", Format: "json"}, &out)
	logger.Debug("hello", "k", "v")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "v", rec["k"])
}

// testServer runs a development-mode gateway with the echo engine.
func testServer(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()

	cfg := config.Default()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "test.db")
	cfg.Generation.Echo.Delay = delay

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	gw, err := gateway.New(context.Background(), cfg, logger)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Router())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return srv
}

func listTurns(t *testing.T, srv *httptest.Server, sessionID string) []gateway.TurnResponse {
	t.Helper()

	resp, err := http.Get(srv.URL + "/session/chat?user_id=alice&session_id=" + sessionID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var turns []gateway.TurnResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&turns))
	return turns
}

func TestChatClient_StreamsReply(t *testing.T) {
	srv := testServer(t, 0)
	c := &chatClient{http: srv.Client(), baseURL: srv.URL}

	var out bytes.Buffer
	res, err := c.chat(context.Background(), &ChatCmd{User: "alice", message: "hello"}, &out)
	require.NoError(t, err)

	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, wire.EventFinalToken, res.Terminal)
	assert.True(t, res.Saved)
	assert.Contains(t, res.Text, "> hello")
	assert.Contains(t, out.String(), "I heard you.")
	assert.Contains(t, out.String(), "session: "+res.SessionID)

	turns := listTurns(t, srv, res.SessionID)
	require.Len(t, turns, 2)
	assert.Equal(t, res.Text, turns[1].Text)
	assert.Equal(t, "complete", turns[1].Status)
	assert.Equal(t, res.ClientReqID, turns[1].ClientReqID)
}

// cancelOnWrite cancels once the written output contains trigger.
type cancelOnWrite struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	trigger string
	cancel  context.CancelFunc
}

func (w *cancelOnWrite) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := w.buf.Write(p)
	if strings.Contains(w.buf.String(), w.trigger) {
		w.cancel()
	}
	return n, err
}

func TestChatClient_InterruptSavesPartial(t *testing.T) {
	srv := testServer(t, 20*time.Millisecond)
	c := &chatClient{http: srv.Client(), baseURL: srv.URL}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &cancelOnWrite{trigger: "heard", cancel: cancel}

	res, err := c.chat(ctx, &ChatCmd{User: "alice", message: "hello"}, out)
	require.NoError(t, err)
	assert.True(t, res.Saved)
	assert.NotEqual(t, wire.EventFinalToken, res.Terminal)

	turns := listTurns(t, srv, res.SessionID)
	require.Len(t, turns, 2)
	assert.Equal(t, "cancelled", turns[1].Status)
	assert.Equal(t, "client_abort", turns[1].EndReason)
	assert.Equal(t, res.Text, turns[1].Text)
	assert.Contains(t, turns[1].Text, "heard")
}
