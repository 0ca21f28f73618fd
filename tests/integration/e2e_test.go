//go:build integration && linux

package integration

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/p-arndt/sandbox-engine/internal/api"
	"github.com/p-arndt/sandbox-engine/internal/config"
	"github.com/p-arndt/sandbox-engine/internal/governor"
	"github.com/p-arndt/sandbox-engine/internal/history"
	"github.com/p-arndt/sandbox-engine/internal/isolation"
	"github.com/p-arndt/sandbox-engine/internal/reaper"
	"github.com/p-arndt/sandbox-engine/internal/registry"
	"github.com/p-arndt/sandbox-engine/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMain lets this binary re-exec itself as the Process Supervisor's
// privilege-drop helper, the same dispatch every package that exercises
// internal/supervisor needs (see internal/supervisor/supervisor_test.go).
func TestMain(m *testing.M) {
	supervisor.MaybeExecChildInit()
	os.Exit(m.Run())
}

func startTestServer(t *testing.T) (string, func()) {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.DBPath = ":memory:"

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	regDir := t.TempDir()
	writeShellRuntime(t, regDir, "echo", "1.0.0", "#!/bin/sh\ncat\n")
	writeCompiledRuntime(t, regDir, "shellc", "1.0.0",
		"#!/bin/sh\nif grep -q BAD \"$1\"; then echo syntax error >&2; exit 1; fi\ncp \"$1\" ./compiled\nchmod +x ./compiled\n",
		"#!/bin/sh\n./compiled\n")

	reg := registry.New(regDir)
	require.NoError(t, reg.Load())

	provider := isolation.New(logger, t.TempDir(), 4, os.Getuid(), os.Getgid())
	require.NoError(t, provider.Open())

	gov := governor.New(cfg.Concurrency.PerClientCap, cfg.Concurrency.GlobalCap, cfg.Concurrency.RatePerSec, cfg.Concurrency.RateBurst)

	hist, err := history.New(cfg.DBPath, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	rpr := reaper.New(provider, 5*time.Second, logger)
	go rpr.Run(ctx)

	srv := api.NewServer(cfg, reg, provider, gov, hist, logger)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	httpServer := &http.Server{Handler: srv.Handler()}
	go httpServer.Serve(listener)

	baseURL := fmt.Sprintf("http://%s", listener.Addr().String())

	cleanup := func() {
		cancel()
		httpServer.Close()
		provider.Close()
		hist.Close()
	}

	return baseURL, cleanup
}

func writeShellRuntime(t *testing.T, dir, language, version, runScript string) {
	t.Helper()
	run := filepath.Join(dir, language+"-run.sh")
	require.NoError(t, os.WriteFile(run, []byte(runScript), 0755))

	descriptor := fmt.Sprintf("language: %s\nversion: %q\nrun: %s\n", language, version, run)
	require.NoError(t, os.WriteFile(filepath.Join(dir, language+".yaml"), []byte(descriptor), 0644))
}

func writeCompiledRuntime(t *testing.T, dir, language, version, compileScript, runScript string) {
	t.Helper()
	compile := filepath.Join(dir, language+"-compile.sh")
	run := filepath.Join(dir, language+"-run.sh")
	require.NoError(t, os.WriteFile(compile, []byte(compileScript), 0755))
	require.NoError(t, os.WriteFile(run, []byte(runScript), 0755))

	descriptor := fmt.Sprintf("language: %s\nversion: %q\ncompile: %s\nrun: %s\n", language, version, compile, run)
	require.NoError(t, os.WriteFile(filepath.Join(dir, language+".yaml"), []byte(descriptor), 0644))
}

func TestE2E_Healthz(t *testing.T) {
	baseURL, cleanup := startTestServer(t)
	defer cleanup()

	client := newTestClient(baseURL)
	resp := client.doRequest(t, "GET", "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestE2E_BatchExecuteEchoesStdin(t *testing.T) {
	baseURL, cleanup := startTestServer(t)
	defer cleanup()

	client := newTestClient(baseURL)
	result := client.execute(t, map[string]any{
		"language": "echo",
		"version":  "1.0.0",
		"files":    []map[string]any{{"name": "main.txt"}},
		"stdin":    "hello\n",
	})

	run := result["run"].(map[string]any)
	assert.Equal(t, "hello\n", run["stdout"])
	assert.Equal(t, float64(0), run["exit_code"])
}

func TestE2E_CompileFailureSkipsRun(t *testing.T) {
	baseURL, cleanup := startTestServer(t)
	defer cleanup()

	client := newTestClient(baseURL)
	result := client.execute(t, map[string]any{
		"language": "shellc",
		"version":  "1.0.0",
		"files":    []map[string]any{{"name": "main.sh", "content": []byte("BAD\n")}},
	})

	compile := result["compile"].(map[string]any)
	assert.NotEqual(t, float64(0), compile["exit_code"])
	assert.Contains(t, compile["stderr"], "syntax error")
	assert.Nil(t, result["run"].(map[string]any)["exit_code"])
}

func TestE2E_UnknownRuntimeIsValidationError(t *testing.T) {
	baseURL, cleanup := startTestServer(t)
	defer cleanup()

	client := newTestClient(baseURL)
	resp := client.doRequest(t, "POST", "/v1/execute", map[string]any{
		"language": "nonexistent",
		"version":  "1.0.0",
		"files":    []map[string]any{{"name": "main.txt"}},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestE2E_ConcurrencyCapRejectsOverflow(t *testing.T) {
	baseURL, cleanup := startTestServer(t)
	defer cleanup()

	client := newTestClient(baseURL)

	results := make(chan int, 40)
	for i := 0; i < 40; i++ {
		go func() {
			resp := client.doRequest(t, "POST", "/v1/execute", map[string]any{
				"language": "echo",
				"version":  "1.0.0",
				"files":    []map[string]any{{"name": "main.txt"}},
			})
			resp.Body.Close()
			results <- resp.StatusCode
		}()
	}

	var rejected int
	for i := 0; i < 40; i++ {
		if <-results == http.StatusTooManyRequests {
			rejected++
		}
	}
	assert.Greater(t, rejected, 0, "expected the governor to reject at least one overflowing request")
}
