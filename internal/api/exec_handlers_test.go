package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/p-arndt/sandbox-engine/internal/config"
	"github.com/p-arndt/sandbox-engine/internal/governor"
	"github.com/p-arndt/sandbox-engine/internal/history"
	"github.com/p-arndt/sandbox-engine/internal/isolation"
	"github.com/p-arndt/sandbox-engine/internal/registry"
	"github.com/p-arndt/sandbox-engine/internal/supervisor"
	"github.com/p-arndt/sandbox-engine/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	supervisor.MaybeExecChildInit()
	os.Exit(m.Run())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func testServer(t *testing.T) *Server {
	t.Helper()

	dir := t.TempDir()
	run := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(run, []byte("#!/bin/sh\ncat\n"), 0755))

	reg := registry.New(dir)
	reg.Register(registry.Descriptor{Language: "echo", Version: "1.0.0", Run: run})

	provider := isolation.New(discardLogger(), t.TempDir(), 2, os.Getuid(), os.Getgid())
	require.NoError(t, provider.Open())
	t.Cleanup(provider.Close)

	gov := governor.New(4, 16, 100, 4)

	hist, err := history.New(":memory:", discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	cfg, err := config.Load("")
	require.NoError(t, err)

	return NewServer(cfg, reg, provider, gov, hist, discardLogger())
}

func TestHandleExecuteRunsEchoRuntime(t *testing.T) {
	s := testServer(t)

	body, _ := json.Marshal(protocol.BatchRequest{
		Language: "echo",
		Version:  "1.0.0",
		Files:    []protocol.File{{Name: "main.txt"}},
		Stdin:    "hello\n",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/execute", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.1:5555"
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var result protocol.ExecutionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotNil(t, result.Run.ExitCode)
	assert.Equal(t, 0, *result.Run.ExitCode)
	assert.Equal(t, "hello\n", result.Run.Stdout)
}

func TestHandleExecuteUnknownRuntimeIsValidationError(t *testing.T) {
	s := testServer(t)

	body, _ := json.Marshal(protocol.BatchRequest{
		Language: "nope",
		Version:  "1.0.0",
		Files:    []protocol.File{{Name: "main.txt"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/execute", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.1:5555"
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	assert.Equal(t, ErrCodeValidation, apiErr.Code)
}

func TestHandleExecuteRejectsWhenGovernorExhausted(t *testing.T) {
	s := testServer(t)
	s.governor = governor.New(0, 0, 100, 4)

	body, _ := json.Marshal(protocol.BatchRequest{
		Language: "echo",
		Version:  "1.0.0",
		Files:    []protocol.File{{Name: "main.txt"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/execute", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.1:5555"
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandleListRuntimes(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/runtimes", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var descriptors []registry.Descriptor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &descriptors))
	require.Len(t, descriptors, 1)
	assert.Equal(t, "echo", descriptors[0].Language)
}

func TestHealthz(t *testing.T) {
	s := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
