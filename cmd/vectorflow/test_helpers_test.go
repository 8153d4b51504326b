package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"vectorflow/internal/daemonrun"
	"vectorflow/internal/logging"
	"vectorflow/internal/testsupport"
)

type cliTestEnv struct {
	configPath string
	baseDir    string
	dataDir    string
	apiAddr    string
}

// setupCLITestEnv runs a daemon with in-process stores against a fake
// embedding server and writes a config file pointing at it.
func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	compute := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[]}`))
		case "/api/embeddings":
			_, _ = w.Write([]byte(`{"embedding":[1,0.5,0.25],"confidence":0.9}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(compute.Close)

	t.Setenv("HOME", t.TempDir())
	cfg := testsupport.NewConfig(t, testsupport.WithComputeURLs(compute.URL, ""))

	ctx, cancel := context.WithCancel(context.Background())
	d, err := daemonrun.Build(ctx, cfg, logging.NewNop())
	if err != nil {
		cancel()
		t.Fatalf("daemonrun.Build: %v", err)
	}
	if err := d.Start(ctx); err != nil {
		cancel()
		_ = d.Close()
		t.Fatalf("daemon start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = d.Close()
	})

	clientCfg := *cfg
	clientCfg.Paths.APIBind = d.Addr()
	encoded, err := clientCfg.Encode()
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	configPath := filepath.Join(testsupport.BaseDir(cfg), "vectorflow.toml")
	if err := os.WriteFile(configPath, encoded, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return &cliTestEnv{
		configPath: configPath,
		baseDir:    testsupport.BaseDir(cfg),
		dataDir:    cfg.Paths.DataDir,
		apiAddr:    d.Addr(),
	}
}

func runCLI(t *testing.T, configPath string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected %q to contain %q", haystack, needle)
	}
}
