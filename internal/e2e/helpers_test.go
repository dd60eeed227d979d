// Package e2e drives engined end to end: configuration, manager, HTTP API
// and real engine processes.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"engined/internal/config"
	"engined/internal/enginetest"
	"engined/internal/httpapi"
	"engined/internal/manager"
)

// writeConfig writes a yaml config with one local llama-cpp engine backed by
// the fake engine binary, and a models folder holding names.
func writeConfig(t *testing.T, extra string, names ...string) (path, dataDir string) {
	t.Helper()
	dataDir = t.TempDir()
	models := filepath.Join(dataDir, "models")
	if err := os.MkdirAll(models, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(models, n), nil, 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", n, err)
		}
	}
	yaml := fmt.Sprintf(`addr: 127.0.0.1:%d
data_folder: %s
log_level: debug
engines:
  - provider: llama-cpp
    executable: %s
    port: %d
supervisor:
  health_interval: 50ms
  health_timeout: 200ms
  start_timeout: 5s
  stop_timeout: 1s
  unhealthy_threshold: 1
  restart_threshold: 2
  max_restarts: 3
  restart_window: 1m
monitor:
  interval: 50ms
%s`, enginetest.FreePort(t), dataDir, enginetest.BuildFakeEngine(t), enginetest.FreePort(t), extra)
	path = filepath.Join(dataDir, "engined.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path, dataDir
}

// newServer resolves the config at path and serves the manager over httptest.
func newServer(t *testing.T, path string) (*httptest.Server, *manager.Manager) {
	t.Helper()
	cfg, err := config.Resolve(path)
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	mcfg, err := manager.FromConfig(cfg, "e2e", zerolog.Nop())
	if err != nil {
		t.Fatalf("manager config: %v", err)
	}
	mgr, err := manager.NewWithConfig(context.Background(), mcfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(mgr, httpapi.Options{AllowedOrigins: cfg.CORS.AllowedOrigins}))
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close(context.Background())
	})
	return srv, mgr
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader([]byte(payload)))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

type engineView struct {
	Provider string
	State    string
	Process  *struct {
		PID   int
		Port  int
		State string
		Fatal bool
	}
	Models []struct {
		ID     string
		Status string
		RAM    uint64 `json:"ram"`
	}
}

func listEngines(t *testing.T, base string) []engineView {
	t.Helper()
	_, body := httpGet(t, base+"/engines")
	var out struct{ Engines []engineView }
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("engines json: %v (%s)", err, body)
	}
	return out.Engines
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
