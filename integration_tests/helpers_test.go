package integration_tests

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/szaher/recall/internal/config"
	"github.com/szaher/recall/internal/runtime"
	"github.com/szaher/recall/internal/telemetry"
)

// newStack starts a full service over a file-backed SQLite store and
// returns an HTTP test server speaking the real API surface.
func newStack(t *testing.T) (*httptest.Server, *runtime.Service) {
	t.Helper()

	cfg := config.Default()
	cfg.Store.Backend = "sqlite"
	cfg.Store.Path = filepath.Join(t.TempDir(), "recall.db")
	cfg.Retriever.SubAgents = []string{"coder", "researcher"}

	svc := runtime.NewService(cfg, runtime.WithLogger(telemetry.NewLogger(io.Discard, slog.LevelError)))
	t.Cleanup(func() { _ = svc.Close() })

	srv := runtime.NewServer(svc, runtime.WithNoAuth(true))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

// postJSON sends body to path and decodes the response into out when
// out is non-nil. It fails the test on any status other than want.
func postJSON(t *testing.T, ts *httptest.Server, path string, body any, want int, out any) {
	t.Helper()
	doJSON(t, ts, http.MethodPost, path, body, want, out)
}

func getJSON(t *testing.T, ts *httptest.Server, path string, want int, out any) {
	t.Helper()
	doJSON(t, ts, http.MethodGet, path, nil, want, out)
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body any, want int, out any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != want {
		t.Fatalf("%s %s = %d, want %d (body %s)", method, path, resp.StatusCode, want, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s %s response: %v (body %s)", method, path, err, raw)
		}
	}
}
