package cmd

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sekia-ai/calhub/pkg/protocol"
)

func serveSocket(t *testing.T, h http.Handler) {
	t.Helper()
	dir, err := os.MkdirTemp("", "calhubctl")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "d.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: h}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	old := socketPath
	socketPath = path
	t.Cleanup(func() { socketPath = old })
}

func TestAPIDoSendsJSONBody(t *testing.T) {
	var got protocol.AccountRequest
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /api/v1/accounts/a1", func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(protocol.AccountInfo{ID: "a1", Name: "work"})
	})
	serveSocket(t, mux)

	name := "work"
	var info protocol.AccountInfo
	if err := apiPatch("/api/v1/accounts/a1", protocol.AccountRequest{Name: &name}, &info); err != nil {
		t.Fatal(err)
	}
	if got.Name == nil || *got.Name != "work" {
		t.Errorf("server got name %v", got.Name)
	}
	if diff := cmp.Diff(protocol.AccountInfo{ID: "a1", Name: "work"}, info); diff != "" {
		t.Errorf("response (-want +got):\n%s", diff)
	}
}

func TestAPIDoReturnsDaemonError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/accounts/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(protocol.ErrorResponse{Error: `not found: account "missing"`})
	})
	mux.HandleFunc("GET /api/v1/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream")
	})
	serveSocket(t, mux)

	err := apiGet("/api/v1/accounts/missing", &protocol.AccountInfo{})
	if err == nil || err.Error() != `not found: account "missing"` {
		t.Errorf("err = %v", err)
	}
	err = apiGet("/api/v1/broken", nil)
	if err == nil || err.Error() != "calhubd returned HTTP 502" {
		t.Errorf("err = %v", err)
	}
}

func TestAPIDeleteNoContent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/v1/rules/r1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	serveSocket(t, mux)

	if err := apiDelete("/api/v1/rules/r1"); err != nil {
		t.Fatal(err)
	}
}

func TestAPIDoUnreachable(t *testing.T) {
	old := socketPath
	socketPath = filepath.Join(t.TempDir(), "nothing.sock")
	t.Cleanup(func() { socketPath = old })

	if err := apiGet("/api/v1/status", nil); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestCommandTree(t *testing.T) {
	root := NewRootCmd()
	for _, path := range [][]string{
		{"status"},
		{"accounts", "sync"},
		{"calendars", "enable"},
		{"events", "add"},
		{"rules", "run"},
		{"activity"},
		{"config", "reload"},
		{"secrets", "keygen"},
	} {
		c, _, err := root.Find(path)
		if err != nil || c == root {
			t.Errorf("command %v not found: %v", path, err)
		}
	}
}

func TestInputValue(t *testing.T) {
	if v, err := inputValue([]string{"x"}, false); err != nil || v != "x" {
		t.Errorf("arg: %q %v", v, err)
	}
	if _, err := inputValue([]string{"x"}, true); err == nil {
		t.Error("expected error for value plus --stdin")
	}
	if _, err := inputValue(nil, false); err == nil {
		t.Error("expected error for missing value")
	}
}
