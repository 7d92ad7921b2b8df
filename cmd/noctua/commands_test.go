package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// fakeDaemon mimics the daemon's wire surface: /healthz at the root and the
// API group under /api.
func fakeDaemon(t *testing.T, taskActive bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"state":  "executing",
			"night":  true,
			"run_id": "run-3",
		})
	})
	mux.HandleFunc("/api/task", func(w http.ResponseWriter, r *http.Request) {
		if !taskActive {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "no active task"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"task_id": 9, "object": "M 101"})
	})
	mux.HandleFunc("/api/night", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"night":            true,
			"sun_altitude_deg": -30.1,
		})
	})
	mux.HandleFunc("/api/journal", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "3" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unexpected limit"})
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"run_id": "run-2", "task_id": 4, "object": "NGC 7000", "reported": true},
		})
	})
	mux.HandleFunc("/api/abort", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Reason == "no-run" {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "no active run to abort"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestCommandStatus(t *testing.T) {
	ts := fakeDaemon(t, true)
	c := command{}
	if err := c.Status(StatusFlags{APIUrl: ts.URL + "/api"}); err != nil {
		t.Fatalf("status: %v", err)
	}
}

func TestCommandTaskActive(t *testing.T) {
	ts := fakeDaemon(t, true)
	c := command{}
	if err := c.Task(TaskFlags{APIUrl: ts.URL + "/api"}); err != nil {
		t.Fatalf("task: %v", err)
	}
}

func TestCommandTaskIdleIsNotAnError(t *testing.T) {
	ts := fakeDaemon(t, false)
	c := command{}
	if err := c.Task(TaskFlags{APIUrl: ts.URL + "/api"}); err != nil {
		t.Fatalf("idle daemon should not error: %v", err)
	}
}

func TestCommandNight(t *testing.T) {
	ts := fakeDaemon(t, true)
	c := command{}
	if err := c.Night(NightFlags{APIUrl: ts.URL + "/api"}); err != nil {
		t.Fatalf("night: %v", err)
	}
}

func TestCommandJournalPassesLimit(t *testing.T) {
	ts := fakeDaemon(t, true)
	c := command{}
	if err := c.Journal(JournalFlags{Limit: 3, APIUrl: ts.URL + "/api"}); err != nil {
		t.Fatalf("journal: %v", err)
	}
	// The fake rejects any limit but 3, so a wrong query string surfaces here.
	if err := c.Journal(JournalFlags{Limit: 7, APIUrl: ts.URL + "/api"}); err == nil {
		t.Fatal("expected error for mismatched limit")
	}
}

func TestCommandAbort(t *testing.T) {
	ts := fakeDaemon(t, true)
	c := command{}
	if err := c.Abort(AbortFlags{Reason: "clouds", APIUrl: ts.URL + "/api"}); err != nil {
		t.Fatalf("abort: %v", err)
	}

	err := c.Abort(AbortFlags{Reason: "no-run", APIUrl: ts.URL + "/api"})
	if err == nil || !strings.Contains(err.Error(), "no active run") {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestCommandsUnreachableDaemon(t *testing.T) {
	// Grab a URL nothing listens on anymore.
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := command{}
	err := c.Status(StatusFlags{APIUrl: url, APITimeout: time.Second})
	if err == nil || !strings.Contains(err.Error(), "daemon not reachable") {
		t.Fatalf("expected not-reachable error, got %v", err)
	}
	if !strings.Contains(err.Error(), "noctua run") {
		t.Fatalf("error should point at 'noctua run': %v", err)
	}
}
