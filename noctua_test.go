package noctua

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func writeFacadeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfgData := fmt.Sprintf(`
[site]
name = "facade"
scope_id = 3
latitude = 37.2
longitude = -110.9
data_dir = %q

[api]
base_url = "http://127.0.0.1:1/api"
username = "observer"
password = "secret"

[imaging]
command = "/usr/bin/true"
`, filepath.Join(dir, "data"))
	p := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(p, []byte(cfgData), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestConfigHelpers(t *testing.T) {
	p := writeFacadeConfig(t)
	config, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if config.Site.ScopeID != 3 {
		t.Fatalf("scope id: %d", config.Site.ScopeID)
	}
	if !strings.HasSuffix(config.Imaging.SequenceDir, "sequences") {
		t.Fatalf("sequence dir default: %s", config.Imaging.SequenceDir)
	}
	if !strings.HasSuffix(config.Journal.DSN, "journal.db") {
		t.Fatalf("journal dsn default: %s", config.Journal.DSN)
	}
}

func TestRunnerFacade(t *testing.T) {
	p := writeFacadeConfig(t)
	config, err := LoadConfig(p)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	r, err := NewRunner(config)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	defer func() { _ = r.Close() }()

	snap := r.Snapshot()
	if snap.State != StateInit {
		t.Fatalf("initial state: %s", snap.State)
	}
	if pid := r.CurrentPID(); pid != 0 {
		t.Fatalf("pid before run: %d", pid)
	}
	if err := r.Abort("test"); err == nil {
		t.Fatal("abort with no active run should fail")
	}
	if r.Journal() == nil {
		t.Fatal("journal accessor returned nil")
	}
	// The value depends on site and wall clock; only the call is checked.
	_ = r.IsNightNow()

	if _, err := os.Stat(config.Imaging.SequenceDir); err != nil {
		t.Fatalf("sequence dir not created: %v", err)
	}
}

func TestMetricsHelpers(t *testing.T) {
	// Register to custom registry and default registry
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
	if err := RegisterMetricsDefault(); err != nil {
		t.Fatalf("RegisterMetricsDefault: %v", err)
	}
	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range fams {
		if strings.HasPrefix(f.GetName(), "noctua_") {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("no noctua_ metric families registered, got %d families", len(fams))
	}
}
