package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/noctua-obs/noctua/internal/logger"
	"github.com/noctua-obs/noctua/internal/sequence"
	"github.com/noctua-obs/noctua/internal/supervisor"
)

// embedded_logger: demonstrate captured output of a supervised run.
// It launches a short command that writes to stdout and stderr in place of a
// real imaging application, then shows where the rotating logs ended up.
func main() {
	// Determine log directory: use NOCTUA_LOG_DIR if set, otherwise a temp directory.
	logDir := os.Getenv("NOCTUA_LOG_DIR")
	if logDir == "" {
		logDir = filepath.Join(os.TempDir(), fmt.Sprintf("noctua-logs-%d", time.Now().UnixNano()))
	}
	_ = os.MkdirAll(logDir, 0o750)

	sup := supervisor.New(supervisor.Config{
		Command:      "sh -c 'echo frame-start; echo focus-drift 1>&2; sleep 0.2'",
		SequenceFlag: "--sequence",
		Log:          logger.FileConfig{Dir: logDir},
	})

	// A run is always driven by a sequence file; a placeholder is enough here.
	seqPath := filepath.Join(logDir, "demo-sequence.json")
	_ = os.WriteFile(seqPath, []byte("{}"), 0o600)

	h, err := sup.Launch(&sequence.Sequence{TaskID: 42, Path: seqPath})
	if err != nil {
		panic(err)
	}
	// Give the process time to write logs and finish
	select {
	case <-sup.Done(h):
	case <-time.After(2 * time.Second):
		sup.Terminate(h)
	}

	st := sup.Snapshot(h)
	fmt.Println("Embedded logger example")
	fmt.Println("  Run state:", st.State)
	fmt.Println("  Log directory:", logDir)
	fmt.Println("  Stdout log:", filepath.Join(logDir, "task-42.stdout.log"))
	fmt.Println("  Stderr log:", filepath.Join(logDir, "task-42.stderr.log"))
	fmt.Println("Tip: set NOCTUA_LOG_DIR to choose a custom log directory.")
}
