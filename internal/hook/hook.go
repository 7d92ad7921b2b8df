// Package hook runs operator-supplied scripts at fixed points of the
// observing loop: once at startup, at the start and end of each night, and
// after each task attempt settles. Scripts receive their context through
// NOCTUA_* environment variables and --key value arguments. A stage with no
// script configured, or whose script file is absent, is skipped silently so
// sites only write the hooks they need.
package hook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/noctua-obs/noctua/internal/env"
)

// Stage identifies one of the fixed points where a script may run.
type Stage string

const (
	StageStartup    Stage = "startup"
	StageNightStart Stage = "night_start"
	StageNightEnd   Stage = "night_end"
	StagePostTask   Stage = "post_task"
)

func (s Stage) String() string { return string(s) }

const (
	// DefaultTimeout bounds a single hook invocation.
	DefaultTimeout = 30 * time.Second
	// killGrace is how long a timed-out hook gets between SIGTERM and SIGKILL.
	killGrace = 2 * time.Second
	// stderrTail limits how much captured stderr an Error carries.
	stderrTail = 4 << 10
)

// Error reports a hook script that started and then failed or timed out.
// Skipped hooks never produce an Error.
type Error struct {
	Stage    Stage
	ExitCode int // -1 when the script did not exit on its own
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hook %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("hook %s: exit code %d", e.Stage, e.ExitCode)
}

func (e *Error) Unwrap() error { return e.Err }

// Spec configures the script run at one stage.
type Spec struct {
	Script  string            `json:"script" mapstructure:"script"`
	WorkDir string            `json:"work_dir" mapstructure:"work_dir"`
	Args    map[string]string `json:"args" mapstructure:"args"`
	Env     []string          `json:"env" mapstructure:"env"`
	Timeout time.Duration     `json:"timeout" mapstructure:"timeout"`
}

// Validate checks a single stage configuration. An empty Script is valid and
// disables the stage.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Script) == "" {
		return nil
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if s.Timeout > time.Hour {
		return fmt.Errorf("timeout too long (max 1 hour)")
	}
	if s.WorkDir != "" && strings.Contains(s.WorkDir, "..") {
		return fmt.Errorf("work_dir cannot contain '..' path traversal")
	}
	for i, kv := range s.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("env[%d] %q is invalid, must be in KEY=VALUE format", i, kv)
		}
		key := strings.TrimSpace(strings.SplitN(kv, "=", 2)[0])
		if key == "" {
			return fmt.Errorf("env[%d] has empty key", i)
		}
		if strings.HasPrefix(key, "NOCTUA_") {
			return fmt.Errorf("env[%d] key %q is reserved (NOCTUA_ prefix)", i, key)
		}
	}
	for k := range s.Args {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("args contains an empty key")
		}
	}
	return nil
}

// GetDefaults applies default values to the stage configuration.
func (s *Spec) GetDefaults() {
	if s.Timeout == 0 {
		s.Timeout = DefaultTimeout
	}
}

// Context carries the run facts a script may need. Zero-valued fields are
// omitted from both the environment and the argument list.
type Context struct {
	TaskID       int
	SequencePath string
	Outcome      string
	Frames       int
}

func (c Context) environ(stage Stage) []string {
	out := []string{"NOCTUA_STAGE=" + string(stage)}
	if c.TaskID > 0 {
		out = append(out, "NOCTUA_TASK_ID="+strconv.Itoa(c.TaskID))
		out = append(out, "NOCTUA_FRAMES="+strconv.Itoa(c.Frames))
	}
	if c.SequencePath != "" {
		out = append(out, "NOCTUA_SEQUENCE_PATH="+c.SequencePath)
	}
	if c.Outcome != "" {
		out = append(out, "NOCTUA_OUTCOME="+c.Outcome)
	}
	return out
}

func (c Context) argv() []string {
	var out []string
	if c.TaskID > 0 {
		out = append(out, "--task-id", strconv.Itoa(c.TaskID))
		out = append(out, "--frames", strconv.Itoa(c.Frames))
	}
	if c.SequencePath != "" {
		out = append(out, "--sequence", c.SequencePath)
	}
	if c.Outcome != "" {
		out = append(out, "--outcome", c.Outcome)
	}
	return out
}

// Runner executes hook scripts with the site environment layered in.
type Runner struct {
	specs map[Stage]Spec
	env   *env.Env
}

// NewRunner validates every configured stage and returns a runner over them.
// e may be nil, in which case only the OS environment is inherited.
func NewRunner(specs map[Stage]Spec, e *env.Env) (*Runner, error) {
	owned := make(map[Stage]Spec, len(specs))
	for stage, sp := range specs {
		if err := sp.Validate(); err != nil {
			return nil, fmt.Errorf("hook %s: %w", stage, err)
		}
		sp.GetDefaults()
		owned[stage] = sp
	}
	if e == nil {
		e = env.New()
	}
	return &Runner{specs: owned, env: e}, nil
}

// Configured reports whether stage has a script path set.
func (r *Runner) Configured(stage Stage) bool {
	sp, ok := r.specs[stage]
	return ok && strings.TrimSpace(sp.Script) != ""
}

// Run executes the script configured for stage, if any. Missing configuration
// and missing script files are skips, not errors. A script that runs and
// fails, or exceeds its timeout, yields an *Error. Cancellation of ctx kills
// the script and returns the context error.
func (r *Runner) Run(ctx context.Context, stage Stage, hctx Context) error {
	sp, ok := r.specs[stage]
	if !ok || strings.TrimSpace(sp.Script) == "" {
		slog.Debug("no hook configured", "stage", stage)
		return nil
	}
	if _, err := os.Stat(sp.Script); err != nil {
		slog.Warn("hook script missing, skipping", "stage", stage, "script", sp.Script)
		return nil
	}

	args := hctx.argv()
	for _, k := range sortedKeys(sp.Args) {
		args = append(args, "--"+k, sp.Args[k])
	}

	// #nosec G204 -- script path comes from operator config
	cmd := exec.Command(sp.Script, args...)
	cmd.Dir = sp.WorkDir
	overlay := hctx.environ(stage)
	overlay = append(overlay, sp.Env...)
	cmd.Env = r.env.Merge(overlay)
	setProcAttrs(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return &Error{Stage: stage, ExitCode: -1, Err: fmt.Errorf("start script: %w", err)}
	}
	slog.Debug("hook started", "stage", stage, "script", sp.Script, "pid", cmd.Process.Pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(sp.Timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		killHookGroup(cmd.Process.Pid)
		<-done
		slog.Warn("hook timed out", "stage", stage, "timeout", sp.Timeout)
		return &Error{
			Stage:    stage,
			ExitCode: -1,
			Stderr:   tail(&stderr),
			Err:      fmt.Errorf("timed out after %s", sp.Timeout),
		}
	case <-ctx.Done():
		killHookGroup(cmd.Process.Pid)
		<-done
		return ctx.Err()
	}

	logScriptOutput(stage, &stdout, &stderr)
	if waitErr == nil {
		slog.Info("hook finished", "stage", stage, "duration", time.Since(start))
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return &Error{Stage: stage, ExitCode: exitErr.ExitCode(), Stderr: tail(&stderr)}
	}
	return &Error{Stage: stage, ExitCode: -1, Stderr: tail(&stderr), Err: waitErr}
}

func logScriptOutput(stage Stage, stdout, stderr *bytes.Buffer) {
	if s := strings.TrimSpace(stdout.String()); s != "" {
		slog.Debug("hook stdout", "stage", stage, "output", s)
	}
	if s := strings.TrimSpace(stderr.String()); s != "" {
		slog.Warn("hook stderr", "stage", stage, "output", s)
	}
}

func tail(buf *bytes.Buffer) string {
	s := buf.String()
	if len(s) > stderrTail {
		s = s[len(s)-stderrTail:]
	}
	return strings.TrimSpace(s)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
