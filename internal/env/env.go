// Package env composes the environment passed to the imaging application
// and to lifecycle hooks. Variables layer in a fixed order: the process's
// own OS environment first, then site-wide variables from configuration,
// then the per-invocation overlay (hook stage context, sequence paths and
// so on). Values may reference other variables as ${NAME}; references are
// resolved once against the fully layered map.
package env

import (
	"os"
	"strings"
)

// Var holds one layer of variables.
type Var map[string]string

// Env layers environment variables for child processes.
type Env struct {
	Var Var // site-wide variables, middle layer
	env Var // OS snapshot, bottom layer
}

func New() *Env { return &Env{Var: make(Var)} }

// FromOS snapshots the current process environment as the bottom layer.
// Merge reuses the snapshot, so later changes to the OS environment are not
// seen unless FromOS runs again.
func (e *Env) FromOS() {
	e.env = make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := splitKV(kv); ok {
			e.env[k] = v
		}
	}
}

// Set adds or replaces a site-wide variable.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet is Set returning e, for chained construction.
func (e *Env) WithSet(k, v string) *Env {
	e.Set(k, v)
	return e
}

// Unset removes a site-wide variable.
func (e *Env) Unset(k string) { delete(e.Var, k) }

// Merge layers overlay ("K=V" entries) over the site variables over the OS
// snapshot and returns the result in the form exec.Cmd wants. Malformed
// entries and empty keys are dropped. ${NAME} references resolve against
// the layered map; unknown names stay literal.
func (e *Env) Merge(overlay []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(overlay))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for _, kv := range overlay {
		if k, v, ok := splitKV(kv); ok {
			m[k] = v
		}
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	return out
}

func splitKV(kv string) (key, value string, ok bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

// expand substitutes ${NAME} for every known name, in a single pass over the
// unexpanded map. Plain $NAME is left alone.
func expand(v string, m Var) string {
	if !strings.Contains(v, "${") {
		return v
	}
	for k, val := range m {
		v = strings.ReplaceAll(v, "${"+k+"}", val)
	}
	return v
}
