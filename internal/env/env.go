package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes child process environments from a base snapshot of the
// supervisor's own environment plus overrides.
type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parsePairs(os.Environ())
}

// Set sets a global variable K=V. Blocked keys are ignored.
func (e *Env) Set(k, v string) {
	if k == "" || IsBlocked(k) {
		return
	}
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then apply global e.Var overrides
// then apply perProc (slice of "K=V") overrides
// Returns the environment slice in "K=V" form, with ${VAR} expansion performed
// using the composed map (simple expansion, no recursion). Overrides with a
// blocked key are dropped; the inherited base is passed through untouched.
func (e *Env) Merge(perProc []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perProc))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" || IsBlocked(k) {
			continue
		}
		m[k] = v
	}
	for k, v := range parsePairs(perProc) {
		if IsBlocked(k) {
			continue
		}
		m[k] = v
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	return toSlice(expanded)
}

// Overlay returns the base environment overlaid with the entries of extra
// that pass IsBlocked. Unlike Merge no ${VAR} expansion is applied: values are
// passed to the child verbatim. The second result lists the keys that were
// dropped, sorted.
func (e *Env) Overlay(extra map[string]string) ([]string, []string) {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(extra))
	for k, v := range e.env {
		m[k] = v
	}
	kept, dropped := Filter(extra)
	for k, v := range kept {
		m[k] = v
	}
	return toSlice(m), dropped
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}

func parsePairs(kvs []string) Var {
	out := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

func toSlice(m Var) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if k == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
