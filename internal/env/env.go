package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/subosito/gotenv"
)

type Var map[string]string

// Env composes the environment handed to the managed process.
// Precedence, lowest first: OS environment (when enabled), env files,
// explicit variables, runtime activation, per-launch overrides.
type Env struct {
	base Var // OS environment, when enabled
	Var  Var // variables from files and configuration
	path []string
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := split(kv); ok {
			base[k] = v
		}
	}
	e.base = base
}

// Set sets a variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetPairs applies a list of "K=V" entries. Malformed entries are skipped.
func (e *Env) SetPairs(kvs []string) {
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			e.Set(k, v)
		}
	}
}

// LoadFile applies a dotenv file. Unquoted and double-quoted $VAR references
// are expanded by the parser against earlier lines and the OS environment;
// single-quoted values are kept verbatim and expanded by Merge. Lines that
// are not assignments or comments fail the load.
func (e *Env) LoadFile(path string) error {
	vars, err := gotenv.Read(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read env file %s: %w", path, err)
	}
	for k, v := range vars {
		e.Set(k, v)
	}
	return nil
}

// Activate mimics sourcing a virtualenv's activate script: VIRTUAL_ENV points
// at dir and dir/bin is searched first on PATH.
func (e *Env) Activate(dir, bin string) {
	if dir == "" {
		return
	}
	if bin == "" {
		bin = "bin"
	}
	e.Set("VIRTUAL_ENV", dir)
	e.path = append([]string{filepath.Join(dir, bin)}, e.path...)
}

// Merge returns the final environment in "K=V" form, sorted by key, with
// ${VAR} references expanded against the composed map (one pass, no recursion).
func (e *Env) Merge(extra []string) []string {
	m := make(Var, len(e.base)+len(e.Var)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range extra {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	if len(e.path) > 0 {
		parts := append([]string(nil), e.path...)
		if cur := m["PATH"]; cur != "" {
			parts = append(parts, cur)
		}
		m["PATH"] = strings.Join(parts, string(os.PathListSeparator))
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Var) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		key := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[key]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}

func split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}
