package env

import (
	"os"
	"sort"
	"strings"
)

// Var is a set of environment variables keyed by name.
type Var map[string]string

// Env composes the environment handed to a managed process.
// It is immutable: With* methods return a modified copy so a shared *Env
// can be read from many goroutines without locking.
type Env struct {
	base   Var // parent environment; nil means "read os.Environ at Merge time"
	global Var // supervisor-wide overrides
}

func New() *Env {
	return &Env{global: make(Var)}
}

// FromOS returns a copy whose base is a snapshot of the current process environment.
func (e *Env) FromOS() *Env {
	c := e.clone()
	c.base = FromPairs(os.Environ())
	return c
}

// WithBase returns a copy whose base is exactly kvs instead of the OS environment.
func (e *Env) WithBase(kvs []string) *Env {
	c := e.clone()
	c.base = FromPairs(kvs)
	return c
}

// WithSet returns a copy with the global variable k set to v.
func (e *Env) WithSet(k, v string) *Env {
	c := e.clone()
	if k != "" {
		c.global[k] = v
	}
	return c
}

// WithPairs returns a copy with every "K=V" entry applied as a global variable.
// Malformed entries (no '=' or empty key) are skipped.
func (e *Env) WithPairs(kvs []string) *Env {
	c := e.clone()
	for _, kv := range kvs {
		if k, v, ok := Split(kv); ok {
			c.global[k] = v
		}
	}
	return c
}

// Global returns a copy of the supervisor-wide variables.
func (e *Env) Global() Var {
	out := make(Var, len(e.global))
	for k, v := range e.global {
		out[k] = v
	}
	return out
}

func (e *Env) clone() *Env {
	c := &Env{global: make(Var, len(e.global))}
	for k, v := range e.global {
		c.global[k] = v
	}
	if e.base != nil {
		c.base = make(Var, len(e.base))
		for k, v := range e.base {
			c.base[k] = v
		}
	}
	return c
}

// Merge composes the final environment in this order, later layers winning:
// base (OS env unless WithBase was used), global variables, then each layer.
// ${VAR} references in values are expanded once against the composed set;
// unknown references are left untouched. The result is sorted by key.
func (e *Env) Merge(layers ...Var) []string {
	base := e.base
	if base == nil {
		base = FromPairs(os.Environ())
	}
	m := make(Var, len(base)+len(e.global))
	for k, v := range base {
		m[k] = v
	}
	for k, v := range e.global {
		m[k] = v
	}
	for _, l := range layers {
		for k, v := range l {
			if k == "" {
				continue
			}
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+Expand(v, m))
	}
	sort.Strings(out)
	return out
}

// Expand replaces ${NAME} with m[NAME]. References to names not in m are kept verbatim.
func Expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok && name != "" {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	return b.String()
}

// Split parses "K=V". ok is false when there is no '=' or the key is empty.
func Split(kv string) (string, string, bool) {
	k, v, found := strings.Cut(kv, "=")
	if !found || k == "" {
		return "", "", false
	}
	return k, v, true
}

// FromPairs converts "K=V" entries into a Var, skipping malformed ones.
func FromPairs(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if k, v, ok := Split(kv); ok {
			m[k] = v
		}
	}
	return m
}

// ValidKey reports whether k can be used as an environment variable name.
func ValidKey(k string) bool {
	if k == "" {
		return false
	}
	return !strings.ContainsAny(k, "=\x00")
}
