package env

import (
	"strings"
	"testing"
)

// FuzzExpandMerge fuzzes Merge/Expand with random inputs to ensure no panics and
// basic invariants on the produced pairs.
func FuzzExpandMerge(f *testing.F) {
	f.Add([]byte("A=1\nB=${A}-x"), []byte("C=${B}-y"))
	f.Add([]byte("FOO=bar"), []byte("FOO=${FOO}"))
	f.Add([]byte("X=$Y"), []byte("Y=${X}"))
	f.Add([]byte("U=${"), []byte("V=${}"))

	f.Fuzz(func(t *testing.T, globalB []byte, perB []byte) {
		global := splitNZ(string(globalB))
		per := splitNZ(string(perB))
		if len(global) > 20 {
			global = global[:20]
		}
		if len(per) > 20 {
			per = per[:20]
		}

		e := New().WithBase(nil).WithPairs(global)
		out := e.Merge(FromPairs(per))
		seen := map[string]bool{}
		for _, kv := range out {
			k, _, ok := Split(kv)
			if !ok {
				t.Fatalf("bad pair: %q", kv)
			}
			if seen[k] {
				t.Fatalf("duplicate key %q in %v", k, out)
			}
			seen[k] = true
		}
	})
}

func splitNZ(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "\n")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
