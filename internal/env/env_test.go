package env

import (
	"slices"
	"testing"
)

func lookup(pairs []string, key string) (string, bool) {
	for _, kv := range pairs {
		if k, v, ok := Split(kv); ok && k == key {
			return v, true
		}
	}
	return "", false
}

func TestMergePrecedence(t *testing.T) {
	e := New().WithBase([]string{"A=base", "B=base", "C=base"}).WithSet("B", "global").WithSet("C", "global")
	out := e.Merge(Var{"C": "app"})

	for key, want := range map[string]string{"A": "base", "B": "global", "C": "app"} {
		got, ok := lookup(out, key)
		if !ok || got != want {
			t.Fatalf("%s: got %q (present=%v), want %q", key, got, ok, want)
		}
	}
	if !slices.IsSorted(out) {
		t.Fatalf("expected sorted output, got %v", out)
	}
}

func TestMergeLayersInOrder(t *testing.T) {
	e := New().WithBase(nil)
	out := e.Merge(Var{"FLASK_ENV": "development"}, Var{"FLASK_ENV": "production"})
	if v, _ := lookup(out, "FLASK_ENV"); v != "production" {
		t.Fatalf("later layer must win, got %q", v)
	}
}

func TestMergeExpandsReferences(t *testing.T) {
	e := New().WithBase([]string{"HOME=/home/app"})
	out := e.Merge(Var{"DATA": "${HOME}/data", "MISSING": "${NOPE}/x"})
	if v, _ := lookup(out, "DATA"); v != "/home/app/data" {
		t.Fatalf("DATA expanded wrong: %q", v)
	}
	if v, _ := lookup(out, "MISSING"); v != "${NOPE}/x" {
		t.Fatalf("unknown reference should stay verbatim: %q", v)
	}
}

func TestWithSetDoesNotMutateReceiver(t *testing.T) {
	a := New().WithBase(nil)
	b := a.WithSet("K", "v")
	if _, ok := lookup(a.Merge(), "K"); ok {
		t.Fatalf("receiver mutated")
	}
	if v, _ := lookup(b.Merge(), "K"); v != "v" {
		t.Fatalf("copy missing K")
	}
}

func TestExpandEdgeCases(t *testing.T) {
	m := Var{"A": "1"}
	cases := map[string]string{
		"":          "",
		"plain":     "plain",
		"${A}${A}":  "11",
		"${":        "${",
		"${}":       "${}",
		"x${A":      "x${A",
		"$A":        "$A",
		"pre${A}po": "pre1po",
	}
	for in, want := range cases {
		if got := Expand(in, m); got != want {
			t.Errorf("Expand(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSplitAndValidKey(t *testing.T) {
	if _, _, ok := Split("=v"); ok {
		t.Fatal("empty key accepted")
	}
	if _, _, ok := Split("novalue"); ok {
		t.Fatal("missing '=' accepted")
	}
	if k, v, ok := Split("K=a=b"); !ok || k != "K" || v != "a=b" {
		t.Fatalf("split: %q %q %v", k, v, ok)
	}
	if ValidKey("") || ValidKey("A=B") || !ValidKey("FLASK_APP") {
		t.Fatal("ValidKey mismatch")
	}
}
