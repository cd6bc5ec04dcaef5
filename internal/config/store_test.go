package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestLoadAndCleanDropsUnderscoreAndMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modules.json")
	writeFile(t, path, `{
		"_comment": ["ignored", "ignored", null],
		"calc": ["mymodules.calc", "Calculator", null],
		"broken_len": ["a", "b"],
		"broken_type": "not-a-list",
		"withdispatch": ["mymodules.hw", "HW", "handle"]
	}`)

	var warnings []string
	reg, err := LoadAndClean(path, func(f string, a ...any) {
		warnings = append(warnings, f)
	})
	if err != nil {
		t.Fatalf("LoadAndClean: %v", err)
	}

	if _, ok := reg["_comment"]; ok {
		t.Fatal("underscore-prefixed entry should be dropped silently")
	}
	if _, ok := reg["broken_len"]; ok {
		t.Fatal("3-entry violation should be dropped")
	}
	if _, ok := reg["broken_type"]; ok {
		t.Fatal("non-list value should be dropped")
	}
	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings for malformed entries, got %d: %v", len(warnings), warnings)
	}

	calc, ok := reg["calc"]
	if !ok {
		t.Fatal("expected calc module present")
	}
	if calc.Source != "mymodules.calc" || calc.Entry != "Calculator" || calc.Dispatcher != "" {
		t.Fatalf("unexpected descriptor: %+v", calc)
	}

	hw := reg["withdispatch"]
	if hw.Dispatcher != "handle" {
		t.Fatalf("expected dispatcher 'handle', got %q", hw.Dispatcher)
	}
}

func TestLoadAndCleanInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modules.json")
	writeFile(t, path, `{not valid json`)

	_, err := LoadAndClean(path, nil)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	var cerr *ConfigInvalidError
	if ce, ok := err.(*ConfigInvalidError); ok {
		cerr = ce
	}
	if cerr == nil {
		t.Fatalf("expected *ConfigInvalidError, got %T", err)
	}
}

func TestChangeTrackerFirstCallAlwaysTrue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	writeFile(t, path, "hello")

	ct := NewChangeTracker()
	if !ct.Changed(path) {
		t.Fatal("first observation of a path must report changed")
	}
}

func TestChangeTrackerIgnoresTouchOnlyChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	writeFile(t, path, "hello")

	ct := NewChangeTracker()
	ct.Changed(path) // seed

	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	if ct.Changed(path) {
		t.Fatal("a touch with unchanged content should not report changed")
	}
}

func TestChangeTrackerDetectsContentChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	writeFile(t, path, "hello")

	ct := NewChangeTracker()
	ct.Changed(path) // seed

	time.Sleep(10 * time.Millisecond)
	writeFile(t, path, "goodbye")

	if !ct.Changed(path) {
		t.Fatal("changed content should report changed")
	}
	if ct.Changed(path) {
		t.Fatal("a second call with no further change should report false")
	}
}
