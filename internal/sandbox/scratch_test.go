package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewScratchDir(t *testing.T) {
	root := t.TempDir()
	dir, codePath, err := newScratchDir(root, "main.py", "print(1)")
	if err != nil {
		t.Fatalf("newScratchDir: %v", err)
	}
	if filepath.Dir(dir) != root || !strings.HasPrefix(filepath.Base(dir), scratchPrefix) {
		t.Errorf("dir = %s, want %s/%s*", dir, root, scratchPrefix)
	}
	data, err := os.ReadFile(codePath)
	if err != nil || string(data) != "print(1)" {
		t.Errorf("code file = %q, %v", data, err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		t.Errorf("scratch dir mode = %v, want private", info.Mode().Perm())
	}
}

func TestSweepScratch(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{scratchPrefix + "a", scratchPrefix + "b", "unrelated"} {
		if err := os.Mkdir(filepath.Join(root, name), 0o700); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, scratchPrefix+"file"), nil, 0o600); err != nil {
		t.Fatal(err)
	}

	n, err := SweepScratch(root)
	if err != nil {
		t.Fatalf("SweepScratch: %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d, want 2", n)
	}
	if _, err := os.Stat(filepath.Join(root, "unrelated")); err != nil {
		t.Error("unrelated directory was removed")
	}
	if _, err := os.Stat(filepath.Join(root, scratchPrefix+"file")); err != nil {
		t.Error("regular file with the prefix was removed")
	}
}

func TestSweepScratch_MissingRoot(t *testing.T) {
	if _, err := SweepScratch(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing root")
	}
}
