package runner

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRotateLog_NoOpWhenFileSmall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	os.WriteFile(path, []byte("small"), 0o644)

	if err := rotateLog(path, 1<<20, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".1"); err == nil {
		t.Fatal("did not expect a rotated backup for a small file")
	}
}

func TestRotateLog_NoOpWhenFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.log")
	if err := rotateLog(path, 10, 3); err != nil {
		t.Fatalf("expected no error for missing log, got %v", err)
	}
}

func TestRotateLog_RotatesAndCapsBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.log")
	big := make([]byte, 100)

	os.WriteFile(path, big, 0o644)
	if err := rotateLog(path, 10, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected .1 backup to exist: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatal("expected original log path to be renamed away")
	}

	os.WriteFile(path, big, 0o644)
	if err := rotateLog(path, 10, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".2"); err != nil {
		t.Fatalf("expected .1 to shift to .2: %v", err)
	}

	os.WriteFile(path, big, 0o644)
	if err := rotateLog(path, 10, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".3"); err == nil {
		t.Fatal("expected backups capped at maxBackups=2, no .3 should exist")
	}
}
