package retention

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeAged(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("jpeg"), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", name, err)
	}
	return path
}

func fixedAge(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

func TestSweepDeletesOnlyAgedUnknownImages(t *testing.T) {
	dir := t.TempDir()
	old := writeAged(t, dir, "Unknown_1000.jpg", 72*time.Hour)
	fresh := writeAged(t, dir, "Unknown_2000.jpg", time.Hour)
	known := writeAged(t, dir, "Alice_1000.jpg", 72*time.Hour)

	c := NewCleaner(dir, time.Hour, fixedAge(24*time.Hour))
	if n := c.Sweep(time.Now()); n != 1 {
		t.Fatalf("sweep deleted %d files, want 1", n)
	}

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("aged unknown image survived the sweep")
	}
	for _, keep := range []string{fresh, known} {
		if _, err := os.Stat(keep); err != nil {
			t.Fatalf("%s was deleted, want kept", filepath.Base(keep))
		}
	}
}

func TestSweepMatchesPrefixCaseInsensitively(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "unknown_1000.jpg", 72*time.Hour)
	writeAged(t, dir, "UNKNOWN_2000.JPG", 72*time.Hour)

	c := NewCleaner(dir, time.Hour, fixedAge(24*time.Hour))
	if n := c.Sweep(time.Now()); n != 2 {
		t.Fatalf("sweep deleted %d files, want 2", n)
	}
}

func TestSweepDisabledByNegativeMaxAge(t *testing.T) {
	dir := t.TempDir()
	kept := writeAged(t, dir, "Unknown_1000.jpg", 365*24*time.Hour)

	c := NewCleaner(dir, time.Hour, fixedAge(-1))
	if n := c.Sweep(time.Now()); n != 0 {
		t.Fatalf("disabled sweep deleted %d files, want 0", n)
	}
	if _, err := os.Stat(kept); err != nil {
		t.Fatal("disabled sweep removed a file")
	}
}

func TestSweepZeroMaxAgeKeepsOnePeriodGrace(t *testing.T) {
	dir := t.TempDir()
	old := writeAged(t, dir, "Unknown_1000.jpg", 2*time.Hour)
	fresh := writeAged(t, dir, "Unknown_2000.jpg", 10*time.Minute)

	c := NewCleaner(dir, time.Hour, fixedAge(0))
	if n := c.Sweep(time.Now()); n != 1 {
		t.Fatalf("sweep deleted %d files, want 1", n)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("image older than the grace period survived")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("image inside the grace period was deleted")
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "Unknown_1000.jpg", 72*time.Hour)

	c := NewCleaner(dir, time.Hour, fixedAge(24*time.Hour))
	if n := c.Sweep(time.Now()); n != 1 {
		t.Fatalf("first sweep deleted %d files, want 1", n)
	}
	if n := c.Sweep(time.Now()); n != 0 {
		t.Fatalf("second sweep deleted %d files, want 0", n)
	}
}

func TestSweepToleratesMissingDirectory(t *testing.T) {
	c := NewCleaner(filepath.Join(t.TempDir(), "nope"), time.Hour, fixedAge(time.Hour))
	if n := c.Sweep(time.Now()); n != 0 {
		t.Fatalf("sweep on missing dir deleted %d files, want 0", n)
	}
}
