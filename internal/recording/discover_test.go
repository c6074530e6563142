package recording

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDiscoverFileFindsMostRecentMatch(t *testing.T) {
	root := t.TempDir()
	older := filepath.Join(root, "abc123-old.wav")
	newer := filepath.Join(root, "abc123-new.wav")
	os.WriteFile(older, []byte("x"), 0o644)
	time.Sleep(10 * time.Millisecond)
	os.WriteFile(newer, []byte("y"), 0o644)

	got, ok := DiscoverFile([]string{root}, "abc123", time.Hour)
	if !ok {
		t.Fatalf("expected a match")
	}
	if got != newer {
		t.Fatalf("expected most recently modified file %q, got %q", newer, got)
	}
}

func TestDiscoverFileIgnoresOutsideWindow(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "abc123.wav")
	os.WriteFile(path, []byte("x"), 0o644)
	old := time.Now().Add(-2 * time.Hour)
	os.Chtimes(path, old, old)

	_, ok := DiscoverFile([]string{root}, "abc123", time.Hour)
	if ok {
		t.Fatalf("expected no match outside the discovery window")
	}
}

func TestFindByLinkedIDSortsMatches(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "z-linked1.wav"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(root, "a-linked1.wav"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(root, "unrelated.wav"), []byte("x"), 0o644)

	matches := FindByLinkedID([]string{root}, "linked1")
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d: %v", len(matches), matches)
	}
	if filepath.Base(matches[0]) != "a-linked1.wav" {
		t.Fatalf("expected sorted order, got %v", matches)
	}
}

func TestSyntheticFilename(t *testing.T) {
	if got := SyntheticFilename("1690000000.123"); got != "1690000000.123.wav" {
		t.Fatalf("unexpected synthetic filename: %q", got)
	}
}
