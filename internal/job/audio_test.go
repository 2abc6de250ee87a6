package job

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestDirAudioStore_WriteThenPathRoundTrip(t *testing.T) {
	s, err := NewDirAudioStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirAudioStore: %v", err)
	}

	wav := []byte("RIFFxxxxWAVE")
	ref, err := s.Write(context.Background(), "s1", wav)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if ref != "s1.wav" {
		t.Errorf("ref = %q, want s1.wav", ref)
	}

	got, err := os.ReadFile(s.Path(ref))
	if err != nil {
		t.Fatalf("ReadFile(Path): %v", err)
	}
	if string(got) != string(wav) {
		t.Errorf("stored audio = %q, want %q", got, wav)
	}
}

func TestDirAudioStore_WriteReplacesPreviousTake(t *testing.T) {
	s, err := NewDirAudioStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirAudioStore: %v", err)
	}

	if _, err := s.Write(context.Background(), "s1", []byte("first")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	ref, err := s.Write(context.Background(), "s1", []byte("second"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := os.ReadFile(s.Path(ref))
	if err != nil {
		t.Fatalf("ReadFile(Path): %v", err)
	}
	if string(got) != "second" {
		t.Errorf("stored audio = %q, want the replacement take", got)
	}
}

func TestDirAudioStore_PathIgnoresDirectoryComponents(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDirAudioStore(dir)
	if err != nil {
		t.Fatalf("NewDirAudioStore: %v", err)
	}

	// A reference with directory components must not escape the store dir.
	got := s.Path("../../etc/passwd")
	want := filepath.Join(dir, "passwd")
	if got != want {
		t.Errorf("Path = %q, want %q", got, want)
	}
}

func TestDirAudioStore_PathIsAbsolute(t *testing.T) {
	s, err := NewDirAudioStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirAudioStore: %v", err)
	}
	if p := s.Path("s1.wav"); !filepath.IsAbs(p) {
		t.Errorf("Path = %q, want absolute", p)
	}
}

func TestDirAudioStore_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDirAudioStore(dir)
	if err != nil {
		t.Fatalf("NewDirAudioStore: %v", err)
	}
	if _, err := s.Write(context.Background(), "s1", []byte("wav")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "s1.wav" {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("dir contents = %v, want only s1.wav", names)
	}
}
