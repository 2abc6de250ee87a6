package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirAudioStore keeps produced audio as flat WAV files under one directory.
// The reference stored on the segment is the bare file name, so the
// directory can move without rewriting rows.
type DirAudioStore struct {
	dir string
}

var _ AudioStore = (*DirAudioStore)(nil)

// NewDirAudioStore creates the directory if needed. The directory is
// resolved to an absolute path up front, so references handed to engines
// stay valid regardless of the server's working directory.
func NewDirAudioStore(dir string) (*DirAudioStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("job: resolve audio dir %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("job: create audio dir %q: %w", dir, err)
	}
	return &DirAudioStore{dir: abs}, nil
}

// Write stores wav for the segment, replacing any previous take, and returns
// the reference.
func (s *DirAudioStore) Write(_ context.Context, segmentID string, wav []byte) (string, error) {
	ref := segmentID + ".wav"
	tmp := filepath.Join(s.dir, ref+".tmp")
	if err := os.WriteFile(tmp, wav, 0o644); err != nil {
		return "", fmt.Errorf("job: write audio %q: %w", ref, err)
	}
	// Rename so readers never see a half-written file.
	if err := os.Rename(tmp, filepath.Join(s.dir, ref)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("job: publish audio %q: %w", ref, err)
	}
	return ref, nil
}

// Path resolves a reference to its on-disk location. Directory components in
// the reference are discarded, so a stored reference can never escape the
// audio directory.
func (s *DirAudioStore) Path(ref string) string {
	return filepath.Join(s.dir, filepath.Base(ref))
}
