package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"

	"github.com/spf13/afero"
	"github.com/suPer8Hu/nahara-chat/internal/store"
)

var unsafeKey = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Store keeps one file per key under Dir. Writes go to a temp file that is
// renamed over the target so a crash never leaves a torn document.
type Store struct {
	fs  afero.Fs
	dir string
}

func New(fsys afero.Fs, dir string) *Store {
	if dir == "" {
		dir = "."
	}
	return &Store{fs: fsys, dir: dir}
}

// NewOS stores documents on the real filesystem. path is the full path of the
// default document; its directory becomes the store directory.
func NewOS(path string) *Store {
	return New(afero.NewOsFs(), filepath.Dir(path))
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, unsafeKey.ReplaceAllString(key, "_")+".json")
}

func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	b, err := afero.ReadFile(s.fs, s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("filestore: read %s: %w", key, err)
	}
	return b, nil
}

func (s *Store) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("filestore: mkdir: %w", err)
	}
	target := s.path(key)
	tmp := target + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o600); err != nil {
		return fmt.Errorf("filestore: write %s: %w", key, err)
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("filestore: rename %s: %w", key, err)
	}
	return nil
}
