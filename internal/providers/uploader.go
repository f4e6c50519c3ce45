package providers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// OutputStore persists conversion artifacts under slash-separated keys and
// returns the location each one landed at.
type OutputStore interface {
	Put(ctx context.Context, key string, contentType string, data []byte) (string, error)
}

type dirStore struct {
	root string
}

// NewDirStore keeps artifacts below root and reports file:// locations.
func NewDirStore(root string) OutputStore {
	return &dirStore{root: root}
}

func (s *dirStore) Put(ctx context.Context, key string, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rel, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	if err := writeAtomic(dst, data); err != nil {
		return "", fmt.Errorf("write %s (%s): %w", key, contentType, err)
	}
	abs, err := filepath.Abs(dst)
	if err != nil {
		abs = dst
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func (s *dirStore) resolve(key string) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(key))
	if rel == "." || filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes the output directory", key)
	}
	return rel, nil
}

// writeAtomic renames a sibling temp file over dst so readers never observe
// a partial artifact.
func writeAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
