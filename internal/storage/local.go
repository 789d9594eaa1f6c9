package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// LocalStore serves filesystem locations. Publish swaps the staged
// directory into place with renames on the same filesystem.
type LocalStore struct {
	log *slog.Logger
}

// NewLocalStore returns a filesystem store.
func NewLocalStore(log *slog.Logger) *LocalStore {
	return &LocalStore{log: log}
}

func (s *LocalStore) Glob(_ context.Context, pattern string) ([]Object, error) {
	var matches []string
	if hasMeta(pattern) {
		m, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid glob %q: %w", pattern, err)
		}
		matches = m
	} else {
		err := filepath.WalkDir(pattern, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				matches = append(matches, p)
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to walk %s: %w", pattern, err)
		}
	}

	objects := make([]Object, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", m, err)
		}
		if info.IsDir() {
			continue
		}
		objects = append(objects, Object{Key: m, Size: info.Size()})
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (s *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(key)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	return f, nil
}

// Stage creates the staging directory next to dest so that Publish can
// rename it into place.
func (s *LocalStore) Stage(dest string) (string, error) {
	parent := filepath.Dir(filepath.Clean(dest))
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	dir, err := os.MkdirTemp(parent, ".staging-"+filepath.Base(dest)+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	return dir, nil
}

func (s *LocalStore) Publish(_ context.Context, stageDir, dest string) (*Published, error) {
	dest = filepath.Clean(dest)
	files, size, err := countFiles(stageDir)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(stageDir, SuccessMarker), nil, 0644); err != nil {
		return nil, fmt.Errorf("failed to write success marker: %w", err)
	}

	removed := 0
	var old string
	if _, err := os.Stat(dest); err == nil {
		old = fmt.Sprintf("%s.old-%d", dest, time.Now().UnixNano())
		if err := os.Rename(dest, old); err != nil {
			return nil, fmt.Errorf("failed to move previous output aside: %w", err)
		}
		if n, _, err := countFiles(old); err == nil {
			removed = n
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat %s: %w", dest, err)
	}

	if err := os.Rename(stageDir, dest); err != nil {
		if old != "" {
			// Put the previous output back so a failed publish changes nothing.
			_ = os.Rename(old, dest)
		}
		return nil, fmt.Errorf("failed to publish %s: %w", dest, err)
	}
	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			s.log.Warn("failed to remove previous output", "path", old, "error", err)
		}
	}

	return &Published{Location: dest, Files: files, Bytes: size, Removed: removed}, nil
}

func (s *LocalStore) Discard(stageDir string) {
	if err := os.RemoveAll(stageDir); err != nil {
		s.log.Warn("failed to remove staging directory", "path", stageDir, "error", err)
	}
}

func (s *LocalStore) CheckAccess(_ context.Context, dest string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("output directory is not writable: %w", err)
	}
	return nil
}

func countFiles(dir string) (int, int64, error) {
	files := 0
	var size int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() == SuccessMarker {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files++
		size += info.Size()
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	return files, size, nil
}
