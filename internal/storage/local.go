package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/parcelize/shardpack/internal/util"
)

// LocalStore keeps shard files on the local filesystem.
type LocalStore struct {
	baseDir string
	prefix  string
}

// NewLocalStore roots a store at baseDir. Keys are slash-separated and
// mapped to paths under baseDir/prefix.
func NewLocalStore(baseDir, prefix string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &LocalStore{baseDir: baseDir, prefix: prefix}, nil
}

func (s *LocalStore) fullPath(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(s.prefix+key))
}

func (s *LocalStore) Write(_ context.Context, key string, data []byte) error {
	path := s.fullPath(key)
	if err := util.AtomicWriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) Read(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.fullPath(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *LocalStore) Head(_ context.Context, key string) (*ObjectInfo, error) {
	info, err := os.Stat(s.fullPath(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("head %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", key, err)
	}
	return &ObjectInfo{Key: key, Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	root := filepath.Join(s.baseDir, filepath.FromSlash(s.prefix))

	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	sort.Strings(keys)
	return keys, nil
}

func (s *LocalStore) Rename(_ context.Context, oldKey, newKey string) error {
	newPath := s.fullPath(newKey)
	if err := util.EnsureDir(filepath.Dir(newPath)); err != nil {
		return fmt.Errorf("rename %s: %w", oldKey, err)
	}
	if err := os.Rename(s.fullPath(oldKey), newPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("rename %s: %w", oldKey, ErrNotFound)
		}
		return fmt.Errorf("rename %s to %s: %w", oldKey, newKey, err)
	}
	return nil
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.fullPath(key)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", key, ErrNotFound)
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *LocalStore) URI(key string) string {
	abs, err := filepath.Abs(s.fullPath(key))
	if err != nil {
		abs = s.fullPath(key)
	}
	return "file://" + filepath.ToSlash(abs)
}

func (s *LocalStore) Close() error { return nil }
