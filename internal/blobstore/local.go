package blobstore

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// Local stores blobs as files below a root directory.
type Local struct {
	root string
}

// NewLocal creates a Local store rooted at dir, creating it if needed.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "blobstore: create root %s", dir)
	}
	return &Local{root: dir}, nil
}

func (l *Local) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" {
		return "", eris.Errorf("blobstore: invalid key %q", key)
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}

// Put writes to a temp file in the target directory, syncs it and renames it
// into place so readers never observe a partial blob.
func (l *Local) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return eris.Wrapf(err, "blobstore: mkdir for %s", key)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return eris.Wrapf(err, "blobstore: temp file for %s", key)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "blobstore: write %s", key)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "blobstore: sync %s", key)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "blobstore: close %s", key)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return eris.Wrapf(err, "blobstore: rename %s", key)
	}
	return nil
}

// Get implements Store.
func (l *Local) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "blobstore: read %s", key)
	}
	return data, nil
}

// List implements Store. Temp files from in-progress puts are skipped.
func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
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
		return nil, eris.Wrapf(err, "blobstore: list %s", prefix)
	}
	sort.Strings(keys)
	return keys, nil
}
