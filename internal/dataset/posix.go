package dataset

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

func init() {
	Register("", openPosix)
	Register("file", openPosix)
}

// posixStore reads a zarr store rooted at a directory on a local filesystem.
type posixStore struct {
	root string
}

func openPosix(_ context.Context, uri string) (Store, error) {
	path := uri
	if parsed, err := url.Parse(uri); err == nil && parsed.Scheme == "file" {
		path = parsed.Path
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: not a zarr store directory", path)
	}
	return &posixStore{root: path}, nil
}

func (s *posixStore) Get(_ context.Context, key string) ([]byte, error) {
	if !fs.ValidPath(key) {
		return nil, fmt.Errorf("invalid store key: %q", key)
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(key)))
	if os.IsNotExist(err) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *posixStore) List(_ context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, strings.ReplaceAll(rel, string(filepath.Separator), "/"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
