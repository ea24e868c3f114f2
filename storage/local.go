/*
	Local filesystem driver.  Paths are used as given, so a store rooted at
	"" serves absolute paths while Endpoints provide directory rooting.
*/

package storage

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

func init() {
	RegisterDriver(localDriver{})
}

type localDriver struct{}

func (localDriver) Scheme() string { return "file" }

func (localDriver) Open(root string) (Store, error) {
	return &localStore{root: root}, nil
}

type localStore struct {
	root string
}

func (s *localStore) abs(path string) string {
	if s.root == "" {
		return path
	}
	return filepath.Join(s.root, path)
}

func (s *localStore) Get(path string) ([]byte, error) {
	data, err := os.ReadFile(s.abs(path))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNotFound, path)
	}
	return data, err
}

func (s *localStore) Put(path string, data []byte) error {
	full := s.abs(path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0644)
}

func (s *localStore) TryGetSize(path string) (uint64, bool, error) {
	info, err := os.Stat(s.abs(path))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(info.Size()), true, nil
}

func (s *localStore) List(prefix string) ([]string, error) {
	root := s.abs(prefix)
	info, err := os.Stat(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{prefix}, nil
	}
	var out []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel := strings.TrimPrefix(p, root)
		out = append(out, Join(prefix, strings.TrimPrefix(rel, "/")))
		return nil
	})
	return out, err
}
