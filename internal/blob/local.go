package blob

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// LocalStore keeps blobs under a directory. URLs have the form
// file://<absolute path>.
type LocalStore struct {
	root string
}

// NewLocal creates the root directory if needed.
func NewLocal(dir string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "local blob: resolve %s", dir)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, eris.Wrapf(err, "local blob: create %s", abs)
	}
	return &LocalStore{root: abs}, nil
}

func (s *LocalStore) path(key string) (string, error) {
	p := filepath.Join(s.root, filepath.FromSlash(key))
	if p != s.root && !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", eris.Errorf("local blob: key %q escapes root", key)
	}
	return p, nil
}

func (s *LocalStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	p, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", eris.Wrapf(err, "local blob: mkdir for %s", key)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", eris.Wrapf(err, "local blob: write %s", key)
	}
	return "file://" + filepath.ToSlash(p), nil
}

// resolve maps a file:// URL back to a path under the root.
func (s *LocalStore) resolve(url string) (string, error) {
	p, ok := strings.CutPrefix(url, "file://")
	if !ok {
		return "", eris.Errorf("local blob: not a file:// url: %q", url)
	}
	p = filepath.Clean(filepath.FromSlash(p))
	if !strings.HasPrefix(p, s.root+string(filepath.Separator)) {
		return "", eris.Errorf("local blob: %q is outside %s", url, s.root)
	}
	return p, nil
}

func (s *LocalStore) Get(_ context.Context, url string) ([]byte, error) {
	p, err := s.resolve(url)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, eris.Wrapf(err, "local blob: read %s", url)
	}
	return data, nil
}

func (s *LocalStore) Delete(_ context.Context, url string) error {
	p, err := s.resolve(url)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return eris.Wrapf(err, "local blob: delete %s", url)
	}
	return nil
}

func (s *LocalStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	dir, err := s.path(prefix)
	if err != nil {
		return 0, err
	}
	if dir == s.root {
		return 0, eris.New("local blob: refusing to delete the root")
	}

	count := 0
	err = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "local blob: walk %s", prefix)
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, eris.Wrapf(err, "local blob: remove %s", prefix)
	}
	return count, nil
}
