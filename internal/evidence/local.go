package evidence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Local stores blobs under a directory on disk.
type Local struct {
	root      string
	publicURL string
}

// NewLocal creates a Local store rooted at dir. publicURL, when set, is the
// base under which the directory is served and is used for presigned links.
func NewLocal(dir, publicURL string) (*Local, error) {
	if dir == "" {
		dir = "./evidence"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: resolve %s", dir)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, eris.Wrapf(err, "evidence: create %s", abs)
	}
	return &Local{root: abs, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

func (l *Local) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(key)), nil
}

func (l *Local) Put(_ context.Context, key string, data []byte, _ string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return eris.Wrapf(err, "evidence: mkdir for %s", key)
	}

	// Write to a temp file and rename so readers never see a partial object.
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return eris.Wrapf(err, "evidence: create temp for %s", key)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return eris.Wrapf(err, "evidence: write %s", key)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "evidence: close %s", key)
	}
	return eris.Wrapf(os.Rename(tmp.Name(), p), "evidence: rename %s", key)
}

func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p) //nolint:gosec
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "evidence: read %s", key)
	}
	return data, nil
}

// Presign returns a link to the object. Local links are not signed; the
// expiry is advisory.
func (l *Local) Presign(_ context.Context, key string, ttl time.Duration) (string, error) {
	p, err := l.path(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return "", notFound(key)
	}
	expires := time.Now().Add(ttl).Unix()
	if l.publicURL != "" {
		return fmt.Sprintf("%s/%s?expires=%d", l.publicURL, key, expires), nil
	}
	return fmt.Sprintf("file://%s?expires=%d", filepath.ToSlash(p), expires), nil
}
