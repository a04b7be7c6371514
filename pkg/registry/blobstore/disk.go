package blobstore

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/pkg/errors"
)

// DiskStore stores blobs as individual files below a root directory, one
// file per Key, named by Key.String(). It is backed by a billy.Filesystem
// so the same code also runs against an in-memory filesystem in tests.
type DiskStore struct {
	fs billy.Filesystem
}

// NewDiskStore creates a DiskStore rooted at dir. dir is created if it
// does not already exist.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating blob store root %q", dir)
	}
	return &DiskStore{fs: osfs.New(dir)}, nil
}

// NewDiskStoreFS wraps an existing billy.Filesystem as a DiskStore,
// for use with an in-memory filesystem in tests.
func NewDiskStoreFS(fsys billy.Filesystem) *DiskStore {
	return &DiskStore{fs: fsys}
}

func (s *DiskStore) Put(ctx context.Context, key Key, data io.Reader) error {
	path := key.String()
	if dir := filepath.Dir(path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "creating directory for %v", key)
		}
	}
	f, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) || os.IsExist(err) {
			return errors.Wrapf(ErrAlreadyExists, "%v", key)
		}
		return errors.Wrapf(err, "opening blob for %v", key)
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		s.fs.Remove(path)
		return errors.Wrapf(err, "writing blob for %v", key)
	}
	return errors.Wrapf(f.Close(), "closing blob for %v", key)
}

func (s *DiskStore) Stream(ctx context.Context, key Key) (io.ReadCloser, error) {
	f, err := s.fs.Open(key.String())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrNotFound, "%v", key)
		}
		return nil, errors.Wrapf(err, "opening blob for %v", key)
	}
	return f, nil
}

func (s *DiskStore) Size(ctx context.Context, key Key) (int64, error) {
	info, err := s.fs.Stat(key.String())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
			return 0, errors.Wrapf(ErrNotFound, "%v", key)
		}
		return 0, errors.Wrapf(err, "statting blob for %v", key)
	}
	return info.Size(), nil
}

func (s *DiskStore) Delete(ctx context.Context, key Key) error {
	if err := s.fs.Remove(key.String()); err != nil {
		if errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err) {
			return errors.Wrapf(ErrNotFound, "%v", key)
		}
		return errors.Wrapf(err, "deleting blob for %v", key)
	}
	return nil
}

var _ Store = &DiskStore{}
