// Package blobstore stores and serves crate tarballs (the ".crate" files
// downloaded by Cargo), content-addressed by crate name and version. Two
// backends are provided: a local filesystem store for single-node
// deployments and a Google Cloud Storage-backed store for multi-node
// ones. Both share the same fail-on-exists put semantics: a published
// version's tarball is immutable once written, so a second write to the
// same key is always a bug, never an update.
package blobstore

import (
	"context"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// Key identifies a stored tarball. Name must be the crate's display name
// (see package canonical), not its canonical form, matching how the
// index's record.Record.Name is stored.
type Key struct {
	Name    string
	Version string
}

func (k Key) String() string {
	return fmt.Sprintf("%s-%s.crate", k.Name, k.Version)
}

// ErrAlreadyExists is returned by Put when a blob for the given key has
// already been written.
var ErrAlreadyExists = errors.New("blob already exists")

// ErrNotFound is returned by Stream, Size and Delete when no blob exists
// for the key.
var ErrNotFound = errors.New("blob not found")

// Store persists and serves crate tarballs.
type Store interface {
	// Put writes data under key. If a blob already exists for key, Put
	// returns ErrAlreadyExists and leaves the existing blob untouched.
	Put(ctx context.Context, key Key, data io.Reader) error

	// Stream opens the blob stored under key for reading. The caller
	// must Close the returned reader. Returns ErrNotFound if no blob
	// exists for key.
	Stream(ctx context.Context, key Key) (io.ReadCloser, error)

	// Size reports the size in bytes of the blob stored under key.
	// Returns ErrNotFound if no blob exists for key.
	Size(ctx context.Context, key Key) (int64, error)

	// Delete removes the blob stored under key. Used only by the Publish
	// Coordinator's unwind path, to undo a blob write when the
	// subsequent index push fails; returns ErrNotFound if no blob
	// exists for key.
	Delete(ctx context.Context, key Key) error
}
