// Package yank implements the Yank Coordinator: flipping a published
// version's yanked bit in the index, the only mutation that touches
// neither the blob store nor (beyond an ownership check) the relational
// metadata store.
package yank

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/apierr"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/auth"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/canonical"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/index"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/metadatastore"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/record"
)

// Coordinator implements the yank/unyank operation.
type Coordinator struct {
	Index index.Backend
	Meta  *metadatastore.Store
	Auth  *auth.Gate
}

// New builds a Coordinator from its three dependencies.
func New(idx index.Backend, meta *metadatastore.Store, gate *auth.Gate) *Coordinator {
	return &Coordinator{Index: idx, Meta: meta, Auth: gate}
}

// Set yanks (yanked=true) or unyanks (yanked=false) displayName@vers on
// behalf of rawToken's author, who must own the crate. It is idempotent:
// if the version's current yanked bit already matches, Set returns
// success without committing or pushing anything.
func (c *Coordinator) Set(ctx context.Context, rawToken, displayName, vers string, yanked bool) error {
	author, err := c.Auth.Authenticate(ctx, rawToken)
	if err != nil {
		return apierr.Wrap(apierr.Unauthorized, err, "authentication failed")
	}

	name := canonical.Canonicalise(displayName)
	var crate metadatastore.Crate
	err = c.Meta.Run(ctx, func(db *gorm.DB) error {
		return db.Where("canonical_name = ?", string(name)).First(&crate).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apierr.New(apierr.NotFound, "crate not found")
	}
	if err != nil {
		return apierr.Wrap(apierr.Database, err, "looking up crate")
	}
	if err := c.Auth.RequireOwner(ctx, crate.ID, author.ID); err != nil {
		return apierr.Wrap(apierr.Forbidden, err, "not an owner of this crate")
	}

	session, err := c.Index.Lock(ctx)
	if err != nil {
		return apierr.Wrap(apierr.Index, err, "locking index")
	}
	defer session.Close()

	records, err := session.AllRecords(ctx, name)
	if errors.Is(err, index.ErrCrateNotFound) {
		return apierr.New(apierr.NotFound, "crate not found in index")
	}
	if err != nil {
		return apierr.Wrap(apierr.Index, err, "reading index")
	}
	rec, ok := record.FindVersion(records, vers)
	if !ok {
		return apierr.New(apierr.NotFound, "version not found")
	}

	// A no-op request commits and pushes nothing.
	if rec.Yanked == yanked {
		return nil
	}

	if err := session.AlterRecord(ctx, name, vers, yanked); err != nil {
		return apierr.Wrap(apierr.Index, err, "altering index record")
	}
	if err := session.Push(ctx); err != nil {
		_ = session.ResetHead(ctx)
		return apierr.Wrap(apierr.Index, err, "pushing index change")
	}
	return nil
}
