// Package download implements the Download Service: resolving a
// requested name@vers to its tarball and incrementing the crate's download
// counter. The crate lookup and the increment are separate SQL statements:
// the increment runs in its own transaction, after the lookup and the
// blob check have both succeeded.
package download

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/apierr"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/blobstore"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/canonical"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/metadatastore"
)

// Service resolves and streams published tarballs.
type Service struct {
	Meta  *metadatastore.Store
	Blobs blobstore.Store
}

// New builds a Service from its two dependencies.
func New(meta *metadatastore.Store, blobs blobstore.Store) *Service {
	return &Service{Meta: meta, Blobs: blobs}
}

// Fetch normalises displayName to its canonical form, confirms both the
// crate row and its tarball exist, then increments the crate's downloads
// counter by one within a single SQL transaction and streams the
// tarball. If the crate row or the blob is missing, Fetch returns
// apierr.NotFound and the counter is left untouched: the existence check
// runs to completion, across both stores, before the counter is ever
// touched.
func (s *Service) Fetch(ctx context.Context, displayName, vers string) (io.ReadCloser, error) {
	name := canonical.Canonicalise(displayName)
	var crate metadatastore.Crate
	err := s.Meta.Run(ctx, func(db *gorm.DB) error {
		return db.Where("canonical_name = ?", string(name)).First(&crate).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.New(apierr.NotFound, "crate not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.Database, err, "resolving crate for download")
	}

	r, err := s.Blobs.Stream(ctx, blobstore.Key{Name: crate.Name, Version: vers})
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, apierr.New(apierr.NotFound, "tarball not found")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.Storage, err, "streaming tarball")
	}

	if err := s.Meta.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Model(&metadatastore.Crate{}).Where("id = ?", crate.ID).
			UpdateColumn("downloads", gorm.Expr("downloads + ?", 1)).Error
	}); err != nil {
		r.Close()
		return nil, apierr.Wrap(apierr.Database, err, "incrementing download counter")
	}
	return r, nil
}
