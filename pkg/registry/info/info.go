// Package info implements the Info/List Service: single-crate detail
// lookups joined with keyword/category names, and paginated crate
// listing with a substring name filter.
package info

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/apierr"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/canonical"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/metadatastore"
)

// CrateInfo is a crate row enriched with its keyword and category names.
type CrateInfo struct {
	Crate      metadatastore.Crate
	Keywords   []string
	Categories []string
}

// Page is one page of a crate listing.
type Page struct {
	Crates []metadatastore.Crate
	Total  int64
}

// Service answers single-crate and listing queries against the
// relational metadata store.
type Service struct {
	Meta *metadatastore.Store
}

// New builds a Service backed by meta.
func New(meta *metadatastore.Store) *Service {
	return &Service{Meta: meta}
}

// Get returns displayName's crate row joined with its keyword and
// category names.
func (s *Service) Get(ctx context.Context, displayName string) (CrateInfo, error) {
	name := canonical.Canonicalise(displayName)
	var info CrateInfo
	err := s.Meta.Run(ctx, func(db *gorm.DB) error {
		if err := db.Where("canonical_name = ?", string(name)).First(&info.Crate).Error; err != nil {
			return err
		}
		if err := db.Model(&metadatastore.Keyword{}).
			Joins("JOIN crate_keywords ON crate_keywords.keyword_id = keywords.id").
			Where("crate_keywords.crate_id = ?", info.Crate.ID).
			Pluck("keywords.name", &info.Keywords).Error; err != nil {
			return err
		}
		return db.Model(&metadatastore.Category{}).
			Joins("JOIN crate_categories ON crate_categories.category_id = categories.id").
			Where("crate_categories.crate_id = ?", info.Crate.ID).
			Pluck("categories.tag", &info.Categories).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CrateInfo{}, apierr.New(apierr.NotFound, "crate not found")
	}
	if err != nil {
		return CrateInfo{}, apierr.Wrap(apierr.Database, err, "reading crate info")
	}
	return info, nil
}

// List returns a page of crates, sorted by downloads desc, updated_at
// desc, name asc, with an optional substring filter on the display
// name. page is 1-based; perPage must be positive.
func (s *Service) List(ctx context.Context, filter string, page, perPage int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 15
	}

	var result Page
	err := s.Meta.Run(ctx, func(db *gorm.DB) error {
		scope := func(tx *gorm.DB) *gorm.DB {
			tx = tx.Model(&metadatastore.Crate{})
			if filter != "" {
				tx = tx.Where("name LIKE ?", "%"+filter+"%")
			}
			return tx
		}
		if err := scope(db).Count(&result.Total).Error; err != nil {
			return err
		}
		return scope(db).
			Order("downloads DESC, updated_at DESC, name ASC").
			Limit(perPage).
			Offset((page - 1) * perPage).
			Find(&result.Crates).Error
	})
	if err != nil {
		return Page{}, apierr.Wrap(apierr.Database, err, "listing crates")
	}
	return result, nil
}
