// Package search implements crate search and name-suggest, backed by the
// relational metadata store for ranking and the git index for the
// latest-version enrichment Cargo's search results display.
package search

import (
	"context"

	"gorm.io/gorm"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/apierr"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/canonical"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/index"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/metadatastore"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/record"
)

const (
	defaultPerPage      = 15
	defaultSuggestLimit = 10
	maxSuggestLimit     = 50
)

// Hit is one search result: a crate row enriched with its latest
// published version.
type Hit struct {
	Crate      metadatastore.Crate
	LatestVers string
}

// Suggestion is one suggest-endpoint result.
type Suggestion struct {
	Name       string
	LatestVers string
}

// Results is one page of search hits.
type Results struct {
	Hits  []Hit
	Total int64
}

// Service answers search and suggest queries.
type Service struct {
	Meta  *metadatastore.Store
	Index index.Backend
}

// New builds a Service from its two dependencies.
func New(meta *metadatastore.Store, idx index.Backend) *Service {
	return &Service{Meta: meta, Index: idx}
}

// Search returns page (1-based; values below 1 are treated as 1) of
// crates matching query as a substring of the display name, sorted by
// download count descending, defaultPerPage results per page, each
// enriched with its latest index record.
func (s *Service) Search(ctx context.Context, query string, page int) (Results, error) {
	if page < 1 {
		page = 1
	}

	var crates []metadatastore.Crate
	var total int64
	err := s.Meta.Run(ctx, func(db *gorm.DB) error {
		scope := func(tx *gorm.DB) *gorm.DB {
			tx = tx.Model(&metadatastore.Crate{})
			if query != "" {
				tx = tx.Where("name LIKE ?", "%"+query+"%")
			}
			return tx
		}
		if err := scope(db).Count(&total).Error; err != nil {
			return err
		}
		return scope(db).
			Order("downloads DESC").
			Limit(defaultPerPage).
			Offset((page - 1) * defaultPerPage).
			Find(&crates).Error
	})
	if err != nil {
		return Results{}, apierr.Wrap(apierr.Database, err, "searching crates")
	}

	hits := make([]Hit, len(crates))
	for i, c := range crates {
		hits[i] = Hit{Crate: c, LatestVers: s.latestVersion(ctx, c.Name)}
	}
	return Results{Hits: hits, Total: total}, nil
}

// Suggest returns up to limit (default defaultSuggestLimit, capped at
// maxSuggestLimit) (name, latest_vers) pairs for crates whose display
// name contains query.
func (s *Service) Suggest(ctx context.Context, query string, limit int) ([]Suggestion, error) {
	if limit <= 0 {
		limit = defaultSuggestLimit
	}
	if limit > maxSuggestLimit {
		limit = maxSuggestLimit
	}

	var crates []metadatastore.Crate
	err := s.Meta.Run(ctx, func(db *gorm.DB) error {
		q := db.Model(&metadatastore.Crate{})
		if query != "" {
			q = q.Where("name LIKE ?", "%"+query+"%")
		}
		return q.Order("downloads DESC").Limit(limit).Find(&crates).Error
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.Database, err, "suggesting crates")
	}

	suggestions := make([]Suggestion, len(crates))
	for i, c := range crates {
		suggestions[i] = Suggestion{Name: c.Name, LatestVers: s.latestVersion(ctx, c.Name)}
	}
	return suggestions, nil
}

// latestVersion returns displayName's latest published version string,
// or "" if the crate has no index file or no parseable version.
func (s *Service) latestVersion(ctx context.Context, displayName string) string {
	records, err := s.Index.AllRecords(ctx, canonical.Canonicalise(displayName))
	if err != nil {
		return ""
	}
	latest, ok := record.Latest(records)
	if !ok {
		return ""
	}
	return latest.Vers
}
