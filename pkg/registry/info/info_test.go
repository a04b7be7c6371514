package info

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/apierr"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/canonical"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/metadatastore"
)

func newHarness(t *testing.T) (*Service, *metadatastore.Store) {
	t.Helper()
	meta, err := metadatastore.Open(metadatastore.SQLite, "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("metadatastore.Open: %v", err)
	}
	t.Cleanup(func() { meta.Close() })
	return New(meta), meta
}

func seedCrate(t *testing.T, meta *metadatastore.Store, name string, downloads uint64, keywords, categoryTags []string) metadatastore.Crate {
	t.Helper()
	crate := metadatastore.Crate{
		Name:          name,
		CanonicalName: string(canonical.Canonicalise(name)),
		Downloads:     downloads,
	}
	if err := meta.Run(context.Background(), func(db *gorm.DB) error {
		if err := db.Create(&crate).Error; err != nil {
			return err
		}
		for _, kw := range keywords {
			keyword := metadatastore.Keyword{Name: kw}
			if err := db.Create(&keyword).Error; err != nil {
				return err
			}
			if err := db.Create(&metadatastore.CrateKeyword{CrateID: crate.ID, KeywordID: keyword.ID}).Error; err != nil {
				return err
			}
		}
		for _, tag := range categoryTags {
			cat := metadatastore.Category{Tag: tag, Name: tag}
			if err := db.Create(&cat).Error; err != nil {
				return err
			}
			if err := db.Create(&metadatastore.CrateCategory{CrateID: crate.ID, CategoryID: cat.ID}).Error; err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		t.Fatalf("seeding crate %s: %v", name, err)
	}
	return crate
}

func TestGetJoinsKeywordsAndCategories(t *testing.T) {
	svc, meta := newHarness(t)
	seedCrate(t, meta, "demo-crate", 5, []string{"parsing", "cli"}, []string{"command-line-utilities"})

	got, err := svc.Get(context.Background(), "demo-crate")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Keywords) != 2 {
		t.Errorf("Keywords = %v, want 2 entries", got.Keywords)
	}
	if len(got.Categories) != 1 || got.Categories[0] != "command-line-utilities" {
		t.Errorf("Categories = %v, want [command-line-utilities]", got.Categories)
	}
}

func TestGetUnknownCrateNotFound(t *testing.T) {
	svc, _ := newHarness(t)
	_, err := svc.Get(context.Background(), "nonexistent-crate")
	if apierr.KindOf(err) != apierr.NotFound {
		t.Fatalf("Get of unknown crate kind = %v, want NotFound (err=%v)", apierr.KindOf(err), err)
	}
}

func TestListSortsByDownloadsThenNameAndFilters(t *testing.T) {
	svc, meta := newHarness(t)
	seedCrate(t, meta, "alpha-crate", 1, nil, nil)
	seedCrate(t, meta, "beta-crate", 10, nil, nil)
	seedCrate(t, meta, "gamma-tool", 10, nil, nil)
	// beta-crate and gamma-tool tie on downloads; give them the same
	// updated_at so the name ASC key decides their order.
	sameTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := meta.Run(context.Background(), func(db *gorm.DB) error {
		return db.Model(&metadatastore.Crate{}).Where("name IN ?", []string{"beta-crate", "gamma-tool"}).
			UpdateColumn("updated_at", sameTime).Error
	}); err != nil {
		t.Fatalf("setting updated_at: %v", err)
	}

	page, err := svc.List(context.Background(), "", 1, 15)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("Total = %d, want 3", page.Total)
	}
	wantOrder := []string{"beta-crate", "gamma-tool", "alpha-crate"}
	for i, name := range wantOrder {
		if page.Crates[i].Name != name {
			t.Errorf("Crates[%d] = %q, want %q (order: %v)", i, page.Crates[i].Name, name, page.Crates)
		}
	}

	filtered, err := svc.List(context.Background(), "crate", 1, 15)
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if filtered.Total != 2 {
		t.Fatalf("filtered Total = %d, want 2", filtered.Total)
	}
}

func TestListPagination(t *testing.T) {
	svc, meta := newHarness(t)
	for i := 0; i < 5; i++ {
		seedCrate(t, meta, string(rune('a'+i))+"-crate", uint64(i), nil, nil)
	}

	page, err := svc.List(context.Background(), "", 1, 2)
	if err != nil {
		t.Fatalf("List page 1: %v", err)
	}
	if len(page.Crates) != 2 || page.Total != 5 {
		t.Fatalf("page 1 = %+v, want 2 crates of 5 total", page)
	}

	page2, err := svc.List(context.Background(), "", 2, 2)
	if err != nil {
		t.Fatalf("List page 2: %v", err)
	}
	if len(page2.Crates) != 2 {
		t.Fatalf("page 2 = %+v, want 2 crates", page2)
	}
	if page.Crates[0].Name == page2.Crates[0].Name {
		t.Error("page 1 and page 2 must not overlap")
	}
}
