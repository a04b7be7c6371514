package search

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/canonical"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/index"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/metadatastore"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/record"
)

func run(t *testing.T, dir, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("%s %v: %v\n%s", name, args, err, out)
	}
}

func newBareIndexRemote(t *testing.T) string {
	t.Helper()
	remoteDir := t.TempDir()
	run(t, remoteDir, "git", "init", "--bare", "-b", "master")

	seedDir := t.TempDir()
	run(t, seedDir, "git", "clone", remoteDir, ".")
	run(t, seedDir, "git", "config", "user.email", "registry@example.com")
	run(t, seedDir, "git", "config", "user.name", "registry")
	if err := os.WriteFile(filepath.Join(seedDir, "config.json"), []byte(`{"dl":"https://example.com/api/v1/crates"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	run(t, seedDir, "git", "add", "config.json")
	run(t, seedDir, "git", "commit", "-m", "seed")
	run(t, seedDir, "git", "push", "origin", "master")
	return remoteDir
}

func newHarness(t *testing.T) (*Service, *metadatastore.Store, index.Backend) {
	t.Helper()
	ctx := context.Background()

	remote := newBareIndexRemote(t)
	idx, err := index.NewShellGitBackend(ctx, index.ShellGitConfig{
		Dir:         filepath.Join(t.TempDir(), "checkout"),
		URL:         remote,
		Branch:      "master",
		AuthorName:  "registry",
		AuthorEmail: "registry@example.com",
	})
	if err != nil {
		t.Fatalf("NewShellGitBackend: %v", err)
	}

	meta, err := metadatastore.Open(metadatastore.SQLite, "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("metadatastore.Open: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	return New(meta, idx), meta, idx
}

func seedCrate(t *testing.T, meta *metadatastore.Store, idx index.Backend, name string, downloads uint64, versions ...string) {
	t.Helper()
	ctx := context.Background()
	crate := metadatastore.Crate{Name: name, CanonicalName: string(canonical.Canonicalise(name)), Downloads: downloads}
	if err := meta.Run(ctx, func(db *gorm.DB) error {
		return db.Create(&crate).Error
	}); err != nil {
		t.Fatalf("seeding crate row: %v", err)
	}

	if len(versions) == 0 {
		return
	}
	session, err := idx.Lock(ctx)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer session.Close()
	for _, vers := range versions {
		rec := record.Record{
			Name:     name,
			Vers:     vers,
			Deps:     []record.Dependency{},
			Cksum:    "0000000000000000000000000000000000000000000000000000000000000000",
			Features: map[string][]string{},
		}
		if err := session.AppendRecord(ctx, canonical.Canonicalise(name), rec); err != nil {
			t.Fatalf("AppendRecord: %v", err)
		}
	}
	if err := session.Push(ctx); err != nil {
		t.Fatalf("Push: %v", err)
	}
}

func TestSearchRanksByDownloadsAndEnrichesLatest(t *testing.T) {
	svc, meta, idx := newHarness(t)
	seedCrate(t, meta, idx, "demo-crate", 3, "0.1.0", "0.2.0", "0.1.5")
	seedCrate(t, meta, idx, "demo-tool", 9, "1.0.0")

	results, err := svc.Search(context.Background(), "demo", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results.Total != 2 {
		t.Fatalf("Total = %d, want 2", results.Total)
	}
	if results.Hits[0].Crate.Name != "demo-tool" || results.Hits[0].LatestVers != "1.0.0" {
		t.Errorf("Hits[0] = %+v, want demo-tool@1.0.0 first (higher downloads)", results.Hits[0])
	}
	if results.Hits[1].Crate.Name != "demo-crate" || results.Hits[1].LatestVers != "0.2.0" {
		t.Errorf("Hits[1] = %+v, want demo-crate@0.2.0 (greatest SemVer precedence)", results.Hits[1])
	}
}

func TestSearchFiltersBySubstring(t *testing.T) {
	svc, meta, idx := newHarness(t)
	seedCrate(t, meta, idx, "demo-crate", 1, "0.1.0")
	seedCrate(t, meta, idx, "other-thing", 5, "0.1.0")

	results, err := svc.Search(context.Background(), "demo", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if results.Total != 1 || results.Hits[0].Crate.Name != "demo-crate" {
		t.Fatalf("Search(demo) = %+v, want just demo-crate", results)
	}
}

func TestSuggestDefaultAndCappedLimit(t *testing.T) {
	svc, meta, idx := newHarness(t)
	for i := 0; i < 3; i++ {
		seedCrate(t, meta, idx, string(rune('a'+i))+"-demo", uint64(i), "0.1.0")
	}

	suggestions, err := svc.Suggest(context.Background(), "demo", 0)
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if len(suggestions) != 3 {
		t.Fatalf("Suggest default limit = %d results, want 3", len(suggestions))
	}

	limited, err := svc.Suggest(context.Background(), "demo", 1)
	if err != nil {
		t.Fatalf("Suggest limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("Suggest(limit=1) = %d results, want 1", len(limited))
	}

	capped, err := svc.Suggest(context.Background(), "demo", 10000)
	if err != nil {
		t.Fatalf("Suggest capped: %v", err)
	}
	if len(capped) != 3 {
		t.Fatalf("Suggest(limit=10000) = %d results, want capped at available 3", len(capped))
	}
}

func TestSearchCrateWithNoIndexRecordsHasEmptyLatest(t *testing.T) {
	svc, meta, idx := newHarness(t)
	seedCrate(t, meta, idx, "demo-crate", 1)

	results, err := svc.Search(context.Background(), "demo", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results.Hits) != 1 || results.Hits[0].LatestVers != "" {
		t.Errorf("Hits = %+v, want LatestVers empty for a crate with no index file", results.Hits)
	}
}
