package yank

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/apierr"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/auth"
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

type harness struct {
	coord       *Coordinator
	meta        *metadatastore.Store
	idx         index.Backend
	gate        *auth.Gate
	checkoutDir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	remote := newBareIndexRemote(t)
	checkoutDir := filepath.Join(t.TempDir(), "checkout")
	idx, err := index.NewShellGitBackend(ctx, index.ShellGitConfig{
		Dir:         checkoutDir,
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

	gate := auth.NewGate(meta)

	return &harness{
		coord:       New(idx, meta, gate),
		meta:        meta,
		idx:         idx,
		gate:        gate,
		checkoutDir: checkoutDir,
	}
}

// issueAuthor creates an author row and returns it; token issues its
// raw bearer token.
func (h *harness) issueAuthor(t *testing.T, name string) metadatastore.Author {
	t.Helper()
	ctx := context.Background()
	author := metadatastore.Author{Name: name, Email: name + "@example.com"}
	if err := h.meta.Run(ctx, func(db *gorm.DB) error {
		return db.Create(&author).Error
	}); err != nil {
		t.Fatalf("creating author: %v", err)
	}
	return author
}

func (h *harness) token(t *testing.T, author metadatastore.Author) string {
	t.Helper()
	token, err := h.gate.IssueToken(context.Background(), author.ID, "test token")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return token
}

// seedCrate inserts a Crate row owned by author and a matching index
// record for name@vers.
func (h *harness) seedCrate(t *testing.T, author metadatastore.Author, name, vers string) {
	t.Helper()
	ctx := context.Background()
	crate := metadatastore.Crate{Name: name, CanonicalName: string(canonical.Canonicalise(name))}
	if err := h.meta.Run(ctx, func(db *gorm.DB) error {
		if err := db.Create(&crate).Error; err != nil {
			return err
		}
		return db.Create(&metadatastore.CrateAuthor{CrateID: crate.ID, AuthorID: author.ID}).Error
	}); err != nil {
		t.Fatalf("seeding crate row: %v", err)
	}

	session, err := h.idx.Lock(ctx)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer session.Close()
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
	if err := session.Push(ctx); err != nil {
		t.Fatalf("Push: %v", err)
	}
}

func (h *harness) yankedState(t *testing.T, name, vers string) bool {
	t.Helper()
	records, err := h.idx.AllRecords(context.Background(), canonical.Canonicalise(name))
	if err != nil {
		t.Fatalf("AllRecords: %v", err)
	}
	rec, ok := record.FindVersion(records, vers)
	if !ok {
		t.Fatalf("version %s not found in index for %s", vers, name)
	}
	return rec.Yanked
}

func TestSetYanksVersion(t *testing.T) {
	h := newHarness(t)
	alice := h.issueAuthor(t, "alice")
	h.seedCrate(t, alice, "demo-crate", "0.1.0")

	err := h.coord.Set(context.Background(), h.token(t, alice), "demo-crate", "0.1.0", true)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !h.yankedState(t, "demo-crate", "0.1.0") {
		t.Error("expected version to be yanked")
	}
}

func TestSetUnyanksVersion(t *testing.T) {
	h := newHarness(t)
	alice := h.issueAuthor(t, "alice")
	h.seedCrate(t, alice, "demo-crate", "0.1.0")
	token := h.token(t, alice)

	if err := h.coord.Set(context.Background(), token, "demo-crate", "0.1.0", true); err != nil {
		t.Fatalf("yank: %v", err)
	}
	if err := h.coord.Set(context.Background(), token, "demo-crate", "0.1.0", false); err != nil {
		t.Fatalf("unyank: %v", err)
	}
	if h.yankedState(t, "demo-crate", "0.1.0") {
		t.Error("expected version to be unyanked")
	}
}

func TestSetIdempotentNoOp(t *testing.T) {
	h := newHarness(t)
	alice := h.issueAuthor(t, "alice")
	h.seedCrate(t, alice, "demo-crate", "0.1.0")
	token := h.token(t, alice)

	// Already unyanked; requesting unyank again must succeed as a no-op.
	if err := h.coord.Set(context.Background(), token, "demo-crate", "0.1.0", false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if h.yankedState(t, "demo-crate", "0.1.0") {
		t.Error("expected version to remain unyanked")
	}
}

func TestSetVersionNotFound(t *testing.T) {
	h := newHarness(t)
	alice := h.issueAuthor(t, "alice")
	h.seedCrate(t, alice, "demo-crate", "0.1.0")

	err := h.coord.Set(context.Background(), h.token(t, alice), "demo-crate", "9.9.9", true)
	if apierr.KindOf(err) != apierr.NotFound {
		t.Fatalf("Set on unknown version kind = %v, want NotFound (err=%v)", apierr.KindOf(err), err)
	}
}

func TestSetCrateNotFound(t *testing.T) {
	h := newHarness(t)
	alice := h.issueAuthor(t, "alice")

	err := h.coord.Set(context.Background(), h.token(t, alice), "nonexistent-crate", "0.1.0", true)
	if apierr.KindOf(err) != apierr.NotFound {
		t.Fatalf("Set on unknown crate kind = %v, want NotFound (err=%v)", apierr.KindOf(err), err)
	}
}

func TestSetByNonOwnerForbidden(t *testing.T) {
	h := newHarness(t)
	alice := h.issueAuthor(t, "alice")
	bob := h.issueAuthor(t, "bob")
	h.seedCrate(t, alice, "demo-crate", "0.1.0")

	err := h.coord.Set(context.Background(), h.token(t, bob), "demo-crate", "0.1.0", true)
	if apierr.KindOf(err) != apierr.Forbidden {
		t.Fatalf("Set by non-owner kind = %v, want Forbidden (err=%v)", apierr.KindOf(err), err)
	}
	if h.yankedState(t, "demo-crate", "0.1.0") {
		t.Error("non-owner's request must not have altered the record")
	}
}

func TestSetUnauthenticatedRejected(t *testing.T) {
	h := newHarness(t)
	alice := h.issueAuthor(t, "alice")
	h.seedCrate(t, alice, "demo-crate", "0.1.0")

	err := h.coord.Set(context.Background(), "not-a-real-token", "demo-crate", "0.1.0", true)
	if apierr.KindOf(err) != apierr.Unauthorized {
		t.Fatalf("Set with bad token kind = %v, want Unauthorized (err=%v)", apierr.KindOf(err), err)
	}
}

// TestSetPushFailureResetsHead simulates a push failure by closing the
// remote out from under the checkout, then verifies the local checkout's
// HEAD is restored to its pre-session state rather than left dangling on
// an unpushed commit.
func TestSetPushFailureResetsHead(t *testing.T) {
	h := newHarness(t)
	alice := h.issueAuthor(t, "alice")
	h.seedCrate(t, alice, "demo-crate", "0.1.0")

	before, err := h.idx.AllRecords(context.Background(), canonical.Canonicalise("demo-crate"))
	if err != nil {
		t.Fatalf("AllRecords: %v", err)
	}

	// Point the backend's remote at a path that no longer exists so Push
	// fails after AlterRecord has already committed locally.
	brokenRemote := filepath.Join(t.TempDir(), "does-not-exist")
	run(t, h.checkoutDir, "git", "remote", "set-url", "origin", brokenRemote)

	err = h.coord.Set(context.Background(), h.token(t, alice), "demo-crate", "0.1.0", true)
	if apierr.KindOf(err) != apierr.Index {
		t.Fatalf("Set with broken remote kind = %v, want Index (err=%v)", apierr.KindOf(err), err)
	}

	after, err := h.idx.AllRecords(context.Background(), canonical.Canonicalise("demo-crate"))
	if err != nil {
		t.Fatalf("AllRecords after failed push: %v", err)
	}
	if len(after) != len(before) || after[0].Yanked != before[0].Yanked {
		t.Errorf("local index state changed despite push failure: before=%+v after=%+v", before, after)
	}
}

