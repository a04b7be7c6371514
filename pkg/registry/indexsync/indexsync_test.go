package indexsync

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/canonical"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/index"
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

func newBackend(t *testing.T) index.Backend {
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
	return idx
}

func TestWithMutationCommitsAndPushes(t *testing.T) {
	idx := newBackend(t)
	ctx := context.Background()

	err := WithMutation(ctx, idx, func(session index.Session) error {
		rec := record.Record{
			Name:     "demo-crate",
			Vers:     "0.1.0",
			Deps:     []record.Dependency{},
			Cksum:    "0000000000000000000000000000000000000000000000000000000000000000",
			Features: map[string][]string{},
		}
		return session.AppendRecord(ctx, canonical.Canonicalise("demo-crate"), rec)
	})
	if err != nil {
		t.Fatalf("WithMutation: %v", err)
	}

	records, err := idx.AllRecords(ctx, canonical.Canonicalise("demo-crate"))
	if err != nil {
		t.Fatalf("AllRecords: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("AllRecords = %+v, want one record", records)
	}
}

func TestWithMutationUnwindsOnCallbackError(t *testing.T) {
	idx := newBackend(t)
	ctx := context.Background()

	wantErr := errTestSentinel{}
	err := WithMutation(ctx, idx, func(session index.Session) error {
		rec := record.Record{
			Name:     "demo-crate",
			Vers:     "0.1.0",
			Deps:     []record.Dependency{},
			Cksum:    "0000000000000000000000000000000000000000000000000000000000000000",
			Features: map[string][]string{},
		}
		if err := session.AppendRecord(ctx, canonical.Canonicalise("demo-crate"), rec); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("WithMutation error = %v, want the callback's sentinel error", err)
	}

	_, err = idx.AllRecords(ctx, canonical.Canonicalise("demo-crate"))
	if !errors.Is(err, index.ErrCrateNotFound) {
		t.Fatalf("AllRecords after unwound mutation = %v, want ErrCrateNotFound", err)
	}
}

type errTestSentinel struct{}

func (errTestSentinel) Error() string { return "callback failed" }

func TestSyncerRunRefreshesUntilCanceled(t *testing.T) {
	idx := newBackend(t)
	var calls int
	syncer := &Syncer{Backend: countingBackend{idx, &calls}, Interval: 10 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()
	syncer.Run(ctx)

	if calls < 2 {
		t.Errorf("Refresh calls = %d, want at least 2 within the run window", calls)
	}
}

// countingBackend wraps a Backend, counting Refresh calls.
type countingBackend struct {
	index.Backend
	calls *int
}

func (b countingBackend) Refresh(ctx context.Context) error {
	*b.calls++
	return b.Backend.Refresh(ctx)
}
