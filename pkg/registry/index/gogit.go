package index

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/pkg/errors"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/canonical"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/record"
)

// GoGitBackend is the embedded-library index driver: it drives a local
// git working tree through go-git directly, with no git(1) subprocess.
type GoGitBackend struct {
	fs     billy.Filesystem
	url    string
	branch plumbing.ReferenceName
	author object.Signature
	auth   transport.AuthMethod

	mu sync.Mutex
}

// GoGitConfig configures a GoGitBackend.
type GoGitConfig struct {
	// Dir is the local working directory the index is checked out into.
	// It is created and cloned into on first use if empty.
	Dir string
	// URL is the remote git URL the index is hosted at.
	URL string
	// Branch is the branch the index lives on; defaults to "master".
	Branch string
	// AuthorName/AuthorEmail are used for index commits.
	AuthorName  string
	AuthorEmail string
	// Auth authenticates pushes/fetches to URL, e.g. an HTTP basic auth
	// or SSH key method. May be nil for local/test remotes.
	Auth transport.AuthMethod
}

// NewGoGitBackend clones (or opens an already-cloned) index repository at
// cfg.Dir and returns a Backend driving it with go-git.
func NewGoGitBackend(ctx context.Context, cfg GoGitConfig) (*GoGitBackend, error) {
	branch := cfg.Branch
	if branch == "" {
		branch = "master"
	}
	b := &GoGitBackend{
		fs:     osfs.New(cfg.Dir),
		url:    cfg.URL,
		branch: plumbing.NewBranchReferenceName(branch),
		author: object.Signature{Name: cfg.AuthorName, Email: cfg.AuthorEmail, When: time.Now()},
		auth:   cfg.Auth,
	}
	if _, err := os.Stat(filepath.Join(cfg.Dir, ".git")); err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "statting index working directory")
		}
		if err := b.clone(ctx); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *GoGitBackend) open() (*git.Repository, error) {
	storer := filesystem.NewStorage(b.fs, cache.NewObjectLRUDefault())
	return git.Open(storer, b.fs)
}

func (b *GoGitBackend) clone(ctx context.Context) error {
	if err := os.MkdirAll(b.fs.Root(), 0o755); err != nil {
		return errors.Wrap(err, "creating index working directory")
	}
	storer := filesystem.NewStorage(b.fs, cache.NewObjectLRUDefault())
	_, err := git.CloneContext(ctx, storer, b.fs, &git.CloneOptions{
		URL:           b.url,
		ReferenceName: b.branch,
		SingleBranch:  true,
		Auth:          b.auth,
	})
	return errors.Wrap(err, "cloning index repository")
}

func (b *GoGitBackend) Configuration(ctx context.Context) (Config, error) {
	buf, err := b.readFile("config.json")
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "decoding config.json")
	}
	return cfg, nil
}

func (b *GoGitBackend) readFile(path string) ([]byte, error) {
	f, err := b.fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (b *GoGitBackend) AllRecords(ctx context.Context, name canonical.Name) ([]record.Record, error) {
	buf, err := b.readFile(name.ShardPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrCrateNotFound, "%q", name)
		}
		return nil, errors.Wrapf(err, "reading index file for %q", name)
	}
	return record.ReadAll(buf)
}

func (b *GoGitBackend) Refresh(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshLocked(ctx)
}

// refreshLocked must be called with b.mu held.
func (b *GoGitBackend) refreshLocked(ctx context.Context) error {
	repo, err := b.open()
	if err != nil {
		return errors.Wrap(err, "opening index repository")
	}
	err = repo.FetchContext(ctx, &git.FetchOptions{Auth: b.auth, Force: true})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return errors.Wrap(err, "fetching index updates")
	}
	wt, err := repo.Worktree()
	if err != nil {
		return errors.Wrap(err, "loading index worktree")
	}
	remoteRef := plumbing.NewRemoteReferenceName(git.DefaultRemoteName, b.branch.Short())
	ref, err := repo.Reference(remoteRef, true)
	if err != nil {
		return errors.Wrap(err, "resolving remote index ref")
	}
	if err := wt.Reset(&git.ResetOptions{Commit: ref.Hash(), Mode: git.HardReset}); err != nil {
		return errors.Wrap(err, "fast-forwarding index worktree")
	}
	return nil
}

// Lock acquires b.mu, refreshes to the remote head, and returns a Session
// recording the pre-session commit so ResetHead can restore it.
func (b *GoGitBackend) Lock(ctx context.Context) (Session, error) {
	b.mu.Lock()
	if err := b.refreshLocked(ctx); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	repo, err := b.open()
	if err != nil {
		b.mu.Unlock()
		return nil, errors.Wrap(err, "opening index repository")
	}
	head, err := repo.Reference(b.branch, true)
	if err != nil {
		b.mu.Unlock()
		return nil, errors.Wrap(err, "resolving local index head")
	}
	return &goGitSession{backend: b, repo: repo, baseCommit: head.Hash()}, nil
}

// goGitSession implements Session over a GoGitBackend. Callers must hold
// backend.mu for the session's entire lifetime; Close releases it.
type goGitSession struct {
	backend    *GoGitBackend
	repo       *git.Repository
	baseCommit plumbing.Hash
}

func (s *goGitSession) AllRecords(ctx context.Context, name canonical.Name) ([]record.Record, error) {
	return s.backend.AllRecords(ctx, name)
}

func (s *goGitSession) AppendRecord(ctx context.Context, name canonical.Name, r record.Record) error {
	path := name.ShardPath()
	existing, err := s.backend.readFile(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "reading index file for %q", name)
	}
	records, err := record.ReadAll(existing)
	if err != nil {
		return err
	}
	if record.HasVersion(records, r.Vers) {
		return errors.Wrapf(record.ErrDuplicateVersion, "%s-%s", name, r.Vers)
	}
	newContent, err := record.AppendLine(existing, r)
	if err != nil {
		return err
	}
	return s.commit(path, newContent, "Updating crate `"+string(name)+"#"+r.Vers+"`")
}

func (s *goGitSession) AlterRecord(ctx context.Context, name canonical.Name, vers string, yanked bool) error {
	path := name.ShardPath()
	existing, err := s.backend.readFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(ErrCrateNotFound, "%q", name)
		}
		return errors.Wrapf(err, "reading index file for %q", name)
	}
	records, err := record.ReadAll(existing)
	if err != nil {
		return err
	}
	if r, ok := record.FindVersion(records, vers); ok && r.Yanked == yanked {
		return nil
	}
	newContent, err := record.RewriteYanked(existing, vers, yanked)
	if err != nil {
		return err
	}
	verb := "Yanking"
	if !yanked {
		verb = "Unyanking"
	}
	return s.commit(path, newContent, verb+" crate `"+string(name)+"#"+vers+"`")
}

// commit stages path=content and commits locally, without pushing.
func (s *goGitSession) commit(path string, content []byte, message string) error {
	fs := s.backend.fs
	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "creating index shard directory")
		}
	}
	f, err := fs.Create(path)
	if err != nil {
		return errors.Wrap(err, "opening index file for write")
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return errors.Wrap(err, "writing index file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "closing index file")
	}
	wt, err := s.repo.Worktree()
	if err != nil {
		return errors.Wrap(err, "loading index worktree")
	}
	if _, err := wt.Add(path); err != nil {
		return errors.Wrap(err, "staging index file")
	}
	sig := s.backend.author
	sig.When = time.Now()
	if _, err := wt.Commit(message, &git.CommitOptions{Author: &sig, Committer: &sig}); err != nil {
		return errors.Wrap(err, "committing index change")
	}
	return nil
}

func (s *goGitSession) Push(ctx context.Context) error {
	return errors.Wrap(s.repo.PushContext(ctx, &git.PushOptions{Auth: s.backend.auth}), "pushing index change")
}

func (s *goGitSession) ResetHead(ctx context.Context) error {
	wt, err := s.repo.Worktree()
	if err != nil {
		return errors.Wrap(err, "loading index worktree")
	}
	return errors.Wrap(wt.Reset(&git.ResetOptions{Commit: s.baseCommit, Mode: git.HardReset}), "resetting index head")
}

func (s *goGitSession) Close() {
	s.backend.mu.Unlock()
}

var _ Backend = &GoGitBackend{}
