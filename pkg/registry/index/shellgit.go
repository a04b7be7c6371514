package index

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/canonical"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/record"
)

// ShellGitBackend is the subprocess index driver: it shells out to the
// git(1) binary for every operation, the way a human operator would.
// Prefer GoGitBackend where a pure-Go dependency is preferred; this
// variant exists for deployments that already depend on a system git
// install and its credential helpers.
type ShellGitBackend struct {
	dir         string
	url         string
	branch      string
	authorName  string
	authorEmail string

	mu sync.Mutex
}

// ShellGitConfig configures a ShellGitBackend.
type ShellGitConfig struct {
	Dir         string
	URL         string
	Branch      string
	AuthorName  string
	AuthorEmail string
}

// NewShellGitBackend clones (or verifies) the index repository at
// cfg.Dir using the git(1) binary found on PATH.
func NewShellGitBackend(ctx context.Context, cfg ShellGitConfig) (*ShellGitBackend, error) {
	branch := cfg.Branch
	if branch == "" {
		branch = "master"
	}
	b := &ShellGitBackend{
		dir:         cfg.Dir,
		url:         cfg.URL,
		branch:      branch,
		authorName:  cfg.AuthorName,
		authorEmail: cfg.AuthorEmail,
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

func (b *ShellGitBackend) git(ctx context.Context, args ...string) (stdout []byte, err error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = b.dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME="+b.authorName, "GIT_AUTHOR_EMAIL="+b.authorEmail,
		"GIT_COMMITTER_NAME="+b.authorName, "GIT_COMMITTER_EMAIL="+b.authorEmail,
	)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "git %v: %s", args, errOut.String())
	}
	return out.Bytes(), nil
}

func (b *ShellGitBackend) clone(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(b.dir), 0o755); err != nil {
		return errors.Wrap(err, "creating index parent directory")
	}
	cmd := exec.CommandContext(ctx, "git", "clone", "--single-branch", "--branch", b.branch, b.url, b.dir)
	var errOut bytes.Buffer
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "git clone: %s", errOut.String())
	}
	return nil
}

func (b *ShellGitBackend) readFile(path string) ([]byte, error) {
	return os.ReadFile(filepath.Join(b.dir, path))
}

func (b *ShellGitBackend) Configuration(ctx context.Context) (Config, error) {
	buf, err := b.readFile("config.json")
	if err != nil {
		return Config{}, errors.Wrap(err, "reading config.json")
	}
	var cfg Config
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "decoding config.json")
	}
	return cfg, nil
}

func (b *ShellGitBackend) AllRecords(ctx context.Context, name canonical.Name) ([]record.Record, error) {
	buf, err := b.readFile(name.ShardPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrCrateNotFound, "%q", name)
		}
		return nil, errors.Wrapf(err, "reading index file for %q", name)
	}
	return record.ReadAll(buf)
}

func (b *ShellGitBackend) Refresh(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshLocked(ctx)
}

func (b *ShellGitBackend) refreshLocked(ctx context.Context) error {
	if _, err := b.git(ctx, "fetch", "origin", b.branch); err != nil {
		return errors.Wrap(err, "fetching index updates")
	}
	if _, err := b.git(ctx, "reset", "--hard", "origin/"+b.branch); err != nil {
		return errors.Wrap(err, "fast-forwarding index worktree")
	}
	return nil
}

// Lock acquires b.mu, refreshes to the remote head, and returns a Session
// recording the pre-session commit so ResetHead can restore it.
func (b *ShellGitBackend) Lock(ctx context.Context) (Session, error) {
	b.mu.Lock()
	if err := b.refreshLocked(ctx); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	head, err := b.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		b.mu.Unlock()
		return nil, errors.Wrap(err, "resolving local index head")
	}
	return &shellGitSession{backend: b, baseCommit: strings.TrimSpace(string(head))}, nil
}

// shellGitSession implements Session over a ShellGitBackend. Callers must
// hold backend.mu for the session's entire lifetime; Close releases it.
type shellGitSession struct {
	backend    *ShellGitBackend
	baseCommit string
}

func (s *shellGitSession) AllRecords(ctx context.Context, name canonical.Name) ([]record.Record, error) {
	return s.backend.AllRecords(ctx, name)
}

func (s *shellGitSession) AppendRecord(ctx context.Context, name canonical.Name, r record.Record) error {
	b := s.backend
	path := name.ShardPath()
	existing, err := b.readFile(path)
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
	return s.commit(ctx, path, newContent, "Updating crate `"+string(name)+"#"+r.Vers+"`")
}

func (s *shellGitSession) AlterRecord(ctx context.Context, name canonical.Name, vers string, yanked bool) error {
	b := s.backend
	path := name.ShardPath()
	existing, err := b.readFile(path)
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
	return s.commit(ctx, path, newContent, verb+" crate `"+string(name)+"#"+vers+"`")
}

// commit writes, stages and commits path=content locally, without pushing.
func (s *shellGitSession) commit(ctx context.Context, path string, content []byte, message string) error {
	b := s.backend
	full := filepath.Join(b.dir, path)
	if dir := filepath.Dir(full); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "creating index shard directory")
		}
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return errors.Wrap(err, "writing index file")
	}
	if _, err := b.git(ctx, "add", path); err != nil {
		return errors.Wrap(err, "staging index file")
	}
	if _, err := b.git(ctx, "commit", "-m", message); err != nil {
		return errors.Wrap(err, "committing index change")
	}
	return nil
}

func (s *shellGitSession) Push(ctx context.Context) error {
	_, err := s.backend.git(ctx, "push", "origin", "HEAD:"+s.backend.branch)
	return errors.Wrap(err, "pushing index change")
}

func (s *shellGitSession) ResetHead(ctx context.Context) error {
	_, err := s.backend.git(ctx, "reset", "--hard", s.baseCommit)
	return errors.Wrap(err, "resetting index head")
}

func (s *shellGitSession) Close() {
	s.backend.mu.Unlock()
}

var _ Backend = &ShellGitBackend{}
