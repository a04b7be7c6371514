// Package config is the registry daemon's flag-registered configuration:
// a Config struct with a RegisterFlags method. Both
// cmd/alexandrie-registryd and cmd/alexandrie-admin register this
// Config against flag.CommandLine rather than each command declaring
// its own ad-hoc set of flags.
package config

import (
	"context"
	"flag"
	"fmt"

	"github.com/pkg/errors"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/blobstore"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/index"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/metadatastore"
)

// Config is the registry's full runtime configuration: where the
// relational metadata lives, where the git-hosted index is cloned from
// and checked out to, and where published crate tarballs are stored.
type Config struct {
	ListenAddr string

	DBDriver string
	DBDSN    string

	IndexDir    string
	IndexURL    string
	IndexBranch string
	IndexAuthor string
	IndexEmail  string
	UseGoGit    bool

	BlobDir    string
	BlobBucket string
	BlobPrefix string

	SyncIntervalMins int
}

// RegisterFlags registers every Config field against fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.ListenAddr, "listen-addr", ":8080", "address the registry HTTP server listens on")

	fs.StringVar(&c.DBDriver, "db-driver", "sqlite", "relational metadata store driver: sqlite, mysql, or postgres")
	fs.StringVar(&c.DBDSN, "db-dsn", "alexandrie.db", "data source name for the metadata store")

	fs.StringVar(&c.IndexDir, "index-dir", "/tmp/alexandrie-index", "local checkout directory for the git-hosted index")
	fs.StringVar(&c.IndexURL, "index-url", "", "remote git URL the index is cloned from and pushed to")
	fs.StringVar(&c.IndexBranch, "index-branch", "master", "branch the index lives on")
	fs.StringVar(&c.IndexAuthor, "index-author-name", "alexandrie", "author name used for index commits")
	fs.StringVar(&c.IndexEmail, "index-author-email", "alexandrie@localhost", "author email used for index commits")
	fs.BoolVar(&c.UseGoGit, "index-use-go-git", false, "drive the index with the embedded go-git library instead of the git(1) binary")

	fs.StringVar(&c.BlobDir, "blob-dir", "", "local directory to store published crate tarballs in; mutually exclusive with blob-bucket")
	fs.StringVar(&c.BlobBucket, "blob-bucket", "", "GCS bucket to store published crate tarballs in; mutually exclusive with blob-dir")
	fs.StringVar(&c.BlobPrefix, "blob-prefix", "crates", "object key prefix within blob-bucket")

	fs.IntVar(&c.SyncIntervalMins, "sync-interval-mins", 5, "interval in minutes between background index refreshes")
}

// OpenMetadataStore opens the relational metadata store described by c.
func (c *Config) OpenMetadataStore() (*metadatastore.Store, error) {
	store, err := metadatastore.Open(metadatastore.Driver(c.DBDriver), c.DBDSN)
	if err != nil {
		return nil, errors.Wrap(err, "opening metadata store")
	}
	return store, nil
}

// OpenIndexBackend opens the index.Backend described by c: go-git if
// UseGoGit is set, otherwise the shell git(1) backend.
func (c *Config) OpenIndexBackend(ctx context.Context) (index.Backend, error) {
	if c.IndexURL == "" {
		return nil, errors.New("index-url is required")
	}
	if c.UseGoGit {
		b, err := index.NewGoGitBackend(ctx, index.GoGitConfig{
			Dir:         c.IndexDir,
			URL:         c.IndexURL,
			Branch:      c.IndexBranch,
			AuthorName:  c.IndexAuthor,
			AuthorEmail: c.IndexEmail,
		})
		if err != nil {
			return nil, errors.Wrap(err, "opening go-git index backend")
		}
		return b, nil
	}
	b, err := index.NewShellGitBackend(ctx, index.ShellGitConfig{
		Dir:         c.IndexDir,
		URL:         c.IndexURL,
		Branch:      c.IndexBranch,
		AuthorName:  c.IndexAuthor,
		AuthorEmail: c.IndexEmail,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening shell-git index backend")
	}
	return b, nil
}

// OpenBlobStore opens the blobstore.Store described by c: a disk store
// if BlobDir is set, otherwise a GCS-backed store using BlobBucket.
func (c *Config) OpenBlobStore(ctx context.Context) (blobstore.Store, error) {
	switch {
	case c.BlobDir != "":
		store, err := blobstore.NewDiskStore(c.BlobDir)
		if err != nil {
			return nil, errors.Wrap(err, "opening disk blob store")
		}
		return store, nil
	case c.BlobBucket != "":
		store, err := blobstore.NewCloudStore(ctx, c.BlobBucket, c.BlobPrefix)
		if err != nil {
			return nil, errors.Wrap(err, "opening cloud blob store")
		}
		return store, nil
	default:
		return nil, fmt.Errorf("one of blob-dir or blob-bucket is required")
	}
}
