// Package sparse implements the Sparse Fetch Service: serving a single
// crate's index file (and the registry's config.json) directly over
// HTTP, the way Cargo's sparse registry protocol expects, without a full
// git clone.
package sparse

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/apierr"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/canonical"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/index"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/record"
)

// Service serves individual index files and the registry configuration
// directly from the index backend, bypassing git entirely on the read
// path.
type Service struct {
	Index index.Backend
}

// New builds a Service backed by idx.
func New(idx index.Backend) *Service {
	return &Service{Index: idx}
}

// Configuration returns the registry's config.json contents.
func (s *Service) Configuration(ctx context.Context) (index.Config, error) {
	cfg, err := s.Index.Configuration(ctx)
	if err != nil {
		return index.Config{}, apierr.Wrap(apierr.Index, err, "reading index configuration")
	}
	return cfg, nil
}

// FetchIndex serves a crate's index file given the URL path segments a
// sparse-protocol request supplies: fst and snd are the shard-prefix
// segments preceding the crate name (snd is empty for 1- and 2-character
// names), and name is the requested crate name.
//
// Before touching the index, FetchIndex reconstructs the shard segments
// the name must have produced and rejects any request whose fst/snd
// don't match with NotFound — this is the only thing standing between a
// client and reading an arbitrary crate's file under a spoofed or
// traversal-crafted shard path, so the comparison happens unconditionally
// before any lookup.
//
// The returned body is one JSON record per line, in publication order,
// with a trailing newline.
func (s *Service) FetchIndex(ctx context.Context, fst, snd, name string) (string, error) {
	canon := canonical.Canonicalise(name)
	wantFst, wantSnd := canon.ShardSegments()
	if fst != wantFst || snd != wantSnd {
		return "", apierr.New(apierr.NotFound, "crate not found")
	}

	records, err := s.Index.AllRecords(ctx, canon)
	if errors.Is(err, index.ErrCrateNotFound) {
		return "", apierr.New(apierr.NotFound, "crate not found")
	}
	if err != nil {
		return "", apierr.Wrap(apierr.Index, err, "reading index")
	}

	var b strings.Builder
	for _, r := range records {
		line, err := record.Encode(r)
		if err != nil {
			return "", apierr.Wrap(apierr.InternalInconsistency, err, "encoding index record")
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return b.String(), nil
}
