// Command alexandrie-registryd serves the Cargo-compatible package
// registry's HTTP API: crate publishing, yanking, ownership management,
// downloads, crate info/search, and the sparse index protocol.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/alexandrie-rs/alexandrie/internal/api/registryservice"
	"github.com/alexandrie-rs/alexandrie/internal/api/sparseservice"
	"github.com/alexandrie-rs/alexandrie/internal/config"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/auth"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/download"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/indexsync"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/info"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/owner"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/publish"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/search"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/sparse"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/yank"
)

var cfg config.Config

func init() {
	cfg.RegisterFlags(flag.CommandLine)
}

func main() {
	flag.Parse()
	ctx := context.Background()

	meta, err := cfg.OpenMetadataStore()
	if err != nil {
		log.Fatal(errors.Wrap(err, "opening metadata store"))
	}
	defer meta.Close()

	idx, err := cfg.OpenIndexBackend(ctx)
	if err != nil {
		log.Fatal(errors.Wrap(err, "opening index backend"))
	}

	blobs, err := cfg.OpenBlobStore(ctx)
	if err != nil {
		log.Fatal(errors.Wrap(err, "opening blob store"))
	}

	gate := auth.NewGate(meta)

	syncer := indexsync.NewSyncer(idx, time.Duration(cfg.SyncIntervalMins)*time.Minute)
	syncer.OnError = func(err error) { log.Println("index refresh failed:", err) }
	syncCtx, cancelSync := context.WithCancel(ctx)
	defer cancelSync()
	go syncer.Run(syncCtx)

	mux := http.NewServeMux()
	registryservice.Register(mux, registryservice.Deps{
		Publish:  publish.New(idx, blobs, meta, gate),
		Yank:     yank.New(idx, meta, gate),
		Owner:    owner.New(meta, gate),
		Download: download.New(meta, blobs),
		Info:     info.New(meta),
		Search:   search.New(meta, idx),
	})

	sparseMux := http.NewServeMux()
	sparseservice.Register(sparseMux, sparse.New(idx))
	mux.Handle("/", sparseMux)

	log.Printf("alexandrie-registryd listening on %s", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
