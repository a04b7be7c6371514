// Package index implements the git-hosted crate index: one JSON-lines
// file per crate (see package record), plus a config.json describing the
// registry's dl/api endpoints, all committed to a single branch of a git
// repository that Cargo clones or sparse-fetches directly.
//
// Every mutation goes through a Session obtained from Backend.Lock: Lock
// acquires the backend's process-wide mutex and refreshes to the remote
// head before returning, so every subsequent AppendRecord/AlterRecord call
// on that Session observes up-to-date state and stages a local commit
// without pushing it. The caller decides when to call Session.Push (or,
// on failure, Session.ResetHead to discard the local commits) and must
// always call Session.Close to release the mutex, on every exit path.
// This split exists so a caller (the Publish Coordinator) can interleave
// a non-index durable step — writing the crate's blob — between the local
// commit and the push, matching the order its unwind discipline requires.
package index

import (
	"context"

	"github.com/pkg/errors"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/canonical"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/record"
)

// Config is the registry's config.json, served at the root of both the
// git index and the sparse HTTP endpoint.
type Config struct {
	DL  string `json:"dl"`
	API string `json:"api,omitempty"`
}

// ErrCrateNotFound is returned when a crate has no index file at all.
var ErrCrateNotFound = errors.New("crate not found in index")

// Backend is the git-hosted index, abstracting over the mechanism used to
// talk to git (embedded library vs. shell subprocess).
type Backend interface {
	// Configuration returns the registry's config.json contents.
	Configuration(ctx context.Context) (Config, error)

	// AllRecords returns every version record for name, in publication
	// order. Returns ErrCrateNotFound if the crate has never been
	// published. Safe to call without holding a Session.
	AllRecords(ctx context.Context, name canonical.Name) ([]record.Record, error)

	// Refresh fetches and fast-forwards the local copy of the index to
	// match the remote, without making any local commits. It takes the
	// mutation mutex while it resets the working copy, so it waits for a
	// mutation in progress to finish.
	Refresh(ctx context.Context) error

	// Lock acquires the backend's mutation mutex, refreshes to the
	// remote head, and returns a Session for making local commits. The
	// caller must call Session.Close exactly once, on every exit path.
	Lock(ctx context.Context) (Session, error)
}

// Session is an index backend locked for the duration of one mutation
// sequence. AppendRecord and AlterRecord stage and commit locally without
// pushing; Push publishes every commit made during the session to the
// remote; ResetHead discards them, restoring the pre-session local HEAD.
type Session interface {
	// AllRecords reads within the session's locked, refreshed view.
	AllRecords(ctx context.Context, name canonical.Name) ([]record.Record, error)

	// AppendRecord appends a new version record for name and commits the
	// change locally, without pushing. Fails with
	// record.ErrDuplicateVersion if the version is already present.
	AppendRecord(ctx context.Context, name canonical.Name, r record.Record) error

	// AlterRecord flips the yanked flag for vers within name's index
	// file and commits the change locally, without pushing. It is
	// idempotent: a no-op request (new value equal to the current one)
	// still succeeds without producing a new commit.
	AlterRecord(ctx context.Context, name canonical.Name, vers string, yanked bool) error

	// Push publishes every local commit made during this session to the
	// remote.
	Push(ctx context.Context) error

	// ResetHead discards every local commit made during this session,
	// restoring the working tree to the state Lock observed.
	ResetHead(ctx context.Context) error

	// Close releases the mutation mutex. Must be called exactly once,
	// after Push or ResetHead (or with neither, if the session made no
	// commits).
	Close()
}
