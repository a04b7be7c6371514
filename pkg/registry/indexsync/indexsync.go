// Package indexsync wraps an index.Backend with two conveniences every
// mutating coordinator needs: a helper that runs a closure against a
// locked Session and publishes (or unwinds) its result, and a periodic
// background refresh loop so read-only services see a reasonably fresh
// index between mutations.
package indexsync

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/index"
)

// WithMutation acquires backend's mutation mutex, runs f against the
// resulting Session, and on success pushes f's commits to the remote;
// on any failure (from f or from the push itself) it resets the local
// HEAD to discard them. The session is always closed before WithMutation
// returns, on every path.
//
// This is the "acquire mutex -> refresh -> apply change -> stage ->
// commit -> publish -> release mutex" sequence, factored out so every
// caller gets the same unwind discipline without re-deriving it; a
// caller that must interleave a non-index durable step between the
// local commit and the push (the publish coordinator's blob write)
// still drives Backend.Lock/Session directly instead, since that
// interleaving is exactly what WithMutation's single f callback cannot
// express.
func WithMutation(ctx context.Context, backend index.Backend, f func(index.Session) error) error {
	session, err := backend.Lock(ctx)
	if err != nil {
		return errors.Wrap(err, "locking index")
	}
	defer session.Close()

	if err := f(session); err != nil {
		_ = session.ResetHead(ctx)
		return err
	}
	if err := session.Push(ctx); err != nil {
		_ = session.ResetHead(ctx)
		return errors.Wrap(err, "pushing index change")
	}
	return nil
}

// Syncer periodically refreshes an index.Backend in the background so
// sparse reads served between mutations stay close to the remote head.
type Syncer struct {
	Backend  index.Backend
	Interval time.Duration

	// OnError is called with any error Refresh returns; if nil, errors
	// are silently discarded. Intended for wiring to the ambient logger.
	OnError func(error)
}

// NewSyncer builds a Syncer that refreshes backend every interval.
func NewSyncer(backend index.Backend, interval time.Duration) *Syncer {
	return &Syncer{Backend: backend, Interval: interval}
}

// Run blocks, refreshing the backend every s.Interval, until ctx is
// canceled. It refreshes once immediately before entering the loop.
func (s *Syncer) Run(ctx context.Context) {
	s.refresh(ctx)
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Syncer) refresh(ctx context.Context) {
	if err := s.Backend.Refresh(ctx); err != nil && s.OnError != nil {
		s.OnError(err)
	}
}
