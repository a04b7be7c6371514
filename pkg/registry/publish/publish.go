// Package publish implements the Publish Coordinator: the cross-store
// transaction that ingests a Cargo publish request, validates it, and
// commits it atomically to the relational metadata store, the git index,
// and the blob store.
package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/apierr"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/auth"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/blobstore"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/canonical"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/index"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/metadatastore"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/record"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/semver"
)

// maxKeywordLen is the maximum length of a single keyword string, per the
// publish validation step.
const maxKeywordLen = 20

// Coordinator implements the publish transaction described by the package
// doc comment, wiring together the index, the blob store, the metadata
// store, and the auth gate.
type Coordinator struct {
	Index index.Backend
	Blobs blobstore.Store
	Meta  *metadatastore.Store
	Auth  *auth.Gate
}

// New builds a Coordinator from its four dependencies.
func New(idx index.Backend, blobs blobstore.Store, meta *metadatastore.Store, gate *auth.Gate) *Coordinator {
	return &Coordinator{Index: idx, Blobs: blobs, Meta: meta, Auth: gate}
}

// Result is what a successful Publish returns: the published record and
// any non-fatal warnings Cargo displays to the user.
type Result struct {
	Record   record.Record
	Warnings []string
}

// Publish runs the full ten-step publish transaction against body, the raw
// HTTP request body framed as ReadRequest expects.
func (c *Coordinator) Publish(ctx context.Context, rawToken string, body io.Reader) (Result, error) {
	// Step 1: authenticate.
	author, err := c.Auth.Authenticate(ctx, rawToken)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.Unauthorized, err, "authentication failed")
	}

	env, tarball, err := ReadRequest(body)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.Validation, err, "malformed publish request")
	}

	existing, existingErr := c.lookupCrate(ctx, canonical.Canonicalise(env.Name))
	if existingErr != nil && !errors.Is(existingErr, gorm.ErrRecordNotFound) {
		return Result{}, apierr.Wrap(apierr.Database, existingErr, "looking up crate")
	}
	crateExists := existingErr == nil
	if crateExists {
		if err := c.Auth.RequireOwner(ctx, existing.ID, author.ID); err != nil {
			return Result{}, apierr.Wrap(apierr.Forbidden, err, "not an owner of this crate")
		}
	}

	// Step 2: parse and validate.
	rec, warnings, err := c.validate(ctx, env, crateExists)
	if err != nil {
		return Result{}, err
	}
	readmeHTML := ""
	if env.Readme != "" {
		readmeHTML, err = renderReadme(env.Readme)
		if err != nil {
			return Result{}, apierr.Wrap(apierr.Validation, err, "rendering readme")
		}
	}

	// Step 3: compute cksum over the raw (still gzipped) tarball bytes.
	sum := sha256.Sum256(tarball)
	rec.Cksum = hex.EncodeToString(sum[:])

	name := record.DisplayName(rec)

	// Step 4: uniqueness check against the locally-visible index.
	if err := c.checkUnique(ctx, name, rec.Vers); err != nil {
		return Result{}, err
	}

	// Step 5: acquire the index mutex, refresh, and re-check uniqueness
	// against the freshly pulled state. The session stays open (and the
	// mutex held) through steps 6-9; Close runs on every exit path.
	session, err := c.Index.Lock(ctx)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.Index, err, "locking index")
	}
	sessionOpen := true
	defer func() {
		if sessionOpen {
			session.Close()
		}
	}()

	records, err := session.AllRecords(ctx, name)
	if err != nil && !errors.Is(err, index.ErrCrateNotFound) {
		return Result{}, apierr.Wrap(apierr.Index, err, "reading index")
	}
	if record.HasVersion(records, rec.Vers) {
		return Result{}, apierr.New(apierr.Conflict, "VersionAlreadyPublished")
	}

	// Step 6: open the SQL transaction. It stays open across steps 7-9
	// and only commits in step 10, so Store.Begin is used directly
	// rather than Store.Transaction (whose automatic commit-on-return
	// can't straddle the index append and blob write below).
	tx := c.Meta.Begin(ctx)
	if tx.Error != nil {
		return Result{}, apierr.Wrap(apierr.Database, tx.Error, "opening publish transaction")
	}
	crateRow, err := c.upsertCrate(tx, env, name, readmeHTML)
	if err != nil {
		tx.Rollback()
		return Result{}, apierr.Wrap(apierr.Database, err, "upserting crate row")
	}
	if err := c.syncKeywords(tx, crateRow.ID, env.Keywords); err != nil {
		tx.Rollback()
		return Result{}, apierr.Wrap(apierr.Database, err, "syncing keywords")
	}
	if err := c.syncCategories(tx, crateRow.ID, env.Categories); err != nil {
		tx.Rollback()
		return Result{}, apierr.Wrap(apierr.Database, err, "syncing categories")
	}
	if err := c.ensureAuthor(tx, crateRow.ID, author.ID); err != nil {
		tx.Rollback()
		return Result{}, apierr.Wrap(apierr.Database, err, "recording crate author")
	}
	if err := c.insertDependencies(tx, crateRow.ID, rec.Vers, rec.Deps); err != nil {
		tx.Rollback()
		return Result{}, apierr.Wrap(apierr.Database, err, "inserting dependency rows")
	}

	// Step 7: append to the index and commit locally (no push yet).
	if err := session.AppendRecord(ctx, name, rec); err != nil {
		tx.Rollback()
		if errors.Is(err, record.ErrDuplicateVersion) {
			return Result{}, apierr.New(apierr.Conflict, "VersionAlreadyPublished")
		}
		return Result{}, apierr.Wrap(apierr.Index, err, "appending index record")
	}

	// Step 8: write the blob.
	key := blobstore.Key{Name: rec.Name, Version: rec.Vers}
	if err := c.Blobs.Put(ctx, key, newReader(tarball)); err != nil {
		// The local index commit from step 7 was never pushed, so
		// resetting the session's head discards it; nothing durable
		// has happened yet from outside this process's view.
		_ = session.ResetHead(ctx)
		tx.Rollback()
		if errors.Is(err, blobstore.ErrAlreadyExists) {
			// A blob already present for a version we just confirmed
			// absent from the index means a prior publish attempt got
			// as far as pushing this step before crashing.
			return Result{}, apierr.New(apierr.InternalInconsistency, "blob already exists for unpublished version")
		}
		return Result{}, apierr.Wrap(apierr.Storage, err, "writing blob")
	}

	// Step 9: push the index to the remote.
	if err := session.Push(ctx); err != nil {
		// The blob is now durable but unreferenced by any pushed index
		// record; remove it, reset the local commit, and let the SQL
		// transaction (still open) roll back.
		if delErr := c.Blobs.Delete(ctx, key); delErr != nil {
			err = errors.Wrapf(err, "push failed and blob cleanup also failed: %v", delErr)
		}
		_ = session.ResetHead(ctx)
		tx.Rollback()
		return Result{}, apierr.Wrap(apierr.Index, err, "pushing index change")
	}
	// The push succeeded: release the index mutex before the SQL commit.
	session.Close()
	sessionOpen = false

	// Step 10: commit SQL. From here the state machine cannot fail: the
	// index has already been pushed, so a commit failure here would
	// leave a durable index record with no SQL projection rather than
	// risk reverting a push other clients may already have fetched.
	if err := tx.Commit().Error; err != nil {
		return Result{}, apierr.Wrap(apierr.Database, err, "committing publish transaction")
	}

	return Result{Record: rec, Warnings: warnings}, nil
}

func newReader(b []byte) io.Reader { return &byteReader{b: b} }

// byteReader is a trivial io.Reader over an in-memory byte slice, used so
// Blobs.Put always sees a fresh reader positioned at the start even if the
// caller retries.
type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}

func (c *Coordinator) lookupCrate(ctx context.Context, name canonical.Name) (metadatastore.Crate, error) {
	var crate metadatastore.Crate
	err := c.Meta.Run(ctx, func(db *gorm.DB) error {
		return db.Where("canonical_name = ?", string(name)).First(&crate).Error
	})
	return crate, err
}

func (c *Coordinator) checkUnique(ctx context.Context, name canonical.Name, vers string) error {
	records, err := c.Index.AllRecords(ctx, name)
	if err != nil && !errors.Is(err, index.ErrCrateNotFound) {
		return apierr.Wrap(apierr.Index, err, "reading index")
	}
	if record.HasVersion(records, vers) {
		return apierr.New(apierr.Conflict, "VersionAlreadyPublished")
	}
	return nil
}

// validate implements step 2 in full, returning the record to publish
// (cksum left unset; filled in by step 3) and any non-fatal warnings.
func (c *Coordinator) validate(ctx context.Context, env Envelope, crateExists bool) (record.Record, []string, error) {
	var warnings []string

	if crateExists {
		if err := canonical.Validate(env.Name); err != nil {
			return record.Record{}, nil, apierr.Wrap(apierr.Validation, err, "invalid crate name")
		}
	} else if err := canonical.ValidateNew(env.Name); err != nil {
		return record.Record{}, nil, apierr.Wrap(apierr.Validation, err, "invalid crate name")
	}

	vers, err := semver.Parse(env.Vers)
	if err != nil {
		return record.Record{}, nil, apierr.Wrap(apierr.Validation, err, "invalid version")
	}

	if env.License == "" && env.LicenseFile == "" {
		return record.Record{}, nil, apierr.New(apierr.Validation, "license or license_file is required")
	}

	for _, kw := range env.Keywords {
		if len(kw) > maxKeywordLen {
			return record.Record{}, nil, apierr.New(apierr.Validation, "keyword exceeds maximum length")
		}
	}

	for _, cat := range env.Categories {
		var count int64
		if err := c.Meta.Run(ctx, func(db *gorm.DB) error {
			return db.Model(&metadatastore.Category{}).Where("tag = ?", cat).Count(&count).Error
		}); err != nil {
			return record.Record{}, nil, apierr.Wrap(apierr.Database, err, "checking category taxonomy")
		}
		if count == 0 {
			return record.Record{}, nil, apierr.New(apierr.Validation, "unknown category: "+cat)
		}
	}

	deps, err := c.validateDependencies(ctx, env.Deps)
	if err != nil {
		return record.Record{}, nil, err
	}

	rec := record.Record{
		Name:     env.Name,
		Vers:     vers.String(),
		Deps:     deps,
		Features: env.Features,
		Yanked:   false,
	}
	if env.Links != "" {
		links := env.Links
		rec.Links = &links
	}
	return rec, warnings, nil
}

func (c *Coordinator) validateDependencies(ctx context.Context, envDeps []EnvelopeDependency) ([]record.Dependency, error) {
	deps := toRecordDeps(envDeps)
	for _, d := range deps {
		if _, err := semver.ParseConstraint(d.Req); err != nil {
			return nil, apierr.Wrap(apierr.Validation, err, "invalid dependency requirement for "+d.Name)
		}
		if d.Registry != nil && *d.Registry != "" {
			// Non-null registry: resolution against it is out of this
			// core's authority (see SPEC_FULL.md's dependency-kind
			// expansion).
			continue
		}
		if err := c.resolveDependency(ctx, d); err != nil {
			return nil, err
		}
	}
	return deps, nil
}

func (c *Coordinator) resolveDependency(ctx context.Context, d record.Dependency) error {
	constraint, err := semver.ParseConstraint(d.Req)
	if err != nil {
		return apierr.Wrap(apierr.Validation, err, "invalid dependency requirement for "+d.Name)
	}
	depName := canonical.Canonicalise(d.Name)
	records, err := c.Index.AllRecords(ctx, depName)
	if errors.Is(err, index.ErrCrateNotFound) {
		return apierr.New(apierr.Dependency, "UnresolvedDependency: "+d.Name)
	}
	if err != nil {
		return apierr.Wrap(apierr.Index, err, "resolving dependency "+d.Name)
	}
	for _, r := range records {
		v, err := semver.Parse(r.Vers)
		if err != nil {
			continue
		}
		if constraint.Matches(v) {
			return nil
		}
	}
	return apierr.New(apierr.Dependency, "UnresolvedDependency: "+d.Name)
}

func (c *Coordinator) upsertCrate(tx *gorm.DB, env Envelope, name canonical.Name, readmeHTML string) (metadatastore.Crate, error) {
	var crate metadatastore.Crate
	err := tx.Where("canonical_name = ?", string(name)).First(&crate).Error
	now := time.Now()
	if errors.Is(err, gorm.ErrRecordNotFound) {
		crate = metadatastore.Crate{
			Name:          env.Name,
			CanonicalName: string(name),
			Description:   env.Description,
			Documentation: env.Documentation,
			Repository:    env.Repository,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if readmeHTML != "" {
			crate.Readme = readmeHTML
			crate.ReadmeType = "markdown"
		}
		if err := tx.Create(&crate).Error; err != nil {
			return metadatastore.Crate{}, err
		}
		return crate, nil
	}
	if err != nil {
		return metadatastore.Crate{}, err
	}
	crate.Description = env.Description
	crate.Documentation = env.Documentation
	crate.Repository = env.Repository
	crate.UpdatedAt = now
	if readmeHTML != "" {
		crate.Readme = readmeHTML
		crate.ReadmeType = "markdown"
	}
	if err := tx.Save(&crate).Error; err != nil {
		return metadatastore.Crate{}, err
	}
	return crate, nil
}

func (c *Coordinator) syncKeywords(tx *gorm.DB, crateID uint64, keywords []string) error {
	var keywordIDs []uint64
	for _, name := range keywords {
		var kw metadatastore.Keyword
		err := tx.Where("name = ?", name).First(&kw).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			kw = metadatastore.Keyword{Name: name}
			if err := tx.Create(&kw).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		keywordIDs = append(keywordIDs, kw.ID)
	}
	if err := tx.Where("crate_id = ?", crateID).Delete(&metadatastore.CrateKeyword{}).Error; err != nil {
		return err
	}
	for _, id := range keywordIDs {
		if err := tx.Create(&metadatastore.CrateKeyword{CrateID: crateID, KeywordID: id}).Error; err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) syncCategories(tx *gorm.DB, crateID uint64, tags []string) error {
	var categoryIDs []uint64
	for _, tag := range tags {
		var cat metadatastore.Category
		if err := tx.Where("tag = ?", tag).First(&cat).Error; err != nil {
			return err
		}
		categoryIDs = append(categoryIDs, cat.ID)
	}
	if err := tx.Where("crate_id = ?", crateID).Delete(&metadatastore.CrateCategory{}).Error; err != nil {
		return err
	}
	for _, id := range categoryIDs {
		if err := tx.Create(&metadatastore.CrateCategory{CrateID: crateID, CategoryID: id}).Error; err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) ensureAuthor(tx *gorm.DB, crateID, authorID uint64) error {
	var count int64
	if err := tx.Model(&metadatastore.CrateAuthor{}).
		Where("crate_id = ? AND author_id = ?", crateID, authorID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return tx.Create(&metadatastore.CrateAuthor{CrateID: crateID, AuthorID: authorID}).Error
}

func (c *Coordinator) insertDependencies(tx *gorm.DB, crateID uint64, vers string, deps []record.Dependency) error {
	for _, d := range deps {
		row := metadatastore.Dependency{
			CrateID:        crateID,
			Version:        vers,
			DependencyName: d.Name,
			Requirement:    d.Req,
			Kind:           d.Kind,
			Optional:       d.Optional,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}
