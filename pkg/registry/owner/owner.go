// Package owner implements the Owner Coordinator: listing, adding, and
// removing the crate_authors edges between an Author and a Crate, plus
// an optional invitation-based add flow.
package owner

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/apierr"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/auth"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/canonical"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/metadatastore"
)

// ErrWouldLeaveOrphan is returned by RemoveOwners when the removal would
// leave a crate with zero owners.
var ErrWouldLeaveOrphan = errors.New("removing the last owner would leave the crate orphaned")

// invitationTTL is how long an unaccepted invitation remains valid.
const invitationTTL = 14 * 24 * time.Hour

// Coordinator implements list_owners/add_owners/remove_owners. When
// RequireInvitation is true, add_owners creates a pending
// OwnerInvitation row instead of adding the crate_authors edge
// synchronously; AcceptInvitation consumes it.
type Coordinator struct {
	Meta              *metadatastore.Store
	Auth              *auth.Gate
	RequireInvitation bool
}

// New builds a synchronous (non-invitation) Coordinator. Set
// RequireInvitation on the returned value to switch modes.
func New(meta *metadatastore.Store, gate *auth.Gate) *Coordinator {
	return &Coordinator{Meta: meta, Auth: gate}
}

func (c *Coordinator) crateByName(ctx context.Context, displayName string) (metadatastore.Crate, error) {
	name := canonical.Canonicalise(displayName)
	var crate metadatastore.Crate
	err := c.Meta.Run(ctx, func(db *gorm.DB) error {
		return db.Where("canonical_name = ?", string(name)).First(&crate).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return metadatastore.Crate{}, apierr.New(apierr.NotFound, "crate not found")
	}
	if err != nil {
		return metadatastore.Crate{}, apierr.Wrap(apierr.Database, err, "looking up crate")
	}
	return crate, nil
}

func (c *Coordinator) authorByLogin(ctx context.Context, login string) (metadatastore.Author, error) {
	var author metadatastore.Author
	err := c.Meta.Run(ctx, func(db *gorm.DB) error {
		return db.Where("name = ?", login).First(&author).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return metadatastore.Author{}, apierr.New(apierr.NotFound, "author not found: "+login)
	}
	if err != nil {
		return metadatastore.Author{}, apierr.Wrap(apierr.Database, err, "looking up author")
	}
	return author, nil
}

// ListOwners returns every Author who owns displayName's crate.
func (c *Coordinator) ListOwners(ctx context.Context, displayName string) ([]metadatastore.Author, error) {
	crate, err := c.crateByName(ctx, displayName)
	if err != nil {
		return nil, err
	}
	var authors []metadatastore.Author
	err = c.Meta.Run(ctx, func(db *gorm.DB) error {
		return db.Joins("JOIN crate_authors ON crate_authors.author_id = authors.id").
			Where("crate_authors.crate_id = ?", crate.ID).
			Find(&authors).Error
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.Database, err, "listing owners")
	}
	return authors, nil
}

// AddOwners authenticates rawToken, requires the caller already own
// displayName's crate, then adds each named login as an owner. Adding an
// already-present owner is idempotent. When RequireInvitation is set,
// each addition instead creates a pending OwnerInvitation and returns the
// raw invitation tokens in the same order as logins.
func (c *Coordinator) AddOwners(ctx context.Context, rawToken, displayName string, logins []string) ([]string, error) {
	author, err := c.Auth.Authenticate(ctx, rawToken)
	if err != nil {
		return nil, apierr.Wrap(apierr.Unauthorized, err, "authentication failed")
	}
	crate, err := c.crateByName(ctx, displayName)
	if err != nil {
		return nil, err
	}
	if err := c.Auth.RequireOwner(ctx, crate.ID, author.ID); err != nil {
		return nil, apierr.Wrap(apierr.Forbidden, err, "not an owner of this crate")
	}

	var invitationTokens []string
	err = c.Meta.Transaction(ctx, func(tx *gorm.DB) error {
		for _, login := range logins {
			var target metadatastore.Author
			if err := tx.Where("name = ?", login).First(&target).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return apierr.New(apierr.NotFound, "author not found: "+login)
				}
				return err
			}

			if c.RequireInvitation {
				raw, err := c.createInvitation(tx, crate.ID, target.ID, author.ID)
				if err != nil {
					return err
				}
				invitationTokens = append(invitationTokens, raw)
				continue
			}

			var count int64
			if err := tx.Model(&metadatastore.CrateAuthor{}).
				Where("crate_id = ? AND author_id = ?", crate.ID, target.ID).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				continue
			}
			if err := tx.Create(&metadatastore.CrateAuthor{CrateID: crate.ID, AuthorID: target.ID}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*apierr.Error); ok {
			return nil, err
		}
		return nil, apierr.Wrap(apierr.Database, err, "adding owners")
	}
	return invitationTokens, nil
}

func (c *Coordinator) createInvitation(tx *gorm.DB, crateID, authorID, invitedBy uint64) (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", errors.Wrap(err, "generating invitation token")
	}
	raw := hex.EncodeToString(buf[:])
	sum := sha256.Sum256([]byte(raw))
	inv := metadatastore.OwnerInvitation{
		CrateID:   crateID,
		AuthorID:  authorID,
		InvitedBy: invitedBy,
		TokenHash: hex.EncodeToString(sum[:]),
		ExpiresAt: time.Now().Add(invitationTTL),
	}
	if err := tx.Create(&inv).Error; err != nil {
		return "", err
	}
	return raw, nil
}

// AcceptInvitation resolves rawToken to a pending, unexpired
// OwnerInvitation and adds the crate_authors edge it describes. Only
// meaningful when the Coordinator that issued the invitation had
// RequireInvitation set.
func (c *Coordinator) AcceptInvitation(ctx context.Context, rawToken string) error {
	sum := sha256.Sum256([]byte(rawToken))
	hash := hex.EncodeToString(sum[:])

	return c.Meta.Transaction(ctx, func(tx *gorm.DB) error {
		var inv metadatastore.OwnerInvitation
		if err := tx.Where("token_hash = ?", hash).First(&inv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apierr.New(apierr.NotFound, "invitation not found")
			}
			return apierr.Wrap(apierr.Database, err, "looking up invitation")
		}
		if inv.AcceptedAt != nil {
			return nil
		}
		if time.Now().After(inv.ExpiresAt) {
			return apierr.New(apierr.Validation, "invitation expired")
		}

		var count int64
		if err := tx.Model(&metadatastore.CrateAuthor{}).
			Where("crate_id = ? AND author_id = ?", inv.CrateID, inv.AuthorID).
			Count(&count).Error; err != nil {
			return apierr.Wrap(apierr.Database, err, "checking existing ownership")
		}
		if count == 0 {
			if err := tx.Create(&metadatastore.CrateAuthor{CrateID: inv.CrateID, AuthorID: inv.AuthorID}).Error; err != nil {
				return apierr.Wrap(apierr.Database, err, "adding owner")
			}
		}
		now := time.Now()
		inv.AcceptedAt = &now
		if err := tx.Save(&inv).Error; err != nil {
			return apierr.Wrap(apierr.Database, err, "marking invitation accepted")
		}
		return nil
	})
}

// RemoveOwners authenticates rawToken, requires the caller already own
// displayName's crate, then removes each named login from ownership.
// Removing an absent owner is idempotent. Fails with ErrWouldLeaveOrphan
// (apierr.Conflict) if the removal would leave the crate with zero
// owners; in that case no removal in the batch is applied.
func (c *Coordinator) RemoveOwners(ctx context.Context, rawToken, displayName string, logins []string) error {
	author, err := c.Auth.Authenticate(ctx, rawToken)
	if err != nil {
		return apierr.Wrap(apierr.Unauthorized, err, "authentication failed")
	}
	crate, err := c.crateByName(ctx, displayName)
	if err != nil {
		return err
	}
	if err := c.Auth.RequireOwner(ctx, crate.ID, author.ID); err != nil {
		return apierr.Wrap(apierr.Forbidden, err, "not an owner of this crate")
	}

	err = c.Meta.Transaction(ctx, func(tx *gorm.DB) error {
		var removeIDs []uint64
		for _, login := range logins {
			var target metadatastore.Author
			if err := tx.Where("name = ?", login).First(&target).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					continue
				}
				return err
			}
			var count int64
			if err := tx.Model(&metadatastore.CrateAuthor{}).
				Where("crate_id = ? AND author_id = ?", crate.ID, target.ID).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				removeIDs = append(removeIDs, target.ID)
			}
		}
		if len(removeIDs) == 0 {
			return nil
		}

		var totalOwners int64
		if err := tx.Model(&metadatastore.CrateAuthor{}).
			Where("crate_id = ?", crate.ID).
			Count(&totalOwners).Error; err != nil {
			return err
		}
		if int(totalOwners)-len(removeIDs) <= 0 {
			return apierr.Wrap(apierr.Conflict, ErrWouldLeaveOrphan, "removing these owners would leave the crate orphaned")
		}

		return tx.Where("crate_id = ? AND author_id IN ?", crate.ID, removeIDs).
			Delete(&metadatastore.CrateAuthor{}).Error
	})
	if err != nil {
		if _, ok := err.(*apierr.Error); ok {
			return err
		}
		return apierr.Wrap(apierr.Database, err, "removing owners")
	}
	return nil
}
