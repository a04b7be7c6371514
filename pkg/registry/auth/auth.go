// Package auth resolves the bearer token on an incoming request to the
// Author that issued it, and checks crate ownership before allowing
// mutating operations. Cargo sends the raw token value in the
// Authorization header with no "Bearer " scheme prefix (unlike most HTTP
// APIs), and this package accepts both forms so the gate also works
// behind an API client that does add the scheme.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/metadatastore"
)

// ErrUnauthenticated is returned when a request carries no usable token.
var ErrUnauthenticated = errors.New("missing or invalid bearer token")

// ErrForbidden is returned when an authenticated author is not an owner
// of the crate they tried to mutate.
var ErrForbidden = errors.New("author does not own this crate")

// Gate resolves bearer tokens to authors and checks crate ownership.
type Gate struct {
	store *metadatastore.Store
}

// NewGate builds a Gate backed by store.
func NewGate(store *metadatastore.Store) *Gate {
	return &Gate{store: store}
}

// ExtractToken strips an optional "Bearer " scheme prefix from an
// Authorization header value, matching both raw Cargo-style tokens and
// conventional bearer-scheme clients.
func ExtractToken(header string) string {
	if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
		return rest
	}
	return header
}

// hashToken returns the value AuthorToken.TokenHash stores for a raw
// token: tokens are bearer secrets, so the database never holds the
// plaintext, only a SHA-256 digest suitable for an equality lookup.
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves a raw bearer token to its owning Author. Returns
// ErrUnauthenticated if the token is empty, unknown, or expired.
func (g *Gate) Authenticate(ctx context.Context, rawToken string) (metadatastore.Author, error) {
	if rawToken == "" {
		return metadatastore.Author{}, ErrUnauthenticated
	}
	hash := hashToken(rawToken)
	var author metadatastore.Author
	err := g.store.Run(ctx, func(db *gorm.DB) error {
		var tok metadatastore.AuthorToken
		if err := db.Where("token_hash = ?", hash).First(&tok).Error; err != nil {
			return err
		}
		if tok.ExpiresAt != nil && tok.ExpiresAt.Before(time.Now()) {
			return gorm.ErrRecordNotFound
		}
		now := time.Now()
		tok.LastUsedAt = &now
		if err := db.Save(&tok).Error; err != nil {
			return err
		}
		return db.First(&author, tok.AuthorID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return metadatastore.Author{}, ErrUnauthenticated
	}
	if err != nil {
		return metadatastore.Author{}, errors.Wrap(err, "resolving bearer token")
	}
	return author, nil
}

// IsOwner reports whether author owns the crate with the given ID.
func (g *Gate) IsOwner(ctx context.Context, crateID uint64, authorID uint64) (bool, error) {
	var count int64
	err := g.store.Run(ctx, func(db *gorm.DB) error {
		return db.Model(&metadatastore.CrateAuthor{}).
			Where("crate_id = ? AND author_id = ?", crateID, authorID).
			Count(&count).Error
	})
	if err != nil {
		return false, errors.Wrap(err, "checking crate ownership")
	}
	return count > 0, nil
}

// RequireOwner returns ErrForbidden if author does not own crateID.
func (g *Gate) RequireOwner(ctx context.Context, crateID, authorID uint64) error {
	ok, err := g.IsOwner(ctx, crateID, authorID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// IssueToken creates and stores a new opaque bearer token for author,
// returning the raw token value. The raw value is only ever returned
// here; only its hash is persisted.
func (g *Gate) IssueToken(ctx context.Context, authorID uint64, name string) (raw string, err error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", errors.Wrap(err, "generating token")
	}
	raw = hex.EncodeToString(buf[:])
	tok := metadatastore.AuthorToken{
		AuthorID:  authorID,
		Name:      name,
		TokenHash: hashToken(raw),
	}
	if err := g.store.Run(ctx, func(db *gorm.DB) error {
		return db.Create(&tok).Error
	}); err != nil {
		return "", errors.Wrap(err, "storing issued token")
	}
	return raw, nil
}

// RevokeToken deletes the token with the given ID, scoped to authorID so
// an author can never revoke another author's token.
func (g *Gate) RevokeToken(ctx context.Context, authorID, tokenID uint64) error {
	return g.store.Run(ctx, func(db *gorm.DB) error {
		res := db.Where("id = ? AND author_id = ?", tokenID, authorID).Delete(&metadatastore.AuthorToken{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// HashPassword hashes a local account password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hashing password")
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches the given bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
