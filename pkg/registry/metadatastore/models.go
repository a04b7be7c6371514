// Package metadatastore is the relational side of the registry: author
// accounts and their tokens, crate ownership, and the search/listing
// metadata (keywords, categories, download counters) that is expensive to
// derive by re-reading every crate's index file on every request. The
// git-hosted index (package index) remains the source of truth for a
// version's existence and its manifest data; this store is a derived,
// queryable projection kept in sync by the coordinators in packages
// publish and owner.
package metadatastore

import "time"

// Author is a registered account able to publish and own crates.
type Author struct {
	ID           uint64 `gorm:"primarykey"`
	Name         string `gorm:"size:64;not null"`
	Email        string `gorm:"size:320;uniqueIndex;not null"`
	PasswordHash string `gorm:"size:100"`
	CreatedAt    time.Time
}

// AuthorToken is an opaque bearer token issued to an Author.
type AuthorToken struct {
	ID         uint64 `gorm:"primarykey"`
	AuthorID   uint64 `gorm:"not null;index"`
	Name       string `gorm:"size:128;not null"`
	TokenHash  string `gorm:"size:64;uniqueIndex;not null"`
	CreatedAt  time.Time
	LastUsedAt *time.Time
	ExpiresAt  *time.Time
}

// Crate is a registered crate name. Name is the display form (see
// package canonical); CanonicalName is the folded form and is what
// uniqueness and lookups are indexed on.
type Crate struct {
	ID            uint64 `gorm:"primarykey"`
	Name          string `gorm:"size:64;not null"`
	CanonicalName string `gorm:"size:64;uniqueIndex;not null"`
	Description   string `gorm:"size:1024"`
	Documentation string `gorm:"size:2048"`
	Repository    string `gorm:"size:2048"`
	// Readme holds rendered HTML, never raw Markdown (see renderReadme
	// in package publish). ReadmeType records which renderer produced it,
	// matching the original's support for more than one README format.
	Readme      string `gorm:"type:text"`
	ReadmeType  string `gorm:"size:32"`
	Downloads   uint64 `gorm:"not null;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CrateAuthor is the many-to-many join between Crate and Author
// recording ownership.
type CrateAuthor struct {
	CrateID  uint64 `gorm:"primarykey"`
	AuthorID uint64 `gorm:"primarykey"`
}

// OwnerInvitation is a pending invitation for an Author to become an
// owner of a Crate, used only when the registry is configured to require
// invitations to be accepted rather than adding owners synchronously.
type OwnerInvitation struct {
	ID         uint64 `gorm:"primarykey"`
	CrateID    uint64 `gorm:"not null;index"`
	AuthorID   uint64 `gorm:"not null;index"`
	InvitedBy  uint64 `gorm:"not null"`
	TokenHash  string `gorm:"size:64;uniqueIndex;not null"`
	CreatedAt  time.Time
	ExpiresAt  time.Time
	AcceptedAt *time.Time
}

// Keyword is a distinct keyword string crates can be tagged with.
type Keyword struct {
	ID   uint64 `gorm:"primarykey"`
	Name string `gorm:"size:64;uniqueIndex;not null"`
}

// CrateKeyword is the many-to-many join between Crate and Keyword.
type CrateKeyword struct {
	CrateID   uint64 `gorm:"primarykey"`
	KeywordID uint64 `gorm:"primarykey"`
}

// Category is a registry-curated category crates can be filed under.
type Category struct {
	ID          uint64 `gorm:"primarykey"`
	Tag         string `gorm:"size:64;uniqueIndex;not null"`
	Name        string `gorm:"size:128;not null"`
	Description string `gorm:"size:512"`
}

// CrateCategory is the many-to-many join between Crate and Category.
type CrateCategory struct {
	CrateID    uint64 `gorm:"primarykey"`
	CategoryID uint64 `gorm:"primarykey"`
}

// Dependency denormalises one dependency edge of one published version,
// so that reverse-dependency queries ("what depends on crate X") don't
// require scanning every index file. It is written alongside the index
// record it describes and is never itself authoritative: the git index
// record is.
type Dependency struct {
	ID              uint64 `gorm:"primarykey"`
	CrateID         uint64 `gorm:"not null;index"`
	Version         string `gorm:"size:64;not null;index"`
	DependencyName  string `gorm:"size:64;not null;index"`
	Requirement     string `gorm:"size:256;not null"`
	Kind            string `gorm:"size:16;not null"`
	Optional        bool   `gorm:"not null;default:false"`
}

// AllModels lists every model this package defines, for use with
// gorm's AutoMigrate.
func AllModels() []any {
	return []any{
		&Author{}, &AuthorToken{},
		&Crate{}, &CrateAuthor{}, &OwnerInvitation{},
		&Keyword{}, &CrateKeyword{},
		&Category{}, &CrateCategory{},
		&Dependency{},
	}
}
