// Package semver wraps Masterminds/semver/v3 with the two operations the
// registry core needs: parsing a published version and parsing (then
// matching) a dependency's version requirement string. Keeping this as a
// thin seam means the rest of the core depends on a narrow interface
// rather than spreading Masterminds/semver imports throughout.
package semver

import (
	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

// Version is a parsed SemVer version, ordered by SemVer precedence.
type Version struct {
	v *semver.Version
}

// Parse parses s as a SemVer version.
func Parse(s string) (Version, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return Version{}, errors.Wrapf(err, "parsing version %q", s)
	}
	return Version{v: v}, nil
}

// String returns the original (non-normalised) version string.
func (v Version) String() string {
	if v.v == nil {
		return ""
	}
	return v.v.Original()
}

// Compare returns -1, 0, or +1 if v is less than, equal to, or greater
// than other, by SemVer precedence.
func (v Version) Compare(other Version) int {
	return v.v.Compare(other.v)
}

// LessThan reports whether v has lower SemVer precedence than other.
func (v Version) LessThan(other Version) bool {
	return v.Compare(other) < 0
}

// Constraint is a parsed SemVer version requirement (e.g. "^1.2", "~1.2.3",
// ">=1.0, <2.0").
type Constraint struct {
	c *semver.Constraints
}

// ParseConstraint parses s as a SemVer version requirement.
func ParseConstraint(s string) (Constraint, error) {
	c, err := semver.NewConstraint(s)
	if err != nil {
		return Constraint{}, errors.Wrapf(err, "parsing version requirement %q", s)
	}
	return Constraint{c: c}, nil
}

// Matches reports whether v satisfies the constraint.
func (c Constraint) Matches(v Version) bool {
	return c.c.Check(v.v)
}

// Latest returns the version with the greatest SemVer precedence among vs.
// Latest panics if vs is empty; callers are expected to check length first.
func Latest(vs []Version) Version {
	latest := vs[0]
	for _, v := range vs[1:] {
		if latest.LessThan(v) {
			latest = v
		}
	}
	return latest
}
