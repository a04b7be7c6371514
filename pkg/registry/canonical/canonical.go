// Package canonical folds crate names to their canonical form for
// uniqueness checks and index/storage lookups, while keeping the
// display form (the exact casing and separator choice the author used)
// available separately.
//
// Conflating the two is the most common bug in a Cargo-compatible
// registry: every lookup that should be case/separator-insensitive must
// go through Name, and every piece of persisted data (index filenames,
// record "name" fields, blob keys) must use the display string instead.
package canonical

import (
	"strings"

	"github.com/pkg/errors"
)

// Name is the canonicalised form of a crate name: lowercased ASCII with
// every '-' and '_' folded to '-'. Two display names collide exactly when
// their Name is equal.
type Name string

// Reserved names that may not be used for a *new* crate: the Windows
// reserved device file names. Rust/Cargo keywords are not in this list
// and are not rejected.
var reserved = map[Name]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true, "com5": true,
	"com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true, "lpt5": true,
	"lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// ErrEmpty is returned when a name is the empty string.
var ErrEmpty = errors.New("crate name must not be empty")

// ErrLeadingSeparator is returned when a name starts with '-' or '_'.
var ErrLeadingSeparator = errors.New("crate name must not start with a separator")

// ErrInvalidChar is returned when a name contains a character outside
// [A-Za-z0-9_-].
var ErrInvalidChar = errors.New("crate name contains an invalid character")

// ErrReserved is returned when a new crate's canonical name matches a
// reserved word.
var ErrReserved = errors.New("crate name is reserved")

// Canonicalise lowercases ASCII letters in display and folds '-'/'_' to
// '-', returning the canonical Name. It does not validate the input; call
// Validate for that.
func Canonicalise(display string) Name {
	b := make([]byte, len(display))
	for i := 0; i < len(display); i++ {
		c := display[i]
		switch {
		case c == '-' || c == '_':
			b[i] = '-'
		case c >= 'A' && c <= 'Z':
			b[i] = c - 'A' + 'a'
		default:
			b[i] = c
		}
	}
	return Name(b)
}

// Validate checks display against the syntactic rules a crate name must
// satisfy to be publishable: non-empty, not starting with a separator, and
// composed only of [A-Za-z0-9_-].
func Validate(display string) error {
	if display == "" {
		return ErrEmpty
	}
	if display[0] == '-' || display[0] == '_' {
		return ErrLeadingSeparator
	}
	for i := 0; i < len(display); i++ {
		c := display[i]
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_'
		if !ok {
			return ErrInvalidChar
		}
	}
	return nil
}

// ValidateNew runs Validate and additionally rejects names whose canonical
// form is reserved. Only new crates are checked against the reserved list;
// a crate already published under a reserved-looking name is grandfathered.
func ValidateNew(display string) error {
	if err := Validate(display); err != nil {
		return err
	}
	if reserved[Canonicalise(display)] {
		return errors.Wrapf(ErrReserved, "%q", display)
	}
	return nil
}

// Equal reports whether two display names share the same canonical form.
func Equal(a, b string) bool {
	return Canonicalise(a) == Canonicalise(b)
}

// String returns the canonical name as a plain string.
func (n Name) String() string { return string(n) }

// ShardPath derives the Cargo index shard path segments for a canonical
// name, following the same rule the index file layout and the sparse
// fetch protocol both use:
//
//	len(n) == 1: "1/<n>"
//	len(n) == 2: "2/<n>"
//	len(n) == 3: "3/<n[0]>/<n>"
//	otherwise:   "<n[0:2]>/<n[2:4]>/<n>"
func (n Name) ShardPath() string {
	s := strings.ToLower(string(n))
	switch len(s) {
	case 1:
		return "1/" + s
	case 2:
		return "2/" + s
	case 3:
		return "3/" + s[:1] + "/" + s
	default:
		return s[:2] + "/" + s[2:4] + "/" + s
	}
}

// ShardSegments returns the sparse-protocol URL path segments (fst, snd)
// that precede the crate name and must equal the ones derived from the
// name for a sparse fetch request to be valid. snd is empty when the shard has only two segments
// (len(n) in {1,2}).
func (n Name) ShardSegments() (fst, snd string) {
	s := strings.ToLower(string(n))
	switch len(s) {
	case 1:
		return "1", ""
	case 2:
		return "2", ""
	case 3:
		return "3", s[:1]
	default:
		return s[:2], s[2:4]
	}
}
