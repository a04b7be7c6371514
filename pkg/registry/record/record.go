// Package record implements the codec for a single line of a crate's index
// file: one JSON object per published version, newline-delimited, in
// publication order. Encoding and decoding never reorder or merge lines;
// callers that need the set of versions for a crate read the whole file
// and decode it line by line.
package record

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/canonical"
	"github.com/alexandrie-rs/alexandrie/pkg/registry/semver"
)

// Dependency is one dependency entry of a published version, as it appears
// in the index record (not the full Cargo.toml manifest shape: only the
// fields Cargo's resolver reads from the index are kept).
type Dependency struct {
	Name               string   `json:"name"`
	Req                string   `json:"req"`
	Features           []string `json:"features"`
	Optional           bool     `json:"optional"`
	DefaultFeatures    bool     `json:"default_features"`
	Target             *string  `json:"target"`
	Kind               string   `json:"kind"`
	Registry           *string  `json:"registry,omitempty"`
	Package            *string  `json:"package,omitempty"`
	ExplicitNameInToml string   `json:"explicit_name_in_toml,omitempty"`
}

// Record is one version of one crate, in the shape persisted to the
// per-crate index file. Name is the display name (see package canonical
// for why that distinction matters); Yanked is mutated in place by
// RewriteYanked and is otherwise the only field ever changed after
// publication.
type Record struct {
	Name            string              `json:"name"`
	Vers            string              `json:"vers"`
	Deps            []Dependency        `json:"deps"`
	Cksum           string              `json:"cksum"`
	Features        map[string][]string `json:"features"`
	Yanked          bool                `json:"yanked"`
	Links           *string             `json:"links,omitempty"`
	V               int                 `json:"v"`
	Features2       map[string][]string `json:"features2,omitempty"`
	RustVersion     string              `json:"rust_version,omitempty"`
}

// schemaVersion is the "v" field written for records produced by Encode.
// v=2 signals that a resolver should also consult Features2 (namespaced /
// weak-dependency features), merging it with Features.
const schemaVersion = 2

// MalformedLine is returned by Decode/ReadAll when a line is not valid
// JSON or is missing a required field.
type MalformedLine struct {
	Line int
	Err  error
}

func (e *MalformedLine) Error() string {
	return fmt.Sprintf("malformed index line %d: %v", e.Line, e.Err)
}

func (e *MalformedLine) Unwrap() error { return e.Err }

// ErrVersionNotFound is returned by RewriteYanked when vers does not match
// any record in the file.
var ErrVersionNotFound = errors.New("version not found in index file")

// ErrDuplicateVersion is returned by AppendRecord (via the index backend,
// which calls ReadAll first) when a record for the same version already
// exists in the file.
var ErrDuplicateVersion = errors.New("version already present in index file")

// Encode renders r as a single index line, JSON-encoded, with no trailing
// newline.
func Encode(r Record) ([]byte, error) {
	if r.V == 0 {
		r.V = schemaVersion
	}
	buf, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "encoding record")
	}
	return buf, nil
}

// Decode parses a single index line into a Record.
func Decode(line []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(line, &r); err != nil {
		return Record{}, errors.Wrap(err, "decoding record")
	}
	if r.Name == "" || r.Vers == "" {
		return Record{}, errors.New("record missing name or vers")
	}
	return r, nil
}

// ReadAll decodes every non-blank line of an index file, in file order.
// A line that fails to decode is reported as a *MalformedLine wrapping the
// underlying error and its 1-based line number; ReadAll stops at the first
// such line.
func ReadAll(file []byte) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(bytes.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		r, err := Decode(line)
		if err != nil {
			return nil, &MalformedLine{Line: lineNo, Err: err}
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning index file")
	}
	return records, nil
}

// FindVersion returns the record for vers among records, and whether it
// was found.
func FindVersion(records []Record, vers string) (Record, bool) {
	for _, r := range records {
		if r.Vers == vers {
			return r, true
		}
	}
	return Record{}, false
}

// HasVersion reports whether records already contains an entry for vers.
func HasVersion(records []Record, vers string) bool {
	_, ok := FindVersion(records, vers)
	return ok
}

// Latest returns the record with the greatest SemVer precedence among
// records, ignoring yanked versions unless every version is yanked (so a
// fully-yanked crate still has a "latest" for display purposes). Records
// whose Vers does not parse as SemVer are skipped. Latest returns false
// if records is empty or none of its entries parse.
func Latest(records []Record) (Record, bool) {
	best, ok := latestAmong(records, false)
	if ok {
		return best, true
	}
	return latestAmong(records, true)
}

func latestAmong(records []Record, includeYanked bool) (Record, bool) {
	var best Record
	var bestVers semver.Version
	found := false
	for _, r := range records {
		if r.Yanked && !includeYanked {
			continue
		}
		v, err := semver.Parse(r.Vers)
		if err != nil {
			continue
		}
		if !found || bestVers.LessThan(v) {
			best, bestVers, found = r, v, true
		}
	}
	return best, found
}

// RewriteYanked rewrites the Yanked flag of the record matching vers within
// file and re-serialises the whole file, preserving line order. Each line
// is re-encoded from its own decoded Record, not copied verbatim, so
// whitespace, key order and JSON fields Record does not model are not
// preserved, and a line without a "v" field is written with v=2.
// It is idempotent: setting Yanked to its current value still succeeds and
// returns a file with the same decoded content.
func RewriteYanked(file []byte, vers string, yanked bool) ([]byte, error) {
	records, err := ReadAll(file)
	if err != nil {
		return nil, err
	}
	found := false
	var out bytes.Buffer
	for _, r := range records {
		if r.Vers == vers {
			found = true
			r.Yanked = yanked
		}
		line, err := Encode(r)
		if err != nil {
			return nil, err
		}
		out.Write(line)
		out.WriteByte('\n')
	}
	if !found {
		return nil, errors.Wrapf(ErrVersionNotFound, "%q", vers)
	}
	return out.Bytes(), nil
}

// AppendLine appends a newly-encoded record to the end of file, returning
// the new file contents. It does not check for duplicates; callers must
// check HasVersion against the records already read from file first so
// the check and the append observe the same snapshot.
func AppendLine(file []byte, r Record) ([]byte, error) {
	line, err := Encode(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(file)+len(line)+1)
	out = append(out, file...)
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	out = append(out, line...)
	out = append(out, '\n')
	return out, nil
}

// DisplayName returns the canonical.Name for r, for use as an index/store
// lookup key. Record.Name itself must always remain the display form.
func DisplayName(r Record) canonical.Name {
	return canonical.Canonicalise(r.Name)
}
