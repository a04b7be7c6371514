// Package publish implements the Publish Coordinator: the cross-store
// transaction that ingests a Cargo publish request, validates it, and
// commits it atomically to the relational metadata store, the git index,
// and the blob store.
package publish

import (
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/alexandrie-rs/alexandrie/pkg/registry/record"
)

// Envelope is the JSON metadata half of a Cargo publish request body,
// matching the fields Cargo's publish protocol sends.
type Envelope struct {
	Name          string               `json:"name"`
	Vers          string               `json:"vers"`
	Deps          []EnvelopeDependency `json:"deps"`
	Features      map[string][]string  `json:"features"`
	Authors       []string             `json:"authors"`
	Description   string               `json:"description"`
	Documentation string               `json:"documentation"`
	Homepage      string               `json:"homepage"`
	Readme        string               `json:"readme"`
	ReadmeFile    string               `json:"readme_file"`
	Keywords      []string             `json:"keywords"`
	Categories    []string             `json:"categories"`
	License       string               `json:"license"`
	LicenseFile   string               `json:"license_file"`
	Repository    string               `json:"repository"`
	Badges        map[string]any       `json:"badges"`
	Links         string               `json:"links"`
}

// EnvelopeDependency is one dependency entry as sent in the publish
// envelope; it carries everything record.Dependency does plus the
// registry/explicit-name fields Cargo includes on the wire but the index
// only needs a subset of.
type EnvelopeDependency struct {
	Name               string   `json:"name"`
	Version            string   `json:"version_req"`
	Features           []string `json:"features"`
	Optional           bool     `json:"optional"`
	DefaultFeatures    bool     `json:"default_features"`
	Target             *string  `json:"target"`
	Kind               string   `json:"kind"`
	Registry           *string  `json:"registry"`
	ExplicitNameInToml string   `json:"explicit_name_in_toml"`
}

// ErrMalformedBody is returned by ReadRequest when the length-prefixed
// framing is truncated or a length prefix exceeds maxJSONLen/maxTarballLen.
var ErrMalformedBody = errors.New("malformed publish request body")

// maxJSONLen and maxTarballLen bound the length prefixes the frame may
// declare, guarding against a client claiming an implausible size and
// forcing an unbounded read.
const (
	maxJSONLen    = 16 << 20  // 16 MiB of envelope metadata
	maxTarballLen = 256 << 20 // 256 MiB tarball
)

// ReadRequest parses Cargo's publish wire framing: a 4-byte
// little-endian length, that many bytes of JSON, a 4-byte little-endian
// length, and that many bytes of gzipped tarball.
func ReadRequest(r io.Reader) (Envelope, []byte, error) {
	jsonBuf, err := readFramed(r, maxJSONLen)
	if err != nil {
		return Envelope{}, nil, errors.Wrap(err, "reading envelope frame")
	}
	var env Envelope
	if err := json.Unmarshal(jsonBuf, &env); err != nil {
		return Envelope{}, nil, errors.Wrap(ErrMalformedBody, err.Error())
	}
	tarball, err := readFramed(r, maxTarballLen)
	if err != nil {
		return Envelope{}, nil, errors.Wrap(err, "reading tarball frame")
	}
	return env, tarball, nil
}

func readFramed(r io.Reader, max uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, errors.Wrap(ErrMalformedBody, err.Error())
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > max {
		return nil, errors.Wrapf(ErrMalformedBody, "frame length %d exceeds limit %d", n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(ErrMalformedBody, err.Error())
	}
	return buf, nil
}

// defaultKind is the dependency kind assumed when an envelope entry omits
// "kind" (Cargo's own publish payloads always set it, but third-party
// clients may not).
const defaultKind = "normal"

// toRecordDeps converts the envelope's dependency list to the shape the
// index codec persists.
func toRecordDeps(deps []EnvelopeDependency) []record.Dependency {
	out := make([]record.Dependency, 0, len(deps))
	for _, d := range deps {
		kind := d.Kind
		if kind == "" {
			kind = defaultKind
		}
		out = append(out, record.Dependency{
			Name:               d.Name,
			Req:                d.Version,
			Features:           d.Features,
			Optional:           d.Optional,
			DefaultFeatures:    d.DefaultFeatures,
			Target:             d.Target,
			Kind:               kind,
			Registry:           d.Registry,
			ExplicitNameInToml: d.ExplicitNameInToml,
		})
	}
	return out
}
