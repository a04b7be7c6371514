package record

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleLine(name, vers string, yanked bool) []byte {
	r := Record{
		Name:     name,
		Vers:     vers,
		Deps:     []Dependency{},
		Cksum:    "abc123",
		Features: map[string][]string{},
		Yanked:   yanked,
	}
	line, err := Encode(r)
	if err != nil {
		panic(err)
	}
	return line
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	r := Record{
		Name:  "Serde-JSON",
		Vers:  "1.0.0",
		Cksum: "deadbeef",
		Deps: []Dependency{
			{Name: "serde", Req: "^1.0", Kind: "normal", DefaultFeatures: true},
		},
		Features: map[string][]string{"std": nil},
	}
	line, err := Encode(r)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(line)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Name != r.Name || got.Vers != r.Vers || got.Cksum != r.Cksum {
		t.Errorf("round trip mismatch: got %+v", got)
	}
	if got.V != schemaVersion {
		t.Errorf("Encode did not stamp schema version, got v=%d", got.V)
	}
	if diff := cmp.Diff(r.Deps, got.Deps); diff != "" {
		t.Errorf("Deps round trip mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(r.Features, got.Features); diff != "" {
		t.Errorf("Features round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeMissingFields(t *testing.T) {
	if _, err := Decode([]byte(`{"vers":"1.0.0"}`)); err == nil {
		t.Error("expected error decoding record missing name")
	}
}

func TestReadAll(t *testing.T) {
	var file []byte
	file = append(file, sampleLine("foo", "1.0.0", false)...)
	file = append(file, '\n')
	file = append(file, sampleLine("foo", "1.1.0", false)...)
	file = append(file, '\n')
	file = append(file, '\n') // blank line tolerated

	records, err := ReadAll(file)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("ReadAll returned %d records, want 2", len(records))
	}
	if records[0].Vers != "1.0.0" || records[1].Vers != "1.1.0" {
		t.Errorf("ReadAll did not preserve order: %+v", records)
	}
}

func TestReadAllMalformedLine(t *testing.T) {
	file := append(sampleLine("foo", "1.0.0", false), '\n')
	file = append(file, []byte("not json\n")...)

	_, err := ReadAll(file)
	var malformed *MalformedLine
	if err == nil {
		t.Fatal("expected error")
	}
	if !asMalformed(err, &malformed) {
		t.Fatalf("expected *MalformedLine, got %T: %v", err, err)
	}
	if malformed.Line != 2 {
		t.Errorf("MalformedLine.Line = %d, want 2", malformed.Line)
	}
}

func asMalformed(err error, target **MalformedLine) bool {
	m, ok := err.(*MalformedLine)
	if !ok {
		return false
	}
	*target = m
	return true
}

func TestRewriteYanked(t *testing.T) {
	var file []byte
	file = append(file, sampleLine("foo", "1.0.0", false)...)
	file = append(file, '\n')
	file = append(file, sampleLine("foo", "1.1.0", false)...)
	file = append(file, '\n')

	out, err := RewriteYanked(file, "1.0.0", true)
	if err != nil {
		t.Fatalf("RewriteYanked: %v", err)
	}
	records, err := ReadAll(out)
	if err != nil {
		t.Fatalf("ReadAll after rewrite: %v", err)
	}
	r0, _ := FindVersion(records, "1.0.0")
	r1, _ := FindVersion(records, "1.1.0")
	if !r0.Yanked {
		t.Error("expected 1.0.0 to be yanked")
	}
	if r1.Yanked {
		t.Error("expected 1.1.0 to remain unyanked")
	}

	// idempotent: yanking again produces the same decoded content.
	out2, err := RewriteYanked(out, "1.0.0", true)
	if err != nil {
		t.Fatalf("RewriteYanked (idempotent): %v", err)
	}
	records2, err := ReadAll(out2)
	if err != nil {
		t.Fatalf("ReadAll after idempotent rewrite: %v", err)
	}
	if len(records2) != len(records) {
		t.Errorf("idempotent rewrite changed record count: %d vs %d", len(records2), len(records))
	}
}

func TestRewriteYankedVersionNotFound(t *testing.T) {
	file := append(sampleLine("foo", "1.0.0", false), '\n')
	_, err := RewriteYanked(file, "9.9.9", true)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected version-not-found error, got %v", err)
	}
}

func TestAppendLineAndHasVersion(t *testing.T) {
	file := append(sampleLine("foo", "1.0.0", false), '\n')
	records, err := ReadAll(file)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if HasVersion(records, "1.1.0") {
		t.Fatal("did not expect 1.1.0 to be present yet")
	}

	out, err := AppendLine(file, Record{
		Name: "foo", Vers: "1.1.0", Cksum: "xyz", Features: map[string][]string{},
	})
	if err != nil {
		t.Fatalf("AppendLine: %v", err)
	}
	records, err = ReadAll(out)
	if err != nil {
		t.Fatalf("ReadAll after append: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records after append, got %d", len(records))
	}
	if !HasVersion(records, "1.1.0") {
		t.Error("expected 1.1.0 to be present after append")
	}
}

func TestDisplayName(t *testing.T) {
	r := Record{Name: "Serde_JSON"}
	if got, want := DisplayName(r).String(), "serde-json"; got != want {
		t.Errorf("DisplayName = %q, want %q", got, want)
	}
}
