package testsupport

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-entity-cache/store"
)

// UpdateGoldenEnv rewrites golden files instead of comparing when set to 1.
const UpdateGoldenEnv = "UPDATE_GOLDEN"

// LoadFixture loads test data from a fixture file.
// The path is relative to the test package directory.
func LoadFixture(t *testing.T, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to load fixture from %s: %v", path, err)
	}
	return data
}

// LoadFixtureYAML decodes a YAML fixture into dest.
func LoadFixtureYAML(t *testing.T, path string, dest any) {
	t.Helper()

	if err := yaml.Unmarshal(LoadFixture(t, path), dest); err != nil {
		t.Fatalf("failed to unmarshal YAML fixture from %s: %v", path, err)
	}
}

// TableFixture is the YAML shape of seed data:
//
//	authors:
//	  - {id: 1, name: ada}
type TableFixture map[string][]map[string]any

// LoadRows reads a TableFixture and returns the rows per table name.
func LoadRows(t *testing.T, path string) map[string][]store.Row {
	t.Helper()

	var fx TableFixture
	LoadFixtureYAML(t, path, &fx)
	out := make(map[string][]store.Row, len(fx))
	for table, rows := range fx {
		for _, r := range rows {
			out[table] = append(out[table], store.Row(r))
		}
	}
	return out
}

// WriteGolden writes test output to a golden file, creating its directory.
func WriteGolden(t *testing.T, path string, data []byte) {
	t.Helper()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("failed to create directory %s: %v", dir, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write golden file to %s: %v", path, err)
	}
}

// CompareWithGolden compares actual with the golden file at path. A missing
// golden file is created from actual.
func CompareWithGolden(t *testing.T, path string, actual []byte) {
	t.Helper()

	if os.Getenv(UpdateGoldenEnv) == "1" {
		WriteGolden(t, path, actual)
		return
	}
	expected, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			t.Logf("Golden file %s does not exist, creating it", path)
			WriteGolden(t, path, actual)
			return
		}
		t.Fatalf("failed to read golden file %s: %v", path, err)
	}

	if string(actual) != string(expected) {
		t.Errorf("output mismatch for %s:\nExpected:\n%s\nActual:\n%s", path, expected, actual)
	}
}

// StatementLog renders a statement log one statement per line, the format
// golden files of flush orderings use.
func StatementLog(stmts []store.Statement) []byte {
	var b strings.Builder
	for _, s := range stmts {
		b.WriteString(s.String())
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// FixturePath constructs a path to a fixture file relative to the testdata directory.
func FixturePath(filename string) string {
	return filepath.Join("testdata", filename)
}

// GoldenPath constructs a path to a golden file relative to the testdata directory.
func GoldenPath(filename string) string {
	return filepath.Join("testdata", "golden", filename)
}
