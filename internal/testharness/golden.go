// Package testharness holds shared test fixtures: an in-process chat
// backend and golden-file snapshots for rendered timelines.
package testharness

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// UpdateGolden rewrites golden files instead of comparing. Set
// UPDATE_GOLDEN=1 to enable.
var UpdateGolden = os.Getenv("UPDATE_GOLDEN") == "1"

// Golden compares rendered output against testdata/golden/<test>.golden.
type Golden struct {
	t    testing.TB
	dir  string
	name string
}

// NewGolden returns a helper rooted at testdata/golden.
func NewGolden(t testing.TB) *Golden {
	t.Helper()
	return NewGoldenAt(t, filepath.Join("testdata", "golden"))
}

// NewGoldenAt returns a helper rooted at dir.
func NewGoldenAt(t testing.TB, dir string) *Golden {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("create golden dir: %v", err)
	}
	return &Golden{t: t, dir: dir, name: sanitizeTestName(t.Name())}
}

// Assert compares actual against the test's golden file.
func (g *Golden) Assert(actual string) {
	g.t.Helper()
	g.AssertNamed("", actual)
}

// AssertNamed compares actual against a suffixed golden file.
func (g *Golden) AssertNamed(name, actual string) {
	g.t.Helper()
	path := g.path(name)
	if UpdateGolden {
		if err := os.WriteFile(path, []byte(actual), 0o644); err != nil {
			g.t.Fatalf("update golden %s: %v", path, err)
		}
		return
	}
	expected, err := os.ReadFile(path)
	if err != nil {
		g.t.Fatalf("read golden %s: %v\n\nactual:\n%s", path, err, actual)
	}
	if string(expected) != actual {
		g.t.Errorf("golden mismatch %s\n%s", path, diff(string(expected), actual))
	}
}

func (g *Golden) path(name string) string {
	if name == "" {
		return filepath.Join(g.dir, g.name+".golden")
	}
	return filepath.Join(g.dir, g.name+"_"+name+".golden")
}

func sanitizeTestName(name string) string {
	return strings.NewReplacer("/", "_", " ", "_", ":", "_").Replace(name)
}

// diff lists differing lines as -expected/+actual pairs.
func diff(expected, actual string) string {
	want := strings.Split(expected, "\n")
	got := strings.Split(actual, "\n")
	n := max(len(want), len(got))

	var b strings.Builder
	for i := 0; i < n; i++ {
		var w, g string
		if i < len(want) {
			w = want[i]
		}
		if i < len(got) {
			g = got[i]
		}
		if w != g {
			b.WriteString("- " + w + "\n+ " + g + "\n")
		}
	}
	return b.String()
}
