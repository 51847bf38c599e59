// Package testrunner holds golden file support for the kernel tests.
package testrunner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// UpdateEnv rewrites golden files when set to a non-empty value.
const UpdateEnv = "ETK_UPDATE_GOLDEN"

// GoldenPath returns the file that stores name under testdata/golden.
func GoldenPath(name string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_").Replace(name)
	return filepath.Join("testdata", "golden", safe+".golden")
}

// Golden compares got with the stored golden file for name. A missing file
// is written and the test passes; so does every file when UpdateEnv is set.
func Golden(t testing.TB, name, got string) {
	t.Helper()
	path := GoldenPath(name)
	want, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) || os.Getenv(UpdateEnv) != "":
		if err := writeGolden(path, got); err != nil {
			t.Fatalf("golden %s: %v", name, err)
		}
		t.Logf("golden %s written to %s", name, path)
		return
	case err != nil:
		t.Fatalf("golden %s: %v", name, err)
	}
	if string(want) != got {
		t.Fatalf("golden %s mismatch (set %s=1 to update):\n%s", name, UpdateEnv, Diff(string(want), got))
	}
}

func writeGolden(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create golden dir: %w", err)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// Diff renders the differing lines of want and got.
func Diff(want, got string) string {
	wl := strings.Split(want, "\n")
	gl := strings.Split(got, "\n")
	n := max(len(wl), len(gl))
	var b strings.Builder
	for i := 0; i < n; i++ {
		var w, g string
		if i < len(wl) {
			w = wl[i]
		}
		if i < len(gl) {
			g = gl[i]
		}
		if w != g {
			fmt.Fprintf(&b, "line %d:\n- %s\n+ %s\n", i+1, w, g)
		}
	}
	return b.String()
}
