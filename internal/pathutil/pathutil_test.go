package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandHomePath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		t.Skip("no home directory")
	}

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"bare tilde", "~", filepath.Clean(home)},
		{"tilde prefix", "~/x/y", filepath.Clean(filepath.Join(home, "x", "y"))},
		{"absolute untouched", "/tmp/a", "/tmp/a"},
		{"relative cleaned", "a/../b", "b"},
		{"whitespace trimmed", "  /tmp/a  ", "/tmp/a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExpandHomePath(tc.in); got != tc.want {
				t.Fatalf("ExpandHomePath(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestEnsureParentDir(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a", "b", "file.db")
	if err := EnsureParentDir(p); err != nil {
		t.Fatalf("EnsureParentDir: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(p)); err != nil {
		t.Fatalf("parent not created: %v", err)
	}
	if err := EnsureParentDir(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
}
