package registry

import (
	"os"
	"path/filepath"
	"testing"
)

// FuzzRead ensures arbitrary file contents never panic and never yield a
// non-positive pid.
func FuzzRead(f *testing.F) {
	f.Add([]byte("123\n"))
	f.Add([]byte("not-a-number"))
	f.Add([]byte("\n\n"))
	f.Add([]byte("-5"))

	f.Fuzz(func(t *testing.T, data []byte) {
		path := filepath.Join(t.TempDir(), "app.pid")
		_ = os.WriteFile(path, data, 0o644)
		if pid, ok := New(path).Read(); ok && pid <= 0 {
			t.Fatalf("Read returned ok with pid %d", pid)
		}
	})
}
