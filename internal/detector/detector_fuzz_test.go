package detector

import (
	"os"
	"path/filepath"
	"testing"
)

// FuzzPIDFileDetectorContent ensures PIDFileDetector.Alive does not panic
// on arbitrary file contents and various sizes.
func FuzzPIDFileDetectorContent(f *testing.F) {
	f.Add([]byte("123\n"))
	f.Add([]byte("not-a-number"))
	f.Add([]byte("1\n{\"start_unix\":5}\n"))

	f.Fuzz(func(t *testing.T, data []byte) {
		pf := filepath.Join(t.TempDir(), "pid.pid")
		_ = os.WriteFile(pf, data, 0o644)
		d := PIDFileDetector{PIDFile: pf}
		_, _ = d.Alive() // must not panic
	})
}
