package env

import (
	"strings"
	"testing"
)

// FuzzEnviron feeds random names and values to Environ and checks that the
// output stays a well-formed, sorted K=V list.
func FuzzEnviron(f *testing.F) {
	f.Add([]byte("A=1\nB=${A}-x"))
	f.Add([]byte("FOO=bar\nFOO2=$FOO"))
	f.Add([]byte("X=$Y\nY=${X}"))
	f.Add([]byte("=novalue\nK==v"))

	f.Fuzz(func(t *testing.T, data []byte) {
		v := Vars{}
		for i, line := range strings.Split(string(data), "\n") {
			if i > 20 {
				break
			}
			if k, val, ok := strings.Cut(line, "="); ok {
				v[k] = val
			}
		}
		out := v.Environ(func(string) (string, bool) { return "", false })
		prev := ""
		for _, kv := range out {
			k, _, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				t.Fatalf("bad pair: %q", kv)
			}
			if k < prev {
				t.Fatalf("not sorted: %q after %q", k, prev)
			}
			prev = k
		}
	})
}
