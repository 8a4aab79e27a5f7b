package pidfile

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestWriteRead_WithMeta(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "run", "trytond.pid.1")
	in := Record{Path: p, PID: 4242, ConfigPath: "/tmp/trytond.conf.1", StartUnix: 1700000000}
	if err := Write(in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out, err := Read(p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestRead_LegacyFormat(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "legacy.pid")
	if err := os.WriteFile(p, []byte("12345"), 0o600); err != nil {
		t.Fatal(err)
	}
	rec, err := Read(p)
	if err != nil {
		t.Fatalf("Read legacy: %v", err)
	}
	if rec.PID != 12345 || rec.ConfigPath != "" || rec.StartUnix != 0 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestRead_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"garbage":  "abc\n",
		"zero":     "0\n",
		"negative": "-5\n",
		"empty":    "",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			p := filepath.Join(dir, name+".pid")
			if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := Read(p); !errors.Is(err, ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestRead_BadMetaKeepsPID(t *testing.T) {
	rec, err := Parse("x", []byte("77\n{not json\n"))
	if err != nil || rec.PID != 77 {
		t.Fatalf("expected pid 77, got %+v %v", rec, err)
	}
}

func TestRead_Missing(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "nope.pid"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist, got %v", err)
	}
	if err := Remove(filepath.Join(t.TempDir(), "nope.pid")); err != nil {
		t.Fatalf("Remove missing: %v", err)
	}
}

func TestNumbered(t *testing.T) {
	got := Numbered("/tmp/trytond.pid", 3)
	want := []string{"/tmp/trytond.pid.1", "/tmp/trytond.pid.2", "/tmp/trytond.pid.3"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Numbered = %v", got)
	}
}

func FuzzParse(f *testing.F) {
	f.Add("123\n{\"start_unix\":1}\n")
	f.Add("0\n")
	f.Add("not-a-pid\n{}\n")
	f.Fuzz(func(t *testing.T, content string) {
		_, _ = Parse("fuzz.pid", []byte(content))
	})
}
