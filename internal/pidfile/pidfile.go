// Package pidfile reads and writes the on-disk handle of a supervised worker.
//
// The first line holds the decimal pid. An optional second line holds JSON
// metadata: the worker's config path and its start time, used to tell a
// recycled pid from the original process. Files with only a pid are accepted.
package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
)

// ErrInvalid reports a pidfile whose first line is not a positive pid.
var ErrInvalid = errors.New("invalid pid")

// Record is one worker's pidfile.
type Record struct {
	Path       string `json:"-"`
	PID        int    `json:"-"`
	ConfigPath string `json:"config,omitempty"`
	StartUnix  int64  `json:"start_unix,omitempty"`
}

// Write stores r at r.Path atomically, creating the parent directory.
func Write(r Record) error {
	if r.Path == "" {
		return errors.New("pidfile: empty path")
	}
	if r.PID <= 0 {
		return fmt.Errorf("pidfile %s: %w %d", r.Path, ErrInvalid, r.PID)
	}
	if err := os.MkdirAll(filepath.Dir(r.Path), 0o750); err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString(strconv.Itoa(r.PID))
	b.WriteByte('\n')
	if r.ConfigPath != "" || r.StartUnix > 0 {
		meta, err := json.Marshal(r)
		if err != nil {
			return err
		}
		b.Write(meta)
		b.WriteByte('\n')
	}
	return renameio.WriteFile(r.Path, []byte(b.String()), 0o600)
}

// Read parses the pidfile at path. A missing file yields an error satisfying
// os.IsNotExist; unparsable content yields ErrInvalid. Metadata that cannot be
// decoded is ignored.
func Read(path string) (Record, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Record{Path: path}, err
	}
	return Parse(path, b)
}

// Parse decodes pidfile content.
func Parse(path string, data []byte) (Record, error) {
	rec := Record{Path: path}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	pidLine, rest, _ := strings.Cut(text, "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil || pid <= 0 {
		return rec, fmt.Errorf("pidfile %s: %w %q", path, ErrInvalid, strings.TrimSpace(pidLine))
	}
	rec.PID = pid
	metaLine, _, _ := strings.Cut(strings.TrimSpace(rest), "\n")
	if metaLine != "" {
		var meta Record
		if json.Unmarshal([]byte(metaLine), &meta) == nil {
			rec.ConfigPath = meta.ConfigPath
			rec.StartUnix = meta.StartUnix
		}
	}
	return rec, nil
}

// Remove deletes the pidfile. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Numbered returns base.1 .. base.n, the pidfiles of n workers.
func Numbered(base string, n int) []string {
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, base+"."+strconv.Itoa(i))
	}
	return out
}
