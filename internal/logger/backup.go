package logger

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// BackupLayout is the timestamp suffix of backend log backups.
const BackupLayout = "2006-01-02_15:04:05"

// DefaultKeep is the number of backend log backups kept.
const DefaultKeep = 3

// BackupAndRemove renames path to path.<timestamp> and deletes the oldest
// backups so that at most keep remain. A missing path is not an error; in
// that case old backups are still pruned. It returns the backup path, empty
// when nothing was moved.
func BackupAndRemove(path string, keep int, now time.Time) (string, error) {
	if keep <= 0 {
		keep = DefaultKeep
	}
	var backup string
	if _, err := os.Stat(path); err == nil {
		backup = path + "." + now.Format(BackupLayout)
		if err := os.Rename(path, backup); err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	old, err := Backups(path)
	if err != nil {
		return backup, err
	}
	for len(old) > keep {
		if err := os.Remove(old[0]); err != nil && !os.IsNotExist(err) {
			return backup, err
		}
		old = old[1:]
	}
	return backup, nil
}

// Backups lists the timestamped backups of path, oldest first.
func Backups(path string) ([]string, error) {
	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		return nil, err
	}
	prefix := path + "."
	out := matches[:0]
	for _, m := range matches {
		if _, err := time.Parse(BackupLayout, strings.TrimPrefix(m, prefix)); err == nil {
			out = append(out, m)
		}
	}
	// the layout sorts chronologically
	sort.Strings(out)
	return out, nil
}
