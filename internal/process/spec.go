package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/nantic/servctl/internal/errs"
)

// Spec describes a detached process to spawn.
type Spec struct {
	Name       string   `json:"name"`
	Args       []string `json:"args"`     // argv; takes precedence over Command
	Command    string   `json:"command"`  // shell-style command line, used when Args is empty
	WorkDir    string   `json:"work_dir"` // optional working dir
	Env        []string `json:"env"`      // optional extra env, appended to os.Environ()
	LogFile    string   `json:"log_file"` // stdout and stderr are appended here; /dev/null when empty
	PIDFile    string   `json:"pid_file"` // written by the parent right after spawn
	ConfigPath string   `json:"config"`   // recorded in the pidfile metadata
}

// Validate checks the spec has something to run.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errs.Usagef("process requires name")
	}
	if len(s.Args) == 0 && strings.TrimSpace(s.Command) == "" {
		return errs.Usagef("process %s requires a command", s.Name)
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for the spec. Args are executed as
// given. A Command string avoids the shell unless it holds metacharacters,
// and an explicit "sh -c '…'" prefix is not wrapped a second time.
func (s *Spec) BuildCommand() *exec.Cmd {
	if len(s.Args) > 0 {
		// #nosec G204
		return exec.Command(s.Args[0], s.Args[1:]...)
	}
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return exec.Command("/bin/true")
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell matches "sh -c <ARG>" style prefixes and returns ARG
// with one pair of surrounding quotes stripped.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}

// BackendDirs are the locations, relative to the project root, searched for
// the backend checkout.
var BackendDirs = []string{"trytond", ".virtualenvs/monitoring"}

// FindBackendDir returns the first directory under root holding bin/trytond.
func FindBackendDir(root string) (string, error) {
	for _, d := range BackendDirs {
		dir := filepath.Join(root, d)
		if _, err := os.Stat(filepath.Join(dir, "bin", "trytond")); err == nil {
			return dir, nil
		}
	}
	return "", errs.Wrap("find backend", root,
		fmt.Errorf("%w: no backend found in %s", errs.ErrConfig, strings.Join(BackendDirs, ", ")))
}

// Backend holds the options of one backend invocation.
type Backend struct {
	Python   string // interpreter, defaults to "python"
	Dir      string // backend checkout, see FindBackendDir
	Config   string // omitted from argv when empty
	LogConf  string
	Database string
	Dev      bool
	Cron     bool
	Verbose  bool
	Extra    []string
}

// Args returns the backend argv:
// python -u <dir>/bin/trytond [--logconf F] -c CFG [--database DB] [--dev] [--cron] [--verbose] extra...
func (b Backend) Args() ([]string, error) {
	if b.Dir == "" {
		return nil, errors.New("backend directory not set")
	}
	py := b.Python
	if py == "" {
		py = "python"
	}
	args := []string{py, "-u", filepath.Join(b.Dir, "bin", "trytond")}
	if b.LogConf != "" {
		args = append(args, "--logconf", b.LogConf)
	}
	if b.Config != "" {
		args = append(args, "-c", b.Config)
	}
	if b.Database != "" {
		args = append(args, "--database", b.Database)
	}
	if b.Dev {
		args = append(args, "--dev")
	}
	if b.Cron {
		args = append(args, "--cron")
	}
	if b.Verbose {
		args = append(args, "--verbose")
	}
	return append(args, b.Extra...), nil
}
