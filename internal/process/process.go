// Package process spawns detached workers and controls them through their
// pidfiles. Nothing here keeps state across invocations: the pidfile is the
// only handle a later command has on a worker.
package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/nantic/servctl/internal/detector"
	"github.com/nantic/servctl/internal/errs"
	"github.com/nantic/servctl/internal/pidfile"
)

// PidRecord is the handle of a spawned worker.
type PidRecord = pidfile.Record

// Start spawns spec detached from the caller: a new session, stdin from
// /dev/null, stdout and stderr appended to spec.LogFile. The pidfile is written
// before Start returns. The child is never waited on by the caller.
func Start(spec Spec) (PidRecord, error) {
	if err := spec.Validate(); err != nil {
		return PidRecord{}, err
	}
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	configureSysProcAttr(cmd)

	stdin, err := os.Open(os.DevNull)
	if err != nil {
		return PidRecord{}, fmt.Errorf("%w: %v", errs.ErrForkFailure, err)
	}
	defer func() { _ = stdin.Close() }()
	cmd.Stdin = stdin

	out, err := openLog(spec.LogFile)
	if err != nil {
		return PidRecord{}, errs.Wrap("open log", spec.LogFile, err)
	}
	// the child holds its own descriptor once started
	defer func() { _ = out.Close() }()
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return PidRecord{}, errs.Wrap("spawn "+spec.Name, spec.WorkDir, fmt.Errorf("%w: %v", errs.ErrForkFailure, err))
	}
	pid := cmd.Process.Pid
	// reap in the background so a worker that dies while we are still
	// running does not linger as a zombie
	go func() { _ = cmd.Wait() }()

	rec := PidRecord{
		Path:       spec.PIDFile,
		PID:        pid,
		ConfigPath: spec.ConfigPath,
		StartUnix:  detector.StartTime(pid),
	}
	if spec.PIDFile != "" {
		if err := pidfile.Write(rec); err != nil {
			return rec, errs.Wrap("write pidfile", spec.PIDFile, err)
		}
	}
	return rec, nil
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	// #nosec G304
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// StopResult is the outcome of Stop.
type StopResult int

const (
	// NotRunning means the pidfile did not exist.
	NotRunning StopResult = iota
	// NothingToStop means the pidfile did not hold a valid pid.
	NothingToStop
	// Killed means SIGKILL was delivered and the pidfile removed.
	Killed
	// AlreadyGone means the recorded process no longer existed or its pid
	// now belongs to another process; the pidfile was removed.
	AlreadyGone
)

func (r StopResult) String() string {
	switch r {
	case NotRunning:
		return "not running"
	case NothingToStop:
		return "nothing to stop"
	case Killed:
		return "killed"
	case AlreadyGone:
		return "already gone"
	default:
		return "unknown"
	}
}

// Stop kills the process recorded in path with SIGKILL and removes the
// pidfile. Absent processes are reported through the result, never as an
// error. With warn set, a missing pidfile is logged.
func Stop(log *slog.Logger, path string, warn bool) (StopResult, error) {
	if log == nil {
		log = slog.Default()
	}
	rec, err := pidfile.Read(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if warn {
			log.Info("pidfile not found, server not running", "pidfile", path)
		}
		return NotRunning, nil
	case errors.Is(err, pidfile.ErrInvalid):
		log.Warn("invalid pidfile, nothing to stop", "pidfile", path, "error", err)
		return NothingToStop, nil
	case err != nil:
		return NothingToStop, errs.Wrap("read pidfile", path, err)
	}

	res := Killed
	if !detector.SameProcess(rec.PID, rec.StartUnix) {
		log.Warn("pid reused by another process, not signalling", "pidfile", path, "pid", rec.PID)
		res = AlreadyGone
	} else if err := syscall.Kill(rec.PID, syscall.SIGKILL); err != nil {
		if !errors.Is(err, syscall.ESRCH) {
			return NothingToStop, errs.Wrap("kill", path, err)
		}
		res = AlreadyGone
	}
	if err := pidfile.Remove(path); err != nil {
		return res, errs.Wrap("remove pidfile", path, err)
	}
	log.Info("server stopped", "pidfile", path, "pid", rec.PID, "result", res.String())
	return res, nil
}

// Status is the observed state of one pidfile.
type Status struct {
	PIDFile    string `json:"pidfile"`
	PID        int    `json:"pid"`
	Running    bool   `json:"running"`
	DetectedBy string `json:"detected_by,omitempty"`
}

// CheckStatus reports whether the process recorded in path is alive. Zombies
// count as dead and a pid reused by another process is not reported as ours.
// A missing pidfile yields Running=false and no error.
func CheckStatus(path string) (Status, error) {
	st := Status{PIDFile: path}
	rec, err := pidfile.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return st, err
	}
	st.PID = rec.PID
	d := detector.PIDFileDetector{PIDFile: path}
	alive, err := d.Alive()
	if err != nil {
		return st, err
	}
	st.Running = alive
	if alive {
		st.DetectedBy = d.Describe()
	}
	return st, nil
}
