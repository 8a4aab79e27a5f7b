package detector

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"
	"syscall"

	"github.com/nantic/servctl/internal/pidfile"
)

// PIDAlive returns true if a process with given pid exists (or EPERM) and is
// not a zombie.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// PIDFileDetector detects a process via a pidfile.
type PIDFileDetector struct {
	PIDFile string
}

func (d PIDFileDetector) Alive() (bool, error) {
	rec, err := pidfile.Read(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if !SameProcess(rec.PID, rec.StartUnix) {
		return false, nil // pid reused
	}
	return PIDAlive(rec.PID), nil
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }
