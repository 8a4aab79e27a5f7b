package detector

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// StartTime returns the start time of pid in Unix seconds, 0 when the process
// does not exist or the time cannot be read.
func StartTime(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// SameProcess reports whether pid is still the process that started at
// startUnix, as recorded in its pidfile. An unknown time on either side
// matches; clock-tick rounding allows one second of drift.
func SameProcess(pid int, startUnix int64) bool {
	if startUnix <= 0 {
		return true
	}
	cur := StartTime(pid)
	if cur <= 0 {
		return true
	}
	d := cur - startUnix
	return d >= -1 && d <= 1
}
