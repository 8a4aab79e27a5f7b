package process

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/nantic/servctl/internal/detector"
)

// ProcInfo is one entry of the system process table.
type ProcInfo struct {
	PID     int    `json:"pid"`
	Cmdline string `json:"cmdline"`
}

// Lister enumerates running processes.
type Lister interface {
	Processes(ctx context.Context) ([]ProcInfo, error)
}

// SystemLister reads the process table through gopsutil.
type SystemLister struct{}

func (SystemLister) Processes(ctx context.Context) ([]ProcInfo, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProcInfo, 0, len(procs))
	for _, p := range procs {
		// processes that vanish or deny access mid-scan are skipped
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		out = append(out, ProcInfo{PID: int(p.Pid), Cmdline: cmdline})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

// KillOutcome is the result for one matched process.
type KillOutcome int

const (
	Terminated KillOutcome = iota // exited after SIGTERM
	KilledHard                    // exited after SIGKILL
	Survived                      // still alive after SIGKILL
	NotFound                      // no matching process, or it vanished before SIGTERM
)

func (o KillOutcome) String() string {
	switch o {
	case Terminated:
		return "terminated"
	case KilledHard:
		return "killed"
	case Survived:
		return "survived"
	case NotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// KillReport describes what Kill did to one process.
type KillReport struct {
	Name    string      `json:"name"`
	PID     int         `json:"pid"`
	Outcome KillOutcome `json:"outcome"`
}

// DefaultGrace is the wait after each signal before checking liveness.
const DefaultGrace = 300 * time.Millisecond

// Killer terminates processes by command-line pattern.
type Killer struct {
	Lister Lister
	Signal func(pid int, sig syscall.Signal) error
	Alive  func(pid int) bool
	Grace  time.Duration
	Self   int // never targeted
	Log    *slog.Logger
}

// NewKiller returns a Killer acting on the real process table.
func NewKiller(log *slog.Logger) *Killer {
	if log == nil {
		log = slog.Default()
	}
	return &Killer{
		Lister: SystemLister{},
		Signal: syscall.Kill,
		Alive:  detector.PIDAlive,
		Grace:  DefaultGrace,
		Self:   os.Getpid(),
		Log:    log,
	}
}

// List returns the processes whose command line contains pattern, excluding
// the caller itself.
func (k *Killer) List(ctx context.Context, pattern string) ([]ProcInfo, error) {
	procs, err := k.Lister.Processes(ctx)
	if err != nil {
		return nil, err
	}
	var out []ProcInfo
	for _, p := range procs {
		if p.PID == k.Self || pattern == "" || !strings.Contains(p.Cmdline, pattern) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Kill sends SIGTERM to every process matching pattern, waits the grace
// window, escalates to SIGKILL and reports per process. With no match a single
// NotFound report is returned.
func (k *Killer) Kill(ctx context.Context, pattern, name string) ([]KillReport, error) {
	procs, err := k.List(ctx, pattern)
	if err != nil {
		return nil, err
	}
	if len(procs) == 0 {
		return []KillReport{{Name: name, Outcome: NotFound}}, nil
	}
	reports := make([]KillReport, 0, len(procs))
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		r := KillReport{Name: name, PID: p.PID, Outcome: k.killOne(ctx, p.PID)}
		k.logger().Info(r.Outcome.String()+" "+name+" process", "pid", p.PID)
		reports = append(reports, r)
	}
	return reports, nil
}

func (k *Killer) killOne(ctx context.Context, pid int) KillOutcome {
	if err := k.Signal(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return NotFound
		}
		k.logger().Warn("sigterm failed", "pid", pid, "error", err)
	}
	k.sleep(ctx)
	if !k.Alive(pid) {
		return Terminated
	}
	_ = k.Signal(pid, syscall.SIGKILL)
	k.sleep(ctx)
	if k.Alive(pid) {
		return Survived
	}
	return KilledHard
}

func (k *Killer) sleep(ctx context.Context) {
	g := k.Grace
	if g <= 0 {
		g = DefaultGrace
	}
	t := time.NewTimer(g)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (k *Killer) logger() *slog.Logger {
	if k.Log == nil {
		return slog.Default()
	}
	return k.Log
}
