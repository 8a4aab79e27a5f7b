package logmon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nantic/servctl/internal/detector"
)

// Default sentinels written by the backend.
const (
	DefaultReadySentinel = "Update/Init succeed!"
	DefaultFatalSentinel = "Traceback (most recent call last)"
)

// Outcome is the verdict of Watch.
type Outcome int

const (
	OutcomeCancelled Outcome = iota
	OutcomeReady
	OutcomeFatal
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReady:
		return "ready"
	case OutcomeFatal:
		return "fatal"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "cancelled"
	}
}

// Watcher matches log lines against the startup sentinels.
type Watcher struct {
	Ready   []string
	Fatal   []string
	Timeout time.Duration // zero waits forever
	// Health, when set, is polled every HealthEvery; a healthy result counts as ready.
	Health      detector.Detector
	HealthEvery time.Duration
	Log         *slog.Logger
}

// NewWatcher returns a Watcher with the default sentinels.
func NewWatcher() *Watcher {
	return &Watcher{
		Ready: []string{DefaultReadySentinel},
		Fatal: []string{DefaultFatalSentinel},
	}
}

// Watch copies every line to out until a sentinel decides the startup. Fatal
// sentinels are checked before ready ones on the same line. The matching
// line is copied before Watch returns; lines not yet read stay in the
// channel for Follow.
func (w *Watcher) Watch(ctx context.Context, lines <-chan string, out io.Writer) Outcome {
	log := w.Log
	if log == nil {
		log = slog.Default()
	}
	var timeout <-chan time.Time
	if w.Timeout > 0 {
		t := time.NewTimer(w.Timeout)
		defer t.Stop()
		timeout = t.C
	}
	var health <-chan time.Time
	if w.Health != nil {
		every := w.HealthEvery
		if every <= 0 {
			every = time.Second
		}
		tk := time.NewTicker(every)
		defer tk.Stop()
		health = tk.C
	}
	for {
		select {
		case <-ctx.Done():
			return OutcomeCancelled
		case <-timeout:
			log.Warn("startup timed out", "timeout", w.Timeout)
			return OutcomeTimeout
		case <-health:
			if ok, err := w.Health.Alive(); ok {
				log.Info("health check passed", "detector", w.Health.Describe())
				return OutcomeReady
			} else if err != nil {
				log.Debug("health check failed", "detector", w.Health.Describe(), "error", err)
			}
		case line, ok := <-lines:
			if !ok {
				return OutcomeCancelled
			}
			_, _ = fmt.Fprintln(out, line)
			if containsAny(line, w.Fatal) {
				return OutcomeFatal
			}
			if containsAny(line, w.Ready) {
				return OutcomeReady
			}
		}
	}
}

// Follow copies lines to out until ctx is done or the channel closes.
func Follow(ctx context.Context, lines <-chan string, out io.Writer) {
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			_, _ = fmt.Fprintln(out, line)
		}
	}
}

func containsAny(line string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(line, n) {
			return true
		}
	}
	return false
}
