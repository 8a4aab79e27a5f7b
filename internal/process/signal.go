package process

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/nantic/servctl/internal/detector"
	"github.com/nantic/servctl/internal/errs"
	"github.com/nantic/servctl/internal/pidfile"
)

// SignalLoop sends sig to the process recorded in path every interval until
// ctx is done. It returns ctx's error on cancellation. A missing or invalid
// pidfile, a reused pid or a process that exits meanwhile yields
// errs.ErrProcessNotFound.
func SignalLoop(ctx context.Context, path string, sig syscall.Signal, every time.Duration) error {
	rec, err := pidfile.Read(path)
	if err != nil {
		return errs.Wrap("signal", path, fmt.Errorf("%w: %w", errs.ErrProcessNotFound, err))
	}
	if !detector.SameProcess(rec.PID, rec.StartUnix) {
		return errs.Wrap("signal", path, fmt.Errorf("%w: pid %d reused", errs.ErrProcessNotFound, rec.PID))
	}
	if every <= 0 {
		every = time.Second
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		if err := syscall.Kill(rec.PID, sig); err != nil {
			if errors.Is(err, syscall.ESRCH) {
				err = fmt.Errorf("%w: %w", errs.ErrProcessNotFound, err)
			}
			return errs.Wrap("signal", path, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}
