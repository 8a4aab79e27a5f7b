package process

import (
	"context"
	"io"
	"os"
	"syscall"
)

// RunInteractive runs spec in the foreground attached to the caller's
// terminal and waits for it. Cancelling ctx sends SIGTERM.
func RunInteractive(ctx context.Context, spec Spec) error {
	return runAttached(ctx, spec, os.Stdin, os.Stdout, os.Stderr)
}

func runAttached(ctx context.Context, spec Spec, in io.Reader, out, errOut io.Writer) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = in, out, errOut
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		<-done
		return ctx.Err()
	}
}
