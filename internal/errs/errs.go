// Package errs defines the error taxonomy shared by the supervisor components.
// Callers classify failures with errors.Is against the sentinels below.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrUsage indicates a bad CLI invocation. No side effects happened.
	ErrUsage = errors.New("usage error")

	// ErrResourceUnavailable indicates that a port or a process slot could not be obtained.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrForkFailure indicates the backend could not be spawned.
	ErrForkFailure = fmt.Errorf("fork failure: %w", ErrResourceUnavailable)

	// ErrConfig indicates a malformed configuration or a missing required key.
	ErrConfig = errors.New("config error")

	// ErrTemplateEngineMissing indicates no template engine is available to render proxy configs.
	ErrTemplateEngineMissing = fmt.Errorf("template engine missing: %w", ErrConfig)

	// ErrRender indicates the proxy template could not be rendered.
	ErrRender = fmt.Errorf("render error: %w", ErrConfig)

	// ErrProcessNotFound indicates a pidfile that names no live process of ours.
	// top and backtrace skip such workers; it fails only when none is left.
	ErrProcessNotFound = errors.New("process not found")

	// ErrStartupFailure indicates the backend failed to reach the ready state twice in a row.
	ErrStartupFailure = errors.New("startup failure")
)

// Exit codes used by the CLI.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitConfigUnread = 255
)

// OpError records the operation and path that produced an error.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	if e.Path == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Wrap returns an *OpError for err, or nil when err is nil.
func Wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Path: path, Err: err}
}

// Usagef formats a usage error.
func Usagef(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrUsage}, args...)...)
}

// Configf formats a config error.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfig}, args...)...)
}

// unreadableConfig marks the config action failing to read its file.
type unreadableConfig struct{ err error }

func (u unreadableConfig) Error() string { return "cannot read config file: " + u.err.Error() }
func (u unreadableConfig) Unwrap() error { return u.err }

// UnreadableConfig wraps err so that ExitCode maps it to ExitConfigUnread.
func UnreadableConfig(err error) error { return unreadableConfig{err: err} }

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var uc unreadableConfig
	if errors.As(err, &uc) {
		return ExitConfigUnread
	}
	return ExitFailure
}
