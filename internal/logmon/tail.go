// Package logmon follows the backend log and decides from its content whether
// a startup succeeded.
package logmon

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultPoll is how long Tail sleeps at end of file before looking again.
const DefaultPoll = time.Second

// Options tune Tail.
type Options struct {
	// FromEnd skips the content present when the file is first opened.
	FromEnd bool
	// Poll is the end-of-file wait; fsnotify write events end it early.
	Poll time.Duration
	Log  *slog.Logger
}

// Tail returns the lines of path, following appends like `tail -f`. The
// sequence never ends on its own: at end of file it waits for more data,
// and while the file does not exist it waits for it to appear. A file that
// is replaced or truncated is reopened from its start. The sequence stops
// when ctx is done or the consumer stops ranging.
func Tail(ctx context.Context, path string, opts Options) iter.Seq[string] {
	poll := opts.Poll
	if poll <= 0 {
		poll = DefaultPoll
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return func(yield func(string) bool) {
		wk := newWaker(path, log)
		defer wk.close()

		var (
			f       *os.File
			rd      *bufio.Reader
			pos     int64
			partial strings.Builder
			skip    = opts.FromEnd
		)
		defer func() {
			if f != nil {
				_ = f.Close()
			}
		}()

		for ctx.Err() == nil {
			if f == nil {
				var err error
				// #nosec G304
				f, err = os.Open(path)
				if err != nil {
					f = nil
					skip = false
					if !wk.wait(ctx, poll) {
						return
					}
					continue
				}
				pos = 0
				if skip {
					if pos, err = f.Seek(0, io.SeekEnd); err != nil {
						pos = 0
					}
					skip = false
				}
				rd = bufio.NewReader(f)
			}

			chunk, err := rd.ReadString('\n')
			pos += int64(len(chunk))
			partial.WriteString(chunk)
			if err == nil {
				line := strings.TrimRight(partial.String(), "\r\n")
				partial.Reset()
				if !yield(line) {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) {
				log.Warn("read log failed", "path", path, "error", err)
			}
			if replaced(f, path, pos) {
				if partial.Len() > 0 {
					if !yield(partial.String()) {
						return
					}
					partial.Reset()
				}
				_ = f.Close()
				f = nil
				continue
			}
			if !wk.wait(ctx, poll) {
				return
			}
		}
	}
}

// replaced reports whether path now names a different file than f, or f was
// truncated below the read offset.
func replaced(f *os.File, path string, pos int64) bool {
	cur, err := os.Stat(path)
	if err != nil {
		return false
	}
	open, err := f.Stat()
	if err != nil {
		return true
	}
	return !os.SameFile(open, cur) || cur.Size() < pos
}

// waker ends an end-of-file wait early when the followed file changes.
type waker struct {
	w    *fsnotify.Watcher
	name string
}

func newWaker(path string, log *slog.Logger) *waker {
	wk := &waker{name: filepath.Clean(path)}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Debug("fsnotify unavailable, polling only", "error", err)
		return wk
	}
	if err := w.Add(filepath.Dir(wk.name)); err != nil {
		_ = w.Close()
		log.Debug("fsnotify watch failed, polling only", "path", path, "error", err)
		return wk
	}
	wk.w = w
	return wk
}

// wait blocks for at most d. It returns false when ctx is done.
func (k *waker) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	var (
		events <-chan fsnotify.Event
		errc   <-chan error
	)
	if k.w != nil {
		events, errc = k.w.Events, k.w.Errors
	}
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == k.name && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				return true
			}
		case _, ok := <-errc:
			if !ok {
				errc = nil
			}
		}
	}
}

func (k *waker) close() {
	if k.w != nil {
		_ = k.w.Close()
	}
}

// Lines runs Tail in a goroutine and delivers its lines on the returned
// channel, which is closed once ctx is done.
func Lines(ctx context.Context, path string, opts Options) <-chan string {
	ch := make(chan string, 64)
	go func() {
		defer close(ch)
		for line := range Tail(ctx, path, opts) {
			select {
			case ch <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
