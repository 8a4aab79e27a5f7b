package logmon

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func feed(lines ...string) <-chan string {
	ch := make(chan string, len(lines))
	for _, l := range lines {
		ch <- l
	}
	return ch
}

type fakeHealth struct{ ok bool }

func (f fakeHealth) Alive() (bool, error) { return f.ok, nil }
func (f fakeHealth) Describe() string     { return "fake" }

func TestWatch_Outcomes(t *testing.T) {
	ctx := context.Background()

	var out bytes.Buffer
	got := NewWatcher().Watch(ctx, feed("booting", "INFO Update/Init succeed!", "after"), &out)
	assert.Equal(t, OutcomeReady, got)
	assert.Equal(t, "booting\nINFO Update/Init succeed!\n", out.String())

	out.Reset()
	got = NewWatcher().Watch(ctx, feed("Traceback (most recent call last):", "  File x"), &out)
	assert.Equal(t, OutcomeFatal, got)

	w := NewWatcher()
	w.Timeout = 50 * time.Millisecond
	assert.Equal(t, OutcomeTimeout, w.Watch(ctx, make(chan string), &out))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, OutcomeCancelled, NewWatcher().Watch(cctx, make(chan string), &out))

	closed := make(chan string)
	close(closed)
	assert.Equal(t, OutcomeCancelled, NewWatcher().Watch(ctx, closed, &out))
}

func TestWatch_CustomSentinelsAndHealth(t *testing.T) {
	w := &Watcher{Ready: []string{"listening"}, Fatal: []string{"ERROR"}}
	var out bytes.Buffer
	assert.Equal(t, OutcomeReady, w.Watch(context.Background(), feed("server listening"), &out))

	w = &Watcher{Health: fakeHealth{ok: true}, HealthEvery: 10 * time.Millisecond, Timeout: 2 * time.Second}
	assert.Equal(t, OutcomeReady, w.Watch(context.Background(), make(chan string), &out))

	w = &Watcher{Health: fakeHealth{ok: false}, HealthEvery: 10 * time.Millisecond, Timeout: 100 * time.Millisecond}
	assert.Equal(t, OutcomeTimeout, w.Watch(context.Background(), make(chan string), &out))
}

func TestFollow(t *testing.T) {
	ch := make(chan string, 2)
	ch <- "a"
	ch <- "b"
	close(ch)
	var out bytes.Buffer
	Follow(context.Background(), ch, &out)
	assert.Equal(t, "a\nb\n", out.String())
}
