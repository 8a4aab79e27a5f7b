package logmon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendFile(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(s)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case l, ok := <-ch:
		require.True(t, ok, "channel closed")
		return l
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}

func TestTail_DeliversExistingAndAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	appendFile(t, path, "one\ntwo\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := Lines(ctx, path, Options{Poll: 20 * time.Millisecond})

	assert.Equal(t, "one", recv(t, ch))
	assert.Equal(t, "two", recv(t, ch))

	appendFile(t, path, "thr")
	appendFile(t, path, "ee\r\n")
	assert.Equal(t, "three", recv(t, ch))
}

func TestTail_FromEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	appendFile(t, path, "old\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := Lines(ctx, path, Options{FromEnd: true, Poll: 20 * time.Millisecond})
	time.Sleep(100 * time.Millisecond)
	appendFile(t, path, "new\n")
	assert.Equal(t, "new", recv(t, ch))
}

func TestTail_WaitsForFileAndFollowsReplacement(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.log")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := Lines(ctx, path, Options{Poll: 20 * time.Millisecond})

	time.Sleep(50 * time.Millisecond)
	appendFile(t, path, "first\n")
	assert.Equal(t, "first", recv(t, ch))

	require.NoError(t, os.Rename(path, path+".bak"))
	appendFile(t, path, "second\n")
	assert.Equal(t, "second", recv(t, ch))
}

func TestTail_StopsOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	appendFile(t, path, "x\n")

	ctx, cancel := context.WithCancel(context.Background())
	ch := Lines(ctx, path, Options{Poll: 20 * time.Millisecond})
	assert.Equal(t, "x", recv(t, ch))
	cancel()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("tail did not stop after cancel")
		}
	}
}

func TestTail_ConsumerBreak(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	appendFile(t, path, "a\nb\nc\n")
	var got []string
	for line := range Tail(context.Background(), path, Options{Poll: 10 * time.Millisecond}) {
		got = append(got, line)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)
}
