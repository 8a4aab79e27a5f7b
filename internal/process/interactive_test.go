package process

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRunAttached(t *testing.T) {
	var out bytes.Buffer
	err := runAttached(context.Background(), Spec{Name: "cat", Args: []string{"cat"}}, strings.NewReader("hello\n"), &out, &out)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.String() != "hello\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRunAttached_Cancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	var out bytes.Buffer
	err := runAttached(ctx, Spec{Name: "sleep", Args: []string{"sleep", "5"}}, strings.NewReader(""), &out, &out)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
