// Package opensearch indexes worker lifecycle events into OpenSearch or
// Elasticsearch over the REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nantic/servctl/internal/history"
)

// DefaultIndex keeps one index per project and UTC day.
const DefaultIndex = "servctl-{project}-{date}"

// Sink creates one document per event. The index is a pattern in which
// {project}, {type} and {date} (UTC, 2006.01.02) are replaced per event.
// Document ids derive from the event, so a resent event conflicts instead of
// being indexed twice.
type Sink struct {
	client  *http.Client
	baseURL string
	pattern string
}

// New returns a Sink posting to baseURL. An empty pattern selects DefaultIndex.
func New(baseURL, pattern string) *Sink {
	if pattern == "" {
		pattern = DefaultIndex
	}
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		pattern: pattern,
	}
}

// IndexFor returns the index e is written to.
func (s *Sink) IndexFor(e history.Event) string {
	project := e.Project
	if project == "" {
		project = "default"
	}
	r := strings.NewReplacer(
		"{project}", project,
		"{type}", string(e.Type),
		"{date}", e.OccurredAt.UTC().Format("2006.01.02"),
	)
	return indexName(r.Replace(s.pattern))
}

// DocID identifies e within its index.
func DocID(e history.Event) string {
	parts := []string{
		strconv.FormatInt(e.OccurredAt.UnixNano(), 10),
		string(e.Type),
		e.Worker,
		strconv.Itoa(e.PID),
	}
	return strings.Join(parts, "-")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/%s/_create/%s", s.baseURL, url.PathEscape(s.IndexFor(e)), url.PathEscape(DocID(e)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusConflict:
		return nil // already indexed
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.IndexFor(e), resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// indexName lowercases name and replaces characters index names reject.
func indexName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case strings.ContainsRune(` "*\<|,>/?#:`, r):
			b.WriteByte('-')
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimLeft(b.String(), "-_+")
}
