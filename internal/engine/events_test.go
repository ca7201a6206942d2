package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSinkPostsEvents(t *testing.T) {
	var got []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got = append(got, body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(srv.URL+"/hooks/export", 5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.ExportEmpty(ctx, EmptyEvent{ExportID: "e1", SizeConstrained: true}))
	require.NoError(t, sink.ExportGenerated(ctx, GeneratedEvent{
		ExportID:     "e2",
		Stats:        Stats{Count: 2, SourceBytes: 10, ContainerBytes: 90},
		FileURLs:     []string{"https://example.org/e2/export.tar.zst"},
		ManifestURLs: map[Algorithm]string{MD5: "https://example.org/e2/md5.txt", SHA1: NotApplicable},
		TTLHours:     24,
	}))

	require.Len(t, got, 2)
	assert.Equal(t, "export.empty", got[0]["event"])
	assert.Equal(t, true, got[0]["payload"].(map[string]any)["size_constrained"])
	assert.Equal(t, "export.generated", got[1]["event"])
	payload := got[1]["payload"].(map[string]any)
	assert.Equal(t, NotApplicable, payload["manifest_urls"].(map[string]any)["sha1"])
	assert.EqualValues(t, 24, payload["ttl_hours"])
}

func TestWebhookSinkReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(srv.URL, time.Second, nil)
	require.NoError(t, err)
	assert.Error(t, sink.ExportEmpty(context.Background(), EmptyEvent{}))
}

func TestNewWebhookSinkRejectsBadURL(t *testing.T) {
	_, err := NewWebhookSink("file:///tmp/hook", time.Second, nil)
	assert.Error(t, err)
}

type countingSink struct {
	calls int
	err   error
}

func (c *countingSink) ExportEmpty(context.Context, EmptyEvent) error {
	c.calls++
	return c.err
}

func (c *countingSink) ExportGenerated(context.Context, GeneratedEvent) error {
	c.calls++
	return c.err
}

func TestMultiSinkCallsEverySink(t *testing.T) {
	failing := &countingSink{err: errors.New("down")}
	ok := &countingSink{}
	m := MultiSink{failing, ok, LogSink{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}}

	err := m.ExportGenerated(context.Background(), GeneratedEvent{})
	require.Error(t, err)
	assert.ErrorIs(t, err, failing.err)
	assert.Equal(t, 1, ok.calls)

	require.NoError(t, MultiSink{ok}.ExportEmpty(context.Background(), EmptyEvent{}))
	assert.Equal(t, 2, ok.calls)
}
