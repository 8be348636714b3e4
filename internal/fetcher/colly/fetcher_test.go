package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openglam/iiif-harvest/internal/iiif"
)

func TestFetch_Success(t *testing.T) {
	t.Parallel()

	var gotAccept, gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Wed, 01 Jan 2025 00:00:00 GMT")
		_, _ = w.Write([]byte(`{"id": "https://example.org/m", "type": "Manifest"}`))
	}))
	defer server.Close()

	f := New(Config{UserAgent: "iiif-harvest-test/1.0", Timeout: 5 * time.Second}, zap.NewNop())
	resp, err := f.Fetch(context.Background(), iiif.FetchRequest{URI: server.URL + "/manifest"})
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"id": "https://example.org/m", "type": "Manifest"}`, string(resp.Body))
	require.Equal(t, `"v1"`, resp.ETag())
	require.Equal(t, "Wed, 01 Jan 2025 00:00:00 GMT", resp.LastModified())
	require.False(t, resp.NotModified)
	require.Positive(t, resp.Duration)

	require.Equal(t, acceptHeader, gotAccept)
	require.Equal(t, "iiif-harvest-test/1.0", gotAgent)
}

func TestFetch_ConditionalNotModified(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	f := New(Config{Timeout: 5 * time.Second}, zap.NewNop())

	resp, err := f.Fetch(context.Background(), iiif.FetchRequest{URI: server.URL})
	require.NoError(t, err)
	require.False(t, resp.NotModified)

	resp, err = f.Fetch(context.Background(), iiif.FetchRequest{URI: server.URL, IfNoneMatch: `"v1"`})
	require.NoError(t, err)
	require.True(t, resp.NotModified)
	require.Equal(t, http.StatusNotModified, resp.StatusCode)
	require.Empty(t, resp.Body)
}

func TestFetch_StatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"not found is permanent", http.StatusNotFound, false},
		{"gone is permanent", http.StatusGone, false},
		{"server error is transient", http.StatusInternalServerError, true},
		{"bad gateway is transient", http.StatusBadGateway, true},
		{"rate limit is transient", http.StatusTooManyRequests, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			f := New(Config{Timeout: 5 * time.Second}, zap.NewNop())
			_, err := f.Fetch(context.Background(), iiif.FetchRequest{URI: server.URL})
			require.Error(t, err)

			var fe *iiif.FetchError
			require.ErrorAs(t, err, &fe)
			require.Equal(t, tt.status, fe.StatusCode)
			require.Equal(t, tt.transient, iiif.IsTransient(err))
		})
	}
}

func TestFetch_BadURIIsPermanent(t *testing.T) {
	t.Parallel()

	f := New(Config{Timeout: time.Second}, zap.NewNop())
	_, err := f.Fetch(context.Background(), iiif.FetchRequest{URI: "://not-a-uri"})
	require.Error(t, err)
	require.False(t, iiif.IsTransient(err))
}

func TestFetch_ContextCanceled(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()
	defer close(block)

	f := New(Config{Timeout: 30 * time.Second}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := f.Fetch(ctx, iiif.FetchRequest{URI: server.URL})
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, iiif.IsTransient(err))
}

func TestFetch_TimeoutIsTransient(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()
	defer close(block)

	f := New(Config{Timeout: 50 * time.Millisecond}, zap.NewNop())
	_, err := f.Fetch(context.Background(), iiif.FetchRequest{URI: server.URL})
	require.Error(t, err)
	require.True(t, iiif.IsTransient(err))
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	fe := classifyError("https://example.org", 0, context.DeadlineExceeded)
	require.Equal(t, iiif.FailureTransient, fe.Class)

	fe = classifyError("https://example.org", 0, errors.New("unsupported protocol scheme"))
	require.Equal(t, iiif.FailurePermanent, fe.Class)

	fe = classifyError("https://example.org", 503, errors.New("service unavailable"))
	require.Equal(t, iiif.FailureTransient, fe.Class)
	require.Equal(t, 503, fe.StatusCode)
}
