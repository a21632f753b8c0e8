package forward

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"backstop/internal/config"
	"backstop/internal/snapshot"
)

func testRoute(baseURL string) *config.Route {
	return &config.Route{Name: "pdf", BaseURL: baseURL, MaxConcurrent: 1}
}

func TestDoReturnsDownstreamResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/render", r.URL.Path)
		require.Equal(t, "dpi=300", r.URL.RawQuery)
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, `{"pages":1}`, string(body))
		w.Header().Set("X-Engine", "v2")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("rendered"))
	}))
	defer srv.Close()

	f := New(srv.Client(), 5*time.Second, 5*time.Second)
	resp, err := f.Do(context.Background(), testRoute(srv.URL), &snapshot.Snapshot{
		Route:       "pdf",
		Method:      http.MethodPost,
		Path:        "/render",
		Query:       "dpi=300",
		ContentType: "application/json",
		Body:        []byte(`{"pages":1}`),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "v2", resp.Header.Get("X-Engine"))
	require.Equal(t, "rendered", string(resp.Body))
}

func TestDoUpstreamErrorIsNotAForwarderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(srv.Client(), 5*time.Second, 5*time.Second)
	resp, err := f.Do(context.Background(), testRoute(srv.URL), &snapshot.Snapshot{
		Route: "pdf", Method: http.MethodGet, Path: "/render",
	})
	require.NoError(t, err, "a 5xx answer is the caller's business outcome")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestDoTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	f := New(srv.Client(), 50*time.Millisecond, 50*time.Millisecond)
	_, err := f.Do(context.Background(), testRoute(srv.URL), &snapshot.Snapshot{
		Route: "pdf", Method: http.MethodGet, Path: "/slow",
	})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestDoConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens anymore

	f := New(&http.Client{}, time.Second, time.Second)
	_, err := f.Do(context.Background(), testRoute(srv.URL), &snapshot.Snapshot{
		Route: "pdf", Method: http.MethodGet, Path: "/render",
	})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestDoMultipartUsesUploadTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// The plain request timeout alone would trip; multipart gets the longer one.
	f := New(srv.Client(), 50*time.Millisecond, 2*time.Second)
	resp, err := f.Do(context.Background(), testRoute(srv.URL), &snapshot.Snapshot{
		Route:  "pdf",
		Method: http.MethodPost,
		Path:   "/convert",
		Parts: []snapshot.Part{
			{Field: "document", Filename: "a.pdf", ContentType: "application/pdf", Data: []byte{1, 2, 3}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDoSetsQueueIDHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Queue-Id")
	}))
	defer srv.Close()

	f := New(srv.Client(), time.Second, time.Second)
	_, err := f.Do(context.Background(), testRoute(srv.URL), &snapshot.Snapshot{
		QueueID: "abc-123", Route: "pdf", Method: http.MethodGet, Path: "/render",
	})
	require.NoError(t, err)
	require.Equal(t, "abc-123", got)
}
