package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"backstop/internal/config"
	"backstop/internal/forward"
	"backstop/internal/limiter"
	"backstop/internal/queue"
	"backstop/internal/snapshot"
)

type poolEnv struct {
	cfg   *config.Config
	store *queue.Store
	lim   *limiter.Limiter
	pool  *Pool
}

func newPoolEnv(t *testing.T, downstreamURL string, maxConcurrent int, queueWait time.Duration) *poolEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		Routes:           []config.Route{{Name: "pdf", BaseURL: downstreamURL, MaxConcurrent: maxConcurrent}},
		ReplayFraction:   0.10,
		QueueWaitTimeout: queueWait,
		RequestTimeout:   2 * time.Second,
		UploadTimeout:    2 * time.Second,
		TerminalTTL:      time.Hour,
		DrainTimeout:     5 * time.Second,
	}
	store := queue.New(rdb, cfg.TerminalTTL)
	lim := limiter.New(rdb)
	fwd := forward.New(&http.Client{}, cfg.RequestTimeout, cfg.UploadTimeout)
	pool := NewPool(cfg, store, lim, fwd, nil, zerolog.Nop())
	pool.PollInterval = time.Second
	pool.ReapInterval = 50 * time.Millisecond
	pool.SlotRetry = 20 * time.Millisecond
	return &poolEnv{cfg: cfg, store: store, lim: lim, pool: pool}
}

func enqueue(t *testing.T, e *poolEnv) string {
	t.Helper()
	id, _, err := e.store.Enqueue(context.Background(), &snapshot.Snapshot{
		Route:       "pdf",
		Method:      http.MethodPost,
		Path:        "/render",
		ContentType: "application/json",
		Body:        []byte(`{"pages":1}`),
	})
	require.NoError(t, err)
	return id
}

func waitForStatus(t *testing.T, e *poolEnv, id, want string) *queue.JobRecord {
	t.Helper()
	var rec *queue.JobRecord
	require.Eventually(t, func() bool {
		r, ok, err := e.store.Get(context.Background(), id)
		if err != nil || !ok {
			return false
		}
		rec = r
		return r.Status == want
	}, 5*time.Second, 25*time.Millisecond, "job %s never reached %s", id, want)
	return rec
}

func TestPoolDrainsQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("replayed ok"))
	}))
	defer srv.Close()

	e := newPoolEnv(t, srv.URL, 1, time.Minute)
	id := enqueue(t, e)

	e.pool.Start(context.Background())
	defer e.pool.Stop()

	rec := waitForStatus(t, e, id, queue.StatusCompleted)
	require.Equal(t, http.StatusOK, rec.ResponseStatus)
	require.Equal(t, "replayed ok", string(rec.ResponseBody))
	require.False(t, rec.CompletedAt.IsZero())

	require.Eventually(t, func() bool {
		n, err := e.lim.ActiveCount(context.Background(), "pdf")
		return err == nil && n == 0
	}, 2*time.Second, 25*time.Millisecond, "slot must be released after replay")
}

func TestPoolRecordsReplayFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // downstream is gone

	e := newPoolEnv(t, srv.URL, 1, time.Minute)
	id := enqueue(t, e)

	e.pool.Start(context.Background())
	defer e.pool.Stop()

	rec := waitForStatus(t, e, id, queue.StatusFailed)
	require.Contains(t, rec.ErrorMessage, "unavailable")

	require.Eventually(t, func() bool {
		n, err := e.lim.ActiveCount(context.Background(), "pdf")
		return err == nil && n == 0
	}, 2*time.Second, 25*time.Millisecond, "slot must be released even on failure")
}

func TestPoolDrainsInOrderWithOneWorker(t *testing.T) {
	var mu sync.Mutex
	var served []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		served = append(served, r.Header.Get("X-Queue-Id"))
		mu.Unlock()
	}))
	defer srv.Close()

	// maxConcurrent=5 with the default fraction still yields exactly one
	// worker, so replay order matches enqueue order.
	e := newPoolEnv(t, srv.URL, 5, time.Minute)
	require.Equal(t, 1, e.cfg.Workers(&e.cfg.Routes[0]))

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, enqueue(t, e))
	}

	e.pool.Start(context.Background())
	defer e.pool.Stop()

	for _, id := range ids {
		waitForStatus(t, e, id, queue.StatusCompleted)
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, ids, served, "one worker must replay in enqueue order")
}

func TestGracefulShutdownFinishesInFlightReplay(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		_, _ = w.Write([]byte("late but done"))
	}))
	defer srv.Close()

	e := newPoolEnv(t, srv.URL, 1, time.Minute)
	id := enqueue(t, e)

	e.pool.Start(context.Background())
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("replay never reached the downstream")
	}

	stopped := make(chan struct{})
	go func() {
		e.pool.Stop()
		close(stopped)
	}()

	time.Sleep(100 * time.Millisecond)
	close(release)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not drain")
	}

	rec, ok, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, queue.StatusCompleted, rec.Status, "in-flight replay must finish during drain")
}

func TestReaperFailsJobsStuckBehindFullRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	e := newPoolEnv(t, srv.URL, 1, 100*time.Millisecond)

	// Hold the only slot so the worker can never acquire one.
	_, ok, err := e.lim.Acquire(context.Background(), "pdf", 1)
	require.NoError(t, err)
	require.True(t, ok)

	id := enqueue(t, e)

	e.pool.Start(context.Background())
	defer e.pool.Stop()

	rec := waitForStatus(t, e, id, queue.StatusFailed)
	require.Contains(t, rec.ErrorMessage, "timed out waiting in queue")
}
