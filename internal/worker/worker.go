// Package worker runs the per-route replay workers that drain the overflow
// queue, plus the reaper that fails jobs stuck in the queue too long.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"backstop/internal/config"
	"backstop/internal/forward"
	"backstop/internal/limiter"
	"backstop/internal/queue"
)

// TerminalSink receives terminal job records, e.g. the Postgres archive.
type TerminalSink interface {
	Save(ctx context.Context, rec *queue.JobRecord) error
}

type Pool struct {
	cfg     *config.Config
	store   *queue.Store
	limiter *limiter.Limiter
	fwd     *forward.Forwarder
	sink    TerminalSink // nil when archiving is disabled
	log     zerolog.Logger

	// Overridable in tests.
	PollInterval time.Duration
	ReapInterval time.Duration
	SlotRetry    time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewPool(cfg *config.Config, store *queue.Store, lim *limiter.Limiter, fwd *forward.Forwarder, sink TerminalSink, log zerolog.Logger) *Pool {
	return &Pool{
		cfg:          cfg,
		store:        store,
		limiter:      lim,
		fwd:          fwd,
		sink:         sink,
		log:          log,
		PollInterval: time.Second,
		ReapInterval: 30 * time.Second,
		SlotRetry:    250 * time.Millisecond,
	}
}

// Start launches the replay workers and the reaper for every route. The
// worker count per route is a fraction of its concurrency cap with a floor
// of one, so a small cap still gets its queue drained.
func (p *Pool) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel

	for i := range p.cfg.Routes {
		route := &p.cfg.Routes[i]
		n := p.cfg.Workers(route)
		p.log.Info().Str("route", route.Name).Int("workers", n).
			Int("max_concurrent", route.MaxConcurrent).Msg("starting replay workers")
		for w := 0; w < n; w++ {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.runWorker(ctx, route)
			}()
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runReaper(ctx, route)
		}()
	}
}

// Stop cancels new dequeues and waits for in-flight replays to finish, up to
// the configured drain timeout.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info().Msg("worker pool drained")
	case <-time.After(p.cfg.DrainTimeout):
		p.log.Warn().Dur("timeout", p.cfg.DrainTimeout).Msg("worker pool drain timed out")
	}
}

func (p *Pool) runWorker(ctx context.Context, route *config.Route) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		id, ok, err := p.store.DequeueBlocking(ctx, route.Name, p.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Error().Err(err).Str("route", route.Name).Msg("dequeue failed")
			p.sleep(ctx, 2*time.Second)
			continue
		}
		if !ok {
			continue
		}
		p.process(ctx, route, id)
	}
}

// process replays one dequeued job. The downstream call and the terminal
// ledger update run on a detached context so that shutdown never abandons a
// job mid-update.
func (p *Pool) process(ctx context.Context, route *config.Route, id string) {
	slot, ok := p.acquireSlot(ctx, route, id)
	if !ok {
		return
	}
	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := p.limiter.Release(bg, route.Name, slot); err != nil {
			p.log.Error().Err(err).Str("route", route.Name).Str("slot", slot).Msg("slot release failed")
		}
	}()

	tookIt, err := p.markProcessing(bg, route.Name, id)
	if err != nil {
		p.log.Error().Err(err).Str("queue_id", id).Msg("mark processing failed")
		return
	}
	if !tookIt {
		// Reaped while waiting in the queue.
		return
	}

	snap, err := p.store.GetSnapshot(bg, id)
	if err != nil {
		p.log.Error().Err(err).Str("queue_id", id).Msg("snapshot load failed")
		p.markTerminal(bg, route.Name, id, nil, err)
		return
	}

	resp, err := p.fwd.Do(bg, route, snap)
	p.markTerminal(bg, route.Name, id, resp, err)
}

// acquireSlot polls the limiter until a slot frees up. On shutdown the job
// is pushed back to the queue head so it is not lost.
func (p *Pool) acquireSlot(ctx context.Context, route *config.Route, id string) (string, bool) {
	for {
		slot, ok, err := p.limiter.Acquire(ctx, route.Name, route.MaxConcurrent)
		if err != nil {
			p.log.Error().Err(err).Str("route", route.Name).Msg("slot acquire failed")
		} else if ok {
			return slot, true
		}
		select {
		case <-ctx.Done():
			if err := p.store.Requeue(context.WithoutCancel(ctx), route.Name, id); err != nil {
				p.log.Error().Err(err).Str("queue_id", id).Msg("requeue on shutdown failed")
			}
			return "", false
		case <-time.After(p.SlotRetry):
		}
	}
}

func (p *Pool) markProcessing(ctx context.Context, route, id string) (bool, error) {
	var took bool
	err := p.retryStore(ctx, func() error {
		var err error
		took, err = p.store.MarkProcessing(ctx, route, id)
		return err
	})
	return took, err
}

func (p *Pool) markTerminal(ctx context.Context, route, id string, resp *forward.Response, fwdErr error) {
	var err error
	if fwdErr != nil {
		err = p.retryStore(ctx, func() error {
			return p.store.MarkFailed(ctx, route, id, fwdErr.Error())
		})
		p.log.Warn().Err(fwdErr).Str("route", route).Str("queue_id", id).Msg("replay failed")
	} else {
		err = p.retryStore(ctx, func() error {
			return p.store.MarkCompleted(ctx, route, id, resp.StatusCode, resp.Body)
		})
		p.log.Info().Str("route", route).Str("queue_id", id).
			Int("status", resp.StatusCode).Msg("replay completed")
	}
	if err != nil {
		p.log.Error().Err(err).Str("queue_id", id).Msg("terminal update failed")
		return
	}
	p.archive(ctx, id)
}

func (p *Pool) archive(ctx context.Context, id string) {
	if p.sink == nil {
		return
	}
	rec, ok, err := p.store.Get(ctx, id)
	if err != nil || !ok {
		p.log.Error().Err(err).Str("queue_id", id).Msg("archive read-back failed")
		return
	}
	if err := p.sink.Save(ctx, rec); err != nil {
		p.log.Error().Err(err).Str("queue_id", id).Msg("archive save failed")
	}
}

// retryStore retries a store call with exponential backoff. A flaky Redis
// must never crash a worker, only slow it down.
func (p *Pool) retryStore(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = time.Minute
	return backoff.Retry(fn, backoff.WithContext(bo, ctx))
}

func (p *Pool) runReaper(ctx context.Context, route *config.Route) {
	ticker := time.NewTicker(p.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.cfg.QueueWaitTimeout)
			n, err := p.store.ReapExpired(ctx, route.Name, cutoff)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.log.Error().Err(err).Str("route", route.Name).Msg("reap failed")
				}
				continue
			}
			if n > 0 {
				p.log.Warn().Str("route", route.Name).Int("reaped", n).Msg("failed jobs stuck in queue")
			}
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
