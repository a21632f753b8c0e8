package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"backstop/internal/admission"
	"backstop/internal/archive"
	"backstop/internal/config"
	"backstop/internal/forward"
	"backstop/internal/limiter"
	"backstop/internal/queue"
	"backstop/internal/worker"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis url")
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("redis ping")
	}

	var arc *archive.Archive
	if cfg.DatabaseURL != "" {
		arc, err = archive.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("archive connect")
		}
		defer arc.Close()
		if err := arc.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("archive migrations")
		}
	}

	store := queue.New(rdb, cfg.TerminalTTL)
	lim := limiter.New(rdb)
	fwd := forward.New(&http.Client{}, cfg.RequestTimeout, cfg.UploadTimeout)

	var pool *worker.Pool
	if cfg.Role == "worker" || cfg.Role == "all" {
		var sink worker.TerminalSink
		if arc != nil {
			sink = arc
		}
		pool = worker.NewPool(cfg, store, lim, fwd, sink, log)
		pool.Start(ctx)
	}

	if cfg.Role == "proxy" || cfg.Role == "all" {
		var lookup admission.ArchiveLookup
		if arc != nil {
			lookup = arc
		}
		srv := admission.NewServer(cfg, store, lim, fwd, lookup, log)
		httpSrv := &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.APIPort),
			Handler:     srv.Handler(),
			IdleTimeout: 60 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
		log.Info().Str("addr", httpSrv.Addr).Str("routes", routeNames(cfg)).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	} else {
		<-ctx.Done()
	}

	if pool != nil {
		pool.Stop()
	}
	log.Info().Msg("shutdown complete")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	var w io.Writer = os.Stdout
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "backstop").Logger()
}

func routeNames(cfg *config.Config) string {
	names := make([]string, len(cfg.Routes))
	for i, r := range cfg.Routes {
		names[i] = r.Name
	}
	return strings.Join(names, ",")
}
