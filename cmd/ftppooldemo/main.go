// Command ftppooldemo wires config, logger, and a Pool together and
// keeps it alive until an OS signal arrives, the way the gateway's own
// main.go wires its subsystems. It borrows/returns one connection every
// few seconds to exercise the pool and prints a health/metrics snapshot
// on every iteration; it is demonstration wiring, not a workflow engine.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/ftppool"
	"github.com/AlfredDev/ftppool/config"
	"github.com/AlfredDev/ftppool/connection"
	"github.com/AlfredDev/ftppool/logger"
	"github.com/AlfredDev/ftppool/metrics"
	"github.com/AlfredDev/ftppool/redisclient"
)

func main() {
	env := os.Getenv("APP_ENV")
	log := logger.New(env)

	connCfg, poolCfg := config.Load()
	log.Info().Str("host", connCfg.Host).Int("port", connCfg.Port).Msg("ftppool demo starting")

	p, err := ftppool.New(connCfg, poolCfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build pool")
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		rc, err := redisclient.New(redisURL)
		if err != nil {
			log.Warn().Err(err).Msg("redis init failed — metrics will stay in-process only")
		} else if err := rc.Ping(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed — metrics will stay in-process only")
		} else {
			sink := metrics.NewRedisSink(rc.Raw(), "ftppool.metrics", log)
			sink.StartPublishing(context.Background(), 10*time.Second)
			p.SetMetrics(sink)
			log.Info().Msg("publishing pool metrics to redis")
		}
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	stopExercise := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				exerciseOnce(context.Background(), p, log)
			case <-stopExercise:
				return
			}
		}
	}()

	<-done
	close(stopExercise)
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("pool shutdown failed")
	} else {
		log.Info().Msg("pool stopped gracefully")
	}
}

func exerciseOnce(ctx context.Context, p *ftppool.Pool, log zerolog.Logger) {
	_, err := ftppool.WithConnection(ctx, p, func(c *connection.Connection) (bool, error) {
		return true, nil
	})
	if err != nil {
		log.Warn().Err(err).Msg("exercise borrow failed")
	}

	snap := p.Metrics()
	h := p.Health()
	log.Info().
		Int64("active", snap.Active).
		Int64("idle", snap.Idle).
		Int64("waiters", snap.Waiters).
		Str("health", string(h.Label)).
		Msg("pool snapshot")
}
