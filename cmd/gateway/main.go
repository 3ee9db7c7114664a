/*
Package main wires up the market-data aggregation gateway: one session
manager shared across every configured exchange, the downstream subscriber
multiplexer, and the metrics/health HTTP surface, then blocks until an
SIGINT/SIGTERM drives a graceful shutdown.

Usage:

	go run ./cmd/gateway
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/breaker"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/config"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/exchange"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/health"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/lifecycle"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/metrics"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/queue"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/restpool"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/sessionmanager"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/subscriber"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/upstream"
)

func main() {
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Debug().Msgf(format, args...)
	})); err != nil {
		log.Warn().Err(err).Msg("failed to set GOMAXPROCS from cgroup quota")
	}

	cfg := config.Load()
	configureLogger(cfg.LogLevel, cfg.LogPretty)

	reg := metrics.New()
	pool := restpool.New(restpool.Config{
		MaxIdleConns:        cfg.RestPoolMaxSize,
		MaxIdleConnsPerHost: cfg.RestPoolConnections,
		MaxConnsPerHost:     cfg.RestPoolMaxSize,
		Timeout:             cfg.RestTimeout,
	})

	mgrCfg := sessionmanager.Config{
		MaxSymbolPerWS:     cfg.MaxSymbolPerWS,
		MaxConnPerExchange: cfg.MaxConnPerExchange,
		Session: upstream.Config{
			InactivityTimeout: cfg.InactivityTimeout,
			ReconnectDelay:    cfg.ReconnectDelay,
			RestTimeout:       cfg.RestTimeout,
			WSPingInterval:    cfg.WSPingInterval,
			WSPingTimeout:     cfg.WSPingTimeout,
			SubscribeTimeout:  cfg.SubscribeTimeout,
			DedupWindow:       cfg.DedupWindow,
			DedupMaxEntries:   cfg.DedupMaxEntries,
		},
		Breaker: breaker.Config{
			FailureThreshold: cfg.BreakerFailureThresh,
			RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
			HalfOpenCalls:    cfg.BreakerHalfOpenCalls,
			BackoffBase:      2.0,
			MaxBackoff:       300 * time.Second,
		},
		Queue: queue.Config{
			ClosedMaxSize: cfg.ClosedQueueMaxSize,
			OpenMaxSize:   cfg.OpenQueueMaxSize,
		},
	}

	manager, err := sessionmanager.New(mgrCfg, pool, reg, exchange.Names())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build session manager")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	manager.Start(ctx)

	wsAddr := fmt.Sprintf("%s:%d", cfg.WSHost, cfg.WSPort)
	subServer := subscriber.NewServer(subscriber.Config{
		Addr:             wsAddr,
		SubscribeTimeout: cfg.SubscribeTimeout,
		BufferMax:        cfg.SubscriberBufferMax,
		OverflowPolicy:   subscriber.OverflowPolicy(cfg.OverflowPolicy),
		SendTimeout:      cfg.WSPingTimeout,
	}, manager, reg)

	go func() {
		if err := subServer.ListenAndServe(); err != nil {
			exitOnServerError(err, "subscriber_server")
		}
	}()

	var healthServer *health.Server
	if cfg.HealthCheckEnabled {
		healthAddr := fmt.Sprintf("%s:%d", cfg.WSHost, cfg.HealthCheckPort)
		healthServer = health.NewServer(healthAddr, manager, reg)
		go func() {
			if err := healthServer.ListenAndServe(); err != nil {
				exitOnServerError(err, "health_server")
			}
		}()
	}

	log.Info().
		Str("ws_addr", wsAddr).
		Strs("exchanges", exchange.Names()).
		Msg("gateway started")

	lifecycle.WaitForShutdown(cfg.DrainTimeout, func(drainCtx context.Context) {
		subServer.Shutdown(drainCtx, cfg.DrainTimeout)
		cancel()
		manager.Shutdown()
		if healthServer != nil {
			healthServer.Shutdown(drainCtx)
		}
	})

	os.Exit(0)
}

// exitOnServerError logs a listener failure and exits with the code the
// gateway's shutdown contract assigns it: 2 for a bind-address unavailable
// (the listener never even came up), 1 for anything else.
func exitOnServerError(err error, component string) {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "listen" {
		log.Error().Err(err).Str("component", component).Msg("bind address unavailable")
		os.Exit(2)
	}
	log.Fatal().Err(err).Str("component", component).Msg("server failed")
}

func configureLogger(level string, pretty bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
