package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/MuthuDataScientist/postgres-new/internal/gateway"
	"github.com/MuthuDataScientist/postgres-new/internal/middleware"
	"github.com/MuthuDataScientist/postgres-new/internal/obs"
	"github.com/MuthuDataScientist/postgres-new/internal/ratelimit"
	"github.com/MuthuDataScientist/postgres-new/internal/tenant"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("proxy.start", obs.Fields{"pg": cfg.PGAddr, "ws": cfg.WSAddr, "metrics": cfg.MetricsAddr, "domain": cfg.BaseDomain})

	if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
		obs.Error("proxy.tls", obs.Fields{"err": "tls-cert and tls-key are required"})
		os.Exit(1)
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		obs.Error("proxy.tls", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	events, err := obs.NewEventSink(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		obs.Error("proxy.telemetry", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}

	registry := gateway.NewRegistry()
	var limiter *ratelimit.ConnectionLimiter
	if cfg.GlobalConnRate > 0 || cfg.PerDatabaseConnRate > 0 {
		limiter = ratelimit.NewConnectionLimiter(cfg.GlobalConnRate, cfg.PerDatabaseConnRate, cfg.RateBurst)
	}

	sessionCfg := gateway.Config{
		Registry:      registry,
		Resolver:      tenant.NewResolver(cfg.BaseDomain),
		TLSConfig:     &tls.Config{Certificates: []tls.Certificate{cert}},
		ServerVersion: cfg.ServerVersion,
		IdleTimeout:   cfg.IdleTimeout,
		Middleware:    middleware.Passthrough{},
		Limiter:       limiter,
		Events:        events,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgLn, err := net.Listen("tcp", cfg.PGAddr)
	if err != nil {
		obs.Error("listen.pg", obs.Fields{"err": err.Error(), "addr": cfg.PGAddr})
		os.Exit(1)
	}
	defer pgLn.Close()

	wsServer := &http.Server{
		Addr:    cfg.WSAddr,
		Handler: gateway.NewPeerServer(registry).Handler(),
	}

	var ready atomic.Bool
	go startMetricsServer(cfg.MetricsAddr, registry, ready.Load)

	if limiter != nil {
		go runLimiterCleanup(ctx, limiter, registry)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		listener := &gateway.Listener{Config: sessionCfg, ProxyProtocol: cfg.Proxied}
		listener.Serve(ctx, pgLn)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.Error("listen.ws", obs.Fields{"err": err.Error(), "addr": cfg.WSAddr})
		}
	}()

	ready.Store(true)
	obs.Info("proxy.ready", obs.Fields{})

	<-ctx.Done()
	obs.Info("proxy.shutdown.signal", obs.Fields{})
	ready.Store(false)
	_ = pgLn.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = wsServer.Shutdown(shutdownCtx)
	wg.Wait()
	if err := events.Close(); err != nil {
		obs.Error("proxy.telemetry", obs.Fields{"err": err.Error()})
	}
	obs.Info("proxy.shutdown.complete", obs.Fields{})
}

// runLimiterCleanup periodically drops rate limit buckets for databases that
// are no longer shared.
func runLimiterCleanup(ctx context.Context, limiter *ratelimit.ConnectionLimiter, registry *gateway.Registry) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			limiter.Cleanup(registry.SharedDatabases())
		}
	}
}
