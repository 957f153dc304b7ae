package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aimeet/meet-backend/internal/admin"
	"github.com/aimeet/meet-backend/internal/auth"
	"github.com/aimeet/meet-backend/internal/config"
	"github.com/aimeet/meet-backend/internal/health"
	"github.com/aimeet/meet-backend/internal/hub"
	"github.com/aimeet/meet-backend/internal/logs"
	"github.com/aimeet/meet-backend/internal/metrics"
	"github.com/aimeet/meet-backend/internal/middleware"
	"github.com/aimeet/meet-backend/internal/persist"
	"github.com/aimeet/meet-backend/internal/ws"
)

func main() {
	// 1) Config + logger
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	logger := logs.New("srv")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2) Durable audit store + fire-and-forget synchronizer
	store, err := persist.OpenBadger(cfg.DataDir, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()
	syncer := persist.NewSynchronizer(store, logger, cfg.PersistQueue)
	syncer.Start(ctx)

	// 3) Mux + core endpoints
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.Healthz())
	mux.Handle("/readyz", health.Readyz(nil))
	mux.Handle(cfg.MetricsRoute, metrics.Handler())

	// 4) Room hub + admin API (rate-limited)
	h := hub.New(store, syncer, logger)
	httpRL := middleware.New(cfg.HTTPRatePerMin)
	adminHandler := http.StripPrefix("/admin", admin.New(h, store, logger).Routes())
	mux.Handle("/admin/", httpRL.Middleware()(adminHandler))

	// 5) WebSocket signaling + WS rate limit + tuning
	authn := auth.NewTokenAuthenticator(cfg.JWTSecret)
	wsRL := middleware.New(cfg.WSRatePerMin)
	wsHandler := ws.NewWSHandler(
		h,
		authn,
		cfg.CORSOrigins, // exact origins; ignored when DevMode=true
		logger,
		cfg.DevMode, // allow all origins in dev
		ws.WithBuffers(cfg.WSReadBuf, cfg.WSWriteBuf),
		ws.WithLimits(cfg.WSMaxMsg, cfg.Heartbeat),
		ws.WithRateLimiter(wsRL),
	)
	mux.Handle("/ws", wsHandler)

	// 6) HTTP server with timeouts
	srv := &http.Server{
		Addr:              cfg.BindAddr(),
		Handler:           logs.Middleware(logger)(mux),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	// 7) Serve (TLS if cert+key are set)
	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			log.Printf("serving HTTPS on %s", cfg.BindAddr())
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			log.Printf("serving HTTP on %s", cfg.BindAddr())
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	// 8) Block until we're told to stop (signal) or the server fails
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown error: %v", err)
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}
}
