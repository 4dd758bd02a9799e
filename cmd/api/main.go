package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"ssohub.org/internal/config"
	"ssohub.org/internal/httpapi"
	"ssohub.org/internal/identity"
	"ssohub.org/internal/obs"
	"ssohub.org/internal/session"
	"ssohub.org/internal/signing"
	"ssohub.org/internal/store/pg"
	"ssohub.org/internal/stream"
	"ssohub.org/internal/token"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	tokens, err := token.NewService(cfg.TokenSecret,
		token.WithIssuer(cfg.Issuer),
		token.WithTTL(cfg.TokenTTL),
		token.WithRefreshGrace(cfg.RefreshGrace),
	)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}

	signer := signing.NewSigner(cfg.TenantSecrets, signing.WithTolerance(cfg.HMACTolerance))

	limiter := session.NewFailureLimiter(rdb, cfg.FailureLimit, cfg.FailureWindow)
	coordinator := session.NewCoordinator(
		store,
		session.NewRedisStore(rdb, cfg.InactivityWindow),
		cfg.InactivityWindow,
		session.WithLimiter(limiter),
	)

	// make sure the built-in admin permissions exist before serving
	ctx, cancel := context.WithTimeout(context.Background(), cfg.HealthTimeout)
	if err := identity.NewResolver(store).EnsureBuiltins(ctx); err != nil {
		cancel()
		log.Fatalf("ensure builtin permissions: %v", err)
	}
	cancel()

	api := httpapi.New(
		httpapi.ReadyProbe{DB: store.DB(), Redis: rdb},
		version,
		store,
		tokens,
		signer,
		coordinator,
		stream.New(),
	)
	api.SetRateLimit(cfg.RateBurst, cfg.RatePerSec)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.APITimeout,
		ReadHeaderTimeout: cfg.APITimeout,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("starting ssohub-api %s on %s", version, srv.Addr)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("shutting down...")
	obs.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("stopped")
}
