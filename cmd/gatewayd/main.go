package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mandi.org/internal/auth"
	"mandi.org/internal/config"
	"mandi.org/internal/httpapi"
	"mandi.org/internal/obs"
	"mandi.org/internal/remote"
	"mandi.org/internal/session"
	"mandi.org/internal/stepup"
	"mandi.org/internal/store"
	"mandi.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("MANDI_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath, nil)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	backend, err := store.Open(openCtx, cfg.Storage)
	cancel()
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer backend.Close()

	client, err := remote.New(cfg.API.BaseURL, remote.WithTimeout(cfg.API.Timeout), remote.WithBearer(cfg.API.Token))
	if err != nil {
		log.Fatalf("admin api: %v", err)
	}
	signer, err := auth.NewSigner(cfg.Auth.Secret, auth.WithIssuer(cfg.Auth.Issuer))
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	stepUpOpts := []stepup.Option{
		stepup.WithEnrollRoute(cfg.StepUp.EnrollRoute),
		stepup.WithPromptTimeout(cfg.StepUp.PromptTimeout),
	}
	events := stream.New()
	sessions := session.NewManager(func(string) (session.Deps, error) {
		return session.Deps{
			Config:   client,
			Policy:   client,
			Gate:     client,
			Storage:  backend,
			StepUp:   stepUpOpts,
			OnPrompt: events.PromptHook(),
		}, nil
	})

	limiter := httpapi.NewLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RPS)
	go limiter.Run(ctx)

	api := httpapi.New(httpapi.Options{
		Version:      version,
		Sessions:     sessions,
		Signer:       signer,
		Registry:     client,
		Events:       events,
		Ready:        httpapi.ReadyProbe{Checks: map[string]httpapi.Pinger{"storage": backend}},
		Limiter:      limiter,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Origins:      cfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// /v1/stepup/ensure holds the connection while the prompt is open
		WriteTimeout: cfg.StepUp.PromptTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	obs.Info("gateway_starting", map[string]any{
		"version": version,
		"addr":    srv.Addr,
		"storage": cfg.Storage.Driver,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	obs.Info("gateway_stopping", map[string]any{"live_sessions": sessions.Len()})

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)
	obs.Info("gateway_stopped", nil)
}
