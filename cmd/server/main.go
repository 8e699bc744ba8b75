package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/accessguard/accessguard/internal/admission"
	"github.com/accessguard/accessguard/internal/alert"
	"github.com/accessguard/accessguard/internal/antiforgery"
	"github.com/accessguard/accessguard/internal/audit"
	"github.com/accessguard/accessguard/internal/config"
	"github.com/accessguard/accessguard/internal/database"
	"github.com/accessguard/accessguard/internal/handler"
	"github.com/accessguard/accessguard/internal/logger"
	"github.com/accessguard/accessguard/internal/middleware"
	"github.com/accessguard/accessguard/internal/risk"
	"github.com/accessguard/accessguard/internal/router"
	"github.com/accessguard/accessguard/internal/rules"
	"github.com/accessguard/accessguard/internal/storage"
)

func main() {
	// Load configuration; a malformed configuration is fatal before any
	// traffic is served
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", "0.1.0").Msg("starting AccessGuard server")

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("connected to PostgreSQL")

	// Connect to Redis (optional: token sharing and alert fan-out)
	var rdb *database.Redis
	if cfg.Redis.Enabled {
		rdb, err = database.NewRedis(cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Redis")
		}
		defer rdb.Close()
		log.Info().Msg("connected to Redis")
	}

	// Initialize event store
	store := storage.NewPostgres(db)

	// Initialize risk assessor and violation detector
	assessor := risk.NewAssessor(cfg.Risk)
	detector := rules.NewDetector(
		rules.DefaultRules(cfg.Patterns.AuthFailureLimit, cfg.Patterns.AuthFailureWindow, cfg.Risk.WorkdayStart, cfg.Risk.WorkdayEnd),
		log,
	)

	// Initialize alerting
	notifiers := alert.Multi{alert.NewLogNotifier(log)}
	if rdb != nil {
		notifiers = append(notifiers, alert.NewRedisNotifier(rdb, cfg.Alerting.Channel, log))
	}

	// Initialize audit trail manager
	trail := audit.NewTrailManager(cfg.Audit, cfg.Risk, store, assessor, detector, notifiers, log)
	trail.Start()
	log.Info().Msg("audit trail manager started")

	// Initialize admission controller; the trail manager is its audit sink
	classifier := admission.Classifier{
		Auth: func(endpoint string) bool {
			return strings.Contains(endpoint, "/auth")
		},
		Sensitive: func(endpoint string) bool {
			for _, t := range cfg.Audit.SensitiveTypes {
				if strings.Contains(endpoint, "/"+t) {
					return true
				}
			}
			return false
		},
	}
	adm := admission.NewController(cfg.Admission, admission.DefaultPatterns(cfg.Patterns), classifier, trail, log)
	adm.Start()
	log.Info().
		Float64("capacity", cfg.Admission.Capacity).
		Float64("refill_rate", cfg.Admission.RefillRate).
		Msg("admission controller started")

	// Initialize anti-forgery token manager
	var tokenStore antiforgery.TokenStore
	if rdb != nil {
		tokenStore = rdb
	}
	tokens := antiforgery.NewManager(cfg.AntiForgery, tokenStore, trail, log)
	if err := tokens.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to start anti-forgery token manager")
	}
	log.Info().Dur("token_ttl", cfg.AntiForgery.TokenTTL).Msg("anti-forgery token manager started")

	// Initialize handlers and middleware
	h := handler.New(db, rdb, log, cfg, trail, adm, tokens)
	mw := middleware.New(adm, tokens, log, cfg)

	// Set up router
	r := router.New(h, mw, log)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		var err error
		if cfg.Server.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	// Stop accepting requests, then stop background components. The trail
	// manager stops last so in-flight audit writes drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	tokens.Stop()
	adm.Stop()
	trail.Stop()

	log.Info().Msg("shutdown complete")
}
