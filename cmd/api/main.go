package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"stallboard/api/internal/app"
	"stallboard/api/internal/config"
	"stallboard/api/internal/push"
	"stallboard/api/internal/ranking"
	"stallboard/api/internal/schedule"
	"stallboard/api/internal/session"
	"stallboard/api/internal/store"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.WithField("component", "main")

	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.WithError(err).Fatal("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)

	var sessions app.SessionStore = dataStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("redis connection failed")
		}
		defer redisStore.Close()
		sessions = redisStore
		log.Info("using Redis for refresh token storage")
	} else {
		log.Info("using PostgreSQL for refresh token storage")
	}

	hub := push.NewHub()
	notify := func(boardID string) {
		hub.Broadcast(boardID, push.StateChanged(boardID, "expiry"))
	}
	scheduler, err := schedule.New(dataStore, dataStore, notify)
	if err != nil {
		log.WithError(err).Fatal("scheduler init failed")
	}
	defer scheduler.Stop()

	ranker, err := ranking.New(dataStore, cfg.RankDebounce, func(boardID string) {
		hub.Broadcast(boardID, push.StateChanged(boardID, "ranking"))
	})
	if err != nil {
		log.WithError(err).Fatal("recalculator init failed")
	}
	defer ranker.Stop()

	// Re-arm expirations that were pending across the restart.
	if err := scheduler.Hydrate(ctx); err != nil {
		log.WithError(err).Warn("hydrate pending expirations (will self-heal as boards are touched)")
	}

	service, err := app.New(cfg, dataStore, sessions, scheduler, ranker, hub)
	if err != nil {
		log.WithError(err).Fatal("service init failed")
	}

	keepaliveDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.KeepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				hub.Keepalive()
			case <-keepaliveDone:
				return
			}
		}
	}()
	defer close(keepaliveDone)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No write timeout: event streams stay open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.Addr).Info("stallboard API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
	}
}
