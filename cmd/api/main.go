package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"studyloop/api/internal/app"
	"studyloop/api/internal/config"
	"studyloop/api/internal/export"
	"studyloop/api/internal/genai"
	"studyloop/api/internal/lock"
	"studyloop/api/internal/search"
	"studyloop/api/internal/store"
	"studyloop/api/internal/textsource"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db, cfg.EmbeddingDims)
	client := genai.NewClient(cfg.GenBaseURL, cfg.GenAPIKey, cfg.GenTimeout, cfg.MaxInputChars)

	var locker *lock.Locker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		locker, err = lock.NewLocker(cfg.RedisURL, cfg.LockTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer locker.Close()
		log.Printf("Using Redis generation dedupe at %s", cfg.RedisURL)
	} else {
		log.Printf("WARNING: REDIS_URL not set, concurrent generations are not deduplicated")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts)

	var texts *textsource.Service
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		texts, err = textsource.New(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("object storage connection failed: %v", err)
		}
		log.Printf("Reading source documents from %s/%s", cfg.MinioEndpoint, cfg.MinioBucket)
	}

	service := app.New(cfg, dataStore, client)
	service.UseSearch(searchService)
	if locker != nil {
		service.UseDedupeLock(locker)
	}
	if texts != nil {
		service.UseTextSource(texts)
	}

	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	worker := app.NewWorker(service, cfg.WorkerPollInterval, cfg.WorkerBatchSize)
	go worker.Run(ctx)

	httpServer := app.NewHTTPServer(service, export.NewService(), cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.GenTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("StudyLoop artifact API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
