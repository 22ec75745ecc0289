package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ayush/pharmabot/backend/internal/auth"
	"github.com/ayush/pharmabot/backend/internal/config"
	"github.com/ayush/pharmabot/backend/internal/httpx"
	"github.com/ayush/pharmabot/backend/internal/logger"
	"github.com/ayush/pharmabot/backend/internal/middleware"
	"github.com/ayush/pharmabot/backend/internal/prescription"
	"github.com/ayush/pharmabot/backend/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().WithError(err).Fatal("load config")
	}
	logger.Init(cfg.LogLevel)
	log := logger.Default()
	ctx := context.Background()

	// ── PostgreSQL ────────────────────────────────────────────
	pgPool, db, err := store.OpenPostgres(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		log.WithError(err).Fatal("postgres connect")
	}
	defer pgPool.Close()
	defer db.Close()
	pgStore := store.NewPostgresStore(db)
	if err := pgStore.Migrate(ctx); err != nil {
		log.WithError(err).Fatal("postgres migrate")
	}

	// ── MongoDB ──────────────────────────────────────────────
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.WithError(err).Fatal("mongo connect")
	}
	defer mongoClient.Disconnect(ctx)
	journal := store.NewMongoJournal(mongoClient.Database(cfg.MongoDB))
	if err := journal.EnsureIndexes(ctx); err != nil {
		log.WithError(err).Fatal("mongo indexes")
	}

	// ── Redis ────────────────────────────────────────────────
	rdb, err := store.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.WithError(err).Fatal("redis connect")
	}
	defer rdb.Close()
	limiter := auth.NewLoginLimiter(rdb, cfg.LoginMaxAttempts, cfg.LoginWindow)

	// ── MinIO ────────────────────────────────────────────────
	images, err := store.NewMinioStore(
		ctx, cfg.MinioEndpoint, cfg.MinioAccessKey,
		cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL,
	)
	if err != nil {
		log.WithError(err).Fatal("minio connect")
	}

	// ── Vision client ────────────────────────────────────────
	gemini := prescription.NewGeminiClient(cfg.GeminiBaseURL, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.VisionRPS, cfg.VisionBurst)
	schema, err := prescription.NewSchemaChecker()
	if err != nil {
		log.WithError(err).Fatal("prescription schema")
	}

	// ── Handlers ─────────────────────────────────────────────
	tokens := auth.NewTokenIssuer(cfg.SecretKey, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, pgStore, pgStore)
	authHandler := auth.NewHandler(pgStore, tokens, limiter)
	rxHandler := prescription.NewHandler(pgStore, images, journal, gemini, schema, prescription.HandlerConfig{
		MaxUploadBytes: cfg.MaxUploadBytes,
		Model:          gemini.Model(),
	})
	requireAuth := middleware.RequireAuth(tokens, pgStore)

	// ── Router ───────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(logger.RequestLogger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.FrontendURL},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", httpx.Welcome)
	r.Get("/health", httpx.Health)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.Post("/refresh", authHandler.Refresh)
		r.With(requireAuth).Get("/me", authHandler.Me)
		r.With(requireAuth).Post("/logout", authHandler.Logout)
	})

	// Prescription routes (protected)
	r.Route("/prescriptions", func(r chi.Router) {
		r.Use(requireAuth)
		r.Post("/analyze", rxHandler.Analyze)
		r.Get("/history", rxHandler.History)
		r.Get("/runs", rxHandler.Runs)
		r.Get("/{id}", rxHandler.Get)
		r.Get("/{id}/structured", rxHandler.Structured)
		r.Get("/{id}/image", rxHandler.Image)
	})

	// ── Server ───────────────────────────────────────────────
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		log.Infof("Backend listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")
	shutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.WithError(err).Warn("shutdown")
	}
}
