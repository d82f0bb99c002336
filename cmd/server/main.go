package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/lsat-prep/adaptive/internal/auth"
	"github.com/lsat-prep/adaptive/internal/calibration"
	"github.com/lsat-prep/adaptive/internal/config"
	"github.com/lsat-prep/adaptive/internal/database"
	"github.com/lsat-prep/adaptive/internal/irt"
	"github.com/lsat-prep/adaptive/internal/logger"
	"github.com/lsat-prep/adaptive/internal/questions"
	"github.com/lsat-prep/adaptive/internal/session"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		bootLog := logger.Nop()
		if l, lerr := logger.New("production"); lerr == nil {
			bootLog = l
		}
		bootLog.Fatal("failed to load config", "error", err)
	}

	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatal("failed to run migrations", "error", err)
	}

	itemStore := questions.NewStore(db)
	runStore := calibration.NewStore(db)
	resultStore := session.NewStore(db)

	if n, err := runStore.MarkAbandoned(ctx); err != nil {
		log.Warn("could not mark abandoned calibration runs", "error", err)
	} else if n > 0 {
		log.Warn("abandoned calibration runs marked failed", "count", n)
	}

	// Item pool
	pool := questions.NewPool(nil)
	if snap, err := pool.Reload(ctx, itemStore); err != nil {
		log.Warn("item pool not loaded, sessions unavailable until reload", "error", err)
	} else {
		log.Info("item pool loaded", "version", snap.Version(), "items", snap.Len())
	}

	var notifier *questions.Notifier
	if cfg.Redis.Addr != "" {
		notifier, err = questions.NewNotifier(cfg.Redis.Addr, cfg.Redis.Channel, log)
		if err != nil {
			log.Fatal("failed to connect to redis", "error", err)
		}
		defer notifier.Close()
		if err := questions.FollowAnnouncements(ctx, notifier, pool, itemStore, log); err != nil {
			log.Fatal("failed to subscribe to pool announcements", "error", err)
		}
	}

	estimator, err := irt.NewEstimator(cfg.Estimator)
	if err != nil {
		log.Fatal("invalid estimator config", "error", err)
	}

	// Background workers
	manager := session.NewManager(pool, estimator, resultStore, log)
	go manager.StartReaper(ctx, cfg.Session.IdleTTL)

	runner := calibration.NewRunner(calibration.NewCalibrator(estimator, log), pool, itemStore, runStore, notifier, log)
	defer runner.Close()
	if cfg.Session.CalibrationInterval > 0 {
		go runner.StartScheduler(ctx, cfg.Session.CalibrationInterval, cfg.Calibration)
	}

	tokens, err := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		log.Fatal("auth not configured", "error", err)
	}
	adminGuard := auth.NewAdminGuard(cfg.Auth.AdminKeyHash)

	// Initialize handlers
	sessionHandler := session.NewHandler(manager, cfg.Exam, log)
	poolHandler := questions.NewHandler(pool, itemStore, notifier, log)
	calibrationHandler := calibration.NewHandler(runner, cfg.Calibration, log)
	authHandler := auth.NewHandler(tokens, log)

	// Setup router
	r := mux.NewRouter()
	r.Use(requestLogger(log))
	api := r.PathPrefix("/api/v1").Subrouter()

	// Candidate routes
	candidate := api.PathPrefix("/sessions").Subrouter()
	candidate.Use(tokens.Middleware)
	candidate.HandleFunc("", sessionHandler.StartSession).Methods("POST")
	candidate.HandleFunc("/{id}/next", sessionHandler.GetNextItem).Methods("GET")
	candidate.HandleFunc("/{id}/responses", sessionHandler.SubmitResponse).Methods("POST")
	candidate.HandleFunc("/{id}/abort", sessionHandler.AbortSession).Methods("POST")

	// Admin routes
	admin := api.PathPrefix("").Subrouter()
	admin.Use(adminGuard.Middleware)
	admin.HandleFunc("/admin/tokens", authHandler.IssueToken).Methods("POST")
	admin.HandleFunc("/pool", poolHandler.GetPool).Methods("GET")
	admin.HandleFunc("/pool/reload", poolHandler.ReloadPool).Methods("POST")
	admin.HandleFunc("/calibrations", calibrationHandler.StartCalibration).Methods("POST")
	admin.HandleFunc("/calibrations/{id}", calibrationHandler.GetCalibration).Methods("GET")
	admin.HandleFunc("/calibrations/{id}", calibrationHandler.CancelCalibration).Methods("DELETE")

	// Health check
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Admin-Key"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           c.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}

func requestLogger(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Debug("request",
				"method", r.Method, "path", r.URL.Path,
				"status", rec.status, "duration_ms", time.Since(start).Milliseconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
