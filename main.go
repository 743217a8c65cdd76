package main

import (
	"context"
	"encoding/json"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/username/cashledger/src/config"
	"github.com/username/cashledger/src/events"
	kafkaevents "github.com/username/cashledger/src/events/kafka"
	"github.com/username/cashledger/src/handlers"
	"github.com/username/cashledger/src/logger"
	"github.com/username/cashledger/src/parsers"
	"github.com/username/cashledger/src/processors"
	"github.com/username/cashledger/src/security"
	"github.com/username/cashledger/src/services"
	"github.com/username/cashledger/src/storage"
	"github.com/username/cashledger/src/storage/memory"
	"github.com/username/cashledger/src/storage/postgres"
	"github.com/username/cashledger/src/storage/sqlite"
	"golang.org/x/time/rate"
)

var limiter = rate.NewLimiter(rate.Every(100*time.Millisecond), 30)

func rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			logger.L.Warn("Rate limit exceeded",
				"method", r.Method,
				"path", r.URL.Path,
				"remoteAddr", r.RemoteAddr)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && origin == config.Cfg.CORSAllowedOrigin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE, PATCH")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Admin-Key, X-Requested-With, If-None-Match")
			w.Header().Set("Access-Control-Expose-Headers", "ETag")
		} else if origin == "" {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		if r.Method == "OPTIONS" {
			logger.L.Debug("Handling OPTIONS preflight request", "path", r.URL.Path, "origin", origin)
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)
	logger.L.Info("Cashledger server starting...")

	if config.Cfg.JWTSecret == "" || len(config.Cfg.JWTSecret) < 32 {
		logger.L.Error("JWT_SECRET configuration invalid. Must be at least 32 bytes.")
		os.Exit(1)
	}

	logger.L.Info("Initializing data loaders...")
	currencies, err := parsers.LoadCurrencyTable(config.Cfg.CurrencyDataPath)
	if err != nil {
		logger.L.Error("Failed to load currency table, using built-in defaults", "path", config.Cfg.CurrencyDataPath, "error", err)
		currencies = parsers.DefaultCurrencyTable()
	}
	aliases, err := parsers.LoadScopeAliases(config.Cfg.ScopeAliasPath)
	if err != nil {
		logger.L.Error("Failed to load scope aliases, tags resolve against registered scopes only", "path", config.Cfg.ScopeAliasPath, "error", err)
	}

	logger.L.Info("Initializing storage...", "driver", config.Cfg.DBDriver)
	var store storage.Store
	switch config.Cfg.DBDriver {
	case "postgres":
		store, err = postgres.Open(config.Cfg.DatabaseURL)
	case "memory":
		store = memory.New()
		err = nil
	default:
		store, err = sqlite.Open(config.Cfg.DatabasePath)
	}
	if err != nil {
		logger.L.Error("Failed to initialize storage", "driver", config.Cfg.DBDriver, "error", err)
		os.Exit(1)
	}
	logger.L.Info("Storage initialized successfully.")

	logger.L.Info("Initializing balance cache...", "ttl", config.Cfg.BalanceCacheTTL)
	balanceCache := cache.New(config.Cfg.BalanceCacheTTL, 2*config.Cfg.BalanceCacheTTL)

	var publisher events.Publisher = events.NoopPublisher{}
	if len(config.Cfg.KafkaBrokers) > 0 {
		publisher = kafkaevents.NewPublisher(config.Cfg.KafkaBrokers, config.Cfg.KafkaTopic)
		logger.L.Info("Kafka commit stream enabled", "brokers", config.Cfg.KafkaBrokers, "topic", config.Cfg.KafkaTopic)
	}

	logger.L.Info("Initializing services and handlers...")
	classifier := parsers.NewClassifier(currencies, config.Cfg.ReportTag)
	resolver := parsers.NewScopeResolver(aliases)
	settlement := processors.NewSettlementCalculator(currencies)

	writer := services.NewBatchWriter(store, publisher, balanceCache,
		config.Cfg.FlushInterval, config.Cfg.FlushQueueSize, config.Cfg.FlushMaxAttempts)
	writer.Start()

	ledgerService := services.NewLedgerService(
		store, writer, classifier, resolver, settlement, balanceCache,
		config.Cfg.ReportingScope, config.Cfg.ReportTag, config.Cfg.DuplicateWindow,
	)

	authService := security.NewAuthService(config.Cfg.JWTSecret, config.Cfg.AccessTokenExpiry)
	ledgerHandler := handlers.NewLedgerHandler(ledgerService, authService)
	adminHandler := handlers.NewAdminHandler(ledgerService, config.Cfg.AdminKeyHash)
	authHandler := handlers.NewAuthHandler(authService, config.Cfg.AdminKeyHash)

	logger.L.Info("Configuring routes...")
	rootMux := http.NewServeMux()
	apiRouter := http.NewServeMux()

	// Open routes. Token minting carries its own admin-key gate.
	apiRouter.HandleFunc("GET /api/health", ledgerHandler.HandleHealth)
	apiRouter.HandleFunc("POST /api/auth/token", authHandler.HandleMintToken)

	withAuth := func(handler http.HandlerFunc) http.Handler {
		return ledgerHandler.AuthMiddleware(handler)
	}
	withAdminKey := func(handler http.HandlerFunc) http.Handler {
		return ledgerHandler.AuthMiddleware(adminHandler.AdminKeyMiddleware(handler))
	}

	apiRouter.Handle("POST /api/messages", withAuth(ledgerHandler.HandleSubmitMessage))
	apiRouter.Handle("POST /api/intents", withAuth(ledgerHandler.HandleSubmitIntent))
	apiRouter.Handle("GET /api/scopes", withAuth(ledgerHandler.HandleGetScopes))
	apiRouter.Handle("GET /api/balances/{scope}", withAuth(ledgerHandler.HandleGetBalances))
	apiRouter.Handle("GET /api/balances/{scope}/{currency}", withAuth(ledgerHandler.HandleGetBalance))
	apiRouter.Handle("GET /api/history/{scope}", withAuth(ledgerHandler.HandleGetHistory))
	apiRouter.Handle("GET /api/stats/{scope}", withAuth(ledgerHandler.HandleGetStats))
	apiRouter.Handle("GET /api/audit", withAuth(ledgerHandler.HandleAudit))

	apiRouter.Handle("POST /api/admin/recompute", withAdminKey(adminHandler.HandleRecompute))
	apiRouter.Handle("POST /api/admin/reverse", withAdminKey(adminHandler.HandleReverse))
	apiRouter.Handle("POST /api/admin/clear", withAdminKey(adminHandler.HandleClear))

	rootMux.Handle("/api/", apiRouter)

	rootMux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" && r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"message": "Cashledger backend is running"})
		} else {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				logger.L.Warn("Root level path not found", "method", r.Method, "path", r.URL.Path)
				http.NotFound(w, r)
			}
		}
	})

	logger.L.Info("Applying global middleware...")
	finalHandler := enableCORS(rateLimitMiddleware(rootMux))

	serverAddr := ":" + config.Cfg.Port
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      finalHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.L.Info("Server starting", "address", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L.Error("Failed to start server", "error", err)
			stdlog.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.L.Info("Shutdown signal received, draining...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("HTTP server shutdown failed", "error", err)
	}
	// Stop drains queued intents and flushes them before the store goes away.
	if err := writer.Stop(shutdownCtx); err != nil {
		logger.L.Error("Ledger writer drain failed", "error", err)
	}
	if err := store.Close(); err != nil {
		logger.L.Error("Storage close failed", "error", err)
	}
	if err := publisher.Close(); err != nil {
		logger.L.Error("Event publisher close failed", "error", err)
	}
	logger.L.Info("Server stopped gracefully.")
}
