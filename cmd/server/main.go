package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/predictx/predictx-api/internal/auth"
	"github.com/predictx/predictx-api/internal/database"
	"github.com/predictx/predictx-api/internal/engine"
	"github.com/predictx/predictx-api/internal/ledger"
	"github.com/predictx/predictx-api/internal/marketdata"
	"github.com/predictx/predictx-api/internal/settlement"
	"github.com/predictx/predictx-api/internal/topics"
	"github.com/predictx/predictx-api/internal/trading"
	"github.com/predictx/predictx-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the exchange server with graceful shutdown
// support. Order books are rebuilt from the store before any request is
// served.
func main() {
	// Initialize database
	db, err := database.NewDatabase()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize the matching core
	balanceLedger := ledger.New(db)
	settlementService := settlement.NewService(balanceLedger)

	matchingEngine, err := engine.New(db, balanceLedger, settlementService, engine.DefaultConfig())
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize matching engine")
	}
	defer matchingEngine.Close()

	// Initialize services and handlers
	var adminEmails []string
	if admins := os.Getenv("ADMIN_EMAILS"); admins != "" {
		adminEmails = strings.Split(admins, ",")
	}
	authService := auth.NewService(middleware.JWTSecret(), db, balanceLedger, adminEmails)
	authHandlers := auth.NewGinHandlers(authService)

	topicService := topics.NewService(db, matchingEngine, balanceLedger)
	topicHandlers := topics.NewGinHandlers(topicService)

	tradingService := trading.NewService(db, matchingEngine, balanceLedger)
	tradingHandlers := trading.NewGinHandlers(tradingService)

	marketDataHub := marketdata.NewHub(matchingEngine, topicService)
	marketDataHandlers := marketdata.NewGinHandlers(matchingEngine)
	topicService.SetNotifier(marketDataHub)

	// Start background workers
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go marketDataHub.Run(workerCtx)

	expiryProcessor := topics.NewProcessor(topicService)
	go expiryProcessor.Start(workerCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, tradingHandlers, topicHandlers, marketDataHandlers, marketDataHub)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for signup and login
// - Trading/market data routes: Protected by JWT authentication
// - Internal routes: Topic lifecycle, protected by the admin claim
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	tradingHandlers *trading.GinHandlers,
	topicHandlers *topics.GinHandlers,
	marketDataHandlers *marketdata.GinHandlers,
	hub *marketdata.Hub,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/signup", authHandlers.SignupHandler())
			authGroup.POST("/login", authHandlers.LoginHandler())
		}

		// Account routes
		account := v1.Group("/account")
		account.Use(middleware.JWTAuth())
		{
			account.POST("/deposit", authHandlers.DepositHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth())
		{
			orders.POST("", tradingHandlers.SubmitOrderHandler())
			orders.GET("", tradingHandlers.OpenOrdersHandler())
			orders.GET("/:order_id", tradingHandlers.GetOrderHandler())
			orders.DELETE("/:order_id", tradingHandlers.CancelOrderHandler())
		}

		// Balance and market data queries
		queries := v1.Group("")
		queries.Use(middleware.JWTAuth())
		{
			queries.GET("/balances", tradingHandlers.BalancesHandler())
			queries.GET("/topics", topicHandlers.ListTopicsHandler())
			queries.GET("/markets/:topic_id/:share_type/book", marketDataHandlers.OrderBookHandler())
		}

		// Internal routes (topic lifecycle)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/topics", topicHandlers.CreateTopicHandler())
			internal.POST("/topics/:topic_id/resolve", topicHandlers.ResolveTopicHandler())
		}
	}

	// Market data subscription channel
	router.GET("/ws", middleware.JWTAuth(), marketdata.ServeWS(hub))
}
