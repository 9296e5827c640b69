package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/tranchelabs/vault-api/internal/assets"
	"github.com/tranchelabs/vault-api/internal/auth"
	"github.com/tranchelabs/vault-api/internal/config"
	"github.com/tranchelabs/vault-api/internal/database"
	"github.com/tranchelabs/vault-api/internal/fixedpoint"
	"github.com/tranchelabs/vault-api/internal/notes"
	"github.com/tranchelabs/vault-api/internal/pricing"
	"github.com/tranchelabs/vault-api/internal/vault"
	"github.com/tranchelabs/vault-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// configureLogging sets up application logging
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func configureLogging(devMode bool) {
	// Configure pretty logging for development
	if devMode {
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

// main initializes and runs the vault API server with graceful shutdown
// support. It sets up all required services, database connections, and API
// routes.
func main() {
	cfg := config.Load()
	configureLogging(cfg.DevMode)
	if !cfg.DevMode {
		gin.SetMode(gin.ReleaseMode)
	}
	middleware.JWTSecret = cfg.JWTSecret

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret, auth.RoleDepositor, auth.RoleAdmin, auth.RoleLiquidator, auth.RolePlatform)

	clock := clockwork.NewRealClock()

	// Token collaborators. In production these front the on-platform asset
	// ledgers; here they are in-process.
	currency := assets.NewFungibleToken("CUR")
	collateral := assets.NewNFTRegistry()
	platform := notes.NewMockPlatform(clock)

	pricingEngine, err := pricing.NewEngine(db, clock)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize pricing engine")
	}
	if rate, err := fixedpoint.FromDecimal(cfg.MinimumDiscountRate); err == nil {
		pricingEngine.SetMinimumDiscountRate(rate)
	}
	pricingEngine.SetMinimumLoanDuration(cfg.MinimumLoanDuration)

	vaultService := vault.NewService(db, clock, pricingEngine, platform, currency, collateral)
	if rate, err := fixedpoint.FromDecimal(cfg.SeniorTrancheRate); err == nil {
		vaultService.SetSeniorTrancheRate(rate)
	}
	if ratio, err := fixedpoint.FromDecimal(cfg.ReserveRatio); err == nil {
		if err := vaultService.SetReserveRatio(ratio); err != nil {
			zlog.Fatal().Err(err).Msg("Invalid reserve ratio")
		}
	}

	vaultHandlers := vault.NewGinHandlers(vaultService)
	pricingHandlers := pricing.NewGinHandlers(pricingEngine, vaultService.Utilization)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, authHandlers, vaultHandlers, pricingHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
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
// - Auth routes: Public endpoints for authentication
// - Vault routes: Protected by JWT authentication
// - Pricing routes: Read endpoints JWT-protected, setters admin-only
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	vaultHandlers *vault.GinHandlers,
	pricingHandlers *pricing.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Vault routes
		vaultGroup := v1.Group("/vault")
		vaultGroup.Use(middleware.JWTAuth())
		{
			vaultGroup.POST("/deposits", vaultHandlers.DepositHandler())
			vaultGroup.POST("/redemptions", vaultHandlers.RedeemHandler())
			vaultGroup.POST("/withdrawals", vaultHandlers.WithdrawHandler())
			vaultGroup.GET("/state", vaultHandlers.BalanceStateHandler())
			vaultGroup.GET("/utilization", vaultHandlers.UtilizationHandler())
			vaultGroup.GET("/reserves", vaultHandlers.ReservesHandler())
			vaultGroup.GET("/tranches/:tranche", vaultHandlers.TrancheStateHandler())
			vaultGroup.GET("/tranches/:tranche/position", vaultHandlers.PositionHandler())
			vaultGroup.GET("/loans", vaultHandlers.ListLoansHandler())
			vaultGroup.GET("/loans/:note_id", vaultHandlers.LoanHandler())
			vaultGroup.GET("/events", vaultHandlers.EventsHandler())

			admin := vaultGroup.Group("/admin")
			admin.Use(middleware.RequireRole(auth.RoleAdmin))
			{
				admin.POST("/senior-tranche-rate", vaultHandlers.SetSeniorRateHandler())
				admin.POST("/reserve-ratio", vaultHandlers.SetReserveRatioHandler())
				admin.POST("/liquidator", vaultHandlers.SetLiquidatorHandler())
			}
		}

		// Pricing routes
		pricingGroup := v1.Group("/pricing")
		pricingGroup.Use(middleware.JWTAuth())
		{
			pricingGroup.POST("/quote", pricingHandlers.QuoteHandler())
			pricingGroup.GET("/collateral", pricingHandlers.ListCollateralHandler())
			pricingGroup.GET("/collateral/:token", pricingHandlers.GetCollateralParametersHandler())

			admin := pricingGroup.Group("/admin")
			admin.Use(middleware.RequireRole(auth.RoleAdmin))
			{
				admin.POST("/collateral", pricingHandlers.SetCollateralParametersHandler())
				admin.POST("/minimum-discount-rate", pricingHandlers.SetMinimumDiscountRateHandler())
				admin.POST("/minimum-loan-duration", pricingHandlers.SetMinimumLoanDurationHandler())
			}
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth())
		{
			internal.POST("/notes/purchase", vaultHandlers.SellNoteHandler())
			internal.POST("/loans/repayment", vaultHandlers.LoanRepaidHandler())
			internal.POST("/loans/liquidation", vaultHandlers.LoanLiquidatedHandler())
			internal.POST("/loans/collateral", vaultHandlers.WithdrawCollateralHandler())
			internal.POST("/loans/proceeds", vaultHandlers.CollateralLiquidatedHandler())
		}
	}
}
