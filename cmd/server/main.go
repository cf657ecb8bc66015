package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/plan-takeoff/backend/internal/api"
	"github.com/plan-takeoff/backend/internal/config"
	"github.com/plan-takeoff/backend/internal/document"
	"github.com/plan-takeoff/backend/internal/measurement"
	"github.com/plan-takeoff/backend/internal/models"
	"github.com/plan-takeoff/backend/internal/pagecache"
	"github.com/plan-takeoff/backend/internal/pricing"
	"github.com/plan-takeoff/backend/internal/session"
	"github.com/plan-takeoff/backend/internal/storage"
	"github.com/plan-takeoff/backend/internal/upload"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// A missing .env is fine; the XML config and real env still apply.
	_ = godotenv.Load()

	// Get the executable's directory for config resolution
	exePath, err := os.Executable()
	if err != nil {
		fmt.Printf("Failed to get executable path: %v\n", err)
		os.Exit(1)
	}
	exeDir := filepath.Dir(exePath)

	configPath := os.Getenv("TAKEOFF_CONFIG")
	if configPath == "" {
		configPath = filepath.Join(exeDir, "TakeoffServer.config")
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Printf("Failed to create directories: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)

	// Initialize storage
	fileStore, err := storage.NewLocalStore(cfg.Storage.UploadsDirectory)
	if err != nil {
		logger.Error("failed to initialize file storage", "error", err)
		os.Exit(1)
	}

	duck, err := storage.OpenDuckStore(cfg.Storage.DatabasePath, storage.DuckOptions{
		MemoryLimit: cfg.Advanced.DuckDBMemoryLimit,
		Threads:     cfg.Advanced.DuckDBThreads,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Storage.DatabasePath, "error", err)
		os.Exit(1)
	}

	catalog, err := pricing.Load(cfg.Storage.PricingFile)
	if err != nil {
		logger.Warn("pricing catalog unavailable, prices default to zero", "file", cfg.Storage.PricingFile, "error", err)
		catalog = &pricing.Catalog{}
	}

	registry := measurement.NewRegistry(duck,
		measurement.WithCalibrations(duck),
		measurement.WithPrices(catalog),
		measurement.WithLogger(logger),
	)

	hub := api.NewHub(int64(cfg.Advanced.WebSocketMaxMessageSize)*1024, logger)

	openPlan := func(ctx context.Context, plan *models.Plan) (document.Renderer, error) {
		blob, err := fileStore.Open(plan.FileID)
		if err != nil {
			return nil, err
		}
		doc, err := document.OpenPDF(blob)
		if err != nil {
			blob.Close()
			return nil, err
		}
		return doc, nil
	}

	sessionMgr := session.NewManager(duck, duck, registry, openPlan,
		session.WithMaxViewers(cfg.Rendering.MaxOpenDocuments),
		session.WithCacheOptions(
			pagecache.WithCapacity(cfg.Rendering.PageCacheSize),
			pagecache.WithDPI(cfg.Rendering.LowDPI, cfg.Rendering.HighDPI),
			pagecache.WithPrefetchLimit(cfg.Rendering.PrefetchWorkers),
			pagecache.WithPrefetchRate(rate.Limit(cfg.Rendering.PrefetchPerSecond), 1),
		),
		session.WithEventSink(hub.Broadcast),
		session.WithLogger(logger),
	)

	uploadMgr := upload.NewManager(fileStore, duck, document.CountPages, logger)

	handlers := api.NewHandlers(&api.Dependencies{
		Store:        fileStore,
		Plans:        duck,
		Calibrations: duck,
		Sessions:     sessionMgr,
		Uploads:      uploadMgr,
		Measurements: registry,
		Pricing:      catalog,
		Hub:          hub,
		Logger:       logger,

		PNGLevel:           cfg.PNGLevel(),
		ThumbnailMaxPixels: cfg.Rendering.ThumbnailMaxPixels,
		RenderTimeout:      cfg.RenderTimeout(),
		AllowPlanDeletion:  cfg.Security.AllowPlanDeletion,
		AllowedFileTypes:   cfg.FileTypes(),
		Version:            Version,
	})

	// Background cleanup of idle documents and finished upload jobs
	stopCleanup := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sessionMgr.CleanupOldSessions(cfg.SessionTimeout())
				uploadMgr.CleanupOldJobs(cfg.UploadJobMaxAge())
			case <-stopCleanup:
				return
			}
		}
	}()

	e := echo.New()
	e.HideBanner = true

	// Configure middleware
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool {
			if !cfg.Advanced.EnableRequestLogging {
				return true
			}
			path := c.Request().URL.Path
			return strings.HasSuffix(path, "/thumbnail") ||
				path == "/api/health" ||
				path == "/health"
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize:         1024 * 4,
		DisablePrintStack: false,
		LogLevel:          0,
	}))

	e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			// Page renders carry their own deadline.
			return strings.Contains(path, "/upload") ||
				strings.Contains(path, "/pages/") ||
				strings.HasPrefix(path, "/api/ws/")
		},
		ErrorMessage: "Request timeout - operation took too long",
	}))

	// Rendered PNGs are already deflated.
	if cfg.Processing.EnableCompression {
		e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
			Level: cfg.Processing.CompressionLevel,
			Skipper: func(c echo.Context) bool {
				path := c.Request().URL.Path
				return strings.Contains(path, "/pages/") || strings.HasPrefix(path, "/api/ws/")
			},
		}))
	}

	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

	if cfg.Server.EnableCORS {
		origins := strings.Split(cfg.Server.AllowOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		if len(origins) == 0 || (len(origins) == 1 && origins[0] == "") {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:  origins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowHeaders:  []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
			ExposeHeaders: []string{api.HeaderRenderQuality, api.HeaderRenderPending, api.HeaderRenderZoom, api.HeaderRenderRotate},
		}))
	}

	api.SetupMiddleware(e)
	api.RegisterRoutes(e, handlers)
	api.RegisterWebSocketRoutes(e, handlers)

	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           Plan Takeoff Server                             ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    http://%-38s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Database:  %-46s║\n", cfg.Storage.DatabasePath)
	fmt.Printf("║  Plans Dir: %-46s║\n", cfg.Storage.UploadsDirectory)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")

	go func() {
		if err := e.StartServer(s); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	close(stopCleanup)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	uploadMgr.Wait()
	sessionMgr.CloseAll()
	if err := duck.Close(); err != nil {
		logger.Error("closing database", "error", err)
	}
}
