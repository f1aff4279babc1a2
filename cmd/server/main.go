package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/urfave/cli/v3"

	"github.com/mrs-uploader/backend/internal/api"
	"github.com/mrs-uploader/backend/internal/config"
	"github.com/mrs-uploader/backend/internal/history"
	"github.com/mrs-uploader/backend/internal/session"
	"github.com/mrs-uploader/backend/internal/staging"
	"github.com/mrs-uploader/backend/internal/web"
	"github.com/mrs-uploader/backend/internal/xnat"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})

	app := &cli.Command{
		Name:    "mrs-uploader",
		Usage:   "Local web app for bulk upload of Siemens MRS raw data to XNAT",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Address to bind",
				Value: "127.0.0.1",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
				Value: 5055,
			},
			&cli.StringFlag{
				Name:  "base-url",
				Usage: "XNAT base URL, e.g. https://xnat.example.org",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
			&cli.BoolFlag{
				Name:  "no-browser",
				Usage: "Do not open the browser on startup",
			},
			&cli.IntFlag{
				Name:  "idle-shutdown-seconds",
				Usage: "Exit after this many seconds without requests (0 disables)",
				Value: 600,
			},
			&cli.BoolFlag{
				Name:  "test",
				Usage: "Start, verify wiring, and exit",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Bool("debug") {
				logger.SetLevel(log.DebugLevel)
			}
			return runServer(ctx, cmd, logger)
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		logger.Fatalf("application error: %v", err)
	}
}

func runServer(ctx context.Context, cmd *cli.Command, logger *log.Logger) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	stagedMaxAge := time.Duration(cfg.Storage.StagedFileMaxAgeHours) * time.Hour

	store, err := staging.NewLocalStore(cfg.Storage.StageDirectory)
	if err != nil {
		return fmt.Errorf("stage directory: %w", err)
	}
	if removed := store.CleanupOlderThan(stagedMaxAge); removed > 0 {
		logger.Info("removed orphaned staged files", "count", removed)
	}

	snapshots, err := session.NewSnapshotStore(cfg.Storage.SnapshotFile)
	if err != nil {
		return fmt.Errorf("session snapshot: %w", err)
	}
	sessions := session.NewManager(
		time.Duration(cfg.Session.MaxAgeMinutes)*time.Minute, snapshots)
	sessions.OnEvict = func(state *session.State) {
		for _, staged := range state.Staged {
			store.Delete(staged.Token)
		}
	}

	hist, err := history.Open(cfg.Storage.HistoryFile)
	if err != nil {
		return fmt.Errorf("history store: %w", err)
	}
	defer hist.Close()

	retention := time.Duration(cfg.Advanced.HistoryRetentionDays) * 24 * time.Hour
	if pruned, err := hist.Prune(ctx, retention); err != nil {
		logger.Warn("history prune failed", "error", err)
	} else if pruned > 0 {
		logger.Info("pruned old history records", "count", pruned)
	}

	hub := api.NewProgressHub()

	shutdownToken := os.Getenv("MRS_UPLOADER_SECRET")
	if shutdownToken == "" {
		shutdownToken = uuid.New().String()
	}

	shutdownCh := make(chan struct{}, 1)
	requestShutdown := func() {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	}

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	touch := func() { lastActivity.Store(time.Now().UnixNano()) }

	deps := &api.Dependencies{
		Staging:  store,
		Sessions: sessions,
		History:  hist,
		Progress: hub,
		Logger:   logger,
		Version:  Version,
		NewClient: func() *xnat.Client {
			return xnat.NewClient(xnat.Options{
				BaseURL: cfg.XNAT.BaseURL,
				Timeout: time.Duration(cfg.XNAT.TimeoutSeconds) * time.Second,
				Retries: cfg.XNAT.Retries,
				Backoff: cfg.XNAT.RetryBackoff,
			})
		},
		ShutdownToken:   shutdownToken,
		RequestShutdown: requestShutdown,
	}

	e := newEcho(cfg, logger, touch)
	api.RegisterRoutes(e, api.NewHandlers(deps))
	if web.HasEmbeddedFiles() {
		if err := web.RegisterStaticRoutes(e); err != nil {
			return fmt.Errorf("static routes: %w", err)
		}
	} else {
		logger.Warn("frontend assets not embedded, only the API is served")
	}

	if cfg.Server.BindAddress != "127.0.0.1" && cfg.Server.BindAddress != "localhost" {
		logger.Warn("binding to a non-loopback address exposes the uploader to the network",
			"addr", cfg.Server.BindAddress)
	}

	srv := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	stopTickers := make(chan struct{})
	defer close(stopTickers)
	go cleanupLoop(cfg, sessions, store, stagedMaxAge, logger, stopTickers)

	idleSeconds := cmd.Int("idle-shutdown-seconds")
	if idleSeconds > 0 {
		go idleWatchdog(time.Duration(idleSeconds)*time.Second, &lastActivity, hub, requestShutdown, logger, stopTickers)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", "http://"+srv.Addr, "xnat", cfg.XNAT.BaseURL)
		serveErr <- e.StartServer(srv)
	}()

	if cmd.Bool("test") {
		// Wiring check only: give the listener a moment, then stop.
		time.Sleep(200 * time.Millisecond)
		logger.Info("self-test complete")
		requestShutdown()
	} else if !cmd.Bool("no-browser") {
		url := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
		if err := openBrowser(url); err != nil {
			logger.Warn("could not open browser", "error", err, "url", url)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case s := <-sig:
		logger.Info("signal received, shutting down", "signal", s)
	case <-shutdownCh:
		logger.Info("shutdown requested")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// loadConfig resolves the config path from the flag or the executable
// directory and applies flag overrides on top of the file.
func loadConfig(cmd *cli.Command) (*config.AppConfig, error) {
	configPath := cmd.String("config")
	if configPath == "" {
		exePath, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("executable path: %w", err)
		}
		configPath = filepath.Join(filepath.Dir(exePath), "mrs-uploader.yaml")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if cmd.IsSet("host") {
		cfg.Server.BindAddress = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = int(cmd.Int("port"))
	}
	if base := cmd.String("base-url"); base != "" {
		cfg.XNAT.BaseURL = base
	}
	cfg.XNAT.BaseURL = strings.TrimRight(cfg.XNAT.BaseURL, "/")
	if cfg.XNAT.BaseURL == "" {
		return nil, fmt.Errorf("no XNAT base URL configured, pass --base-url or set XNAT_BASE_URL")
	}
	return cfg, nil
}

func newEcho(cfg *config.AppConfig, logger *log.Logger, touch func()) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = api.ErrorHandler

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool {
			if !cfg.Advanced.EnableRequestLogging {
				return true
			}
			path := c.Request().URL.Path
			return path == "/healthz" || strings.HasPrefix(path, "/ws/")
		},
	}))
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
	}))

	e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		Skipper: func(c echo.Context) bool {
			// Uploads run as long as the archive needs; the websocket
			// stays open for the whole session.
			path := c.Request().URL.Path
			return path == "/api/upload" || strings.HasPrefix(path, "/ws/")
		},
		ErrorMessage: "request timed out",
	}))

	// The packaged frontend is same-origin; CORS covers a dev frontend
	// served from its own port.
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{
			"http://localhost:5173", "http://127.0.0.1:5173",
			"http://localhost:3000", "http://127.0.0.1:3000",
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		AllowCredentials: true,
	}))

	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))
	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Skipper: func(c echo.Context) bool {
			return strings.HasPrefix(c.Request().URL.Path, "/ws/")
		},
	}))
	e.Use(api.NoCache)
	e.Use(api.Activity(touch))

	return e
}

// cleanupLoop expires idle sessions and sweeps orphaned staged files.
func cleanupLoop(cfg *config.AppConfig, sessions *session.Manager, store staging.Store,
	stagedMaxAge time.Duration, logger *log.Logger, stop <-chan struct{}) {

	interval := time.Duration(cfg.Session.CleanupIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, state := range sessions.CleanupExpired() {
				for _, staged := range state.Staged {
					store.Delete(staged.Token)
				}
				logger.Info("expired session", "user", state.Username)
			}
			if removed := store.CleanupOlderThan(stagedMaxAge); removed > 0 {
				logger.Info("removed orphaned staged files", "count", removed)
			}
		}
	}
}

// idleWatchdog shuts the server down after a quiet period, so a closed
// browser tab does not leave the process running forever. An open
// progress websocket counts as activity.
func idleWatchdog(idle time.Duration, lastActivity *atomic.Int64, hub *api.ProgressHub,
	requestShutdown func(), logger *log.Logger, stop <-chan struct{}) {

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if hub.Subscribers() > 0 {
				continue
			}
			elapsed := time.Since(time.Unix(0, lastActivity.Load()))
			if elapsed >= idle {
				logger.Info("idle timeout reached, shutting down", "idle", elapsed.Round(time.Second))
				requestShutdown()
				return
			}
		}
	}
}
