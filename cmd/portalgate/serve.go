package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rsclarke/portalgate/internal/auth"
	"github.com/rsclarke/portalgate/internal/browser"
	"github.com/rsclarke/portalgate/internal/catalog"
	"github.com/rsclarke/portalgate/internal/config"
	"github.com/rsclarke/portalgate/internal/db"
	"github.com/rsclarke/portalgate/internal/events"
	"github.com/rsclarke/portalgate/internal/gateway"
	"github.com/rsclarke/portalgate/internal/harvest"
	"github.com/rsclarke/portalgate/internal/kvstore"
	"github.com/rsclarke/portalgate/internal/logging"
	"github.com/rsclarke/portalgate/internal/relay"
	"github.com/rsclarke/portalgate/internal/resolve"
	"github.com/rsclarke/portalgate/internal/router"
	"github.com/rsclarke/portalgate/internal/rules"
	"github.com/rsclarke/portalgate/internal/server"
	"github.com/rsclarke/portalgate/internal/session"
)

const (
	storeCacheSize = 64
	storeCacheTTL  = 30 * time.Second
)

var serveFlags struct {
	configPath  string
	dbPath      string
	apiAddr     string
	debuggerURL string
	chromeBin   string
	headless    bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the daemon (browser driver and local API)",
	Long: `Start the daemon. Settings come from defaults, the optional YAML config
file, PORTALGATE_* environment variables and finally the flags below.

An API key is generated and printed on first start.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveFlags.configPath, "config", getEnv("PORTALGATE_CONFIG", "portalgate.yaml"), "path to YAML config file")
	serveCmd.Flags().StringVar(&serveFlags.dbPath, "db", "", "database path (overrides config)")
	serveCmd.Flags().StringVar(&serveFlags.apiAddr, "api-addr", "", "API listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveFlags.debuggerURL, "debugger-url", "", "attach to a running Chrome at this DevTools URL")
	serveCmd.Flags().StringVar(&serveFlags.chromeBin, "chrome", "", "Chrome binary to launch")
	serveCmd.Flags().BoolVar(&serveFlags.headless, "headless", true, "launch Chrome headless")
}

// tabDriver is the browser surface the daemon wires: tabs for the flows and
// host watching for the credential relay.
type tabDriver interface {
	browser.Tabs
	WatchHost(host string, fn browser.HostWatcher)
}

type daemon struct {
	store     *kvstore.Cached
	hub       *events.Hub
	engine    *rules.Engine
	harvester *harvest.Harvester
	activator *session.Activator
	gateway   *gateway.Gateway
	router    *router.Router
	relay     *relay.Relay
	api       *server.APIServer
}

// newDaemon wires every component around an already started browser that
// publishes its navigations on hub.Tabs.
func newDaemon(cfg *config.Config, database *sql.DB, hub *events.Hub, tabs tabDriver, logger *zap.Logger) (*daemon, error) {
	d := &daemon{
		store:  kvstore.NewCached(kvstore.NewSQLite(database), storeCacheSize, storeCacheTTL),
		hub:    hub,
		engine: rules.NewEngine(logger.Named("rules")),
	}

	d.harvester = harvest.New(d.store, tabs, d.hub.Tokens, harvest.Config{
		SourceURL: cfg.Portal.TokenSourceURL,
		Timeout:   cfg.Portal.HarvestTimeout,
		Cooldown:  cfg.Portal.Cooldown,
	}, logger.Named("harvest"))

	apps := catalog.New(d.store, 0)

	var err error
	d.activator, err = session.New(d.store, tabs, apps, d.hub.Tabs, session.Config{
		SSOBaseURL: cfg.Portal.SSOBaseURL,
		AppName:    cfg.Portal.AcademicAppName,
		Pattern:    cfg.Portal.SessionPattern,
		Timeout:    cfg.Portal.ActivateTimeout,
		Cooldown:   cfg.Portal.Cooldown,
		MaxAge:     cfg.Portal.SessionMaxAge,
	}, logger.Named("session"))
	if err != nil {
		return nil, fmt.Errorf("session activator: %w", err)
	}

	var base http.RoundTripper
	resolver := resolve.New(resolve.Config{
		Server:   cfg.DNS.Server,
		Suffixes: cfg.DNS.Suffixes,
		Timeout:  cfg.DNS.Timeout,
	}, logger.Named("resolve"))
	if resolver.Enabled() {
		base = gateway.NewTransport(resolver.DialContext)
	}

	d.gateway, err = gateway.New(d.engine, d.harvester, base, gateway.Config{
		TokenHost:       cfg.Portal.TokenHost,
		TokenMaxAge:     cfg.Portal.TokenMaxAge,
		LegacyOrigin:    cfg.Portal.LegacyOrigin,
		RuleDelay:       cfg.Fetch.RuleDelay,
		Timeout:         cfg.Fetch.Timeout,
		RetryCount:      cfg.Fetch.RetryCount,
		RateLimit:       cfg.Fetch.RateLimit,
		DefaultEncoding: cfg.Fetch.DefaultEncoding,
		UserAgent:       cfg.Fetch.UserAgent,
	}, logger.Named("gateway"))
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	d.gateway.SetCookieSource(tabs)
	d.activator.OnReady(func(ctx context.Context) error {
		n, err := d.gateway.SyncCookies(ctx, tabs)
		if err == nil {
			logger.Debug("cookies synced after activation", zap.Int("cookies", n))
		}
		return err
	})

	d.router = router.New(router.Deps{
		Fetcher:  d.gateway,
		Sessions: d.activator,
		Tokens:   d.harvester,
		Caches:   apps,
		Tabs:     tabs,
		Signal:   d.hub.Tokens,
	}, logger.Named("router"))

	// The relay reports a stored token the same way the portal page script
	// would: a TOKEN_HARVESTED_SUCCESS message from the tab.
	d.relay = relay.New(tabs, d.harvester, func(ctx context.Context, tabID, tabURL string) {
		if _, err := d.router.Dispatch(ctx, router.Message{Type: router.TypeTokenHarvestedSuccess}, router.Sender{TabID: tabID, URL: tabURL}); err != nil {
			logger.Warn("relay dispatch failed", logging.TabID(tabID), zap.Error(err))
		}
	}, relay.Config{
		Interval:    cfg.Portal.RelayInterval,
		MaxAttempts: cfg.Portal.RelayMaxAttempts,
	}, logger.Named("relay"))
	tabs.WatchHost(cfg.Portal.TokenHost, func(ctx context.Context, tabID, tabURL string) {
		if err := d.relay.Watch(ctx, tabID, tabURL); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("relay watch ended", logging.TabID(tabID), zap.Error(err))
		}
	})

	d.api = &server.APIServer{
		DB:     database,
		Router: d.router,
		Rules:  d.engine,
		Logger: logger.Named("api"),
	}
	return d, nil
}

// ensureAPIKey creates the first API key and returns its display form, or
// "" when a key already exists.
func ensureAPIKey(database *sql.DB) (string, error) {
	count, err := db.CountAPIKeys(database)
	if err != nil {
		return "", fmt.Errorf("count API keys: %w", err)
	}
	if count > 0 {
		return "", nil
	}
	key, err := auth.Generate()
	if err != nil {
		return "", fmt.Errorf("generate API key: %w", err)
	}
	if _, err := db.CreateAPIKey(database, key.Prefix, key.Hash); err != nil {
		return "", fmt.Errorf("create API key: %w", err)
	}
	return key.Display, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveFlags.configPath)
	if err != nil {
		return err
	}
	if serveFlags.dbPath != "" {
		cfg.DBPath = serveFlags.dbPath
	}
	if serveFlags.apiAddr != "" {
		cfg.APIAddr = serveFlags.apiAddr
	}
	if serveFlags.debuggerURL != "" {
		cfg.Browser.DebuggerURL = serveFlags.debuggerURL
	}
	if serveFlags.chromeBin != "" {
		cfg.Browser.Bin = serveFlags.chromeBin
	}
	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = serveFlags.headless
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	displayKey, err := ensureAPIKey(database)
	if err != nil {
		return err
	}
	if displayKey != "" {
		fmt.Println("=============================================================")
		fmt.Println("API KEY CREATED (save this, it will not be shown again):")
		fmt.Println(displayKey)
		fmt.Println("=============================================================")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := events.NewHub()
	tabs := browser.New(browser.Config{
		DebuggerURL: cfg.Browser.DebuggerURL,
		Bin:         cfg.Browser.Bin,
		Headless:    cfg.Browser.Headless,
		UserDataDir: cfg.Browser.UserDataDir,
	}, hub.Tabs, logger.Named("browser"))
	if err := tabs.Start(ctx); err != nil {
		return err
	}

	d, err := newDaemon(cfg, database, hub, tabs, logger)
	if err != nil {
		tabs.Shutdown(context.Background())
		return err
	}

	apiServer := server.NewManagedServer("api", server.DefaultServerConfig(cfg.APIAddr, d.api.Handler(), logger.Named("api")))
	if err := apiServer.Start(); err != nil {
		tabs.Shutdown(context.Background())
		return err
	}

	select {
	case <-ctx.Done():
	case err := <-apiServer.Done():
		if err != nil {
			logger.Error("api server error", zap.Error(err))
		}
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	apiServer.Shutdown(shutdownCtx)
	tabs.Shutdown(shutdownCtx)
	return nil
}
