package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/atvirokodosprendimai/devforge/internal/config"
	"github.com/atvirokodosprendimai/devforge/internal/db"
	"github.com/atvirokodosprendimai/devforge/internal/logging"
	"github.com/atvirokodosprendimai/devforge/internal/mesh"
	"github.com/atvirokodosprendimai/devforge/internal/messaging"
	"github.com/atvirokodosprendimai/devforge/internal/metrics"
	"github.com/atvirokodosprendimai/devforge/internal/provider/hetzner"
	"github.com/atvirokodosprendimai/devforge/internal/server/accounts"
	"github.com/atvirokodosprendimai/devforge/internal/server/health"
	"github.com/atvirokodosprendimai/devforge/internal/server/httpapi"
	"github.com/atvirokodosprendimai/devforge/internal/server/orchestrator"
	"github.com/atvirokodosprendimai/devforge/internal/vault"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "devforge-server",
		Usage: "Control plane that provisions cloud dev servers running AI coding agents.",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the API server, embedded NATS and the health monitor",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Usage: "Optional YAML config file", Sources: cli.EnvVars("DEVFORGE_CONFIG")},
					&cli.StringFlag{Name: "http-addr", Value: "0.0.0.0:8080", Usage: "HTTP server bind address", Sources: cli.EnvVars("DEVFORGE_HTTP_ADDR")},
					&cli.StringFlag{Name: "db-path", Value: "devforge.db", Usage: "Path to the SQLite database file", Sources: cli.EnvVars("DEVFORGE_DB_PATH")},
					&cli.StringFlag{Name: "nats-addr", Value: "127.0.0.1:4222", Usage: "Embedded NATS bind address (host:port)", Sources: cli.EnvVars("DEVFORGE_NATS_ADDR")},
					&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn or error", Sources: cli.EnvVars("DEVFORGE_LOG_LEVEL")},
					&cli.BoolFlag{Name: "dev", Usage: "Human readable development logging"},
					&cli.StringFlag{Name: "encryption-key", Usage: "64 hex character secretbox key", Sources: cli.EnvVars("DEVFORGE_ENCRYPTION_KEY")},
					&cli.StringFlag{Name: "provider-base-url", Value: hetzner.DefaultBaseURL, Usage: "Cloud provider API base URL", Sources: cli.EnvVars("DEVFORGE_PROVIDER_BASE_URL")},
					&cli.StringFlag{Name: "mesh-base-url", Value: mesh.DefaultBaseURL, Usage: "Mesh VPN API base URL", Sources: cli.EnvVars("DEVFORGE_MESH_BASE_URL")},
					&cli.DurationFlag{Name: "poll-delay", Value: 30 * time.Second, Usage: "Delay between readiness checks"},
					&cli.DurationFlag{Name: "health-interval", Value: 5 * time.Minute, Usage: "Interval between health sweeps"},
					&cli.BoolFlag{Name: "restrict-management", Usage: "Firewall the management port to the mesh interface"},
				},
				Action: runServer,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig starts from defaults or the config file; flags that were set
// explicitly win.
func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg := config.Default()
	if path := cmd.Value("config").(string); path != "" {
		var err error
		if cfg, err = config.LoadFile(path); err != nil {
			return config.Config{}, err
		}
	}
	set := func(name string, apply func()) {
		if cmd.IsSet(name) {
			apply()
		}
	}
	set("http-addr", func() { cfg.HTTPAddr = cmd.Value("http-addr").(string) })
	set("db-path", func() { cfg.DBPath = cmd.Value("db-path").(string) })
	set("nats-addr", func() { cfg.NATSAddr = cmd.Value("nats-addr").(string) })
	set("log-level", func() { cfg.LogLevel = cmd.Value("log-level").(string) })
	set("encryption-key", func() { cfg.EncryptionKey = cmd.Value("encryption-key").(string) })
	set("provider-base-url", func() { cfg.ProviderBaseURL = cmd.Value("provider-base-url").(string) })
	set("mesh-base-url", func() { cfg.MeshBaseURL = cmd.Value("mesh-base-url").(string) })
	set("poll-delay", func() { cfg.PollDelay = cmd.Value("poll-delay").(time.Duration) })
	set("health-interval", func() { cfg.HealthInterval = cmd.Value("health-interval").(time.Duration) })
	set("restrict-management", func() { cfg.RestrictManagement = cmd.Value("restrict-management").(bool) })
	return cfg, cfg.Validate()
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cmd.Value("dev").(bool))
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info("Starting devforge server...")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Initialize Database
	gormDB, err := db.NewDatabase(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	store := db.NewStore(gormDB)
	v := vault.New(cfg.EncryptionKey)
	if cfg.EncryptionKey == "" {
		logger.Warn("No encryption key configured; storing or reading secrets will fail")
	}

	// 2. Start Embedded NATS Server
	natsHost, natsPort, err := net.SplitHostPort(cfg.NATSAddr)
	if err != nil {
		return fmt.Errorf("invalid nats-addr format: %w", err)
	}
	natsPortInt, err := strconv.Atoi(natsPort)
	if err != nil {
		return fmt.Errorf("invalid nats-addr port: %w", err)
	}
	ns, err := server.NewServer(&server.Options{Host: natsHost, Port: natsPortInt, NoSigs: true})
	if err != nil {
		return fmt.Errorf("could not start embedded NATS server: %w", err)
	}
	go ns.Start()
	defer ns.Shutdown()
	if !ns.ReadyForConnections(4 * time.Second) {
		return fmt.Errorf("embedded NATS server did not become ready")
	}
	logger.Infow("Embedded NATS server started", "addr", cfg.NATSAddr)

	// 3. Connect to our own embedded NATS
	nc, err := messaging.Connect(ns.ClientURL(), "devforge-server", logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()
	scheduler := messaging.NewScheduler(nc, logger)
	defer scheduler.Stop()

	// 4. Wire the orchestrator
	m := metrics.New()
	httpClient := &http.Client{Timeout: 60 * time.Second}
	orch := orchestrator.New(orchestrator.Deps{
		Store:      store,
		Vault:      v,
		Provider:   hetzner.NewClient(cfg.ProviderBaseURL, httpClient),
		Mesh:       mesh.NewClient(cfg.MeshBaseURL, httpClient),
		Scheduler:  scheduler,
		Events:     messaging.NewEvents(nc, logger),
		Metrics:    m,
		Config:     cfg,
		Logger:     logger,
		HTTPClient: &http.Client{},
	})

	// 5. Subscribe to readiness polls
	if _, err := messaging.SubscribePoll(ctx, nc, logger, orch.HandlePoll); err != nil {
		return fmt.Errorf("failed to subscribe to readiness polls: %w", err)
	}
	resumed, err := orch.Resume(ctx)
	if err != nil {
		return fmt.Errorf("failed to resume readiness polls: %w", err)
	}
	logger.Infow("Resumed readiness polls", "count", resumed)

	// 6. Start the health monitor
	monitor := health.NewService(store, v, cfg, m, logger)
	monitor.Start()
	defer monitor.Stop()

	// 7. Start Chi HTTP Server
	router := httpapi.NewRouter(accounts.NewService(store, v, logger), orch, store, m.Handler(), logger)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Infow("HTTP server listening", "addr", cfg.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("Server stopped.")
	return nil
}
