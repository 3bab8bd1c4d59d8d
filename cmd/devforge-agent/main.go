package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atvirokodosprendimai/devforge/internal/agent/api"
	"github.com/atvirokodosprendimai/devforge/internal/agent/host"
	"github.com/atvirokodosprendimai/devforge/internal/logging"
	"github.com/atvirokodosprendimai/devforge/internal/spec"
	"github.com/atvirokodosprendimai/devforge/internal/units"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "devforge-agent",
		Usage: "Management API running on every provisioned devforge server.",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Serve the management API",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "listen", Value: fmt.Sprintf("0.0.0.0:%d", spec.ManagementPort), Usage: "Bind address"},
					&cli.StringFlag{Name: "user", Value: spec.DefaultUsername, Usage: "OS user owning the agent units"},
					&cli.StringFlag{Name: "credentials-file", Usage: "Env file holding the shared login (defaults to ~user/.env)"},
					&cli.StringFlag{Name: "ports", Usage: "Port assignment, e.g. terminal=4099,management=4098,codex=4100"},
					&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn or error"},
				},
				Action: runAgent,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func runAgent(ctx context.Context, cmd *cli.Command) error {
	logger, err := logging.New(cmd.Value("log-level").(string), false)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info("Starting devforge agent...")

	ports, err := units.ParsePorts(cmd.Value("ports").(string))
	if err != nil {
		return fmt.Errorf("invalid ports: %w", err)
	}
	h := host.NewClient(host.Config{
		Username:        cmd.Value("user").(string),
		CredentialsFile: cmd.Value("credentials-file").(string),
		Ports:           ports,
	}, logger)

	// The shared password doubles as the bearer token.
	creds, err := h.Credentials()
	if err != nil {
		return fmt.Errorf("failed to read credentials: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := cmd.Value("listen").(string)
	srv := &http.Server{Addr: addr, Handler: api.NewHandler(h, creds.Password, logger)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Infow("Management API listening", "addr", addr, "user", creds.Username)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
