// Command talaria is a single long-running daemon: it loads its
// configuration, opens persistent storage, wires the registry client,
// git driver, scan orchestrator, and webhook reconciler together, then
// runs the scheduler loop and the HTTP server until SIGINT/SIGTERM. There
// is no subcommand dispatch: this process does one job.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haondt/talaria/internal/api"
	"github.com/haondt/talaria/internal/config"
	"github.com/haondt/talaria/internal/events"
	"github.com/haondt/talaria/internal/gitdriver"
	"github.com/haondt/talaria/internal/imageref"
	"github.com/haondt/talaria/internal/logging"
	"github.com/haondt/talaria/internal/orchestrator"
	"github.com/haondt/talaria/internal/registry"
	"github.com/haondt/talaria/internal/store"
	"github.com/haondt/talaria/internal/updater"
	"github.com/haondt/talaria/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		logging.Default().Error("fatal: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := logging.New()
	logger.SetLevel(logging.ParseLevel(os.Getenv("LOG_LEVEL")))
	logger.SetJSON(os.Getenv("LOG_FORMAT") == "json")
	logging.SetDefault(logger)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if cfg.HasRegistryCredentials() {
		if err := registry.WriteAuthFile(cfg.DockerAuthFile, "docker.io", cfg.DockerUsername, cfg.DockerPassword); err != nil {
			return fmt.Errorf("writing registry auth file: %w", err)
		}
	}

	authFile := ""
	if cfg.HasRegistryCredentials() {
		authFile = cfg.DockerAuthFile
	}
	runner := registry.NewSkopeoRunner("skopeo", authFile)
	client := registry.NewSkopeoClient(runner, st, cfg.SkopeoCacheDuration, cfg.SkopeoCacheVariance)
	parser := imageref.NewParser(cfg.ValidReleases)
	upd := updater.New(client, parser)

	git := &gitdriver.Driver{
		RepoPath:  cfg.GitRepoPath,
		RepoURL:   cfg.GitRepoURL,
		Branch:    cfg.GitBranch,
		AuthToken: cfg.GitAuthToken,
		UserName:  cfg.GitUserName,
		UserEmail: cfg.GitUserEmail,
	}

	bus := events.NewBus()
	orch := orchestrator.New(st, git, parser, upd, bus, cfg.UpdateDelay, cfg.ComposeFilePattern, cfg.GitRepoPath, cfg.MaxConcurrentPushes, cfg.LegacyAliasesEnabled)
	reconciler := webhook.New(st)

	server := api.NewServer(api.Config{
		Port:          cfg.ServerPort,
		Orchestrator:  orch,
		Store:         st,
		Webhook:       reconciler,
		Bus:           bus,
		WebhookAPIKey: cfg.WebhookAPIKey,
		StaticDir:     os.Getenv("TL_STATIC_DIR"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go orch.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logging.Default().Info("talaria running on port %d", cfg.ServerPort)

	select {
	case <-ctx.Done():
		logging.Default().Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}

	logging.Default().Info("talaria stopped")
	return nil
}
