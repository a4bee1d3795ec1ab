package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/conductor/ai"
	"github.com/conductor-dev/conductor/internal/conductor/cifix"
	"github.com/conductor-dev/conductor/internal/conductor/dispatch"
	"github.com/conductor-dev/conductor/internal/conductor/github"
	"github.com/conductor-dev/conductor/internal/conductor/issueflow"
	"github.com/conductor-dev/conductor/internal/conductor/mergegate"
	"github.com/conductor-dev/conductor/internal/conductor/orchestrator"
	"github.com/conductor-dev/conductor/internal/conductor/repocontext"
	"github.com/conductor-dev/conductor/internal/conductor/review"
	"github.com/conductor-dev/conductor/internal/conductor/server"
	"github.com/conductor-dev/conductor/internal/conductor/store"
	"github.com/conductor-dev/conductor/internal/conductor/token"
	"github.com/conductor-dev/conductor/internal/conductor/webhook"
	"github.com/conductor-dev/conductor/internal/config"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var maxWorkers int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, maxWorkers)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "conductor.yaml", "path to the config file")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 4, "maximum concurrent event handlers")
	return cmd
}

func runServe(configPath string, maxWorkers int) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Durable state.
	storePath := cfg.Store.Path
	if storePath == "" {
		storePath, err = store.DefaultPath()
		if err != nil {
			return err
		}
	}
	st, err := store.Open(storePath)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	// GitHub App credentials and client.
	broker, err := token.New(token.Config{
		ClientID:       cfg.Github.App.ClientID,
		InstallationID: cfg.Github.App.InstallationID,
		PrivateKeyPath: cfg.Github.App.PrivateKeyPath,
		BaseURL:        cfg.Github.APIURL,
	})
	if err != nil {
		return fmt.Errorf("creating credential broker: %w", err)
	}
	host, err := github.New(github.Config{
		Owner:   cfg.Github.Owner,
		Repo:    cfg.Github.Repo,
		Tokens:  broker,
		BaseURL: cfg.Github.APIURL,
	})
	if err != nil {
		return fmt.Errorf("creating github client: %w", err)
	}

	// AI collaborator.
	planner := ai.New(&ai.CommandInvoker{
		Command: cfg.AI.Command,
		Timeout: cfg.AI.Timeout(),
	}, "")

	contexts := repocontext.New(host, cfg.Context.Include, cfg.Context.Exclude, cfg.Context.MaxFiles, logger)

	// Workflow handlers.
	issues := issueflow.New(issueflow.Config{
		Store:      st,
		Host:       host,
		Planner:    planner,
		Contexts:   contexts,
		Owner:      cfg.Github.Owner,
		Repo:       cfg.Github.Repo,
		BaseBranch: cfg.Github.BaseBranch,
		Logger:     logger,
	})
	fixes := cifix.New(cifix.Config{
		Store:       st,
		Host:        host,
		Fixer:       planner,
		MaxAttempts: cfg.Fix.Attempts(),
		Maintainer:  cfg.Github.Maintainer,
		Logger:      logger,
	})
	reviews := review.New(review.Config{
		Store:     st,
		Host:      host,
		Responder: planner,
		Logger:    logger,
	})
	gate := mergegate.New(mergegate.Config{Store: st, Host: host, Logger: logger})

	dispatcher := dispatch.New(dispatch.Config{MaxWorkers: maxWorkers, Logger: logger})
	router := orchestrator.New(orchestrator.Config{
		Dispatcher: dispatcher,
		Issues:     issues,
		CIFix:      orchestrator.FixApprovals{Handler: fixes},
		Review:     reviews,
		MergeGate:  gate,
		Logger:     logger,
	})

	// Real-time transition feed.
	hub := server.NewHub(logger)
	st.OnActivity(func(e store.ActivityEntry) {
		hub.Broadcast(server.MsgTransition, server.Transition{
			EntityKey: e.EntityKey,
			Event:     e.EventType,
			From:      e.FromStatus,
			To:        e.ToStatus,
			Detail:    e.Detail,
		})
	})

	srv, err := server.New(cfg.Listen, server.Config{
		Gateway: webhook.New(cfg.Github.WebhookSecret),
		Store:   st,
		Hub:     hub,
		Logger:  logger,
		Route: func(ev webhook.Event) {
			router.Route(ctx, ev)
		},
	})
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	logger.Info("conductor serving",
		"addr", srv.Addr(),
		"repo", cfg.Github.Owner+"/"+cfg.Github.Repo,
		"base", cfg.Github.BaseBranch)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down, draining handlers")
		srv.Close()
		dispatcher.Wait()
		return nil
	case err := <-serveErr:
		return fmt.Errorf("server stopped: %w", err)
	}
}
