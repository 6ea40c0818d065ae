package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/porter/internal/assistant"
	"github.com/zulandar/porter/internal/command"
	"github.com/zulandar/porter/internal/config"
	"github.com/zulandar/porter/internal/db"
	"github.com/zulandar/porter/internal/lock"
	"github.com/zulandar/porter/internal/ops"
	"github.com/zulandar/porter/internal/orchestrator"
	"github.com/zulandar/porter/internal/relay"
	"github.com/zulandar/porter/internal/session"
	"github.com/zulandar/porter/internal/surface"
	discordadapter "github.com/zulandar/porter/internal/surface/discord"
	githubadapter "github.com/zulandar/porter/internal/surface/github"
	slackadapter "github.com/zulandar/porter/internal/surface/slack"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Porter daemon",
		Long:  "Connects the configured platforms, listens for commands, and routes them to assistant sessions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "porter.yaml", "path to Porter config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(dbSettings(cfg))
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	sessions, err := session.NewStore(gormDB)
	if err != nil {
		return err
	}
	templates, err := command.NewStore(cfg.CommandsDir)
	if err != nil {
		return err
	}

	engine := &assistant.ClaudeEngine{
		Binary:       cfg.Assistant.Binary,
		SystemPrompt: cfg.Assistant.SystemPrompt,
		RunTimeout:   cfg.RunTimeout(),
	}

	orch, err := orchestrator.New(orchestrator.Opts{
		Locks:          lock.NewManager(cfg.Assistant.MaxConcurrent),
		Sessions:       sessions,
		Templates:      templates,
		Engine:         engine,
		AcquireTimeout: cfg.LockTimeout(),
	})
	if err != nil {
		return err
	}

	adapters, err := buildAdapters(cfg)
	if err != nil {
		return err
	}

	daemon, err := relay.NewDaemon(relay.DaemonOpts{
		Adapters: adapters,
		Handler:  orch,
		Out:      cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	// Ops endpoint and maintenance sweep run alongside the relay.
	go func() {
		err := ops.Start(ctx, ops.ServerOpts{
			Stats:    orch,
			Sessions: sessions,
			Port:     cfg.Ops.Port,
			Out:      cmd.OutOrStdout(),
		})
		if err != nil {
			log.Printf("ops server: %v", err)
		}
	}()

	sweeper, err := ops.StartMaintenance(ops.MaintenanceOpts{
		Sessions: sessions,
		Schedule: cfg.Maintenance.Schedule,
		MaxAge:   time.Duration(cfg.Maintenance.MaxSessionAgeHours) * time.Hour,
	})
	if err != nil {
		return err
	}
	defer sweeper.Stop()

	return daemon.Run(ctx)
}

// dbSettings maps config to db connection settings.
func dbSettings(cfg *config.Config) db.Settings {
	return db.Settings{
		Driver:   cfg.Database.Driver,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		Path:     cfg.Database.Path,
	}
}

// buildAdapters constructs one adapter per configured platform.
func buildAdapters(cfg *config.Config) ([]surface.Adapter, error) {
	var adapters []surface.Adapter

	if cfg.Discord.Token != "" {
		a, err := discordadapter.New(discordadapter.AdapterOpts{
			BotToken: cfg.Discord.Token,
			Channels: cfg.Discord.Channels,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}

	if cfg.Slack.BotToken != "" {
		a, err := slackadapter.New(slackadapter.AdapterOpts{
			AppToken: cfg.Slack.AppToken,
			BotToken: cfg.Slack.BotToken,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}

	if cfg.GitHub.Token != "" {
		var repos []githubadapter.Repo
		for _, r := range cfg.GitHub.Repos {
			repo, err := githubadapter.ParseRepo(r)
			if err != nil {
				return nil, err
			}
			repos = append(repos, repo)
		}
		a, err := githubadapter.New(githubadapter.AdapterOpts{
			Token:        cfg.GitHub.Token,
			Repos:        repos,
			BotLogin:     cfg.GitHub.BotLogin,
			PollInterval: cfg.PollInterval(),
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no platforms configured")
	}
	return adapters, nil
}
