// Command deskmate runs the Slack workspace assistant: Socket Mode
// event loop, streaming generation, ticket filing and channel
// monitoring, backed by a local Pebble store.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"deskmate/internal/bot"
	"deskmate/internal/config"
	"deskmate/internal/convo"
	"deskmate/internal/kv"
	"deskmate/internal/llm"
	"deskmate/internal/metrics"
	"deskmate/internal/monitor"
	"deskmate/internal/tracker"
	"deskmate/internal/triggers"
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "deskmate",
		Short: "Slack workspace assistant with streaming LLM replies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "deskmate.yaml", "path to config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// .env is optional, real env always wins.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logCfg := zap.NewProductionConfig()
	if verbose {
		logCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	log, err := logCfg.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	db, err := kv.Open(cfg.Storage.Path, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = db.Close() }()

	gen, err := llm.New(llm.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
		Timeout:  cfg.GetLLMTimeout(),
	}, log)
	if err != nil {
		return fmt.Errorf("creating llm client: %w", err)
	}
	log.Info("llm client ready",
		zap.String("provider", cfg.LLM.Provider),
		zap.String("model", gen.Model()))

	var seeds *triggers.SeedWatcher
	if cfg.Features.TriggerSeeds != "" {
		seeds, err = triggers.NewSeedWatcher(cfg.Features.TriggerSeeds, log)
		if err != nil {
			return fmt.Errorf("loading trigger seeds: %w", err)
		}
	}

	apiOpts := []slack.Option{
		slack.OptionAppLevelToken(cfg.Slack.AppToken),
	}
	if cfg.Slack.Debug {
		apiOpts = append(apiOpts, slack.OptionDebug(true))
	}
	api := slack.New(cfg.Slack.BotToken, apiOpts...)
	socket := socketmode.New(api)

	mets := metrics.New()
	b := bot.New(bot.Deps{
		API:    api,
		Socket: socket,
		Convo: convo.NewStore(db, log, convo.Options{
			HistoryCap: cfg.Convo.HistoryCap,
			AnchorTTL:  cfg.GetAnchorTTL(),
			ViewedTTL:  cfg.GetViewedTTL(),
		}),
		Triggers: triggers.NewStore(db, seeds, log),
		Monitor:  monitor.NewStore(db, log),
		Tracker: tracker.NewClient(db, tracker.Config{
			BaseURL:        cfg.Jira.BaseURL,
			Email:          cfg.Jira.Email,
			APIToken:       cfg.Jira.APIToken,
			DefaultProject: cfg.Jira.ProjectKey,
		}, log),
		LLM:     gen,
		Metrics: mets,
		Config:  cfg,
		Log:     log,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(ctx) })
	if cfg.Health.Addr != "" {
		g.Go(func() error { return mets.Serve(ctx, cfg.Health.Addr, log) })
	}
	if seeds != nil {
		g.Go(func() error { return seeds.Watch(ctx) })
	}

	log.Info("deskmate started", zap.String("name", cfg.Name))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("deskmate stopped")
	return nil
}
