package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lorenzotomasdiez/roundtable/internal/api"
	"github.com/lorenzotomasdiez/roundtable/internal/config"
	"github.com/lorenzotomasdiez/roundtable/internal/events"
	"github.com/lorenzotomasdiez/roundtable/internal/observability"
	"github.com/lorenzotomasdiez/roundtable/internal/simulation"
	"github.com/lorenzotomasdiez/roundtable/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the roundtable HTTP API",
		Long:  "Serves sessions, conversations, insights and takeaways over HTTP. Uses Postgres when ROUNDTABLE_DATABASE_URL is set and publishes events to NATS when ROUNDTABLE_NATS_URL is set.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := observability.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := newBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("creating %s backend: %w", cfg.Backend, err)
	}
	prompts, err := loadPrompts(cfg.Tuning)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var pub events.Publisher = events.Noop{}
	if cfg.NATSURL != "" {
		np, err := events.NewNATSPublisher(ctx, cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		log.Info("publishing events to nats", "url", cfg.NATSURL)
		pub = np
	}
	defer pub.Close()

	svc := simulation.New(simulation.Options{
		Generator: b.gen,
		Prompts:   prompts,
		Store:     st,
		Publisher: pub,
		Tuning:    cfg.Tuning,
		Model:     cfg.Model,
	})

	srvErr := api.NewServer(svc, cfg.Port).Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error("conversations did not stop in time", "error", err)
	}
	return srvErr
}

// openStore returns a migrated Postgres store when a database URL is
// configured and an in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	log := observability.Logger()
	if cfg.DatabaseURL == "" {
		log.Info("using in-memory store")
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	log.Info("using postgres store")
	return pg, nil
}
