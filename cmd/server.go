package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/courtkeeper/internal/config"
	"github.com/example/courtkeeper/internal/credential"
	"github.com/example/courtkeeper/internal/crypto"
	"github.com/example/courtkeeper/internal/gateway"
	"github.com/example/courtkeeper/internal/journal"
	"github.com/example/courtkeeper/internal/keeper"
	"github.com/example/courtkeeper/internal/login"
	"github.com/example/courtkeeper/internal/notify"
	"github.com/example/courtkeeper/internal/store"
	"github.com/example/courtkeeper/internal/task"
	"github.com/example/courtkeeper/internal/web"
)

func newServerCmd() *cobra.Command {
	var configPath string
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the booking engine and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.RequireWebKeys(); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			journ := journal.New()
			log := slog.New(journal.NewHandler(
				slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}),
				journ,
			))

			creds := credential.NewStore()
			var sealer *crypto.AEAD
			if len(cfg.SnapshotKey) > 0 {
				if sealer, err = crypto.New(cfg.SnapshotKey); err != nil {
					return fmt.Errorf("SNAPSHOT_KEY: %w", err)
				}
				n, err := creds.LoadSnapshot(cfg.SnapshotPath, sealer)
				if err != nil {
					return fmt.Errorf("load snapshot: %w", err)
				}
				if n > 0 {
					log.Info("credential snapshot restored", "accounts", n)
				}
			}

			var recorder keeper.Recorder
			if cfg.DatabaseURL != "" {
				d, err := store.Open(ctx, cfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer d.Close()
				if err := d.Ping(ctx); err != nil {
					return fmt.Errorf("db ping: %w", err)
				}
				if migrateUp {
					if err := store.Migrate(ctx, d); err != nil {
						return err
					}
				}
				rec := store.NewRecorder(d)
				interrupted, err := rec.MarkInterrupted(ctx)
				if err != nil {
					return fmt.Errorf("mark interrupted tasks: %w", err)
				}
				if interrupted > 0 {
					log.Warn("tasks from the previous run marked stopped", "count", interrupted)
				}
				recorder = rec
			}

			coordinator := login.NewCoordinator(&login.ExecProvider{Command: cfg.LoginCommand}, creds, log)
			coordinator.Timeout = cfg.Timing.LoginTimeout

			gw := gateway.New(gateway.Config{
				BaseURL:   cfg.GatewayBaseURL,
				Timeout:   cfg.GatewayTimeout,
				ProjectID: cfg.ProjectID,
				StadiumID: cfg.StadiumID,
			})

			registry := task.NewRegistry()
			engine := keeper.New(creds, coordinator, gw, registry, recorder,
				&notify.LogNotifier{Log: log}, log, cfg.Timing)

			if sealer != nil {
				go snapshotLoop(ctx, creds, cfg.SnapshotPath, sealer, log)
			}

			ws := &web.Server{
				Engine:   engine,
				Auth:     coordinator,
				Gateway:  gw,
				Creds:    creds,
				Journal:  journ,
				Sessions: web.NewSessions(cfg.CookieHashKey, cfg.CookieBlockKey),
				Log:      log,
			}
			log.Info("listening", "addr", cfg.ListenAddr)
			return web.Start(ctx, cfg.ListenAddr, ws.Routes())
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	return cmd
}

// snapshotLoop persists the credential store periodically and once more at
// shutdown, so a restart can resume without forcing every account through
// the portal again.
func snapshotLoop(ctx context.Context, creds *credential.Store, path string, sealer *crypto.AEAD, log *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := creds.SaveSnapshot(path, sealer); err != nil {
				log.Error("final snapshot save failed", "error", err)
			}
			return
		case <-ticker.C:
			if err := creds.SaveSnapshot(path, sealer); err != nil {
				log.Warn("snapshot save failed", "error", err)
			}
		}
	}
}
