package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/courtkeeper/internal/config"
	"github.com/example/courtkeeper/internal/store"
)

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect persisted task records (non-UI)",
	}
	cmd.AddCommand(newTasksListCmd())
	cmd.AddCommand(newTasksShowCmd())
	return cmd
}

func newTasksShowCmd() *cobra.Command {
	var configPath string

	c := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task record in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is not configured")
			}

			ctx := context.Background()
			d, err := store.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()

			rec, err := store.NewRecorder(d).Get(ctx, args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no task record with id %s", args[0])
			}
			if err != nil {
				return err
			}

			last := "-"
			if rec.LastSuccessAt != nil {
				last = rec.LastSuccessAt.Format(time.RFC3339)
			}
			fmt.Fprintf(os.Stdout, "id:           %s\n", rec.ID)
			fmt.Fprintf(os.Stdout, "account:      %s\n", rec.Account)
			fmt.Fprintf(os.Stdout, "kind:         %s\n", rec.Kind)
			fmt.Fprintf(os.Stdout, "state:        %s\n", rec.State)
			fmt.Fprintf(os.Stdout, "description:  %s\n", rec.Description)
			fmt.Fprintf(os.Stdout, "slot:         %s\n", rec.Resource.String())
			fmt.Fprintf(os.Stdout, "renewals:     %d\n", rec.RenewCount)
			fmt.Fprintf(os.Stdout, "last_success: %s\n", last)
			fmt.Fprintf(os.Stdout, "created_at:   %s\n", rec.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(os.Stdout, "updated_at:   %s\n", rec.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}

	c.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	return c
}

func newTasksListCmd() *cobra.Command {
	var configPath string
	var account string

	c := &cobra.Command{
		Use:   "list",
		Short: "List task records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is not configured")
			}

			ctx := context.Background()
			d, err := store.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()

			recs, err := store.NewRecorder(d).List(ctx, account)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				last := "-"
				if rec.LastSuccessAt != nil {
					last = rec.LastSuccessAt.Format(time.RFC3339)
				}
				fmt.Fprintf(os.Stdout, "id=%s account=%s kind=%s state=%s slot=%q renewals=%d last_success=%s\n",
					rec.ID, rec.Account, rec.Kind, rec.State, rec.Resource.String(), rec.RenewCount, last)
			}
			return nil
		},
	}

	c.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	c.Flags().StringVar(&account, "account", "", "filter by account")
	return c
}
