package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/beacon/pkg/config"
	"github.com/cuemby/beacon/pkg/engine"
	"github.com/cuemby/beacon/pkg/storage"
	"github.com/spf13/cobra"
)

var subscriberCmd = &cobra.Command{
	Use:   "subscriber",
	Short: "Manage persistent subscribers",
	Long: `Manage the persistent subscribers recorded in the store. Their backlog is
kept across restarts until they come back or are forgotten. Run these
commands while the broker is stopped.`,
}

var subscriberListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persistent subscribers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		subs, err := store.ListSubscribers()
		if err != nil {
			return fmt.Errorf("failed to list subscribers: %w", err)
		}
		retained, err := store.RetainedCount()
		if err != nil {
			return fmt.Errorf("failed to count retained events: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tFILTER\tCREATED\tLAST SEEN")
		for _, s := range subs {
			filter := "all"
			if len(s.Filter) > 0 {
				filter = strings.Join(s.Filter, ",")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, filter, formatTime(s.CreatedAt), formatTime(s.LastSeen))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d subscribers, %d retained events\n", len(subs), retained)
		return nil
	},
}

var subscriberForgetCmd = &cobra.Command{
	Use:   "forget NAME",
	Short: "Delete a persistent subscriber and its backlog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if _, err := store.GetSubscriber(args[0]); err != nil {
			return fmt.Errorf("subscriber %q: %w", args[0], err)
		}

		eng := engine.New(engine.Options{Dir: cfg.Engine.QueueDir, Store: store})
		if err := eng.Forget(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Subscriber forgotten: %s\n", args[0])
		return nil
	},
}

func init() {
	subscriberCmd.AddCommand(subscriberListCmd)
	subscriberCmd.AddCommand(subscriberForgetCmd)
}

func openStore(cfg *config.Config) (*storage.BoltStore, error) {
	var (
		store *storage.BoltStore
		err   error
	)
	if cfg.Engine.StorePath != "" {
		store, err = storage.OpenBoltStore(cfg.Engine.StorePath)
	} else {
		store, err = storage.NewBoltStore(cfg.Engine.QueueDir)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
