// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/absmach/valwatch/config"
	"github.com/absmach/valwatch/internal/wiring"
	"github.com/absmach/valwatch/queue"
	"github.com/absmach/valwatch/storage"
	"github.com/spf13/cobra"
)

func newQueuesCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "Print job counts per queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			if cfg.Broker.Type != "redis" {
				return fmt.Errorf("queue inspection needs the redis broker, configured %q", cfg.Broker.Type)
			}
			b := wiring.NewRedisBroker(cfg.Broker)
			defer b.Close()
			return printQueues(cmd.Context(), cmd.OutOrStdout(), wiring.QueueNames(cfg), b.Counts)
		},
	}
}

func printQueues(ctx context.Context, out io.Writer, names []string, counts func(context.Context, string) (queue.Counts, error)) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tWAITING\tACTIVE\tDELAYED\tCOMPLETED\tFAILED")
	for _, name := range names {
		c, err := counts(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to read %s counts: %w", name, err)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n", name, c.Waiting, c.Active, c.Delayed, c.Completed, c.Failed)
	}
	return w.Flush()
}

func newOutboxCommand(configFile *string) *cobra.Command {
	var failed bool

	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "List unsent notifications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := wiring.OpenStore(cfg.Storage)(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			filter := storage.Unsent()
			if failed {
				filter = storage.Exhausted()
			}
			ns, err := store.Notifications().FindAll(ctx, filter)
			if err != nil {
				return err
			}
			return printOutbox(cmd.OutOrStdout(), ns)
		},
	}
	cmd.Flags().BoolVar(&failed, "failed", false, "List notifications that exhausted their retries")
	return cmd
}

func printOutbox(out io.Writer, ns []storage.Notification) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEVENT\tRECIPIENT\tRETRIES\tCREATED\tLAST ERROR")
	for _, n := range ns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			n.ID, n.Event, n.Recipient, n.RetryCount, n.CreatedAt.Format(time.RFC3339), n.LastError)
	}
	return w.Flush()
}
