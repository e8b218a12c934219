package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"
	"github.com/netly/fleet/internal/domain"
	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyPrune time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past executions, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, closeStore, err := openHistory(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		if historyPrune > 0 {
			n, err := store.DeleteOlderThan(ctx, time.Now().Add(-historyPrune))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "pruned %d execution(s)\n", n)
		}

		execs, err := store.List(ctx, historyLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTARTED\tSTATUS\tHOSTS\tOK\tFAILED\tNAME")
		for i := range execs {
			e := &execs[i]
			counts := e.ResultCounts()
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				e.ID,
				e.StartedAt.Local().Format(time.DateTime),
				e.Status,
				len(e.Results),
				counts[domain.ResultSuccess],
				counts[domain.ResultError],
				e.CommandName,
			)
		}
		return w.Flush()
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Print one execution with its host results as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		store, closeStore, err := openHistory(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		exec, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if exec == nil {
			return fmt.Errorf("execution %s not found", args[0])
		}
		payload, err := sonic.ConfigStd.MarshalIndent(exec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(payload))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyShowCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of executions to list (0 for all)")
	historyCmd.Flags().DurationVar(&historyPrune, "prune", 0, "first delete finished executions older than this")
}
