package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/unixpickle/basinsched/localview"
	"github.com/unixpickle/basinsched/partition"
	"github.com/unixpickle/basinsched/tasktable"
	"github.com/unixpickle/basinsched/topology"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the partition and task table without running",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, g, err := loadRun(cmd.Context())
		if err != nil {
			return err
		}
		if show, _ := cmd.Flags().GetBool("show-config"); show {
			if err := cfg.Print(os.Stdout); err != nil {
				return err
			}
		}
		c, err := cfg.Cluster(g)
		if err != nil {
			return err
		}
		table, err := tasktable.Build(g, c.Partition, c.Layering, c.MaxUpstream)
		if err != nil {
			return err
		}

		fmt.Printf("subbasins=%d outlets=%d layers=%d (%s)\n", g.Len(), len(g.Outlets()),
			g.MaxLayer(c.Layering), c.Layering)
		fmt.Printf("balance: %s\n", partition.ComputeBalance(c.Partition))
		fmt.Printf("table: %d workers x %d slots, %d upstream ids per slot\n", table.Workers,
			table.MaxSize, table.MaxUpstream)
		verbose, _ := cmd.Flags().GetBool("members")
		for rank := 0; rank < table.Workers; rank++ {
			view, err := localview.Derive(table, rank)
			if err != nil {
				return err
			}
			fmt.Printf("rank %d (group %d): %d subbasins, layers 1-%d, %d remote inputs, %d outgoing\n",
				rank, c.Partition.GroupIDs[rank], len(view.OwnedIDs), view.MaxLayer,
				len(view.RemoteInputs()), countOutgoing(view))
			if verbose {
				fmt.Printf("  %v\n", view.OwnedIDs)
			}
		}
		return nil
	},
}

var genCmd = &cobra.Command{
	Use:   "gen FILE",
	Short: "Write the configured basin, with computed layer orders, as a reach file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, g, err := loadRun(cmd.Context())
		if err != nil {
			return err
		}
		data, err := topology.MarshalRecords(g.Records())
		if err != nil {
			return err
		}
		if err := os.WriteFile(args[0], data, 0o644); err != nil {
			return err
		}
		logger.Info().Str("file", args[0]).Int("subbasins", g.Len()).Msg("wrote reach file")
		return nil
	},
}

func countOutgoing(view *localview.View) int {
	var n int
	for _, id := range view.TransferIDs() {
		if w := view.DownstreamWorker(id); w >= 0 && w != view.Rank {
			n++
		}
	}
	return n
}

func init() {
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(genCmd)
	planCmd.Flags().Bool("show-config", false, "print the merged configuration first")
	planCmd.Flags().Bool("members", false, "list the subbasins of every rank")
}
