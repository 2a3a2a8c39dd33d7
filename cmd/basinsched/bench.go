package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Compare the virtual makespan across worker counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, g, err := loadRun(cmd.Context())
		if err != nil {
			return err
		}
		counts, _ := cmd.Flags().GetIntSlice("counts")
		repeat, _ := cmd.Flags().GetInt("repeat")
		if repeat < 1 {
			repeat = 1
		}

		makespans := make([][]float64, len(counts))
		group, ctx := errgroup.WithContext(cmd.Context())
		for i, workers := range counts {
			makespans[i] = make([]float64, repeat)
			for r := 0; r < repeat; r++ {
				runCfg := *cfg
				runCfg.Workers = workers
				runCfg.Seed = cfg.Seed + int64(r)
				i, r := i, r
				group.Go(func() error {
					if err := runCfg.Validate(); err != nil {
						return err
					}
					c, err := runCfg.Cluster(g)
					if err != nil {
						return err
					}
					res, err := c.Run(ctx)
					if err != nil {
						return err
					}
					makespans[i][r] = res.Makespan
					return nil
				})
			}
		}
		if err := group.Wait(); err != nil {
			return err
		}

		order := make([]int, len(counts))
		for i := range order {
			order[i] = i
		}
		sort.Slice(order, func(a, b int) bool {
			return counts[order[a]] < counts[order[b]]
		})
		fmt.Printf("%8s %12s %12s\n", "workers", "makespan", "stddev")
		for _, i := range order {
			mean, std := stat.MeanStdDev(makespans[i], nil)
			if repeat == 1 {
				std = 0
			}
			fmt.Printf("%8d %12.3f %12.3f\n", counts[i], mean, std)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(benchCmd)
	benchCmd.Flags().IntSlice("counts", []int{1, 2, 4}, "worker counts to compare")
	benchCmd.Flags().Int("repeat", 1, "runs per worker count, with consecutive seeds")
}
