package main

import (
	"fmt"
	"reflect"

	"github.com/pkg/profile"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/unixpickle/basinsched/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one simulation on a simulated cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		switch kind, _ := cmd.Flags().GetString("profile"); kind {
		case "":
		case "cpu":
			defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.Quiet).Stop()
		case "mem":
			defer profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.Quiet).Stop()
		default:
			return eris.Errorf("unknown profile kind %q", kind)
		}

		cfg, g, err := loadRun(cmd.Context())
		if err != nil {
			return err
		}
		c, err := cfg.Cluster(g)
		if err != nil {
			return err
		}
		c.Logger = &logger
		res, err := c.Run(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("makespan %.3f, %d messages, %.0f bytes\n", res.Makespan, res.Messages, res.Bytes)
		for rank, s := range res.Ranks {
			fmt.Printf("rank %d: computed=%d sent=%d received=%d requests=%d blocked=%d wait=%.3f finish=%.3f\n",
				rank, s.Computed, s.Sent, s.Received, s.Requests, s.Blocked, s.WaitTime, s.Finish)
		}
		if res.Master != nil {
			m := res.Master
			fmt.Printf("master: reports=%d requests=%d queued=%d replies=%d\n", m.Reports, m.Requests,
				m.Queued, m.Replies)
		}
		for _, id := range res.Outlets {
			series := res.Outflow[id]
			fmt.Printf("outlet %d: final discharge %.4f\n", id, series[len(series)-1][0])
		}

		if verify, _ := cmd.Flags().GetBool("verify"); verify {
			expected, err := worker.RunSerial(g, c.NewModel(0), c.Layering, c.Steps, c.Width, c.Start,
				c.Timestep)
			if err != nil {
				return err
			}
			if !reflect.DeepEqual(expected, res.Outflow) {
				return eris.New("distributed outflow differs from the serial reference")
			}
			logger.Info().Msg("outflow matches the serial reference")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("verify", false, "compare the result with a serial run")
	runCmd.Flags().String("profile", "", "write a cpu or mem profile to the working directory")
}
