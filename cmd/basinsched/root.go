package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/unixpickle/basinsched/config"
	"github.com/unixpickle/basinsched/topology"
)

var (
	cfgFile string
	v       = viper.New()
	logger  = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "basinsched",
	Short: "Partition a river network and simulate a distributed timestep run",
	Long: `
Builds the drainage graph of a watershed, splits it into one group of
subbasins per worker and runs the timestep loop on a simulated cluster,
exchanging only the boundary discharges that cross workers.

Settings come from $HOME/.basinsched.yaml (or --config), from
BASINSCHED_* environment variables and from flags, in increasing priority.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
}

func init() {
	d := config.Default()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.basinsched.yaml)")
	flags.String("log-level", "info", "log level: trace, debug, info, warn, error")
	flags.Bool("log-json", false, "write JSON logs instead of console output")

	flags.StringP("records", "r", "", "YAML or JSON reach file; a random basin is generated if empty")
	flags.IntP("workers", "w", d.Workers, "number of workers, must equal the number of groups")
	flags.String("layering", d.Layering, "layer order: up-down or down-up")
	flags.StringP("grouping", "g", d.Grouping, "grouping: up-down, down-up, round-robin, hash or record:<method>")
	flags.StringP("mode", "m", d.Mode, "exchange mode: peer or master")
	flags.String("schedule", d.Schedule, "schedule: spatial or temporospatial")
	flags.Int("time-slice", d.TimeSlice,
		"time slices sizing the transfer window; larger values give smaller windows, 0 and 1 act as 2 "+
			"(the largest window), negative values give the smallest")
	flags.Int("max-upstream", d.MaxUpstream, "largest number of tributaries per subbasin")
	flags.IntP("steps", "s", d.Steps, "number of timesteps")
	flags.String("network", d.Network.Kind, "simulated network: ordered or random")
	flags.Int64("seed", d.Seed, "event loop seed")

	for key, flag := range map[string]string{
		"records":      "records",
		"workers":      "workers",
		"layering":     "layering",
		"grouping":     "grouping",
		"mode":         "mode",
		"schedule":     "schedule",
		"timeSlice":    "time-slice",
		"maxUpstream":  "max-upstream",
		"steps":        "steps",
		"network.kind": "network",
		"seed":         "seed",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func initConfig(cmd *cobra.Command) error {
	if err := initLogger(cmd); err != nil {
		return err
	}
	if err := config.SetDefaults(v); err != nil {
		return err
	}
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			return eris.Wrap(err, "find home directory")
		}
		v.AddConfigPath(home)
		v.SetConfigName(".basinsched")
	}
	if err := v.ReadInConfig(); err == nil {
		logger.Debug().Str("file", v.ConfigFileUsed()).Msg("using config file")
	} else if cfgFile != "" {
		return eris.Wrapf(err, "read config %s", cfgFile)
	}
	return nil
}

func initLogger(cmd *cobra.Command) error {
	levelName, _ := cmd.Flags().GetString("log-level")
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return eris.Wrapf(err, "parse log level %q", levelName)
	}
	jsonLog, _ := cmd.Flags().GetBool("log-json")
	if jsonLog {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	logger = logger.Level(level).With().Timestamp().Str("run", uuid.New().String()).Logger()
	return nil
}

// loadRun reads the merged configuration and the graph it
// points to.
func loadRun(ctx context.Context) (*config.Run, *topology.Graph, error) {
	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, nil, err
	}
	records, err := cfg.Source().Records(ctx)
	if err != nil {
		return nil, nil, err
	}
	g, err := topology.Build(records)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Int("subbasins", g.Len()).Int("outlets", len(g.Outlets())).
		Int("maxUpstream", g.MaxUpstream()).Msg("graph built")
	return cfg, g, nil
}
