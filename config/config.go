// Package config holds the settings of a scheduling run.
package config

import (
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"github.com/unixpickle/basinsched/partition"
	"github.com/unixpickle/basinsched/simulator"
	"github.com/unixpickle/basinsched/topology"
	"github.com/unixpickle/basinsched/worker"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = eris.New("invalid configuration")

// EnvPrefix prefixes environment overrides, e.g.
// BASINSCHED_WORKERS.
const EnvPrefix = "BASINSCHED"

// StartLayout is the layout of Run.Start.
const StartLayout = "2006-01-02"

// Forest describes a generated basin, used when no record
// file is given.
type Forest struct {
	Subbasins   int   `json:"subbasins"`
	Outlets     int   `json:"outlets"`
	MaxUpstream int   `json:"maxUpstream"`
	Seed        int64 `json:"seed"`
}

// Network selects the simulated network.
type Network struct {
	// Kind is "ordered" or "random".
	Kind    string  `json:"kind"`
	Rate    float64 `json:"rate"`
	Latency float64 `json:"latency"`
	Jitter  float64 `json:"jitter"`
}

// Run is the full configuration of a run.
type Run struct {
	// Records is a YAML or JSON record file. If empty, a
	// random forest is generated.
	Records string `json:"records,omitempty"`
	Forest  Forest `json:"forest"`

	Workers     int    `json:"workers"`
	Layering    string `json:"layering"`
	Grouping    string `json:"grouping"`
	Mode        string `json:"mode"`
	Schedule    string `json:"schedule"`
	TimeSlice   int    `json:"timeSlice"`
	MaxUpstream int    `json:"maxUpstream"`

	Width     int     `json:"width"`
	Steps     int     `json:"steps"`
	Start     string  `json:"start"`
	Timestep  string  `json:"timestep"`
	Recession float64 `json:"recession"`
	StepCost  float64 `json:"stepCost"`

	BroadcastTimeout float64 `json:"broadcastTimeout"`
	Network          Network `json:"network"`
	Seed             int64   `json:"seed"`
}

// Default returns the default configuration.
func Default() *Run {
	return &Run{
		Forest: Forest{
			Subbasins:   64,
			Outlets:     2,
			MaxUpstream: 3,
			Seed:        1,
		},
		Workers:     2,
		Layering:    topology.UpDown.String(),
		Grouping:    "up-down",
		Mode:        worker.PeerMode.String(),
		Schedule:    worker.Spatial.String(),
		MaxUpstream: 4,
		Width:       1,
		Steps:       10,
		Start:       "2000-01-01",
		Timestep:    "24h",
		Recession:   0.3,
		StepCost:    0.01,

		BroadcastTimeout: 60,
		Network: Network{
			Kind:    "ordered",
			Rate:    1e6,
			Latency: 1e-3,
		},
		Seed: 1,
	}
}

// Parse overwrites fields present in YAML or JSON data.
func (r *Run) Parse(data []byte) error {
	return yaml.Unmarshal(data, r)
}

// Print writes the configuration as YAML.
func (r *Run) Print(w io.Writer) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Validate checks every field.
func (r *Run) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return eris.Wrap(ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if r.Workers < 1 {
		return invalid("workers must be positive, got %d", r.Workers)
	}
	if _, err := topology.ParseLayering(r.Layering); err != nil {
		return invalid("layering: %v", err)
	}
	if _, err := partition.Strategy(r.Grouping, r.Workers); err != nil {
		return invalid("grouping: %v", err)
	}
	mode, err := worker.ParseMode(r.Mode)
	if err != nil {
		return invalid("mode: %v", err)
	}
	schedule, err := worker.ParseSchedule(r.Schedule)
	if err != nil {
		return invalid("schedule: %v", err)
	}
	if mode == worker.MasterMode && schedule != worker.Spatial {
		return invalid("master mode only supports the spatial schedule")
	}
	if r.MaxUpstream < 1 {
		return invalid("maxUpstream must be positive, got %d", r.MaxUpstream)
	}
	if r.Width < 1 || r.Steps < 1 {
		return invalid("width and steps must be positive, got %d and %d", r.Width, r.Steps)
	}
	if _, err := time.Parse(StartLayout, r.Start); err != nil {
		return invalid("start: %v", err)
	}
	if d, err := time.ParseDuration(r.Timestep); err != nil || d <= 0 {
		return invalid("timestep must be a positive duration, got %q", r.Timestep)
	}
	if r.Recession <= 0 || r.Recession > 1 {
		return invalid("recession must be in (0, 1], got %f", r.Recession)
	}
	if r.StepCost < 0 || r.BroadcastTimeout < 0 {
		return invalid("stepCost and broadcastTimeout must not be negative")
	}
	switch strings.ToLower(r.Network.Kind) {
	case "ordered":
		if r.Network.Rate <= 0 || r.Network.Latency < 0 || r.Network.Jitter < 0 {
			return invalid("ordered network needs a positive rate and non-negative latencies")
		}
	case "random":
	default:
		return invalid("unknown network kind %q", r.Network.Kind)
	}
	if r.Records == "" {
		f := r.Forest
		if f.Subbasins < 1 || f.Outlets < 1 || f.Outlets > f.Subbasins || f.MaxUpstream < 1 {
			return invalid("forest shape %+v", f)
		}
	}
	return nil
}

// Source returns the record source of the run.
func (r *Run) Source() topology.Source {
	if r.Records != "" {
		return topology.FileSource{Path: r.Records}
	}
	rng := rand.New(rand.NewSource(r.Forest.Seed))
	return topology.StaticSource(topology.RandomForest(rng, r.Forest.Subbasins, r.Forest.Outlets,
		r.Forest.MaxUpstream))
}

// NewNetwork creates the simulated network of the run.
func (r *Run) NewNetwork() simulator.Network {
	if strings.ToLower(r.Network.Kind) == "random" {
		return simulator.RandomNetwork{}
	}
	return simulator.NewOrderedNetwork(r.Network.Rate, r.Network.Latency, r.Network.Jitter)
}

// Cluster creates a cluster for a graph. The configuration
// must be valid.
func (r *Run) Cluster(g *topology.Graph) (*worker.Cluster, error) {
	layering, _ := topology.ParseLayering(r.Layering)
	mode, _ := worker.ParseMode(r.Mode)
	schedule, _ := worker.ParseSchedule(r.Schedule)
	start, _ := time.Parse(StartLayout, r.Start)
	timestep, _ := time.ParseDuration(r.Timestep)

	groups, err := partition.Strategy(r.Grouping, r.Workers)
	if err != nil {
		return nil, err
	}
	p, err := partition.Assign(g, groups, r.Workers)
	if err != nil {
		return nil, err
	}
	return &worker.Cluster{
		Graph:            g,
		Partition:        p,
		Workers:          r.Workers,
		Layering:         layering,
		MaxUpstream:      r.MaxUpstream,
		Mode:             mode,
		Schedule:         schedule,
		TimeSlice:        r.TimeSlice,
		Width:            r.Width,
		Steps:            r.Steps,
		Start:            start,
		Timestep:         timestep,
		StepCost:         r.StepCost,
		BroadcastTimeout: r.BroadcastTimeout,
		Network:          r.NewNetwork(),
		Seed:             r.Seed,
		NewModel: func(rank int) worker.Model {
			return worker.NewReservoir(r.Recession, r.Width)
		},
	}, nil
}

// SetDefaults registers every default with v, so that
// environment variables are picked up for all keys.
func SetDefaults(v *viper.Viper) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	var settings map[string]interface{}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return err
	}
	setNested(v, "", settings)
	v.SetDefault("records", "")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return nil
}

func setNested(v *viper.Viper, prefix string, settings map[string]interface{}) {
	for key, value := range settings {
		if sub, ok := value.(map[string]interface{}); ok {
			setNested(v, prefix+key+".", sub)
		} else {
			v.SetDefault(prefix+key, value)
		}
	}
}

// FromViper reads and validates the configuration held by
// v, which merges the config file, environment and flags.
func FromViper(v *viper.Viper) (*Run, error) {
	r := Default()
	if err := v.Unmarshal(r); err != nil {
		return nil, eris.Wrap(err, "decode configuration")
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
