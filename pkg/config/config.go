// Package config provides the loader for battlemesh configuration files and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"battlemesh/core"
	"battlemesh/pkg/utils"
)

// Config mirrors the YAML layout under config/.
type Config struct {
	Fabric struct {
		Bind         string  `mapstructure:"bind" json:"bind"`
		P2PRange     float64 `mapstructure:"p2p_range" json:"p2p_range"`
		MaxHops      int     `mapstructure:"max_hops" json:"max_hops"`
		HopLatencyMS int     `mapstructure:"hop_latency_ms" json:"hop_latency_ms"`
		QueueBound   int     `mapstructure:"queue_bound" json:"queue_bound"`
		RosterFile   string  `mapstructure:"roster_file" json:"roster_file"`
	} `mapstructure:"fabric" json:"fabric"`

	Ledger struct {
		Difficulty int    `mapstructure:"difficulty" json:"difficulty"`
		WALDir     string `mapstructure:"wal_dir" json:"wal_dir"`
	} `mapstructure:"ledger" json:"ledger"`

	Resync struct {
		WindowMin  int `mapstructure:"window_min" json:"window_min"`
		TimeoutSec int `mapstructure:"timeout_sec" json:"timeout_sec"`
	} `mapstructure:"resync" json:"resync"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
	} `mapstructure:"logging" json:"logging"`
}

// Load reads the default configuration and merges any environment specific
// override named by env. A missing default file is tolerated (every field has
// a working default); an override named by env that cannot be read is an
// error.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("config")
	viper.AddConfigPath(".")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, utils.Wrap(err, "load config")
		}
	}
	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}
	viper.AutomaticEnv()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration using the BATTLEMESH_ENV variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("BATTLEMESH_ENV", ""))
}

// FabricConfig converts the file form into the runtime tunables, filling defaults
// for anything left unset.
func (c *Config) FabricConfig() core.FabricConfig {
	out := core.DefaultFabricConfig()
	if c.Fabric.Bind != "" {
		out.Bind = c.Fabric.Bind
	}
	if c.Fabric.P2PRange > 0 {
		out.P2PRange = c.Fabric.P2PRange
	}
	if c.Fabric.MaxHops > 0 {
		out.MaxHops = c.Fabric.MaxHops
	}
	if c.Fabric.HopLatencyMS > 0 {
		out.HopLatency = time.Duration(c.Fabric.HopLatencyMS) * time.Millisecond
	}
	if c.Fabric.QueueBound > 0 {
		out.QueueBound = c.Fabric.QueueBound
	}
	if c.Ledger.Difficulty > 0 {
		out.Difficulty = c.Ledger.Difficulty
	}
	if c.Resync.WindowMin > 0 {
		out.ResyncWindow = time.Duration(c.Resync.WindowMin) * time.Minute
	}
	if c.Resync.TimeoutSec > 0 {
		out.ResyncTimeout = time.Duration(c.Resync.TimeoutSec) * time.Second
	}
	return out
}

// rosterFile is the YAML shape of a node roster.
type rosterFile struct {
	Nodes []core.NodeSpec `yaml:"nodes"`
}

// LoadRoster parses a YAML node roster. An empty path yields the built-in
// demo roster.
func LoadRoster(path string) ([]core.NodeSpec, error) {
	if path == "" {
		return DemoRoster(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.Wrap(err, "read roster")
	}
	var file rosterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, utils.Wrap(err, "parse roster")
	}
	if len(file.Nodes) == 0 {
		return nil, fmt.Errorf("roster %s declares no nodes", path)
	}
	seen := make(map[string]bool, len(file.Nodes))
	for _, n := range file.Nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("roster %s: node with empty id", path)
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("roster %s: duplicate node id %s", path, n.ID)
		}
		seen[n.ID] = true
	}
	return file.Nodes, nil
}

// DemoRoster returns the stock five-node battlefield roster.
func DemoRoster() []core.NodeSpec {
	return []core.NodeSpec{
		{ID: "alpha_1", Name: "Alpha Team Lead", Rank: "Sergeant", Unit: "Alpha Company", Position: core.Position{X: 100, Y: 150}},
		{ID: "bravo_1", Name: "Bravo Scout", Rank: "Corporal", Unit: "Bravo Company", Position: core.Position{X: 300, Y: 200}},
		{ID: "charlie_1", Name: "Charlie Support", Rank: "Private", Unit: "Charlie Company", Position: core.Position{X: 200, Y: 350}},
		{ID: "delta_1", Name: "Delta Command", Rank: "Lieutenant", Unit: "Delta Command", Position: core.Position{X: 450, Y: 180}},
		{ID: "echo_1", Name: "Echo Medic", Rank: "Corporal", Unit: "Echo Support", Position: core.Position{X: 350, Y: 100}},
	}
}
