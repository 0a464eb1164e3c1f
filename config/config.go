package config

import (
	"fmt"
	"math"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/distributedstatemachine/folding/job"
)

// Miner is a statically configured miner endpoint.
type Miner struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// Config holds all configuration for a validator.
type Config struct {
	// Backlog
	QueueSize  int `yaml:"queue_size"`  // max open job groups
	SampleSize int `yaml:"sample_size"` // miners per job

	// Polling
	UpdateInterval     time.Duration `yaml:"update_interval"`
	GroupDeadlinePolls int           `yaml:"group_deadline_polls"` // group deadline = polls * update_interval; 0 disables
	PollConcurrency    int           `yaml:"poll_concurrency"`
	QueryTimeout       time.Duration `yaml:"query_timeout"`
	QueryRate          float64       `yaml:"query_rate"` // queries/sec, 0 = unlimited

	// Jobs
	MaxSteps               int64         `yaml:"max_steps"`
	ConvergenceThreshold   float64       `yaml:"convergence_threshold"`
	MaxTaskRuntime         time.Duration `yaml:"max_task_runtime"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	Simulation             job.Params    `yaml:"simulation"`

	// Scoring
	ScoreTemperature float64 `yaml:"score_temperature"`
	TieTolerance     float64 `yaml:"tie_tolerance"`
	EMAAlpha         float64 `yaml:"ema_alpha"`

	// Miners
	Miners         []Miner `yaml:"miners"`
	StaleThreshold int     `yaml:"stale_threshold"`
	ReviveEvery    int     `yaml:"revive_every"` // polls between pings of dead miners

	// Surfaces and storage
	ListenAddr string `yaml:"listen_addr"` // status + metrics HTTP; empty disables
	RedisAddr  string `yaml:"redis_addr"`  // backlog + rewards; empty uses PDBFile
	BacklogKey string `yaml:"backlog_key"`
	PDBFile    string `yaml:"pdb_file"` // static YAML backlog
	PDBDir     string `yaml:"pdb_dir"`  // downloaded structures; empty skips classification
	WALDir     string `yaml:"wal_dir"`  // empty disables the journal
}

// Default returns a Config with every tunable set to a working value.
func Default() Config {
	return Config{
		QueueSize:              4,
		SampleSize:             3,
		UpdateInterval:         30 * time.Second,
		GroupDeadlinePolls:     120,
		PollConcurrency:        16,
		QueryTimeout:           10 * time.Second,
		MaxSteps:               50_000,
		ConvergenceThreshold:   0.01,
		MaxTaskRuntime:         30 * time.Minute,
		MaxConsecutiveFailures: 5,
		Simulation: job.Params{
			ForceField:  "charmm36.xml",
			Water:       "charmm36/water.xml",
			Box:         "cube",
			Temperature: 300,
			Friction:    1,
		},
		ScoreTemperature: 100,
		TieTolerance:     1e-6,
		EMAAlpha:         0.2,
		StaleThreshold:   3,
		ReviveEvery:      4,
		ListenAddr:       ":9090",
	}
}

// Load reads a YAML config file from the given path on top of Default,
// applies FOLD_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GroupDeadline is the finalize ceiling of a job group.
func (c *Config) GroupDeadline() time.Duration {
	return time.Duration(c.GroupDeadlinePolls) * c.UpdateInterval
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	ints := map[string]*int{
		"FOLD_QUEUE_SIZE":               &c.QueueSize,
		"FOLD_SAMPLE_SIZE":              &c.SampleSize,
		"FOLD_POLL_CONCURRENCY":         &c.PollConcurrency,
		"FOLD_MAX_CONSECUTIVE_FAILURES": &c.MaxConsecutiveFailures,
		"FOLD_REVIVE_EVERY":             &c.ReviveEvery,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"FOLD_UPDATE_INTERVAL":  &c.UpdateInterval,
		"FOLD_MAX_TASK_RUNTIME": &c.MaxTaskRuntime,
		"FOLD_QUERY_TIMEOUT":    &c.QueryTimeout,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup("FOLD_MAX_STEPS"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid FOLD_MAX_STEPS %q: %w", v, err)
		}
		c.MaxSteps = n
	}
	if v, ok := lookup("FOLD_CONVERGENCE_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid FOLD_CONVERGENCE_THRESHOLD %q: %w", v, err)
		}
		c.ConvergenceThreshold = f
	}

	strs := map[string]*string{
		"FOLD_REDIS_ADDR":  &c.RedisAddr,
		"FOLD_LISTEN_ADDR": &c.ListenAddr,
		"FOLD_WAL_DIR":     &c.WALDir,
		"FOLD_PDB_FILE":    &c.PDBFile,
		"FOLD_PDB_DIR":     &c.PDBDir,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	return nil
}

// validate checks that all config values are valid.
func (c *Config) validate() error {
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", c.QueueSize)
	}
	if c.SampleSize < 1 {
		return fmt.Errorf("sample_size must be at least 1, got %d", c.SampleSize)
	}
	if c.UpdateInterval <= 0 {
		return fmt.Errorf("update_interval must be positive, got %s", c.UpdateInterval)
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be positive, got %d", c.MaxSteps)
	}
	if !(c.ConvergenceThreshold > 0) || math.IsInf(c.ConvergenceThreshold, 0) {
		return fmt.Errorf("convergence_threshold must be positive and finite, got %v", c.ConvergenceThreshold)
	}
	if c.MaxTaskRuntime < 0 || c.GroupDeadlinePolls < 0 || c.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("timeouts and failure limits cannot be negative")
	}
	if c.ReviveEvery < 0 {
		return fmt.Errorf("revive_every cannot be negative, got %d", c.ReviveEvery)
	}
	nonNegative := map[string]float64{
		"query_rate":             c.QueryRate,
		"score_temperature":      c.ScoreTemperature,
		"tie_tolerance":          c.TieTolerance,
		"simulation.temperature": c.Simulation.Temperature,
		"simulation.friction":    c.Simulation.Friction,
	}
	for name, v := range nonNegative {
		if !(v >= 0) || math.IsInf(v, 0) {
			return fmt.Errorf("%s must be finite and non-negative, got %v", name, v)
		}
	}
	// written so NaN fails too
	if !(c.EMAAlpha > 0 && c.EMAAlpha <= 1) {
		return fmt.Errorf("ema_alpha must be in (0,1], got %v", c.EMAAlpha)
	}
	if c.Simulation.ForceField == "" {
		return fmt.Errorf("simulation.force_field cannot be empty")
	}

	seen := make(map[string]bool, len(c.Miners))
	for _, m := range c.Miners {
		if m.ID == "" {
			return fmt.Errorf("miner with address %q has no id", m.Addr)
		}
		if seen[m.ID] {
			return fmt.Errorf("miner %q listed twice", m.ID)
		}
		seen[m.ID] = true

		host, port, err := net.SplitHostPort(m.Addr)
		if err != nil {
			return fmt.Errorf("invalid miner address %q: %w", m.Addr, err)
		}
		if host == "" {
			return fmt.Errorf("invalid miner address %q: host cannot be empty", m.Addr)
		}
		if port == "" {
			return fmt.Errorf("invalid miner address %q: port cannot be empty", m.Addr)
		}
	}
	if len(c.Miners) > 0 && len(c.Miners) < c.SampleSize {
		return fmt.Errorf("sample_size %d exceeds the %d configured miners", c.SampleSize, len(c.Miners))
	}
	if c.RedisAddr == "" && c.PDBFile == "" {
		return fmt.Errorf("either redis_addr or pdb_file must be set")
	}
	return nil
}
