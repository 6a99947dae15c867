package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	Seed       int64            `yaml:"seed"`
	Device     string           `yaml:"device"`
	Data       DataConfig       `yaml:"data"`
	Train      TrainConfig      `yaml:"train"`
	Tracker    TrackerConfig    `yaml:"tracker"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Report     ReportConfig     `yaml:"report"`
}

// DataConfig locates MNIST.
type DataConfig struct {
	Dir       string            `yaml:"dir"`
	Download  bool              `yaml:"download"`
	BaseURL   string            `yaml:"base_url"`
	Checksums map[string]string `yaml:"checksums,omitempty"`
	// ShardRoots, when set, train from the WebDataset shards found below
	// them instead of the MNIST train split.
	ShardRoots []string `yaml:"shard_roots,omitempty"`
}

// TrainConfig holds the optimization hyperparameters.
type TrainConfig struct {
	Epochs        int     `yaml:"epochs"`
	BatchSize     int     `yaml:"batch_size"`
	TestBatchSize int     `yaml:"test_batch_size"`
	LearningRate  float64 `yaml:"learning_rate"`
	Momentum      float64 `yaml:"momentum"`
	DecayEvery    int     `yaml:"decay_every"`
	DecayFactor   float64 `yaml:"decay_factor"`
	LogEvery      int     `yaml:"log_every"`
	Evaluate      bool    `yaml:"evaluate"`
	Progress      bool    `yaml:"progress"`
}

// TrackerConfig selects and addresses the experiment tracker.
type TrackerConfig struct {
	Mode      string `yaml:"mode"`
	Project   string `yaml:"project"`
	RunName   string `yaml:"run_name"`
	Dir       string `yaml:"dir"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	Artifact  string `yaml:"artifact"`
	WatchLog  string `yaml:"watch_log"`
	WatchFreq int    `yaml:"watch_freq"`
}

// CheckpointConfig controls the saved weights.
type CheckpointConfig struct {
	Path  string `yaml:"path"`
	DType string `yaml:"dtype"`
}

// ReportConfig controls the optional human-facing outputs.
type ReportConfig struct {
	Dir string `yaml:"dir"`
}

// Overrides captures CLI supplied values. Zero values leave the config alone;
// Evaluate is a pointer so false can be forced.
type Overrides struct {
	Epochs   int
	LR       float64
	DataDir  string
	Device   string
	Tracker  string
	Seed     int64
	LogEvery int
	Evaluate *bool
}

// Default reproduces the reference training run.
func Default() *Config {
	return &Config{
		Seed:   1,
		Device: "auto",
		Data: DataConfig{
			Dir:      "data",
			Download: true,
			BaseURL:  "https://storage.googleapis.com/cvdf-datasets/mnist",
		},
		Train: TrainConfig{
			Epochs:        2,
			BatchSize:     16,
			TestBatchSize: 32,
			LearningRate:  0.01,
			Momentum:      0.8,
			DecayEvery:    5,
			DecayFactor:   0.1,
			LogEvery:      200,
			Progress:      true,
		},
		Tracker: TrackerConfig{
			Mode:      "offline",
			Project:   "LeNet5",
			RunName:   "004",
			Dir:       "runs",
			APIKeyEnv: "LENET_TRACKER_API_KEY",
			Artifact:  "lenet5-mnist",
			WatchLog:  "all",
			WatchFreq: 1000,
		},
		Checkpoint: CheckpointConfig{
			Path:  "model.ckpt",
			DType: "float32",
		},
	}
}

// Load reads a YAML file over Default and validates the result. Unknown keys
// are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over Default without validating.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Epochs > 0 {
		c.Train.Epochs = o.Epochs
	}
	if o.LR > 0 {
		c.Train.LearningRate = o.LR
	}
	if o.DataDir != "" {
		c.Data.Dir = o.DataDir
	}
	if o.Device != "" {
		c.Device = o.Device
	}
	if o.Tracker != "" {
		c.Tracker.Mode = o.Tracker
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.Train.LogEvery = o.LogEvery
	}
	if o.Evaluate != nil {
		c.Train.Evaluate = *o.Evaluate
	}
}

// APIKey reads the tracker key from the configured environment variable.
func (c *Config) APIKey() string {
	if c.Tracker.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Tracker.APIKeyEnv)
}

// RunRecord is the configuration recorded with the tracker run.
func (c *Config) RunRecord() map[string]any {
	return map[string]any{
		"learning_rate":   c.Train.LearningRate,
		"net":             "LeNet5",
		"dataset":         "MNIST",
		"epochs":          c.Train.Epochs,
		"momentum":        c.Train.Momentum,
		"batch_size":      c.Train.BatchSize,
		"test_batch_size": c.Train.TestBatchSize,
		"decay_every":     c.Train.DecayEvery,
		"decay_factor":    c.Train.DecayFactor,
		"seed":            c.Seed,
		"device":          c.Device,
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	t := c.Train
	if t.Epochs <= 0 {
		return errors.Errorf("train.epochs must be > 0 (got %d)", t.Epochs)
	}
	if t.BatchSize <= 0 {
		return errors.Errorf("train.batch_size must be > 0 (got %d)", t.BatchSize)
	}
	if t.TestBatchSize <= 0 {
		return errors.Errorf("train.test_batch_size must be > 0 (got %d)", t.TestBatchSize)
	}
	if t.LearningRate <= 0 {
		return errors.Errorf("train.learning_rate must be > 0 (got %g)", t.LearningRate)
	}
	if t.Momentum < 0 || t.Momentum >= 1 {
		return errors.Errorf("train.momentum must be in [0,1) (got %g)", t.Momentum)
	}
	if t.DecayEvery < 0 {
		return errors.Errorf("train.decay_every must be >= 0 (got %d)", t.DecayEvery)
	}
	if t.DecayEvery > 0 && t.DecayFactor <= 0 {
		return errors.Errorf("train.decay_factor must be > 0 (got %g)", t.DecayFactor)
	}
	if t.LogEvery <= 0 {
		return errors.Errorf("train.log_every must be > 0 (got %d)", t.LogEvery)
	}
	if c.Data.Dir == "" {
		return errors.New("data.dir must be set")
	}
	if c.Data.Download && c.Data.BaseURL == "" {
		return errors.New("data.base_url must be set when data.download is on")
	}
	if err := c.Data.validateShardRoots(); err != nil {
		return err
	}
	switch c.Device {
	case "auto", "cpu", "cpu-parallel":
	default:
		return errors.Errorf("device must be auto, cpu or cpu-parallel (got %q)", c.Device)
	}
	if err := c.Tracker.validate(); err != nil {
		return err
	}
	switch c.Checkpoint.DType {
	case "float32", "float16":
	default:
		return errors.Errorf("checkpoint.dtype must be float32 or float16 (got %q)", c.Checkpoint.DType)
	}
	if c.Checkpoint.Path == "" {
		return errors.New("checkpoint.path must be set")
	}
	return nil
}

func (t TrackerConfig) validate() error {
	switch t.Mode {
	case "offline":
		if t.Dir == "" {
			return errors.New("tracker.dir must be set in offline mode")
		}
	case "online":
		if t.BaseURL == "" {
			return errors.New("tracker.base_url must be set in online mode")
		}
	case "disabled":
	default:
		return errors.Errorf("tracker.mode must be offline, online or disabled (got %q)", t.Mode)
	}
	if strings.TrimSpace(t.Project) == "" {
		return errors.New("tracker.project must be set")
	}
	if t.Artifact == "" {
		return errors.New("tracker.artifact must be set")
	}
	switch t.WatchLog {
	case "gradients", "parameters", "all":
	default:
		return errors.Errorf("tracker.watch_log must be gradients, parameters or all (got %q)", t.WatchLog)
	}
	return nil
}

// ShardPrefix is the artifact directory a shard root is bundled under.
func ShardPrefix(root string) string {
	return filepath.Base(filepath.Clean(root))
}

func (d DataConfig) validateShardRoots() error {
	seen := make(map[string]string, len(d.ShardRoots))
	for _, root := range d.ShardRoots {
		prefix := ShardPrefix(root)
		if prefix == "." || prefix == string(filepath.Separator) {
			return errors.Errorf("data.shard_roots: %q has no base name", root)
		}
		if prev, ok := seen[prefix]; ok {
			return errors.Errorf("data.shard_roots: %q and %q share the base name %q", prev, root, prefix)
		}
		seen[prefix] = root
	}
	return nil
}
