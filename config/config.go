package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Training modes. In PredCls and SGCls mode the detector is handed ground
// truth geometry, so entity features can be shared between the ground-truth
// and predicted graphs. SGDet is the fully-detected-entity mode: the
// ground-truth graph builder receives no feature input and derives node
// features on its own.
const (
	ModePredCls = "predcls"
	ModeSGCls   = "sgcls"
	ModeSGDet   = "sgdet"
)

// Schedule types understood by the solver.
const (
	ScheduleWarmupMultiStep = "WarmupMultiStep"
	ScheduleWarmupPlateau   = "WarmupReduceLROnPlateau"
)

// Config is the resolved run configuration. It is built once by Load and
// passed by pointer everywhere; nothing mutates it after Load returns.
type Config struct {
	OutputDir string `yaml:"output_dir"`
	Mode      string `yaml:"mode"`
	DType     string `yaml:"dtype"`   // "float32" or "float16" (mixed precision)
	DevRun    bool   `yaml:"dev_run"` // hard stop after a few iterations, mute tracking

	Model    ModelConfig    `yaml:"model"`
	Solver   SolverConfig   `yaml:"solver"`
	Energy   EnergyConfig   `yaml:"energy"`
	Datasets DatasetsConfig `yaml:"datasets"`
	Tracking TrackingConfig `yaml:"tracking"`
}

// ModelConfig describes the detector side of the pair.
type ModelConfig struct {
	// FrozenModules are detector submodule names whose parameters never
	// receive gradients. They stay in training-statistics mode.
	FrozenModules []string `yaml:"frozen_modules"`
	// SlowHeads are parameter name prefixes trained at BaseLR/SlowRatio.
	SlowHeads []string `yaml:"slow_heads"`
	SlowRatio float64  `yaml:"slow_ratio"`

	NumEntityClasses   int `yaml:"num_entity_classes"`
	NumRelationClasses int `yaml:"num_relation_classes"`

	PretrainedDetectorCkpt string `yaml:"pretrained_detector_ckpt"`
}

// SolverConfig carries optimization hyperparameters shared by both
// optimizer/scheduler pairs.
type SolverConfig struct {
	MaxIter         int     `yaml:"max_iter"`
	ImagesPerBatch  int     `yaml:"images_per_batch"`
	BaseLR          float64 `yaml:"base_lr"`
	BiasLRFactor    float64 `yaml:"bias_lr_factor"`
	Momentum        float64 `yaml:"momentum"`
	WeightDecay     float64 `yaml:"weight_decay"`
	WeightDecayBias float64 `yaml:"weight_decay_bias"`
	GradNormClip    float64 `yaml:"grad_norm_clip"`

	PrintPeriod      int  `yaml:"print_period"`
	PrintGradFreq    int  `yaml:"print_grad_freq"`
	CheckpointPeriod int  `yaml:"checkpoint_period"`
	ToVal            bool `yaml:"to_val"`
	PreVal           bool `yaml:"pre_val"`
	ValPeriod        int  `yaml:"val_period"`

	Schedule ScheduleConfig `yaml:"schedule"`
}

// ScheduleConfig selects and parameterizes the learning-rate policy.
type ScheduleConfig struct {
	Type         string  `yaml:"type"`
	Gamma        float64 `yaml:"gamma"`
	Steps        []int   `yaml:"steps"`
	WarmupIters  int     `yaml:"warmup_iters"`
	WarmupFactor float64 `yaml:"warmup_factor"`

	// Plateau policy.
	Factor       float64 `yaml:"factor"`
	Patience     int     `yaml:"patience"`
	Threshold    float64 `yaml:"threshold"`
	Cooldown     int     `yaml:"cooldown"`
	MaxDecaySteps int    `yaml:"max_decay_steps"`
}

// EnergyConfig parameterizes graph construction and the contrastive
// objective.
type EnergyConfig struct {
	NoiseVar   float64 `yaml:"noise_var"`
	LossMargin float64 `yaml:"loss_margin"`
}

// DatasetsConfig names the validation and test splits.
type DatasetsConfig struct {
	Val  []string `yaml:"val"`
	Test []string `yaml:"test"`
}

// TrackingConfig points at the external run-tracking dashboard.
type TrackingConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
	Mute   bool   `yaml:"mute"`
}

// Default returns the baseline configuration before file and override
// merging.
func Default() *Config {
	return &Config{
		OutputDir: "output",
		Mode:      ModeSGDet,
		DType:     "float32",
		Model: ModelConfig{
			FrozenModules:      []string{"backbone", "rpn", "roi_heads.box"},
			SlowRatio:          10.0,
			NumEntityClasses:   151,
			NumRelationClasses: 51,
		},
		Solver: SolverConfig{
			MaxIter:          50000,
			ImagesPerBatch:   8,
			BaseLR:           0.01,
			BiasLRFactor:     2.0,
			Momentum:         0.9,
			WeightDecay:      1e-4,
			WeightDecayBias:  0.0,
			GradNormClip:     5.0,
			PrintPeriod:      200,
			PrintGradFreq:    5000,
			CheckpointPeriod: 2000,
			ToVal:            true,
			ValPeriod:        2000,
			Schedule: ScheduleConfig{
				Type:          ScheduleWarmupPlateau,
				Gamma:         0.1,
				WarmupIters:   500,
				WarmupFactor:  1.0 / 3.0,
				Factor:        0.1,
				Patience:      2,
				Threshold:     1e-4,
				Cooldown:      1,
				MaxDecaySteps: 3,
			},
		},
		Energy: EnergyConfig{
			NoiseVar:   0.001,
			LossMargin: 1.0,
		},
	}
}

// Load reads the YAML config at path, applies dotted-path overrides
// ("solver.base_lr=0.001"), and validates the result. The returned Config
// must be treated as immutable.
func Load(path string, overrides []string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %v", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %v", path, err)
		}
	}

	for _, ov := range overrides {
		if err := cfg.applyOverride(ov); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyOverride sets one dotted-path key. Only keys that are meaningful to
// override from a job script are exposed; unknown keys are an error so a
// typo fails the run at startup instead of silently training with defaults.
func (c *Config) applyOverride(ov string) error {
	key, val, found := strings.Cut(ov, "=")
	if !found {
		return fmt.Errorf("malformed override %q, want key=value", ov)
	}
	key = strings.ToLower(strings.TrimSpace(key))
	val = strings.TrimSpace(val)

	setInt := func(dst *int) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("override %s: %v", key, err)
		}
		*dst = n
		return nil
	}
	setFloat := func(dst *float64) error {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("override %s: %v", key, err)
		}
		*dst = f
		return nil
	}
	setBool := func(dst *bool) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("override %s: %v", key, err)
		}
		*dst = b
		return nil
	}

	switch key {
	case "output_dir":
		c.OutputDir = val
	case "mode":
		c.Mode = val
	case "dtype":
		c.DType = val
	case "dev_run":
		return setBool(&c.DevRun)
	case "solver.max_iter":
		return setInt(&c.Solver.MaxIter)
	case "solver.images_per_batch":
		return setInt(&c.Solver.ImagesPerBatch)
	case "solver.base_lr":
		return setFloat(&c.Solver.BaseLR)
	case "solver.momentum":
		return setFloat(&c.Solver.Momentum)
	case "solver.weight_decay":
		return setFloat(&c.Solver.WeightDecay)
	case "solver.grad_norm_clip":
		return setFloat(&c.Solver.GradNormClip)
	case "solver.print_period":
		return setInt(&c.Solver.PrintPeriod)
	case "solver.checkpoint_period":
		return setInt(&c.Solver.CheckpointPeriod)
	case "solver.val_period":
		return setInt(&c.Solver.ValPeriod)
	case "solver.to_val":
		return setBool(&c.Solver.ToVal)
	case "solver.pre_val":
		return setBool(&c.Solver.PreVal)
	case "solver.schedule.type":
		c.Solver.Schedule.Type = val
	case "solver.schedule.patience":
		return setInt(&c.Solver.Schedule.Patience)
	case "solver.schedule.max_decay_steps":
		return setInt(&c.Solver.Schedule.MaxDecaySteps)
	case "energy.noise_var":
		return setFloat(&c.Energy.NoiseVar)
	case "tracking.mute":
		return setBool(&c.Tracking.Mute)
	default:
		return fmt.Errorf("unknown override key %q", key)
	}
	return nil
}

// Validate enforces startup preconditions. Violations are fatal; there is
// no partial-config recovery.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModePredCls, ModeSGCls, ModeSGDet:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	switch c.DType {
	case "float32", "float16":
	default:
		return fmt.Errorf("unknown dtype %q, want float32 or float16", c.DType)
	}
	switch c.Solver.Schedule.Type {
	case ScheduleWarmupMultiStep, ScheduleWarmupPlateau:
	default:
		return fmt.Errorf("unknown schedule type %q", c.Solver.Schedule.Type)
	}
	if c.Solver.MaxIter <= 0 {
		return fmt.Errorf("solver.max_iter must be positive, got %d", c.Solver.MaxIter)
	}
	if c.Solver.BaseLR <= 0 {
		return fmt.Errorf("solver.base_lr must be positive, got %g", c.Solver.BaseLR)
	}
	if c.Solver.GradNormClip <= 0 {
		return fmt.Errorf("solver.grad_norm_clip must be positive, got %g", c.Solver.GradNormClip)
	}
	if c.Model.NumEntityClasses <= 0 || c.Model.NumRelationClasses <= 0 {
		return fmt.Errorf("class counts must be positive, got %d entity / %d relation",
			c.Model.NumEntityClasses, c.Model.NumRelationClasses)
	}
	if c.Energy.NoiseVar < 0 {
		return fmt.Errorf("energy.noise_var must be non-negative, got %g", c.Energy.NoiseVar)
	}
	return nil
}

// Save writes the resolved configuration into the output directory so a run
// can always be reproduced from its artifacts.
func (c *Config) Save(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %v", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write config to %s: %v", path, err)
	}
	return nil
}
