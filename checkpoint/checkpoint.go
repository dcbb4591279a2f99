// Package checkpoint persists and restores training snapshots as JSON:
// model weights for both models, the energy optimizer and scheduler state,
// and the training iteration counter. A last_checkpoint pointer file makes
// resumption automatic.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tsawler/go-ebm/model"
	"github.com/tsawler/go-ebm/solver"
)

const lastCheckpointFile = "last_checkpoint"

// WeightTensor is one serialized parameter.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// TrainingState captures resumable progress. The iteration counter is the
// sole resumable state besides parameters and optimizer/scheduler state.
type TrainingState struct {
	Iteration int `json:"iteration"`
}

// Metadata tags a snapshot.
type Metadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is the on-disk checkpoint layout. The detector optimizer and
// scheduler are intentionally absent: only the energy model's optimization
// state is persisted for exact resumption. That asymmetry is inherited
// behavior, preserved as-is; it may be an oversight in the original
// training recipe rather than a design intent.
type Snapshot struct {
	DetectorWeights []WeightTensor     `json:"detector_weights"`
	EnergyWeights   []WeightTensor     `json:"energy_weights"`
	EnergyOptimizer *solver.State      `json:"energy_optimizer,omitempty"`
	EnergyScheduler map[string]float64 `json:"energy_scheduler,omitempty"`
	Training        TrainingState      `json:"training_state"`
	Metadata        Metadata           `json:"metadata"`
}

// Checkpointer owns the checkpoint directory. Only the primary writer
// (saveToDisk true) may persist; every rank may load.
type Checkpointer struct {
	dir        string
	saveToDisk bool
	logger     *slog.Logger

	detector model.Module
	energy   model.Module

	energyOptimizer *solver.SGD
	energyScheduler solver.Scheduler
}

// New creates a checkpointer for the model pair. energyOptimizer and
// energyScheduler may be nil when only weights are wanted.
func New(dir string, saveToDisk bool, logger *slog.Logger,
	detector, energy model.Module,
	energyOptimizer *solver.SGD, energyScheduler solver.Scheduler) *Checkpointer {
	return &Checkpointer{
		dir:             dir,
		saveToDisk:      saveToDisk,
		logger:          logger,
		detector:        detector,
		energy:          energy,
		energyOptimizer: energyOptimizer,
		energyScheduler: energyScheduler,
	}
}

// HasCheckpoint reports whether a prior run left a resumable snapshot.
func (c *Checkpointer) HasCheckpoint() bool {
	_, err := os.Stat(filepath.Join(c.dir, lastCheckpointFile))
	return err == nil
}

// LastCheckpoint returns the path recorded by the most recent save.
func (c *Checkpointer) LastCheckpoint() (string, error) {
	raw, err := os.ReadFile(filepath.Join(c.dir, lastCheckpointFile))
	if err != nil {
		return "", fmt.Errorf("failed to read last checkpoint pointer: %v", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// Save persists a named snapshot and updates the last_checkpoint pointer.
// Non-primary ranks return immediately so the directory has a single
// writer.
func (c *Checkpointer) Save(name string, iteration int) error {
	if !c.saveToDisk {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %v", err)
	}

	snap := &Snapshot{
		DetectorWeights: extractWeights(c.detector),
		EnergyWeights:   extractWeights(c.energy),
		Training:        TrainingState{Iteration: iteration},
		Metadata: Metadata{
			Version:   "1.0.0",
			Framework: "go-ebm",
			CreatedAt: time.Now(),
		},
	}
	if c.energyOptimizer != nil {
		snap.EnergyOptimizer = c.energyOptimizer.State()
	}
	if c.energyScheduler != nil {
		snap.EnergyScheduler = c.energyScheduler.State()
	}

	path := filepath.Join(c.dir, name+".json")
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	if err := encoder.Encode(snap); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}

	if err := os.WriteFile(filepath.Join(c.dir, lastCheckpointFile), []byte(path), 0o644); err != nil {
		return fmt.Errorf("failed to update last checkpoint pointer: %v", err)
	}

	if c.logger != nil {
		c.logger.Info("saved checkpoint", "path", path, "iteration", iteration)
	}
	return nil
}

// LoadOptions controls what Load restores.
type LoadOptions struct {
	// WithOptim restores the energy optimizer and scheduler state in
	// addition to weights.
	WithOptim bool
	// DetectorOnly restores detector weights only, for bootstrapping from
	// a pretrained detector checkpoint.
	DetectorOnly bool
}

// Load restores a snapshot. An empty path means the last recorded
// checkpoint. Returns the persisted iteration counter.
func (c *Checkpointer) Load(path string, opts LoadOptions) (int, error) {
	if path == "" {
		var err error
		path, err = c.LastCheckpoint()
		if err != nil {
			return 0, err
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open checkpoint %s: %v", path, err)
	}
	defer file.Close()

	var snap Snapshot
	if err := json.NewDecoder(file).Decode(&snap); err != nil {
		return 0, fmt.Errorf("failed to decode checkpoint %s: %v", path, err)
	}

	if err := loadWeights(c.detector, snap.DetectorWeights); err != nil {
		return 0, fmt.Errorf("detector weights: %v", err)
	}
	if opts.DetectorOnly {
		if c.logger != nil {
			c.logger.Info("loaded pretrained detector weights", "path", path)
		}
		return 0, nil
	}
	if err := loadWeights(c.energy, snap.EnergyWeights); err != nil {
		return 0, fmt.Errorf("energy weights: %v", err)
	}

	if opts.WithOptim {
		if c.energyOptimizer != nil && snap.EnergyOptimizer != nil {
			if err := c.energyOptimizer.LoadState(snap.EnergyOptimizer); err != nil {
				return 0, fmt.Errorf("energy optimizer state: %v", err)
			}
		}
		if c.energyScheduler != nil && snap.EnergyScheduler != nil {
			if err := c.energyScheduler.LoadState(snap.EnergyScheduler); err != nil {
				return 0, fmt.Errorf("energy scheduler state: %v", err)
			}
		}
	}

	if c.logger != nil {
		c.logger.Info("loaded checkpoint", "path", path, "iteration", snap.Training.Iteration)
	}
	return snap.Training.Iteration, nil
}

func extractWeights(m model.Module) []WeightTensor {
	if m == nil {
		return nil
	}
	params := m.NamedParameters()
	out := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		out = append(out, WeightTensor{
			Name:  p.Name,
			Shape: []int{len(p.Data)},
			Data:  append([]float32(nil), p.Data...),
		})
	}
	return out
}

func loadWeights(m model.Module, weights []WeightTensor) error {
	if m == nil || weights == nil {
		return nil
	}
	byName := make(map[string][]float32, len(weights))
	for _, w := range weights {
		byName[w.Name] = w.Data
	}
	for _, p := range m.NamedParameters() {
		data, ok := byName[p.Name]
		if !ok {
			continue
		}
		if len(data) != len(p.Data) {
			return fmt.Errorf("parameter %s: checkpoint has %d values, model expects %d",
				p.Name, len(data), len(p.Data))
		}
		copy(p.Data, data)
	}
	return nil
}
