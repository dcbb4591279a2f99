// Package solver owns the dual-optimization machinery: per-model SGD
// optimizers with slow/normal parameter-group partitioning, warmup
// learning-rate schedules, the shared mixed-precision gradient scale, and
// gradient clipping diagnostics.
package solver

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tsawler/go-ebm/config"
	"github.com/tsawler/go-ebm/model"
)

// ParamGroup is one learning-rate domain inside an optimizer. The
// partition into groups is fixed at construction and never mutated;
// schedulers only rewrite LR, always derived from BaseLR.
type ParamGroup struct {
	Params      []*model.Parameter
	LR          float64
	BaseLR      float64
	WeightDecay float64
	Slow        bool
}

// SGD is momentum SGD over parameter groups. Parameters are only ever
// mutated here, by Step.
type SGD struct {
	groups     []*ParamGroup
	momentum   float64
	velocities map[string][]float32
}

// NewSGD creates an optimizer over pre-partitioned groups.
func NewSGD(groups []*ParamGroup, momentum float64) *SGD {
	return &SGD{
		groups:     groups,
		momentum:   momentum,
		velocities: make(map[string][]float32),
	}
}

// MakeOptimizer partitions a module's parameters into groups and wraps
// them in SGD. The rules, applied per parameter at construction time:
//   - base rate is cfg.Solver.BaseLR * rlFactor
//   - bias parameters get the bias LR factor and bias weight decay
//   - parameters whose name starts with a slow-head prefix run at
//     rate/slowRatio ("slow" groups)
func MakeOptimizer(cfg *config.Config, m model.Module, logger *slog.Logger,
	slowHeads []string, slowRatio, rlFactor float64) *SGD {

	var normal, normalBias, slow []*model.Parameter
	for _, p := range m.NamedParameters() {
		isSlow := false
		for _, prefix := range slowHeads {
			if strings.HasPrefix(p.Name, prefix) {
				isSlow = true
				break
			}
		}
		switch {
		case isSlow:
			slow = append(slow, p)
		case strings.HasSuffix(p.Name, ".bias"):
			normalBias = append(normalBias, p)
		default:
			normal = append(normal, p)
		}
	}

	baseLR := cfg.Solver.BaseLR * rlFactor
	var groups []*ParamGroup
	if len(slow) > 0 {
		if slowRatio <= 0 {
			slowRatio = 1
		}
		logger.Info("using slow learning rate for parameter groups",
			"count", len(slow), "ratio", slowRatio)
		groups = append(groups, &ParamGroup{
			Params:      slow,
			LR:          baseLR / slowRatio,
			BaseLR:      baseLR / slowRatio,
			WeightDecay: cfg.Solver.WeightDecay,
			Slow:        true,
		})
	}
	if len(normalBias) > 0 {
		groups = append(groups, &ParamGroup{
			Params:      normalBias,
			LR:          baseLR * cfg.Solver.BiasLRFactor,
			BaseLR:      baseLR * cfg.Solver.BiasLRFactor,
			WeightDecay: cfg.Solver.WeightDecayBias,
		})
	}
	groups = append(groups, &ParamGroup{
		Params:      normal,
		LR:          baseLR,
		BaseLR:      baseLR,
		WeightDecay: cfg.Solver.WeightDecay,
	})

	return NewSGD(groups, cfg.Solver.Momentum)
}

// Groups exposes the fixed group partition.
func (o *SGD) Groups() []*ParamGroup { return o.groups }

// LearningRate reports the last group's current rate, which is the
// "normal" rate used in progress lines.
func (o *SGD) LearningRate() float64 {
	if len(o.groups) == 0 {
		return 0
	}
	return o.groups[len(o.groups)-1].LR
}

// ZeroGrad clears gradients on every parameter in every group.
func (o *SGD) ZeroGrad() {
	for _, g := range o.groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// Step applies one momentum SGD update to every trainable parameter.
func (o *SGD) Step() error {
	for _, g := range o.groups {
		for _, p := range g.Params {
			if !p.RequiresGrad() {
				continue
			}
			if len(p.Grad) != len(p.Data) {
				return fmt.Errorf("parameter %s: gradient length %d != data length %d",
					p.Name, len(p.Grad), len(p.Data))
			}

			v, ok := o.velocities[p.Name]
			if !ok {
				v = make([]float32, len(p.Data))
				o.velocities[p.Name] = v
			}
			for i := range p.Data {
				grad := p.Grad[i] + float32(g.WeightDecay)*p.Data[i]
				v[i] = float32(o.momentum)*v[i] + grad
				p.Data[i] -= float32(g.LR) * v[i]
			}
		}
	}
	return nil
}

// State snapshots momentum buffers and group rates for checkpointing.
type State struct {
	Momentum   float64              `json:"momentum"`
	GroupLRs   []float64            `json:"group_lrs"`
	Velocities map[string][]float32 `json:"velocities"`
}

// State extracts the optimizer state.
func (o *SGD) State() *State {
	s := &State{
		Momentum:   o.momentum,
		Velocities: make(map[string][]float32, len(o.velocities)),
	}
	for _, g := range o.groups {
		s.GroupLRs = append(s.GroupLRs, g.LR)
	}
	for name, v := range o.velocities {
		s.Velocities[name] = append([]float32(nil), v...)
	}
	return s
}

// LoadState restores momentum buffers and group rates.
func (o *SGD) LoadState(s *State) error {
	if s == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if len(s.GroupLRs) != len(o.groups) {
		return fmt.Errorf("state has %d groups, optimizer has %d", len(s.GroupLRs), len(o.groups))
	}
	o.momentum = s.Momentum
	for i, g := range o.groups {
		g.LR = s.GroupLRs[i]
	}
	o.velocities = make(map[string][]float32, len(s.Velocities))
	for name, v := range s.Velocities {
		o.velocities[name] = append([]float32(nil), v...)
	}
	return nil
}
