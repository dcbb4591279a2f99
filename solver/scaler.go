package solver

import (
	"fmt"
	"math"
)

// GradScaler is the shared mixed-precision loss-scale state machine. Both
// optimizers step through the one scaler so a single consistent scale
// factor covers both parameter sets in the same iteration: the combined
// objective is scaled once, backward runs once, and each optimizer is
// unscaled and stepped against the same factor.
//
// The scale moves through three states: stable, backoff after an overflow,
// and growth after growthInterval consecutive clean update rounds.
type GradScaler struct {
	enabled        bool
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	lossSlots      int

	goodRounds    int
	overflowSeen  bool
	unscaledRound map[*SGD]bool
}

// NewGradScaler configures the scaler from the numeric dtype. Mixed
// precision is active for "float16"; "float32" yields a pass-through
// scaler. Any other dtype is a startup precondition failure.
func NewGradScaler(dtype string, lossSlots int) (*GradScaler, error) {
	switch dtype {
	case "float16":
		return &GradScaler{
			enabled:        true,
			scale:          65536,
			growthFactor:   2,
			backoffFactor:  0.5,
			growthInterval: 2000,
			lossSlots:      lossSlots,
			unscaledRound:  make(map[*SGD]bool),
		}, nil
	case "float32":
		return &GradScaler{
			enabled:       false,
			scale:         1,
			lossSlots:     lossSlots,
			unscaledRound: make(map[*SGD]bool),
		}, nil
	default:
		return nil, fmt.Errorf("mixed precision support unavailable for dtype %q", dtype)
	}
}

// Enabled reports whether loss scaling is active.
func (s *GradScaler) Enabled() bool { return s.enabled }

// Scale returns the current scale factor.
func (s *GradScaler) Scale() float64 { return s.scale }

// ScaleLoss multiplies an upstream loss gradient by the current scale.
// Called exactly once per iteration, on the combined objective.
func (s *GradScaler) ScaleLoss(upstream float64) float64 {
	return upstream * s.scale
}

// UnscaleGrads divides the optimizer's gradients back into true units so
// clipping thresholds apply in unscaled space. Idempotent within one
// update round.
func (s *GradScaler) UnscaleGrads(opt *SGD) {
	if !s.enabled || s.unscaledRound[opt] {
		return
	}
	inv := float32(1 / s.scale)
	for _, g := range opt.Groups() {
		for _, p := range g.Params {
			if !p.RequiresGrad() {
				continue
			}
			for i := range p.Grad {
				p.Grad[i] *= inv
			}
		}
	}
	s.unscaledRound[opt] = true
}

// StepAndUnscale unscales the optimizer's gradients if that has not
// happened yet this round, then steps it unless an overflow (inf/NaN
// gradient) is detected. Returns whether the update was skipped.
func (s *GradScaler) StepAndUnscale(opt *SGD) (bool, error) {
	s.UnscaleGrads(opt)

	if s.enabled && s.hasOverflow(opt) {
		s.overflowSeen = true
		return true, nil
	}
	if err := opt.Step(); err != nil {
		return false, err
	}
	return false, nil
}

// Update closes the round: back off after an overflow, grow after enough
// consecutive clean rounds. Call once per iteration after both optimizers
// have stepped.
func (s *GradScaler) Update() {
	if !s.enabled {
		return
	}
	if s.overflowSeen {
		s.scale *= s.backoffFactor
		if s.scale < 1 {
			s.scale = 1
		}
		s.goodRounds = 0
	} else {
		s.goodRounds++
		if s.goodRounds >= s.growthInterval {
			s.scale *= s.growthFactor
			s.goodRounds = 0
		}
	}
	s.overflowSeen = false
	clear(s.unscaledRound)
}

func (s *GradScaler) hasOverflow(opt *SGD) bool {
	for _, g := range opt.Groups() {
		for _, p := range g.Params {
			if !p.RequiresGrad() {
				continue
			}
			for _, v := range p.Grad {
				f := float64(v)
				if math.IsInf(f, 0) || math.IsNaN(f) {
					return true
				}
			}
		}
	}
	return false
}
