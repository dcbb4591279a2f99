package solver

import (
	"fmt"
	"math"

	"github.com/tsawler/go-ebm/config"
)

// Scheduler adjusts an optimizer's group learning rates once per
// iteration, after the optimizer step. Plateau-based schedulers consume
// the latest validation scalar; nil means no validation ran this
// iteration.
type Scheduler interface {
	Step(metric *float64, iteration int)
	State() map[string]float64
	LoadState(map[string]float64) error
}

// warmupFactor implements linear warmup shared by both schedulers.
func warmupFactor(iteration, warmupIters int, factor float64) float64 {
	if iteration >= warmupIters || warmupIters <= 0 {
		return 1
	}
	alpha := float64(iteration) / float64(warmupIters)
	return factor*(1-alpha) + alpha
}

// WarmupMultiStep decays the rate by gamma at fixed milestones, with
// linear warmup at the start.
type WarmupMultiStep struct {
	opt          *SGD
	milestones   []int
	gamma        float64
	warmupIters  int
	warmupStart  float64
	lastIter     int
}

// NewWarmupMultiStep builds the fixed-milestone scheduler from config.
func NewWarmupMultiStep(cfg config.ScheduleConfig, opt *SGD) (*WarmupMultiStep, error) {
	for i := 1; i < len(cfg.Steps); i++ {
		if cfg.Steps[i] <= cfg.Steps[i-1] {
			return nil, fmt.Errorf("schedule steps must be strictly increasing, got %v", cfg.Steps)
		}
	}
	return &WarmupMultiStep{
		opt:         opt,
		milestones:  cfg.Steps,
		gamma:       cfg.Gamma,
		warmupIters: cfg.WarmupIters,
		warmupStart: cfg.WarmupFactor,
	}, nil
}

// Step ignores the metric; decay depends only on the iteration count.
func (s *WarmupMultiStep) Step(_ *float64, iteration int) {
	s.lastIter = iteration
	passed := 0
	for _, m := range s.milestones {
		if iteration >= m {
			passed++
		}
	}
	factor := math.Pow(s.gamma, float64(passed)) * warmupFactor(iteration, s.warmupIters, s.warmupStart)
	for _, g := range s.opt.Groups() {
		g.LR = g.BaseLR * factor
	}
}

func (s *WarmupMultiStep) State() map[string]float64 {
	return map[string]float64{"last_iter": float64(s.lastIter)}
}

func (s *WarmupMultiStep) LoadState(m map[string]float64) error {
	s.lastIter = int(m["last_iter"])
	return nil
}

// WarmupPlateau decays the rate by a fixed factor each time the monitored
// validation metric stops improving for patience validation rounds. Each
// decay increments the stage count, which is the sole early-termination
// signal for plateau schedules.
type WarmupPlateau struct {
	opt         *SGD
	factor      float64
	patience    int
	threshold   float64
	cooldown    int
	warmupIters int
	warmupStart float64
	maximize    bool

	decay          float64
	stageCount     int
	best           float64
	initialized    bool
	badRounds      int
	cooldownRounds int
	lastIter       int
}

// NewWarmupPlateau builds the plateau scheduler from config. The monitored
// metric is a quality score, so improvement means increase.
func NewWarmupPlateau(cfg config.ScheduleConfig, opt *SGD) (*WarmupPlateau, error) {
	if cfg.Factor <= 0 || cfg.Factor >= 1 {
		return nil, fmt.Errorf("plateau factor must be in (0,1), got %g", cfg.Factor)
	}
	if cfg.Patience < 0 {
		return nil, fmt.Errorf("plateau patience must be non-negative, got %d", cfg.Patience)
	}
	return &WarmupPlateau{
		opt:         opt,
		factor:      cfg.Factor,
		patience:    cfg.Patience,
		threshold:   cfg.Threshold,
		cooldown:    cfg.Cooldown,
		warmupIters: cfg.WarmupIters,
		warmupStart: cfg.WarmupFactor,
		maximize:    true,
		decay:       1,
	}, nil
}

// StageCount reports how many plateau-triggered decays have fired.
func (s *WarmupPlateau) StageCount() int { return s.stageCount }

// Step folds a new validation result (if any) into the plateau state and
// rewrites group rates. A nil metric only advances warmup bookkeeping.
func (s *WarmupPlateau) Step(metric *float64, iteration int) {
	s.lastIter = iteration

	if metric != nil {
		switch {
		case !s.initialized:
			s.best = *metric
			s.initialized = true
		case s.cooldownRounds > 0:
			s.cooldownRounds--
			if s.improved(*metric) {
				s.best = *metric
			}
		case s.improved(*metric):
			s.best = *metric
			s.badRounds = 0
		default:
			s.badRounds++
			if s.badRounds > s.patience {
				s.decay *= s.factor
				s.stageCount++
				s.badRounds = 0
				s.cooldownRounds = s.cooldown
			}
		}
	}

	factor := s.decay * warmupFactor(iteration, s.warmupIters, s.warmupStart)
	for _, g := range s.opt.Groups() {
		g.LR = g.BaseLR * factor
	}
}

func (s *WarmupPlateau) improved(metric float64) bool {
	if s.maximize {
		return metric > s.best+s.threshold
	}
	return metric < s.best-s.threshold
}

func (s *WarmupPlateau) State() map[string]float64 {
	init := 0.0
	if s.initialized {
		init = 1
	}
	return map[string]float64{
		"decay":       s.decay,
		"stage_count": float64(s.stageCount),
		"best":        s.best,
		"initialized": init,
		"bad_rounds":  float64(s.badRounds),
		"cooldown":    float64(s.cooldownRounds),
		"last_iter":   float64(s.lastIter),
	}
}

func (s *WarmupPlateau) LoadState(m map[string]float64) error {
	if m == nil {
		return fmt.Errorf("nil scheduler state")
	}
	s.decay = m["decay"]
	if s.decay == 0 {
		s.decay = 1
	}
	s.stageCount = int(m["stage_count"])
	s.best = m["best"]
	s.initialized = m["initialized"] != 0
	s.badRounds = int(m["bad_rounds"])
	s.cooldownRounds = int(m["cooldown"])
	s.lastIter = int(m["last_iter"])
	return nil
}

// MakeScheduler builds the configured scheduler for one optimizer.
func MakeScheduler(cfg *config.Config, opt *SGD) (Scheduler, error) {
	switch cfg.Solver.Schedule.Type {
	case config.ScheduleWarmupMultiStep:
		return NewWarmupMultiStep(cfg.Solver.Schedule, opt)
	case config.ScheduleWarmupPlateau:
		return NewWarmupPlateau(cfg.Solver.Schedule, opt)
	default:
		return nil, fmt.Errorf("unknown schedule type %q", cfg.Solver.Schedule.Type)
	}
}
