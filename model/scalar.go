package model

import "fmt"

// Scalar is a differentiable scalar value. Collaborators attach backward
// hooks that receive the upstream gradient and accumulate into their own
// parameter buffers; the orchestrator only ever calls Backward once per
// iteration on the combined objective.
type Scalar struct {
	Value float64
	hooks []func(upstream float64)
}

// NewScalar builds a scalar with optional backward hooks.
func NewScalar(v float64, hooks ...func(float64)) *Scalar {
	return &Scalar{Value: v, hooks: hooks}
}

// Backward fans the upstream gradient out to every hook.
func (s *Scalar) Backward(upstream float64) {
	for _, h := range s.hooks {
		h(upstream)
	}
}

// Add sums two scalars, concatenating their backward paths.
func Add(a, b *Scalar) *Scalar {
	out := &Scalar{Value: a.Value + b.Value}
	out.hooks = append(out.hooks, a.hooks...)
	out.hooks = append(out.hooks, b.hooks...)
	return out
}

// LossDict maps loss-term names to scalar terms. Task and energy losses
// use disjoint key namespaces.
type LossDict map[string]*Scalar

// Sum adds all terms into one scalar whose backward covers every term.
func (d LossDict) Sum() *Scalar {
	out := &Scalar{}
	for _, s := range d {
		out.Value += s.Value
		out.hooks = append(out.hooks, s.hooks...)
	}
	return out
}

// Values snapshots term values for logging.
func (d LossDict) Values() map[string]float64 {
	out := make(map[string]float64, len(d))
	for k, s := range d {
		out[k] = s.Value
	}
	return out
}

// MergeLossDicts unions two dictionaries by key. A key collision means two
// loss sources share a namespace, which is a wiring bug, so it is an error
// rather than a silent overwrite.
func MergeLossDicts(a, b LossDict) (LossDict, error) {
	out := make(LossDict, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if _, exists := out[k]; exists {
			return nil, fmt.Errorf("loss key %q present in both dictionaries", k)
		}
		out[k] = v
	}
	return out, nil
}

// Energy is a per-example energy score with its backward path into the
// energy model. No batch-level aggregation is assumed beyond client-side
// averaging.
type Energy struct {
	Values []float64
	hook   func(upstream []float64)
}

// NewEnergy wraps per-example values with a backward hook. A nil hook
// makes the energy inert under backward, which is how inference-mode
// scoring is expressed.
func NewEnergy(values []float64, hook func([]float64)) *Energy {
	return &Energy{Values: values, hook: hook}
}

// Mean averages the per-example values. Zero-length energies average to
// zero so empty-entity targets do not poison diagnostics.
func (e *Energy) Mean() float64 {
	if len(e.Values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range e.Values {
		sum += v
	}
	return sum / float64(len(e.Values))
}

// Backward sends per-example upstream gradients into the energy model.
func (e *Energy) Backward(upstream []float64) {
	if e.hook != nil {
		e.hook(upstream)
	}
}
