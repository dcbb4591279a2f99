package model

import "fmt"

// Parameter is one named, flat parameter tensor with its gradient buffer.
// Gradients are accumulated by backward hooks and consumed by the solver.
type Parameter struct {
	Name string
	Data []float32
	Grad []float32

	requiresGrad bool
}

// NewParameter creates a trainable parameter with a zeroed gradient buffer.
func NewParameter(name string, data []float32) *Parameter {
	return &Parameter{
		Name:         name,
		Data:         data,
		Grad:         make([]float32, len(data)),
		requiresGrad: true,
	}
}

// RequiresGrad reports whether the parameter receives gradient updates.
func (p *Parameter) RequiresGrad() bool { return p.requiresGrad }

// SetRequiresGrad toggles gradient computation for this parameter. It does
// not touch the owning module's training-statistics flag; the two are
// independent.
func (p *Parameter) SetRequiresGrad(b bool) { p.requiresGrad = b }

// ZeroGrad clears the gradient buffer.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// AddGrad accumulates g into the gradient buffer when gradients are
// enabled.
func (p *Parameter) AddGrad(g []float32) {
	if !p.requiresGrad {
		return
	}
	for i := range g {
		p.Grad[i] += g[i]
	}
}

// Module is the common surface of anything with parameters. Trainability
// and training-statistics behavior are two orthogonal capabilities: a
// frozen pretrained submodule keeps using training-time statistics while
// never receiving gradients, so the two flags must be settable
// independently.
type Module interface {
	NamedParameters() []*Parameter

	// Train enables gradients on every parameter and switches the module
	// to training-time statistics. Any freeze of a designated subset must
	// be re-applied afterwards.
	Train()
	// Eval disables gradients and switches to inference-time statistics.
	Eval()
	IsTraining() bool

	SetUseTrainingStats(bool)
	UsesTrainingStats() bool
}

// Base is the canonical Module implementation. Reference models and test
// fakes embed it and register their parameters at construction time.
type Base struct {
	params        []*Parameter
	trainingStats bool
}

// Register appends parameters to the module. Call once per parameter
// during construction.
func (b *Base) Register(params ...*Parameter) {
	b.params = append(b.params, params...)
}

// NamedParameters returns all registered parameters in registration order.
func (b *Base) NamedParameters() []*Parameter { return b.params }

// Train enables gradients everywhere and training-time statistics.
func (b *Base) Train() {
	for _, p := range b.params {
		p.SetRequiresGrad(true)
	}
	b.trainingStats = true
}

// Eval disables gradients and training-time statistics.
func (b *Base) Eval() {
	for _, p := range b.params {
		p.SetRequiresGrad(false)
	}
	b.trainingStats = false
}

// IsTraining reports whether the module uses training-time statistics.
func (b *Base) IsTraining() bool { return b.trainingStats }

// SetUseTrainingStats toggles statistics behavior without touching
// per-parameter gradient flags.
func (b *Base) SetUseTrainingStats(v bool) { b.trainingStats = v }

// UsesTrainingStats reports the statistics flag.
func (b *Base) UsesTrainingStats() bool { return b.trainingStats }

// TrainableParameters filters a module's parameters down to those with
// gradients enabled.
func TrainableParameters(m Module) []*Parameter {
	var out []*Parameter
	for _, p := range m.NamedParameters() {
		if p.RequiresGrad() {
			out = append(out, p)
		}
	}
	return out
}

// NumTrainable counts parameters with gradients enabled.
func NumTrainable(m Module) int {
	n := 0
	for _, p := range m.NamedParameters() {
		if p.RequiresGrad() {
			n++
		}
	}
	return n
}

// FindParameter looks a parameter up by name.
func FindParameter(m Module, name string) (*Parameter, error) {
	for _, p := range m.NamedParameters() {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no parameter named %q", name)
}
