package solver

import (
	"log/slog"
	"math"
	"sort"

	"github.com/tsawler/go-ebm/model"
)

// ClipGradNorm rescales gradients so their global norm does not exceed
// maxNorm, and returns the pre-clip norm. With verbose set it logs a
// per-parameter norm breakdown, largest first; the trainer enables that on
// the first iteration and thereafter on a fixed period.
func ClipGradNorm(params []*model.Parameter, maxNorm float64, logger *slog.Logger, verbose, clip bool) float64 {
	type paramNorm struct {
		name string
		norm float64
	}

	var norms []paramNorm
	total := 0.0
	for _, p := range params {
		if !p.RequiresGrad() {
			continue
		}
		sq := 0.0
		for _, g := range p.Grad {
			sq += float64(g) * float64(g)
		}
		total += sq
		if verbose {
			norms = append(norms, paramNorm{name: p.Name, norm: math.Sqrt(sq)})
		}
	}
	totalNorm := math.Sqrt(total)

	if verbose && logger != nil {
		sort.Slice(norms, func(i, j int) bool { return norms[i].norm > norms[j].norm })
		logger.Info("gradient norm breakdown", "total", totalNorm, "max_norm", maxNorm)
		for _, n := range norms {
			logger.Info("  param grad norm", "name", n.name, "norm", n.norm)
		}
	}

	if clip && maxNorm > 0 && totalNorm > maxNorm {
		coef := float32(maxNorm / (totalNorm + 1e-6))
		for _, p := range params {
			if !p.RequiresGrad() {
				continue
			}
			for i := range p.Grad {
				p.Grad[i] *= coef
			}
		}
	}
	return totalNorm
}

// FreezeModules disables gradient computation on the named detector
// submodules. It must be re-applied after every Train call, because Train
// re-enables gradients everywhere. It deliberately leaves the
// training-statistics flag alone: frozen pretrained modules keep using
// training-time statistics while never receiving updates.
func FreezeModules(det model.Detector, names []string) {
	subs := det.Submodules()
	for _, name := range names {
		sub, ok := subs[name]
		if !ok {
			continue
		}
		for _, p := range sub.NamedParameters() {
			p.SetRequiresGrad(false)
		}
	}
}
