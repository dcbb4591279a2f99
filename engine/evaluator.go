package engine

import (
	"context"

	"github.com/tsawler/go-ebm/data"
	"github.com/tsawler/go-ebm/model"
)

// EnergyGapEvaluator is the built-in quality metric: the fraction of
// examples whose ground-truth graph scores a lower energy than the
// predicted graph. It runs the same graph-construction path as training
// but with zero coordinate noise and, per the coordinator contract,
// sampling disabled, so repeated runs on unchanged models and data are
// deterministic.
type EnergyGapEvaluator struct {
	Mode               string
	NumEntityClasses   int
	NumRelationClasses int
}

// Evaluate scores every batch of the loader. Returns the sentinel
// NoLocalResult when the loader holds no examples for this worker.
func (e *EnergyGapEvaluator) Evaluate(ctx context.Context, det model.Detector, em model.EnergyModel,
	smp model.Sampler, builder model.GraphBuilder, loader data.Loader, withSample bool) (float64, error) {

	correct := 0
	total := 0

	for i := 0; i < loader.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch, err := loader.Batch(i)
		if err != nil {
			return 0, err
		}

		_, detections, feats, err := det.Forward(batch)
		if err != nil {
			return 0, err
		}

		gtFeats := feats
		if e.Mode == "sgdet" {
			gtFeats = nil
		}

		gtCtx, gtSG, gtGeom, err := builder.GroundTruthGraph(gtFeats, batch.Images, batch.Targets,
			det, e.NumEntityClasses, e.NumRelationClasses, 0)
		if err != nil {
			return 0, err
		}
		prCtx, prSG, prGeom, err := builder.DetectionGraph(feats, batch.Images, detections,
			det, e.NumEntityClasses, e.Mode, 0)
		if err != nil {
			return 0, err
		}

		if withSample {
			prSG, err = smp.Sample(em, prCtx, prSG, prGeom.Detach(), e.Mode, false)
			if err != nil {
				return 0, err
			}
		}

		pos, err := em.Score(gtCtx, gtSG, gtGeom)
		if err != nil {
			return 0, err
		}
		neg, err := em.Score(prCtx, prSG, prGeom)
		if err != nil {
			return 0, err
		}

		for j := range pos.Values {
			if j >= len(neg.Values) {
				break
			}
			if pos.Values[j] <= neg.Values[j] {
				correct++
			}
			total++
		}
	}

	if total == 0 {
		return NoLocalResult, nil
	}
	return float64(correct) / float64(total), nil
}
