// Package model defines the narrow interfaces through which the training
// orchestrator consumes its collaborators: the detector, the energy model,
// the graph builders, the MCMC sampler and the contrastive loss function.
// Minimal reference implementations live in reference.go so the train
// binary and the test suite have something concrete to drive.
package model

import (
	"github.com/tsawler/go-ebm/config"
	"github.com/tsawler/go-ebm/data"
	"github.com/tsawler/go-ebm/graph"
)

// Features carries per-entity feature states produced by the detector,
// one row per entity across the batch.
type Features struct {
	Rows [][]float32
}

// Detector is the structured-prediction model. Forward returns the task
// loss terms, the detections, and per-entity feature states. Submodules
// exposes the named pretrained parts (backbone, region-proposal head,
// detection head) so the trainer can freeze them by name.
type Detector interface {
	Module
	Forward(batch *data.Batch) (LossDict, *data.Detections, *Features, error)
	Submodules() map[string]Module
}

// EnergyModel scores a scene-graph triple, one energy per example.
type EnergyModel interface {
	Module
	Score(ctx *graph.Context, sg *graph.SceneGraph, geom *graph.Geometry) (*Energy, error)
}

// GraphBuilder converts annotations or detections into scene-graph
// triples, perturbing coordinates with calibrated noise. A nil features
// argument to GroundTruthGraph signals the builder to derive node features
// independently (the fully-detected-entity mode).
type GraphBuilder interface {
	GroundTruthGraph(features *Features, images []data.Image, targets []*data.Target,
		det Detector, numEntityClasses, numRelationClasses int, noiseVar float64,
	) (*graph.Context, *graph.SceneGraph, *graph.Geometry, error)

	DetectionGraph(features *Features, images []data.Image, detections *data.Detections,
		det Detector, numEntityClasses int, mode string, noiseVar float64,
	) (*graph.Context, *graph.SceneGraph, *graph.Geometry, error)
}

// Sampler refines a predicted graph by running a short Markov chain under
// the energy model. With setGrad false the sampling process stays off the
// differentiable path; only the refined graph re-enters score computation.
type Sampler interface {
	Sample(em EnergyModel, ctx *graph.Context, sg *graph.SceneGraph, geom *graph.Geometry,
		mode string, setGrad bool) (*graph.SceneGraph, error)
}

// LossFunc maps the paired energies to named contrastive loss terms.
type LossFunc interface {
	Compute(cfg *config.Config, positive, negative *Energy) (LossDict, error)
}
