package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-ebm/config"
	"github.com/tsawler/go-ebm/data"
	"github.com/tsawler/go-ebm/graph"
)

// FeatureDim is the entity feature width used by the reference models and
// the fallback feature derivation in BoxBuilder.
const FeatureDim = 8

// featureFromBox derives an entity feature from normalized geometry and
// the entity label. Used when the graph builder receives no node features.
func featureFromBox(img data.Image, box [4]float32, label, numClasses int) []float32 {
	w := float32(img.Width)
	h := float32(img.Height)
	if w == 0 {
		w = 1
	}
	if h == 0 {
		h = 1
	}
	cx := (box[0] + box[2]) / 2 / w
	cy := (box[1] + box[3]) / 2 / h
	bw := (box[2] - box[0]) / w
	bh := (box[3] - box[1]) / h
	lbl := float32(label) / float32(numClasses)
	return []float32{cx, cy, bw, bh, bw * bh, lbl, lbl * lbl, 1}
}

// subModule is a named view over a slice of a parent's parameters with an
// independent training-statistics flag.
type subModule struct {
	Base
}

func newSubModule(params []*Parameter) *subModule {
	m := &subModule{}
	m.Register(params...)
	m.SetUseTrainingStats(true)
	return m
}

// LinearDetector is a minimal detector: a linear score over derived entity
// features per head. It is not a serious vision model; it exists so the
// training path can be driven end to end and so the test suite has a
// detector with realistically named submodules.
type LinearDetector struct {
	Base
	numEntityClasses   int
	numRelationClasses int

	objWeight *Parameter
	relWeight *Parameter

	submodules map[string]Module
}

// NewLinearDetector builds the reference detector with the standard
// pretrained submodule names: backbone, rpn, roi_heads.box.
func NewLinearDetector(numEntityClasses, numRelationClasses int) *LinearDetector {
	d := &LinearDetector{
		numEntityClasses:   numEntityClasses,
		numRelationClasses: numRelationClasses,
	}

	backbone := NewParameter("backbone.body.conv1.weight", make([]float32, FeatureDim))
	rpn := NewParameter("rpn.head.conv.weight", make([]float32, FeatureDim))
	box := NewParameter("roi_heads.box.predictor.cls_score.weight", make([]float32, FeatureDim))
	d.objWeight = NewParameter("roi_heads.relation.predictor.obj.weight", make([]float32, FeatureDim))
	d.relWeight = NewParameter("roi_heads.relation.predictor.rel.weight", make([]float32, FeatureDim))
	slow := NewParameter("roi_heads.relation.box_feature_extractor.fc.weight", make([]float32, FeatureDim))
	bias := NewParameter("roi_heads.relation.predictor.obj.bias", make([]float32, 1))

	rng := rand.New(rand.NewSource(7))
	for _, p := range []*Parameter{backbone, rpn, box, d.objWeight, d.relWeight, slow, bias} {
		for i := range p.Data {
			p.Data[i] = float32(rng.NormFloat64() * 0.1)
		}
	}

	d.Register(backbone, rpn, box, d.objWeight, d.relWeight, slow, bias)
	d.submodules = map[string]Module{
		"backbone":      newSubModule([]*Parameter{backbone}),
		"rpn":           newSubModule([]*Parameter{rpn}),
		"roi_heads.box": newSubModule([]*Parameter{box}),
	}
	d.SetUseTrainingStats(true)
	return d
}

// Submodules exposes the named pretrained parts for freezing.
func (d *LinearDetector) Submodules() map[string]Module { return d.submodules }

// Forward scores every annotated entity, emits the targets' geometry back
// as detections, and returns squared-error task losses over the relation
// head. Empty targets contribute nothing and do not fail.
func (d *LinearDetector) Forward(batch *data.Batch) (LossDict, *data.Detections, *Features, error) {
	if len(batch.Images) != len(batch.Targets) {
		return nil, nil, nil, fmt.Errorf("batch has %d images but %d targets", len(batch.Images), len(batch.Targets))
	}

	det := &data.Detections{PerImage: make([]int, len(batch.Images))}
	feats := &Features{}
	var rows [][]float32
	var labels []int

	for i, target := range batch.Targets {
		det.PerImage[i] = target.Len()
		for _, e := range target.Entities {
			x := featureFromBox(batch.Images[i], e.Box, e.Label, d.numEntityClasses)
			rows = append(rows, x)
			labels = append(labels, e.Label)
			det.Boxes = append(det.Boxes, e.Box)
			det.Labels = append(det.Labels, e.Label)
			det.Scores = append(det.Scores, 1.0)
		}
	}
	feats.Rows = rows

	lossObj := d.headLoss(d.objWeight, rows, labels, d.numEntityClasses)
	lossRel := d.headLoss(d.relWeight, rows, labels, d.numRelationClasses)

	losses := LossDict{
		"loss_obj": lossObj,
		"loss_rel": lossRel,
	}
	return losses, det, feats, nil
}

// headLoss is mean squared error between the head's linear score and the
// normalized label, with an exact gradient hook into the head weight.
func (d *LinearDetector) headLoss(w *Parameter, rows [][]float32, labels []int, numClasses int) *Scalar {
	n := len(rows)
	if n == 0 {
		return NewScalar(0)
	}

	residuals := make([]float64, n)
	total := 0.0
	for i, x := range rows {
		pred := 0.0
		for j, xj := range x {
			pred += float64(w.Data[j]) * float64(xj)
		}
		r := pred - float64(labels[i])/float64(numClasses)
		residuals[i] = r
		total += r * r
	}
	value := total / float64(n)

	rowsCopy := rows
	return NewScalar(value, func(upstream float64) {
		g := make([]float32, len(w.Data))
		for i, x := range rowsCopy {
			c := 2 * residuals[i] / float64(n) * upstream
			for j, xj := range x {
				g[j] += float32(c * float64(xj))
			}
		}
		w.AddGrad(g)
	})
}

// BilinearEnergy scores a scene graph as a context term per image plus
// shared node and edge terms.
type BilinearEnergy struct {
	Base
	ctxWeight  *Parameter
	nodeWeight *Parameter
	edgeWeight *Parameter
}

// NewBilinearEnergy builds the reference energy model.
func NewBilinearEnergy() *BilinearEnergy {
	e := &BilinearEnergy{
		ctxWeight:  NewParameter("energy.context.weight", make([]float32, FeatureDim)),
		nodeWeight: NewParameter("energy.node.weight", make([]float32, FeatureDim)),
		edgeWeight: NewParameter("energy.edge.weight", make([]float32, FeatureDim)),
	}
	rng := rand.New(rand.NewSource(11))
	for _, p := range []*Parameter{e.ctxWeight, e.nodeWeight, e.edgeWeight} {
		for i := range p.Data {
			p.Data[i] = float32(rng.NormFloat64() * 0.1)
		}
	}
	e.Register(e.ctxWeight, e.nodeWeight, e.edgeWeight)
	e.SetUseTrainingStats(true)
	return e
}

// Score produces one energy per image. The backward hook accumulates exact
// gradients into the energy parameters only; the detector path is reached
// through the task losses, not through scoring.
func (e *BilinearEnergy) Score(ctx *graph.Context, sg *graph.SceneGraph, geom *graph.Geometry) (*Energy, error) {
	if ctx == nil {
		return nil, fmt.Errorf("nil graph context")
	}

	dot := func(w *Parameter, x []float32) float64 {
		s := 0.0
		for j := range x {
			if j >= len(w.Data) {
				break
			}
			s += float64(w.Data[j]) * float64(x[j])
		}
		return s
	}

	shared := 0.0
	for _, n := range sg.Nodes {
		shared += dot(e.nodeWeight, n.Feature)
	}
	if len(sg.Nodes) > 0 {
		shared /= float64(len(sg.Nodes))
	}
	edgeTerm := 0.0
	for _, ed := range sg.Edges {
		edgeTerm += dot(e.edgeWeight, ed.Feature)
	}
	if len(sg.Edges) > 0 {
		edgeTerm /= float64(len(sg.Edges))
	}
	shared += edgeTerm

	values := make([]float64, len(ctx.Embeddings))
	for i, emb := range ctx.Embeddings {
		values[i] = dot(e.ctxWeight, emb) + shared
	}

	graphRef := sg
	ctxRef := ctx
	hook := func(upstream []float64) {
		mean := 0.0
		for _, u := range upstream {
			mean += u
		}
		if len(upstream) > 0 {
			mean /= float64(len(upstream))
		}

		gc := make([]float32, len(e.ctxWeight.Data))
		for i, emb := range ctxRef.Embeddings {
			if i >= len(upstream) {
				break
			}
			for j := range emb {
				if j >= len(gc) {
					break
				}
				gc[j] += float32(upstream[i] * float64(emb[j]))
			}
		}
		e.ctxWeight.AddGrad(gc)

		if len(graphRef.Nodes) > 0 {
			gn := make([]float32, len(e.nodeWeight.Data))
			c := mean * float64(len(upstream)) / float64(len(graphRef.Nodes))
			for _, n := range graphRef.Nodes {
				for j := range n.Feature {
					if j >= len(gn) {
						break
					}
					gn[j] += float32(c * float64(n.Feature[j]))
				}
			}
			e.nodeWeight.AddGrad(gn)
		}
		if len(graphRef.Edges) > 0 {
			ge := make([]float32, len(e.edgeWeight.Data))
			c := mean * float64(len(upstream)) / float64(len(graphRef.Edges))
			for _, ed := range graphRef.Edges {
				for j := range ed.Feature {
					if j >= len(ge) {
						break
					}
					ge[j] += float32(c * float64(ed.Feature[j]))
				}
			}
			e.edgeWeight.AddGrad(ge)
		}
	}

	if !e.UsesTrainingStats() {
		hook = nil // inference-mode scores stay off the backward path
	}
	return NewEnergy(values, hook), nil
}

// IdentitySampler is the degenerate refinement kernel: zero transition
// steps, the predicted graph passes through unchanged. Real kernels plug
// in through the Sampler interface.
type IdentitySampler struct{}

func (IdentitySampler) Sample(_ EnergyModel, _ *graph.Context, sg *graph.SceneGraph,
	geom *graph.Geometry, _ string, setGrad bool) (*graph.SceneGraph, error) {
	if setGrad {
		return nil, fmt.Errorf("sampling with gradient tracking is not supported")
	}
	if geom.RequiresGrad() {
		return nil, fmt.Errorf("sampler requires detached geometry")
	}
	return sg.Clone(), nil
}

// SoftplusContrastiveLoss implements the contrastive-divergence objective
// softplus(positive - negative + margin) plus a small energy-magnitude
// regularizer, with exact per-example gradients.
type SoftplusContrastiveLoss struct{}

func (SoftplusContrastiveLoss) Compute(cfg *config.Config, positive, negative *Energy) (LossDict, error) {
	gap := positive.Mean() - negative.Mean() + cfg.Energy.LossMargin

	// Numerically stable softplus.
	var value float64
	if gap > 30 {
		value = gap
	} else {
		value = math.Log1p(math.Exp(gap))
	}
	sigma := 1 / (1 + math.Exp(-gap))

	main := NewScalar(value, func(upstream float64) {
		if n := len(positive.Values); n > 0 {
			g := make([]float64, n)
			for i := range g {
				g[i] = upstream * sigma / float64(n)
			}
			positive.Backward(g)
		}
		if n := len(negative.Values); n > 0 {
			g := make([]float64, n)
			for i := range g {
				g[i] = -upstream * sigma / float64(n)
			}
			negative.Backward(g)
		}
	})

	const regCoef = 1e-3
	pm, nm := positive.Mean(), negative.Mean()
	reg := NewScalar(regCoef*(pm*pm+nm*nm), func(upstream float64) {
		if n := len(positive.Values); n > 0 {
			g := make([]float64, n)
			for i := range g {
				g[i] = upstream * regCoef * 2 * pm / float64(n)
			}
			positive.Backward(g)
		}
		if n := len(negative.Values); n > 0 {
			g := make([]float64, n)
			for i := range g {
				g[i] = upstream * regCoef * 2 * nm / float64(n)
			}
			negative.Backward(g)
		}
	})

	return LossDict{
		"loss_energy":     main,
		"loss_energy_reg": reg,
	}, nil
}

// BoxBuilder is the reference graph builder: nodes from boxes and labels,
// Gaussian coordinate noise with variance noiseVar, context embeddings
// from image geometry. It tolerates empty targets.
type BoxBuilder struct {
	rng *rand.Rand
}

// NewBoxBuilder creates a builder with its own noise source.
func NewBoxBuilder(seed int64) *BoxBuilder {
	return &BoxBuilder{rng: rand.New(rand.NewSource(seed))}
}

func (b *BoxBuilder) noisy(box [4]float32, noiseVar float64) [4]float32 {
	if noiseVar <= 0 {
		return box
	}
	std := math.Sqrt(noiseVar)
	var out [4]float32
	for i := range box {
		out[i] = box[i] + float32(b.rng.NormFloat64()*std)
	}
	return out
}

func (b *BoxBuilder) contextEmbedding(img data.Image, boxes [][4]float32) []float32 {
	emb := make([]float32, FeatureDim)
	emb[0] = float32(img.Width) / 1000
	emb[1] = float32(img.Height) / 1000
	for _, box := range boxes {
		emb[2] += (box[2] - box[0]) / float32(max(img.Width, 1))
		emb[3] += (box[3] - box[1]) / float32(max(img.Height, 1))
	}
	if len(boxes) > 0 {
		emb[2] /= float32(len(boxes))
		emb[3] /= float32(len(boxes))
	}
	emb[FeatureDim-1] = 1
	return emb
}

// GroundTruthGraph builds the positive graph from annotations.
func (b *BoxBuilder) GroundTruthGraph(features *Features, images []data.Image, targets []*data.Target,
	_ Detector, numEntityClasses, numRelationClasses int, noiseVar float64,
) (*graph.Context, *graph.SceneGraph, *graph.Geometry, error) {
	if len(images) != len(targets) {
		return nil, nil, nil, fmt.Errorf("got %d images but %d targets", len(images), len(targets))
	}

	ctx := &graph.Context{}
	sg := &graph.SceneGraph{}
	var boxes [][4]float32

	row := 0
	for i, target := range targets {
		var imgBoxes [][4]float32
		offset := len(sg.Nodes)
		for _, e := range target.Entities {
			box := b.noisy(e.Box, noiseVar)
			var feat []float32
			if features != nil {
				if row >= len(features.Rows) {
					return nil, nil, nil, fmt.Errorf("feature rows exhausted at entity %d", row)
				}
				feat = features.Rows[row]
			} else {
				feat = featureFromBox(images[i], box, e.Label, numEntityClasses)
			}
			row++
			sg.Nodes = append(sg.Nodes, graph.Node{Label: e.Label, Feature: feat})
			boxes = append(boxes, box)
			imgBoxes = append(imgBoxes, box)
		}
		for _, r := range target.Relations {
			if r.Predicate >= numRelationClasses {
				continue
			}
			feat := make([]float32, FeatureDim)
			feat[0] = float32(r.Predicate) / float32(numRelationClasses)
			feat[FeatureDim-1] = 1
			sg.Edges = append(sg.Edges, graph.Edge{
				Subject:   offset + r.Subject,
				Object:    offset + r.Object,
				Predicate: r.Predicate,
				Feature:   feat,
			})
		}
		ctx.Embeddings = append(ctx.Embeddings, b.contextEmbedding(images[i], imgBoxes))
	}

	return ctx, sg, graph.NewGeometry(boxes), nil
}

// DetectionGraph builds the negative graph from detector output. Predicted
// relations start as an untyped chain; refining them is the sampler's job.
func (b *BoxBuilder) DetectionGraph(features *Features, images []data.Image, detections *data.Detections,
	_ Detector, numEntityClasses int, mode string, noiseVar float64,
) (*graph.Context, *graph.SceneGraph, *graph.Geometry, error) {
	if detections == nil {
		return nil, nil, nil, fmt.Errorf("nil detections")
	}
	if len(detections.PerImage) != len(images) {
		return nil, nil, nil, fmt.Errorf("detections cover %d images, batch has %d",
			len(detections.PerImage), len(images))
	}

	ctx := &graph.Context{}
	sg := &graph.SceneGraph{}
	var boxes [][4]float32

	row := 0
	for i, count := range detections.PerImage {
		var imgBoxes [][4]float32
		offset := len(sg.Nodes)
		for k := 0; k < count; k++ {
			box := b.noisy(detections.Boxes[row], noiseVar)
			var feat []float32
			if features != nil && row < len(features.Rows) {
				feat = features.Rows[row]
			} else {
				feat = featureFromBox(images[i], box, detections.Labels[row], numEntityClasses)
			}
			sg.Nodes = append(sg.Nodes, graph.Node{Label: detections.Labels[row], Feature: feat})
			boxes = append(boxes, box)
			imgBoxes = append(imgBoxes, box)
			row++
		}
		for k := 0; k+1 < count; k++ {
			feat := make([]float32, FeatureDim)
			feat[FeatureDim-1] = 1
			sg.Edges = append(sg.Edges, graph.Edge{Subject: offset + k, Object: offset + k + 1, Feature: feat})
		}
		ctx.Embeddings = append(ctx.Embeddings, b.contextEmbedding(images[i], imgBoxes))
	}

	return ctx, sg, graph.NewGeometry(boxes), nil
}
