// Package graph defines the scene-graph triple exchanged between the
// detector, the graph builders, the MCMC sampler and the energy model:
// an image-context embedding, a typed entity/relation graph, and the
// bounding geometry. Instances are built fresh each iteration and never
// persisted.
package graph

// Node is a typed entity with its feature vector.
type Node struct {
	Label   int
	Feature []float32
}

// Edge is a typed relation between two nodes, referenced by index.
type Edge struct {
	Subject   int
	Object    int
	Predicate int
	Feature   []float32
}

// SceneGraph is the relation-graph member of the triple.
type SceneGraph struct {
	Nodes []Node
	Edges []Edge
}

// Clone deep-copies the graph so a sampler can refine it without touching
// the builder's output.
func (g *SceneGraph) Clone() *SceneGraph {
	out := &SceneGraph{
		Nodes: make([]Node, len(g.Nodes)),
		Edges: make([]Edge, len(g.Edges)),
	}
	for i, n := range g.Nodes {
		out.Nodes[i] = Node{Label: n.Label, Feature: append([]float32(nil), n.Feature...)}
	}
	for i, e := range g.Edges {
		out.Edges[i] = Edge{Subject: e.Subject, Object: e.Object, Predicate: e.Predicate,
			Feature: append([]float32(nil), e.Feature...)}
	}
	return out
}

// Context is the per-image context embedding member of the triple.
type Context struct {
	Embeddings [][]float32 // one embedding per image in the batch
}

// Geometry is the bounding-geometry member of the triple. The grad flag
// marks whether the geometry participates in the differentiable path; the
// sampler always receives a detached copy.
type Geometry struct {
	Boxes [][4]float32
	grad  bool
}

// NewGeometry builds gradient-tracked geometry.
func NewGeometry(boxes [][4]float32) *Geometry {
	return &Geometry{Boxes: boxes, grad: true}
}

// RequiresGrad reports whether this geometry is on the differentiable path.
func (g *Geometry) RequiresGrad() bool { return g.grad }

// Detach returns a copy that shares no storage with the original and is
// excluded from the differentiable path.
func (g *Geometry) Detach() *Geometry {
	boxes := make([][4]float32, len(g.Boxes))
	copy(boxes, g.Boxes)
	return &Geometry{Boxes: boxes, grad: false}
}
