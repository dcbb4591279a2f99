package data

import (
	"fmt"
	"math/rand"
)

// Entity is one annotated object in an image.
type Entity struct {
	Label int
	Box   [4]float32 // x1, y1, x2, y2
}

// Relation is a typed edge between two entities of the same target,
// referenced by index.
type Relation struct {
	Subject   int
	Object    int
	Predicate int
}

// Target holds the ground-truth annotations for one image. A target with
// zero entities is representable; downstream code must tolerate it.
type Target struct {
	Entities  []Entity
	Relations []Relation
}

// Len returns the number of annotated entities.
func (t *Target) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Entities)
}

// Image is the per-image context handed to the detector and graph builder.
// Pixel payloads live with the real dataset pipeline; the orchestrator only
// needs dimensions for coordinate normalization.
type Image struct {
	Width  int
	Height int
}

// Detections is the detector's per-batch output: one box/label/score row
// per detected entity, plus per-image entity counts so rows can be split
// back out.
type Detections struct {
	Boxes    [][4]float32
	Labels   []int
	Scores   []float64
	PerImage []int
}

// Len returns the total number of detected entities.
func (d *Detections) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Boxes)
}

// Batch is an ordered sequence of (image, target, identifier) triples.
type Batch struct {
	Images  []Image
	Targets []*Target
	IDs     []int64
}

// EmptyTargetIDs returns the identifiers of images whose target carries no
// annotated entity. A non-empty result is a reportable anomaly, not a
// failure.
func (b *Batch) EmptyTargetIDs() []int64 {
	var ids []int64
	for i, t := range b.Targets {
		if t.Len() < 1 {
			ids = append(ids, b.IDs[i])
		}
	}
	return ids
}

// Loader is the batching collaborator. Implementations own shuffling,
// augmentation and distributed sharding; the trainer only indexes batches.
type Loader interface {
	Name() string
	Len() int
	Batch(i int) (*Batch, error)
}

// SliceLoader serves pre-built batches. It backs tests and the synthetic
// demo pipeline.
type SliceLoader struct {
	name    string
	batches []*Batch
}

// NewSliceLoader wraps batches in a Loader.
func NewSliceLoader(name string, batches []*Batch) *SliceLoader {
	return &SliceLoader{name: name, batches: batches}
}

func (l *SliceLoader) Name() string { return l.name }

func (l *SliceLoader) Len() int { return len(l.batches) }

func (l *SliceLoader) Batch(i int) (*Batch, error) {
	if i < 0 || i >= len(l.batches) {
		return nil, fmt.Errorf("batch index %d out of range [0,%d)", i, len(l.batches))
	}
	return l.batches[i], nil
}

// Synthetic builds a loader of random batches. Each target gets between
// minEntities and minEntities+3 entities with random geometry and a chain
// of relations, which is enough structure to exercise the full training
// path end to end.
func Synthetic(name string, numBatches, batchSize, numEntityClasses, numRelationClasses, minEntities int, seed int64) *SliceLoader {
	rng := rand.New(rand.NewSource(seed))
	batches := make([]*Batch, numBatches)
	var nextID int64
	for b := range batches {
		batch := &Batch{
			Images:  make([]Image, batchSize),
			Targets: make([]*Target, batchSize),
			IDs:     make([]int64, batchSize),
		}
		for i := 0; i < batchSize; i++ {
			batch.Images[i] = Image{Width: 640, Height: 480}
			batch.IDs[i] = nextID
			nextID++

			n := minEntities
			if n > 0 {
				n += rng.Intn(4)
			}
			target := &Target{}
			for e := 0; e < n; e++ {
				x := rng.Float32() * 600
				y := rng.Float32() * 440
				target.Entities = append(target.Entities, Entity{
					Label: 1 + rng.Intn(numEntityClasses-1),
					Box:   [4]float32{x, y, x + 20 + rng.Float32()*20, y + 20 + rng.Float32()*20},
				})
			}
			for e := 0; e+1 < n; e++ {
				target.Relations = append(target.Relations, Relation{
					Subject:   e,
					Object:    e + 1,
					Predicate: 1 + rng.Intn(numRelationClasses-1),
				})
			}
			batch.Targets[i] = target
		}
		batches[b] = batch
	}
	return NewSliceLoader(name, batches)
}
