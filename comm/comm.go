// Package comm abstracts the collective operations the trainer needs from
// a distributed process group. The transport itself is an external
// collaborator; this package ships only the interface and the
// single-process implementation used when no world size is configured.
// Correctness under a real transport relies on every rank executing the
// identical sequence of collectives in lockstep.
package comm

import (
	"context"
	"fmt"
	"os"
	"strconv"
)

// WorldSizeEnv selects distributed mode. Absence implies single-process
// execution.
const WorldSizeEnv = "WORLD_SIZE"

// Communicator is the collective surface used by the trainer: rank-gated
// side effects, barriers around validation, scalar gathers for validation
// averaging, and mean-reduction of loss values for logging.
type Communicator interface {
	Rank() int
	WorldSize() int
	Barrier(ctx context.Context) error

	// AllGather concatenates every worker's local values, ordered by rank.
	AllGather(ctx context.Context, local []float64) ([]float64, error)

	// AllReduceMean averages values key-wise across workers. The result is
	// for human-readable metrics only and must never feed back into
	// gradients.
	AllReduceMean(ctx context.Context, vals map[string]float64) (map[string]float64, error)
}

// Local is the single-process communicator: every collective is a no-op
// over the local values.
type Local struct{}

func (Local) Rank() int      { return 0 }
func (Local) WorldSize() int { return 1 }

func (Local) Barrier(ctx context.Context) error { return ctx.Err() }

func (Local) AllGather(ctx context.Context, local []float64) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]float64(nil), local...), nil
}

func (Local) AllReduceMean(ctx context.Context, vals map[string]float64) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(vals))
	for k, v := range vals {
		out[k] = v
	}
	return out, nil
}

// FromEnv returns the communicator selected by the environment. A world
// size above one requires a process-group transport to be linked in by the
// embedding application; without one it is a startup error rather than a
// silent single-process fallback.
func FromEnv() (Communicator, error) {
	raw := os.Getenv(WorldSizeEnv)
	if raw == "" {
		return Local{}, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %v", WorldSizeEnv, raw, err)
	}
	if n <= 1 {
		return Local{}, nil
	}
	return nil, fmt.Errorf("%s=%d requires a process-group transport; none is linked", WorldSizeEnv, n)
}
