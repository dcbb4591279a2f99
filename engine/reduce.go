package engine

import (
	"context"

	"github.com/tsawler/go-ebm/comm"
	"github.com/tsawler/go-ebm/model"
)

// ReduceLossDict averages loss values across all workers for
// human-readable metrics. It operates on plain values, off the gradient
// path; the reduction never feeds back into optimization.
func ReduceLossDict(ctx context.Context, c comm.Communicator, losses model.LossDict) (map[string]float64, error) {
	if c.WorldSize() < 2 {
		return losses.Values(), nil
	}
	return c.AllReduceMean(ctx, losses.Values())
}
