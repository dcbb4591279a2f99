// Package track reports per-iteration scalars to an external run-tracking
// dashboard. Tracking is rank-zero-only and best-effort: a dashboard
// outage must never fail a training run.
package track

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/tsawler/go-ebm/config"
)

// Tracker is the run-tracking surface used by the trainer.
type Tracker interface {
	LogScalars(scalars map[string]float64)
	Close()
}

// Noop swallows everything. Used on non-primary ranks, in development
// runs, and when tracking is muted.
type Noop struct{}

func (Noop) LogScalars(map[string]float64) {}
func (Noop) Close()                        {}

// InfluxTracker writes scalars as points tagged with the run and job ids.
type InfluxTracker struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	logger *slog.Logger
	runID  string
	jobID  string
}

// NewInflux connects to the configured dashboard. Each run gets a fresh
// id; jobID ties the run back to the external scheduler.
func NewInflux(cfg config.TrackingConfig, jobID int, logger *slog.Logger) *InfluxTracker {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxTracker{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger: logger,
		runID:  uuid.NewString(),
		jobID:  strconv.Itoa(jobID),
	}
}

// RunID returns the generated run identifier.
func (t *InfluxTracker) RunID() string { return t.runID }

// LogScalars writes one point. Failures are logged and dropped.
func (t *InfluxTracker) LogScalars(scalars map[string]float64) {
	fields := make(map[string]interface{}, len(scalars))
	for k, v := range scalars {
		fields[k] = v
	}
	p := influxdb2.NewPoint(
		"training",
		map[string]string{"run": t.runID, "job": t.jobID},
		fields,
		time.Now(),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.write.WritePoint(ctx, p); err != nil && t.logger != nil {
		t.logger.Warn("failed to write tracking point", "error", err)
	}
}

// Close releases the client.
func (t *InfluxTracker) Close() {
	t.client.Close()
}
