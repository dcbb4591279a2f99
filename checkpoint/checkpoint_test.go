package checkpoint

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-ebm/config"
	"github.com/tsawler/go-ebm/model"
	"github.com/tsawler/go-ebm/solver"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPair() (*model.LinearDetector, *model.BilinearEnergy) {
	det := model.NewLinearDetector(5, 4)
	energy := model.NewBilinearEnergy()
	det.Train()
	energy.Train()
	return det, energy
}

func energyOptimizer(energy model.Module) *solver.SGD {
	cfg := config.Default()
	return solver.MakeOptimizer(cfg, energy, discardLogger(), nil, 1, 1)
}

func perturb(m model.Module, delta float32) {
	for _, p := range m.NamedParameters() {
		for i := range p.Data {
			p.Data[i] += delta
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	det, energy := newPair()
	opt := energyOptimizer(energy)
	sched, err := solver.NewWarmupPlateau(config.Default().Solver.Schedule, opt)
	require.NoError(t, err)

	// Give the optimizer momentum state and the scheduler history.
	for _, p := range energy.NamedParameters() {
		for i := range p.Grad {
			p.Grad[i] = 0.1
		}
	}
	require.NoError(t, opt.Step())
	metric := 0.5
	sched.Step(&metric, 1)

	c := New(dir, true, discardLogger(), det, energy, opt, sched)
	require.NoError(t, c.Save("model_0000042", 42))
	require.True(t, c.HasCheckpoint())

	detWant := snapshotData(det)
	energyWant := snapshotData(energy)
	velocityWant := opt.State().Velocities

	// A second process: fresh models, weights then drifted state.
	det2, energy2 := newPair()
	perturb(det2, 0.5)
	perturb(energy2, 0.5)
	opt2 := energyOptimizer(energy2)
	sched2, err := solver.NewWarmupPlateau(config.Default().Solver.Schedule, opt2)
	require.NoError(t, err)

	c2 := New(dir, true, discardLogger(), det2, energy2, opt2, sched2)
	iteration, err := c2.Load("", LoadOptions{WithOptim: true})
	require.NoError(t, err)

	assert.Equal(t, 42, iteration)
	assert.Equal(t, detWant, snapshotData(det2))
	assert.Equal(t, energyWant, snapshotData(energy2))
	for name, v := range velocityWant {
		assert.InDeltaSlice(t, toFloat64(v), toFloat64(opt2.State().Velocities[name]), 1e-6, name)
	}
	assert.Equal(t, sched.State(), sched2.State())
}

func TestLastCheckpointPointsAtNewestSave(t *testing.T) {
	dir := t.TempDir()
	det, energy := newPair()
	c := New(dir, true, discardLogger(), det, energy, nil, nil)

	require.NoError(t, c.Save("model_0000001", 1))
	require.NoError(t, c.Save("model_0000002", 2))

	last, err := c.LastCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "model_0000002.json"), last)

	iteration, err := c.Load("", LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, iteration)
}

func TestNonPrimaryNeverWrites(t *testing.T) {
	dir := t.TempDir()
	det, energy := newPair()
	c := New(dir, false, discardLogger(), det, energy, nil, nil)

	require.NoError(t, c.Save("model_0000001", 1))
	assert.False(t, c.HasCheckpoint())
	assert.NoFileExists(t, filepath.Join(dir, "model_0000001.json"))
}

func TestDetectorOnlyLoadLeavesEnergyAlone(t *testing.T) {
	dir := t.TempDir()
	det, energy := newPair()
	c := New(dir, true, discardLogger(), det, energy, nil, nil)
	require.NoError(t, c.Save("pretrained", 7))

	det2, energy2 := newPair()
	perturb(det2, 0.5)
	perturb(energy2, 0.5)
	energyBefore := snapshotData(energy2)

	c2 := New(dir, true, discardLogger(), det2, energy2, nil, nil)
	iteration, err := c2.Load(filepath.Join(dir, "pretrained.json"), LoadOptions{DetectorOnly: true})
	require.NoError(t, err)

	// Bootstrapping from a pretrained detector restarts the counter.
	assert.Zero(t, iteration)
	assert.Equal(t, snapshotData(det), snapshotData(det2))
	assert.Equal(t, energyBefore, snapshotData(energy2))
}

func TestSnapshotExcludesDetectorOptimizerState(t *testing.T) {
	det, energy := newPair()
	opt := energyOptimizer(energy)
	c := New(t.TempDir(), true, discardLogger(), det, energy, opt, nil)
	require.NoError(t, c.Save("model_final", 10))

	path, err := c.LastCheckpoint()
	require.NoError(t, err)
	raw := readAll(t, path)
	assert.Contains(t, raw, "energy_optimizer")
	assert.NotContains(t, raw, "detector_optimizer")
}

func TestLoadRejectsShapeMismatch(t *testing.T) {
	dir := t.TempDir()
	det, energy := newPair()
	c := New(dir, true, discardLogger(), det, energy, nil, nil)
	require.NoError(t, c.Save("model", 1))

	det2, energy2 := newPair()
	p := det2.NamedParameters()[0]
	p.Data = make([]float32, len(p.Data)+1)

	c2 := New(dir, true, discardLogger(), det2, energy2, nil, nil)
	_, err := c2.Load("", LoadOptions{})
	assert.Error(t, err)
}

func readAll(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(raw)
}

func snapshotData(m model.Module) map[string][]float32 {
	out := make(map[string][]float32)
	for _, p := range m.NamedParameters() {
		out[p.Name] = append([]float32(nil), p.Data...)
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
