package comm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCollectives(t *testing.T) {
	ctx := context.Background()
	c := Local{}

	assert.Equal(t, 0, c.Rank())
	assert.Equal(t, 1, c.WorldSize())
	require.NoError(t, c.Barrier(ctx))

	gathered, err := c.AllGather(ctx, []float64{0.4, 0.8})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.4, 0.8}, gathered)

	reduced, err := c.AllReduceMean(ctx, map[string]float64{"loss": 1.5})
	require.NoError(t, err)
	assert.InDelta(t, 1.5, reduced["loss"], 1e-12)
}

func TestFromEnvDefaultsToLocal(t *testing.T) {
	t.Setenv(WorldSizeEnv, "")
	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 1, c.WorldSize())

	t.Setenv(WorldSizeEnv, "1")
	c, err = FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 1, c.WorldSize())
}

func TestFromEnvRejectsMultiProcess(t *testing.T) {
	t.Setenv(WorldSizeEnv, "4")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestFromEnvRejectsGarbage(t *testing.T) {
	t.Setenv(WorldSizeEnv, "banana")
	_, err := FromEnv()
	assert.Error(t, err)
}
