package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeLossDictsUnion(t *testing.T) {
	task := LossDict{
		"loss_obj": NewScalar(0.5),
		"loss_rel": NewScalar(0.3),
	}
	energy := LossDict{
		"loss_energy":     NewScalar(1.2),
		"loss_energy_reg": NewScalar(0.01),
	}

	merged, err := MergeLossDicts(task, energy)
	require.NoError(t, err)
	require.Len(t, merged, 4)

	// Every key from either source appears with its original value.
	for k, v := range task {
		assert.Equal(t, v.Value, merged[k].Value, k)
	}
	for k, v := range energy {
		assert.Equal(t, v.Value, merged[k].Value, k)
	}
}

func TestMergeLossDictsCollision(t *testing.T) {
	a := LossDict{"loss_obj": NewScalar(1)}
	b := LossDict{"loss_obj": NewScalar(2)}
	_, err := MergeLossDicts(a, b)
	assert.Error(t, err)
}

func TestScalarBackwardFanOut(t *testing.T) {
	var got1, got2 float64
	a := NewScalar(1, func(g float64) { got1 = g })
	b := NewScalar(2, func(g float64) { got2 = g })

	sum := Add(a, b)
	assert.Equal(t, 3.0, sum.Value)

	sum.Backward(0.5)
	assert.Equal(t, 0.5, got1)
	assert.Equal(t, 0.5, got2)
}

func TestLossDictSum(t *testing.T) {
	calls := 0
	d := LossDict{
		"a": NewScalar(1, func(float64) { calls++ }),
		"b": NewScalar(2, func(float64) { calls++ }),
		"c": NewScalar(3),
	}
	s := d.Sum()
	assert.Equal(t, 6.0, s.Value)
	s.Backward(1)
	assert.Equal(t, 2, calls)
}

func TestEnergyMean(t *testing.T) {
	e := NewEnergy([]float64{1, 2, 3}, nil)
	assert.Equal(t, 2.0, e.Mean())

	empty := NewEnergy(nil, nil)
	assert.Equal(t, 0.0, empty.Mean())
}
