// Copyright 2025 Fractal Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package services

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nebTestSpec(maxIterations int) map[string]any {
	spec := map[string]any{
		"images":      []any{"a", "b", "c"},
		"singlepoint": map[string]any{"program": "psi4"},
	}
	if maxIterations > 0 {
		spec["max_iterations"] = maxIterations
	}
	return spec
}

func TestNEBConvergesWhenEnergiesSettle(t *testing.T) {
	gen := &NEBGenerator{}
	spec := nebTestSpec(0)

	iter, err := gen.Iterate(spec, nil, nil)
	require.NoError(t, err)
	require.Len(t, iter.Next, 3)
	for i, sub := range iter.Next {
		assert.Equal(t, fmt.Sprintf("it0_img%d", i), sub.TaskKey)
	}

	energies := map[string]float64{"a": -1.0, "b": 0.5, "c": -1.0}
	energyOf := func(s Submission) float64 {
		// Displaced geometries carry an iteration suffix.
		return energies[s.MoleculeHash[:1]]
	}

	// Round one establishes the baseline, round two repeats it exactly, so
	// the band converges.
	iter, err = gen.Iterate(spec, iter.State, completeAll(iter.Next, energyOf))
	require.NoError(t, err)
	require.Nil(t, iter.Final)
	require.Len(t, iter.Next, 3)
	assert.Equal(t, "it1_img0", iter.Next[0].TaskKey)
	assert.Equal(t, "a|it1", iter.Next[0].MoleculeHash)

	iter, err = gen.Iterate(spec, iter.State, completeAll(iter.Next, energyOf))
	require.NoError(t, err)
	require.NotNil(t, iter.Final)
	assert.Equal(t, true, iter.Final.Properties["converged"])
	assert.Equal(t, 2, iter.Final.Properties["n_iterations"])
	assert.Equal(t, "b", iter.Final.Properties["ts_guess"])
	assert.InDelta(t, 0.5, iter.Final.Properties["ts_energy"], 1e-12)
}

func TestNEBStopsAtMaxIterations(t *testing.T) {
	gen := &NEBGenerator{}
	spec := nebTestSpec(2)

	round := 0.0
	energyOf := func(s Submission) float64 {
		// Energies keep moving, so the band never converges.
		return round
	}

	iter, err := gen.Iterate(spec, nil, nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		round += 1.0
		iter, err = gen.Iterate(spec, iter.State, completeAll(iter.Next, energyOf))
		require.NoError(t, err)
	}
	require.NotNil(t, iter.Final)
	assert.Equal(t, false, iter.Final.Properties["converged"])
	assert.Equal(t, 2, iter.Final.Properties["n_iterations"])
}

func TestNEBRequiresThreeImages(t *testing.T) {
	gen := &NEBGenerator{}
	_, err := gen.Iterate(map[string]any{
		"images":      []any{"a", "b"},
		"singlepoint": map[string]any{},
	}, nil, nil)
	assert.ErrorContains(t, err, "at least 3 images")
}
