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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcarchive/fractal/internal/engine/model"
)

func TestWrapAngle(t *testing.T) {
	assert.Equal(t, 0, wrapAngle(0))
	assert.Equal(t, -180, wrapAngle(180))
	assert.Equal(t, 179, wrapAngle(-181))
	assert.Equal(t, 0, wrapAngle(360))
	assert.Equal(t, -120, wrapAngle(240))
}

func TestTorsiondriveWaveExpansion(t *testing.T) {
	gen := &TorsiondriveGenerator{}
	spec := map[string]any{
		"molecule":     "mol",
		"grid_spacing": []any{120.0},
		"optimization": map[string]any{"program": "geometric"},
	}

	// The scan starts at angle 0 from the input geometry.
	iter, err := gen.Iterate(spec, nil, nil)
	require.NoError(t, err)
	require.Len(t, iter.Next, 1)
	assert.Equal(t, "td_0", iter.Next[0].TaskKey)
	assert.Equal(t, "mol", iter.Next[0].MoleculeHash)

	iter, err = gen.Iterate(spec, iter.State, map[string]Outcome{
		"td_0": {RecordID: 1, Status: model.StatusComplete,
			Properties: map[string]any{"return_energy": -1.0, "final_molecule": "g0"}},
	})
	require.NoError(t, err)
	require.Len(t, iter.Next, 2)

	// The wave moves outward to both neighbors, seeded from angle 0's
	// optimized geometry.
	seeds := make(map[string]string, 2)
	for _, sub := range iter.Next {
		seeds[sub.TaskKey] = sub.MoleculeHash
	}
	assert.Equal(t, map[string]string{"td_120": "g0", "td_-120": "g0"}, seeds)

	iter, err = gen.Iterate(spec, iter.State, map[string]Outcome{
		"td_120": {RecordID: 2, Status: model.StatusComplete,
			Properties: map[string]any{"return_energy": -2.0}},
		"td_-120": {RecordID: 3, Status: model.StatusComplete,
			Properties: map[string]any{"return_energy": -3.0}},
	})
	require.NoError(t, err)
	require.NotNil(t, iter.Final, "a 120 degree grid is fully explored after two waves")

	assert.Equal(t, "-120", iter.Final.Properties["minimum_angle"])
	assert.InDelta(t, -3.0, iter.Final.Properties["minimum_energy"], 1e-12)
	opts, ok := iter.Final.Properties["optimizations"].(map[string]int64)
	require.True(t, ok)
	assert.Len(t, opts, 3)
}

func TestTorsiondriveRejectsBadSpacing(t *testing.T) {
	gen := &TorsiondriveGenerator{}
	_, err := gen.Iterate(map[string]any{
		"molecule":     "mol",
		"grid_spacing": 70,
		"optimization": map[string]any{},
	}, nil, nil)
	assert.ErrorContains(t, err, "does not divide 360")
}
