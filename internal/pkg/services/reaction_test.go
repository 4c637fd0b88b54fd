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
)

func reactionTestSpec() map[string]any {
	return map[string]any{
		"components": []any{
			map[string]any{"molecule": "molA", "coefficient": -2.0},
			map[string]any{"molecule": "molB", "coefficient": 1.0},
		},
		"singlepoint": map[string]any{"program": "psi4", "method": "hf"},
	}
}

func TestReactionSingleRound(t *testing.T) {
	gen := &ReactionGenerator{}

	iter, err := gen.Iterate(reactionTestSpec(), nil, nil)
	require.NoError(t, err)
	require.Nil(t, iter.Final)
	require.Len(t, iter.Next, 2)

	assert.Equal(t, "sp_0_molA", iter.Next[0].TaskKey)
	assert.Equal(t, "sp_1_molB", iter.Next[1].TaskKey)
	for _, sub := range iter.Next {
		assert.Equal(t, "singlepoint", sub.RecordType)
		assert.Equal(t, []string{"psi4"}, sub.RequiredPrograms)
	}

	energies := map[string]float64{"molA": -75.0, "molB": -74.0}
	results := completeAll(iter.Next, func(s Submission) float64 { return energies[s.MoleculeHash] })

	final, err := gen.Iterate(reactionTestSpec(), iter.State, results)
	require.NoError(t, err)
	require.NotNil(t, final.Final)
	// -2 * -75 + 1 * -74
	assert.InDelta(t, 76.0, final.Final.Properties["total_energy"], 1e-12)
	assert.Equal(t, 2, final.Final.Properties["n_components"])
}

func TestReactionMissingResult(t *testing.T) {
	gen := &ReactionGenerator{}
	iter, err := gen.Iterate(reactionTestSpec(), nil, nil)
	require.NoError(t, err)

	_, err = gen.Iterate(reactionTestSpec(), iter.State, map[string]Outcome{})
	assert.ErrorContains(t, err, "missing result")
}

func TestReactionRejectsEmptyComponents(t *testing.T) {
	gen := &ReactionGenerator{}
	_, err := gen.Iterate(map[string]any{
		"components":  []any{},
		"singlepoint": map[string]any{"program": "psi4"},
	}, nil, nil)
	assert.ErrorContains(t, err, "no components")
}
