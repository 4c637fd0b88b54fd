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

func TestRegistryKnowsAllServiceTypes(t *testing.T) {
	for _, typ := range []string{"reaction", "manybody", "gridoptimization", "torsiondrive", "neb"} {
		assert.True(t, IsServiceType(typ), typ)
		gen, err := Get(typ)
		require.NoError(t, err)
		assert.Equal(t, typ, gen.Type())
	}
	assert.False(t, IsServiceType("singlepoint"))
	assert.False(t, IsServiceType("optimization"))
	assert.Len(t, Types(), 5)

	_, err := Get("nonsense")
	assert.Error(t, err)
}

// completeAll fabricates a completed outcome for every submission in a batch,
// with the energy derived from the submission itself.
func completeAll(next []Submission, energy func(Submission) float64) map[string]Outcome {
	results := make(map[string]Outcome, len(next))
	for i, sub := range next {
		results[sub.TaskKey] = Outcome{
			RecordID:   int64(100 + i),
			Status:     model.StatusComplete,
			Properties: map[string]any{"return_energy": energy(sub)},
		}
	}
	return results
}
