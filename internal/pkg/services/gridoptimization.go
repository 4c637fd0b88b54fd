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
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

func init() {
	Register(&GridoptimizationGenerator{})
}

// GridoptimizationGenerator walks a cartesian grid of constrained
// optimizations one point at a time. Each point starts from the geometry of
// the previous point, so rounds are strictly sequential. An optional
// preoptimization round relaxes the starting structure first.
type GridoptimizationGenerator struct{}

type gridoptState struct {
	GridKeys  []string         `json:"grid_keys"`
	NextIndex int              `json:"next_index"`
	Complete  map[string]int64 `json:"complete"`
	// Molecule is the geometry seed for the next grid point.
	Molecule string `json:"molecule"`
	Preopt   bool   `json:"preopt"`
}

func (g *GridoptimizationGenerator) Type() string {
	return "gridoptimization"
}

func (g *GridoptimizationGenerator) Iterate(spec map[string]any, state []byte, results map[string]Outcome) (*Iteration, error) {
	optSpec, err := subSpec(spec, "optimization")
	if err != nil {
		return nil, err
	}

	var st gridoptState
	if len(state) == 0 {
		molecule, _ := spec["molecule"].(string)
		if molecule == "" {
			return nil, fmt.Errorf("gridoptimization specification has no molecule")
		}
		keys, err := gridKeys(spec)
		if err != nil {
			return nil, err
		}
		st = gridoptState{
			GridKeys: keys,
			Complete: make(map[string]int64),
			Molecule: molecule,
		}
		if preopt, _ := spec["preoptimization"].(bool); preopt {
			st.Preopt = true
			return g.dispatch(&st, "preopt", optSpec)
		}
		return g.dispatch(&st, st.GridKeys[0], optSpec)
	}

	if err := sonic.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("decode gridoptimization state: %w", err)
	}

	if st.Preopt {
		outcome, ok := results["preopt"]
		if !ok {
			return nil, fmt.Errorf("gridoptimization: missing preoptimization result")
		}
		st.Preopt = false
		st.Molecule = optimizedMolecule(st.Molecule, outcome)
		return g.dispatch(&st, st.GridKeys[0], optSpec)
	}

	key := st.GridKeys[st.NextIndex]
	outcome, ok := results[key]
	if !ok {
		return nil, fmt.Errorf("gridoptimization: missing result for grid point %q", key)
	}
	st.Complete[key] = outcome.RecordID
	st.Molecule = optimizedMolecule(st.Molecule, outcome)
	st.NextIndex++

	if st.NextIndex >= len(st.GridKeys) {
		return &Iteration{
			State: state,
			Final: &Final{Properties: map[string]any{
				"grid_optimizations": st.Complete,
				"n_grid_points":      len(st.GridKeys),
			}},
		}, nil
	}
	return g.dispatch(&st, st.GridKeys[st.NextIndex], optSpec)
}

func (g *GridoptimizationGenerator) dispatch(st *gridoptState, key string, optSpec map[string]any) (*Iteration, error) {
	encoded, err := sonic.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode gridoptimization state: %w", err)
	}
	return &Iteration{
		State: encoded,
		Next: []Submission{{
			TaskKey:          key,
			RecordType:       "optimization",
			Specification:    optSpec,
			MoleculeHash:     st.Molecule,
			RequiredPrograms: programsFrom(optSpec),
		}},
	}, nil
}

// gridKeys expands the scan dimensions into the cartesian product of step
// indices, formatted as "go_i,j,...".
func gridKeys(spec map[string]any) ([]string, error) {
	scans, ok := spec["scans"].([]any)
	if !ok || len(scans) == 0 {
		return nil, fmt.Errorf("gridoptimization specification has no scans")
	}
	dims := make([]int, len(scans))
	for i, raw := range scans {
		scan, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("gridoptimization scan %d is malformed", i)
		}
		steps, ok := scan["steps"].([]any)
		if !ok || len(steps) == 0 {
			return nil, fmt.Errorf("gridoptimization scan %d has no steps", i)
		}
		dims[i] = len(steps)
	}

	indices := make([]int, len(dims))
	var keys []string
	for {
		parts := make([]string, len(indices))
		for i, idx := range indices {
			parts[i] = strconv.Itoa(idx)
		}
		keys = append(keys, "go_"+strings.Join(parts, ","))

		pos := len(indices) - 1
		for pos >= 0 {
			indices[pos]++
			if indices[pos] < dims[pos] {
				break
			}
			indices[pos] = 0
			pos--
		}
		if pos < 0 {
			return keys, nil
		}
	}
}

// optimizedMolecule derives the geometry hash produced by an optimization,
// preferring the hash reported in the result properties.
func optimizedMolecule(fallback string, o Outcome) string {
	if h, ok := o.Properties["final_molecule"].(string); ok && h != "" {
		return h
	}
	return fmt.Sprintf("%s|opt%d", fallback, o.RecordID)
}
