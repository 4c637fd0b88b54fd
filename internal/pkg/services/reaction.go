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

	"github.com/bytedance/sonic"
)

func init() {
	Register(&ReactionGenerator{})
}

// ReactionGenerator computes a stoichiometry-weighted energy over a set of
// component molecules. It is a single-round service: one singlepoint per
// component, then a weighted sum. Components sharing a molecule dedup to the
// same physical record while keeping distinct task keys.
type ReactionGenerator struct{}

type reactionState struct {
	// Coefficients maps task key to the stoichiometric coefficient of the
	// component behind that key.
	Coefficients map[string]float64 `json:"coefficients"`
}

func (g *ReactionGenerator) Type() string {
	return "reaction"
}

func (g *ReactionGenerator) Iterate(spec map[string]any, state []byte, results map[string]Outcome) (*Iteration, error) {
	if len(state) == 0 {
		return g.start(spec)
	}

	var st reactionState
	if err := sonic.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("decode reaction state: %w", err)
	}

	total := 0.0
	for key, coef := range st.Coefficients {
		outcome, ok := results[key]
		if !ok {
			return nil, fmt.Errorf("reaction: missing result for component %q", key)
		}
		total += coef * floatProp(outcome, "return_energy")
	}

	return &Iteration{
		State: state,
		Final: &Final{Properties: map[string]any{
			"total_energy": total,
			"n_components": len(st.Coefficients),
		}},
	}, nil
}

func (g *ReactionGenerator) start(spec map[string]any) (*Iteration, error) {
	components, ok := spec["components"].([]any)
	if !ok || len(components) == 0 {
		return nil, fmt.Errorf("reaction specification has no components")
	}
	spSpec, err := subSpec(spec, "singlepoint")
	if err != nil {
		return nil, err
	}

	st := reactionState{Coefficients: make(map[string]float64, len(components))}
	next := make([]Submission, 0, len(components))
	for i, raw := range components {
		comp, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("reaction component %d is malformed", i)
		}
		molecule, _ := comp["molecule"].(string)
		if molecule == "" {
			return nil, fmt.Errorf("reaction component %d has no molecule", i)
		}
		coef, _ := comp["coefficient"].(float64)

		key := fmt.Sprintf("sp_%d_%s", i, molecule)
		st.Coefficients[key] = coef
		next = append(next, Submission{
			TaskKey:          key,
			RecordType:       "singlepoint",
			Specification:    spSpec,
			MoleculeHash:     molecule,
			RequiredPrograms: programsFrom(spSpec),
		})
	}

	encoded, err := sonic.Marshal(&st)
	if err != nil {
		return nil, fmt.Errorf("encode reaction state: %w", err)
	}
	return &Iteration{State: encoded, Next: next}, nil
}
