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
	Register(&ManybodyGenerator{})
}

// ManybodyGenerator runs a many-body expansion: one singlepoint per fragment
// subset up to max_nbody, then an inclusion-exclusion sum over subset sizes.
// All subsets go out in a single batch since none depends on another.
type ManybodyGenerator struct{}

type manybodyState struct {
	// Sizes maps task key to the fragment count of that subset.
	Sizes map[string]int `json:"sizes"`
	NBody int            `json:"n_body"`
}

func (g *ManybodyGenerator) Type() string {
	return "manybody"
}

func (g *ManybodyGenerator) Iterate(spec map[string]any, state []byte, results map[string]Outcome) (*Iteration, error) {
	if len(state) == 0 {
		return g.start(spec)
	}

	var st manybodyState
	if err := sonic.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("decode manybody state: %w", err)
	}

	bySize := make(map[int]float64)
	for key, size := range st.Sizes {
		outcome, ok := results[key]
		if !ok {
			return nil, fmt.Errorf("manybody: missing result for subset %q", key)
		}
		bySize[size] += floatProp(outcome, "return_energy")
	}

	// Alternating inclusion-exclusion over subset sizes.
	total := 0.0
	for size, sum := range bySize {
		if (st.NBody-size)%2 == 0 {
			total += sum
		} else {
			total -= sum
		}
	}

	props := map[string]any{
		"total_energy": total,
		"n_subsets":    len(st.Sizes),
	}
	if e1, ok := bySize[1]; ok {
		props["interaction_energy"] = total - e1
	}
	return &Iteration{State: state, Final: &Final{Properties: props}}, nil
}

func (g *ManybodyGenerator) start(spec map[string]any) (*Iteration, error) {
	molecule, _ := spec["molecule"].(string)
	if molecule == "" {
		return nil, fmt.Errorf("manybody specification has no molecule")
	}
	nFragments := intField(spec, "n_fragments")
	if nFragments < 1 {
		return nil, fmt.Errorf("manybody specification needs n_fragments >= 1")
	}
	maxNBody := intField(spec, "max_nbody")
	if maxNBody < 1 || maxNBody > nFragments {
		maxNBody = nFragments
	}
	spSpec, err := subSpec(spec, "singlepoint")
	if err != nil {
		return nil, err
	}

	st := manybodyState{Sizes: make(map[string]int), NBody: maxNBody}
	var next []Submission
	for _, subset := range fragmentSubsets(nFragments, maxNBody) {
		label := fragmentLabel(subset)
		key := "mb_" + label
		st.Sizes[key] = len(subset)
		next = append(next, Submission{
			TaskKey:          key,
			RecordType:       "singlepoint",
			Specification:    spSpec,
			MoleculeHash:     molecule + "#" + label,
			RequiredPrograms: programsFrom(spSpec),
		})
	}

	encoded, err := sonic.Marshal(&st)
	if err != nil {
		return nil, fmt.Errorf("encode manybody state: %w", err)
	}
	return &Iteration{State: encoded, Next: next}, nil
}

// fragmentSubsets enumerates all non-empty fragment index subsets of size at
// most maxSize, in deterministic order.
func fragmentSubsets(n, maxSize int) [][]int {
	var out [][]int
	var walk func(start int, current []int)
	walk = func(start int, current []int) {
		if len(current) > 0 {
			subset := make([]int, len(current))
			copy(subset, current)
			out = append(out, subset)
		}
		if len(current) == maxSize {
			return
		}
		for i := start; i < n; i++ {
			walk(i+1, append(current, i))
		}
	}
	walk(0, nil)
	return out
}

func fragmentLabel(subset []int) string {
	parts := make([]string, len(subset))
	for i, f := range subset {
		parts[i] = strconv.Itoa(f + 1)
	}
	return strings.Join(parts, ",")
}

func intField(spec map[string]any, key string) int {
	switch v := spec[key].(type) {
	case float64:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
