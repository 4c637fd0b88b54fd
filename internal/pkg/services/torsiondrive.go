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

	"github.com/bytedance/sonic"
)

func init() {
	Register(&TorsiondriveGenerator{})
}

// TorsiondriveGenerator scans a dihedral angle over a periodic grid. The
// scan propagates outward in waves from the starting angle: each wave
// optimizes the grid points adjacent to already-explored ones, seeded from
// the neighbor's optimized geometry.
type TorsiondriveGenerator struct{}

type torsiondriveState struct {
	// Explored maps angle (degrees, as string) to the optimization record.
	Explored map[string]int64 `json:"explored"`
	// Energies maps angle to the optimized energy.
	Energies map[string]float64 `json:"energies"`
	// Seeds maps angle to the geometry hash to start the next wave from.
	Seeds   map[string]string `json:"seeds"`
	Spacing int               `json:"spacing"`
}

func (g *TorsiondriveGenerator) Type() string {
	return "torsiondrive"
}

func (g *TorsiondriveGenerator) Iterate(spec map[string]any, state []byte, results map[string]Outcome) (*Iteration, error) {
	optSpec, err := subSpec(spec, "optimization")
	if err != nil {
		return nil, err
	}

	var st torsiondriveState
	if len(state) == 0 {
		molecule, _ := spec["molecule"].(string)
		if molecule == "" {
			return nil, fmt.Errorf("torsiondrive specification has no molecule")
		}
		spacing := gridSpacing(spec)
		if spacing <= 0 || 360%spacing != 0 {
			return nil, fmt.Errorf("torsiondrive grid spacing %d does not divide 360", spacing)
		}
		st = torsiondriveState{
			Explored: make(map[string]int64),
			Energies: make(map[string]float64),
			Seeds:    map[string]string{"0": molecule},
			Spacing:  spacing,
		}
		return g.dispatch(&st, optSpec)
	}

	if err := sonic.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("decode torsiondrive state: %w", err)
	}

	for angle := range st.Seeds {
		outcome, ok := results["td_"+angle]
		if !ok {
			return nil, fmt.Errorf("torsiondrive: missing result for angle %s", angle)
		}
		st.Explored[angle] = outcome.RecordID
		st.Energies[angle] = floatProp(outcome, "return_energy")
		geometry := optimizedMolecule(st.Seeds[angle], outcome)

		a, _ := strconv.Atoi(angle)
		for _, next := range []int{wrapAngle(a + st.Spacing), wrapAngle(a - st.Spacing)} {
			key := strconv.Itoa(next)
			if _, done := st.Explored[key]; done {
				continue
			}
			st.Seeds[key] = geometry
		}
		delete(st.Seeds, angle)
	}

	if len(st.Seeds) == 0 {
		minAngle, minEnergy := "", 0.0
		for angle, e := range st.Energies {
			if minAngle == "" || e < minEnergy {
				minAngle, minEnergy = angle, e
			}
		}
		return &Iteration{
			State: state,
			Final: &Final{Properties: map[string]any{
				"optimizations":  st.Explored,
				"final_energies": st.Energies,
				"minimum_angle":  minAngle,
				"minimum_energy": minEnergy,
			}},
		}, nil
	}
	return g.dispatch(&st, optSpec)
}

func (g *TorsiondriveGenerator) dispatch(st *torsiondriveState, optSpec map[string]any) (*Iteration, error) {
	encoded, err := sonic.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode torsiondrive state: %w", err)
	}
	var next []Submission
	for angle, seed := range st.Seeds {
		next = append(next, Submission{
			TaskKey:          "td_" + angle,
			RecordType:       "optimization",
			Specification:    optSpec,
			MoleculeHash:     seed,
			RequiredPrograms: programsFrom(optSpec),
		})
	}
	return &Iteration{State: encoded, Next: next}, nil
}

func gridSpacing(spec map[string]any) int {
	if raw, ok := spec["grid_spacing"].([]any); ok && len(raw) > 0 {
		if v, ok := raw[0].(float64); ok {
			return int(v)
		}
	}
	return intField(spec, "grid_spacing")
}

// wrapAngle maps any angle into [-180, 180).
func wrapAngle(a int) int {
	for a >= 180 {
		a -= 360
	}
	for a < -180 {
		a += 360
	}
	return a
}
