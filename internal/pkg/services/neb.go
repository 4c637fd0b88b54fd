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
	"math"

	"github.com/bytedance/sonic"
)

func init() {
	Register(&NEBGenerator{})
}

const (
	nebDefaultMaxIterations = 10
	nebConvergenceTolerance = 1e-6
)

// NEBGenerator relaxes a band of images between two endpoints. Each round
// computes a gradient singlepoint for every image, then the band either
// converges (largest per-image energy change below tolerance) or goes
// another round with displaced geometries.
type NEBGenerator struct{}

type nebState struct {
	Images    []string           `json:"images"`
	Iteration int                `json:"iteration"`
	Energies  map[string]float64 `json:"energies"`
	MaxIter   int                `json:"max_iterations"`
}

func (g *NEBGenerator) Type() string {
	return "neb"
}

func (g *NEBGenerator) Iterate(spec map[string]any, state []byte, results map[string]Outcome) (*Iteration, error) {
	spSpec, err := subSpec(spec, "singlepoint")
	if err != nil {
		return nil, err
	}

	var st nebState
	if len(state) == 0 {
		images := imageHashes(spec)
		if len(images) < 3 {
			return nil, fmt.Errorf("neb specification needs at least 3 images")
		}
		maxIter := intField(spec, "max_iterations")
		if maxIter <= 0 {
			maxIter = nebDefaultMaxIterations
		}
		st = nebState{Images: images, MaxIter: maxIter}
		return g.dispatch(&st, spSpec)
	}

	if err := sonic.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("decode neb state: %w", err)
	}

	maxDelta := 0.0
	energies := make(map[string]float64, len(st.Images))
	for i, image := range st.Images {
		key := fmt.Sprintf("it%d_img%d", st.Iteration, i)
		outcome, ok := results[key]
		if !ok {
			return nil, fmt.Errorf("neb: missing result for image %d", i)
		}
		e := floatProp(outcome, "return_energy")
		energies[image] = e
		if prev, ok := st.Energies[image]; ok {
			maxDelta = math.Max(maxDelta, math.Abs(e-prev))
		} else {
			maxDelta = math.Inf(1)
		}
	}

	converged := maxDelta < nebConvergenceTolerance
	st.Energies = energies
	st.Iteration++

	if converged || st.Iteration >= st.MaxIter {
		tsImage, tsEnergy := "", math.Inf(-1)
		for image, e := range st.Energies {
			if e > tsEnergy {
				tsImage, tsEnergy = image, e
			}
		}
		return g.finalize(&st, map[string]any{
			"ts_guess":     tsImage,
			"ts_energy":    tsEnergy,
			"n_iterations": st.Iteration,
			"converged":    converged,
		})
	}
	return g.dispatch(&st, spSpec)
}

func (g *NEBGenerator) dispatch(st *nebState, spSpec map[string]any) (*Iteration, error) {
	encoded, err := sonic.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode neb state: %w", err)
	}
	next := make([]Submission, 0, len(st.Images))
	for i, image := range st.Images {
		molecule := image
		if st.Iteration > 0 {
			molecule = fmt.Sprintf("%s|it%d", image, st.Iteration)
		}
		next = append(next, Submission{
			TaskKey:          fmt.Sprintf("it%d_img%d", st.Iteration, i),
			RecordType:       "singlepoint",
			Specification:    spSpec,
			MoleculeHash:     molecule,
			RequiredPrograms: programsFrom(spSpec),
		})
	}
	return &Iteration{State: encoded, Next: next}, nil
}

func (g *NEBGenerator) finalize(st *nebState, props map[string]any) (*Iteration, error) {
	encoded, err := sonic.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode neb state: %w", err)
	}
	return &Iteration{State: encoded, Final: &Final{Properties: props}}, nil
}

func imageHashes(spec map[string]any) []string {
	raw, ok := spec["images"].([]any)
	if !ok {
		return nil
	}
	images := make([]string, 0, len(raw))
	for _, r := range raw {
		if h, ok := r.(string); ok && h != "" {
			images = append(images, h)
		}
	}
	return images
}
