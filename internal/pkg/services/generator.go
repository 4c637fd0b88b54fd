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

// Package services implements the multi-step record types. Each type is a
// Generator: given the service's opaque state and the outcomes of the
// previous dependency batch, it either emits the next batch of keyed
// sub-record submissions or signals final completion.
package services

import (
	"fmt"

	"github.com/qcarchive/fractal/internal/engine/model"
)

// Outcome is the completed result of one dependency slot.
type Outcome struct {
	RecordID   int64
	Status     model.RecordStatus
	Properties map[string]any
}

// Submission requests one sub-record. TaskKey is deterministic, derived from
// the sub-computation's defining parameters, so out-of-order results match
// back to the slot that produced them. Identical specifications submitted
// under different keys dedup to the same physical record.
type Submission struct {
	TaskKey          string
	RecordType       string
	Specification    map[string]any
	MoleculeHash     string
	RequiredPrograms []string
}

// Final carries the fields persisted onto the parent record at completion.
type Final struct {
	Properties map[string]any
}

// Iteration is the result of one generator step. Exactly one of Next or
// Final is populated.
type Iteration struct {
	State []byte
	Next  []Submission
	Final *Final
}

// Generator drives one service record type. Iterate is called with nil state
// and empty results on the first invocation.
type Generator interface {
	Type() string
	Iterate(spec map[string]any, state []byte, results map[string]Outcome) (*Iteration, error)
}

// floatProp extracts a numeric property from an outcome, defaulting to zero.
func floatProp(o Outcome, key string) float64 {
	switch v := o.Properties[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

// programsFrom reads the program requirement out of a sub-specification.
func programsFrom(spec map[string]any) []string {
	if p, ok := spec["program"].(string); ok && p != "" {
		return []string{p}
	}
	return nil
}

// subSpec extracts a nested specification map from the service spec.
func subSpec(spec map[string]any, key string) (map[string]any, error) {
	sub, ok := spec[key].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("service specification missing %q", key)
	}
	return sub, nil
}
