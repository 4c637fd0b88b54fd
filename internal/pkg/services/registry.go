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
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Generator)
)

// Register installs a generator for its record type. Called from init.
func Register(g Generator) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[g.Type()]; ok {
		panic(fmt.Sprintf("services: duplicate generator for type %q", g.Type()))
	}
	registry[g.Type()] = g
}

// Get returns the generator for a record type.
func Get(recordType string) (Generator, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	g, ok := registry[recordType]
	if !ok {
		return nil, fmt.Errorf("services: no generator registered for type %q", recordType)
	}
	return g, nil
}

// IsServiceType reports whether the record type is a multi-step service.
func IsServiceType(recordType string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[recordType]
	return ok
}

// Types lists the registered service record types.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	return out
}
