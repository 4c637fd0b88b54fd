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

package service

import "fmt"

// ComputeManagerError reports a fatal problem with the calling manager
// itself, as opposed to per-task rejections which are returned in metadata.
type ComputeManagerError struct {
	Name   string
	Reason string
}

func (e *ComputeManagerError) Error() string {
	return fmt.Sprintf("compute manager %q %s", e.Name, e.Reason)
}

// NewManagerNotFoundError reports an unknown manager name.
func NewManagerNotFoundError(name string) *ComputeManagerError {
	return &ComputeManagerError{Name: name, Reason: "does not exist"}
}

// NewManagerInactiveError reports an operation from a deactivated manager.
func NewManagerInactiveError(name string) *ComputeManagerError {
	return &ComputeManagerError{Name: name, Reason: "is not active"}
}
