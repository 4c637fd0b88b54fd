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

package taskqueue

import (
	"fmt"
	"strings"
)

const (
	TaskTypeRecordCompute = "record.compute"
)

// RecordTaskPayload describes one unit of remote computation handed to a
// compute manager. The specification is opaque to the queue; managers
// interpret it with the program named in RequiredPrograms.
type RecordTaskPayload struct {
	RecordId         int64          `json:"recordId,omitempty"`
	RecordType       string         `json:"recordType,omitempty"`
	Specification    map[string]any `json:"specification,omitempty"`
	MoleculeHash     string         `json:"moleculeHash,omitempty"`
	RequiredPrograms []string       `json:"requiredPrograms,omitempty"`
	Tag              string         `json:"tag,omitempty"`
}

// RecordTaskKey returns a composite key for the record task.
func RecordTaskKey(payload *RecordTaskPayload) string {
	if payload == nil {
		return ""
	}
	parts := []string{
		payload.RecordType,
		payload.MoleculeHash,
		fmt.Sprintf("%d", payload.RecordId),
	}
	return strings.Trim(strings.Join(parts, ":"), ":")
}

// OperationError carries the structured failure reported by a manager.
type OperationError struct {
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
}

// TaskResult is the outcome a compute manager returns for one claimed task.
// Success distinguishes a completed computation from a FailedOperation shape;
// failed results carry Error and no properties.
type TaskResult struct {
	Success    bool            `json:"success"`
	Properties map[string]any  `json:"properties,omitempty"`
	Stdout     string          `json:"stdout,omitempty"`
	Stderr     string          `json:"stderr,omitempty"`
	Error      *OperationError `json:"error,omitempty"`
}

// ErrorType returns the failure classification, defaulting to unknown_error.
func (r *TaskResult) ErrorType() string {
	if r == nil || r.Error == nil || r.Error.ErrorType == "" {
		return "unknown_error"
	}
	return r.Error.ErrorType
}
