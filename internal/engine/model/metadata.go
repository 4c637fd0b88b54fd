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

package model

import "strings"

// normalizeName lowercases and trims identifier-ish strings (tags, programs).
func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeTag normalizes a routing tag, defaulting to the wildcard.
func NormalizeTag(tag string) string {
	tag = normalizeName(tag)
	if tag == "" {
		return "*"
	}
	return tag
}

// NormalizeNames normalizes a list of tags or program names, deduplicating
// while preserving order.
func NormalizeNames(names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = normalizeName(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// IdError reports a per-id failure inside a batch operation.
type IdError struct {
	Idx   int    `json:"idx"`
	Id    int64  `json:"id"`
	Error string `json:"error"`
}

// UpdateMetadata summarizes a batch status operation. Ids are handled
// independently; a partially-valid batch still updates the valid subset.
type UpdateMetadata struct {
	NUpdated         int       `json:"n_updated"`
	UpdatedIdx       []int     `json:"updated_idx"`
	ErrorIdx         []int     `json:"error_idx"`
	Errors           []IdError `json:"errors"`
	NChildrenUpdated int       `json:"n_children_updated"`
}

// AddUpdated records a successful per-id update.
func (m *UpdateMetadata) AddUpdated(idx int) {
	m.NUpdated++
	m.UpdatedIdx = append(m.UpdatedIdx, idx)
}

// AddError records a per-id failure.
func (m *UpdateMetadata) AddError(idx int, id int64, msg string) {
	m.ErrorIdx = append(m.ErrorIdx, idx)
	m.Errors = append(m.Errors, IdError{Idx: idx, Id: id, Error: msg})
}

// RejectedInfo pairs a rejected task id with the rejection reason.
type RejectedInfo struct {
	TaskID int64  `json:"task_id"`
	Reason string `json:"reason"`
}

// TaskReturnMetadata summarizes one update_finished call.
type TaskReturnMetadata struct {
	NAccepted    int            `json:"n_accepted"`
	NRejected    int            `json:"n_rejected"`
	AcceptedIds  []int64        `json:"accepted_ids"`
	RejectedInfo []RejectedInfo `json:"rejected_info"`
}

// Accept records an accepted task id.
func (m *TaskReturnMetadata) Accept(taskID int64) {
	m.NAccepted++
	m.AcceptedIds = append(m.AcceptedIds, taskID)
}

// Reject records a rejected task id with its reason.
func (m *TaskReturnMetadata) Reject(taskID int64, reason string) {
	m.NRejected++
	m.RejectedInfo = append(m.RejectedInfo, RejectedInfo{TaskID: taskID, Reason: reason})
}
