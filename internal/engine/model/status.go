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

// RecordStatus is the lifecycle status of a record.
type RecordStatus string

const (
	StatusWaiting   RecordStatus = "waiting"
	StatusRunning   RecordStatus = "running"
	StatusComplete  RecordStatus = "complete"
	StatusError     RecordStatus = "error"
	StatusCancelled RecordStatus = "cancelled"
	StatusInvalid   RecordStatus = "invalid"
	StatusDeleted   RecordStatus = "deleted"
)

// Terminal reports whether the status is a hard terminal state.
// Cancelled and deleted are soft-terminal: reversible via uncancel/undelete.
func (s RecordStatus) Terminal() bool {
	return s == StatusComplete || s == StatusInvalid
}

// Active reports whether the record still has outstanding work.
func (s RecordStatus) Active() bool {
	return s == StatusWaiting || s == StatusRunning
}

// CanReset reports whether reset may move the record back to waiting.
func (s RecordStatus) CanReset() bool {
	return s == StatusRunning || s == StatusError
}

// CanCancel reports whether cancel applies to the current status.
func (s RecordStatus) CanCancel() bool {
	return s == StatusWaiting || s == StatusRunning || s == StatusError
}

// PriorityEnum orders tasks within a tag. Higher values claim first.
type PriorityEnum int16

const (
	PriorityLow    PriorityEnum = 0
	PriorityNormal PriorityEnum = 1
	PriorityHigh   PriorityEnum = 2
)

// ParsePriority maps a priority name to its enum, defaulting to normal.
func ParsePriority(s string) PriorityEnum {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

func (p PriorityEnum) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}
