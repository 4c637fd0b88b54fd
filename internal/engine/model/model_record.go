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

import (
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/datatypes"
)

// Record is one requested computation and its outcome. Simple records are
// backed by a Task while waiting/running; service records by a ServiceQueue
// entry driving multi-step iteration.
type Record struct {
	ID               int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RecordType       string         `gorm:"column:record_type;type:VARCHAR(32);index" json:"record_type"`
	IsService        bool           `gorm:"column:is_service" json:"is_service"`
	Status           RecordStatus   `gorm:"column:status;type:VARCHAR(16);index" json:"status"`
	SpecHash         string         `gorm:"column:spec_hash;type:VARCHAR(64);uniqueIndex" json:"spec_hash"`
	Specification    datatypes.JSON `gorm:"column:specification;type:JSON" json:"specification"`
	MoleculeHash     string         `gorm:"column:molecule_hash;type:VARCHAR(64)" json:"molecule_hash"`
	RequiredPrograms datatypes.JSON `gorm:"column:required_programs;type:JSON" json:"required_programs"`
	Tag              string         `gorm:"column:tag;type:VARCHAR(64)" json:"tag"`
	Priority         PriorityEnum   `gorm:"column:priority;type:SMALLINT" json:"priority"`
	ManagerName      *string        `gorm:"column:manager_name;type:VARCHAR(128);index" json:"manager_name,omitempty"`
	Properties       datatypes.JSON `gorm:"column:properties;type:JSON" json:"properties,omitempty"`
	InfoBackup       datatypes.JSON `gorm:"column:info_backup;type:JSON" json:"info_backup,omitempty"`
	CreatedOn        time.Time      `gorm:"column:created_on;index" json:"created_on"`
	ModifiedOn       time.Time      `gorm:"column:modified_on" json:"modified_on"`
}

// TableName returns the table name.
func (Record) TableName() string {
	return "qf_records"
}

// StatusBackup is one snapshot on the prior-status stack. Cancel and soft
// delete push; uncancel and undelete pop in reverse order.
type StatusBackup struct {
	OldStatus  RecordStatus `json:"old_status"`
	ModifiedOn time.Time    `json:"modified_on"`
}

// BackupStack decodes the info_backup column.
func (r *Record) BackupStack() ([]StatusBackup, error) {
	if len(r.InfoBackup) == 0 {
		return nil, nil
	}
	var stack []StatusBackup
	if err := sonic.Unmarshal(r.InfoBackup, &stack); err != nil {
		return nil, err
	}
	return stack, nil
}

// PushBackup appends the record's current status to the backup stack.
func (r *Record) PushBackup(now time.Time) error {
	stack, err := r.BackupStack()
	if err != nil {
		return err
	}
	stack = append(stack, StatusBackup{OldStatus: r.Status, ModifiedOn: now})
	data, err := sonic.Marshal(stack)
	if err != nil {
		return err
	}
	r.InfoBackup = data
	return nil
}

// PopBackup removes and returns the most recent snapshot. ok is false when
// the stack is empty.
func (r *Record) PopBackup() (StatusBackup, bool, error) {
	stack, err := r.BackupStack()
	if err != nil {
		return StatusBackup{}, false, err
	}
	if len(stack) == 0 {
		return StatusBackup{}, false, nil
	}
	top := stack[len(stack)-1]
	stack = stack[:len(stack)-1]
	if len(stack) == 0 {
		r.InfoBackup = nil
	} else {
		data, err := sonic.Marshal(stack)
		if err != nil {
			return StatusBackup{}, false, err
		}
		r.InfoBackup = data
	}
	return top, true, nil
}

// ProgramList decodes the required_programs column.
func (r *Record) ProgramList() []string {
	if len(r.RequiredPrograms) == 0 {
		return nil
	}
	var programs []string
	if err := sonic.Unmarshal(r.RequiredPrograms, &programs); err != nil {
		return nil
	}
	return programs
}

// ComputeHistory is one append-only execution attempt outcome. Entries are
// never mutated; a record accumulates one per attempt.
type ComputeHistory struct {
	ID          int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RecordID    int64          `gorm:"column:record_id;index" json:"record_id"`
	Status      RecordStatus   `gorm:"column:status;type:VARCHAR(16)" json:"status"`
	ManagerName string         `gorm:"column:manager_name;type:VARCHAR(128)" json:"manager_name"`
	ErrorType   string         `gorm:"column:error_type;type:VARCHAR(64)" json:"error_type,omitempty"`
	Error       datatypes.JSON `gorm:"column:error;type:JSON" json:"error,omitempty"`
	Stdout      string         `gorm:"column:stdout;type:TEXT" json:"stdout,omitempty"`
	Stderr      string         `gorm:"column:stderr;type:TEXT" json:"stderr,omitempty"`
	ModifiedOn  time.Time      `gorm:"column:modified_on" json:"modified_on"`
}

// TableName returns the table name.
func (ComputeHistory) TableName() string {
	return "qf_compute_history"
}

// RecordSubmission is a request to create a record.
type RecordSubmission struct {
	RecordType       string         `json:"record_type"`
	Specification    map[string]any `json:"specification"`
	MoleculeHash     string         `json:"molecule_hash"`
	RequiredPrograms []string       `json:"required_programs"`
	Tag              string         `json:"tag"`
	Priority         PriorityEnum   `json:"priority"`
}
