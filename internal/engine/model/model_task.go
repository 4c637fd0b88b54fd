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

// Task is the claimable unit of remote work backing one non-service record.
// A task exists only while its record is waiting, running or errored; it is
// removed when the record completes, is cancelled or is deleted.
type Task struct {
	ID               int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RecordID         int64          `gorm:"column:record_id;uniqueIndex" json:"record_id"`
	Tag              string         `gorm:"column:tag;type:VARCHAR(64);index" json:"tag"` // normalized to lowercase
	Priority         PriorityEnum   `gorm:"column:priority;type:SMALLINT;index" json:"priority"`
	RequiredPrograms datatypes.JSON `gorm:"column:required_programs;type:JSON" json:"required_programs"`
	Spec             datatypes.JSON `gorm:"column:spec;type:JSON" json:"spec"` // serialized RecordTaskPayload
	CreatedOn        time.Time      `gorm:"column:created_on;index" json:"created_on"`
}

// TableName returns the table name.
func (Task) TableName() string {
	return "qf_tasks"
}

// ProgramList decodes the required_programs column.
func (t *Task) ProgramList() []string {
	if len(t.RequiredPrograms) == 0 {
		return nil
	}
	var programs []string
	if err := sonic.Unmarshal(t.RequiredPrograms, &programs); err != nil {
		return nil
	}
	return programs
}
