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

	"gorm.io/datatypes"
)

// ServiceQueue is the iteration entry backing one multi-step record. The
// State blob is owned by the record type's generator and opaque to the
// engine.
//
// Retention: rows for cancelled or errored records are kept so a manual
// reset can resume from the failure point; rows are removed on completion
// and on hard delete.
type ServiceQueue struct {
	ID         int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	RecordID   int64          `gorm:"column:record_id;uniqueIndex" json:"record_id"`
	Tag        string         `gorm:"column:tag;type:VARCHAR(64)" json:"tag"`
	Priority   PriorityEnum   `gorm:"column:priority;type:SMALLINT" json:"priority"`
	State      datatypes.JSON `gorm:"column:state;type:JSON" json:"state,omitempty"`
	CreatedOn  time.Time      `gorm:"column:created_on;index" json:"created_on"`
	ModifiedOn time.Time      `gorm:"column:modified_on" json:"modified_on"`
}

// TableName returns the table name.
func (ServiceQueue) TableName() string {
	return "qf_service_queue"
}

// ServiceDependency maps one logical sub-task slot of a service to its
// physical dependency record. Several task keys may point at the same record
// when content-addressed dedup collapses identical sub-submissions.
type ServiceDependency struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ServiceID int64  `gorm:"column:service_id;index:idx_service_taskkey,unique" json:"service_id"`
	TaskKey   string `gorm:"column:task_key;type:VARCHAR(255);index:idx_service_taskkey,unique" json:"task_key"`
	RecordID  int64  `gorm:"column:record_id;index" json:"record_id"`
}

// TableName returns the table name.
func (ServiceDependency) TableName() string {
	return "qf_service_dependencies"
}
