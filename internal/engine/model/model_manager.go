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

const (
	ManagerStatusActive   = "active"
	ManagerStatusInactive = "inactive"
)

// Manager is a remote compute worker that claims tasks and reports results.
// Tags are stored lowercased in subscription order; that order drives claim
// selection.
type Manager struct {
	ID            int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name          string         `gorm:"column:name;type:VARCHAR(128);uniqueIndex" json:"name"`
	ClusterName   string         `gorm:"column:cluster_name;type:VARCHAR(128)" json:"cluster_name,omitempty"`
	Status        string         `gorm:"column:status;type:VARCHAR(16);index" json:"status"` // active/inactive
	Tags          datatypes.JSON `gorm:"column:tags;type:JSON" json:"tags"`
	Programs      datatypes.JSON `gorm:"column:programs;type:JSON" json:"programs"`
	Claimed       int64          `gorm:"column:claimed" json:"claimed"`
	Successes     int64          `gorm:"column:successes" json:"successes"`
	Failures      int64          `gorm:"column:failures" json:"failures"`
	Rejected      int64          `gorm:"column:rejected" json:"rejected"`
	CreatedOn     time.Time      `gorm:"column:created_on" json:"created_on"`
	ModifiedOn    time.Time      `gorm:"column:modified_on" json:"modified_on"`
	LastHeartbeat *time.Time     `gorm:"column:last_heartbeat" json:"last_heartbeat,omitempty"`
}

// TableName returns the table name.
func (Manager) TableName() string {
	return "qf_compute_managers"
}

// TagList decodes the subscribed tags in subscription order.
func (m *Manager) TagList() []string {
	if len(m.Tags) == 0 {
		return nil
	}
	var tags []string
	if err := sonic.Unmarshal(m.Tags, &tags); err != nil {
		return nil
	}
	return tags
}

// ProgramMap decodes the supported programs (program name to version).
func (m *Manager) ProgramMap() map[string]string {
	if len(m.Programs) == 0 {
		return nil
	}
	var programs map[string]string
	if err := sonic.Unmarshal(m.Programs, &programs); err != nil {
		return nil
	}
	return programs
}

// SupportsPrograms reports whether required is a subset of the manager's
// supported programs. Program names compare case-insensitively.
func (m *Manager) SupportsPrograms(required []string) bool {
	if len(required) == 0 {
		return true
	}
	supported := m.ProgramMap()
	for _, program := range required {
		if _, ok := supported[normalizeName(program)]; !ok {
			return false
		}
	}
	return true
}

// ActivateManagerReq registers a manager as active.
type ActivateManagerReq struct {
	Name        string            `json:"name"`
	ClusterName string            `json:"cluster_name"`
	Tags        []string          `json:"tags"`
	Programs    map[string]string `json:"programs"`
}
