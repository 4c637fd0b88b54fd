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

package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/qcarchive/fractal/internal/engine/model"
	"github.com/qcarchive/fractal/pkg/cache"
	"github.com/qcarchive/fractal/pkg/database"
)

// claimScanBatch is how many candidate rows are scanned per page while
// filtering for program compatibility.
const claimScanBatch = 50

// ITaskRepository defines task queue persistence. Claim is the atomic
// claim-and-mark operation; a task appearing in its result set is durably
// marked running before Claim returns.
type ITaskRepository interface {
	Claim(ctx context.Context, manager *model.Manager, limit int) ([]model.Task, error)
	Get(ctx context.Context, taskID int64) (*model.Task, error)
	GetByRecord(ctx context.Context, recordID int64) (*model.Task, error)
	CountOutstanding(ctx context.Context) (int64, error)
}

type TaskRepo struct {
	database.IDatabase
	cache.ICache
}

// NewTaskRepo creates a task repository with optional cache.
func NewTaskRepo(db database.IDatabase, cache cache.ICache) ITaskRepository {
	return &TaskRepo{IDatabase: db, ICache: cache}
}

// Claim hands out up to limit tasks to the manager. Tags are tried in the
// manager's subscription order; within a tag ordering is priority descending,
// then created_on, then id. Rows are locked with SKIP LOCKED so concurrent
// managers never select the same task.
func (tr *TaskRepo) Claim(ctx context.Context, manager *model.Manager, limit int) ([]model.Task, error) {
	var claimed []model.Task
	now := time.Now()

	err := tr.Database().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed = claimed[:0]
		for _, tag := range manager.TagList() {
			if len(claimed) >= limit {
				break
			}
			batch, err := claimTag(tx, manager, tag, limit-len(claimed), now)
			if err != nil {
				return err
			}
			claimed = append(claimed, batch...)
		}
		if len(claimed) == 0 {
			return nil
		}
		return tx.Table((&model.Manager{}).TableName()).
			Where("name = ?", manager.Name).
			Updates(map[string]any{
				"claimed":     gorm.Expr("claimed + ?", len(claimed)),
				"modified_on": now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		// The claimed counter changed; cached reads must not serve the old
		// value for the rest of the TTL.
		invalidateManagerCache(ctx, tr.ICache, manager.Name)
	}
	return claimed, nil
}

// claimTag claims up to remaining tasks matching one manager tag. The
// wildcard tag matches tasks of any tag.
func claimTag(tx *gorm.DB, manager *model.Manager, tag string, remaining int, now time.Time) ([]model.Task, error) {
	var picked []model.Task
	offset := 0

	for len(picked) < remaining {
		q := tx.Table("qf_tasks").
			Select("qf_tasks.*").
			Joins("JOIN qf_records ON qf_records.id = qf_tasks.record_id").
			Where("qf_records.status = ?", model.StatusWaiting)
		if tag != "*" {
			q = q.Where("qf_tasks.tag = ?", tag)
		}
		q = q.Order("qf_tasks.priority DESC").
			Order("qf_tasks.created_on ASC").
			Order("qf_tasks.id ASC").
			Offset(offset).
			Limit(claimScanBatch)

		var candidates []model.Task
		if err := LockSkipLocked(q).Find(&candidates).Error; err != nil {
			return nil, err
		}
		for _, task := range candidates {
			if !manager.SupportsPrograms(task.ProgramList()) {
				continue
			}
			picked = append(picked, task)
			if len(picked) >= remaining {
				break
			}
		}
		if len(candidates) < claimScanBatch {
			break
		}
		offset += claimScanBatch
	}

	if len(picked) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(picked))
	for _, task := range picked {
		ids = append(ids, task.RecordID)
	}
	res := tx.Table((&model.Record{}).TableName()).
		Where("id IN ? AND status = ?", ids, model.StatusWaiting).
		Updates(map[string]any{
			"status":       model.StatusRunning,
			"manager_name": manager.Name,
			"modified_on":  now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	// Rows are locked, so every selected record must still be waiting.
	if res.RowsAffected != int64(len(ids)) {
		return nil, fmt.Errorf("claim race: %d of %d records transitioned to running", res.RowsAffected, len(ids))
	}
	return picked, nil
}

// Get returns the task by id, or nil when it does not exist.
func (tr *TaskRepo) Get(ctx context.Context, taskID int64) (*model.Task, error) {
	var task model.Task
	err := tr.Database().WithContext(ctx).
		Table(task.TableName()).
		Where("id = ?", taskID).
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

// GetByRecord returns the task backing a record, or nil when none exists.
func (tr *TaskRepo) GetByRecord(ctx context.Context, recordID int64) (*model.Task, error) {
	var task model.Task
	err := tr.Database().WithContext(ctx).
		Table(task.TableName()).
		Where("record_id = ?", recordID).
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

// CountOutstanding returns the number of task rows in the queue.
func (tr *TaskRepo) CountOutstanding(ctx context.Context) (int64, error) {
	var count int64
	err := tr.Database().WithContext(ctx).
		Table((&model.Task{}).TableName()).
		Count(&count).Error
	return count, err
}
