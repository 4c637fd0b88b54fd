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
	"time"

	"gorm.io/gorm"

	"github.com/qcarchive/fractal/internal/engine/consts"
	"github.com/qcarchive/fractal/internal/engine/model"
	"github.com/qcarchive/fractal/pkg/cache"
	"github.com/qcarchive/fractal/pkg/database"
	"github.com/qcarchive/fractal/pkg/log"
)

// IManagerRepository defines compute manager persistence with context support.
// Reads are cached; any write invalidates the manager's cache entry.
type IManagerRepository interface {
	Get(ctx context.Context, name string) (*model.Manager, error)
	Upsert(ctx context.Context, manager *model.Manager) error
	SetStatus(ctx context.Context, name, status string) error
	Touch(ctx context.Context, name string, at time.Time) error
	IncrementCounters(ctx context.Context, name string, claimed, successes, failures, rejected int64) error
	List(ctx context.Context, page, size int) ([]model.Manager, int64, error)
}

type ManagerRepo struct {
	database.IDatabase
	cache.ICache
}

// NewManagerRepo creates a manager repository with optional cache.
func NewManagerRepo(db database.IDatabase, cache cache.ICache) IManagerRepository {
	if cache == nil {
		log.Warnw("ManagerRepo initialized without cache, caching will be disabled")
	}
	return &ManagerRepo{
		IDatabase: db,
		ICache:    cache,
	}
}

func managerKeyFunc(params ...any) string {
	return consts.ManagerDetailKey + params[0].(string)
}

// Get returns the manager by name, or nil when it does not exist.
func (mr *ManagerRepo) Get(ctx context.Context, name string) (*model.Manager, error) {
	queryFunc := func(ctx context.Context) (*model.Manager, error) {
		return mr.queryByName(ctx, name)
	}

	cq := cache.NewCachedQuery(
		mr.ICache,
		managerKeyFunc,
		queryFunc,
		cache.WithTTL[*model.Manager](time.Minute),
		cache.WithLogPrefix[*model.Manager]("[ManagerRepo]"),
	)

	return cq.Get(ctx, name)
}

func (mr *ManagerRepo) queryByName(ctx context.Context, name string) (*model.Manager, error) {
	var manager model.Manager
	err := mr.Database().WithContext(ctx).
		Table(manager.TableName()).
		Where("name = ?", name).
		First(&manager).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &manager, nil
}

// Upsert creates the manager row or replaces its registration fields.
func (mr *ManagerRepo) Upsert(ctx context.Context, manager *model.Manager) error {
	existing, err := mr.queryByName(ctx, manager.Name)
	if err != nil {
		return err
	}
	db := mr.Database().WithContext(ctx).Table(manager.TableName())
	if existing == nil {
		if err := db.Create(manager).Error; err != nil {
			return err
		}
	} else {
		updates := map[string]any{
			"cluster_name": manager.ClusterName,
			"status":       manager.Status,
			"tags":         manager.Tags,
			"programs":     manager.Programs,
			"modified_on":  manager.ModifiedOn,
		}
		if err := db.Where("name = ?", manager.Name).Updates(updates).Error; err != nil {
			return err
		}
	}
	mr.invalidate(ctx, manager.Name)
	return nil
}

// SetStatus activates or deactivates the manager.
func (mr *ManagerRepo) SetStatus(ctx context.Context, name, status string) error {
	err := mr.Database().WithContext(ctx).Table((&model.Manager{}).TableName()).
		Where("name = ?", name).
		Updates(map[string]any{"status": status, "modified_on": time.Now()}).Error
	if err != nil {
		return err
	}
	mr.invalidate(ctx, name)
	return nil
}

// Touch updates the manager's heartbeat timestamp.
func (mr *ManagerRepo) Touch(ctx context.Context, name string, at time.Time) error {
	err := mr.Database().WithContext(ctx).Table((&model.Manager{}).TableName()).
		Where("name = ?", name).
		Updates(map[string]any{"last_heartbeat": at}).Error
	if err != nil {
		return err
	}
	mr.invalidate(ctx, name)
	return nil
}

// IncrementCounters bumps the manager's claim/outcome counters atomically.
func (mr *ManagerRepo) IncrementCounters(ctx context.Context, name string, claimed, successes, failures, rejected int64) error {
	updates := map[string]any{"modified_on": time.Now()}
	if claimed != 0 {
		updates["claimed"] = gorm.Expr("claimed + ?", claimed)
	}
	if successes != 0 {
		updates["successes"] = gorm.Expr("successes + ?", successes)
	}
	if failures != 0 {
		updates["failures"] = gorm.Expr("failures + ?", failures)
	}
	if rejected != 0 {
		updates["rejected"] = gorm.Expr("rejected + ?", rejected)
	}
	err := mr.Database().WithContext(ctx).Table((&model.Manager{}).TableName()).
		Where("name = ?", name).
		Updates(updates).Error
	if err != nil {
		return err
	}
	mr.invalidate(ctx, name)
	return nil
}

// List lists managers with pagination.
func (mr *ManagerRepo) List(ctx context.Context, page, size int) ([]model.Manager, int64, error) {
	var managers []model.Manager
	var manager model.Manager
	var count int64
	offset := (page - 1) * size

	if err := mr.Database().WithContext(ctx).Table(manager.TableName()).Count(&count).Error; err != nil {
		return nil, 0, err
	}
	if err := mr.Database().WithContext(ctx).Table(manager.TableName()).
		Order("id ASC").
		Offset(offset).Limit(size).Find(&managers).Error; err != nil {
		return nil, 0, err
	}
	return managers, count, nil
}

func (mr *ManagerRepo) invalidate(ctx context.Context, name string) {
	invalidateManagerCache(ctx, mr.ICache, name)
}

// invalidateManagerCache drops the cached detail entry for a manager. Shared
// with every repository that writes manager rows.
func invalidateManagerCache(ctx context.Context, c cache.ICache, name string) {
	cq := cache.NewCachedQuery[*model.Manager](c, managerKeyFunc, nil)
	_ = cq.Invalidate(ctx, name)
}
