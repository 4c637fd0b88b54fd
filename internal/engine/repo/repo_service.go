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

	"gorm.io/gorm"

	"github.com/qcarchive/fractal/internal/engine/model"
	"github.com/qcarchive/fractal/pkg/database"
)

// IServiceRepository defines service queue persistence.
type IServiceRepository interface {
	GetByRecord(ctx context.Context, recordID int64) (*model.ServiceQueue, error)
	Dependencies(ctx context.Context, serviceID int64) ([]model.ServiceDependency, error)
	ListByRecordStatus(ctx context.Context, status model.RecordStatus) ([]model.ServiceQueue, error)
	CountByRecordStatus(ctx context.Context, status model.RecordStatus) (int64, error)
}

type ServiceRepo struct {
	database.IDatabase
}

// NewServiceRepo creates a service queue repository.
func NewServiceRepo(db database.IDatabase) IServiceRepository {
	return &ServiceRepo{IDatabase: db}
}

// GetByRecord returns the service entry backing a record, or nil.
func (sr *ServiceRepo) GetByRecord(ctx context.Context, recordID int64) (*model.ServiceQueue, error) {
	var svc model.ServiceQueue
	err := sr.Database().WithContext(ctx).
		Table(svc.TableName()).
		Where("record_id = ?", recordID).
		First(&svc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &svc, nil
}

// Dependencies returns the service's logical dependency slots.
func (sr *ServiceRepo) Dependencies(ctx context.Context, serviceID int64) ([]model.ServiceDependency, error) {
	var deps []model.ServiceDependency
	err := sr.Database().WithContext(ctx).
		Table((&model.ServiceDependency{}).TableName()).
		Where("service_id = ?", serviceID).
		Order("id ASC").
		Find(&deps).Error
	if err != nil {
		return nil, err
	}
	return deps, nil
}

// ListByRecordStatus returns service entries whose owning record is in the
// given status, ordered by priority descending then FIFO. This is the same
// ordering discipline the task queue uses for claims.
func (sr *ServiceRepo) ListByRecordStatus(ctx context.Context, status model.RecordStatus) ([]model.ServiceQueue, error) {
	var services []model.ServiceQueue
	err := sr.Database().WithContext(ctx).
		Table("qf_service_queue").
		Select("qf_service_queue.*").
		Joins("JOIN qf_records ON qf_records.id = qf_service_queue.record_id").
		Where("qf_records.status = ?", status).
		Order("qf_service_queue.priority DESC").
		Order("qf_service_queue.created_on ASC").
		Order("qf_service_queue.id ASC").
		Find(&services).Error
	if err != nil {
		return nil, err
	}
	return services, nil
}

// CountByRecordStatus counts service entries by owning record status.
func (sr *ServiceRepo) CountByRecordStatus(ctx context.Context, status model.RecordStatus) (int64, error) {
	var count int64
	err := sr.Database().WithContext(ctx).
		Table("qf_service_queue").
		Joins("JOIN qf_records ON qf_records.id = qf_service_queue.record_id").
		Where("qf_records.status = ?", status).
		Count(&count).Error
	return count, err
}
