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

// IRecordRepository defines record persistence.
type IRecordRepository interface {
	Get(ctx context.Context, id int64) (*model.Record, error)
	GetBatch(ctx context.Context, ids []int64) ([]model.Record, error)
	FindBySpecHash(ctx context.Context, hash string) (*model.Record, error)
	Create(ctx context.Context, record *model.Record) error
	History(ctx context.Context, recordID int64) ([]model.ComputeHistory, error)
	CountByStatus(ctx context.Context, status model.RecordStatus) (int64, error)
}

type RecordRepo struct {
	database.IDatabase
}

// NewRecordRepo creates a record repository.
func NewRecordRepo(db database.IDatabase) IRecordRepository {
	return &RecordRepo{IDatabase: db}
}

// Get returns the record by id, or nil when it does not exist.
func (rr *RecordRepo) Get(ctx context.Context, id int64) (*model.Record, error) {
	var record model.Record
	err := rr.Database().WithContext(ctx).
		Table(record.TableName()).
		Where("id = ?", id).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// GetBatch returns the records for the given ids; missing ids are absent
// from the result.
func (rr *RecordRepo) GetBatch(ctx context.Context, ids []int64) ([]model.Record, error) {
	var records []model.Record
	err := rr.Database().WithContext(ctx).
		Table((&model.Record{}).TableName()).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// FindBySpecHash returns the record with the given content hash, or nil.
// This is the content-addressed dedup lookup used by submission.
func (rr *RecordRepo) FindBySpecHash(ctx context.Context, hash string) (*model.Record, error) {
	var record model.Record
	err := rr.Database().WithContext(ctx).
		Table(record.TableName()).
		Where("spec_hash = ?", hash).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// Create inserts a new record.
func (rr *RecordRepo) Create(ctx context.Context, record *model.Record) error {
	return rr.Database().WithContext(ctx).
		Table(record.TableName()).
		Create(record).Error
}

// History returns the record's compute history, oldest first.
func (rr *RecordRepo) History(ctx context.Context, recordID int64) ([]model.ComputeHistory, error) {
	var entries []model.ComputeHistory
	err := rr.Database().WithContext(ctx).
		Table((&model.ComputeHistory{}).TableName()).
		Where("record_id = ?", recordID).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// CountByStatus counts records in the given status.
func (rr *RecordRepo) CountByStatus(ctx context.Context, status model.RecordStatus) (int64, error) {
	var count int64
	err := rr.Database().WithContext(ctx).
		Table((&model.Record{}).TableName()).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}
