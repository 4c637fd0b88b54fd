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

package service

import (
	"context"
	"errors"

	"github.com/qcarchive/fractal/internal/engine/model"
	"github.com/qcarchive/fractal/internal/engine/repo"
)

var ErrRecordNotFound = errors.New("record does not exist")

type RecordQueryService struct {
	recordRepo  repo.IRecordRepository
	taskRepo    repo.ITaskRepository
	serviceRepo repo.IServiceRepository
}

func NewRecordQueryService(repos *repo.Repositories) *RecordQueryService {
	return &RecordQueryService{
		recordRepo:  repos.Records,
		taskRepo:    repos.Tasks,
		serviceRepo: repos.Services,
	}
}

// Get returns the record by id.
func (s *RecordQueryService) Get(ctx context.Context, id int64) (*model.Record, error) {
	record, err := s.recordRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrRecordNotFound
	}
	return record, nil
}

// GetMany returns the records for the given ids; missing ids are absent.
func (s *RecordQueryService) GetMany(ctx context.Context, ids []int64) ([]model.Record, error) {
	return s.recordRepo.GetBatch(ctx, ids)
}

// History returns the record's execution attempts, oldest first.
func (s *RecordQueryService) History(ctx context.Context, id int64) ([]model.ComputeHistory, error) {
	record, err := s.recordRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrRecordNotFound
	}
	return s.recordRepo.History(ctx, id)
}

// Dependencies returns a service record's task-key to record-id mapping.
func (s *RecordQueryService) Dependencies(ctx context.Context, id int64) ([]model.ServiceDependency, error) {
	svc, err := s.serviceRepo.GetByRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, nil
	}
	return s.serviceRepo.Dependencies(ctx, svc.ID)
}

// CountByStatus counts records per status for queue monitoring.
func (s *RecordQueryService) CountByStatus(ctx context.Context, status model.RecordStatus) (int64, error) {
	return s.recordRepo.CountByStatus(ctx, status)
}
