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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/gorm"

	"github.com/qcarchive/fractal/internal/engine/model"
	"github.com/qcarchive/fractal/internal/pkg/services"
	"github.com/qcarchive/fractal/pkg/database"
	"github.com/qcarchive/fractal/pkg/log"
	"github.com/qcarchive/fractal/pkg/taskqueue"
)

type SubmitService struct {
	db database.IDatabase
}

func NewSubmitService(db database.IDatabase) *SubmitService {
	return &SubmitService{db: db}
}

// Submit creates records for the given submissions. Returned ids align with
// the input; a submission whose content hash matches an existing record gets
// that record's id back instead of a new one (existing[i] reports which).
func (s *SubmitService) Submit(ctx context.Context, subs []*model.RecordSubmission) ([]int64, []bool, error) {
	ids := make([]int64, len(subs))
	existing := make([]bool, len(subs))
	now := time.Now()

	err := s.db.Database().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, sub := range subs {
			id, existed, err := s.submitTx(tx, sub, now)
			if err != nil {
				return fmt.Errorf("submission %d: %w", i, err)
			}
			ids[i] = id
			existing[i] = existed
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return ids, existing, nil
}

// submitTx creates one record inside an open transaction, deduplicating by
// content hash. Callers building service dependency batches share this path
// so sub-records dedup against user submissions too.
func (s *SubmitService) submitTx(tx *gorm.DB, sub *model.RecordSubmission, now time.Time) (int64, bool, error) {
	if sub.RecordType == "" {
		return 0, false, errors.New("record type cannot be empty")
	}
	hash, err := SpecHash(sub.RecordType, sub.Specification, sub.MoleculeHash)
	if err != nil {
		return 0, false, err
	}

	var found model.Record
	err = tx.Table(found.TableName()).
		Where("spec_hash = ?", hash).
		First(&found).Error
	if err == nil {
		return found.ID, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, err
	}

	specJSON, err := sonic.Marshal(sub.Specification)
	if err != nil {
		return 0, false, fmt.Errorf("encode specification: %w", err)
	}
	programs := model.NormalizeNames(sub.RequiredPrograms)
	programsJSON, err := sonic.Marshal(programs)
	if err != nil {
		return 0, false, fmt.Errorf("encode required programs: %w", err)
	}

	record := &model.Record{
		RecordType:       sub.RecordType,
		IsService:        services.IsServiceType(sub.RecordType),
		Status:           model.StatusWaiting,
		SpecHash:         hash,
		Specification:    specJSON,
		MoleculeHash:     sub.MoleculeHash,
		RequiredPrograms: programsJSON,
		Tag:              model.NormalizeTag(sub.Tag),
		Priority:         sub.Priority,
		CreatedOn:        now,
		ModifiedOn:       now,
	}
	if err := tx.Table(record.TableName()).Create(record).Error; err != nil {
		return 0, false, err
	}

	if record.IsService {
		svc := &model.ServiceQueue{
			RecordID:   record.ID,
			Tag:        record.Tag,
			Priority:   record.Priority,
			CreatedOn:  now,
			ModifiedOn: now,
		}
		if err := tx.Table(svc.TableName()).Create(svc).Error; err != nil {
			return 0, false, err
		}
	} else {
		task, err := newTaskForRecord(record, now)
		if err != nil {
			return 0, false, err
		}
		if err := tx.Table(task.TableName()).Create(task).Error; err != nil {
			return 0, false, err
		}
	}

	log.Debugw("record submitted", "recordId", record.ID, "type", record.RecordType, "service", record.IsService)
	return record.ID, false, nil
}

// SpecHash computes the content-addressed dedup hash of a submission. The
// specification is serialized with sorted keys so logically equal maps hash
// identically.
func SpecHash(recordType string, spec map[string]any, moleculeHash string) (string, error) {
	canonical, err := sonic.ConfigStd.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("canonicalize specification: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(recordType))
	h.Write([]byte("|"))
	h.Write(canonical)
	h.Write([]byte("|"))
	h.Write([]byte(moleculeHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// newTaskForRecord builds the claimable task row for a non-service record.
// The payload embeds everything a manager needs to run the computation.
func newTaskForRecord(record *model.Record, now time.Time) (*model.Task, error) {
	payload := &taskqueue.RecordTaskPayload{
		RecordId:         record.ID,
		RecordType:       record.RecordType,
		MoleculeHash:     record.MoleculeHash,
		RequiredPrograms: record.ProgramList(),
		Tag:              record.Tag,
	}
	if len(record.Specification) > 0 {
		if err := sonic.Unmarshal(record.Specification, &payload.Specification); err != nil {
			return nil, fmt.Errorf("decode specification for task payload: %w", err)
		}
	}
	spec, err := sonic.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode task payload: %w", err)
	}
	return &model.Task{
		RecordID:         record.ID,
		Tag:              record.Tag,
		Priority:         record.Priority,
		RequiredPrograms: record.RequiredPrograms,
		Spec:             spec,
		CreatedOn:        now,
	}, nil
}
