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
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/gorm"

	"github.com/qcarchive/fractal/internal/engine/config"
	"github.com/qcarchive/fractal/internal/engine/model"
	"github.com/qcarchive/fractal/internal/engine/repo"
	"github.com/qcarchive/fractal/internal/pkg/services"
	"github.com/qcarchive/fractal/pkg/database"
	"github.com/qcarchive/fractal/pkg/event"
	"github.com/qcarchive/fractal/pkg/log"
	"github.com/qcarchive/fractal/pkg/metrics"
)

// ServiceIterator advances multi-step records. Each pass steps every running
// service whose dependency batch has settled, then promotes waiting services
// into the active window.
type ServiceIterator struct {
	db          database.IDatabase
	serviceRepo repo.IServiceRepository
	submit      *SubmitService
	conf        config.ServicesConfig
	bus         *event.Bus
	metrics     *metrics.EngineMetrics
}

func NewServiceIterator(
	db database.IDatabase,
	repos *repo.Repositories,
	submit *SubmitService,
	conf config.ServicesConfig,
	bus *event.Bus,
	em *metrics.EngineMetrics,
) *ServiceIterator {
	return &ServiceIterator{
		db:          db,
		serviceRepo: repos.Services,
		submit:      submit,
		conf:        conf,
		bus:         bus,
		metrics:     em,
	}
}

// IterateServices runs one iteration pass and returns the number of running
// services afterwards. A failure on one service is logged and does not stop
// the pass.
func (s *ServiceIterator) IterateServices(ctx context.Context) (int, error) {
	running, err := s.serviceRepo.ListByRecordStatus(ctx, model.StatusRunning)
	if err != nil {
		return 0, err
	}
	for i := range running {
		if err := s.iterateOne(ctx, running[i].ID); err != nil {
			log.Errorw("service iteration failed", "serviceId", running[i].ID, "recordId", running[i].RecordID, "error", err)
		}
	}

	if err := s.promoteWaiting(ctx); err != nil {
		return 0, err
	}

	count, err := s.serviceRepo.CountByRecordStatus(ctx, model.StatusRunning)
	if err != nil {
		return 0, err
	}
	if s.metrics != nil {
		s.metrics.ActiveServices.Set(float64(count))
	}
	return int(count), nil
}

// promoteWaiting starts waiting services, highest priority first, up to the
// configured active window.
func (s *ServiceIterator) promoteWaiting(ctx context.Context) error {
	budget := -1
	if s.conf.MaxActiveServices > 0 {
		count, err := s.serviceRepo.CountByRecordStatus(ctx, model.StatusRunning)
		if err != nil {
			return err
		}
		budget = s.conf.MaxActiveServices - int(count)
		if budget <= 0 {
			return nil
		}
	}

	waiting, err := s.serviceRepo.ListByRecordStatus(ctx, model.StatusWaiting)
	if err != nil {
		return err
	}
	for i := range waiting {
		if budget == 0 {
			break
		}
		if err := s.startOne(ctx, waiting[i].ID); err != nil {
			log.Errorw("service start failed", "serviceId", waiting[i].ID, "recordId", waiting[i].RecordID, "error", err)
			continue
		}
		if budget > 0 {
			budget--
		}
	}
	return nil
}

// startOne promotes one waiting service to running and dispatches its first
// dependency batch.
func (s *ServiceIterator) startOne(ctx context.Context, serviceID int64) error {
	return s.db.Database().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		svc, rec, err := s.lockServiceTx(tx, serviceID)
		if err != nil || svc == nil {
			return err
		}
		if rec.Status != model.StatusWaiting {
			return nil
		}
		now := time.Now()
		if err := s.setParentStatusTx(tx, rec, model.StatusRunning, now); err != nil {
			return err
		}
		// A reset service still has state and dependency slots; promote it
		// and let the next pass pick up where it left off.
		var depCount int64
		err = tx.Table((&model.ServiceDependency{}).TableName()).
			Where("service_id = ?", svc.ID).
			Count(&depCount).Error
		if err != nil {
			return err
		}
		if len(svc.State) > 0 || depCount > 0 {
			return nil
		}
		return s.stepTx(tx, svc, rec, nil, now)
	})
}

// iterateOne advances one running service if its dependency batch has
// settled: any errored dependency fails the parent, a fully-complete batch
// triggers the next generator step, anything else is left alone.
func (s *ServiceIterator) iterateOne(ctx context.Context, serviceID int64) error {
	return s.db.Database().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		svc, rec, err := s.lockServiceTx(tx, serviceID)
		if err != nil || svc == nil {
			return err
		}
		if rec.Status != model.StatusRunning {
			return nil
		}

		var deps []model.ServiceDependency
		err = tx.Table((&model.ServiceDependency{}).TableName()).
			Where("service_id = ?", svc.ID).
			Order("id ASC").
			Find(&deps).Error
		if err != nil {
			return err
		}

		depRecords := make(map[int64]*model.Record, len(deps))
		var failed []int64
		settled := true
		for _, dep := range deps {
			if _, ok := depRecords[dep.RecordID]; ok {
				continue
			}
			depRec, err := lockRecordTx(tx, dep.RecordID)
			if err != nil {
				return err
			}
			if depRec == nil {
				return fmt.Errorf("dependency record %d is missing", dep.RecordID)
			}
			depRecords[dep.RecordID] = depRec
			switch depRec.Status {
			case model.StatusError:
				failed = append(failed, depRec.ID)
			case model.StatusComplete:
			default:
				settled = false
			}
		}

		now := time.Now()
		if len(failed) > 0 {
			return s.failParentTx(tx, rec, now, fmt.Sprintf("dependencies failed: %v", failed))
		}
		if !settled {
			return nil
		}

		results := make(map[string]services.Outcome, len(deps))
		for _, dep := range deps {
			depRec := depRecords[dep.RecordID]
			var props map[string]any
			if len(depRec.Properties) > 0 {
				if err := sonic.Unmarshal(depRec.Properties, &props); err != nil {
					return fmt.Errorf("decode properties of record %d: %w", depRec.ID, err)
				}
			}
			results[dep.TaskKey] = services.Outcome{
				RecordID:   depRec.ID,
				Status:     depRec.Status,
				Properties: props,
			}
		}
		return s.stepTx(tx, svc, rec, results, now)
	})
}

// stepTx runs the generator once and applies the outcome: next batch or
// final completion. A generator error marks the parent errored.
func (s *ServiceIterator) stepTx(tx *gorm.DB, svc *model.ServiceQueue, rec *model.Record, results map[string]services.Outcome, now time.Time) error {
	gen, err := services.Get(rec.RecordType)
	if err != nil {
		return s.failParentTx(tx, rec, now, err.Error())
	}
	var spec map[string]any
	if len(rec.Specification) > 0 {
		if err := sonic.Unmarshal(rec.Specification, &spec); err != nil {
			return s.failParentTx(tx, rec, now, fmt.Sprintf("decode specification: %v", err))
		}
	}

	iteration, err := gen.Iterate(spec, svc.State, results)
	if err != nil {
		return s.failParentTx(tx, rec, now, err.Error())
	}
	if iteration.Final != nil {
		return s.completeParentTx(tx, svc, rec, iteration.Final, now)
	}
	if len(iteration.Next) == 0 {
		return s.failParentTx(tx, rec, now, "generator produced neither submissions nor a final result")
	}
	return s.dispatchTx(tx, svc, iteration, now)
}

// dispatchTx replaces the dependency batch with the next one. Submissions go
// through the shared dedup path, so a sub-record identical to any existing
// record reuses it.
func (s *ServiceIterator) dispatchTx(tx *gorm.DB, svc *model.ServiceQueue, iteration *services.Iteration, now time.Time) error {
	err := tx.Table((&model.ServiceDependency{}).TableName()).
		Where("service_id = ?", svc.ID).
		Delete(&model.ServiceDependency{}).Error
	if err != nil {
		return err
	}

	for _, sub := range iteration.Next {
		if sub.TaskKey == "" {
			return errors.New("generator submission has empty task key")
		}
		recordID, _, err := s.submit.submitTx(tx, &model.RecordSubmission{
			RecordType:       sub.RecordType,
			Specification:    sub.Specification,
			MoleculeHash:     sub.MoleculeHash,
			RequiredPrograms: sub.RequiredPrograms,
			Tag:              svc.Tag,
			Priority:         svc.Priority,
		}, now)
		if err != nil {
			return fmt.Errorf("submit dependency %q: %w", sub.TaskKey, err)
		}
		dep := &model.ServiceDependency{
			ServiceID: svc.ID,
			TaskKey:   sub.TaskKey,
			RecordID:  recordID,
		}
		if err := tx.Table(dep.TableName()).Create(dep).Error; err != nil {
			return err
		}
	}

	return tx.Table(svc.TableName()).
		Where("id = ?", svc.ID).
		Updates(map[string]any{"state": iteration.State, "modified_on": now}).Error
}

// completeParentTx finalizes the service: persist properties, drop the
// queue entry and its dependency slots.
func (s *ServiceIterator) completeParentTx(tx *gorm.DB, svc *model.ServiceQueue, rec *model.Record, final *services.Final, now time.Time) error {
	properties, err := sonic.Marshal(final.Properties)
	if err != nil {
		return err
	}
	history := &model.ComputeHistory{
		RecordID:   rec.ID,
		Status:     model.StatusComplete,
		ModifiedOn: now,
	}
	if err := tx.Table(history.TableName()).Create(history).Error; err != nil {
		return err
	}
	err = tx.Table(rec.TableName()).
		Where("id = ?", rec.ID).
		Updates(map[string]any{"status": model.StatusComplete, "properties": properties, "modified_on": now}).Error
	if err != nil {
		return err
	}
	err = tx.Table((&model.ServiceDependency{}).TableName()).
		Where("service_id = ?", svc.ID).
		Delete(&model.ServiceDependency{}).Error
	if err != nil {
		return err
	}
	if err := tx.Table(svc.TableName()).Delete(&model.ServiceQueue{}, svc.ID).Error; err != nil {
		return err
	}
	s.publishParent(rec, model.StatusComplete)
	log.Infow("service completed", "recordId", rec.ID, "type", rec.RecordType)
	return nil
}

// failParentTx marks the service errored, keeping the queue entry and
// dependency slots so a reset can resume from the failure point.
func (s *ServiceIterator) failParentTx(tx *gorm.DB, rec *model.Record, now time.Time, msg string) error {
	errJSON, err := sonic.Marshal(map[string]string{
		"error_type":    "service_iteration_error",
		"error_message": msg,
	})
	if err != nil {
		return err
	}
	history := &model.ComputeHistory{
		RecordID:   rec.ID,
		Status:     model.StatusError,
		ErrorType:  "service_iteration_error",
		Error:      errJSON,
		ModifiedOn: now,
	}
	if err := tx.Table(history.TableName()).Create(history).Error; err != nil {
		return err
	}
	err = tx.Table(rec.TableName()).
		Where("id = ?", rec.ID).
		Updates(map[string]any{"status": model.StatusError, "modified_on": now}).Error
	if err != nil {
		return err
	}
	s.publishParent(rec, model.StatusError)
	log.Warnw("service errored", "recordId", rec.ID, "type", rec.RecordType, "error", msg)
	return nil
}

func (s *ServiceIterator) setParentStatusTx(tx *gorm.DB, rec *model.Record, to model.RecordStatus, now time.Time) error {
	err := tx.Table(rec.TableName()).
		Where("id = ?", rec.ID).
		Updates(map[string]any{"status": to, "modified_on": now}).Error
	if err != nil {
		return err
	}
	s.publishParent(rec, to)
	rec.Status = to
	return nil
}

// lockServiceTx loads the queue entry and its record under lock. Both nil
// when the entry vanished between listing and locking.
func (s *ServiceIterator) lockServiceTx(tx *gorm.DB, serviceID int64) (*model.ServiceQueue, *model.Record, error) {
	var svc model.ServiceQueue
	err := repo.LockForUpdate(tx.Table(svc.TableName()).Where("id = ?", serviceID)).First(&svc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	rec, err := lockRecordTx(tx, svc.RecordID)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		return nil, nil, fmt.Errorf("service %d has no backing record %d", svc.ID, svc.RecordID)
	}
	return &svc, rec, nil
}

func (s *ServiceIterator) publishParent(rec *model.Record, to model.RecordStatus) {
	s.bus.Publish(event.RecordStatusChanged{
		RecordID:   rec.ID,
		RecordType: rec.RecordType,
		From:       string(rec.Status),
		To:         string(to),
		OccurredAt: time.Now(),
	})
	if s.metrics != nil {
		s.metrics.StatusTransitions.WithLabelValues(string(to)).Inc()
	}
}
