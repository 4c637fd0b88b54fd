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
	"time"

	"gorm.io/gorm"

	"github.com/qcarchive/fractal/internal/engine/model"
	"github.com/qcarchive/fractal/internal/engine/repo"
	"github.com/qcarchive/fractal/pkg/database"
	"github.com/qcarchive/fractal/pkg/event"
	"github.com/qcarchive/fractal/pkg/log"
	"github.com/qcarchive/fractal/pkg/metrics"
)

// RecordStatusService implements the manual status operations. Every id in a
// batch is handled in its own transaction, so invalid ids produce per-id
// errors while the rest of the batch still applies. Lifecycle events are
// staged during the transaction and published only after it commits.
type RecordStatusService struct {
	db      database.IDatabase
	bus     *event.Bus
	metrics *metrics.EngineMetrics
}

func NewRecordStatusService(db database.IDatabase, bus *event.Bus, em *metrics.EngineMetrics) *RecordStatusService {
	return &RecordStatusService{db: db, bus: bus, metrics: em}
}

// Reset moves running or errored records back to waiting. Resetting a
// service also resets its errored dependencies so iteration can resume.
func (s *RecordStatusService) Reset(ctx context.Context, ids []int64) *model.UpdateMetadata {
	meta := &model.UpdateMetadata{}
	for idx, id := range ids {
		children, err := s.perRecord(ctx, id, func(tx *gorm.DB, rec *model.Record, now time.Time, ev *[]event.RecordStatusChanged) (int, error) {
			if !rec.Status.CanReset() {
				return 0, errors.New("record is not in a resettable state")
			}
			if err := s.resetTx(tx, rec, now, ev); err != nil {
				return 0, err
			}
			if !rec.IsService {
				return 0, nil
			}
			children, err := childRecordsTx(tx, rec.ID)
			if err != nil {
				return 0, err
			}
			reset := 0
			for i := range children {
				if children[i].Status != model.StatusError {
					continue
				}
				if err := s.resetTx(tx, &children[i], now, ev); err != nil {
					return 0, err
				}
				reset++
			}
			return reset, nil
		})
		recordOutcome(meta, idx, id, children, err)
	}
	return meta
}

// ResetAssigned frees every running record assigned to one of the given
// managers. Used when a manager deactivates or goes missing.
func (s *RecordStatusService) ResetAssigned(ctx context.Context, managerNames []string) (int, error) {
	if len(managerNames) == 0 {
		return 0, nil
	}
	freed := 0
	var events []event.RecordStatusChanged
	err := s.db.Database().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		events = events[:0]
		var records []model.Record
		q := tx.Table((&model.Record{}).TableName()).
			Where("status = ? AND manager_name IN ?", model.StatusRunning, managerNames)
		if err := repo.LockForUpdate(q).Find(&records).Error; err != nil {
			return err
		}
		now := time.Now()
		for i := range records {
			if err := s.resetTx(tx, &records[i], now, &events); err != nil {
				return err
			}
		}
		freed = len(records)
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.publishEvents(events)
	return freed, nil
}

// Cancel withdraws waiting, running or errored records. The prior status is
// pushed onto the backup stack so uncancel can restore it. Cancelling a
// service cancels its live dependencies too; the service row is retained.
func (s *RecordStatusService) Cancel(ctx context.Context, ids []int64) *model.UpdateMetadata {
	meta := &model.UpdateMetadata{}
	for idx, id := range ids {
		children, err := s.perRecord(ctx, id, func(tx *gorm.DB, rec *model.Record, now time.Time, ev *[]event.RecordStatusChanged) (int, error) {
			if !rec.Status.CanCancel() {
				return 0, errors.New("record is not in a cancellable state")
			}
			if err := s.cancelTx(tx, rec, now, ev); err != nil {
				return 0, err
			}
			if !rec.IsService {
				return 0, nil
			}
			children, err := childRecordsTx(tx, rec.ID)
			if err != nil {
				return 0, err
			}
			cancelled := 0
			for i := range children {
				if !children[i].Status.CanCancel() {
					continue
				}
				if err := s.cancelTx(tx, &children[i], now, ev); err != nil {
					return 0, err
				}
				cancelled++
			}
			return cancelled, nil
		})
		recordOutcome(meta, idx, id, children, err)
	}
	return meta
}

// Uncancel restores cancelled records to their backed-up status. A backup of
// running restores to waiting since the original claim is gone.
func (s *RecordStatusService) Uncancel(ctx context.Context, ids []int64) *model.UpdateMetadata {
	return s.restoreBatch(ctx, ids, model.StatusCancelled, "record is not cancelled")
}

// Invalidate marks completed records invalid without touching their
// properties, so a suspect result can be flagged and later restored.
func (s *RecordStatusService) Invalidate(ctx context.Context, ids []int64) *model.UpdateMetadata {
	meta := &model.UpdateMetadata{}
	for idx, id := range ids {
		children, err := s.perRecord(ctx, id, func(tx *gorm.DB, rec *model.Record, now time.Time, ev *[]event.RecordStatusChanged) (int, error) {
			if rec.Status != model.StatusComplete {
				return 0, errors.New("record is not complete")
			}
			return 0, s.setStatusTx(tx, rec, model.StatusInvalid, false, now, ev)
		})
		recordOutcome(meta, idx, id, children, err)
	}
	return meta
}

// Uninvalidate restores invalid records to complete.
func (s *RecordStatusService) Uninvalidate(ctx context.Context, ids []int64) *model.UpdateMetadata {
	meta := &model.UpdateMetadata{}
	for idx, id := range ids {
		children, err := s.perRecord(ctx, id, func(tx *gorm.DB, rec *model.Record, now time.Time, ev *[]event.RecordStatusChanged) (int, error) {
			if rec.Status != model.StatusInvalid {
				return 0, errors.New("record is not invalid")
			}
			return 0, s.setStatusTx(tx, rec, model.StatusComplete, false, now, ev)
		})
		recordOutcome(meta, idx, id, children, err)
	}
	return meta
}

// Delete removes records. Soft deletion is reversible through the backup
// stack; hard deletion removes the record and all its satellite rows.
// Deleting a service cascades to its dependencies either way.
func (s *RecordStatusService) Delete(ctx context.Context, ids []int64, soft bool) *model.UpdateMetadata {
	if soft {
		return s.softDelete(ctx, ids)
	}
	return s.hardDelete(ctx, ids)
}

// Undelete restores soft-deleted records to their backed-up status.
func (s *RecordStatusService) Undelete(ctx context.Context, ids []int64) *model.UpdateMetadata {
	return s.restoreBatch(ctx, ids, model.StatusDeleted, "record is not deleted")
}

func (s *RecordStatusService) softDelete(ctx context.Context, ids []int64) *model.UpdateMetadata {
	meta := &model.UpdateMetadata{}
	for idx, id := range ids {
		children, err := s.perRecord(ctx, id, func(tx *gorm.DB, rec *model.Record, now time.Time, ev *[]event.RecordStatusChanged) (int, error) {
			if rec.Status == model.StatusDeleted {
				return 0, errors.New("record is already deleted")
			}
			if err := s.softDeleteTx(tx, rec, now, ev); err != nil {
				return 0, err
			}
			if !rec.IsService {
				return 0, nil
			}
			children, err := childRecordsTx(tx, rec.ID)
			if err != nil {
				return 0, err
			}
			deleted := 0
			for i := range children {
				if children[i].Status == model.StatusDeleted {
					continue
				}
				if err := s.softDeleteTx(tx, &children[i], now, ev); err != nil {
					return 0, err
				}
				deleted++
			}
			return deleted, nil
		})
		recordOutcome(meta, idx, id, children, err)
	}
	return meta
}

func (s *RecordStatusService) hardDelete(ctx context.Context, ids []int64) *model.UpdateMetadata {
	meta := &model.UpdateMetadata{}
	for idx, id := range ids {
		children, err := s.perRecord(ctx, id, func(tx *gorm.DB, rec *model.Record, now time.Time, ev *[]event.RecordStatusChanged) (int, error) {
			deleted := 0
			if rec.IsService {
				children, err := childRecordsTx(tx, rec.ID)
				if err != nil {
					return 0, err
				}
				for i := range children {
					if err := hardDeleteTx(tx, children[i].ID); err != nil {
						return 0, err
					}
					deleted++
				}
			}
			if err := hardDeleteTx(tx, rec.ID); err != nil {
				return 0, err
			}
			s.stageEvent(ev, rec, model.StatusDeleted)
			return deleted, nil
		})
		recordOutcome(meta, idx, id, children, err)
	}
	return meta
}

// restoreBatch implements uncancel and undelete: pop the backup stack and
// return to the prior status.
func (s *RecordStatusService) restoreBatch(ctx context.Context, ids []int64, from model.RecordStatus, wrongStateMsg string) *model.UpdateMetadata {
	meta := &model.UpdateMetadata{}
	for idx, id := range ids {
		children, err := s.perRecord(ctx, id, func(tx *gorm.DB, rec *model.Record, now time.Time, ev *[]event.RecordStatusChanged) (int, error) {
			if rec.Status != from {
				return 0, errors.New(wrongStateMsg)
			}
			if err := s.restoreTx(tx, rec, now, ev); err != nil {
				return 0, err
			}
			if !rec.IsService {
				return 0, nil
			}
			children, err := childRecordsTx(tx, rec.ID)
			if err != nil {
				return 0, err
			}
			restored := 0
			for i := range children {
				if children[i].Status != from {
					continue
				}
				if err := s.restoreTx(tx, &children[i], now, ev); err != nil {
					// A child without a backup was in this state before the
					// parent operation; leave it as it is.
					continue
				}
				restored++
			}
			return restored, nil
		})
		recordOutcome(meta, idx, id, children, err)
	}
	return meta
}

// perRecord runs fn against one locked record in its own transaction and
// returns the cascade count fn reports. Events staged by fn are published
// only when the transaction commits; a rollback discards them.
func (s *RecordStatusService) perRecord(ctx context.Context, id int64, fn func(tx *gorm.DB, rec *model.Record, now time.Time, ev *[]event.RecordStatusChanged) (int, error)) (int, error) {
	var children int
	var events []event.RecordStatusChanged
	err := s.db.Database().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		events = events[:0]
		rec, err := lockRecordTx(tx, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return errors.New("record does not exist")
		}
		children, err = fn(tx, rec, time.Now(), &events)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.publishEvents(events)
	return children, nil
}

func recordOutcome(meta *model.UpdateMetadata, idx int, id int64, children int, err error) {
	if err != nil {
		meta.AddError(idx, id, err.Error())
		return
	}
	meta.AddUpdated(idx)
	meta.NChildrenUpdated += children
}

func (s *RecordStatusService) resetTx(tx *gorm.DB, rec *model.Record, now time.Time, ev *[]event.RecordStatusChanged) error {
	if err := s.setStatusTx(tx, rec, model.StatusWaiting, true, now, ev); err != nil {
		return err
	}
	if rec.IsService {
		return nil
	}
	return ensureTaskTx(tx, rec, now)
}

func (s *RecordStatusService) cancelTx(tx *gorm.DB, rec *model.Record, now time.Time, ev *[]event.RecordStatusChanged) error {
	if err := rec.PushBackup(now); err != nil {
		return err
	}
	if err := tx.Table(rec.TableName()).Where("id = ?", rec.ID).
		Update("info_backup", rec.InfoBackup).Error; err != nil {
		return err
	}
	if err := s.setStatusTx(tx, rec, model.StatusCancelled, true, now, ev); err != nil {
		return err
	}
	return deleteTaskTx(tx, rec.ID)
}

func (s *RecordStatusService) softDeleteTx(tx *gorm.DB, rec *model.Record, now time.Time, ev *[]event.RecordStatusChanged) error {
	if err := rec.PushBackup(now); err != nil {
		return err
	}
	if err := tx.Table(rec.TableName()).Where("id = ?", rec.ID).
		Update("info_backup", rec.InfoBackup).Error; err != nil {
		return err
	}
	if err := s.setStatusTx(tx, rec, model.StatusDeleted, true, now, ev); err != nil {
		return err
	}
	return deleteTaskTx(tx, rec.ID)
}

func (s *RecordStatusService) restoreTx(tx *gorm.DB, rec *model.Record, now time.Time, ev *[]event.RecordStatusChanged) error {
	backup, ok, err := rec.PopBackup()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("record has no status backup")
	}
	to := backup.OldStatus
	// The original claim is gone, so a backed-up running state resumes as
	// waiting.
	if to == model.StatusRunning {
		to = model.StatusWaiting
	}
	if err := tx.Table(rec.TableName()).Where("id = ?", rec.ID).
		Update("info_backup", rec.InfoBackup).Error; err != nil {
		return err
	}
	if err := s.setStatusTx(tx, rec, to, true, now, ev); err != nil {
		return err
	}
	if !rec.IsService && (to == model.StatusWaiting || to == model.StatusError) {
		return ensureTaskTx(tx, rec, now)
	}
	return nil
}

// setStatusTx writes the transition and stages the event for post-commit
// publication.
func (s *RecordStatusService) setStatusTx(tx *gorm.DB, rec *model.Record, to model.RecordStatus, clearManager bool, now time.Time, ev *[]event.RecordStatusChanged) error {
	updates := map[string]any{"status": to, "modified_on": now}
	if clearManager {
		updates["manager_name"] = nil
	}
	if err := tx.Table(rec.TableName()).Where("id = ?", rec.ID).Updates(updates).Error; err != nil {
		return err
	}
	s.stageEvent(ev, rec, to)
	rec.Status = to
	if clearManager {
		rec.ManagerName = nil
	}
	return nil
}

func (s *RecordStatusService) stageEvent(ev *[]event.RecordStatusChanged, rec *model.Record, to model.RecordStatus) {
	manager := ""
	if rec.ManagerName != nil {
		manager = *rec.ManagerName
	}
	*ev = append(*ev, event.RecordStatusChanged{
		RecordID:   rec.ID,
		RecordType: rec.RecordType,
		From:       string(rec.Status),
		To:         string(to),
		Manager:    manager,
		OccurredAt: time.Now(),
	})
}

func (s *RecordStatusService) publishEvents(events []event.RecordStatusChanged) {
	for _, ev := range events {
		s.bus.Publish(ev)
		if s.metrics != nil {
			s.metrics.StatusTransitions.WithLabelValues(ev.To).Inc()
		}
	}
}

// lockRecordTx fetches a record FOR UPDATE, nil when missing.
func lockRecordTx(tx *gorm.DB, id int64) (*model.Record, error) {
	var rec model.Record
	err := repo.LockForUpdate(tx.Table(rec.TableName()).Where("id = ?", id)).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// childRecordsTx loads the dependency records of a service, deduplicated.
func childRecordsTx(tx *gorm.DB, parentRecordID int64) ([]model.Record, error) {
	var svc model.ServiceQueue
	err := tx.Table(svc.TableName()).Where("record_id = ?", parentRecordID).First(&svc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ids []int64
	err = tx.Table((&model.ServiceDependency{}).TableName()).
		Distinct("record_id").
		Where("service_id = ?", svc.ID).
		Pluck("record_id", &ids).Error
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var children []model.Record
	q := tx.Table((&model.Record{}).TableName()).Where("id IN ?", ids).Order("id ASC")
	if err := repo.LockForUpdate(q).Find(&children).Error; err != nil {
		return nil, err
	}
	return children, nil
}

// ensureTaskTx recreates the claimable task row if it is missing.
func ensureTaskTx(tx *gorm.DB, rec *model.Record, now time.Time) error {
	var count int64
	if err := tx.Table((&model.Task{}).TableName()).
		Where("record_id = ?", rec.ID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	task, err := newTaskForRecord(rec, now)
	if err != nil {
		return err
	}
	return tx.Table(task.TableName()).Create(task).Error
}

func deleteTaskTx(tx *gorm.DB, recordID int64) error {
	return tx.Table((&model.Task{}).TableName()).
		Where("record_id = ?", recordID).
		Delete(&model.Task{}).Error
}

// hardDeleteTx removes a record and every satellite row.
func hardDeleteTx(tx *gorm.DB, recordID int64) error {
	if err := deleteTaskTx(tx, recordID); err != nil {
		return err
	}
	var svc model.ServiceQueue
	err := tx.Table(svc.TableName()).Where("record_id = ?", recordID).First(&svc).Error
	if err == nil {
		if err := tx.Table((&model.ServiceDependency{}).TableName()).
			Where("service_id = ?", svc.ID).
			Delete(&model.ServiceDependency{}).Error; err != nil {
			return err
		}
		if err := tx.Table(svc.TableName()).Delete(&model.ServiceQueue{}, svc.ID).Error; err != nil {
			return err
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if err := tx.Table((&model.ComputeHistory{}).TableName()).
		Where("record_id = ?", recordID).
		Delete(&model.ComputeHistory{}).Error; err != nil {
		return err
	}
	res := tx.Table((&model.Record{}).TableName()).Delete(&model.Record{}, recordID)
	if res.Error != nil {
		return res.Error
	}
	log.Debugw("record hard-deleted", "recordId", recordID)
	return nil
}
