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
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"gorm.io/gorm"

	"github.com/qcarchive/fractal/internal/engine/config"
	"github.com/qcarchive/fractal/internal/engine/model"
	"github.com/qcarchive/fractal/internal/engine/repo"
	"github.com/qcarchive/fractal/pkg/database"
	"github.com/qcarchive/fractal/pkg/event"
	"github.com/qcarchive/fractal/pkg/log"
	"github.com/qcarchive/fractal/pkg/metrics"
	"github.com/qcarchive/fractal/pkg/taskqueue"
)

// Rejection reasons returned to managers. Rejections are informational; a
// manager retrying a return after a network failure sees its already-applied
// tasks rejected here and treats that as success.
const (
	RejectTaskMissing    = "Task does not exist in the task queue"
	RejectTaskNotRunning = "Task is not in a running state"
	RejectWrongManager   = "Task is claimed by another manager"
)

type TaskQueueService struct {
	db          database.IDatabase
	taskRepo    repo.ITaskRepository
	managerRepo repo.IManagerRepository
	conf        config.TasksConfig
	bus         *event.Bus
	metrics     *metrics.EngineMetrics
}

func NewTaskQueueService(
	db database.IDatabase,
	repos *repo.Repositories,
	conf config.TasksConfig,
	bus *event.Bus,
	em *metrics.EngineMetrics,
) *TaskQueueService {
	return &TaskQueueService{
		db:          db,
		taskRepo:    repos.Tasks,
		managerRepo: repos.Managers,
		conf:        conf,
		bus:         bus,
		metrics:     em,
	}
}

// ClaimTasks hands out up to limit waiting tasks to the named manager and
// marks their records running. A task is delivered to at most one manager.
func (s *TaskQueueService) ClaimTasks(ctx context.Context, managerName string, limit int) ([]*taskqueue.RecordTaskPayload, error) {
	manager, err := s.activeManager(ctx, managerName)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.conf.MaxClaimLimit {
		limit = s.conf.MaxClaimLimit
	}

	tasks, err := s.taskRepo.Claim(ctx, manager, limit)
	if err != nil {
		return nil, err
	}

	payloads := make([]*taskqueue.RecordTaskPayload, 0, len(tasks))
	for _, task := range tasks {
		var payload taskqueue.RecordTaskPayload
		if err := sonic.Unmarshal(task.Spec, &payload); err != nil {
			log.Errorw("decode task payload failed", "taskId", task.ID, "error", err)
			// The manager never sees this task; release the record so it
			// does not strand in running.
			if uerr := s.unclaim(ctx, task.RecordID, managerName); uerr != nil {
				log.Errorw("unclaim after decode failure failed", "taskId", task.ID, "recordId", task.RecordID, "error", uerr)
			}
			continue
		}
		payloads = append(payloads, &payload)
		s.publishTransition(payload.RecordId, payload.RecordType, model.StatusWaiting, model.StatusRunning, managerName)
	}
	if s.metrics != nil {
		s.metrics.TasksClaimed.Add(float64(len(payloads)))
	}
	log.Infow("tasks claimed", "manager", managerName, "count", len(payloads))
	return payloads, nil
}

// unclaim returns an undeliverable claimed record to waiting and gives the
// manager its claim credit back.
func (s *TaskQueueService) unclaim(ctx context.Context, recordID int64, managerName string) error {
	err := s.db.Database().WithContext(ctx).
		Table((&model.Record{}).TableName()).
		Where("id = ? AND status = ? AND manager_name = ?", recordID, model.StatusRunning, managerName).
		Updates(map[string]any{
			"status":       model.StatusWaiting,
			"manager_name": nil,
			"modified_on":  time.Now(),
		}).Error
	if err != nil {
		return err
	}
	return s.managerRepo.IncrementCounters(ctx, managerName, -1, 0, 0, 0)
}

// UpdateFinished applies returned task results. Each task is handled in its
// own transaction, so one bad entry never blocks the rest of the batch.
func (s *TaskQueueService) UpdateFinished(ctx context.Context, managerName string, results map[int64]*taskqueue.TaskResult) (*model.TaskReturnMetadata, error) {
	if _, err := s.activeManager(ctx, managerName); err != nil {
		return nil, err
	}

	taskIDs := make([]int64, 0, len(results))
	for id := range results {
		taskIDs = append(taskIDs, id)
	}
	sort.Slice(taskIDs, func(i, j int) bool { return taskIDs[i] < taskIDs[j] })

	meta := &model.TaskReturnMetadata{}
	var successes, failures int64
	for _, taskID := range taskIDs {
		outcome, reject, err := s.applyResult(ctx, managerName, taskID, results[taskID])
		if err != nil {
			return nil, err
		}
		if reject != "" {
			meta.Reject(taskID, reject)
			log.Warnw("task return rejected", "manager", managerName, "taskId", taskID, "reason", reject)
			s.countReturn("rejected")
			continue
		}
		meta.Accept(taskID)
		if outcome == model.StatusComplete {
			successes++
			s.countReturn("complete")
		} else {
			failures++
			s.countReturn("error")
		}
	}

	if err := s.managerRepo.IncrementCounters(ctx, managerName, 0, successes, failures, int64(meta.NRejected)); err != nil {
		return nil, err
	}
	log.Infow("task returns processed",
		"manager", managerName,
		"accepted", meta.NAccepted,
		"rejected", meta.NRejected,
	)
	return meta, nil
}

// applyResult processes one returned task. reject is non-empty when the
// return is refused; outcome is the record status written on acceptance.
func (s *TaskQueueService) applyResult(ctx context.Context, managerName string, taskID int64, result *taskqueue.TaskResult) (model.RecordStatus, string, error) {
	var (
		outcome    model.RecordStatus
		reject     string
		transition *event.RecordStatusChanged
	)
	now := time.Now()

	err := s.db.Database().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		outcome, reject, transition = "", "", nil

		var task model.Task
		err := repo.LockForUpdate(tx.Table(task.TableName()).Where("id = ?", taskID)).First(&task).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				reject = RejectTaskMissing
				return nil
			}
			return err
		}

		record, err := lockRecordTx(tx, task.RecordID)
		if err != nil {
			return err
		}
		if record == nil {
			reject = RejectTaskMissing
			return nil
		}
		if record.Status != model.StatusRunning {
			reject = RejectTaskNotRunning
			return nil
		}
		if record.ManagerName == nil || *record.ManagerName != managerName {
			reject = RejectWrongManager
			return nil
		}

		if result != nil && result.Success {
			outcome = model.StatusComplete
			transition = s.transitionEvent(record, model.StatusComplete, managerName)
			return s.completeTx(tx, record, &task, result, managerName, now)
		}
		to, err := s.failTx(tx, record, result, managerName, now)
		if err != nil {
			return err
		}
		outcome = model.StatusError
		transition = s.transitionEvent(record, to, managerName)
		return nil
	})
	if err != nil {
		return "", "", err
	}
	if reject == "" && transition != nil {
		s.bus.Publish(*transition)
		if s.metrics != nil {
			s.metrics.StatusTransitions.WithLabelValues(string(transition.To)).Inc()
		}
	}
	return outcome, reject, nil
}

// completeTx finalizes a successful computation: persist properties, append
// history, drop the task row.
func (s *TaskQueueService) completeTx(tx *gorm.DB, record *model.Record, task *model.Task, result *taskqueue.TaskResult, managerName string, now time.Time) error {
	properties, err := sonic.Marshal(result.Properties)
	if err != nil {
		return err
	}
	history := &model.ComputeHistory{
		RecordID:    record.ID,
		Status:      model.StatusComplete,
		ManagerName: managerName,
		Stdout:      result.Stdout,
		Stderr:      result.Stderr,
		ModifiedOn:  now,
	}
	if err := tx.Table(history.TableName()).Create(history).Error; err != nil {
		return err
	}
	err = tx.Table(record.TableName()).
		Where("id = ?", record.ID).
		Updates(map[string]any{
			"status":      model.StatusComplete,
			"properties":  properties,
			"modified_on": now,
		}).Error
	if err != nil {
		return err
	}
	return tx.Table(task.TableName()).Delete(&model.Task{}, task.ID).Error
}

// failTx records a failed computation. The task row is retained so a reset
// only has to flip the record back to waiting. With auto-reset enabled, a
// record whose consecutive same-class failures are within the class
// threshold goes straight back to waiting instead of error.
func (s *TaskQueueService) failTx(tx *gorm.DB, record *model.Record, result *taskqueue.TaskResult, managerName string, now time.Time) (model.RecordStatus, error) {
	// A null result is a failure report with no detail attached.
	if result == nil {
		result = &taskqueue.TaskResult{}
	}
	opErr := result.Error
	if opErr == nil {
		opErr = &taskqueue.OperationError{ErrorType: "unknown_error", ErrorMessage: "manager returned failure with no error information"}
	}
	errJSON, err := sonic.Marshal(opErr)
	if err != nil {
		return "", err
	}

	history := &model.ComputeHistory{
		RecordID:    record.ID,
		Status:      model.StatusError,
		ManagerName: managerName,
		ErrorType:   result.ErrorType(),
		Error:       errJSON,
		Stdout:      result.Stdout,
		Stderr:      result.Stderr,
		ModifiedOn:  now,
	}
	if err := tx.Table(history.TableName()).Create(history).Error; err != nil {
		return "", err
	}

	to := model.StatusError
	updates := map[string]any{"status": model.StatusError, "modified_on": now}
	if s.conf.AutoReset.Enabled && s.shouldAutoReset(tx, record.ID, result.ErrorType()) {
		to = model.StatusWaiting
		updates["status"] = model.StatusWaiting
		updates["manager_name"] = nil
		log.Infow("record auto-reset after failure", "recordId", record.ID, "errorType", result.ErrorType())
	}
	if err := tx.Table(record.TableName()).Where("id = ?", record.ID).Updates(updates).Error; err != nil {
		return "", err
	}
	return to, nil
}

// shouldAutoReset counts the trailing run of same-class failures in the
// record's history (the just-appended one included) against the class
// threshold.
func (s *TaskQueueService) shouldAutoReset(tx *gorm.DB, recordID int64, errorType string) bool {
	classification := s.conf.AutoReset.Classify(errorType)
	threshold := s.conf.AutoReset.Threshold(classification)
	if threshold <= 0 {
		return false
	}

	var entries []model.ComputeHistory
	err := tx.Table((&model.ComputeHistory{}).TableName()).
		Where("record_id = ?", recordID).
		Order("id DESC").
		Limit(threshold + 1).
		Find(&entries).Error
	if err != nil {
		log.Errorw("auto-reset history lookup failed", "recordId", recordID, "error", err)
		return false
	}

	consecutive := 0
	for _, entry := range entries {
		if entry.Status != model.StatusError || s.conf.AutoReset.Classify(entry.ErrorType) != classification {
			break
		}
		consecutive++
	}
	return consecutive <= threshold
}

func (s *TaskQueueService) activeManager(ctx context.Context, name string) (*model.Manager, error) {
	manager, err := s.managerRepo.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if manager == nil {
		return nil, NewManagerNotFoundError(name)
	}
	if manager.Status != model.ManagerStatusActive {
		return nil, NewManagerInactiveError(name)
	}
	return manager, nil
}

func (s *TaskQueueService) transitionEvent(record *model.Record, to model.RecordStatus, managerName string) *event.RecordStatusChanged {
	return &event.RecordStatusChanged{
		RecordID:   record.ID,
		RecordType: record.RecordType,
		From:       string(record.Status),
		To:         string(to),
		Manager:    managerName,
		OccurredAt: time.Now(),
	}
}

func (s *TaskQueueService) publishTransition(recordID int64, recordType string, from, to model.RecordStatus, managerName string) {
	s.bus.Publish(event.RecordStatusChanged{
		RecordID:   recordID,
		RecordType: recordType,
		From:       string(from),
		To:         string(to),
		Manager:    managerName,
		OccurredAt: time.Now(),
	})
	if s.metrics != nil {
		s.metrics.StatusTransitions.WithLabelValues(string(to)).Inc()
	}
}

func (s *TaskQueueService) countReturn(outcome string) {
	if s.metrics != nil {
		s.metrics.TasksReturned.WithLabelValues(outcome).Inc()
	}
}
