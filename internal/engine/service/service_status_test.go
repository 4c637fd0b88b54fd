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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcarchive/fractal/internal/engine/model"
	"github.com/qcarchive/fractal/pkg/event"
	"github.com/qcarchive/fractal/pkg/taskqueue"
)

func TestResetErroredRecord(t *testing.T) {
	env := newTestEnv(t)
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})
	id := env.submitOne(t, "mol1", "", model.PriorityNormal)
	taskID := env.taskIDFor(t, id)
	ctx := context.Background()

	env.claim(t, "m1", 1)
	_, err := env.tasks.UpdateFinished(ctx, "m1", map[int64]*taskqueue.TaskResult{
		taskID: failureResult("compute_error"),
	})
	require.NoError(t, err)

	meta := env.status.Reset(ctx, []int64{id})
	assert.Equal(t, 1, meta.NUpdated)

	rec := env.getRecord(t, id)
	assert.Equal(t, model.StatusWaiting, rec.Status)
	assert.Nil(t, rec.ManagerName)
	assert.NotNil(t, env.getTask(t, id))
}

func TestResetRejectsNonResettableStates(t *testing.T) {
	env := newTestEnv(t)
	id := env.submitOne(t, "mol1", "", model.PriorityNormal)

	meta := env.status.Reset(context.Background(), []int64{id, 424242})
	assert.Equal(t, 0, meta.NUpdated)
	require.Len(t, meta.Errors, 2)
	assert.Equal(t, "record is not in a resettable state", meta.Errors[0].Error)
	assert.Equal(t, "record does not exist", meta.Errors[1].Error)
}

func TestCancelDeletesTaskAndUncancelRestores(t *testing.T) {
	env := newTestEnv(t)
	id := env.submitOne(t, "mol1", "", model.PriorityHigh)
	ctx := context.Background()

	meta := env.status.Cancel(ctx, []int64{id})
	assert.Equal(t, 1, meta.NUpdated)
	assert.Equal(t, model.StatusCancelled, env.getRecord(t, id).Status)
	assert.Nil(t, env.getTask(t, id), "task row removed on cancel")

	meta = env.status.Uncancel(ctx, []int64{id})
	assert.Equal(t, 1, meta.NUpdated)

	rec := env.getRecord(t, id)
	assert.Equal(t, model.StatusWaiting, rec.Status)
	task := env.getTask(t, id)
	require.NotNil(t, task, "task row recreated on uncancel")
	assert.Equal(t, model.PriorityHigh, task.Priority)
}

func TestUncancelOfRunningBackupResumesAsWaiting(t *testing.T) {
	env := newTestEnv(t)
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})
	id := env.submitOne(t, "mol1", "", model.PriorityNormal)
	ctx := context.Background()

	env.claim(t, "m1", 1)
	env.status.Cancel(ctx, []int64{id})
	env.status.Uncancel(ctx, []int64{id})

	rec := env.getRecord(t, id)
	assert.Equal(t, model.StatusWaiting, rec.Status)
	assert.Nil(t, rec.ManagerName)
}

func TestReversibilityChain(t *testing.T) {
	env := newTestEnv(t)
	id := env.submitOne(t, "mol1", "", model.PriorityNormal)
	ctx := context.Background()

	// waiting -> cancelled -> deleted -> cancelled -> waiting, with the
	// backup stack unwinding in strict reverse order.
	require.Equal(t, 1, env.status.Cancel(ctx, []int64{id}).NUpdated)
	require.Equal(t, 1, env.status.Delete(ctx, []int64{id}, true).NUpdated)

	require.Equal(t, 1, env.status.Undelete(ctx, []int64{id}).NUpdated)
	assert.Equal(t, model.StatusCancelled, env.getRecord(t, id).Status)

	require.Equal(t, 1, env.status.Uncancel(ctx, []int64{id}).NUpdated)
	rec := env.getRecord(t, id)
	assert.Equal(t, model.StatusWaiting, rec.Status)

	stack, err := rec.BackupStack()
	require.NoError(t, err)
	assert.Empty(t, stack, "backup stack fully unwound")
	assert.NotNil(t, env.getTask(t, id))

	// Nothing left to restore.
	meta := env.status.Uncancel(ctx, []int64{id})
	assert.Equal(t, 0, meta.NUpdated)
	require.Len(t, meta.Errors, 1)
	assert.Equal(t, "record is not cancelled", meta.Errors[0].Error)
}

func TestInvalidateUninvalidate(t *testing.T) {
	env := newTestEnv(t)
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})
	id := env.submitOne(t, "mol1", "", model.PriorityNormal)
	taskID := env.taskIDFor(t, id)
	ctx := context.Background()

	env.claim(t, "m1", 1)
	_, err := env.tasks.UpdateFinished(ctx, "m1", map[int64]*taskqueue.TaskResult{
		taskID: successResult(-1.5),
	})
	require.NoError(t, err)

	meta := env.status.Invalidate(ctx, []int64{id})
	assert.Equal(t, 1, meta.NUpdated)
	assert.Equal(t, model.StatusInvalid, env.getRecord(t, id).Status)

	meta = env.status.Uninvalidate(ctx, []int64{id})
	assert.Equal(t, 1, meta.NUpdated)
	assert.Equal(t, model.StatusComplete, env.getRecord(t, id).Status)
}

func TestInvalidateRequiresComplete(t *testing.T) {
	env := newTestEnv(t)
	id := env.submitOne(t, "mol1", "", model.PriorityNormal)

	meta := env.status.Invalidate(context.Background(), []int64{id})
	assert.Equal(t, 0, meta.NUpdated)
	require.Len(t, meta.Errors, 1)
	assert.Equal(t, "record is not complete", meta.Errors[0].Error)
}

func TestHardDeleteRemovesEverything(t *testing.T) {
	env := newTestEnv(t)
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})
	id := env.submitOne(t, "mol1", "", model.PriorityNormal)
	taskID := env.taskIDFor(t, id)
	ctx := context.Background()

	env.claim(t, "m1", 1)
	_, err := env.tasks.UpdateFinished(ctx, "m1", map[int64]*taskqueue.TaskResult{
		taskID: successResult(-1.5),
	})
	require.NoError(t, err)

	meta := env.status.Delete(ctx, []int64{id, 424242}, false)
	assert.Equal(t, 1, meta.NUpdated)
	require.Len(t, meta.Errors, 1)
	assert.Equal(t, int64(424242), meta.Errors[0].Id)

	rec, err := env.repos.Records.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Nil(t, env.getTask(t, id))
	_, err = env.query.History(ctx, id)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestSoftDeleteAnyStateExceptDeleted(t *testing.T) {
	env := newTestEnv(t)
	id := env.submitOne(t, "mol1", "", model.PriorityNormal)
	ctx := context.Background()

	require.Equal(t, 1, env.status.Delete(ctx, []int64{id}, true).NUpdated)
	assert.Equal(t, model.StatusDeleted, env.getRecord(t, id).Status)

	meta := env.status.Delete(ctx, []int64{id}, true)
	assert.Equal(t, 0, meta.NUpdated)
	assert.Equal(t, "record is already deleted", meta.Errors[0].Error)
}

func TestEventsNotPublishedOnRollback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.submitReaction(t, reactionSpec(component("molA", 1.0)))
	_, err := env.iterator.IterateServices(ctx)
	require.NoError(t, err)

	var childID int64
	require.NoError(t, env.db.Database().
		Table((&model.ServiceDependency{}).TableName()).
		Select("record_id").Limit(1).Scan(&childID).Error)

	// Corrupt the child's backup stack so the cascade fails after the
	// parent transition has already been written.
	require.NoError(t, env.db.Database().
		Table((&model.Record{}).TableName()).
		Where("id = ?", childID).
		Update("info_backup", []byte("{")).Error)

	var events []event.RecordStatusChanged
	env.bus.RegisterHandler(event.EventRecordStatusChanged, event.HandlerFunc(func(e event.Event) {
		events = append(events, e.(event.RecordStatusChanged))
	}))

	meta := env.status.Cancel(ctx, []int64{id})
	assert.Equal(t, 0, meta.NUpdated)
	require.Len(t, meta.Errors, 1)

	// The rolled-back transaction must not leak phantom transitions.
	assert.Empty(t, events)
	assert.Equal(t, model.StatusRunning, env.getRecord(t, id).Status)
}

func TestDeactivateManagerFreesRunningRecords(t *testing.T) {
	env := newTestEnv(t)
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})
	a := env.submitOne(t, "mola", "", model.PriorityNormal)
	b := env.submitOne(t, "molb", "", model.PriorityNormal)
	ctx := context.Background()

	env.claim(t, "m1", 10)
	freed, err := env.managers.Deactivate(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, freed)

	for _, id := range []int64{a, b} {
		rec := env.getRecord(t, id)
		assert.Equal(t, model.StatusWaiting, rec.Status)
		assert.Nil(t, rec.ManagerName)
	}
}
