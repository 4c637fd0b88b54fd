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

	"github.com/qcarchive/fractal/internal/engine/config"
	"github.com/qcarchive/fractal/internal/engine/model"
	"github.com/qcarchive/fractal/pkg/taskqueue"
)

func TestClaimRequiresKnownActiveManager(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.tasks.ClaimTasks(context.Background(), "ghost", 10)
	var mgrErr *ComputeManagerError
	require.ErrorAs(t, err, &mgrErr)
	assert.Equal(t, "does not exist", mgrErr.Reason)

	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})
	_, err = env.managers.Deactivate(context.Background(), "m1")
	require.NoError(t, err)

	_, err = env.tasks.ClaimTasks(context.Background(), "m1", 10)
	require.ErrorAs(t, err, &mgrErr)
	assert.Equal(t, "is not active", mgrErr.Reason)
}

func TestClaimOrderingByTagThenPriority(t *testing.T) {
	env := newTestEnv(t)
	env.activateManager(t, "m1", []string{"urgent", "*"}, map[string]string{"psi4": "1.9"})

	r1 := env.submitOne(t, "mol1", "normal", model.PriorityNormal)
	r2 := env.submitOne(t, "mol2", "urgent", model.PriorityLow)
	r3 := env.submitOne(t, "mol3", "urgent", model.PriorityHigh)
	r4 := env.submitOne(t, "mol4", "normal", model.PriorityHigh)
	r5 := env.submitOne(t, "mol5", "other", model.PriorityHigh)

	payloads := env.claim(t, "m1", 10)
	require.Len(t, payloads, 5)

	got := make([]int64, 0, len(payloads))
	for _, p := range payloads {
		got = append(got, p.RecordId)
	}
	// Subscribed tags first in order, then the wildcard sweeps the rest by
	// priority and age.
	assert.Equal(t, []int64{r3, r2, r4, r5, r1}, got)

	for _, id := range got {
		rec := env.getRecord(t, id)
		assert.Equal(t, model.StatusRunning, rec.Status)
		require.NotNil(t, rec.ManagerName)
		assert.Equal(t, "m1", *rec.ManagerName)
	}
}

func TestClaimTagSubscriptionBeatsPriority(t *testing.T) {
	env := newTestEnv(t)
	env.activateManager(t, "m1", []string{"tag3", "tag1"}, map[string]string{"psi4": "1.9"})

	env.submitOne(t, "mol1", "tag1", model.PriorityLow)
	env.submitOne(t, "mol2", "tag2", model.PriorityNormal)
	r3 := env.submitOne(t, "mol3", "tag1", model.PriorityHigh)
	r4 := env.submitOne(t, "mol4", "tag3", model.PriorityNormal)
	env.submitOne(t, "mol5", "tag1", model.PriorityNormal)
	env.submitOne(t, "mol6", "tag6", model.PriorityHigh)

	payloads := env.claim(t, "m1", 2)
	require.Len(t, payloads, 2)
	// tag3 comes first despite its lower priority, then the best tag1 task.
	assert.Equal(t, r4, payloads[0].RecordId)
	assert.Equal(t, r3, payloads[1].RecordId)
}

func TestClaimFiltersUnsupportedPrograms(t *testing.T) {
	env := newTestEnv(t)
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})

	supported := env.submitOne(t, "mol1", "", model.PriorityHigh, "psi4")
	env.submitOne(t, "mol2", "", model.PriorityHigh, "xtb")

	payloads := env.claim(t, "m1", 10)
	require.Len(t, payloads, 1)
	assert.Equal(t, supported, payloads[0].RecordId)
}

func TestClaimDeliversTaskAtMostOnce(t *testing.T) {
	env := newTestEnv(t)
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})
	env.activateManager(t, "m2", []string{"*"}, map[string]string{"psi4": "1.9"})

	for i := 0; i < 6; i++ {
		env.submitOne(t, "mol"+string(rune('a'+i)), "", model.PriorityNormal)
	}

	first := env.claim(t, "m1", 4)
	second := env.claim(t, "m2", 10)
	require.Len(t, first, 4)
	require.Len(t, second, 2)

	seen := make(map[int64]bool)
	for _, p := range append(first, second...) {
		assert.False(t, seen[p.RecordId], "record %d delivered twice", p.RecordId)
		seen[p.RecordId] = true
	}
}

func TestClaimLimitClamped(t *testing.T) {
	conf := defaultTasksConf()
	conf.MaxClaimLimit = 2
	env := newTestEnvWithConf(t, conf, defaultServicesConf())
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})

	for i := 0; i < 4; i++ {
		env.submitOne(t, "mol"+string(rune('a'+i)), "", model.PriorityNormal)
	}
	assert.Len(t, env.claim(t, "m1", 100), 2)
}

func TestUpdateFinishedSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})
	id := env.submitOne(t, "mol1", "", model.PriorityNormal)
	taskID := env.taskIDFor(t, id)

	env.claim(t, "m1", 1)
	meta, err := env.tasks.UpdateFinished(context.Background(), "m1", map[int64]*taskqueue.TaskResult{
		taskID: successResult(-75.3),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, meta.NAccepted)
	assert.Equal(t, 0, meta.NRejected)

	rec := env.getRecord(t, id)
	assert.Equal(t, model.StatusComplete, rec.Status)
	assert.Nil(t, env.getTask(t, id), "task row should be removed on completion")

	history, err := env.query.History(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.StatusComplete, history[0].Status)
	assert.Equal(t, "m1", history[0].ManagerName)

	mgr, err := env.repos.Managers.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), mgr.Claimed)
	assert.Equal(t, int64(1), mgr.Successes)
}

func TestUpdateFinishedRejections(t *testing.T) {
	env := newTestEnv(t)
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})
	env.activateManager(t, "m2", []string{"*"}, map[string]string{"psi4": "1.9"})
	ctx := context.Background()

	notRunning := env.submitOne(t, "mol1", "", model.PriorityNormal)
	stolen := env.submitOne(t, "mol2", "", model.PriorityHigh)
	notRunningTask := env.taskIDFor(t, notRunning)
	stolenTask := env.taskIDFor(t, stolen)

	env.claim(t, "m1", 10)
	// Free both records; m2 re-claims only the high-priority one, so m1's
	// returns are stale in two different ways.
	env.status.Reset(ctx, []int64{notRunning, stolen})
	env.claim(t, "m2", 1)

	// notRunning sits waiting; stolen is running under m2.
	meta, err := env.tasks.UpdateFinished(ctx, "m1", map[int64]*taskqueue.TaskResult{
		notRunningTask: successResult(1.0),
		stolenTask:     successResult(2.0),
		99999:          successResult(3.0),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, meta.NAccepted)
	assert.Equal(t, 3, meta.NRejected)

	reasons := make(map[int64]string)
	for _, r := range meta.RejectedInfo {
		reasons[r.TaskID] = r.Reason
	}
	assert.Equal(t, RejectTaskNotRunning, reasons[notRunningTask])
	assert.Equal(t, RejectWrongManager, reasons[stolenTask])
	assert.Equal(t, RejectTaskMissing, reasons[99999])

	mgr, err := env.repos.Managers.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), mgr.Rejected)
}

func TestUpdateFinishedIdempotentRetry(t *testing.T) {
	env := newTestEnv(t)
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})
	id := env.submitOne(t, "mol1", "", model.PriorityNormal)
	taskID := env.taskIDFor(t, id)
	ctx := context.Background()

	env.claim(t, "m1", 1)
	results := map[int64]*taskqueue.TaskResult{taskID: successResult(-75.3)}

	meta, err := env.tasks.UpdateFinished(ctx, "m1", results)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.NAccepted)

	// A retry of the same return is rejected without disturbing the record.
	meta, err = env.tasks.UpdateFinished(ctx, "m1", results)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.NRejected)
	assert.Equal(t, RejectTaskMissing, meta.RejectedInfo[0].Reason)
	assert.Equal(t, model.StatusComplete, env.getRecord(t, id).Status)
}

func TestUpdateFinishedNullResult(t *testing.T) {
	env := newTestEnv(t)
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})
	id := env.submitOne(t, "mol1", "", model.PriorityNormal)
	taskID := env.taskIDFor(t, id)
	ctx := context.Background()

	env.claim(t, "m1", 1)
	// A manager may post a null entry for a task; it counts as a failure
	// with no detail rather than crashing the return.
	meta, err := env.tasks.UpdateFinished(ctx, "m1", map[int64]*taskqueue.TaskResult{
		taskID: nil,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, meta.NAccepted)

	rec := env.getRecord(t, id)
	assert.Equal(t, model.StatusError, rec.Status)

	history, err := env.query.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "unknown_error", history[0].ErrorType)
}

func TestClaimUnclaimsUndecodablePayload(t *testing.T) {
	env := newTestEnv(t)
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})
	id := env.submitOne(t, "mol1", "", model.PriorityNormal)
	ctx := context.Background()

	err := env.db.Database().Table((&model.Task{}).TableName()).
		Where("record_id = ?", id).
		Update("spec", []byte("not json")).Error
	require.NoError(t, err)

	payloads := env.claim(t, "m1", 10)
	assert.Empty(t, payloads)

	// The undeliverable record is released instead of stranding in running.
	rec := env.getRecord(t, id)
	assert.Equal(t, model.StatusWaiting, rec.Status)
	assert.Nil(t, rec.ManagerName)

	mgr, err := env.repos.Managers.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), mgr.Claimed)
}

func TestClaimInvalidatesManagerCache(t *testing.T) {
	env := newTestEnvWithCache(t, newMemoryCache())
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})
	env.submitOne(t, "mol1", "", model.PriorityNormal)
	ctx := context.Background()

	// Prime the cache with the pre-claim counters.
	mgr, err := env.repos.Managers.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, int64(0), mgr.Claimed)

	env.claim(t, "m1", 1)

	mgr, err = env.repos.Managers.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), mgr.Claimed, "cached counter must not go stale")
}

func TestUpdateFinishedFailureRetainsTask(t *testing.T) {
	env := newTestEnv(t)
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})
	id := env.submitOne(t, "mol1", "", model.PriorityNormal)
	taskID := env.taskIDFor(t, id)
	ctx := context.Background()

	env.claim(t, "m1", 1)
	meta, err := env.tasks.UpdateFinished(ctx, "m1", map[int64]*taskqueue.TaskResult{
		taskID: failureResult("compute_error"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, meta.NAccepted)

	rec := env.getRecord(t, id)
	assert.Equal(t, model.StatusError, rec.Status)
	assert.NotNil(t, env.getTask(t, id), "task row survives failure for cheap reset")

	history, err := env.query.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.StatusError, history[0].Status)
	assert.Equal(t, "compute_error", history[0].ErrorType)
}

func TestAutoResetBoundedByThreshold(t *testing.T) {
	conf := defaultTasksConf()
	conf.AutoReset.Enabled = true
	env := newTestEnvWithConf(t, conf, defaultServicesConf())
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})
	id := env.submitOne(t, "mol1", "", model.PriorityNormal)
	taskID := env.taskIDFor(t, id)
	ctx := context.Background()

	fail := func() {
		env.claim(t, "m1", 1)
		_, err := env.tasks.UpdateFinished(ctx, "m1", map[int64]*taskqueue.TaskResult{
			taskID: failureResult("random_error"),
		})
		require.NoError(t, err)
	}

	// Threshold 2: the first two transient failures go straight back to
	// waiting, the third sticks in error.
	fail()
	assert.Equal(t, model.StatusWaiting, env.getRecord(t, id).Status)
	fail()
	assert.Equal(t, model.StatusWaiting, env.getRecord(t, id).Status)
	fail()
	assert.Equal(t, model.StatusError, env.getRecord(t, id).Status)

	history, err := env.query.History(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestAutoResetIgnoresUnknownErrors(t *testing.T) {
	conf := defaultTasksConf()
	conf.AutoReset.Enabled = true
	env := newTestEnvWithConf(t, conf, defaultServicesConf())
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})
	id := env.submitOne(t, "mol1", "", model.PriorityNormal)
	taskID := env.taskIDFor(t, id)

	env.claim(t, "m1", 1)
	_, err := env.tasks.UpdateFinished(context.Background(), "m1", map[int64]*taskqueue.TaskResult{
		taskID: failureResult("segfault"),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, env.getRecord(t, id).Status)
}

func TestAutoResetClassification(t *testing.T) {
	c := config.AutoResetConfig{RandomErrorTypes: []string{"random_error", "oom"}}
	assert.Equal(t, "random_error", c.Classify("oom"))
	assert.Equal(t, "unknown_error", c.Classify("segfault"))
}
