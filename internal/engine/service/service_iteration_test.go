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

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcarchive/fractal/internal/engine/model"
	"github.com/qcarchive/fractal/pkg/taskqueue"
)

func reactionSpec(components ...map[string]any) map[string]any {
	return map[string]any{
		"components": components,
		"singlepoint": map[string]any{
			"program": "psi4",
			"method":  "hf",
			"basis":   "sto-3g",
		},
	}
}

func component(molecule string, coefficient float64) map[string]any {
	return map[string]any{"molecule": molecule, "coefficient": coefficient}
}

func (e *testEnv) submitReaction(t *testing.T, spec map[string]any) int64 {
	t.Helper()
	ids, _, err := e.submit.Submit(context.Background(), []*model.RecordSubmission{{
		RecordType:    "reaction",
		Specification: spec,
		MoleculeHash:  "",
		Priority:      model.PriorityNormal,
	}})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

func (e *testEnv) dependencyCount(t *testing.T, recordID int64) int {
	t.Helper()
	var svc model.ServiceQueue
	err := e.db.Database().Table(svc.TableName()).
		Where("record_id = ?", recordID).First(&svc).Error
	require.NoError(t, err)
	var count int64
	err = e.db.Database().Table((&model.ServiceDependency{}).TableName()).
		Where("service_id = ?", svc.ID).Count(&count).Error
	require.NoError(t, err)
	return int(count)
}

func (e *testEnv) serviceRowExists(t *testing.T, recordID int64) bool {
	t.Helper()
	var count int64
	err := e.db.Database().Table((&model.ServiceQueue{}).TableName()).
		Where("record_id = ?", recordID).Count(&count).Error
	require.NoError(t, err)
	return count > 0
}

// returnEnergies claims everything and returns each task with the energy
// keyed by its molecule hash.
func (e *testEnv) returnEnergies(t *testing.T, manager string, energies map[string]float64) {
	t.Helper()
	payloads := e.claim(t, manager, 100)
	results := make(map[int64]*taskqueue.TaskResult, len(payloads))
	for _, p := range payloads {
		energy, ok := energies[p.MoleculeHash]
		require.True(t, ok, "unexpected molecule %q", p.MoleculeHash)
		results[e.taskIDFor(t, p.RecordId)] = successResult(energy)
	}
	meta, err := e.tasks.UpdateFinished(context.Background(), manager, results)
	require.NoError(t, err)
	require.Equal(t, 0, meta.NRejected)
}

func TestServiceLifecycleEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})
	ctx := context.Background()

	id := env.submitReaction(t, reactionSpec(
		component("molA", -1.0),
		component("molB", 1.0),
	))
	assert.Equal(t, model.StatusWaiting, env.getRecord(t, id).Status)
	assert.Nil(t, env.getTask(t, id), "services never get a claimable task")

	// First pass promotes the service and dispatches its singlepoints.
	running, err := env.iterator.IterateServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, running)
	assert.Equal(t, model.StatusRunning, env.getRecord(t, id).Status)
	assert.Equal(t, 2, env.dependencyCount(t, id))

	env.returnEnergies(t, "m1", map[string]float64{"molA": -75.0, "molB": -74.0})

	// Second pass sees the settled batch and finalizes.
	running, err = env.iterator.IterateServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, running)

	rec := env.getRecord(t, id)
	assert.Equal(t, model.StatusComplete, rec.Status)
	assert.False(t, env.serviceRowExists(t, id))

	var props map[string]any
	require.NoError(t, sonic.Unmarshal(rec.Properties, &props))
	// -1 * -75 + 1 * -74
	assert.InDelta(t, 1.0, props["total_energy"], 1e-12)
	assert.EqualValues(t, 2, props["n_components"])
}

func TestServiceDependenciesDedupByContent(t *testing.T) {
	env := newTestEnv(t)
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})
	ctx := context.Background()

	id := env.submitReaction(t, reactionSpec(
		component("molA", 2.0),
		component("molA", 1.0),
	))

	_, err := env.iterator.IterateServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, env.dependencyCount(t, id), "two slots")

	payloads := env.claim(t, "m1", 100)
	require.Len(t, payloads, 1, "identical singlepoints share one record")

	env.returnEnergies(t, "m1", map[string]float64{"molA": -10.0})
	_, err = env.iterator.IterateServices(ctx)
	require.NoError(t, err)

	rec := env.getRecord(t, id)
	assert.Equal(t, model.StatusComplete, rec.Status)
	var props map[string]any
	require.NoError(t, sonic.Unmarshal(rec.Properties, &props))
	assert.InDelta(t, -30.0, props["total_energy"], 1e-12)
}

func TestServiceDependencyFailureAndResume(t *testing.T) {
	env := newTestEnv(t)
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})
	ctx := context.Background()

	id := env.submitReaction(t, reactionSpec(component("molA", 1.0)))
	_, err := env.iterator.IterateServices(ctx)
	require.NoError(t, err)

	payloads := env.claim(t, "m1", 1)
	require.Len(t, payloads, 1)
	childID := payloads[0].RecordId
	_, err = env.tasks.UpdateFinished(ctx, "m1", map[int64]*taskqueue.TaskResult{
		env.taskIDFor(t, childID): failureResult("compute_error"),
	})
	require.NoError(t, err)

	// The errored dependency fails the parent; the queue entry is retained
	// so the service can be resumed later.
	running, err := env.iterator.IterateServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, running)
	assert.Equal(t, model.StatusError, env.getRecord(t, id).Status)
	assert.True(t, env.serviceRowExists(t, id))

	history, err := env.query.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "service_iteration_error", history[0].ErrorType)

	// Resetting the parent also resets its errored child.
	meta := env.status.Reset(ctx, []int64{id})
	assert.Equal(t, 1, meta.NUpdated)
	assert.Equal(t, 1, meta.NChildrenUpdated)
	assert.Equal(t, model.StatusWaiting, env.getRecord(t, childID).Status)

	// Promotion keeps the existing state and batch instead of restarting.
	_, err = env.iterator.IterateServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, env.getRecord(t, id).Status)
	assert.Equal(t, 1, env.dependencyCount(t, id))

	env.returnEnergies(t, "m1", map[string]float64{"molA": -5.0})
	_, err = env.iterator.IterateServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, env.getRecord(t, id).Status)
}

func TestMaxActiveServicesBoundsPromotion(t *testing.T) {
	conf := defaultServicesConf()
	conf.MaxActiveServices = 1
	env := newTestEnvWithConf(t, defaultTasksConf(), conf)
	env.activateManager(t, "m1", []string{"*"}, map[string]string{"psi4": "1.9"})
	ctx := context.Background()

	first := env.submitReaction(t, reactionSpec(component("molA", 1.0)))
	second := env.submitReaction(t, reactionSpec(component("molB", 1.0)))

	running, err := env.iterator.IterateServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, running)
	assert.Equal(t, model.StatusRunning, env.getRecord(t, first).Status)
	assert.Equal(t, model.StatusWaiting, env.getRecord(t, second).Status)

	// Finishing the first frees a slot for the second.
	env.returnEnergies(t, "m1", map[string]float64{"molA": -1.0})
	running, err = env.iterator.IterateServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, running)
	assert.Equal(t, model.StatusComplete, env.getRecord(t, first).Status)
	assert.Equal(t, model.StatusRunning, env.getRecord(t, second).Status)
}
