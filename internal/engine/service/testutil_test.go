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
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/qcarchive/fractal/internal/engine/config"
	"github.com/qcarchive/fractal/internal/engine/model"
	"github.com/qcarchive/fractal/internal/engine/repo"
	"github.com/qcarchive/fractal/pkg/cache"
	"github.com/qcarchive/fractal/pkg/database"
	"github.com/qcarchive/fractal/pkg/event"
	"github.com/qcarchive/fractal/pkg/taskqueue"
)

// memoryCache is an in-process ICache for exercising the cached read paths.
type memoryCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{data: make(map[string][]byte)}
}

func (c *memoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return v, nil
}

func (c *memoryCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *memoryCache) Close() error { return nil }

type testEnv struct {
	db       database.IDatabase
	repos    *repo.Repositories
	bus      *event.Bus
	submit   *SubmitService
	status   *RecordStatusService
	query    *RecordQueryService
	managers *ManagerService
	tasks    *TaskQueueService
	iterator *ServiceIterator
}

func defaultTasksConf() config.TasksConfig {
	c := config.TasksConfig{}
	c.SetDefaults()
	return c
}

func defaultServicesConf() config.ServicesConfig {
	c := config.ServicesConfig{}
	c.SetDefaults()
	return c
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithConf(t, defaultTasksConf(), defaultServicesConf())
}

func newTestEnvWithConf(t *testing.T, tasksConf config.TasksConfig, servicesConf config.ServicesConfig) *testEnv {
	return newTestEnvFull(t, tasksConf, servicesConf, nil)
}

func newTestEnvWithCache(t *testing.T, c cache.ICache) *testEnv {
	return newTestEnvFull(t, defaultTasksConf(), defaultServicesConf(), c)
}

func newTestEnvFull(t *testing.T, tasksConf config.TasksConfig, servicesConf config.ServicesConfig, c cache.ICache) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&model.Record{},
		&model.Task{},
		&model.ServiceQueue{},
		&model.ServiceDependency{},
		&model.ComputeHistory{},
		&model.Manager{},
	))

	db := database.NewFromGorm(gdb)
	repos := repo.ProvideRepositories(db, c)
	bus := event.NewEventBus()
	submit := NewSubmitService(db)
	status := NewRecordStatusService(db, bus, nil)
	env := &testEnv{
		db:       db,
		repos:    repos,
		bus:      bus,
		submit:   submit,
		status:   status,
		query:    NewRecordQueryService(repos),
		tasks:    NewTaskQueueService(db, repos, tasksConf, bus, nil),
		iterator: NewServiceIterator(db, repos, submit, servicesConf, bus, nil),
	}
	env.managers = NewManagerService(repos, status)
	return env
}

func (e *testEnv) activateManager(t *testing.T, name string, tags []string, programs map[string]string) {
	t.Helper()
	_, err := e.managers.Activate(context.Background(), &model.ActivateManagerReq{
		Name:     name,
		Tags:     tags,
		Programs: programs,
	})
	require.NoError(t, err)
}

// submitOne creates one non-service record; molecule doubles as the content
// discriminator.
func (e *testEnv) submitOne(t *testing.T, molecule, tag string, priority model.PriorityEnum, programs ...string) int64 {
	t.Helper()
	if len(programs) == 0 {
		programs = []string{"psi4"}
	}
	ids, _, err := e.submit.Submit(context.Background(), []*model.RecordSubmission{{
		RecordType:       "singlepoint",
		Specification:    map[string]any{"method": "hf", "basis": "sto-3g"},
		MoleculeHash:     molecule,
		RequiredPrograms: programs,
		Tag:              tag,
		Priority:         priority,
	}})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

func (e *testEnv) getRecord(t *testing.T, id int64) *model.Record {
	t.Helper()
	rec, err := e.repos.Records.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func (e *testEnv) getTask(t *testing.T, recordID int64) *model.Task {
	t.Helper()
	task, err := e.repos.Tasks.GetByRecord(context.Background(), recordID)
	require.NoError(t, err)
	return task
}

func (e *testEnv) claim(t *testing.T, manager string, limit int) []*taskqueue.RecordTaskPayload {
	t.Helper()
	payloads, err := e.tasks.ClaimTasks(context.Background(), manager, limit)
	require.NoError(t, err)
	return payloads
}

func (e *testEnv) taskIDFor(t *testing.T, recordID int64) int64 {
	t.Helper()
	task := e.getTask(t, recordID)
	require.NotNil(t, task)
	return task.ID
}

func successResult(energy float64) *taskqueue.TaskResult {
	return &taskqueue.TaskResult{
		Success:    true,
		Properties: map[string]any{"return_energy": energy},
		Stdout:     "ok",
	}
}

func failureResult(errorType string) *taskqueue.TaskResult {
	return &taskqueue.TaskResult{
		Success: false,
		Error:   &taskqueue.OperationError{ErrorType: errorType, ErrorMessage: "boom"},
	}
}
