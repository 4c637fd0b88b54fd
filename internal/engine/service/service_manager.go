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
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/qcarchive/fractal/internal/engine/model"
	"github.com/qcarchive/fractal/internal/engine/repo"
	"github.com/qcarchive/fractal/pkg/log"
)

type ManagerService struct {
	managerRepo repo.IManagerRepository
	statusSvc   *RecordStatusService
}

func NewManagerService(repos *repo.Repositories, statusSvc *RecordStatusService) *ManagerService {
	return &ManagerService{
		managerRepo: repos.Managers,
		statusSvc:   statusSvc,
	}
}

// Activate registers a manager (or re-registers a returning one) as active.
// Tags keep their subscription order; that order drives claim preference.
func (s *ManagerService) Activate(ctx context.Context, req *model.ActivateManagerReq) (*model.Manager, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.New("manager name cannot be empty")
	}
	tags := model.NormalizeNames(req.Tags)
	if len(tags) == 0 {
		return nil, errors.New("manager must subscribe to at least one tag")
	}
	programs := make(map[string]string, len(req.Programs))
	for p, version := range req.Programs {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		programs[p] = version
	}
	if len(programs) == 0 {
		return nil, errors.New("manager must support at least one program")
	}

	tagsJSON, err := sonic.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode manager tags: %w", err)
	}
	programsJSON, err := sonic.Marshal(programs)
	if err != nil {
		return nil, fmt.Errorf("encode manager programs: %w", err)
	}

	now := time.Now()
	manager := &model.Manager{
		Name:          name,
		ClusterName:   req.ClusterName,
		Status:        model.ManagerStatusActive,
		Tags:          tagsJSON,
		Programs:      programsJSON,
		CreatedOn:     now,
		ModifiedOn:    now,
		LastHeartbeat: &now,
	}
	if err := s.managerRepo.Upsert(ctx, manager); err != nil {
		log.Errorw("activate manager failed", "manager", name, "error", err)
		return nil, fmt.Errorf("activate manager: %w", err)
	}
	log.Infow("manager activated", "manager", name, "tags", tags)
	return s.managerRepo.Get(ctx, name)
}

// Deactivate marks the manager inactive and frees every record it was
// running so other managers can pick the work up again.
func (s *ManagerService) Deactivate(ctx context.Context, name string) (int, error) {
	manager, err := s.managerRepo.Get(ctx, name)
	if err != nil {
		return 0, err
	}
	if manager == nil {
		return 0, NewManagerNotFoundError(name)
	}
	if err := s.managerRepo.SetStatus(ctx, name, model.ManagerStatusInactive); err != nil {
		return 0, fmt.Errorf("deactivate manager: %w", err)
	}
	freed, err := s.statusSvc.ResetAssigned(ctx, []string{name})
	if err != nil {
		return 0, err
	}
	log.Infow("manager deactivated", "manager", name, "recordsFreed", freed)
	return freed, nil
}

// Heartbeat records a liveness ping from the manager.
func (s *ManagerService) Heartbeat(ctx context.Context, name string) error {
	manager, err := s.managerRepo.Get(ctx, name)
	if err != nil {
		return err
	}
	if manager == nil {
		return NewManagerNotFoundError(name)
	}
	if manager.Status != model.ManagerStatusActive {
		return NewManagerInactiveError(name)
	}
	return s.managerRepo.Touch(ctx, name, time.Now())
}

// Get returns the manager by name.
func (s *ManagerService) Get(ctx context.Context, name string) (*model.Manager, error) {
	manager, err := s.managerRepo.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if manager == nil {
		return nil, NewManagerNotFoundError(name)
	}
	return manager, nil
}

// List lists managers with pagination.
func (s *ManagerService) List(ctx context.Context, page, size int) ([]model.Manager, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	return s.managerRepo.List(ctx, page, size)
}
