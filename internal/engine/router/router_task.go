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

package router

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/qcarchive/fractal/pkg/http"
	"github.com/qcarchive/fractal/pkg/taskqueue"
)

func (rt *Router) taskRouter(r fiber.Router) {
	tasks := r.Group("/tasks")
	{
		tasks.Post("/claim", rt.claimTasks)
		tasks.Post("/return", rt.returnTasks)
	}
}

func (rt *Router) claimTasks(c *fiber.Ctx) error {
	var req struct {
		ManagerName string `json:"manager_name"`
		Limit       int    `json:"limit"`
	}
	if err := c.BodyParser(&req); err != nil {
		return http.WithRepErrMsg(c, http.RequestParameterParsingFailed.Code, http.RequestParameterParsingFailed.Msg, c.Path())
	}
	if strings.TrimSpace(req.ManagerName) == "" {
		return http.WithRepErrMsg(c, http.BadRequest.Code, "manager name is required", c.Path())
	}
	payloads, err := rt.taskSvc.ClaimTasks(c.Context(), req.ManagerName, req.Limit)
	if err != nil {
		return replyErr(c, err)
	}
	return http.WithRepJSON(c, fiber.Map{"tasks": payloads})
}

func (rt *Router) returnTasks(c *fiber.Ctx) error {
	var req struct {
		ManagerName string                           `json:"manager_name"`
		Results     map[string]*taskqueue.TaskResult `json:"results"`
	}
	if err := c.BodyParser(&req); err != nil {
		return http.WithRepErrMsg(c, http.RequestParameterParsingFailed.Code, http.RequestParameterParsingFailed.Msg, c.Path())
	}
	if strings.TrimSpace(req.ManagerName) == "" {
		return http.WithRepErrMsg(c, http.BadRequest.Code, "manager name is required", c.Path())
	}

	results := make(map[int64]*taskqueue.TaskResult, len(req.Results))
	for key, result := range req.Results {
		taskID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return http.WithRepErrMsg(c, http.BadRequest.Code, "task ids must be integers", c.Path())
		}
		results[taskID] = result
	}

	meta, err := rt.taskSvc.UpdateFinished(c.Context(), req.ManagerName, results)
	if err != nil {
		return replyErr(c, err)
	}
	return http.WithRepJSON(c, meta)
}
