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
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/qcarchive/fractal/internal/engine/model"
	"github.com/qcarchive/fractal/pkg/http"
)

func (rt *Router) managerRouter(r fiber.Router) {
	managers := r.Group("/managers")
	{
		managers.Post("/", rt.activateManager)
		managers.Get("/", rt.listManagers)
		managers.Get("/:name", rt.getManager)
		managers.Delete("/:name", rt.deactivateManager)
		managers.Patch("/:name/heartbeat", rt.managerHeartbeat)
	}
}

func (rt *Router) activateManager(c *fiber.Ctx) error {
	var req model.ActivateManagerReq
	if err := c.BodyParser(&req); err != nil {
		return http.WithRepErrMsg(c, http.RequestParameterParsingFailed.Code, http.RequestParameterParsingFailed.Msg, c.Path())
	}
	manager, err := rt.managerSvc.Activate(c.Context(), &req)
	if err != nil {
		return replyErr(c, err)
	}
	return http.WithRepJSON(c, manager)
}

func (rt *Router) getManager(c *fiber.Ctx) error {
	name := strings.TrimSpace(c.Params("name"))
	if name == "" {
		return http.WithRepErrMsg(c, http.BadRequest.Code, "manager name is required", c.Path())
	}
	manager, err := rt.managerSvc.Get(c.Context(), name)
	if err != nil {
		return replyErr(c, err)
	}
	return http.WithRepJSON(c, manager)
}

func (rt *Router) listManagers(c *fiber.Ctx) error {
	page := rt.conf.QueryInt(c, "page")
	size := rt.conf.QueryInt(c, "size")
	managers, total, err := rt.managerSvc.List(c.Context(), page, size)
	if err != nil {
		return replyErr(c, err)
	}
	return http.WithRepJSON(c, fiber.Map{"managers": managers, "total": total})
}

func (rt *Router) deactivateManager(c *fiber.Ctx) error {
	name := strings.TrimSpace(c.Params("name"))
	if name == "" {
		return http.WithRepErrMsg(c, http.BadRequest.Code, "manager name is required", c.Path())
	}
	freed, err := rt.managerSvc.Deactivate(c.Context(), name)
	if err != nil {
		return replyErr(c, err)
	}
	return http.WithRepJSON(c, fiber.Map{"records_freed": freed})
}

func (rt *Router) managerHeartbeat(c *fiber.Ctx) error {
	name := strings.TrimSpace(c.Params("name"))
	if name == "" {
		return http.WithRepErrMsg(c, http.BadRequest.Code, "manager name is required", c.Path())
	}
	if err := rt.managerSvc.Heartbeat(c.Context(), name); err != nil {
		return replyErr(c, err)
	}
	return http.WithRepMsg(c, http.Success.Code, http.Success.Msg)
}
