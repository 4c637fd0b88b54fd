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
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/qcarchive/fractal/internal/engine/model"
	"github.com/qcarchive/fractal/pkg/http"
)

func (rt *Router) recordRouter(r fiber.Router) {
	records := r.Group("/records")
	{
		records.Post("/", rt.submitRecords)
		records.Get("/:id", rt.getRecord)
		records.Get("/:id/history", rt.getRecordHistory)
		records.Get("/:id/dependencies", rt.getRecordDependencies)

		records.Post("/reset", rt.statusOp(rt.statusSvc.Reset))
		records.Post("/cancel", rt.statusOp(rt.statusSvc.Cancel))
		records.Post("/uncancel", rt.statusOp(rt.statusSvc.Uncancel))
		records.Post("/invalidate", rt.statusOp(rt.statusSvc.Invalidate))
		records.Post("/uninvalidate", rt.statusOp(rt.statusSvc.Uninvalidate))
		records.Post("/undelete", rt.statusOp(rt.statusSvc.Undelete))
		records.Post("/delete", rt.deleteRecords)
	}

	services := r.Group("/services")
	{
		services.Post("/iterate", rt.iterateServices)
	}
}

func (rt *Router) submitRecords(c *fiber.Ctx) error {
	var req struct {
		Submissions []*model.RecordSubmission `json:"submissions"`
	}
	if err := c.BodyParser(&req); err != nil {
		return http.WithRepErrMsg(c, http.RequestParameterParsingFailed.Code, http.RequestParameterParsingFailed.Msg, c.Path())
	}
	if len(req.Submissions) == 0 {
		return http.WithRepErrMsg(c, http.BadRequest.Code, "at least one submission is required", c.Path())
	}
	ids, existing, err := rt.submitSvc.Submit(c.Context(), req.Submissions)
	if err != nil {
		return replyErr(c, err)
	}
	return http.WithRepJSON(c, fiber.Map{"ids": ids, "existing": existing})
}

func (rt *Router) getRecord(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return http.WithRepErrMsg(c, http.BadRequest.Code, "record id must be an integer", c.Path())
	}
	record, err := rt.querySvc.Get(c.Context(), id)
	if err != nil {
		return replyErr(c, err)
	}
	return http.WithRepJSON(c, record)
}

func (rt *Router) getRecordHistory(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return http.WithRepErrMsg(c, http.BadRequest.Code, "record id must be an integer", c.Path())
	}
	history, err := rt.querySvc.History(c.Context(), id)
	if err != nil {
		return replyErr(c, err)
	}
	return http.WithRepJSON(c, fiber.Map{"history": history})
}

func (rt *Router) getRecordDependencies(c *fiber.Ctx) error {
	id, err := pathID(c)
	if err != nil {
		return http.WithRepErrMsg(c, http.BadRequest.Code, "record id must be an integer", c.Path())
	}
	deps, err := rt.querySvc.Dependencies(c.Context(), id)
	if err != nil {
		return replyErr(c, err)
	}
	return http.WithRepJSON(c, fiber.Map{"dependencies": deps})
}

// statusOp adapts a batch status operation into a handler.
func (rt *Router) statusOp(op func(ctx context.Context, ids []int64) *model.UpdateMetadata) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ids, ok := parseRecordIds(c)
		if !ok {
			return http.WithRepErrMsg(c, http.RequestParameterParsingFailed.Code, http.RequestParameterParsingFailed.Msg, c.Path())
		}
		return http.WithRepJSON(c, op(c.Context(), ids))
	}
}

func (rt *Router) deleteRecords(c *fiber.Ctx) error {
	var req struct {
		RecordIds  []int64 `json:"record_ids"`
		SoftDelete *bool   `json:"soft_delete"`
	}
	if err := c.BodyParser(&req); err != nil || len(req.RecordIds) == 0 {
		return http.WithRepErrMsg(c, http.RequestParameterParsingFailed.Code, http.RequestParameterParsingFailed.Msg, c.Path())
	}
	soft := true
	if req.SoftDelete != nil {
		soft = *req.SoftDelete
	}
	return http.WithRepJSON(c, rt.statusSvc.Delete(c.Context(), req.RecordIds, soft))
}

func (rt *Router) iterateServices(c *fiber.Ctx) error {
	active, err := rt.iterator.IterateServices(c.Context())
	if err != nil {
		return replyErr(c, err)
	}
	return http.WithRepJSON(c, fiber.Map{"active_services": active})
}

func parseRecordIds(c *fiber.Ctx) ([]int64, bool) {
	var req struct {
		RecordIds []int64 `json:"record_ids"`
	}
	if err := c.BodyParser(&req); err != nil || len(req.RecordIds) == 0 {
		return nil, false
	}
	return req.RecordIds, true
}

func pathID(c *fiber.Ctx) (int64, error) {
	return strconv.ParseInt(c.Params("id"), 10, 64)
}
