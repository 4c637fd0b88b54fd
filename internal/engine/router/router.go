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
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/wire"

	"github.com/qcarchive/fractal/internal/engine/service"
	"github.com/qcarchive/fractal/pkg/http"
)

// ProviderSet provides the HTTP router.
var ProviderSet = wire.NewSet(NewRouter)

type Router struct {
	conf       http.Http
	managerSvc *service.ManagerService
	submitSvc  *service.SubmitService
	statusSvc  *service.RecordStatusService
	querySvc   *service.RecordQueryService
	taskSvc    *service.TaskQueueService
	iterator   *service.ServiceIterator
}

func NewRouter(
	conf http.Http,
	managerSvc *service.ManagerService,
	submitSvc *service.SubmitService,
	statusSvc *service.RecordStatusService,
	querySvc *service.RecordQueryService,
	taskSvc *service.TaskQueueService,
	iterator *service.ServiceIterator,
) *Router {
	return &Router{
		conf:       conf,
		managerSvc: managerSvc,
		submitSvc:  submitSvc,
		statusSvc:  statusSvc,
		querySvc:   querySvc,
		taskSvc:    taskSvc,
		iterator:   iterator,
	}
}

// BuildApp assembles the fiber application with all API routes.
func (rt *Router) BuildApp() *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(rt.conf.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(rt.conf.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(rt.conf.IdleTimeout) * time.Second,
		BodyLimit:    rt.conf.BodyLimit,
		JSONEncoder:  sonic.Marshal,
		JSONDecoder:  sonic.Unmarshal,
	})
	app.Use(fiberrecover.New())
	if rt.conf.AccessLog {
		app.Use(fiberlogger.New())
	}

	v1 := app.Group("/api/v1")
	rt.managerRouter(v1)
	rt.taskRouter(v1)
	rt.recordRouter(v1)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return http.WithRepMsg(c, http.Success.Code, "ok")
	})
	return app
}

// replyErr maps service errors onto the response envelope.
func replyErr(c *fiber.Ctx, err error) error {
	var mgrErr *service.ComputeManagerError
	switch {
	case errors.As(err, &mgrErr):
		return http.WithRepErrMsg(c, http.ComputeManagerRejected.Code, err.Error(), c.Path())
	case errors.Is(err, service.ErrRecordNotFound):
		return http.WithRepErrMsg(c, http.NotFound.Code, err.Error(), c.Path())
	default:
		return http.WithRepErrMsg(c, http.Failed.Code, err.Error(), c.Path())
	}
}
