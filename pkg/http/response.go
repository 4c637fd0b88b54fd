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

package http

import "github.com/gofiber/fiber/v2"

// Status pairs an API code with its default message.
type Status struct {
	Code int
	Msg  string
}

var (
	Success                        = Status{Code: 0, Msg: "success"}
	Failed                         = Status{Code: 1, Msg: "failed"}
	BadRequest                     = Status{Code: 400, Msg: "bad request"}
	NotFound                       = Status{Code: 404, Msg: "not found"}
	RequestParameterParsingFailed  = Status{Code: 4001, Msg: "request parameter parsing failed"}
	ComputeManagerRejected         = Status{Code: 4201, Msg: "compute manager rejected"}
)

// Response is the JSON envelope for all API replies.
type Response struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data any    `json:"data,omitempty"`
	Path string `json:"path,omitempty"`
}

// WithRepJSON replies with a success envelope carrying data.
func WithRepJSON(c *fiber.Ctx, data any) error {
	return c.Status(fiber.StatusOK).JSON(Response{
		Code: Success.Code,
		Msg:  Success.Msg,
		Data: data,
	})
}

// WithRepMsg replies with a code and message, no data.
func WithRepMsg(c *fiber.Ctx, code int, msg string) error {
	return c.Status(fiber.StatusOK).JSON(Response{Code: code, Msg: msg})
}

// WithRepErrMsg replies with an error envelope including the request path.
func WithRepErrMsg(c *fiber.Ctx, code int, msg, path string) error {
	return c.Status(fiber.StatusOK).JSON(Response{Code: code, Msg: msg, Path: path})
}
