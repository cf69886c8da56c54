// Copyright 2025 Ewout Prangsma
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// Author Ewout Prangsma
//

package server

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/binkynet/VMeterWorker/pkg/vmeter"
)

type errorResponse struct {
	Error string `json:"error"`
}

// deviceContext returns a context for a request that accesses the device.
func (s *Server) deviceContext(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), deviceTimeout)
}

// statusCode returns the HTTP status code for the given error.
func statusCode(err error) int {
	switch {
	case vmeter.IsInvalidState(err):
		return http.StatusConflict
	case vmeter.IsInvalidArgument(err):
		return http.StatusBadRequest
	case vmeter.IsNotFinished(err):
		return http.StatusServiceUnavailable
	case vmeter.IsDataIntegrity(err):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler converts errors returned by handlers into JSON responses.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	} else {
		code = statusCode(err)
	}
	if code >= http.StatusInternalServerError {
		s.log.Warn().Err(err).Str("path", c.Path()).Msg("Request failed")
	}
	requestErrorsTotal.WithLabelValues(http.StatusText(code)).Inc()
	if err := c.JSON(code, errorResponse{Error: msg}); err != nil {
		s.log.Debug().Err(err).Msg("Failed to send error response")
	}
}
