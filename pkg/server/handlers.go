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
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/binkynet/VMeterWorker/pkg/vmeter"
)

type configResponse struct {
	vmeter.DeviceConfig
	ConfigRegister string `json:"config_register,omitempty"`
}

// GET /v1/config
func (s *Server) handleGetConfig(c echo.Context) error {
	resp := configResponse{DeviceConfig: s.driver.Config()}
	if resp.Initialized {
		ctx, cancel := s.deviceContext(c)
		defer cancel()
		if value, err := s.driver.ReadConfigRegister(ctx); err == nil {
			resp.ConfigRegister = "0x" + strconv.FormatUint(uint64(value), 16)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// GET /v1/probe
func (s *Server) handleProbe(c echo.Context) error {
	ctx, cancel := s.deviceContext(c)
	defer cancel()
	return c.JSON(http.StatusOK, s.driver.Probe(ctx))
}

// GET /v1/status
func (s *Server) handleGetStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.service.Status())
}

// PUT /v1/gain/:gain
func (s *Server) handleSetGain(c echo.Context) error {
	gain, err := vmeter.ParseGain(c.Param("gain"))
	if err != nil {
		return err
	}
	ctx, cancel := s.deviceContext(c)
	defer cancel()
	if err := s.driver.SetGain(ctx, gain); err != nil {
		return err
	}
	s.log.Info().Str("gain", gain.String()).Msg("Gain changed")
	return c.JSON(http.StatusOK, s.driver.Config())
}

// PUT /v1/rate/:rate
func (s *Server) handleSetRate(c echo.Context) error {
	rate, err := vmeter.ParseRate(c.Param("rate"))
	if err != nil {
		return err
	}
	ctx, cancel := s.deviceContext(c)
	defer cancel()
	if err := s.driver.SetRate(ctx, rate); err != nil {
		return err
	}
	s.log.Info().Str("rate", rate.String()).Msg("Rate changed")
	return c.JSON(http.StatusOK, s.driver.Config())
}

// PUT /v1/mode/:mode
func (s *Server) handleSetMode(c echo.Context) error {
	mode, err := vmeter.ParseMode(c.Param("mode"))
	if err != nil {
		return err
	}
	ctx, cancel := s.deviceContext(c)
	defer cancel()
	if err := s.driver.SetMode(ctx, mode); err != nil {
		return err
	}
	s.log.Info().Str("mode", mode.String()).Msg("Mode changed")
	return c.JSON(http.StatusOK, s.driver.Config())
}

// POST /v1/calibration/reload
func (s *Server) handleReloadCalibration(c echo.Context) error {
	ctx, cancel := s.deviceContext(c)
	defer cancel()
	if err := s.driver.LoadCalibration(ctx); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.driver.Config())
}

// GET /v1/reading
func (s *Server) handleGetReading(c echo.Context) error {
	r, found := s.service.LastReading()
	if !found {
		return echo.NewHTTPError(http.StatusNotFound, "no reading available yet")
	}
	return c.JSON(http.StatusOK, r)
}

// GET /v1/readings?since=<unix-ms>&limit=<n>
func (s *Server) handleGetReadings(c echo.Context) error {
	if s.history == nil {
		return echo.NewHTTPError(http.StatusNotFound, "history is not enabled")
	}
	var since time.Time
	if raw := c.QueryParam("since"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid since: "+raw)
		}
		since = time.UnixMilli(ms)
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: "+raw)
		}
		limit = n
	}
	readings, err := s.history.Since(since, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, readings)
}
