// Copyright 2023 Ewout Prangsma
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
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/charmbracelet/wish/activeterm"
	"github.com/charmbracelet/wish/bubbletea"
	"github.com/charmbracelet/wish/logging"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/binkynet/VMeterWorker/pkg/service"
	"github.com/binkynet/VMeterWorker/pkg/vmeter"
)

// Config for the HTTP server.
type Config struct {
	// Host interface to listen on
	Host string
	// Port to listen on for HTTP requests
	HTTPPort int
	// Port to listen on for SSH requests (0 disables SSH)
	SSHPort int
	// Path of the SSH host key, created when missing
	SSHHostKeyPath string
}

// Server runs the HTTP server for the service.
type Server struct {
	Config
	log     zerolog.Logger
	driver  Driver
	service Service
	history History
	ui      UI
	router  *echo.Echo
}

type UI interface {
	// Handler creates the Bubble Tea model for a new SSH session.
	Handler(s ssh.Session) (tea.Model, []tea.ProgramOption)
}

// Driver of the VMeter.
type Driver interface {
	Config() vmeter.DeviceConfig
	SetGain(ctx context.Context, gain vmeter.Gain) error
	SetRate(ctx context.Context, rate vmeter.Rate) error
	SetMode(ctx context.Context, mode vmeter.Mode) error
	LoadCalibration(ctx context.Context) error
	ReadConfigRegister(ctx context.Context) (uint16, error)
	Probe(ctx context.Context) vmeter.DevicePresence
}

// Service that samples the VMeter.
type Service interface {
	LastReading() (vmeter.Reading, bool)
	Status() service.Status
}

// History of readings.
type History interface {
	Since(since time.Time, limit int) ([]vmeter.Reading, error)
}

const (
	// Timeout of requests that access the device
	deviceTimeout   = time.Second * 2
	shutdownTimeout = time.Second * 5
	// Default location of the SSH host key
	DefaultSSHHostKeyPath = ".ssh/id_ed25519"
)

// New configures a new Server.
// history and ui may be nil.
func New(cfg Config, log zerolog.Logger, driver Driver, service Service, history History, ui UI) (*Server, error) {
	if driver == nil {
		return nil, fmt.Errorf("driver is required")
	}
	if service == nil {
		return nil, fmt.Errorf("service is required")
	}
	s := &Server{
		Config:  cfg,
		log:     log.With().Str("component", "server").Logger(),
		driver:  driver,
		service: service,
		history: history,
		ui:      ui,
	}
	if s.SSHHostKeyPath == "" {
		s.SSHHostKeyPath = DefaultSSHHostKeyPath
	}
	s.router = s.newRouter()
	return s, nil
}

// newRouter builds the HTTP routes.
func (s *Server) newRouter() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/health", echo.WrapHandler(http.HandlerFunc(healthHandler)))
	e.GET("/debug/pprof/*", echo.WrapHandler(http.HandlerFunc(pprof.Index)))

	v1 := e.Group("/v1")
	v1.GET("/config", s.handleGetConfig)
	v1.GET("/status", s.handleGetStatus)
	v1.GET("/probe", s.handleProbe)
	v1.PUT("/gain/:gain", s.handleSetGain)
	v1.PUT("/rate/:rate", s.handleSetRate)
	v1.PUT("/mode/:mode", s.handleSetMode)
	v1.POST("/calibration/reload", s.handleReloadCalibration)
	v1.GET("/reading", s.handleGetReading)
	v1.GET("/readings", s.handleGetReadings)
	return e
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run the server until the given context is canceled.
func (s *Server) Run(ctx context.Context) error {
	log := s.log
	httpAddr := net.JoinHostPort(s.Host, strconv.Itoa(s.HTTPPort))
	httpLis, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on address %s: %w", httpAddr, err)
	}
	httpSrv := http.Server{
		Handler: s.router,
	}

	// Prepare SSH server
	sshSrv, err := s.newSSHServer()
	if err != nil {
		httpLis.Close()
		return err
	}

	log.Debug().Str("address", httpAddr).Msg("Serving HTTP")
	serveErr := make(chan error, 2)
	go func() {
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("failed to serve HTTP server: %w", err)
		}
		log.Debug().Str("address", httpAddr).Msg("Done Serving HTTP")
	}()
	if sshSrv != nil {
		log.Debug().Str("address", sshSrv.Addr).Msg("Serving SSH")
		go func() {
			if err := sshSrv.ListenAndServe(); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
				serveErr <- fmt.Errorf("failed to serve SSH server: %w", err)
			}
			log.Debug().Str("address", sshSrv.Addr).Msg("Done Serving SSH")
		}()
	}

	// Wait until context closed
	var result error
	select {
	case <-ctx.Done():
	case result = <-serveErr:
	}

	log.Info().Msg("Closing servers")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	if sshSrv != nil {
		sshSrv.Shutdown(shutdownCtx)
	}
	return result
}

// newSSHServer prepares the SSH server of the terminal UI.
// Returns nil when SSH is disabled.
func (s *Server) newSSHServer() (*ssh.Server, error) {
	if s.ui == nil || s.SSHPort == 0 {
		return nil, nil
	}
	sshAddr := net.JoinHostPort(s.Host, strconv.Itoa(s.SSHPort))
	srv, err := wish.NewServer(
		wish.WithAddress(sshAddr),
		// Creates an ED25519 keypair in the given path if it doesn't exist yet.
		wish.WithHostKeyPath(s.SSHHostKeyPath),
		wish.WithMiddleware(
			bubbletea.Middleware(s.ui.Handler),
			// The last item in the chain is the first to be called.
			activeterm.Middleware(),
			logging.Middleware(),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("could not create SSH server: %w", err)
	}
	return srv, nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "OK")
}
