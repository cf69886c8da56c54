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

package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/ssh"

	"github.com/binkynet/VMeterWorker/pkg/service"
	"github.com/binkynet/VMeterWorker/pkg/vmeter"
)

const (
	defaultRefreshInterval = time.Second
	// Number of readings kept in the reading log
	maxReadings = 500
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	valueStyle = lipgloss.NewStyle().Bold(true)
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// StatusSource provides the state shown in the UI.
type StatusSource interface {
	Status() service.Status
}

// UI creates a terminal UI for every SSH session.
type UI struct {
	source          StatusSource
	refreshInterval time.Duration
}

// New creates a UI showing the status of the given source.
func New(source StatusSource) *UI {
	return &UI{
		source:          source,
		refreshInterval: defaultRefreshInterval,
	}
}

// Handler creates the model for a new SSH session.
func (u *UI) Handler(s ssh.Session) (tea.Model, []tea.ProgramOption) {
	pty, _, _ := s.Pty()
	root := NewRoot(u.source, u.refreshInterval)
	root.term = pty.Term
	root = root.resize(pty.Window.Width, pty.Window.Height)
	return root, []tea.ProgramOption{tea.WithAltScreen()}
}

// Root is the model of a single UI session.
type Root struct {
	source   StatusSource
	interval time.Duration
	term     string
	width    int
	height   int

	status   service.Status
	readings []vmeter.Reading
	log      viewport.Model
}

var _ tea.Model = Root{}

type statusMsg service.Status

// NewRoot creates a model that polls the given source.
func NewRoot(source StatusSource, interval time.Duration) Root {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	return Root{
		source:   source,
		interval: interval,
		log:      viewport.New(0, 0),
	}
}

// Init fetches the status right away.
func (r Root) Init() tea.Cmd {
	source := r.source
	return func() tea.Msg {
		return statusMsg(source.Status())
	}
}

// Update handles status refreshes, resizes and key presses.
func (r Root) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case statusMsg:
		r = r.applyStatus(service.Status(msg))
		return r, r.scheduleRefresh()
	case tea.WindowSizeMsg:
		r = r.resize(msg.Width, msg.Height)
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return r, tea.Quit
		case "c":
			r.readings = nil
			r.log.SetContent("")
			return r, nil
		}
	}

	var cmd tea.Cmd
	r.log, cmd = r.log.Update(msg)
	return r, cmd
}

// View renders the status header followed by the reading log.
func (r Root) View() string {
	return r.headerView() + r.log.View() + "\n" + helpStyle.Render("c - Clear readings  q - Disconnect")
}

func (r Root) headerView() string {
	st := r.status
	var b strings.Builder
	b.WriteString(titleStyle.Render("BinkyNet VMeter worker " + st.ProgramVersion))
	b.WriteString("\n")
	dev := st.Device
	fmt.Fprintf(&b, "gain %s  rate %s  mode %s  calibration %s (%.4f)\n",
		dev.Gain, dev.Rate, dev.Mode, dev.CalibrationStatus, dev.CalibrationFactor)
	fmt.Fprintf(&b, "uptime %s  samples %d  failures %d\n", st.Uptime, st.Samples, st.Failures)
	if last := st.LastReading; last != nil {
		b.WriteString("last ")
		b.WriteString(valueStyle.Render(fmt.Sprintf("%.2f mV", last.Millivolts)))
		fmt.Fprintf(&b, " (%s)\n", st.LastReadingAge)
	} else {
		b.WriteString("no reading yet\n")
	}
	return b.String()
}

// applyStatus stores the status and appends a new last reading to the log.
func (r Root) applyStatus(st service.Status) Root {
	r.status = st
	if last := st.LastReading; last != nil {
		n := len(r.readings)
		if n == 0 || !r.readings[n-1].Timestamp.Equal(last.Timestamp) {
			readings := append(r.readings, *last)
			if len(readings) > maxReadings {
				readings = readings[len(readings)-maxReadings:]
			}
			r.readings = readings
			r.log.SetContent(formatReadings(r.readings))
			r.log.GotoBottom()
		}
	}
	return r
}

func (r Root) resize(width, height int) Root {
	r.width = width
	r.height = height
	r.log.Width = width
	r.log.Height = max(height-lipgloss.Height(r.headerView())-1, 0)
	return r
}

func (r Root) scheduleRefresh() tea.Cmd {
	source := r.source
	return tea.Tick(r.interval, func(time.Time) tea.Msg {
		return statusMsg(source.Status())
	})
}

func formatReadings(readings []vmeter.Reading) string {
	lines := make([]string, 0, len(readings))
	for _, rd := range readings {
		lines = append(lines, fmt.Sprintf("%s  %10.2f mV  raw %6d  %s",
			rd.Timestamp.Format("15:04:05.000"), rd.Millivolts, rd.Raw, rd.Gain))
	}
	return strings.Join(lines, "\n")
}
