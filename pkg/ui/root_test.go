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
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/binkynet/VMeterWorker/pkg/service"
	"github.com/binkynet/VMeterWorker/pkg/vmeter"
)

type fakeSource struct {
	status service.Status
}

func (f *fakeSource) Status() service.Status { return f.status }

func statusWithReading(mv float64, ts time.Time) service.Status {
	return service.Status{
		ProgramVersion: "1.2.3",
		Uptime:         "3 minutes",
		Samples:        42,
		Device: vmeter.DeviceConfig{
			Gain:              vmeter.Gain2048mV,
			Rate:              vmeter.Rate128SPS,
			Mode:              vmeter.ModeSingleShot,
			CalibrationFactor: 1,
			CalibrationStatus: vmeter.CalibrationLoaded,
		},
		LastReading: &vmeter.Reading{
			Raw:        -100,
			Millivolts: mv,
			Gain:       vmeter.Gain2048mV,
			Timestamp:  ts,
		},
		LastReadingAge: "1 second ago",
	}
}

func update(t *testing.T, r Root, msg tea.Msg) (Root, tea.Cmd) {
	t.Helper()
	m, cmd := r.Update(msg)
	root, ok := m.(Root)
	if !ok {
		t.Fatalf("unexpected model type %T", m)
	}
	return root, cmd
}

func TestInitFetchesStatus(t *testing.T) {
	src := &fakeSource{status: statusWithReading(12.5, time.Now())}
	r := NewRoot(src, time.Millisecond)
	msg := r.Init()()
	st, ok := msg.(statusMsg)
	if !ok {
		t.Fatalf("expected statusMsg, got %T", msg)
	}
	if st.Samples != 42 {
		t.Errorf("expected 42 samples, got %d", st.Samples)
	}
}

func TestViewShowsStatus(t *testing.T) {
	src := &fakeSource{}
	r := NewRoot(src, time.Second)
	r, _ = update(t, r, tea.WindowSizeMsg{Width: 100, Height: 30})
	r, cmd := update(t, r, statusMsg(statusWithReading(392.65, time.Now())))
	if cmd == nil {
		t.Error("expected a refresh command")
	}
	view := r.View()
	for _, expected := range []string{"1.2.3", "2048mV", "128SPS", "singleshot", "loaded", "392.65 mV", "samples 42"} {
		if !strings.Contains(view, expected) {
			t.Errorf("expected view to contain %q, got:\n%s", expected, view)
		}
	}
}

func TestViewWithoutReading(t *testing.T) {
	r := NewRoot(&fakeSource{}, time.Second)
	r, _ = update(t, r, statusMsg(service.Status{}))
	if !strings.Contains(r.View(), "no reading yet") {
		t.Errorf("unexpected view:\n%s", r.View())
	}
}

func TestReadingLogSkipsDuplicates(t *testing.T) {
	r := NewRoot(&fakeSource{}, time.Second)
	ts := time.Now()
	r, _ = update(t, r, statusMsg(statusWithReading(1, ts)))
	r, _ = update(t, r, statusMsg(statusWithReading(1, ts)))
	r, _ = update(t, r, statusMsg(statusWithReading(2, ts.Add(time.Second))))
	if len(r.readings) != 2 {
		t.Fatalf("expected 2 readings, got %d", len(r.readings))
	}

	r, _ = update(t, r, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'c'}})
	if len(r.readings) != 0 {
		t.Errorf("expected readings to be cleared, got %d", len(r.readings))
	}
}

func TestReadingLogIsBounded(t *testing.T) {
	r := NewRoot(&fakeSource{}, time.Second)
	ts := time.Now()
	for i := 0; i < maxReadings+10; i++ {
		r = r.applyStatus(statusWithReading(float64(i), ts.Add(time.Duration(i)*time.Millisecond)))
	}
	if len(r.readings) != maxReadings {
		t.Fatalf("expected %d readings, got %d", maxReadings, len(r.readings))
	}
	if r.readings[0].Millivolts != 10 {
		t.Errorf("expected oldest readings to be dropped, first is %v", r.readings[0].Millivolts)
	}
}

func TestQuit(t *testing.T) {
	r := NewRoot(&fakeSource{}, time.Second)
	_, cmd := update(t, r, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected QuitMsg")
	}
}
