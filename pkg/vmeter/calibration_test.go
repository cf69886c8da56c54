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

package vmeter

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// calibrationFactorMetric returns the current value of the calibration
// factor gauge.
func calibrationFactorMetric(t *testing.T) float64 {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "vmeter_driver_calibration_factor" && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("calibration factor gauge not found")
	return 0
}

func TestCalibrationRecord(t *testing.T) {
	record := CalibrationRecord{0x00, 0x00, 0x64, 0x00, 0x32, 0x00 ^ 0x00 ^ 0x64 ^ 0x00 ^ 0x32, 0, 0}
	if !record.Valid() {
		t.Fatal("expected valid record")
	}
	if record.Hope() != 100 {
		t.Errorf("expected hope 100, got %d", record.Hope())
	}
	if record.Actual() != 50 {
		t.Errorf("expected actual 50, got %d", record.Actual())
	}
	if factor, ok := record.Factor(); !ok || factor != 2.0 {
		t.Errorf("expected factor 2.0, got %v (%v)", factor, ok)
	}
	if NewCalibrationRecord(100, 50) != record {
		t.Errorf("NewCalibrationRecord mismatch: %v", NewCalibrationRecord(100, 50))
	}
}

func TestCalibrationRecordNegativeValues(t *testing.T) {
	record := NewCalibrationRecord(-1000, 500)
	if record.Hope() != -1000 || record.Actual() != 500 {
		t.Errorf("unexpected values %d/%d", record.Hope(), record.Actual())
	}
	if factor, _ := record.Factor(); factor != -2.0 {
		t.Errorf("expected -2.0, got %v", factor)
	}
}

func TestLoadCalibration(t *testing.T) {
	ctx := context.Background()
	d, ft := newInitializedDriver(t, ModeSingleShot)
	ft.setCalibration(Gain2048mV, CalibrationRecord{0x00, 0x00, 0x64, 0x00, 0x32, 0x00 ^ 0x00 ^ 0x64 ^ 0x00 ^ 0x32, 0, 0})
	if err := d.LoadCalibration(ctx); err != nil {
		t.Fatalf("LoadCalibration failed: %v", err)
	}
	cfg := d.Config()
	if cfg.CalibrationFactor != 2.0 || !cfg.CalibrationLoaded {
		t.Errorf("expected factor 2.0 loaded, got %+v", cfg)
	}
	if d.CalibrationStatus() != CalibrationLoaded {
		t.Errorf("expected status loaded, got %s", d.CalibrationStatus())
	}
}

func TestLoadCalibrationChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	valid := NewCalibrationRecord(100, 50)
	for i := 0; i < 6; i++ {
		d, ft := newInitializedDriver(t, ModeSingleShot)
		ft.setCalibration(Gain2048mV, valid)
		if err := d.LoadCalibration(ctx); err != nil {
			t.Fatalf("LoadCalibration failed: %v", err)
		}

		corrupt := valid
		corrupt[i] ^= 0x01
		ft.setCalibration(Gain2048mV, corrupt)
		if err := d.LoadCalibration(ctx); !IsDataIntegrity(err) {
			t.Errorf("byte %d: expected DataIntegrityError, got %v", i, err)
		}
		cfg := d.Config()
		if cfg.CalibrationFactor != 1.0 || cfg.CalibrationLoaded {
			t.Errorf("byte %d: expected neutral calibration, got %+v", i, cfg)
		}
		if cfg.CalibrationStatus != CalibrationChecksumMismatch {
			t.Errorf("byte %d: expected checksum-mismatch, got %s", i, cfg.CalibrationStatus)
		}
	}
}

func TestLoadCalibrationUnusedBytesIgnored(t *testing.T) {
	d, ft := newInitializedDriver(t, ModeSingleShot)
	record := NewCalibrationRecord(100, 50)
	record[6] = 0xAB
	record[7] = 0xCD
	ft.setCalibration(Gain2048mV, record)
	if err := d.LoadCalibration(context.Background()); err != nil {
		t.Fatalf("LoadCalibration failed: %v", err)
	}
	if d.Config().CalibrationFactor != 2.0 {
		t.Errorf("expected factor 2.0, got %v", d.Config().CalibrationFactor)
	}
}

func TestLoadCalibrationZeroActual(t *testing.T) {
	d, ft := newInitializedDriver(t, ModeSingleShot)
	ft.setCalibration(Gain2048mV, NewCalibrationRecord(100, 0))
	if err := d.LoadCalibration(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	cfg := d.Config()
	if cfg.CalibrationFactor != 1.0 || cfg.CalibrationLoaded {
		t.Errorf("expected neutral calibration, got %+v", cfg)
	}
	if cfg.CalibrationStatus != CalibrationInvalidActual {
		t.Errorf("expected invalid-actual, got %s", cfg.CalibrationStatus)
	}
}

func TestLoadCalibrationTransportError(t *testing.T) {
	d, ft := newInitializedDriver(t, ModeSingleShot)
	ft.setCalibration(Gain2048mV, NewCalibrationRecord(3, 2))
	if err := d.LoadCalibration(context.Background()); err != nil {
		t.Fatal(err)
	}
	ft.failBlock = true
	if err := d.LoadCalibration(context.Background()); err != errBus {
		t.Errorf("expected transport error, got %v", err)
	}
	cfg := d.Config()
	if cfg.CalibrationFactor != 1.5 {
		t.Errorf("expected previous factor to be kept, got %v", cfg.CalibrationFactor)
	}
	if cfg.CalibrationStatus != CalibrationReadFailed {
		t.Errorf("expected read-failed, got %s", cfg.CalibrationStatus)
	}
}

func TestSetGainReadFailureResetsFactorGauge(t *testing.T) {
	ctx := context.Background()
	d, ft := newInitializedDriver(t, ModeSingleShot)
	ft.setCalibration(Gain2048mV, NewCalibrationRecord(3, 2))
	if err := d.LoadCalibration(ctx); err != nil {
		t.Fatal(err)
	}
	if v := calibrationFactorMetric(t); v != 1.5 {
		t.Fatalf("expected gauge 1.5, got %v", v)
	}
	ft.failBlock = true
	if err := d.SetGain(ctx, Gain1024mV); err != nil {
		t.Fatalf("SetGain failed: %v", err)
	}
	if cfg := d.Config(); cfg.CalibrationFactor != 1.0 || cfg.CalibrationStatus != CalibrationReadFailed {
		t.Errorf("expected neutral factor with read-failed, got %+v", cfg)
	}
	if v := calibrationFactorMetric(t); v != 1.0 {
		t.Errorf("expected gauge 1.0, got %v", v)
	}
}

func TestParseCalibrationStatus(t *testing.T) {
	for s := CalibrationUnknown; s <= CalibrationInvalidActual; s++ {
		if parsed, err := ParseCalibrationStatus(s.String()); err != nil || parsed != s {
			t.Errorf("status %d: round trip gave %s (%v)", s, parsed, err)
		}
	}
	if _, err := ParseCalibrationStatus("bogus"); !IsInvalidArgument(err) {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}

func TestCalibrationAddresses(t *testing.T) {
	expected := []uint8{208, 216, 224, 232, 240, 248}
	for i, addr := range expected {
		if actual := Gain(i).CalibrationAddress(); actual != addr {
			t.Errorf("gain %s: expected address %d, got %d", Gain(i), addr, actual)
		}
	}
}
