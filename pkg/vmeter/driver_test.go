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
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var errBus = fmt.Errorf("bus failure")

// fakeTransport emulates the ADS1115 registers and the EEPROM.
type fakeTransport struct {
	mutex      sync.Mutex
	config     uint16
	conversion uint16
	eeprom     [256]byte
	busyReads  int // Number of config reads that report a conversion in progress
	failRead   bool
	failWrite  bool
	failBlock  bool
	missing    map[uint8]bool
	writes     int
	blockReads int
}

func (t *fakeTransport) ReadRegister(ctx context.Context, address, reg uint8) ([2]byte, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var result [2]byte
	if t.failRead {
		return result, errBus
	}
	value := t.conversion
	if reg == regConfig {
		value = t.config
		if t.busyReads > 0 {
			t.busyReads--
			value = fieldOS.set(value, 0)
		}
	}
	binary.BigEndian.PutUint16(result[:], value)
	return result, nil
}

func (t *fakeTransport) WriteRegister(ctx context.Context, address, reg uint8, data [2]byte) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.failWrite {
		return errBus
	}
	t.writes++
	if reg == regConfig {
		t.config = binary.BigEndian.Uint16(data[:])
	}
	return nil
}

func (t *fakeTransport) ReadBlock(ctx context.Context, address, offset uint8, length int) ([]byte, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.blockReads++
	if t.failBlock {
		return nil, errBus
	}
	result := make([]byte, length)
	copy(result, t.eeprom[int(offset):])
	return result, nil
}

func (t *fakeTransport) Probe(ctx context.Context, address uint8) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.missing[address] {
		return errBus
	}
	return nil
}

func (t *fakeTransport) setCalibration(gain Gain, record CalibrationRecord) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	copy(t.eeprom[gain.CalibrationAddress():], record[:])
}

func newTestDriver(t *testing.T) (*Driver, *fakeTransport) {
	ft := &fakeTransport{}
	return NewDriver(Config{}, ft, zerolog.Nop()), ft
}

func newInitializedDriver(t *testing.T, mode Mode) (*Driver, *fakeTransport) {
	d, ft := newTestDriver(t)
	if err := d.Initialize(context.Background(), mode); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	return d, ft
}

func TestBuildConfigWord(t *testing.T) {
	tests := []struct {
		gain     Gain
		mode     Mode
		rate     Rate
		expected uint16
	}{
		{Gain2048mV, ModeSingleShot, Rate128SPS, 0x8583},
		{Gain2048mV, ModeContinuous, Rate128SPS, 0x8483},
		{Gain6144mV, ModeSingleShot, Rate8SPS, 0x8103},
		{Gain256mV, ModeContinuous, Rate860SPS, 0x8AE3},
	}
	for _, test := range tests {
		if actual := buildConfigWord(test.gain, test.mode, test.rate); actual != test.expected {
			t.Errorf("buildConfigWord(%s, %s, %s): expected 0x%04x, got 0x%04x",
				test.gain, test.mode, test.rate, test.expected, actual)
		}
	}
}

func TestFieldSetPreservesOtherBits(t *testing.T) {
	fields := []field{fieldOS, fieldMux, fieldPGA, fieldMode, fieldRate, fieldCompMode, fieldCompPol, fieldCompLat, fieldCompQue}
	words := []uint16{0x0000, 0xFFFF, 0xA5A5, 0x5A5A, 0x8583}
	for _, f := range fields {
		for _, word := range words {
			for value := uint16(0); value < 1<<f.width; value++ {
				updated := f.set(word, value)
				if f.get(updated) != value {
					t.Errorf("field %+v: expected value %d, got %d", f, value, f.get(updated))
				}
				if (updated^word)&^f.mask() != 0 {
					t.Errorf("field %+v: bits outside field changed: 0x%04x -> 0x%04x", f, word, updated)
				}
			}
		}
	}
}

func TestFieldMasksCoverRegister(t *testing.T) {
	var all uint16
	for _, f := range []field{fieldOS, fieldMux, fieldPGA, fieldMode, fieldRate, fieldCompMode, fieldCompPol, fieldCompLat, fieldCompQue} {
		if all&f.mask() != 0 {
			t.Errorf("field %+v overlaps", f)
		}
		all |= f.mask()
	}
	if all != 0xFFFF {
		t.Errorf("expected fields to cover all bits, got 0x%04x", all)
	}
}

func TestOperationsBeforeInitialize(t *testing.T) {
	ctx := context.Background()
	d, ft := newTestDriver(t)

	checks := map[string]error{
		"SetGain":         d.SetGain(ctx, Gain1024mV),
		"SetRate":         d.SetRate(ctx, Rate8SPS),
		"SetMode":         d.SetMode(ctx, ModeContinuous),
		"StartConversion": d.StartConversion(ctx),
		"LoadCalibration": d.LoadCalibration(ctx),
	}
	_, checks["RawReading"] = d.RawReading(ctx)
	_, checks["VoltageReading"] = d.VoltageReading(ctx)
	_, checks["ReadConfigRegister"] = d.ReadConfigRegister(ctx)
	for name, err := range checks {
		if !IsInvalidState(err) {
			t.Errorf("%s: expected InvalidStateError, got %v", name, err)
		}
	}
	if d.IsConverting(ctx) {
		t.Error("IsConverting must be false before initialization")
	}
	if ft.writes != 0 || ft.blockReads != 0 {
		t.Errorf("expected no bus traffic, got %d writes, %d block reads", ft.writes, ft.blockReads)
	}
}

func TestInitializeIdempotent(t *testing.T) {
	ctx := context.Background()
	d, ft := newInitializedDriver(t, ModeSingleShot)
	if ft.writes != 1 {
		t.Fatalf("expected 1 write, got %d", ft.writes)
	}
	if ft.config != 0x8583 {
		t.Errorf("expected config 0x8583, got 0x%04x", ft.config)
	}
	if err := d.Initialize(ctx, ModeContinuous); err != nil {
		t.Fatalf("second Initialize failed: %v", err)
	}
	if ft.writes != 1 {
		t.Errorf("expected no additional write, got %d writes", ft.writes)
	}
	if d.Config().Mode != ModeSingleShot {
		t.Errorf("second Initialize must not change mode")
	}
}

func TestInitializeWriteFailure(t *testing.T) {
	ctx := context.Background()
	d, ft := newTestDriver(t)
	ft.failWrite = true
	if err := d.Initialize(ctx, ModeContinuous); err != errBus {
		t.Fatalf("expected transport error, got %v", err)
	}
	cfg := d.Config()
	if cfg.Initialized {
		t.Error("driver must not be initialized")
	}
	if cfg.Mode != ModeSingleShot {
		t.Errorf("mode must remain default, got %s", cfg.Mode)
	}
	// Retry succeeds
	ft.failWrite = false
	if err := d.Initialize(ctx, ModeContinuous); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if !d.Config().Initialized {
		t.Error("driver must be initialized after retry")
	}
}

func TestInitializeCalibrationFailureIsNotFatal(t *testing.T) {
	d, ft := newTestDriver(t)
	ft.failBlock = true
	if err := d.Initialize(context.Background(), ModeSingleShot); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	cfg := d.Config()
	if cfg.CalibrationFactor != 1.0 || cfg.CalibrationLoaded {
		t.Errorf("expected default calibration, got %+v", cfg)
	}
	if cfg.CalibrationStatus != CalibrationReadFailed {
		t.Errorf("expected status read-failed, got %s", cfg.CalibrationStatus)
	}
}

func TestSettersPreserveOtherBits(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		f     field
		value uint16
		apply func(d *Driver) error
	}{
		{"SetGain", fieldPGA, uint16(Gain256mV), func(d *Driver) error { return d.SetGain(ctx, Gain256mV) }},
		{"SetGain", fieldPGA, uint16(Gain6144mV), func(d *Driver) error { return d.SetGain(ctx, Gain6144mV) }},
		{"SetRate", fieldRate, uint16(Rate860SPS), func(d *Driver) error { return d.SetRate(ctx, Rate860SPS) }},
		{"SetRate", fieldRate, uint16(Rate8SPS), func(d *Driver) error { return d.SetRate(ctx, Rate8SPS) }},
		{"SetMode", fieldMode, uint16(ModeContinuous), func(d *Driver) error { return d.SetMode(ctx, ModeContinuous) }},
		{"SetMode", fieldMode, uint16(ModeSingleShot), func(d *Driver) error { return d.SetMode(ctx, ModeSingleShot) }},
	}
	for _, original := range []uint16{0xA5A5, 0x5A5A, 0xFFFF, 0x8000} {
		for _, test := range tests {
			d, ft := newInitializedDriver(t, ModeSingleShot)
			ft.config = original
			if err := test.apply(d); err != nil {
				t.Fatalf("%s failed: %v", test.name, err)
			}
			if diff := (ft.config ^ original) &^ test.f.mask(); diff != 0 {
				t.Errorf("%s on 0x%04x changed bits outside field: got 0x%04x", test.name, original, ft.config)
			}
			if test.f.get(ft.config) != test.value {
				t.Errorf("%s on 0x%04x: expected field value %d, got %d", test.name, original, test.value, test.f.get(ft.config))
			}
		}
	}
}

func TestSettersUpdateLocalState(t *testing.T) {
	ctx := context.Background()
	d, _ := newInitializedDriver(t, ModeSingleShot)
	if err := d.SetGain(ctx, Gain512mV); err != nil {
		t.Fatal(err)
	}
	if err := d.SetRate(ctx, Rate475SPS); err != nil {
		t.Fatal(err)
	}
	if err := d.SetMode(ctx, ModeContinuous); err != nil {
		t.Fatal(err)
	}
	cfg := d.Config()
	if cfg.Gain != Gain512mV || cfg.Rate != Rate475SPS || cfg.Mode != ModeContinuous {
		t.Errorf("unexpected state %+v", cfg)
	}
}

func TestSettersRejectInvalidValues(t *testing.T) {
	ctx := context.Background()
	d, ft := newInitializedDriver(t, ModeSingleShot)
	writes := ft.writes
	if err := d.SetGain(ctx, Gain(6)); !IsInvalidArgument(err) {
		t.Errorf("expected InvalidArgumentError, got %v", err)
	}
	if err := d.SetRate(ctx, Rate(8)); !IsInvalidArgument(err) {
		t.Errorf("expected InvalidArgumentError, got %v", err)
	}
	if err := d.SetMode(ctx, Mode(2)); !IsInvalidArgument(err) {
		t.Errorf("expected InvalidArgumentError, got %v", err)
	}
	if ft.writes != writes {
		t.Errorf("invalid values must not be written")
	}
}

func TestSetterWriteFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	d, ft := newInitializedDriver(t, ModeSingleShot)
	ft.failWrite = true
	if err := d.SetGain(ctx, Gain256mV); err != errBus {
		t.Errorf("expected transport error, got %v", err)
	}
	if err := d.SetRate(ctx, Rate8SPS); err != errBus {
		t.Errorf("expected transport error, got %v", err)
	}
	if err := d.SetMode(ctx, ModeContinuous); err != errBus {
		t.Errorf("expected transport error, got %v", err)
	}
	cfg := d.Config()
	if cfg.Gain != Gain2048mV || cfg.Rate != Rate128SPS || cfg.Mode != ModeSingleShot {
		t.Errorf("state changed after failed writes: %+v", cfg)
	}
}

func TestSetGainReloadsCalibration(t *testing.T) {
	ctx := context.Background()
	d, ft := newTestDriver(t)
	ft.setCalibration(Gain2048mV, NewCalibrationRecord(100, 50))
	ft.setCalibration(Gain1024mV, NewCalibrationRecord(99, 100))
	if err := d.Initialize(ctx, ModeSingleShot); err != nil {
		t.Fatal(err)
	}
	if f := d.Config().CalibrationFactor; f != 2.0 {
		t.Errorf("expected factor 2.0, got %v", f)
	}
	if err := d.SetGain(ctx, Gain1024mV); err != nil {
		t.Fatal(err)
	}
	if f := d.Config().CalibrationFactor; math.Abs(f-0.99) > 1e-9 {
		t.Errorf("expected factor 0.99, got %v", f)
	}
	// No valid record for this gain
	ft.failBlock = true
	if err := d.SetGain(ctx, Gain512mV); err != nil {
		t.Fatalf("calibration failure must be tolerated, got %v", err)
	}
	cfg := d.Config()
	if cfg.CalibrationFactor != 1.0 || cfg.CalibrationLoaded {
		t.Errorf("expected neutral calibration, got %+v", cfg)
	}
}

func TestProbe(t *testing.T) {
	d, ft := newTestDriver(t)
	if p := d.Probe(context.Background()); !p.ADC || !p.EEPROM {
		t.Errorf("expected both devices present, got %+v", p)
	}
	ft.missing = map[uint8]bool{DefaultEEPROMAddress: true}
	if p := d.Probe(context.Background()); !p.ADC || p.EEPROM {
		t.Errorf("expected missing EEPROM, got %+v", p)
	}
}

func TestIsConverting(t *testing.T) {
	ctx := context.Background()
	d, ft := newInitializedDriver(t, ModeSingleShot)
	ft.config = 0x0583
	if !d.IsConverting(ctx) {
		t.Error("expected converting when bit 15 is clear")
	}
	ft.config = 0x8583
	if d.IsConverting(ctx) {
		t.Error("expected idle when bit 15 is set")
	}
	ft.config = 0x0583
	ft.failRead = true
	if d.IsConverting(ctx) {
		t.Error("expected not converting on transport error")
	}
}

func TestStartConversion(t *testing.T) {
	ctx := context.Background()
	d, ft := newInitializedDriver(t, ModeSingleShot)
	ft.config = 0x0583
	if err := d.StartConversion(ctx); err != nil {
		t.Fatalf("StartConversion failed: %v", err)
	}
	if ft.config != 0x8583 {
		t.Errorf("expected start bit set, got 0x%04x", ft.config)
	}
}

func TestStartConversionInContinuousMode(t *testing.T) {
	d, ft := newInitializedDriver(t, ModeContinuous)
	writes := ft.writes
	if err := d.StartConversion(context.Background()); !IsInvalidState(err) {
		t.Errorf("expected InvalidStateError, got %v", err)
	}
	if ft.writes != writes {
		t.Error("expected no write")
	}
}

func TestRawReadingSingleShot(t *testing.T) {
	ctx := context.Background()
	d, ft := newInitializedDriver(t, ModeSingleShot)
	ft.conversion = 0xFF38 // -200

	ft.config = 0x0583
	for i := 0; i < 3; i++ {
		if _, err := d.RawReading(ctx); !IsNotFinished(err) {
			t.Fatalf("expected NotFinishedError, got %v", err)
		}
		if _, err := d.VoltageReading(ctx); !IsNotFinished(err) {
			t.Fatalf("expected NotFinishedError from VoltageReading, got %v", err)
		}
	}
	ft.config = 0x8583
	raw, err := d.RawReading(ctx)
	if err != nil {
		t.Fatalf("RawReading failed: %v", err)
	}
	if raw != -200 {
		t.Errorf("expected -200, got %d", raw)
	}
}

func TestRawReadingContinuousIgnoresBusyBit(t *testing.T) {
	d, ft := newInitializedDriver(t, ModeContinuous)
	ft.config = 0x0483
	ft.conversion = 0x7FFF
	raw, err := d.RawReading(context.Background())
	if err != nil {
		t.Fatalf("RawReading failed: %v", err)
	}
	if raw != math.MaxInt16 {
		t.Errorf("expected %d, got %d", math.MaxInt16, raw)
	}
}

func TestRawReadingTransportError(t *testing.T) {
	d, ft := newInitializedDriver(t, ModeContinuous)
	ft.failRead = true
	if _, err := d.RawReading(context.Background()); err != errBus {
		t.Errorf("expected transport error, got %v", err)
	}
}

func TestMeasurePollsUntilReady(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, ft := newInitializedDriver(t, ModeSingleShot)
	ft.conversion = 1000
	ft.busyReads = 4
	r, err := d.Measure(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("Measure failed: %v", err)
	}
	if r.Raw != 1000 {
		t.Errorf("expected raw 1000, got %d", r.Raw)
	}
	if ft.busyReads != 0 {
		t.Errorf("expected all busy reads consumed, %d left", ft.busyReads)
	}
}

func TestMeasureCanceled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*20)
	defer cancel()
	d, ft := newInitializedDriver(t, ModeSingleShot)
	ft.busyReads = math.MaxInt32
	if _, err := d.Measure(ctx, time.Millisecond); err != context.DeadlineExceeded {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestConcurrentSettersDoNotInterleave(t *testing.T) {
	ctx := context.Background()
	d, ft := newInitializedDriver(t, ModeSingleShot)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			d.SetGain(ctx, Gain256mV)
		}()
		go func() {
			defer wg.Done()
			d.SetRate(ctx, Rate860SPS)
		}()
	}
	wg.Wait()
	if fieldPGA.get(ft.config) != uint16(Gain256mV) {
		t.Errorf("gain lost: 0x%04x", ft.config)
	}
	if fieldRate.get(ft.config) != uint16(Rate860SPS) {
		t.Errorf("rate lost: 0x%04x", ft.config)
	}
}
