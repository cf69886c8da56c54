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

// Package vmeter drives the ADS1115 of a VMeter unit and applies the
// per-gain calibration stored in its EEPROM.
package vmeter

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Config of a Driver.
type Config struct {
	// I2C address of the ADS1115
	ADCAddress uint8
	// I2C address of the calibration EEPROM
	EEPROMAddress uint8
	// OnActive is called every time the device is written to (optional)
	OnActive func()
}

// DeviceConfig is a snapshot of the local state of a Driver.
type DeviceConfig struct {
	Gain              Gain              `json:"gain"`
	Rate              Rate              `json:"rate"`
	Mode              Mode              `json:"mode"`
	CalibrationFactor float64           `json:"calibration_factor"`
	CalibrationLoaded bool              `json:"calibration_loaded"`
	CalibrationStatus CalibrationStatus `json:"calibration_status"`
	Initialized       bool              `json:"initialized"`
}

// DevicePresence reports which devices of the unit acknowledge their address.
type DevicePresence struct {
	ADC    bool `json:"adc"`
	EEPROM bool `json:"eeprom"`
}

// Driver of a single VMeter unit.
// All operations are serialized, so read-modify-write sequences on the
// config register never interleave.
type Driver struct {
	mutex         sync.Mutex
	log           zerolog.Logger
	transport     Transport
	adcAddress    uint8
	eepromAddress uint8
	onActive      func()

	gain              Gain
	rate              Rate
	mode              Mode
	calibrationFactor float64
	calibrationLoaded bool
	calibrationStatus CalibrationStatus
	initialized       bool
}

// NewDriver creates a driver with default settings
// (+/-2.048V, 128SPS, single-shot). The device is not touched until
// Initialize is called.
func NewDriver(cfg Config, transport Transport, log zerolog.Logger) *Driver {
	if cfg.ADCAddress == 0 {
		cfg.ADCAddress = DefaultADCAddress
	}
	if cfg.EEPROMAddress == 0 {
		cfg.EEPROMAddress = DefaultEEPROMAddress
	}
	onActive := cfg.OnActive
	if onActive == nil {
		onActive = func() {}
	}
	return &Driver{
		log:               log.With().Str("component", "vmeter").Logger(),
		transport:         transport,
		adcAddress:        cfg.ADCAddress,
		eepromAddress:     cfg.EEPROMAddress,
		onActive:          onActive,
		gain:              Gain2048mV,
		rate:              Rate128SPS,
		mode:              ModeSingleShot,
		calibrationFactor: 1.0,
	}
}

// Config returns a snapshot of the current local state.
func (d *Driver) Config() DeviceConfig {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return DeviceConfig{
		Gain:              d.gain,
		Rate:              d.rate,
		Mode:              d.mode,
		CalibrationFactor: d.calibrationFactor,
		CalibrationLoaded: d.calibrationLoaded,
		CalibrationStatus: d.calibrationStatus,
		Initialized:       d.initialized,
	}
}

// Initialize writes the full config register and loads the calibration
// for the current gain. Calling it again after success is a no-op.
// A calibration failure is not fatal.
func (d *Driver) Initialize(ctx context.Context, mode Mode) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.initialized {
		return nil
	}
	if !mode.Valid() {
		return errors.Wrapf(InvalidArgumentError, "mode %d", mode)
	}

	word := buildConfigWord(d.gain, mode, d.rate)
	if err := d.writeConfig(ctx, "initialize", word); err != nil {
		d.log.Error().Err(err).Msg("Failed to configure ADS1115")
		return err
	}
	d.mode = mode
	d.initialized = true

	if err := d.loadCalibrationForGain(ctx, d.gain); err != nil {
		d.log.Warn().Err(err).Msg("Using default calibration")
	}
	d.log.Info().
		Str("gain", d.gain.String()).
		Str("rate", d.rate.String()).
		Str("mode", d.mode.String()).
		Msg("VMeter initialized")
	return nil
}

// SetGain changes the PGA gain and reloads the calibration for it.
func (d *Driver) SetGain(ctx context.Context, gain Gain) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.initialized {
		return errors.Wrap(InvalidStateError, "not initialized")
	}
	if !gain.Valid() {
		return errors.Wrapf(InvalidArgumentError, "gain %d", gain)
	}
	if err := d.updateConfig(ctx, "set_gain", fieldPGA, uint16(gain)); err != nil {
		return err
	}
	d.gain = gain

	// Calibration is gain specific
	d.calibrationFactor = 1.0
	d.calibrationLoaded = false
	if err := d.loadCalibrationForGain(ctx, gain); err != nil {
		d.log.Warn().Err(err).Str("gain", gain.String()).Msg("Using default calibration")
	}
	return nil
}

// SetRate changes the data rate.
func (d *Driver) SetRate(ctx context.Context, rate Rate) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.initialized {
		return errors.Wrap(InvalidStateError, "not initialized")
	}
	if !rate.Valid() {
		return errors.Wrapf(InvalidArgumentError, "rate %d", rate)
	}
	if err := d.updateConfig(ctx, "set_rate", fieldRate, uint16(rate)); err != nil {
		return err
	}
	d.rate = rate
	return nil
}

// SetMode changes the conversion mode.
func (d *Driver) SetMode(ctx context.Context, mode Mode) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.initialized {
		return errors.Wrap(InvalidStateError, "not initialized")
	}
	if !mode.Valid() {
		return errors.Wrapf(InvalidArgumentError, "mode %d", mode)
	}
	if err := d.updateConfig(ctx, "set_mode", fieldMode, uint16(mode)); err != nil {
		return err
	}
	d.mode = mode
	return nil
}

// Probe checks the presence of the ADC and the EEPROM on the bus.
// It does not require the driver to be initialized.
func (d *Driver) Probe(ctx context.Context) DevicePresence {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	probe := func(device string, address uint8) bool {
		if err := d.transport.Probe(ctx, address); err != nil {
			d.log.Warn().Err(err).Str("device", device).Uint8("address", address).Msg("Device not found")
			devicePresentGauge.WithLabelValues(device).Set(0)
			return false
		}
		devicePresentGauge.WithLabelValues(device).Set(1)
		return true
	}
	return DevicePresence{
		ADC:    probe("adc", d.adcAddress),
		EEPROM: probe("eeprom", d.eepromAddress),
	}
}

// IsConverting returns true while the device reports a conversion in
// progress. Errors are reported as "not converting", so this is only
// a hint.
func (d *Driver) IsConverting(ctx context.Context) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.initialized {
		return false
	}
	return d.isConverting(ctx)
}

// StartConversion triggers a single conversion.
// Only valid in single-shot mode.
func (d *Driver) StartConversion(ctx context.Context) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.initialized {
		return errors.Wrap(InvalidStateError, "not initialized")
	}
	if d.mode != ModeSingleShot {
		return errors.Wrap(InvalidStateError, "cannot start conversion in continuous mode")
	}
	return d.updateConfig(ctx, "start_conversion", fieldOS, 1)
}

// ReadConfigRegister returns the raw content of the config register.
func (d *Driver) ReadConfigRegister(ctx context.Context) (uint16, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.initialized {
		return 0, errors.Wrap(InvalidStateError, "not initialized")
	}
	return d.readWordReg(ctx, regConfig)
}

// isConverting checks the OS bit. The caller must hold the mutex.
func (d *Driver) isConverting(ctx context.Context) bool {
	word, err := d.readWordReg(ctx, regConfig)
	if err != nil {
		d.log.Debug().Err(err).Msg("Failed to read config for conversion status")
		return false
	}
	return fieldOS.get(word) == 0
}

// updateConfig replaces a single field of the config register,
// leaving all other bits as they are. The caller must hold the mutex.
func (d *Driver) updateConfig(ctx context.Context, op string, f field, value uint16) error {
	word, err := d.readWordReg(ctx, regConfig)
	if err != nil {
		return err
	}
	return d.writeConfig(ctx, op, f.set(word, value))
}

// write the config registry
func (d *Driver) writeConfig(ctx context.Context, op string, word uint16) error {
	d.onActive()
	if err := d.writeWordReg(ctx, regConfig, word); err != nil {
		return err
	}
	configWritesTotal.WithLabelValues(op).Inc()
	return nil
}

// read a 16-bit register
func (d *Driver) readWordReg(ctx context.Context, reg uint8) (uint16, error) {
	data, err := d.transport.ReadRegister(ctx, d.adcAddress, reg)
	if err != nil {
		return 0, err
	}
	// ADS115 transfers MSB first, then LSB
	return binary.BigEndian.Uint16(data[:]), nil
}

// write a 16-bit register value
func (d *Driver) writeWordReg(ctx context.Context, reg uint8, value uint16) error {
	var data [2]byte
	binary.BigEndian.PutUint16(data[:], value)
	return d.transport.WriteRegister(ctx, d.adcAddress, reg, data)
}
