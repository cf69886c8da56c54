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
	"strings"

	"github.com/pkg/errors"
)

const (
	// CalibrationRecordSize is the size in bytes of a calibration record in EEPROM.
	CalibrationRecordSize = 8
	// Number of leading bytes covered by the checksum
	calibrationChecksumLength = 5
)

// CalibrationRecord is a raw calibration record as stored in EEPROM.
//
//	byte 0:    reserved
//	byte 1-2:  hope (expected value), big endian int16
//	byte 3-4:  actual (measured value), big endian int16
//	byte 5:    XOR of byte 0-4
//	byte 6-7:  unused
type CalibrationRecord [CalibrationRecordSize]byte

// NewCalibrationRecord builds a record with a valid checksum.
func NewCalibrationRecord(hope, actual int16) CalibrationRecord {
	var r CalibrationRecord
	binary.BigEndian.PutUint16(r[1:3], uint16(hope))
	binary.BigEndian.PutUint16(r[3:5], uint16(actual))
	r[5] = r.Checksum()
	return r
}

// Checksum returns the XOR of the checksummed bytes.
func (r CalibrationRecord) Checksum() byte {
	var sum byte
	for _, b := range r[:calibrationChecksumLength] {
		sum ^= b
	}
	return sum
}

// Valid returns true when the stored checksum matches.
func (r CalibrationRecord) Valid() bool {
	return r.Checksum() == r[5]
}

// Hope returns the expected reference value.
func (r CalibrationRecord) Hope() int16 {
	return int16(binary.BigEndian.Uint16(r[1:3]))
}

// Actual returns the measured value.
func (r CalibrationRecord) Actual() int16 {
	return int16(binary.BigEndian.Uint16(r[3:5]))
}

// Factor returns hope/actual.
// Returns false when actual is zero.
func (r CalibrationRecord) Factor() (float64, bool) {
	actual := r.Actual()
	if actual == 0 {
		return 1.0, false
	}
	return float64(r.Hope()) / float64(actual), true
}

// CalibrationStatus is the outcome of the last calibration load.
type CalibrationStatus uint8

const (
	CalibrationUnknown CalibrationStatus = iota
	CalibrationLoaded
	CalibrationReadFailed
	CalibrationChecksumMismatch
	CalibrationInvalidActual
)

func (s CalibrationStatus) String() string {
	switch s {
	case CalibrationLoaded:
		return "loaded"
	case CalibrationReadFailed:
		return "read-failed"
	case CalibrationChecksumMismatch:
		return "checksum-mismatch"
	case CalibrationInvalidActual:
		return "invalid-actual"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s CalibrationStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *CalibrationStatus) UnmarshalText(data []byte) error {
	v, err := ParseCalibrationStatus(string(data))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseCalibrationStatus parses the name of a calibration status.
func ParseCalibrationStatus(s string) (CalibrationStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unknown":
		return CalibrationUnknown, nil
	case "loaded":
		return CalibrationLoaded, nil
	case "read-failed":
		return CalibrationReadFailed, nil
	case "checksum-mismatch":
		return CalibrationChecksumMismatch, nil
	case "invalid-actual":
		return CalibrationInvalidActual, nil
	}
	return 0, errors.Wrapf(InvalidArgumentError, "unknown calibration status '%s'", s)
}

// LoadCalibration (re)loads the calibration record for the current gain.
func (d *Driver) LoadCalibration(ctx context.Context) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.initialized {
		return errors.Wrap(InvalidStateError, "not initialized")
	}
	return d.loadCalibrationForGain(ctx, d.gain)
}

// CalibrationStatus returns the outcome of the last calibration load.
func (d *Driver) CalibrationStatus() CalibrationStatus {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.calibrationStatus
}

// loadCalibrationForGain reads and applies the calibration record of the
// given gain. The caller must hold the mutex.
func (d *Driver) loadCalibrationForGain(ctx context.Context, gain Gain) error {
	log := d.log.With().Str("gain", gain.String()).Logger()
	data, err := d.transport.ReadBlock(ctx, d.eepromAddress, gain.CalibrationAddress(), CalibrationRecordSize)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read calibration from EEPROM")
		d.calibrationStatus = CalibrationReadFailed
		calibrationLoadsTotal.WithLabelValues(CalibrationReadFailed.String()).Inc()
		calibrationFactorGauge.Set(d.calibrationFactor)
		return err
	}
	var record CalibrationRecord
	if len(data) != len(record) {
		d.resetCalibration(CalibrationReadFailed)
		log.Warn().Int("length", len(data)).Msg("Short calibration record")
		return errors.Wrapf(DataIntegrityError, "expected %d bytes, got %d", len(record), len(data))
	}
	copy(record[:], data)

	if !record.Valid() {
		d.resetCalibration(CalibrationChecksumMismatch)
		log.Warn().
			Uint8("expected", record[5]).
			Uint8("actual", record.Checksum()).
			Msg("Calibration checksum mismatch")
		return errors.Wrapf(DataIntegrityError, "gain %s", gain)
	}

	factor, ok := record.Factor()
	if !ok {
		d.resetCalibration(CalibrationInvalidActual)
		log.Warn().Int16("hope", record.Hope()).Msg("Invalid calibration data (actual=0)")
		return nil
	}
	d.calibrationFactor = factor
	d.calibrationLoaded = true
	d.calibrationStatus = CalibrationLoaded
	calibrationLoadsTotal.WithLabelValues(CalibrationLoaded.String()).Inc()
	calibrationFactorGauge.Set(factor)
	log.Info().
		Int16("hope", record.Hope()).
		Int16("actual", record.Actual()).
		Float64("factor", factor).
		Msg("Loaded calibration")
	return nil
}

// resetCalibration falls back to a neutral calibration factor.
func (d *Driver) resetCalibration(status CalibrationStatus) {
	d.calibrationFactor = 1.0
	d.calibrationLoaded = false
	d.calibrationStatus = status
	calibrationLoadsTotal.WithLabelValues(status.String()).Inc()
	calibrationFactorGauge.Set(1.0)
}
