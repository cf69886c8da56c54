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
	"time"

	"github.com/pkg/errors"
)

// Reading is a single measurement.
type Reading struct {
	Raw               int16     `json:"raw"`
	Millivolts        float64   `json:"millivolts"`
	Gain              Gain      `json:"gain"`
	CalibrationFactor float64   `json:"calibration_factor"`
	Timestamp         time.Time `json:"timestamp"`
}

// RawReading returns the content of the conversion register.
// In single-shot mode a NotFinishedError is returned while a conversion
// is in progress.
func (d *Driver) RawReading(ctx context.Context) (int16, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.initialized {
		return 0, errors.Wrap(InvalidStateError, "not initialized")
	}
	return d.rawReading(ctx)
}

// VoltageReading returns the calibrated voltage in mV.
func (d *Driver) VoltageReading(ctx context.Context) (float64, error) {
	r, err := d.Read(ctx)
	if err != nil {
		return 0, err
	}
	return r.Millivolts, nil
}

// Read returns the raw value and calibrated voltage, together with the
// settings used to compute it.
func (d *Driver) Read(ctx context.Context) (Reading, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.initialized {
		return Reading{}, errors.Wrap(InvalidStateError, "not initialized")
	}
	raw, err := d.rawReading(ctx)
	if err != nil {
		return Reading{}, err
	}
	return Reading{
		Raw:               raw,
		Millivolts:        toMillivolts(d.gain, d.calibrationFactor, raw),
		Gain:              d.gain,
		CalibrationFactor: d.calibrationFactor,
		Timestamp:         time.Now(),
	}, nil
}

// Measure performs a complete measurement.
// In single-shot mode a conversion is started and the device is polled
// every pollInterval until it is ready or the context is canceled.
func (d *Driver) Measure(ctx context.Context, pollInterval time.Duration) (Reading, error) {
	if d.Config().Mode == ModeSingleShot {
		if err := d.StartConversion(ctx); err != nil {
			return Reading{}, err
		}
	}
	for {
		r, err := d.Read(ctx)
		if err == nil {
			return r, nil
		} else if !IsNotFinished(err) {
			return Reading{}, err
		}
		select {
		case <-ctx.Done():
			// Context canceled
			return Reading{}, ctx.Err()
		case <-time.After(pollInterval):
			// Try again
		}
	}
}

// rawReading reads the conversion register. The caller must hold the mutex.
func (d *Driver) rawReading(ctx context.Context) (int16, error) {
	if d.mode == ModeSingleShot && d.isConverting(ctx) {
		notFinishedTotal.Inc()
		return 0, maskAny(NotFinishedError)
	}
	value, err := d.readWordReg(ctx, regConversion)
	if err != nil {
		return 0, err
	}
	conversionReadsTotal.Inc()
	return int16(value), nil
}

// toMillivolts converts a raw ADC value into a calibrated voltage.
func toMillivolts(gain Gain, calibrationFactor float64, raw int16) float64 {
	return gain.NormalizedResolution() * calibrationFactor * float64(raw) * measuringDirection
}
