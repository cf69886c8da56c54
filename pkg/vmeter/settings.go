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
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Gain selects the full scale range of the PGA.
type Gain uint8

const (
	Gain6144mV Gain = iota // +/-6.144V range
	Gain4096mV             // +/-4.096V range
	Gain2048mV             // +/-2.048V range (default)
	Gain1024mV             // +/-1.024V range
	Gain512mV              // +/-0.512V range
	Gain256mV              // +/-0.256V range
)

// Rate selects the number of samples per second.
type Rate uint8

const (
	Rate8SPS   Rate = iota // 8 samples per second
	Rate16SPS              // 16 samples per second
	Rate32SPS              // 32 samples per second
	Rate64SPS              // 64 samples per second
	Rate128SPS             // 128 samples per second (default)
	Rate250SPS             // 250 samples per second
	Rate475SPS             // 475 samples per second
	Rate860SPS             // 860 samples per second
)

// Mode is the conversion mode of the device.
type Mode uint8

const (
	ModeContinuous Mode = 0
	ModeSingleShot Mode = 1
)

const (
	// pressureCoefficient normalizes the ADS1115 resolution to the
	// voltage divider of the VMeter probe.
	pressureCoefficient = 0.015918958
	// measuringDirection is the polarity of the probe wiring.
	measuringDirection = -1
)

var (
	// mV per LSB, indexed by gain
	gainResolutions = [...]float64{
		0.187500, // +/-6.144V
		0.125000, // +/-4.096V
		0.062500, // +/-2.048V
		0.031250, // +/-1.024V
		0.015625, // +/-0.512V
		0.007813, // +/-0.256V
	}
	// EEPROM offsets of the calibration records, indexed by gain
	gainCalibrationAddresses = [...]uint8{
		208, // +/-6.144V
		216, // +/-4.096V
		224, // +/-2.048V
		232, // +/-1.024V
		240, // +/-0.512V
		248, // +/-0.256V
	}
	gainNames = [...]string{"6144mV", "4096mV", "2048mV", "1024mV", "512mV", "256mV"}
	rateSPS   = [...]int{8, 16, 32, 64, 128, 250, 475, 860}
)

// Valid returns true if the gain is a known PGA setting.
func (g Gain) Valid() bool {
	return int(g) < len(gainResolutions)
}

// Resolution returns the mV per LSB for this gain, before normalization.
// Returns 0 for an invalid gain.
func (g Gain) Resolution() float64 {
	if !g.Valid() {
		return 0
	}
	return gainResolutions[g]
}

// NormalizedResolution returns the mV per LSB for this gain, normalized
// by the probe coefficient.
func (g Gain) NormalizedResolution() float64 {
	return g.Resolution() / pressureCoefficient
}

// CalibrationAddress returns the EEPROM offset of the calibration record
// for this gain. Returns 0 for an invalid gain.
func (g Gain) CalibrationAddress() uint8 {
	if !g.Valid() {
		return 0
	}
	return gainCalibrationAddresses[g]
}

func (g Gain) String() string {
	if !g.Valid() {
		return fmt.Sprintf("Gain(%d)", uint8(g))
	}
	return gainNames[g]
}

// MarshalText implements encoding.TextMarshaler.
func (g Gain) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (g *Gain) UnmarshalText(data []byte) error {
	v, err := ParseGain(string(data))
	if err != nil {
		return err
	}
	*g = v
	return nil
}

// ParseGain parses a gain name such as "2048mV" (or "2048").
func ParseGain(s string) (Gain, error) {
	s = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "mv")
	for i, name := range gainNames {
		if strings.TrimSuffix(strings.ToLower(name), "mv") == s {
			return Gain(i), nil
		}
	}
	return 0, errors.Wrapf(InvalidArgumentError, "unknown gain '%s'", s)
}

// Valid returns true if the rate is a known data rate setting.
func (r Rate) Valid() bool {
	return int(r) < len(rateSPS)
}

// SamplesPerSecond returns the number of samples per second of this rate.
// Returns 0 for an invalid rate.
func (r Rate) SamplesPerSecond() int {
	if !r.Valid() {
		return 0
	}
	return rateSPS[r]
}

func (r Rate) String() string {
	if !r.Valid() {
		return fmt.Sprintf("Rate(%d)", uint8(r))
	}
	return fmt.Sprintf("%dSPS", rateSPS[r])
}

// MarshalText implements encoding.TextMarshaler.
func (r Rate) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Rate) UnmarshalText(data []byte) error {
	v, err := ParseRate(string(data))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// ParseRate parses a data rate such as "128" or "128SPS".
func ParseRate(s string) (Rate, error) {
	s = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "sps")
	for i, sps := range rateSPS {
		if fmt.Sprint(sps) == s {
			return Rate(i), nil
		}
	}
	return 0, errors.Wrapf(InvalidArgumentError, "unknown rate '%s'", s)
}

// Valid returns true if the mode is continuous or single-shot.
func (m Mode) Valid() bool {
	return m == ModeContinuous || m == ModeSingleShot
}

func (m Mode) String() string {
	switch m {
	case ModeContinuous:
		return "continuous"
	case ModeSingleShot:
		return "singleshot"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(data []byte) error {
	v, err := ParseMode(string(data))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMode parses "continuous" or "singleshot".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "continuous", "cont":
		return ModeContinuous, nil
	case "singleshot", "single-shot", "single":
		return ModeSingleShot, nil
	}
	return 0, errors.Wrapf(InvalidArgumentError, "unknown mode '%s'", s)
}
