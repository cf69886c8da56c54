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

const (
	// DefaultADCAddress is the I2C address of the ADS1115 on the VMeter unit.
	DefaultADCAddress = 0x49
	// DefaultEEPROMAddress is the I2C address of the calibration EEPROM.
	DefaultEEPROMAddress = 0x53
)

const (
	// Registry addresses
	regConversion = 0x00
	regConfig     = 0x01
)

// field is a bit field inside the 16-bit config register.
type field struct {
	offset uint
	width  uint
}

// Config register layout
var (
	fieldOS       = field{offset: 15, width: 1} // Write: start single conversion. Read: 0 = busy, 1 = idle
	fieldMux      = field{offset: 12, width: 3}
	fieldPGA      = field{offset: 9, width: 3}
	fieldMode     = field{offset: 8, width: 1}
	fieldRate     = field{offset: 5, width: 3}
	fieldCompMode = field{offset: 4, width: 1}
	fieldCompPol  = field{offset: 3, width: 1}
	fieldCompLat  = field{offset: 2, width: 1}
	fieldCompQue  = field{offset: 0, width: 2}
)

const (
	muxDiff01         = 0x00 // Differential P = AIN0, N = AIN1 (default)
	compModeTrad      = 0x00 // Traditional comparator with hysteresis
	compPolActiveLow  = 0x00 // ALERT/RDY pin is low when active
	compLatNonLatch   = 0x00 // Non-latching comparator
	compQueueDisabled = 0x03 // Disable the comparator and put ALERT/RDY in high state
)

// mask returns the bits covered by the field, in register position.
func (f field) mask() uint16 {
	return uint16((1<<f.width)-1) << f.offset
}

// get extracts the field value from the given register word.
func (f field) get(word uint16) uint16 {
	return (word & f.mask()) >> f.offset
}

// set returns the register word with the field replaced by the given value.
// Bits outside the field are left untouched.
func (f field) set(word uint16, value uint16) uint16 {
	return (word &^ f.mask()) | ((value << f.offset) & f.mask())
}

// buildConfigWord assembles a complete config register word used
// at initialization.
func buildConfigWord(gain Gain, mode Mode, rate Rate) uint16 {
	var word uint16
	word = fieldOS.set(word, 1)
	word = fieldMux.set(word, muxDiff01)
	word = fieldPGA.set(word, uint16(gain))
	word = fieldMode.set(word, uint16(mode))
	word = fieldRate.set(word, uint16(rate))
	word = fieldCompMode.set(word, compModeTrad)
	word = fieldCompPol.set(word, compPolActiveLow)
	word = fieldCompLat.set(word, compLatNonLatch)
	word = fieldCompQue.set(word, compQueueDisabled)
	return word
}
