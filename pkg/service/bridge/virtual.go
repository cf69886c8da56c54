//    Copyright 2017 Ewout Prangsma
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

package bridge

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	simConversionRegister = 0x00
	simConfigRegister     = 0x01
	simConfigOS           = 0x8000
	simConfigMode         = 0x0100
	// Power-on default of the ADS1115 config register
	simConfigDefault = 0x8583
	// Number of config reads that report busy after a single-shot start
	simDefaultBusyReads = 2
)

// SimulatedADC emulates the registers of an ADS1115.
type SimulatedADC struct {
	mutex      sync.Mutex
	pointer    uint8
	registers  [4]uint16
	busy       int
	busyReads  int
	source     func() int16
	conversion int16
}

// SimulatedEEPROM emulates a 256 byte EEPROM with an auto incrementing
// address pointer.
type SimulatedEEPROM struct {
	mutex   sync.Mutex
	pointer uint8
	data    [256]byte
}

type simDevice interface {
	write(data []byte) error
	read(data []byte) error
}

// VirtualBridge is a bridge with a simulated I2C bus.
type VirtualBridge struct {
	mutex   sync.Mutex
	devices map[uint8]simDevice
	closed  bool
}

// NewVirtualBridge implements a bridge with a simulated I2C bus.
// Devices are attached with AttachADC and AttachEEPROM.
func NewVirtualBridge() *VirtualBridge {
	return &VirtualBridge{
		devices: make(map[uint8]simDevice),
	}
}

// NewSimulatedADC creates an ADC in power-on state.
// The source is called for every completed conversion.
func NewSimulatedADC(source func() int16) *SimulatedADC {
	if source == nil {
		source = func() int16 { return 0 }
	}
	a := &SimulatedADC{
		busyReads: simDefaultBusyReads,
		source:    source,
	}
	a.registers[simConfigRegister] = simConfigDefault
	a.registers[2] = 0x8000
	a.registers[3] = 0x7FFF
	return a
}

// AttachADC puts the given ADC on the bus at the given address.
func (p *VirtualBridge) AttachADC(address uint8, adc *SimulatedADC) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.devices[address] = adc
}

// AttachEEPROM puts the given EEPROM on the bus at the given address.
func (p *VirtualBridge) AttachEEPROM(address uint8, eeprom *SimulatedEEPROM) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.devices[address] = eeprom
}

// Turn activity led on/off
func (p *VirtualBridge) SetActivityLED(on bool) error {
	return nil
}

// Blink activity led with given duration between on/off
func (p *VirtualBridge) BlinkActivityLED(delay time.Duration) error {
	return nil
}

// Open the I2C bus
func (p *VirtualBridge) I2CBus() (I2CBus, error) {
	return p, nil
}

func (p *VirtualBridge) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.closed = true
	return nil
}

// Execute an option on the bus.
func (p *VirtualBridge) Execute(ctx context.Context, address uint8, op func(ctx context.Context, dev I2CDevice) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return fmt.Errorf("bus closed")
	}
	dev, found := p.devices[address]
	if !found {
		return fmt.Errorf("device %0x not found", address)
	}
	simulatedTransactionsTotal.WithLabelValues(strconv.Itoa(int(address))).Inc()
	return op(ctx, &simHandle{dev: dev})
}

type simHandle struct {
	dev simDevice
}

func (h *simHandle) Probe() error { return nil }
func (h *simHandle) ReadDevice(data []byte) error { return h.dev.read(data) }
func (h *simHandle) WriteDevice(data []byte) error { return h.dev.write(data) }

// SetBusyReads sets the number of config reads that report a conversion
// in progress after a single-shot start.
func (a *SimulatedADC) SetBusyReads(n int) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.busyReads = n
}

// Register returns the current content of the given register.
func (a *SimulatedADC) Register(reg uint8) uint16 {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.registers[reg&0x03]
}

func (a *SimulatedADC) write(data []byte) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	switch len(data) {
	case 1:
		a.pointer = data[0] & 0x03
	case 3:
		a.pointer = data[0] & 0x03
		value := binary.BigEndian.Uint16(data[1:])
		switch a.pointer {
		case simConversionRegister:
			return fmt.Errorf("conversion register is read-only")
		case simConfigRegister:
			a.registers[simConfigRegister] = value &^ simConfigOS
			if value&simConfigMode == 0 {
				// Continuous mode
				a.busy = 0
			} else if value&simConfigOS != 0 {
				// Start a single conversion
				a.busy = a.busyReads
				if a.busy == 0 {
					a.convert()
				}
			}
		default:
			a.registers[a.pointer] = value
		}
	default:
		return fmt.Errorf("unexpected write of %d bytes", len(data))
	}
	return nil
}

func (a *SimulatedADC) read(data []byte) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if len(data) != 2 {
		return fmt.Errorf("unexpected read of %d bytes", len(data))
	}
	var value uint16
	switch a.pointer {
	case simConversionRegister:
		if a.registers[simConfigRegister]&simConfigMode == 0 {
			a.convert()
		}
		value = uint16(a.conversion)
	case simConfigRegister:
		value = a.registers[simConfigRegister]
		if a.busy > 0 {
			a.busy--
			if a.busy == 0 {
				a.convert()
			}
		} else {
			value |= simConfigOS
		}
	default:
		value = a.registers[a.pointer]
	}
	binary.BigEndian.PutUint16(data, value)
	return nil
}

// convert stores a new conversion result. The caller must hold the mutex.
func (a *SimulatedADC) convert() {
	a.conversion = a.source()
}

// NewSimulatedEEPROM creates an EEPROM filled with 0xFF.
func NewSimulatedEEPROM() *SimulatedEEPROM {
	e := &SimulatedEEPROM{}
	for i := range e.data {
		e.data[i] = 0xFF
	}
	return e
}

// Store writes the given data at the given offset.
func (e *SimulatedEEPROM) Store(offset uint8, data []byte) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for i, b := range data {
		e.data[(int(offset)+i)%len(e.data)] = b
	}
}

func (e *SimulatedEEPROM) write(data []byte) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if len(data) == 0 {
		return fmt.Errorf("empty write")
	}
	e.pointer = data[0]
	for _, b := range data[1:] {
		e.data[e.pointer] = b
		e.pointer++
	}
	return nil
}

func (e *SimulatedEEPROM) read(data []byte) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	for i := range data {
		data[i] = e.data[e.pointer]
		e.pointer++
	}
	return nil
}
