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
	"fmt"

	"github.com/binkynet/VMeterWorker/pkg/service/bridge"
)

// Transport moves register contents between the driver and the devices
// on the bus.
type Transport interface {
	// ReadRegister reads a 16-bit register, MSB first.
	ReadRegister(ctx context.Context, address, reg uint8) ([2]byte, error)
	// WriteRegister writes a 16-bit register, MSB first.
	WriteRegister(ctx context.Context, address, reg uint8, data [2]byte) error
	// ReadBlock reads length bytes starting at the given offset.
	ReadBlock(ctx context.Context, address, offset uint8, length int) ([]byte, error)
	// Probe checks that a device acknowledges the given address.
	Probe(ctx context.Context, address uint8) error
}

type busTransport struct {
	bus bridge.I2CBus
}

// NewBusTransport creates a Transport on top of the given I2C bus.
func NewBusTransport(bus bridge.I2CBus) Transport {
	return &busTransport{bus: bus}
}

// ReadRegister reads a 16-bit register, MSB first.
func (t *busTransport) ReadRegister(ctx context.Context, address, reg uint8) ([2]byte, error) {
	var result [2]byte
	if err := t.bus.Execute(ctx, address, func(ctx context.Context, dev bridge.I2CDevice) error {
		// Send registry first
		if err := dev.WriteDevice([]byte{reg}); err != nil {
			return fmt.Errorf("failed to write registry: %w", err)
		}
		// Read msb-lsb
		if err := dev.ReadDevice(result[:]); err != nil {
			return fmt.Errorf("failed to read word: %w", err)
		}
		return nil
	}); err != nil {
		return result, err
	}
	return result, nil
}

// WriteRegister writes a 16-bit register, MSB first.
func (t *busTransport) WriteRegister(ctx context.Context, address, reg uint8, data [2]byte) error {
	buf := [3]byte{reg, data[0], data[1]}
	return t.bus.Execute(ctx, address, func(ctx context.Context, dev bridge.I2CDevice) error {
		return dev.WriteDevice(buf[:])
	})
}

// ReadBlock reads length bytes starting at the given offset.
func (t *busTransport) ReadBlock(ctx context.Context, address, offset uint8, length int) ([]byte, error) {
	result := make([]byte, length)
	if err := t.bus.Execute(ctx, address, func(ctx context.Context, dev bridge.I2CDevice) error {
		if err := dev.WriteDevice([]byte{offset}); err != nil {
			return fmt.Errorf("failed to write offset: %w", err)
		}
		if err := dev.ReadDevice(result); err != nil {
			return fmt.Errorf("failed to read block: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// Probe checks that a device acknowledges the given address.
func (t *busTransport) Probe(ctx context.Context, address uint8) error {
	return t.bus.Execute(ctx, address, func(ctx context.Context, dev bridge.I2CDevice) error {
		return dev.Probe()
	})
}
