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
	"time"
)

// API of the bridge, the hardware used to connect the host to the
// I2C bus the VMeter unit is attached to.
type API interface {
	// Turn activity led on/off
	SetActivityLED(on bool) error
	// Blink activity led with given duration between on/off
	BlinkActivityLED(delay time.Duration) error

	// Open the I2C bus
	I2CBus() (I2CBus, error)

	Close() error
}

// I2CBus gives serialized access to the devices on an I2C bus.
type I2CBus interface {
	// Execute an option on the bus.
	Execute(ctx context.Context, address uint8, op func(ctx context.Context, dev I2CDevice) error) error
	// Close the bus and all devices on it
	Close() error
}

// I2CDevice communicates with a device on the I2C Bus that has a specific address.
type I2CDevice interface {
	// Probe checks that the device acknowledges its address.
	Probe() error
	// Read a block of data directly from the device (/dev/...)
	ReadDevice(data []byte) (err error)
	// Write a block of data directly to the device (/dev/...)
	WriteDevice(data []byte) (err error)
}
