// Copyright 2020 Ewout Prangsma
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

package bridge

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// From  /usr/include/linux/i2c-dev.h:
	// ioctl signals
	I2C_SLAVE = 0x0703
	I2C_FUNCS = 0x0705
	I2C_SMBUS = 0x0720
	// Read/write markers
	I2C_SMBUS_WRITE = 0

	// From  /usr/include/linux/i2c.h:
	// Adapter functionality
	I2C_FUNC_I2C         = 0x00000001
	I2C_FUNC_SMBUS_QUICK = 0x00010000

	// Transaction types
	I2C_SMBUS_QUICK = 0
)

type i2cSmbusIoctlData struct {
	readWrite byte
	command   byte
	size      uint32
	data      uintptr
}

type i2cDevice struct {
	address uint8
	mutex   sync.Mutex
	file    *os.File
	funcs   uint64 // adapter functionality mask
}

// newI2CDevice returns accessors the the I2C address at the given location & address.
func newI2CDevice(location string, address uint8) (*i2cDevice, error) {
	d := &i2cDevice{
		address: address,
	}

	var err error
	if d.file, err = os.OpenFile(location, os.O_RDWR, os.ModeDevice); err != nil {
		return nil, err
	}
	if err := d.queryFunctionality(); err != nil {
		d.closeFile()
		return nil, err
	}
	if d.funcs&I2C_FUNC_I2C == 0 {
		d.closeFile()
		return nil, fmt.Errorf("adapter at %s does not support plain I2C transfers", location)
	}
	if err := d.setAddress(address); err != nil {
		d.closeFile()
		return nil, err
	}

	return d, nil
}

func (d *i2cDevice) queryFunctionality() error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, d.file.Fd(), I2C_FUNCS, uintptr(unsafe.Pointer(&d.funcs))); errno != 0 {
		return fmt.Errorf("Querying functionality failed with syscall.Errno %v", errno)
	}
	return nil
}

func (d *i2cDevice) setAddress(address byte) error {
	if err := unix.IoctlSetInt(int(d.file.Fd()), I2C_SLAVE, int(address)); err != nil {
		return fmt.Errorf("Setting address (0x%0x) failed: %w", address, err)
	}
	return nil
}

func (d *i2cDevice) closeFile() (err error) {
	if err := d.file.Close(); err != nil {
		return err
	}
	return nil
}

// Probe checks that the device acknowledges its address.
func (d *i2cDevice) Probe() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.quick(); err != nil {
		return errors.Wrapf(err, "quick[0x%0x] failed", d.address)
	}
	return nil
}

// Read a block of data directly from the device (/dev/...)
func (d *i2cDevice) ReadDevice(data []byte) (err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	n, err := d.file.Read(data)
	if err != nil {
		return errors.Wrapf(err, "read[0x%0x] failed", d.address)
	}
	if n != len(data) {
		return fmt.Errorf("expected to read %d bytes, actual read bytes is %d", len(data), n)
	}
	return nil
}

// Write a block of data directly to the device (/dev/...)
func (d *i2cDevice) WriteDevice(data []byte) (err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	n, err := d.file.Write(data)
	if err != nil {
		return errors.Wrapf(err, "write[0x%0x] failed", d.address)
	}
	if n != len(data) {
		return fmt.Errorf("expected to write %d bytes, actual written bytes is %d", len(data), n)
	}
	return nil
}

func (d *i2cDevice) quick() (err error) {
	if d.funcs&I2C_FUNC_SMBUS_QUICK == 0 {
		return fmt.Errorf("SMBus quick not supported")
	}
	return d.smbusAccess(I2C_SMBUS_WRITE, 0, I2C_SMBUS_QUICK, uintptr(0))
}

func (d *i2cDevice) smbusAccess(readWrite byte, command byte, size uint32, data uintptr) error {
	smbus := &i2cSmbusIoctlData{
		readWrite: readWrite,
		command:   command,
		size:      size,
		data:      data,
	}

	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		d.file.Fd(),
		I2C_SMBUS,
		uintptr(unsafe.Pointer(smbus)),
	)

	if errno != 0 {
		return fmt.Errorf("Failed with syscall.Errno %v", errno)
	}

	return nil
}
