//    Copyright 2018 Ewout Prangsma
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

package environment

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// AutoDetectBridgeType detects the default bridge type based on the environment.
// A Raspberry Pi style ARM board with the given I2C bus device uses the
// rpi bridge, anything else the simulated bus.
func AutoDetectBridgeType(log zerolog.Logger, i2cLocation string) string {
	var name unix.Utsname
	if err := unix.Uname(&name); err != nil {
		log.Debug().Err(err).Msg("Uname failed")
		return "sim"
	}
	machine := strings.TrimRight(string(name.Machine[:]), "\x00")
	if !isARM(machine) {
		log.Debug().Str("machine", machine).Msg("Not an ARM board")
		return "sim"
	}
	if _, err := os.Stat(i2cLocation); err != nil {
		log.Debug().Err(err).Str("location", i2cLocation).Msg("I2C bus not found")
		return "sim"
	}
	return "rpi"
}

// isARM returns true if the given machine name is an ARM architecture.
func isARM(machine string) bool {
	return strings.HasPrefix(machine, "arm") || strings.HasPrefix(machine, "aarch64")
}
