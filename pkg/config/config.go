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

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/binkynet/VMeterWorker/pkg/vmeter"
)

const (
	// Prefix of environment variables
	envPrefix = "VMETER"

	DefaultHTTPPort = 7129
	DefaultSSHPort  = 7122

	// Bridge types
	BridgeAuto        = "auto"
	BridgeRaspberryPi = "rpi"
	BridgeSimulated   = "sim"
)

// Config of the VMeter worker.
type Config struct {
	LogLevel string
	LogFile  string

	Bridge         string
	I2CLocation    string
	SclPin         int
	ActivityLedPin int
	ADCAddress     uint8
	EEPROMAddress  uint8

	Gain           vmeter.Gain
	Rate           vmeter.Rate
	Mode           vmeter.Mode
	Interval       time.Duration
	PollInterval   time.Duration
	MeasureTimeout time.Duration

	Host           string
	HTTPPort       int
	SSHPort        int
	SSHHostKeyPath string

	MQTTBroker   string
	MQTTClientID string
	MQTTPrefix   string

	HistoryPath      string
	HistoryRetention time.Duration
}

// Flag names
const (
	flagConfig           = "config"
	flagLevel            = "level"
	flagLogFile          = "log-file"
	flagBridge           = "bridge"
	flagI2CLocation      = "i2c-location"
	flagSclPin           = "scl-pin"
	flagActivityLedPin   = "activity-led-pin"
	flagADCAddress       = "adc-address"
	flagEEPROMAddress    = "eeprom-address"
	flagGain             = "gain"
	flagRate             = "rate"
	flagMode             = "mode"
	flagInterval         = "interval"
	flagPollInterval     = "poll-interval"
	flagMeasureTimeout   = "measure-timeout"
	flagHost             = "host"
	flagPort             = "port"
	flagSSHPort          = "ssh-port"
	flagSSHHostKey       = "ssh-host-key"
	flagMQTTBroker       = "mqtt-broker"
	flagMQTTClientID     = "mqtt-client-id"
	flagMQTTPrefix       = "mqtt-prefix"
	flagHistoryPath      = "history-path"
	flagHistoryRetention = "history-retention"
)

// RegisterFlags adds all configuration flags to the given set.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(flagConfig, "", "Path of a YAML configuration file")
	fs.StringP(flagLevel, "l", "info", "Set log level")
	fs.String(flagLogFile, "", "Path of a rotating log file (empty means console only)")
	fs.StringP(flagBridge, "b", BridgeAuto, "Type of bridge to use (auto|rpi|sim)")
	fs.String(flagI2CLocation, "/dev/i2c-1", "Location of the I2C bus device")
	fs.Int(flagSclPin, -1, "GPIO pin of SCL used to recover a locked bus (-1 disables recovery)")
	fs.Int(flagActivityLedPin, -1, "GPIO pin of the activity led (-1 means no led)")
	fs.Int(flagADCAddress, int(vmeter.DefaultADCAddress), "I2C address of the ADS1115")
	fs.Int(flagEEPROMAddress, int(vmeter.DefaultEEPROMAddress), "I2C address of the calibration EEPROM")
	fs.String(flagGain, vmeter.Gain2048mV.String(), "Full scale range (6144mV|4096mV|2048mV|1024mV|512mV|256mV)")
	fs.String(flagRate, vmeter.Rate128SPS.String(), "Data rate (8|16|32|64|128|250|475|860 SPS)")
	fs.String(flagMode, vmeter.ModeSingleShot.String(), "Conversion mode (singleshot|continuous)")
	fs.Duration(flagInterval, time.Second, "Time between measurements")
	fs.Duration(flagPollInterval, time.Millisecond*2, "Time between polls of a pending conversion")
	fs.Duration(flagMeasureTimeout, time.Second, "Maximum duration of a measurement")
	fs.String(flagHost, "0.0.0.0", "Host address the HTTP server will listen on")
	fs.Int(flagPort, DefaultHTTPPort, "Port the HTTP server will listen on")
	fs.Int(flagSSHPort, DefaultSSHPort, "Port the SSH terminal UI will listen on (0 disables SSH)")
	fs.String(flagSSHHostKey, ".ssh/id_ed25519", "Path of the SSH host key (created when missing)")
	fs.String(flagMQTTBroker, "", "Address (host:port) of the MQTT broker (empty disables MQTT)")
	fs.String(flagMQTTClientID, "vmeter-worker", "MQTT client ID")
	fs.String(flagMQTTPrefix, "vmeter", "MQTT topic prefix")
	fs.String(flagHistoryPath, "", "Path of the history database (empty means in memory)")
	fs.Duration(flagHistoryRetention, time.Hour, "Time readings are kept in history")
}

// Load builds the configuration from the given (parsed) flags,
// the environment and an optional configuration file.
// Explicitly set flags take precedence over the environment, which takes
// precedence over the configuration file.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, errors.Wrap(err, "Failed to bind flags")
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString(flagConfig); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "Failed to read config file '%s'", path)
		}
	}
	return fromViper(v)
}

// fromViper converts the settings in v into a validated Config.
func fromViper(v *viper.Viper) (Config, error) {
	gain, err := vmeter.ParseGain(v.GetString(flagGain))
	if err != nil {
		return Config{}, err
	}
	rate, err := vmeter.ParseRate(v.GetString(flagRate))
	if err != nil {
		return Config{}, err
	}
	mode, err := vmeter.ParseMode(v.GetString(flagMode))
	if err != nil {
		return Config{}, err
	}
	adcAddress, err := parseAddress(flagADCAddress, v.GetInt(flagADCAddress))
	if err != nil {
		return Config{}, err
	}
	eepromAddress, err := parseAddress(flagEEPROMAddress, v.GetInt(flagEEPROMAddress))
	if err != nil {
		return Config{}, err
	}
	if adcAddress == eepromAddress {
		return Config{}, errors.Wrapf(vmeter.InvalidArgumentError, "%s and %s must differ", flagADCAddress, flagEEPROMAddress)
	}
	c := Config{
		LogLevel:         v.GetString(flagLevel),
		LogFile:          v.GetString(flagLogFile),
		Bridge:           v.GetString(flagBridge),
		I2CLocation:      v.GetString(flagI2CLocation),
		SclPin:           v.GetInt(flagSclPin),
		ActivityLedPin:   v.GetInt(flagActivityLedPin),
		ADCAddress:       adcAddress,
		EEPROMAddress:    eepromAddress,
		Gain:             gain,
		Rate:             rate,
		Mode:             mode,
		Interval:         v.GetDuration(flagInterval),
		PollInterval:     v.GetDuration(flagPollInterval),
		MeasureTimeout:   v.GetDuration(flagMeasureTimeout),
		Host:             v.GetString(flagHost),
		HTTPPort:         v.GetInt(flagPort),
		SSHPort:          v.GetInt(flagSSHPort),
		SSHHostKeyPath:   v.GetString(flagSSHHostKey),
		MQTTBroker:       v.GetString(flagMQTTBroker),
		MQTTClientID:     v.GetString(flagMQTTClientID),
		MQTTPrefix:       v.GetString(flagMQTTPrefix),
		HistoryPath:      v.GetString(flagHistoryPath),
		HistoryRetention: v.GetDuration(flagHistoryRetention),
	}
	switch c.Bridge {
	case BridgeAuto, BridgeRaspberryPi, BridgeSimulated:
	default:
		return Config{}, errors.Wrapf(vmeter.InvalidArgumentError, "unknown bridge type '%s' (auto|rpi|sim)", c.Bridge)
	}
	if c.SSHPort < 0 || c.SSHPort > 65535 {
		return Config{}, errors.Wrapf(vmeter.InvalidArgumentError, "%s %d is out of range", flagSSHPort, c.SSHPort)
	}
	if c.Interval <= 0 {
		return Config{}, errors.Wrapf(vmeter.InvalidArgumentError, "%s must be positive", flagInterval)
	}
	return c, nil
}

// parseAddress validates a 7-bit I2C address.
func parseAddress(name string, value int) (uint8, error) {
	if value < 0x03 || value > 0x77 {
		return 0, errors.Wrapf(vmeter.InvalidArgumentError, "%s 0x%x is not a valid I2C address", name, value)
	}
	return uint8(value), nil
}

// String returns a short description for logging.
func (c Config) String() string {
	return fmt.Sprintf("bridge=%s adc=0x%02x eeprom=0x%02x gain=%s rate=%s mode=%s interval=%s",
		c.Bridge, c.ADCAddress, c.EEPROMAddress, c.Gain, c.Rate, c.Mode, c.Interval)
}
