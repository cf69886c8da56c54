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

package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
	terminate "github.com/pulcy/go-terminate"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/binkynet/VMeterWorker/pkg/config"
	"github.com/binkynet/VMeterWorker/pkg/environment"
	"github.com/binkynet/VMeterWorker/pkg/logging"
	"github.com/binkynet/VMeterWorker/pkg/server"
	"github.com/binkynet/VMeterWorker/pkg/service"
	"github.com/binkynet/VMeterWorker/pkg/service/bridge"
	"github.com/binkynet/VMeterWorker/pkg/service/history"
	"github.com/binkynet/VMeterWorker/pkg/service/mqtt"
	"github.com/binkynet/VMeterWorker/pkg/ui"
	"github.com/binkynet/VMeterWorker/pkg/vmeter"
)

const (
	projectName = "BinkyNet VMeter Worker"
)

var (
	projectVersion = "dev"
	projectBuild   = "dev"
)

func main() {
	config.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	cfg, err := config.Load(pflag.CommandLine)
	if err != nil {
		Exitf("Invalid configuration: %v\n", err)
	}

	logger, logCloser, err := logging.New(logging.Config{
		Level: cfg.LogLevel,
		File:  cfg.LogFile,
	})
	if err != nil {
		Exitf("Failed to initialize logging: %v\n", err)
	}
	defer logCloser.Close()

	br, err := newBridge(cfg, logger)
	if err != nil {
		Exitf("Failed to initialize %s bridge: %v\n", cfg.Bridge, err)
	}
	defer br.Close()
	bus, err := br.I2CBus()
	if err != nil {
		Exitf("Failed to open I2C bus: %v\n", err)
	}

	driver := vmeter.NewDriver(vmeter.Config{
		ADCAddress:    cfg.ADCAddress,
		EEPROMAddress: cfg.EEPROMAddress,
		OnActive: func() {
			logger.Debug().Msg("VMeter config register written")
		},
	}, vmeter.NewBusTransport(bus), logger)

	svc, err := service.NewService(service.Config{
		ProgramVersion: projectVersion,
		Mode:           cfg.Mode,
		Gain:           cfg.Gain,
		Rate:           cfg.Rate,
		Interval:       cfg.Interval,
		PollInterval:   cfg.PollInterval,
		MeasureTimeout: cfg.MeasureTimeout,
	}, service.Dependencies{
		Logger: logger,
		Bridge: br,
		Driver: driver,
	})
	if err != nil {
		Exitf("Failed to initialize Service: %v\n", err)
	}

	store, err := history.Open(history.Config{
		Path:      cfg.HistoryPath,
		Retention: cfg.HistoryRetention,
	}, logger)
	if err != nil {
		Exitf("Failed to open history: %v\n", err)
	}
	defer store.Close()
	unsubscribeHistory := svc.Subscribe(store.Add)
	defer unsubscribeHistory()

	var publisher *mqtt.Publisher
	if cfg.MQTTBroker != "" {
		publisher = mqtt.NewPublisher(logger, mqtt.Config{
			BrokerAddress: cfg.MQTTBroker,
			ClientID:      cfg.MQTTClientID,
			TopicPrefix:   cfg.MQTTPrefix,
		})
		unsubscribeMQTT := svc.Subscribe(publisher.Publish)
		defer unsubscribeMQTT()
	}

	httpServer, err := server.New(server.Config{
		Host:           cfg.Host,
		HTTPPort:       cfg.HTTPPort,
		SSHPort:        cfg.SSHPort,
		SSHHostKeyPath: cfg.SSHHostKeyPath,
	}, logger, driver, svc, store, ui.New(svc))
	if err != nil {
		Exitf("Failed to initialize Server: %v\n", err)
	}

	// Prepare to shutdown in a controlled manor
	ctx, cancel := context.WithCancel(context.Background())
	t := terminate.NewTerminator(func(template string, args ...interface{}) {
		logger.Info().Msgf(template, args...)
	}, cancel)
	go t.ListenSignals()

	fmt.Printf("Starting %s (version %s build %s)\n", projectName, projectVersion, projectBuild)
	logger.Info().Str("config", cfg.String()).Msg("Starting")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error { return httpServer.Run(ctx) })
	if publisher != nil {
		g.Go(func() error { return publisher.Run(ctx) })
	}
	if err := g.Wait(); err != nil {
		Exitf("Service run failed: %v\n", err)
	}
}

// newBridge creates the bridge selected in the configuration.
func newBridge(cfg config.Config, log zerolog.Logger) (bridge.API, error) {
	bridgeType := cfg.Bridge
	if bridgeType == config.BridgeAuto {
		bridgeType = environment.AutoDetectBridgeType(log, cfg.I2CLocation)
		log.Info().Str("bridge", bridgeType).Msg("Detected bridge type")
	}
	switch bridgeType {
	case config.BridgeRaspberryPi:
		br, err := bridge.NewRaspberryPiBridge(bridge.RaspberryPiConfig{
			I2CLocation:    cfg.I2CLocation,
			ActivityLedPin: cfg.ActivityLedPin,
			SclPin:         cfg.SclPin,
		}, log)
		if err != nil {
			return nil, errors.Wrap(err, "NewRaspberryPiBridge failed")
		}
		return br, nil
	case config.BridgeSimulated:
		br := bridge.NewVirtualBridge()
		br.AttachADC(cfg.ADCAddress, bridge.NewSimulatedADC(sineSource(time.Now())))
		eeprom := bridge.NewSimulatedEEPROM()
		for g := vmeter.Gain6144mV; g <= vmeter.Gain256mV; g++ {
			rec := vmeter.NewCalibrationRecord(1000, 1000)
			eeprom.Store(g.CalibrationAddress(), rec[:])
		}
		br.AttachEEPROM(cfg.EEPROMAddress, eeprom)
		log.Warn().Msg("Using simulated I2C bus")
		return br, nil
	default:
		return nil, fmt.Errorf("unknown bridge type '%s' (rpi|sim)", bridgeType)
	}
}

// sineSource returns conversion values of a slow sine wave.
func sineSource(start time.Time) func() int16 {
	return func() int16 {
		phase := time.Since(start).Seconds() / 10 * 2 * math.Pi
		return int16(8000 * math.Sin(phase))
	}
}

// Print the given error message and exit with code 1
func Exitf(message string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, message, args...)
	os.Exit(1)
}
