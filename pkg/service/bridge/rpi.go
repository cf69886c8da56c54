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
	"sync"
	"time"

	"github.com/ecc1/gpio"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// RaspberryPiConfig configures the Raspberry Pi bridge.
type RaspberryPiConfig struct {
	// Location of the I2C bus device
	I2CLocation string
	// GPIO pin of the activity led (negative means no led)
	ActivityLedPin int
	// GPIO pin of SCL used for lockup recovery (negative means no recovery)
	SclPin int
}

type statusLed struct {
	sync.Mutex
	pin         gpio.OutputPin
	cancelBlink func()
}

// Turn led on/off, cancel blink
func (l *statusLed) Set(on bool) error {
	l.Mutex.Lock()
	defer l.Mutex.Unlock()

	if cancel := l.cancelBlink; cancel != nil {
		l.cancelBlink = nil
		cancel()
	}
	if l.pin == nil {
		return nil
	}
	if err := l.pin.Write(on); err != nil {
		return errors.Wrap(err, "Write failed")
	}
	return nil
}

// Blink led on/off
func (l *statusLed) Blink(delay time.Duration) error {
	l.Mutex.Lock()
	defer l.Mutex.Unlock()

	if cancel := l.cancelBlink; cancel != nil {
		l.cancelBlink = nil
		cancel()
	}
	if l.pin == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancelBlink = cancel
	go func() {
		value := true
		for {
			l.Mutex.Lock()
			if ctx.Err() == nil {
				l.pin.Write(value)
				value = !value
			}
			l.Mutex.Unlock()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

type piBridge struct {
	mutex       sync.Mutex
	log         zerolog.Logger
	config      RaspberryPiConfig
	activityLed statusLed
	bus         I2CBus
}

// NewRaspberryPiBridge implements the bridge for Raspberry PI's
func NewRaspberryPiBridge(config RaspberryPiConfig, log zerolog.Logger) (API, error) {
	if config.I2CLocation == "" {
		config.I2CLocation = "/dev/i2c-1"
	}
	b := &piBridge{
		log:    log,
		config: config,
	}
	if config.ActivityLedPin >= 0 {
		activeLow := true
		initialValue := false
		pin, err := gpio.Output(config.ActivityLedPin, activeLow, initialValue)
		if err != nil {
			return nil, errors.Wrap(err, "Output[activityLed] failed")
		}
		b.activityLed.pin = pin
	}
	return b, nil
}

// Turn activity led on/off
func (p *piBridge) SetActivityLED(on bool) error {
	if err := p.activityLed.Set(on); err != nil {
		return errors.Wrap(err, "Set[activityLed] failed")
	}
	return nil
}

// Blink activity led with given duration between on/off
func (p *piBridge) BlinkActivityLED(delay time.Duration) error {
	if err := p.activityLed.Blink(delay); err != nil {
		return errors.Wrap(err, "Blink[activityLed] failed")
	}
	return nil
}

// Open the I2C bus
func (p *piBridge) I2CBus() (I2CBus, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.bus == nil {
		bus, err := NewI2CBus(p.config.I2CLocation, p.config.SclPin, p.log)
		if err != nil {
			return nil, errors.Wrap(err, "NewI2CBus failed")
		}
		p.bus = bus
	}
	return p.bus, nil
}

func (p *piBridge) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.activityLed.Set(false)
	if p.bus != nil {
		bus := p.bus
		p.bus = nil
		if err := bus.Close(); err != nil {
			return errors.Wrap(err, "Close failed")
		}
	}
	return nil
}
