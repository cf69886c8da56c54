//    Copyright 2017-2022 Ewout Prangsma
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

package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-pubsub"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/binkynet/VMeterWorker/pkg/service/bridge"
	"github.com/binkynet/VMeterWorker/pkg/service/util"
	"github.com/binkynet/VMeterWorker/pkg/vmeter"
)

// Service samples the VMeter and distributes its readings.
type Service interface {
	// Run the sampler until the given context is cancelled.
	Run(ctx context.Context) error
	// Subscribe registers a callback that is invoked for every reading.
	// The returned function unsubscribes.
	Subscribe(cb func(vmeter.Reading) error) context.CancelFunc
	// LastReading returns the most recent reading, if any.
	LastReading() (vmeter.Reading, bool)
	// Status returns a summary of the sampler state.
	Status() Status
}

type Config struct {
	ProgramVersion string
	// Conversion mode used when initializing the device
	Mode vmeter.Mode
	// Gain & rate applied after initialization
	Gain vmeter.Gain
	Rate vmeter.Rate
	// Time between measurements
	Interval time.Duration
	// Time between polls of a pending single-shot conversion
	PollInterval time.Duration
	// Maximum duration of a single measurement
	MeasureTimeout time.Duration
}

type Dependencies struct {
	Logger zerolog.Logger
	Bridge bridge.API
	Driver *vmeter.Driver
}

// Status of the sampler.
type Status struct {
	ProgramVersion string              `json:"program_version"`
	StartedAt      time.Time           `json:"started_at"`
	Uptime         string              `json:"uptime"`
	Samples        uint64              `json:"samples"`
	Failures       uint64              `json:"failures"`
	LastReading    *vmeter.Reading     `json:"last_reading,omitempty"`
	LastReadingAge string              `json:"last_reading_age,omitempty"`
	Device         vmeter.DeviceConfig `json:"device"`
}

type service struct {
	Config
	Dependencies

	mutex       sync.Mutex
	startedAt   time.Time
	readings    *pubsub.PubSub
	lastReading *vmeter.Reading
	samples     uint64
	failures    uint64

	subscribersMutex sync.Mutex
	subscribers      map[uint64]func(vmeter.Reading) error
	lastSubscriberID uint64
}

const (
	defaultInterval       = time.Second
	defaultPollInterval   = time.Millisecond * 2
	defaultMeasureTimeout = time.Second
	// Log a summary every this many samples
	summaryInterval = 1000
)

// NewService creates a Service instance and returns it.
func NewService(conf Config, deps Dependencies) (Service, error) {
	if deps.Driver == nil {
		return nil, errors.New("Driver is required")
	}
	if conf.Interval <= 0 {
		conf.Interval = defaultInterval
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = defaultPollInterval
	}
	if conf.MeasureTimeout <= 0 {
		conf.MeasureTimeout = defaultMeasureTimeout
	}
	deps.Logger = deps.Logger.With().Str("component", "service").Logger()
	s := &service{
		Config:       conf,
		Dependencies: deps,
		startedAt:    time.Now(),
		readings:     pubsub.New(),
		subscribers:  make(map[uint64]func(vmeter.Reading) error),
	}
	s.readings.Sub(s.dispatch)
	return s, nil
}

// Run initializes the device, applies the configured settings and then
// samples it until the given context is canceled.
func (s *service) Run(ctx context.Context) error {
	log := s.Logger
	if s.Bridge != nil {
		defer s.Bridge.SetActivityLED(false)
		s.Bridge.BlinkActivityLED(time.Millisecond * 250)
	}
	if p := s.Driver.Probe(ctx); !p.ADC || !p.EEPROM {
		log.Warn().Bool("adc", p.ADC).Bool("eeprom", p.EEPROM).Msg("Not all VMeter devices respond")
	}

	for {
		err := s.initialize(ctx)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Failed to initialize VMeter")
		select {
		case <-ctx.Done():
			// Context canceled
			return nil
		case <-time.After(s.Interval):
			// Retry
		}
	}
	log.Info().
		Dur("interval", s.Interval).
		Msg("Sampler started")

	if s.Bridge != nil {
		s.Bridge.BlinkActivityLED(time.Second)
	}
	return util.UntilCanceled(ctx, log, "measure", s.Interval, s.measure)
}

// initialize brings the device in the configured state.
func (s *service) initialize(ctx context.Context) error {
	d := s.Driver
	if err := d.Initialize(ctx, s.Mode); err != nil {
		return errors.Wrap(err, "Initialize failed")
	}
	cfg := d.Config()
	if cfg.Gain != s.Gain {
		if err := d.SetGain(ctx, s.Gain); err != nil {
			return errors.Wrap(err, "SetGain failed")
		}
	}
	if cfg.Rate != s.Rate {
		if err := d.SetRate(ctx, s.Rate); err != nil {
			return errors.Wrap(err, "SetRate failed")
		}
	}
	return nil
}

// measure performs a single measurement and publishes the result.
func (s *service) measure(ctx context.Context) error {
	measureCtx, cancel := context.WithTimeout(ctx, s.MeasureTimeout)
	defer cancel()

	start := time.Now()
	r, err := s.Driver.Measure(measureCtx, s.PollInterval)
	if err != nil {
		s.mutex.Lock()
		s.failures++
		s.mutex.Unlock()
		measureFailuresTotal.Inc()
		return errors.Wrap(err, "Measure failed")
	}
	measureDuration.Observe(time.Since(start).Seconds())
	lastMillivoltsGauge.Set(r.Millivolts)
	lastRawGauge.Set(float64(r.Raw))
	measurementsTotal.Inc()

	s.mutex.Lock()
	s.lastReading = &r
	s.samples++
	samples := s.samples
	s.mutex.Unlock()

	if samples%summaryInterval == 0 {
		s.Logger.Info().
			Str("samples", humanize.Comma(int64(samples))).
			Str("uptime", uptime(s.startedAt, time.Now())).
			Float64("mV", r.Millivolts).
			Msg("Sampler running")
	}
	s.readings.Pub(r)
	return nil
}

// Subscribe registers a callback that is invoked for every reading.
func (s *service) Subscribe(cb func(vmeter.Reading) error) context.CancelFunc {
	s.subscribersMutex.Lock()
	defer s.subscribersMutex.Unlock()

	s.lastSubscriberID++
	id := s.lastSubscriberID
	s.subscribers[id] = cb
	return func() {
		s.subscribersMutex.Lock()
		defer s.subscribersMutex.Unlock()
		delete(s.subscribers, id)
	}
}

// dispatch is the only pubsub subscriber. It passes the reading to all
// current subscribers.
func (s *service) dispatch(r vmeter.Reading) {
	s.subscribersMutex.Lock()
	callbacks := make([]func(vmeter.Reading) error, 0, len(s.subscribers))
	for _, cb := range s.subscribers {
		callbacks = append(callbacks, cb)
	}
	s.subscribersMutex.Unlock()

	for _, cb := range callbacks {
		if err := cb(r); err != nil {
			s.Logger.Warn().Err(err).Msg("Reading processing error")
		}
	}
}

// LastReading returns the most recent reading, if any.
func (s *service) LastReading() (vmeter.Reading, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.lastReading == nil {
		return vmeter.Reading{}, false
	}
	return *s.lastReading, true
}

// Status returns a summary of the sampler state.
func (s *service) Status() Status {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	st := Status{
		ProgramVersion: s.ProgramVersion,
		StartedAt:      s.startedAt,
		Uptime:         uptime(s.startedAt, now),
		Samples:        s.samples,
		Failures:       s.failures,
		Device:         s.Driver.Config(),
	}
	if r := s.lastReading; r != nil {
		last := *r
		st.LastReading = &last
		st.LastReadingAge = humanize.RelTime(r.Timestamp, now, "ago", "from now")
	}
	return st
}

// uptime formats the duration between start and now, e.g. "3 minutes".
func uptime(start, now time.Time) string {
	return strings.TrimSpace(humanize.RelTime(start, now, "", ""))
}
