//    Copyright 2021 Ewout Prangsma
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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/binkynet/VMeterWorker/pkg/metrics"
)

const (
	subSystem = "sampler"
)

var (
	// Total number of successful measurements
	measurementsTotal = metrics.MustRegisterCounter(subSystem,
		"measurements_total",
		"Total number of successful measurements")
	// Total number of failed measurements
	measureFailuresTotal = metrics.MustRegisterCounter(subSystem,
		"measure_failures_total",
		"Total number of failed measurements")
	// Duration of a measurement
	measureDuration = metrics.MustRegisterHistogram(subSystem,
		"measure_duration_seconds",
		"Duration of a measurement in seconds",
		prometheus.ExponentialBuckets(0.001, 2, 12))
	// Last measured voltage
	lastMillivoltsGauge = metrics.MustRegisterGauge(subSystem,
		"last_millivolts",
		"Last measured calibrated voltage in mV")
	// Last raw conversion value
	lastRawGauge = metrics.MustRegisterGauge(subSystem,
		"last_raw",
		"Last raw value of the conversion register")
)
