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
	"github.com/binkynet/VMeterWorker/pkg/metrics"
)

const (
	subSystem = "driver"
)

var (
	// Total number of config register writes
	configWritesTotal = metrics.MustRegisterCounterVec(subSystem,
		"config_writes_total",
		"Total number of config register writes per operation",
		"op")
	// Total number of conversion register reads
	conversionReadsTotal = metrics.MustRegisterCounter(subSystem,
		"conversion_reads_total",
		"Total number of conversion register reads")
	// Total number of reads rejected because a conversion was in progress
	notFinishedTotal = metrics.MustRegisterCounter(subSystem,
		"not_finished_total",
		"Total number of reads rejected because a conversion was in progress")
	// Total number of calibration loads per result
	calibrationLoadsTotal = metrics.MustRegisterCounterVec(subSystem,
		"calibration_loads_total",
		"Total number of calibration loads per result",
		"result")
	// Presence of the devices of the unit (1 = present)
	devicePresentGauge = metrics.MustRegisterGaugeVec(subSystem,
		"device_present",
		"Presence of the devices of the unit (1 = present)",
		"device")
	// Current calibration factor
	calibrationFactorGauge = metrics.MustRegisterGauge(subSystem,
		"calibration_factor",
		"Current calibration factor")
)
