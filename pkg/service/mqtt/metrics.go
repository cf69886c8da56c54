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

package mqtt

import (
	"github.com/binkynet/VMeterWorker/pkg/metrics"
)

const (
	subSystem = "mqtt"
)

var (
	// Total number of readings published
	publishedReadingsTotal = metrics.MustRegisterCounter(subSystem,
		"published_readings_total",
		"Total number of readings published")
	// Total number of readings that could not be published
	publishFailuresTotal = metrics.MustRegisterCounter(subSystem,
		"publish_failures_total",
		"Total number of readings that could not be published")
	// Total number of readings dropped because the queue was full
	droppedReadingsTotal = metrics.MustRegisterCounter(subSystem,
		"dropped_readings_total",
		"Total number of readings dropped because the queue was full")
)
