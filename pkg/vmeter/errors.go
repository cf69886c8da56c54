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

import "github.com/pkg/errors"

var (
	// InvalidStateError is returned when an operation is attempted before
	// initialization, or is not valid in the current mode.
	InvalidStateError = errors.New("invalid state")
	IsInvalidState    = isErrorFunc(InvalidStateError)
	// NotFinishedError is returned when a single-shot conversion is still
	// in progress. Retry later.
	NotFinishedError = errors.New("conversion not finished")
	IsNotFinished    = isErrorFunc(NotFinishedError)
	// DataIntegrityError is returned when a calibration record has a bad checksum.
	DataIntegrityError = errors.New("calibration checksum mismatch")
	IsDataIntegrity    = isErrorFunc(DataIntegrityError)
	// InvalidArgumentError is returned for out of range settings.
	InvalidArgumentError = errors.New("invalid argument")
	IsInvalidArgument    = isErrorFunc(InvalidArgumentError)

	maskAny = errors.WithStack
)

func isErrorFunc(typeOfError error) func(err error) bool {
	return func(err error) bool {
		return err == typeOfError || errors.Cause(err) == typeOfError
	}
}
