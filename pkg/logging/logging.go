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

package logging

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config of the logger.
type Config struct {
	// Level name (debug, info, warn, error)
	Level string
	// Path of a rotating log file (optional)
	File string
	// Maximum size of a log file in megabytes before it is rotated
	MaxSize int
	// Maximum number of rotated files to keep
	MaxBackups int
	// Maximum age of rotated files in days
	MaxAge int
}

const (
	defaultMaxSize    = 20
	defaultMaxBackups = 3
	defaultMaxAge     = 28
)

// New creates a logger that writes to the console and, when configured,
// to a rotating log file.
// The returned closer must be closed on exit.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Logger{}, nil, errors.Wrapf(err, "Invalid log level '%s'", cfg.Level)
		}
	}
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		fileOut := newFileWriter(cfg)
		out = NewMultiWriter(out, fileOut)
		closer = fileOut
	}
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

// newFileWriter creates a rotating log file writer.
func newFileWriter(cfg Config) *lumberjack.Logger {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = defaultMaxBackups
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	return &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSize, // megabytes
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge, // days
		Compress:   true,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
