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

package history

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/tidwall/buntdb"

	"github.com/binkynet/VMeterWorker/pkg/vmeter"
)

const (
	// Name of the index ordering records by time
	timestampIndex = "timestamp"
	// Key prefix of reading records
	keyPrefix = "reading:"
	// Default retention of readings
	DefaultRetention = time.Hour
)

// Config of a Store.
type Config struct {
	// Location of the database file. Empty means in memory only.
	Path string
	// Time readings are kept
	Retention time.Duration
}

// Store keeps recent readings, ordered by time.
type Store struct {
	log       zerolog.Logger
	db        *buntdb.DB
	retention time.Duration
}

type record struct {
	UnixMilli int64          `json:"timestamp"`
	Reading   vmeter.Reading `json:"reading"`
}

// Open a reading store.
func Open(cfg Config, log zerolog.Logger) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to open database '%s'", path)
	}
	if err := db.CreateIndex(timestampIndex, keyPrefix+"*", buntdb.IndexJSON("timestamp")); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "Failed to create timestamp index")
	}
	return &Store{
		log:       log.With().Str("component", "history").Logger(),
		db:        db,
		retention: cfg.Retention,
	}, nil
}

// Add a reading to the store.
func (s *Store) Add(r vmeter.Reading) error {
	encoded, err := json.Marshal(record{
		UnixMilli: r.Timestamp.UnixMilli(),
		Reading:   r,
	})
	if err != nil {
		return errors.Wrap(err, "Failed to encode reading")
	}
	key := fmt.Sprintf("%s%020d", keyPrefix, r.Timestamp.UnixNano())
	if err := s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(encoded), &buntdb.SetOptions{Expires: true, TTL: s.retention})
		return err
	}); err != nil {
		storeErrorsTotal.Inc()
		return errors.Wrap(err, "Failed to store reading")
	}
	storedReadingsTotal.Inc()
	return nil
}

// Since returns all readings taken at or after the given time, oldest first.
// A limit of zero or less means no limit.
func (s *Store) Since(since time.Time, limit int) ([]vmeter.Reading, error) {
	pivot := fmt.Sprintf(`{"timestamp":%d}`, since.UnixMilli())
	result := make([]vmeter.Reading, 0)
	var decodeErr error
	if err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendGreaterOrEqual(timestampIndex, pivot, func(key, value string) bool {
			var rec record
			if err := json.Unmarshal([]byte(value), &rec); err != nil {
				decodeErr = errors.Wrapf(err, "Failed to decode '%s'", key)
				return false
			}
			result = append(result, rec.Reading)
			return limit <= 0 || len(result) < limit
		})
	}); err != nil {
		return nil, errors.Wrap(err, "Failed to query readings")
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return result, nil
}

// Len returns the number of readings in the store.
func (s *Store) Len() (int, error) {
	var n int
	if err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		n, err = tx.Len()
		return err
	}); err != nil {
		return 0, errors.Wrap(err, "Failed to count readings")
	}
	return n, nil
}

// Close the store.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.Wrap(err, "Failed to close database")
	}
	return nil
}
