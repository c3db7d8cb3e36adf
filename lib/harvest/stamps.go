/*
 * WeiboHarvest
 * Copyright (C) 2025  WeiboHarvest authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package harvest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/weiboharvest/weiboharvest/lib/upstream"
	"github.com/weiboharvest/weiboharvest/lib/utils"
)

// Stamps is the watermark map: target key to the creation time of the
// newest post fully processed for that target. It enables incremental
// runs that stop at the previous high-water mark. Per-key values only
// ever advance.
type Stamps struct {
	mu        sync.Mutex
	path      string
	marks     map[string]time.Time
	lastSaved string
}

// NewStamps creates an empty, in-memory watermark map. With no backing
// path Save is a no-op, used when incremental mode is off.
func NewStamps() *Stamps {
	return &Stamps{marks: make(map[string]time.Time)}
}

// LoadStamps reads the watermark file at path, tolerating its absence.
// Unparseable entries are dropped.
func LoadStamps(path string) (*Stamps, error) {
	s := &Stamps{path: path, marks: make(map[string]time.Time)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	raw := make(map[string]string)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, trace.BadParameter("malformed stamps file %v: %v", path, err)
	}
	for key, value := range raw {
		if ts, err := time.Parse(time.RFC3339, value); err == nil {
			s.marks[key] = ts
		}
	}
	s.lastSaved = string(data)
	return s, nil
}

// Get returns the watermark for a key.
func (s *Stamps) Get(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.marks[key]
	return ts, ok
}

// Advance raises the watermark for a key. Older or equal values are
// ignored, the map never moves backwards.
func (s *Stamps) Advance(key string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.marks[key]; ok && !ts.After(current) {
		return
	}
	s.marks[key] = ts
}

// Save atomically writes the map, keys sorted, timestamps rendered with
// the upstream +08:00 offset. The write is elided when the serialized
// payload has not changed since the last save.
func (s *Stamps) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil
	}

	out := make(map[string]string, len(s.marks))
	for key, ts := range s.marks {
		out[key] = ts.In(upstream.CST).Format(time.RFC3339)
	}
	// MarshalIndent sorts map keys, which keeps the file diffable.
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	payload := string(data)

	if payload == s.lastSaved {
		return nil
	}
	if err := utils.EnsureDir(filepath.Dir(s.path)); err != nil {
		return trace.Wrap(err)
	}
	if err := utils.AtomicWriteFile(s.path, []byte(payload), 0o644); err != nil {
		return trace.Wrap(err)
	}
	s.lastSaved = payload
	return nil
}
