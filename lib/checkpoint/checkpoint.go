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

// Package checkpoint persists per-target harvest resume state. Checkpoint
// files live in a hidden directory under the output root, one file per
// target, guarded against concurrent harvesters by an advisory lock.
package checkpoint

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/sys/unix"

	"github.com/weiboharvest/weiboharvest"
	"github.com/weiboharvest/weiboharvest/lib/defaults"
	"github.com/weiboharvest/weiboharvest/lib/utils"
	logutils "github.com/weiboharvest/weiboharvest/lib/utils/log"
)

var log = logutils.NewPackageLogger(weiboharvest.ComponentKey, weiboharvest.ComponentCheckpoint)

// formatVersion is bumped whenever the on-disk schema changes shape.
// Checkpoints from another version are discarded, never migrated.
const formatVersion = "1"

// State is the resume position of one target. A nil Cursor means the
// feed advertised no pagination token at the saved page.
type State struct {
	// Page is the next page number to request.
	Page int
	// Cursor is the pagination token for the next request, nil when the
	// saved page carried none.
	Cursor *string
	// SeenMids lists post ids already fully downloaded, most recent last.
	SeenMids []string
	// OptionsHash fingerprints the harvest options the state was saved
	// under. A state saved under different options must not be resumed.
	OptionsHash string
	// Timestamp records when the state was saved.
	Timestamp time.Time
}

type stateFile struct {
	Version     string   `json:"version"`
	Page        int      `json:"page"`
	Cursor      *string  `json:"cursor"`
	SeenMids    []string `json:"seen_mids"`
	OptionsHash string   `json:"options_hash"`
	Timestamp   string   `json:"timestamp"`
}

// HashKey derives the checkpoint filename stem from a target key. Keys
// can contain characters no filesystem accepts, so the name is a
// truncated content hash of the key instead.
func HashKey(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// Manager reads and writes checkpoint state below a single directory.
type Manager struct {
	dir string
}

// NewManager creates a Manager storing checkpoints under the hidden
// checkpoint directory below root.
func NewManager(root string) *Manager {
	return &Manager{dir: filepath.Join(root, defaults.CheckpointDirName)}
}

// Dir returns the checkpoint directory.
func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) statePath(key string) string {
	return filepath.Join(m.dir, HashKey(key)+".json")
}

// AcquireLock takes an exclusive advisory lock for the target key and
// returns a release function. A held lock means another harvester is
// working the same target, reported as a comparison failure so callers
// can distinguish contention from IO errors.
func (m *Manager) AcquireLock(key string) (func(), error) {
	if err := utils.EnsureDir(m.dir); err != nil {
		return nil, trace.Wrap(err)
	}
	lockPath := filepath.Join(m.dir, HashKey(key)+".lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, trace.CompareFailed("target %q is locked by another process", key)
		}
		return nil, trace.ConvertSystemError(err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// Load returns the saved state for the key, or nil when no usable state
// exists. Corrupt files, unknown format versions, and states saved under
// different options all load as nil: the harvest restarts from the top
// rather than failing.
func (m *Manager) Load(key, optionsHash string) (*State, error) {
	path := m.statePath(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, trace.ConvertSystemError(err)
	}

	var raw stateFile
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warn("Discarding corrupt checkpoint.", "path", path, "error", err)
		return nil, nil
	}
	if raw.Version != formatVersion {
		log.Warn("Discarding checkpoint with unknown format version.", "path", path, "version", raw.Version)
		return nil, nil
	}
	if raw.OptionsHash != optionsHash {
		log.Warn("Discarding checkpoint saved under different options.", "path", path)
		return nil, nil
	}

	state := &State{
		Page:        raw.Page,
		Cursor:      raw.Cursor,
		SeenMids:    raw.SeenMids,
		OptionsHash: raw.OptionsHash,
	}
	if ts, err := time.Parse(time.RFC3339, raw.Timestamp); err == nil {
		state.Timestamp = ts
	}
	return state, nil
}

// Save atomically writes the state for the key. A crash mid-save leaves
// the previous checkpoint intact.
func (m *Manager) Save(key string, state *State) error {
	if state == nil {
		return trace.BadParameter("cannot save a nil checkpoint state")
	}
	if err := utils.EnsureDir(m.dir); err != nil {
		return trace.Wrap(err)
	}
	timestamp := state.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	data, err := json.Marshal(stateFile{
		Version:     formatVersion,
		Page:        state.Page,
		Cursor:      state.Cursor,
		SeenMids:    state.SeenMids,
		OptionsHash: state.OptionsHash,
		Timestamp:   timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(utils.AtomicWriteFile(m.statePath(key), data, 0o600))
}

// Clear removes the state for the key. Clearing an absent state is not
// an error.
func (m *Manager) Clear(key string) error {
	err := os.Remove(m.statePath(key))
	if err != nil && !os.IsNotExist(err) {
		return trace.ConvertSystemError(err)
	}
	return nil
}
