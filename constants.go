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

// Package weiboharvest holds constants shared across the whole codebase.
package weiboharvest

import "strings"

const (
	// ComponentKey is the slog attribute key holding the component emitting
	// a log record.
	ComponentKey = "component"

	// ComponentHarvest is the harvest orchestrator.
	ComponentHarvest = "harvest"

	// ComponentUpstream is the authenticated upstream HTTP client.
	ComponentUpstream = "upstream"

	// ComponentRateLimit is the request rate controller.
	ComponentRateLimit = "ratelimit"

	// ComponentCheckpoint is the cursor checkpoint manager.
	ComponentCheckpoint = "checkpoint"

	// ComponentCLI is the command line tool.
	ComponentCLI = "cli"
)

// Component generates a colon-joined component name for logging, e.g.
// Component("upstream", "session") returns "upstream:session".
func Component(components ...string) string {
	return strings.Join(components, ":")
}
