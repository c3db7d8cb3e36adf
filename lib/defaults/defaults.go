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

// Package defaults contains default constants set in various parts of
// the weiboharvest codebase.
package defaults

import "time"

const (
	// BaseURL is the mobile upstream endpoint all relative request paths
	// are resolved against.
	BaseURL = "https://m.weibo.cn"

	// UserAgent impersonates the mobile browser the upstream expects.
	UserAgent = "Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 " +
		"(KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36"

	// CookieDomain is the domain manually injected cookies are scoped to.
	CookieDomain = ".weibo.cn"

	// AuthCookieName is the cookie that must be present for the session
	// to count as authenticated.
	AuthCookieName = "SUB"
)

const (
	// APIRequestLimit is the sliding window request quota per bucket.
	APIRequestLimit = 30

	// APIRequestWindow is the width of the sliding rate window.
	APIRequestWindow = 600 * time.Second

	// BackoffBaseDelay is the first backoff step after a throttled
	// response.
	BackoffBaseDelay = 30 * time.Second

	// BackoffMaxDelay caps the exponential backoff.
	BackoffMaxDelay = 600 * time.Second

	// BackoffJitterRatio scales the uniform jitter added on top of the
	// backoff delay.
	BackoffJitterRatio = 0.5
)

const (
	// HTTPRequestTimeout bounds a single API exchange.
	HTTPRequestTimeout = 20 * time.Second

	// StreamReadTimeout is the stall timeout while streaming media bytes.
	StreamReadTimeout = 60 * time.Second

	// APIRetries is the retry budget for API requests.
	APIRetries = 3

	// MediaRetries is the retry budget for media downloads.
	MediaRetries = 2

	// ChallengeTimeout bounds how long a challenge handler may block.
	ChallengeTimeout = 300 * time.Second
)

const (
	// MaxWorkers is the default bound on concurrent media downloads
	// within a single post.
	MaxWorkers = 4

	// DownloadChunkSize is the copy buffer used when streaming media to
	// disk.
	DownloadChunkSize = 64 * 1024

	// PerMediaTimeout is the wall time budgeted per media job when
	// computing a post's collection deadline.
	PerMediaTimeout = 30 * time.Second

	// MinPostTimeout is the floor on a post's collection deadline.
	MinPostTimeout = 60 * time.Second
)

const (
	// FilenamePattern is the default media file basename template.
	FilenamePattern = "{date}_{name}"

	// CheckpointDirName is the default checkpoint directory created under
	// the output directory.
	CheckpointDirName = ".checkpoints"

	// SessionFileName is the default session snapshot filename inside the
	// config directory.
	SessionFileName = "session.json"

	// ConfigDirName is the per-user configuration directory name under
	// ~/.config.
	ConfigDirName = "weiboharvest"
)
