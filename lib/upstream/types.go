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

package upstream

import "time"

// MediaType discriminates the two media kinds a post can carry.
type MediaType string

const (
	// MediaTypePicture is a still image.
	MediaTypePicture MediaType = "picture"
	// MediaTypeVideo is a video stream.
	MediaTypeVideo MediaType = "video"
)

// User is the author of a post.
type User struct {
	// UID is the numeric user identifier, never empty.
	UID string
	// Nickname is the display name.
	Nickname string
	// Avatar is the profile image URL, may be empty.
	Avatar string
	// Raw preserves the upstream record for metadata export. Downstream
	// code must treat it as opaque.
	Raw map[string]any
}

// SuperTopic is a topic container posts can be harvested from.
type SuperTopic struct {
	// ContainerID identifies the topic feed upstream.
	ContainerID string
	// Name is the human readable topic title.
	Name string
	// Raw preserves the upstream record.
	Raw map[string]any
}

// MediaItem is a single downloadable picture or video belonging to a post.
type MediaItem struct {
	// Type is picture or video.
	Type MediaType
	// URL is the direct download URL.
	URL string
	// Index is the position within the post's emission order, unique per
	// post.
	Index int
	// FilenameHint is the URL path stem, may be empty.
	FilenameHint string
	// Raw preserves the upstream descriptor.
	Raw map[string]any
}

// Post is a single upstream post. Two posts with the same Mid are the same
// logical post.
type Post struct {
	// Mid is the stable post identifier, never empty.
	Mid string
	// Bid is an optional secondary identifier.
	Bid string
	// Text is the post body.
	Text string
	// CreatedAt carries the fixed +08:00 upstream offset.
	CreatedAt time.Time
	// User is the author, may be nil.
	User *User
	// Media lists the post's media in emission order, possibly empty.
	Media []MediaItem
	// Raw preserves the upstream card for metadata export.
	Raw map[string]any
}
