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

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// CST is the fixed upstream timezone offset. All parsed timestamps carry
// it.
var CST = time.FixedZone("CST", 8*60*60)

// upstreamTimeLayout is the canonical creation time form, e.g.
// "Mon Aug 13 10:00:00 +0800 2018".
const upstreamTimeLayout = "Mon Jan 2 15:04:05 -0700 2006"

var (
	minutesAgoRe = regexp.MustCompile(`^(\d+)\s*分(?:钟|鐘)前$`)
	yesterdayRe  = regexp.MustCompile(`^昨天\s*(\d{2}):(\d{2})$`)
	monthDayRe   = regexp.MustCompile(`^(\d{2})-(\d{2})$`)
)

// ParseTime parses the upstream creation time forms. Relative forms are
// resolved against now. Unknown forms are schema errors.
func ParseTime(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	now = now.In(CST)

	if t, err := time.Parse(upstreamTimeLayout, raw); err == nil {
		return t.In(CST), nil
	}

	if m := minutesAgoRe.FindStringSubmatch(raw); m != nil {
		minutes, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, trace.BadParameter("invalid relative time %q", raw)
		}
		t := now.Add(-time.Duration(minutes) * time.Minute)
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, CST), nil
	}

	if m := yesterdayRe.FindStringSubmatch(raw); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		y := now.AddDate(0, 0, -1)
		return time.Date(y.Year(), y.Month(), y.Day(), hour, minute, 0, 0, CST), nil
	}

	if m := monthDayRe.FindStringSubmatch(raw); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		t := time.Date(now.Year(), time.Month(month), day, 0, 0, 0, 0, CST)
		// time.Date normalizes out-of-range components, which would turn
		// garbage like "13-40" into a different date instead of failing.
		if int(t.Month()) != month || t.Day() != day {
			return time.Time{}, trace.BadParameter("invalid date: %q", raw)
		}
		return t, nil
	}

	if t, err := time.ParseInLocation("2006-01-02", raw, CST); err == nil {
		return t, nil
	}

	return time.Time{}, trace.BadParameter("unknown date format: %q", raw)
}

// ParseUser translates an upstream user record.
func ParseUser(raw map[string]any) (*User, error) {
	uid := stringField(raw, "id", "idstr")
	if uid == "" {
		return nil, trace.BadParameter("user record is missing an id")
	}
	nickname := stringField(raw, "screen_name", "nickname")
	if nickname == "" {
		nickname = "user_" + uid
	}
	return &User{
		UID:      uid,
		Nickname: nickname,
		Avatar:   stringField(raw, "avatar_large", "profile_image_url"),
		Raw:      raw,
	}, nil
}

// ParseSuperTopic translates an upstream topic card.
func ParseSuperTopic(raw map[string]any) (*SuperTopic, error) {
	cid := stringField(raw, "containerid", "id")
	if cid == "" {
		return nil, trace.BadParameter("supertopic record is missing a containerid")
	}
	name := stringField(raw, "topic_title", "topic_name")
	if name == "" {
		name = "topic"
	}
	return &SuperTopic{ContainerID: cid, Name: name, Raw: raw}, nil
}

// ParsePost translates an upstream card (or bare mblog record) into a
// Post. Posts without a mid or a creation time are schema errors.
func ParsePost(rawCard map[string]any, now time.Time) (*Post, error) {
	mblog := mapField(rawCard, "mblog")
	if mblog == nil {
		mblog = rawCard
	}

	mid := stringField(mblog, "mid", "id")
	if mid == "" {
		return nil, trace.BadParameter("post is missing a mid")
	}
	createdRaw := stringField(mblog, "created_at")
	if createdRaw == "" {
		return nil, trace.BadParameter("post %v is missing created_at", mid)
	}
	createdAt, err := ParseTime(createdRaw, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var user *User
	if userRaw := mapField(mblog, "user"); userRaw != nil {
		user, err = ParseUser(userRaw)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	return &Post{
		Mid:       mid,
		Bid:       stringField(mblog, "bid"),
		Text:      stringField(mblog, "text_raw", "text"),
		CreatedAt: createdAt,
		User:      user,
		Media:     extractMedia(mblog),
		Raw:       rawCard,
	}, nil
}

// extractMedia emits the post's media, pictures first in their upstream
// order, then the video if any. A video with no usable stream URL is not
// yielded.
func extractMedia(mblog map[string]any) []MediaItem {
	var items []MediaItem

	if pics, ok := mblog["pics"].([]any); ok {
		for i, entry := range pics {
			pic, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			picURL := stringField(mapField(pic, "large"), "url")
			if picURL == "" {
				picURL = stringField(pic, "url")
			}
			if picURL == "" {
				continue
			}
			items = append(items, MediaItem{
				Type:         MediaTypePicture,
				URL:          picURL,
				Index:        i,
				FilenameHint: urlStem(picURL),
				Raw:          pic,
			})
		}
	}

	if page := mapField(mblog, "page_info"); page != nil && stringField(page, "type") == "video" {
		info := mapField(page, "media_info")
		videoURL := stringField(info, "stream_url_hd", "mp4_720p_mp4", "mp4_hd_url", "stream_url")
		if videoURL != "" {
			items = append(items, MediaItem{
				Type:         MediaTypeVideo,
				URL:          videoURL,
				Index:        len(items),
				FilenameHint: urlStem(videoURL),
				Raw:          page,
			})
		}
	}

	return items
}

// NextCursor extracts the since-id pagination token from a feed page.
// Empty means no further pages are advertised.
func NextCursor(data map[string]any) string {
	return stringField(mapField(data, "cardlistInfo"), "since_id")
}

// urlStem returns the filename stem of the URL path, or empty.
func urlStem(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(parsed.Path)
	if base == "." || base == "/" {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

// stringField returns the first present key rendered as a string. JSON
// numbers are rendered without an exponent so numeric ids survive.
func stringField(m map[string]any, keys ...string) string {
	if m == nil {
		return ""
	}
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		case int:
			return strconv.Itoa(v)
		case int64:
			return strconv.FormatInt(v, 10)
		case bool:
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}

func mapField(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}
