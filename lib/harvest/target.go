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

// Package harvest drives the download pipeline: it resolves targets,
// iterates their posts with resumable cursors, schedules media downloads
// over a bounded worker pool, and persists watermarks between runs.
package harvest

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/gravitational/trace"
)

// TargetKind discriminates the closed set of harvestable target shapes.
type TargetKind string

const (
	// TargetUser harvests a user's feed.
	TargetUser TargetKind = "user"
	// TargetSuperTopic harvests a super-topic feed.
	TargetSuperTopic TargetKind = "supertopic"
	// TargetSearch harvests full-text search results.
	TargetSearch TargetKind = "search"
	// TargetPost harvests a single post by mid.
	TargetPost TargetKind = "post"
)

// TargetSpec identifies one harvest target. It is a tagged value, not an
// interface: the kind plus identifier is all downstream code needs, and
// it serializes trivially into stamp and checkpoint keys.
type TargetSpec struct {
	// Kind selects the feed shape.
	Kind TargetKind
	// Identifier is the nickname or uid for a user, the topic name or
	// container id for a super-topic, the keyword for a search, and the
	// mid for a post.
	Identifier string
	// IsUID marks a user identifier already in numeric form.
	IsUID bool
	// IsContainerID marks a super-topic identifier already resolved to a
	// container id.
	IsContainerID bool
}

// Key returns the short textual identity used as the stamp map key and,
// hashed, as the checkpoint filename. Resolved and unresolved forms of
// the same target produce different keys, which is why resolution runs
// before any state is touched.
func (t TargetSpec) Key() string {
	switch t.Kind {
	case TargetUser:
		return "u:" + t.Identifier
	case TargetSuperTopic:
		return "t:" + t.Identifier
	case TargetSearch:
		return "s:" + t.Identifier
	case TargetPost:
		return "m:" + t.Identifier
	}
	return string(t.Kind) + ":" + t.Identifier
}

func (t TargetSpec) String() string {
	return t.Key()
}

var (
	detailPathRe = regexp.MustCompile(`/detail/([0-9A-Za-z]+)`)
	digitsRe     = regexp.MustCompile(`^\d+$`)
)

// midFromURL extracts a post mid from a detail URL or a mid query
// parameter.
func midFromURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if m := detailPathRe.FindStringSubmatch(parsed.Path); m != nil {
		return m[1]
	}
	return parsed.Query().Get("mid")
}

// ParseTarget translates one positional CLI token into a TargetSpec.
//
// The grammar: an http(s) URL yields a post target with the mid taken
// from its /detail/ path or mid parameter; a leading '#' yields a
// super-topic; a leading ':' yields a search; an all-digit token is a
// numeric user id; anything else is a user nickname.
func ParseTarget(token string) (TargetSpec, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return TargetSpec{}, trace.BadParameter("empty target")
	}

	if strings.HasPrefix(token, "http://") || strings.HasPrefix(token, "https://") {
		mid := midFromURL(token)
		if mid == "" {
			return TargetSpec{}, trace.BadParameter("cannot extract a post id from %q", token)
		}
		return TargetSpec{Kind: TargetPost, Identifier: mid}, nil
	}

	if strings.HasPrefix(token, "#") {
		name := strings.Trim(token, "#")
		if name == "" {
			return TargetSpec{}, trace.BadParameter("empty super-topic in %q", token)
		}
		return TargetSpec{Kind: TargetSuperTopic, Identifier: name}, nil
	}

	if strings.HasPrefix(token, ":") {
		keyword := strings.TrimPrefix(token, ":")
		if keyword == "" {
			return TargetSpec{}, trace.BadParameter("empty search keyword in %q", token)
		}
		return TargetSpec{Kind: TargetSearch, Identifier: keyword}, nil
	}

	if digitsRe.MatchString(token) {
		return TargetSpec{Kind: TargetUser, Identifier: token, IsUID: true}, nil
	}
	return TargetSpec{Kind: TargetUser, Identifier: token}, nil
}

// ParseTargets translates a list of tokens, with forceMid overriding the
// non-URL interpretation: under forceMid every non-URL token is treated
// as a bare mid, while URL tokens still go through mid extraction.
func ParseTargets(tokens []string, forceMid bool) ([]TargetSpec, error) {
	targets := make([]TargetSpec, 0, len(tokens))
	for _, token := range tokens {
		if forceMid && !strings.HasPrefix(token, "http://") && !strings.HasPrefix(token, "https://") {
			token = strings.TrimSpace(token)
			if token == "" {
				return nil, trace.BadParameter("empty target")
			}
			targets = append(targets, TargetSpec{Kind: TargetPost, Identifier: token})
			continue
		}
		target, err := ParseTarget(token)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		targets = append(targets, target)
	}
	return targets, nil
}
