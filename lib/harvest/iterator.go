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
	"context"
	"io"

	"github.com/gravitational/trace"

	"github.com/weiboharvest/weiboharvest/lib/checkpoint"
	"github.com/weiboharvest/weiboharvest/lib/upstream"
)

// maxSeenMids bounds the dedupe set carried across pages and persisted
// in checkpoints. The oldest entries are evicted first; upstream feeds
// are chronological, so entries that old cannot reappear.
const maxSeenMids = 10000

// FetchPageFunc fetches one feed page. hasMore reports whether the
// upstream advertises further pages after this one.
type FetchPageFunc func(ctx context.Context, page int, cursor string) (posts []*upstream.Post, nextCursor string, hasMore bool, err error)

// Iterator is a lazy, deduplicating stream of posts for one target. It
// buffers a single page and yields each mid at most once per lifetime.
// Freeze and Thaw convert its position to and from checkpoint state, so
// a fresh iterator thawed from a frozen one resumes with exactly the
// remaining suffix.
//
// Iterator is not safe for concurrent use: the orchestrator drives one
// iterator from a single goroutine.
type Iterator struct {
	fetch FetchPageFunc

	page   int
	cursor string
	// bufPage and bufCursor are the fetch coordinates of the current
	// buffer. A freeze taken mid-page records these, so a thawed iterator
	// re-fetches the page and the seen set skips the already yielded
	// prefix.
	bufPage   int
	bufCursor string

	seen      map[string]struct{}
	seenOrder []string
	buffer    []*upstream.Post
	exhausted bool
	single    bool
}

// NewIterator creates an iterator starting at page 1. single mode
// exhausts after the first fetched page, used for single-post targets.
func NewIterator(fetch FetchPageFunc, single bool) *Iterator {
	return &Iterator{
		fetch:  fetch,
		page:   1,
		seen:   make(map[string]struct{}),
		single: single,
	}
}

// Next returns the next unseen post, fetching pages as needed. It
// returns io.EOF when the sequence ends.
func (it *Iterator) Next(ctx context.Context) (*upstream.Post, error) {
	for {
		for len(it.buffer) > 0 {
			post := it.buffer[0]
			it.buffer = it.buffer[1:]
			if _, dup := it.seen[post.Mid]; dup {
				continue
			}
			it.markSeen(post.Mid)
			return post, nil
		}
		if it.exhausted {
			return nil, io.EOF
		}

		posts, nextCursor, hasMore, err := it.fetch(ctx, it.page, it.cursor)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		it.bufPage = it.page
		it.bufCursor = it.cursor
		it.page++
		it.cursor = nextCursor
		if len(posts) == 0 || !hasMore || it.single {
			it.exhausted = true
		}
		it.buffer = posts
	}
}

func (it *Iterator) markSeen(mid string) {
	if _, ok := it.seen[mid]; ok {
		return
	}
	it.seen[mid] = struct{}{}
	it.seenOrder = append(it.seenOrder, mid)
	if len(it.seenOrder) > maxSeenMids {
		evicted := it.seenOrder[0]
		it.seenOrder = it.seenOrder[1:]
		delete(it.seen, evicted)
	}
}

// Freeze snapshots the iterator's position. Calling Freeze twice with no
// intervening Next returns equal states.
func (it *Iterator) Freeze() *checkpoint.State {
	page, cursor := it.page, it.cursor
	if len(it.buffer) > 0 {
		page, cursor = it.bufPage, it.bufCursor
	}
	state := &checkpoint.State{
		Page:     page,
		SeenMids: append([]string(nil), it.seenOrder...),
	}
	if cursor != "" {
		state.Cursor = &cursor
	}
	return state
}

// Thaw restores a previously frozen position. It must be called before
// the first Next.
func (it *Iterator) Thaw(state *checkpoint.State) {
	if state == nil {
		return
	}
	if state.Page > 0 {
		it.page = state.Page
	}
	it.cursor = ""
	if state.Cursor != nil {
		it.cursor = *state.Cursor
	}
	it.seen = make(map[string]struct{}, len(state.SeenMids))
	it.seenOrder = it.seenOrder[:0]
	for _, mid := range state.SeenMids {
		it.markSeen(mid)
	}
}
