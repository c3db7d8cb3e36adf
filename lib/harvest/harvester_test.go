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
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiboharvest/weiboharvest/lib/checkpoint"
	"github.com/weiboharvest/weiboharvest/lib/ratelimit"
	"github.com/weiboharvest/weiboharvest/lib/upstream"
)

// recordSink captures events in arrival order.
type recordSink struct {
	events []Event
}

func (s *recordSink) HandleEvent(event Event) {
	s.events = append(s.events, event)
}

func (s *recordSink) kinds() []EventKind {
	kinds := make([]EventKind, 0, len(s.events))
	for _, e := range s.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// hookSink records events and additionally invokes a callback on each
// one, on the orchestrator goroutine.
type hookSink struct {
	recordSink
	onEvent func(Event)
}

func (s *hookSink) HandleEvent(event Event) {
	s.recordSink.HandleEvent(event)
	if s.onEvent != nil {
		s.onEvent(event)
	}
}

// fakeUpstream is an httptest server impersonating the API and media
// hosts for one user feed.
type fakeUpstream struct {
	server *httptest.Server
	mux    *http.ServeMux
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{mux: http.NewServeMux()}
	f.server = httptest.NewServer(f.mux)
	t.Cleanup(f.server.Close)
	return f
}

// serveUser wires the user info endpoint and a single feed page of
// posts. Each post carries one picture served by the media handler.
func (f *fakeUpstream) serveUser(t *testing.T, uid, nickname string, posts []fakePost) {
	t.Helper()
	f.mux.HandleFunc("/api/container/getIndex", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("type") == "uid" {
			fmt.Fprintf(w, `{"ok": 1, "data": {"userInfo": {"id": %v, "screen_name": %q}}}`, uid, nickname)
			return
		}
		require.Equal(t, "107603"+uid, query.Get("containerid"))
		if query.Get("page") != "" || query.Get("since_id") != "" {
			// Single page feed: any later page is empty.
			fmt.Fprint(w, `{"ok": 1, "data": {"cards": []}}`)
			return
		}
		cards := ""
		for i, p := range posts {
			if i > 0 {
				cards += ","
			}
			cards += fmt.Sprintf(`{"mblog": {
				"mid": %q, "created_at": %q, "text": %q,
				"user": {"id": %v, "screen_name": %q},
				"pics": [{"url": %q}]
			}}`, p.mid, p.createdAt, p.text, uid, nickname, f.server.URL+"/media/"+p.mid+".jpg")
		}
		fmt.Fprintf(w, `{"ok": 1, "data": {"cards": [%v]}}`, cards)
	})
	f.mux.HandleFunc("/media/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("media-bytes-" + filepath.Base(r.URL.Path)))
	})
}

type fakePost struct {
	mid       string
	createdAt string
	text      string
}

func newTestHarvesterWith(t *testing.T, f *fakeUpstream, opts Options, sink Sink, clock clockwork.Clock) *Harvester {
	t.Helper()
	rate, err := ratelimit.NewController(ratelimit.Config{
		Limit:       1000,
		Window:      time.Second,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		JitterRatio: 0,
	})
	require.NoError(t, err)

	client, err := upstream.NewClient(upstream.Config{
		BaseURL:       f.server.URL,
		Rate:          rate,
		ChallengeMode: upstream.ChallengeModeSkip,
	})
	require.NoError(t, err)

	h, err := NewHarvester(Config{
		Client:  client,
		Options: opts,
		Sink:    sink,
		Clock:   clock,
	})
	require.NoError(t, err)
	return h
}

func newTestHarvester(t *testing.T, f *fakeUpstream, opts Options) (*Harvester, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	return newTestHarvesterWith(t, f, opts, sink, nil), sink
}

func userTarget(uid string) TargetSpec {
	return TargetSpec{Kind: TargetUser, Identifier: uid, IsUID: true}
}

func TestHarvestDownloadsUserFeed(t *testing.T) {
	dir := t.TempDir()
	f := newFakeUpstream(t)
	f.serveUser(t, "777", "alice", []fakePost{
		{mid: "101", createdAt: "2021-05-02", text: "newer"},
		{mid: "100", createdAt: "2021-05-01", text: "older"},
	})

	h, sink := newTestHarvester(t, f, Options{
		BaseDir:    dir,
		StampsPath: filepath.Join(dir, "stamps.json"),
	})

	results, err := h.Run(context.Background(), []TargetSpec{userTarget("777")})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"u:777": true}, results)

	// Media landed under the nickname directory, complete and committed.
	for _, mid := range []string{"100", "101"} {
		path := filepath.Join(dir, "alice", "2021-05-01_00-00-00_"+mid+".jpg")
		if mid == "101" {
			path = filepath.Join(dir, "alice", "2021-05-02_00-00-00_"+mid+".jpg")
		}
		data, err := os.ReadFile(path)
		require.NoError(t, err, "expected %v", path)
		assert.Equal(t, "media-bytes-"+mid+".jpg", string(data))
	}

	// No leftover partials, checkpoint cleared after the clean finish.
	entries, err := os.ReadDir(filepath.Join(dir, "alice"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".part")
	}
	state, err := checkpoint.NewManager(dir).Load("u:777", h.optionsHash)
	require.NoError(t, err)
	assert.Nil(t, state)

	// Watermark advanced to the newest post.
	mark, ok := h.stamps.Get("u:777")
	require.True(t, ok)
	assert.True(t, mark.Equal(time.Date(2021, 5, 2, 0, 0, 0, 0, upstream.CST)))

	// Event ordering: target start first, each post's media before its
	// post done, exactly one target done at the end.
	kinds := sink.kinds()
	assert.Equal(t, EventTargetStart, kinds[1], "after the resolve stage event")
	assert.Equal(t, EventTargetDone, kinds[len(kinds)-1])
	done := sink.events[len(sink.events)-1]
	assert.True(t, done.OK)
	assert.Equal(t, 2, done.Counts.PostsProcessed)
	assert.Equal(t, 2, done.Counts.Downloaded)
}

func TestHarvestIncrementalRerunDownloadsNothing(t *testing.T) {
	dir := t.TempDir()
	f := newFakeUpstream(t)
	f.serveUser(t, "777", "alice", []fakePost{
		{mid: "101", createdAt: "2021-05-02", text: "newer"},
		{mid: "100", createdAt: "2021-05-01", text: "older"},
	})

	opts := Options{BaseDir: dir, StampsPath: filepath.Join(dir, "stamps.json")}

	h, _ := newTestHarvester(t, f, opts)
	_, err := h.Run(context.Background(), []TargetSpec{userTarget("777")})
	require.NoError(t, err)

	// Second run with the same stamps file stops at the watermark.
	h2, sink := newTestHarvester(t, f, opts)
	results, err := h2.Run(context.Background(), []TargetSpec{userTarget("777")})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"u:777": true}, results)

	done := sink.events[len(sink.events)-1]
	require.Equal(t, EventTargetDone, done.Kind)
	assert.True(t, done.OK)
	assert.Equal(t, 0, done.Counts.PostsProcessed)
	assert.Equal(t, 0, done.Counts.Downloaded)
}

func TestHarvestSkipsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	f := newFakeUpstream(t)
	f.serveUser(t, "777", "alice", []fakePost{
		{mid: "100", createdAt: "2021-05-01", text: "post"},
	})

	dest := filepath.Join(dir, "alice", "2021-05-01_00-00-00_100.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, []byte("already here"), 0o644))

	h, sink := newTestHarvester(t, f, Options{BaseDir: dir})
	_, err := h.Run(context.Background(), []TargetSpec{userTarget("777")})
	require.NoError(t, err)

	// Existing content is left untouched and counted as skipped.
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "already here", string(data))

	done := sink.events[len(sink.events)-1]
	assert.Equal(t, 1, done.Counts.Skipped)
	assert.Equal(t, 0, done.Counts.Downloaded)
}

func TestHarvestCountBound(t *testing.T) {
	dir := t.TempDir()
	f := newFakeUpstream(t)
	f.serveUser(t, "777", "alice", []fakePost{
		{mid: "103", createdAt: "2021-05-03", text: "a"},
		{mid: "102", createdAt: "2021-05-02", text: "b"},
		{mid: "101", createdAt: "2021-05-01", text: "c"},
	})

	h, sink := newTestHarvester(t, f, Options{BaseDir: dir, Count: 2})
	_, err := h.Run(context.Background(), []TargetSpec{userTarget("777")})
	require.NoError(t, err)

	done := sink.events[len(sink.events)-1]
	assert.Equal(t, 2, done.Counts.PostsProcessed)
}

func TestHarvestFastUpdateStops(t *testing.T) {
	dir := t.TempDir()
	f := newFakeUpstream(t)
	f.serveUser(t, "777", "alice", []fakePost{
		{mid: "103", createdAt: "2021-05-03", text: "new"},
		{mid: "102", createdAt: "2021-05-02", text: "present"},
		{mid: "101", createdAt: "2021-05-01", text: "old"},
	})

	// The middle post's media already exists: fast update stops there.
	dest := filepath.Join(dir, "alice", "2021-05-02_00-00-00_102.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, []byte("x"), 0o644))

	h, sink := newTestHarvester(t, f, Options{BaseDir: dir, FastUpdate: true})
	_, err := h.Run(context.Background(), []TargetSpec{userTarget("777")})
	require.NoError(t, err)

	done := sink.events[len(sink.events)-1]
	assert.Equal(t, 1, done.Counts.Downloaded, "only the newest post downloads")
	assert.Equal(t, 1, done.Counts.PostsProcessed, "the post that triggered the stop is not counted")
	_, err = os.Stat(filepath.Join(dir, "alice", "2021-05-01_00-00-00_101.jpg"))
	assert.True(t, os.IsNotExist(err), "posts past the stop point are not fetched")
}

func TestHarvestMediaFailureIsContained(t *testing.T) {
	dir := t.TempDir()
	f := newFakeUpstream(t)
	f.serveUser(t, "777", "alice", []fakePost{
		{mid: "100", createdAt: "2021-05-01", text: "post"},
	})
	// Shadow the media handler for one mid with a hard failure.
	f.mux.HandleFunc("/media/100.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	h, sink := newTestHarvester(t, f, Options{BaseDir: dir})
	results, err := h.Run(context.Background(), []TargetSpec{userTarget("777")})
	require.NoError(t, err, "a media failure must not abort the run")
	assert.Equal(t, map[string]bool{"u:777": false}, results, "a target with failed media reports failure")

	done := sink.events[len(sink.events)-1]
	require.Equal(t, EventTargetDone, done.Kind)
	assert.False(t, done.OK)
	assert.Equal(t, 1, done.Counts.Failed)
	assert.Equal(t, 1, done.Counts.PostsProcessed)

	// No partial file remains.
	entries, err := os.ReadDir(filepath.Join(dir, "alice"))
	if err == nil {
		for _, e := range entries {
			assert.NotContains(t, e.Name(), ".part")
		}
	}
}

func TestHarvestInterruptFlushesCheckpoint(t *testing.T) {
	dir := t.TempDir()
	f := newFakeUpstream(t)
	f.serveUser(t, "777", "alice", []fakePost{
		{mid: "101", createdAt: "2021-05-02", text: "newer"},
		{mid: "100", createdAt: "2021-05-01", text: "older"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &hookSink{}
	sink.onEvent = func(event Event) {
		// The operator hits Ctrl-C right after the first media commit.
		if event.Kind == EventMediaDone && event.Outcome == OutcomeDownloaded {
			cancel()
		}
	}
	h := newTestHarvesterWith(t, f, Options{BaseDir: dir}, sink, nil)

	results, err := h.Run(ctx, []TargetSpec{userTarget("777")})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, map[string]bool{"u:777": false}, results)

	// The interrupt is announced, then the target closes unsuccessfully.
	kinds := sink.kinds()
	assert.Contains(t, kinds, EventInterrupted)
	require.Equal(t, EventTargetDone, kinds[len(kinds)-1])
	assert.False(t, sink.events[len(sink.events)-1].OK)

	// Resume state reached disk before unwinding.
	state, err := checkpoint.NewManager(dir).Load("u:777", h.optionsHash)
	require.NoError(t, err)
	require.NotNil(t, state, "an interrupt must flush a checkpoint")
	assert.Contains(t, state.SeenMids, "101")
}

func TestHarvestPostTimeout(t *testing.T) {
	dir := t.TempDir()
	f := newFakeUpstream(t)
	clock := clockwork.NewFakeClock()

	// The newer post carries one healthy picture and one that stalls
	// until its request is dropped; the older post is healthy.
	f.mux.HandleFunc("/api/container/getIndex", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("type") == "uid" {
			fmt.Fprint(w, `{"ok": 1, "data": {"userInfo": {"id": 777, "screen_name": "alice"}}}`)
			return
		}
		if query.Get("page") != "" || query.Get("since_id") != "" {
			fmt.Fprint(w, `{"ok": 1, "data": {"cards": []}}`)
			return
		}
		fmt.Fprintf(w, `{"ok": 1, "data": {"cards": [
			{"mblog": {
				"mid": "100", "created_at": "2021-05-02", "text": "stuck",
				"user": {"id": 777, "screen_name": "alice"},
				"pics": [{"url": %q}, {"url": %q}]
			}},
			{"mblog": {
				"mid": "99", "created_at": "2021-05-01", "text": "fine",
				"user": {"id": 777, "screen_name": "alice"},
				"pics": [{"url": %q}]
			}}
		]}}`, f.server.URL+"/media/ok1.jpg", f.server.URL+"/media/stalled.jpg", f.server.URL+"/media/ok2.jpg")
	})
	for _, name := range []string{"/media/ok1.jpg", "/media/ok2.jpg"} {
		f.mux.HandleFunc(name, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("media-bytes"))
		})
	}
	f.mux.HandleFunc("/media/stalled.jpg", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	statePath := filepath.Join(dir, ".checkpoints", checkpoint.HashKey("u:777")+".json")
	sink := &hookSink{}
	sink.onEvent = func(event Event) {
		if event.Kind != EventMediaDone {
			return
		}
		if event.Mid == "100" && event.Outcome == OutcomeDownloaded {
			// The healthy download of the stuck post finished, the stalled
			// one is still in flight: run out the post's wall clock.
			clock.Advance(time.Hour)
		}
		if event.Mid == "99" {
			// By now the stuck post is fully handled. It timed out, so no
			// checkpoint may cover it: a rerun has to revisit it.
			_, err := os.Stat(statePath)
			assert.True(t, os.IsNotExist(err), "timed-out post must not be checkpointed")
		}
	}
	h := newTestHarvesterWith(t, f, Options{BaseDir: dir}, sink, clock)

	results, err := h.Run(context.Background(), []TargetSpec{userTarget("777")})
	require.NoError(t, err, "a post timeout must not abort the run")
	assert.Equal(t, map[string]bool{"u:777": false}, results)

	// The unfinished job reports its own failed media event.
	var failed []Event
	for _, e := range sink.events {
		if e.Kind == EventMediaDone && e.Outcome == OutcomeFailed {
			failed = append(failed, e)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "100", failed[0].Mid)
	assert.Contains(t, failed[0].Path, "stalled")
	require.Error(t, failed[0].Err)

	done := sink.events[len(sink.events)-1]
	require.Equal(t, EventTargetDone, done.Kind)
	assert.False(t, done.OK)
	assert.Equal(t, 2, done.Counts.PostsProcessed)
	assert.Equal(t, 2, done.Counts.Downloaded)
	assert.Equal(t, 1, done.Counts.Failed)
}

func TestHarvestMetadataJSON(t *testing.T) {
	dir := t.TempDir()
	f := newFakeUpstream(t)
	f.serveUser(t, "777", "alice", []fakePost{
		{mid: "100", createdAt: "2021-05-01", text: "带文字的帖子"},
	})

	h, _ := newTestHarvester(t, f, Options{
		BaseDir:         dir,
		MetadataJSON:    true,
		PostMetadataTxt: "note",
	})
	_, err := h.Run(context.Background(), []TargetSpec{userTarget("777")})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "alice", "100.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "带文字的帖子", "multibyte text must not be escaped")

	txt, err := os.ReadFile(filepath.Join(dir, "alice", "100.txt"))
	require.NoError(t, err)
	assert.Equal(t, "note", string(txt))
}

func TestHarvestLockContentionFailsTarget(t *testing.T) {
	dir := t.TempDir()
	f := newFakeUpstream(t)
	f.serveUser(t, "777", "alice", []fakePost{
		{mid: "100", createdAt: "2021-05-01", text: "post"},
	})

	// Another process holds the target's lock.
	release, err := checkpoint.NewManager(dir).AcquireLock("u:777")
	require.NoError(t, err)
	defer release()

	h, _ := newTestHarvester(t, f, Options{BaseDir: dir})
	results, err := h.Run(context.Background(), []TargetSpec{userTarget("777")})
	require.NoError(t, err, "lock contention is per-target, the run continues")
	assert.Equal(t, map[string]bool{"u:777": false}, results)
}

func TestHarvestNoResumeSkipsCheckpoints(t *testing.T) {
	dir := t.TempDir()
	f := newFakeUpstream(t)
	f.serveUser(t, "777", "alice", []fakePost{
		{mid: "100", createdAt: "2021-05-01", text: "post"},
	})

	h, _ := newTestHarvester(t, f, Options{BaseDir: dir, NoResume: true})
	_, err := h.Run(context.Background(), []TargetSpec{userTarget("777")})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, ".checkpoints"))
	assert.True(t, os.IsNotExist(err), "no-resume must not create checkpoint state")
}

func TestOptionsHash(t *testing.T) {
	base := Options{FilenamePattern: "{date}_{name}"}
	same := Options{FilenamePattern: "{date}_{name}"}
	assert.Equal(t, base.Hash(), same.Hash())
	assert.Len(t, base.Hash(), 16)

	// Layout-shaping options change the hash, ambient ones do not.
	changed := base
	changed.NoVideos = true
	assert.NotEqual(t, base.Hash(), changed.Hash())

	ambient := base
	ambient.MaxWorkers = 9
	ambient.StampsPath = "/elsewhere"
	assert.Equal(t, base.Hash(), ambient.Hash())
}
