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
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/weiboharvest/weiboharvest"
	"github.com/weiboharvest/weiboharvest/lib/checkpoint"
	"github.com/weiboharvest/weiboharvest/lib/defaults"
	"github.com/weiboharvest/weiboharvest/lib/upstream"
	"github.com/weiboharvest/weiboharvest/lib/utils"
	logutils "github.com/weiboharvest/weiboharvest/lib/utils/log"
)

var log = logutils.NewPackageLogger(weiboharvest.ComponentKey, weiboharvest.ComponentHarvest)

// Options is the run's option vector.
type Options struct {
	// BaseDir is the output root. Empty means the current directory.
	BaseDir string
	// DirnamePattern overrides the per-kind default output directory
	// template.
	DirnamePattern string
	// FilenamePattern is the media basename template.
	FilenamePattern string
	// NoVideos drops video media before dispatch.
	NoVideos bool
	// NoPictures drops picture media before dispatch.
	NoPictures bool
	// Count bounds posts processed per target, 0 means unbounded.
	Count int
	// FastUpdate stops a target at the first post whose media already
	// exists on disk.
	FastUpdate bool
	// StampsPath enables incremental mode backed by a watermark file.
	StampsPath string
	// MetadataJSON also writes <mid>.json with the preserved raw record.
	MetadataJSON bool
	// PostMetadataTxt also writes <mid>.txt with this literal when
	// non-empty.
	PostMetadataTxt string
	// MaxWorkers bounds concurrent media downloads within a post.
	MaxWorkers int
	// NoResume disables checkpoint load, save, and clear entirely.
	NoResume bool
}

// CheckAndSetDefaults validates the options and fills in defaults.
func (o *Options) CheckAndSetDefaults() error {
	if o.BaseDir == "" {
		o.BaseDir = "."
	}
	if o.FilenamePattern == "" {
		o.FilenamePattern = defaults.FilenamePattern
	}
	if o.Count < 0 {
		return trace.BadParameter("count must not be negative")
	}
	if o.MaxWorkers == 0 {
		o.MaxWorkers = defaults.MaxWorkers
	}
	if o.MaxWorkers < 0 {
		return trace.BadParameter("max workers must be positive")
	}
	return nil
}

// Hash fingerprints the options that shape the output layout. Two runs
// with equal hashes can safely share a checkpoint; anything else must
// not resume.
func (o Options) Hash() string {
	canonical, _ := json.Marshal(struct {
		Dirname    string `json:"dirname"`
		Filename   string `json:"filename"`
		NoVideos   bool   `json:"no_videos"`
		NoPictures bool   `json:"no_pictures"`
		Count      int    `json:"count"`
		FastUpdate bool   `json:"fast_update"`
	}{o.DirnamePattern, o.FilenamePattern, o.NoVideos, o.NoPictures, o.Count, o.FastUpdate})
	sum := sha1.Sum(canonical)
	return hex.EncodeToString(sum[:])[:16]
}

// defaultDirnamePattern returns the output directory template for a
// target kind.
func defaultDirnamePattern(kind TargetKind) string {
	switch kind {
	case TargetUser:
		return "./{nickname}"
	case TargetSuperTopic:
		return "./topic/{topic_name}"
	case TargetSearch:
		return "./search/{keyword}"
	}
	return "."
}

// Config holds harvester settings.
type Config struct {
	// Client is the upstream HTTP context, required.
	Client *upstream.Client
	// Options is the run's option vector.
	Options Options
	// Sink consumes progress events, NullSink when nil.
	Sink Sink
	// Clock overrides the time source in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing Client")
	}
	if err := c.Options.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if c.Sink == nil {
		c.Sink = NullSink{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Harvester walks targets sequentially, downloading each target's media
// through a bounded worker pool and persisting resume state as it goes.
type Harvester struct {
	cfg         Config
	checkpoints *checkpoint.Manager
	stamps      *Stamps
	optionsHash string
}

// NewHarvester creates a Harvester, loading the watermark file when
// incremental mode is enabled.
func NewHarvester(cfg Config) (*Harvester, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	stamps := NewStamps()
	if cfg.Options.StampsPath != "" {
		var err error
		stamps, err = LoadStamps(cfg.Options.StampsPath)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return &Harvester{
		cfg:         cfg,
		checkpoints: checkpoint.NewManager(cfg.Options.BaseDir),
		stamps:      stamps,
		optionsHash: cfg.Options.Hash(),
	}, nil
}

func (h *Harvester) emit(event Event) {
	h.cfg.Sink.HandleEvent(event)
}

// Run harvests each target in order and returns the per-target result
// map keyed by resolved target key. Target failures are isolated: the
// run continues and the failure is recorded as false. Auth failures and
// interrupts are not isolated, they abort the run.
func (h *Harvester) Run(ctx context.Context, targets []TargetSpec) (map[string]bool, error) {
	results := make(map[string]bool, len(targets))
	for _, target := range targets {
		h.emit(Event{Kind: EventStage, Message: "Resolving " + target.Key()})

		resolved, vars, err := h.resolve(ctx, target)
		if err != nil {
			if ctx.Err() != nil || trace.IsAccessDenied(err) {
				return results, trace.Wrap(err)
			}
			log.Warn("Failed to resolve target.", "target", target.Key(), "error", err)
			results[target.Key()] = false
			continue
		}

		ok, err := h.harvestTarget(ctx, resolved, vars)
		if err != nil {
			if ctx.Err() != nil || trace.IsAccessDenied(err) {
				results[resolved.Key()] = false
				return results, trace.Wrap(err)
			}
			log.Warn("Target failed.", "target", resolved.Key(), "error", err)
			results[resolved.Key()] = false
			continue
		}
		results[resolved.Key()] = ok
	}
	return results, nil
}

// resolve turns a raw target into its canonical form and the template
// variables its directory pattern needs.
func (h *Harvester) resolve(ctx context.Context, target TargetSpec) (TargetSpec, TemplateVars, error) {
	vars := TemplateVars{}
	switch target.Kind {
	case TargetUser:
		if !target.IsUID {
			uid, err := h.cfg.Client.ResolveNickname(ctx, target.Identifier)
			if err != nil {
				return target, vars, trace.Wrap(err)
			}
			vars.Nickname = target.Identifier
			vars.UID = uid
			target = TargetSpec{Kind: TargetUser, Identifier: uid, IsUID: true}
			return target, vars, nil
		}
		vars.UID = target.Identifier
		user, err := h.cfg.Client.GetUserInfo(ctx, target.Identifier)
		if err != nil {
			return target, vars, trace.Wrap(err)
		}
		vars.Nickname = user.Nickname
		return target, vars, nil

	case TargetSuperTopic:
		if target.IsContainerID {
			vars.TopicName = target.Identifier
			return target, vars, nil
		}
		topics, err := h.cfg.Client.SearchSuperTopics(ctx, target.Identifier)
		if err != nil {
			return target, vars, trace.Wrap(err)
		}
		if len(topics) == 0 {
			return target, vars, trace.NotFound("no super-topic found for %q", target.Identifier)
		}
		vars.TopicName = topics[0].Name
		return TargetSpec{Kind: TargetSuperTopic, Identifier: topics[0].ContainerID, IsContainerID: true}, vars, nil

	case TargetSearch:
		vars.Keyword = target.Identifier
		return target, vars, nil

	case TargetPost:
		vars.Mid = target.Identifier
		return target, vars, nil
	}
	return target, vars, trace.BadParameter("unknown target kind %q", target.Kind)
}

// fetchFunc builds the page fetcher the iterator drives for a resolved
// target.
func (h *Harvester) fetchFunc(target TargetSpec) FetchPageFunc {
	client := h.cfg.Client
	switch target.Kind {
	case TargetUser:
		return func(ctx context.Context, page int, cursor string) ([]*upstream.Post, string, bool, error) {
			posts, next, err := client.GetUserPosts(ctx, target.Identifier, page, cursor)
			return posts, next, next != "", trace.Wrap(err)
		}
	case TargetSuperTopic:
		return func(ctx context.Context, page int, cursor string) ([]*upstream.Post, string, bool, error) {
			posts, next, err := client.GetSuperTopicPosts(ctx, target.Identifier, page, cursor)
			return posts, next, next != "", trace.Wrap(err)
		}
	case TargetSearch:
		return func(ctx context.Context, page int, cursor string) ([]*upstream.Post, string, bool, error) {
			posts, next, err := client.SearchPosts(ctx, target.Identifier, page)
			// Search paginates by page number only, an empty page ends it.
			return posts, next, len(posts) > 0, trace.Wrap(err)
		}
	case TargetPost:
		return func(ctx context.Context, page int, cursor string) ([]*upstream.Post, string, bool, error) {
			post, err := client.GetPostByMid(ctx, target.Identifier)
			if err != nil {
				return nil, "", false, trace.Wrap(err)
			}
			return []*upstream.Post{post}, "", false, nil
		}
	}
	return func(ctx context.Context, page int, cursor string) ([]*upstream.Post, string, bool, error) {
		return nil, "", false, trace.BadParameter("unknown target kind %q", target.Kind)
	}
}

// harvestTarget runs the per-target loop: thaw, iterate, dispatch,
// checkpoint, watermark. The bool reports target success: a target that
// ran to the end but left media failed reports false without an error.
func (h *Harvester) harvestTarget(ctx context.Context, target TargetSpec, vars TemplateVars) (bool, error) {
	key := target.Key()
	opts := h.cfg.Options

	dirPattern := opts.DirnamePattern
	if dirPattern == "" {
		dirPattern = defaultDirnamePattern(target.Kind)
	}
	dir := filepath.Join(opts.BaseDir, BuildDirectory(dirPattern, vars))

	h.emit(Event{Kind: EventTargetStart, TargetKey: key})

	if !opts.NoResume {
		release, err := h.checkpoints.AcquireLock(key)
		if err != nil {
			h.emit(Event{Kind: EventTargetDone, TargetKey: key, OK: false, Err: err})
			return false, trace.Wrap(err)
		}
		defer release()
	}

	iter := NewIterator(h.fetchFunc(target), target.Kind == TargetPost)
	if !opts.NoResume {
		state, err := h.checkpoints.Load(key, h.optionsHash)
		if err != nil {
			h.emit(Event{Kind: EventTargetDone, TargetKey: key, OK: false, Err: err})
			return false, trace.Wrap(err)
		}
		if state != nil {
			log.Info("Resuming from checkpoint.", "target", key, "page", state.Page)
			iter.Thaw(state)
		}
	}

	cutoff, haveCutoff := h.stamps.Get(key)
	var newestSeen time.Time
	var counts Counts

	flush := func() {
		if !opts.NoResume {
			if err := h.checkpoints.Save(key, h.frozenState(iter)); err != nil {
				log.Warn("Failed to save checkpoint.", "target", key, "error", err)
			}
		}
		if newestSeen.After(cutoff) {
			h.stamps.Advance(key, newestSeen)
		}
		if err := h.stamps.Save(); err != nil {
			log.Warn("Failed to save stamps.", "target", key, "error", err)
		}
	}

	for {
		if opts.Count > 0 && counts.PostsProcessed >= opts.Count {
			break
		}
		post, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				h.interrupted(key, flush, &counts)
				return false, trace.Wrap(ctx.Err())
			}
			flush()
			h.emit(Event{Kind: EventTargetDone, TargetKey: key, OK: false, Counts: counts, Err: err})
			return false, trace.Wrap(err)
		}
		if haveCutoff && !post.CreatedAt.After(cutoff) {
			// Posts arrive newest first: everything from here on is
			// already harvested.
			break
		}

		timedOut, stop, err := h.processPost(ctx, post, dir, vars, &counts)
		if err != nil {
			h.interrupted(key, flush, &counts)
			return false, trace.Wrap(err)
		}
		if stop {
			break
		}
		counts.PostsProcessed++
		if !timedOut {
			if !opts.NoResume {
				if err := h.checkpoints.Save(key, h.frozenState(iter)); err != nil {
					log.Warn("Failed to save checkpoint.", "target", key, "error", err)
				}
			}
			if post.CreatedAt.After(newestSeen) {
				newestSeen = post.CreatedAt
			}
		}
	}

	if newestSeen.After(cutoff) {
		h.stamps.Advance(key, newestSeen)
	}
	if !opts.NoResume {
		if err := h.checkpoints.Clear(key); err != nil {
			log.Warn("Failed to clear checkpoint.", "target", key, "error", err)
		}
	}
	if err := h.stamps.Save(); err != nil {
		return false, trace.Wrap(err)
	}
	ok := counts.Failed == 0
	h.emit(Event{Kind: EventTargetDone, TargetKey: key, OK: ok, Counts: counts})
	return ok, nil
}

func (h *Harvester) frozenState(iter *Iterator) *checkpoint.State {
	state := iter.Freeze()
	state.OptionsHash = h.optionsHash
	state.Timestamp = h.cfg.Clock.Now()
	return state
}

func (h *Harvester) interrupted(key string, flush func(), counts *Counts) {
	h.emit(Event{Kind: EventInterrupted, TargetKey: key})
	flush()
	h.emit(Event{Kind: EventTargetDone, TargetKey: key, OK: false, Counts: *counts})
}

type mediaJob struct {
	mid  string
	item upstream.MediaItem
	dest string
}

type mediaResult struct {
	job     mediaJob
	outcome MediaOutcome
	bytes   int64
	err     error
}

// buildJobs filters a post's media per options and assigns collision
// free destinations.
func (h *Harvester) buildJobs(post *upstream.Post, dir string, vars TemplateVars) []mediaJob {
	opts := h.cfg.Options
	taken := make(map[string]struct{})
	var jobs []mediaJob
	for _, item := range post.Media {
		if opts.NoVideos && item.Type == upstream.MediaTypeVideo {
			continue
		}
		if opts.NoPictures && item.Type == upstream.MediaTypePicture {
			continue
		}
		itemVars := vars
		itemVars.Mid = post.Mid
		itemVars.Bid = post.Bid
		itemVars.Text = post.Text
		itemVars.Date = post.CreatedAt
		itemVars.Type = string(item.Type)
		itemVars.Name = item.FilenameHint
		itemVars.Index = item.Index
		if itemVars.Name == "" {
			itemVars.Name = post.Mid
		}
		name := BuildFilename(opts.FilenamePattern, itemVars, item.URL, taken)
		jobs = append(jobs, mediaJob{mid: post.Mid, item: item, dest: filepath.Join(dir, name)})
	}
	return jobs
}

// processPost downloads one post's media through the worker pool. The
// stop return asks the caller to end the target (fast-update hit); a
// non-nil error is an interrupt.
func (h *Harvester) processPost(ctx context.Context, post *upstream.Post, dir string, vars TemplateVars, counts *Counts) (timedOut, stop bool, err error) {
	opts := h.cfg.Options
	jobs := h.buildJobs(post, dir, vars)

	if opts.FastUpdate {
		for _, job := range jobs {
			if utils.FileHasContent(job.dest) {
				return false, true, nil
			}
		}
	}

	if opts.MetadataJSON {
		if err := writeMetadataJSON(filepath.Join(dir, post.Mid+".json"), post.Raw); err != nil {
			log.Warn("Failed to write metadata.", "mid", post.Mid, "error", err)
		}
	}
	if opts.PostMetadataTxt != "" {
		if err := utils.EnsureDir(dir); err == nil {
			if err := utils.AtomicWriteFile(filepath.Join(dir, post.Mid+".txt"), []byte(opts.PostMetadataTxt), 0o644); err != nil {
				log.Warn("Failed to write metadata text.", "mid", post.Mid, "error", err)
			}
		}
	}

	if len(jobs) == 0 {
		h.emit(Event{Kind: EventPostDone, Mid: post.Mid})
		return false, false, nil
	}

	postCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan mediaResult, len(jobs))
	group := &errgroup.Group{}
	group.SetLimit(opts.MaxWorkers)
	for _, job := range jobs {
		job := job
		group.Go(func() error {
			outcome, written, err := h.downloadMedia(postCtx, job)
			results <- mediaResult{job: job, outcome: outcome, bytes: written, err: err}
			return nil
		})
	}

	// Pool wall time scales with the job count so a large post does not
	// hit an arbitrary fixed ceiling.
	timeout := time.Duration(len(jobs)) * defaults.PerMediaTimeout
	if timeout < defaults.MinPostTimeout {
		timeout = defaults.MinPostTimeout
	}
	timer := h.cfg.Clock.After(timeout)

	received := 0
	finished := make(map[string]struct{}, len(jobs))
collect:
	for received < len(jobs) {
		select {
		case res := <-results:
			received++
			finished[res.job.dest] = struct{}{}
			h.recordResult(res, counts)
		case <-timer:
			timedOut = true
			cancel()
			// Workers unblock on the canceled context and drain into the
			// buffered channel. Each unfinished job counts and reports as
			// failed.
			timeoutErr := trace.LimitExceeded("post timed out after %v", timeout)
			for _, job := range jobs {
				if _, done := finished[job.dest]; done {
					continue
				}
				counts.Failed++
				h.emit(Event{
					Kind:    EventMediaDone,
					Mid:     job.mid,
					Path:    job.dest,
					Outcome: OutcomeFailed,
					Err:     timeoutErr,
				})
			}
			break collect
		case <-ctx.Done():
			cancel()
			return false, false, trace.Wrap(ctx.Err())
		}
	}

	h.emit(Event{Kind: EventPostDone, Mid: post.Mid})
	return timedOut, false, nil
}

func (h *Harvester) recordResult(res mediaResult, counts *Counts) {
	switch res.outcome {
	case OutcomeDownloaded:
		counts.Downloaded++
	case OutcomeSkipped:
		counts.Skipped++
	default:
		counts.Failed++
	}
	if res.err != nil {
		log.Warn("Media download failed.", "url", res.job.item.URL, "error", res.err)
	}
	h.emit(Event{
		Kind:    EventMediaDone,
		Mid:     res.job.mid,
		Path:    res.job.dest,
		Outcome: res.outcome,
		Bytes:   res.bytes,
		Err:     res.err,
	})
}

// downloadMedia streams one media URL to its destination through a
// temporary sibling. The destination either ends up complete or absent,
// never partial. A read stall longer than the stream timeout cancels the
// transfer.
func (h *Harvester) downloadMedia(ctx context.Context, job mediaJob) (MediaOutcome, int64, error) {
	if utils.FileHasContent(job.dest) {
		return OutcomeSkipped, 0, nil
	}
	if err := utils.EnsureDir(filepath.Dir(job.dest)); err != nil {
		return OutcomeFailed, 0, trace.Wrap(err)
	}

	dlCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchdog := h.cfg.Clock.AfterFunc(defaults.StreamReadTimeout, cancel)
	defer watchdog.Stop()

	resp, err := h.cfg.Client.FetchMedia(dlCtx, job.item.URL)
	if err != nil {
		return OutcomeFailed, 0, trace.Wrap(err)
	}
	defer resp.Body.Close()

	part := job.dest + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return OutcomeFailed, 0, trace.ConvertSystemError(err)
	}

	var written int64
	buf := make([]byte, defaults.DownloadChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		watchdog.Reset(defaults.StreamReadTimeout)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				f.Close()
				os.Remove(part)
				return OutcomeFailed, 0, trace.ConvertSystemError(writeErr)
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			os.Remove(part)
			return OutcomeFailed, 0, trace.Wrap(readErr)
		}
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(part)
		return OutcomeFailed, 0, trace.ConvertSystemError(err)
	}
	if err := f.Close(); err != nil {
		os.Remove(part)
		return OutcomeFailed, 0, trace.ConvertSystemError(err)
	}
	if err := os.Rename(part, job.dest); err != nil {
		os.Remove(part)
		return OutcomeFailed, 0, trace.ConvertSystemError(err)
	}
	return OutcomeDownloaded, written, nil
}

// writeMetadataJSON writes the preserved upstream record, 2-space
// indented, with multibyte text left unescaped.
func writeMetadataJSON(path string, raw map[string]any) error {
	if raw == nil {
		return nil
	}
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(raw); err != nil {
		return trace.Wrap(err)
	}
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(utils.AtomicWriteFile(path, buf.Bytes(), 0o644))
}
