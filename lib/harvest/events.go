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

// EventKind discriminates progress events.
type EventKind string

const (
	// EventStage reports a coarse phase change (resolving, harvesting).
	EventStage EventKind = "stage"
	// EventTargetStart opens a target. It precedes all of the target's
	// events.
	EventTargetStart EventKind = "target_start"
	// EventMediaDone reports one finished media job.
	EventMediaDone EventKind = "media_done"
	// EventPostDone closes a post, after all its media events.
	EventPostDone EventKind = "post_done"
	// EventTargetDone closes a target, emitted exactly once per target.
	EventTargetDone EventKind = "target_done"
	// EventInterrupted reports an operator interrupt before unwinding.
	EventInterrupted EventKind = "interrupted"
)

// MediaOutcome is the terminal state of a media job.
type MediaOutcome string

const (
	// OutcomeDownloaded means bytes were fetched and committed.
	OutcomeDownloaded MediaOutcome = "downloaded"
	// OutcomeSkipped means the destination already existed with content.
	OutcomeSkipped MediaOutcome = "skipped"
	// OutcomeFailed means the job errored or timed out.
	OutcomeFailed MediaOutcome = "failed"
)

// Counts summarizes a finished target.
type Counts struct {
	PostsProcessed int
	Downloaded     int
	Skipped        int
	Failed         int
}

// Event is one progress notification. Fields beyond Kind are populated
// per kind.
type Event struct {
	Kind      EventKind
	TargetKey string
	// Message carries stage text for EventStage.
	Message string
	// Mid identifies the post for post and media events.
	Mid string
	// Path is the destination of a finished media job.
	Path string
	// Outcome is set on EventMediaDone.
	Outcome MediaOutcome
	// Bytes is the number of bytes written by a downloaded media job.
	Bytes int64
	// OK reports target success on EventTargetDone.
	OK bool
	// Counts summarizes the target on EventTargetDone.
	Counts Counts
	// Err carries the failure for unsuccessful media jobs and targets.
	Err error
}

// Sink consumes progress events. Implementations must be safe for calls
// from the orchestrator goroutine only; media completions are funneled
// through it, not emitted concurrently.
type Sink interface {
	HandleEvent(event Event)
}

// PauseResumer is optionally implemented by sinks that render transient
// output. The orchestrator pauses the sink while an interactive
// challenge owns the terminal.
type PauseResumer interface {
	Pause()
	Resume()
}

// NullSink discards all events.
type NullSink struct{}

// HandleEvent implements Sink.
func (NullSink) HandleEvent(event Event) {}
