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

package common

import (
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/weiboharvest/weiboharvest/lib/harvest"
)

// terminalSink renders progress events to the terminal. Pause mutes
// output while an interactive challenge owns the terminal; events that
// arrive muted are dropped, not queued, since the progress they report
// is visible in the final summary anyway.
type terminalSink struct {
	mu     sync.Mutex
	out    io.Writer
	paused bool

	header *color.Color
	good   *color.Color
	bad    *color.Color
	subtle *color.Color
}

func newTerminalSink(out io.Writer) *terminalSink {
	return &terminalSink{
		out:    out,
		header: color.New(color.FgCyan, color.Bold),
		good:   color.New(color.FgGreen),
		bad:    color.New(color.FgRed),
		subtle: color.New(color.Faint),
	}
}

// Pause implements harvest.PauseResumer.
func (s *terminalSink) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume implements harvest.PauseResumer.
func (s *terminalSink) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// HandleEvent implements harvest.Sink.
func (s *terminalSink) HandleEvent(event harvest.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}

	switch event.Kind {
	case harvest.EventStage:
		s.subtle.Fprintln(s.out, event.Message)

	case harvest.EventTargetStart:
		s.header.Fprintf(s.out, "==> %s\n", event.TargetKey)

	case harvest.EventMediaDone:
		switch event.Outcome {
		case harvest.OutcomeDownloaded:
			s.good.Fprintf(s.out, "  %s (%s)\n", event.Path, humanize.Bytes(uint64(event.Bytes)))
		case harvest.OutcomeSkipped:
			s.subtle.Fprintf(s.out, "  %s (exists)\n", event.Path)
		case harvest.OutcomeFailed:
			if event.Err != nil {
				s.bad.Fprintf(s.out, "  failed: %v\n", event.Err)
			} else {
				s.bad.Fprintf(s.out, "  failed: %s\n", event.Path)
			}
		}

	case harvest.EventInterrupted:
		s.bad.Fprintln(s.out, "Interrupted, saving state...")

	case harvest.EventTargetDone:
		c := event.Counts
		if event.OK {
			fmt.Fprintf(s.out, "%s: %d posts, %d downloaded, %d skipped, %d failed\n",
				event.TargetKey, c.PostsProcessed, c.Downloaded, c.Skipped, c.Failed)
		} else if event.Err != nil {
			s.bad.Fprintf(s.out, "%s: failed: %v\n", event.TargetKey, event.Err)
		} else {
			s.bad.Fprintf(s.out, "%s: failed\n", event.TargetKey)
		}
	}
}
