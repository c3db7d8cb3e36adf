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
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/weiboharvest/weiboharvest/lib/defaults"
	"github.com/weiboharvest/weiboharvest/lib/utils/prompt"
)

// ChallengeMode selects how anti-automation challenges are resolved.
type ChallengeMode string

const (
	// ChallengeModeAuto prefers the browser handler when one is
	// configured and falls back to the manual handler.
	ChallengeModeAuto ChallengeMode = "auto"
	// ChallengeModeBrowser delegates to an external browser automation
	// collaborator.
	ChallengeModeBrowser ChallengeMode = "browser"
	// ChallengeModeManual prints the challenge URL and waits for the
	// operator to confirm.
	ChallengeModeManual ChallengeMode = "manual"
	// ChallengeModeSkip treats every challenge as unsolved.
	ChallengeModeSkip ChallengeMode = "skip"
)

// ChallengeModes lists the accepted mode names for CLI validation.
var ChallengeModes = []string{
	string(ChallengeModeAuto),
	string(ChallengeModeBrowser),
	string(ChallengeModeManual),
	string(ChallengeModeSkip),
}

// ChallengeHandler resolves an upstream anti-automation wall. The handler
// must merge any cookies obtained while solving into the session before
// returning true. The core never depends on the concrete mechanism.
type ChallengeHandler interface {
	Solve(ctx context.Context, verifyURL string, session *Session) (bool, error)
}

// CookieFetcher obtains bootstrap visitor cookies. Implementations live
// outside the core (a headful browser collaborator).
type CookieFetcher interface {
	Fetch(ctx context.Context) (map[string]string, error)
}

// SkipChallengeHandler reports every challenge as unsolved.
type SkipChallengeHandler struct{}

// Solve implements ChallengeHandler.
func (SkipChallengeHandler) Solve(ctx context.Context, verifyURL string, session *Session) (bool, error) {
	return false, nil
}

// ManualChallengeHandler prints the challenge URL and waits for the
// operator to press Enter after solving it in their own browser.
type ManualChallengeHandler struct {
	// Out receives the challenge instructions.
	Out io.Writer
	// In is read for the operator's acknowledgement.
	In io.Reader
	// Timeout bounds the wait. Zero means the default challenge timeout.
	Timeout time.Duration
	// Clock overrides the time source in tests.
	Clock clockwork.Clock
}

// Solve implements ChallengeHandler.
func (h ManualChallengeHandler) Solve(ctx context.Context, verifyURL string, session *Session) (bool, error) {
	out := h.Out
	if out == nil {
		out = os.Stderr
	}
	in := h.In
	if in == nil {
		in = os.Stdin
	}
	clock := h.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	timeout := h.Timeout
	if timeout == 0 {
		timeout = defaults.ChallengeTimeout
	}

	question := fmt.Sprintf("Challenge detected: %v\nSolve it in a browser, then press Enter within %v.", verifyURL, timeout)
	acked := make(chan error, 1)
	go func() {
		acked <- prompt.Acknowledge(ctx, out, in, question)
	}()

	select {
	case err := <-acked:
		if err != nil {
			return false, nil
		}
		return true, nil
	case <-clock.After(timeout):
		return false, nil
	case <-ctx.Done():
		return false, trace.Wrap(ctx.Err())
	}
}

// challengeHosts are URL fragments that identify the upstream's
// verification and login walls.
var challengeHosts = []string{
	"passport.weibo",
	"login.sina",
	"verify",
	"captcha",
	"challenge",
}

func isChallengeURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil || raw == "" {
		return false
	}
	text := strings.ToLower(parsed.Host + parsed.Path)
	for _, h := range challengeHosts {
		if strings.Contains(text, h) {
			return true
		}
	}
	return false
}

// challengeURL returns the verification URL a response is steering us to,
// or empty when the response is not a challenge. A challenge is signalled
// by a 418 landing on a challenge-like URL, a final request URL on a
// challenge host, or a redirect Location pointing at one.
func challengeURL(resp *http.Response) string {
	finalURL := ""
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	if resp.StatusCode == http.StatusTeapot {
		if isChallengeURL(finalURL) {
			return finalURL
		}
		return ""
	}
	if isChallengeURL(finalURL) {
		return finalURL
	}
	if loc := resp.Header.Get("Location"); isChallengeURL(loc) {
		return loc
	}
	return ""
}
