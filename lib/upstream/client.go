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

// Package upstream implements the authenticated HTTP context for the
// harvester: a retrying, rate-controlled client with challenge handling,
// plus the pure adapter translating upstream JSON into typed records.
package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/weiboharvest/weiboharvest"
	"github.com/weiboharvest/weiboharvest/lib/defaults"
	"github.com/weiboharvest/weiboharvest/lib/ratelimit"
	logutils "github.com/weiboharvest/weiboharvest/lib/utils/log"
)

var log = logutils.NewPackageLogger(weiboharvest.ComponentKey, weiboharvest.ComponentUpstream)

// Config holds client settings.
type Config struct {
	// BaseURL is the upstream endpoint relative paths resolve against.
	BaseURL string
	// Session is the shared cookie and header state. A fresh session is
	// created when nil.
	Session *Session
	// Rate serializes outbound requests. A default controller is created
	// when nil.
	Rate *ratelimit.Controller
	// ChallengeMode selects the challenge handler, default auto.
	ChallengeMode ChallengeMode
	// ChallengeTimeout bounds a single challenge resolution.
	ChallengeTimeout time.Duration
	// RequestTimeout bounds a single API exchange.
	RequestTimeout time.Duration
	// Browser is an optional external browser automation handler.
	Browser ChallengeHandler
	// Manual overrides the manual handler, used in tests.
	Manual ChallengeHandler
	// OnPause fires when the client enters a challenge detour.
	OnPause func()
	// OnResume fires when the detour exits, success or failure.
	OnResume func()
	// Clock overrides the time source in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.BaseURL == "" {
		c.BaseURL = defaults.BaseURL
	}
	if c.Session == nil {
		session, err := NewSession()
		if err != nil {
			return trace.Wrap(err)
		}
		c.Session = session
	}
	if c.Rate == nil {
		rate, err := ratelimit.NewController(ratelimit.Config{Clock: c.Clock})
		if err != nil {
			return trace.Wrap(err)
		}
		c.Rate = rate
	}
	if c.ChallengeMode == "" {
		c.ChallengeMode = ChallengeModeAuto
	}
	switch c.ChallengeMode {
	case ChallengeModeAuto, ChallengeModeBrowser, ChallengeModeManual, ChallengeModeSkip:
	default:
		return trace.BadParameter("unknown challenge mode %q", c.ChallengeMode)
	}
	if c.ChallengeTimeout == 0 {
		c.ChallengeTimeout = defaults.ChallengeTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.HTTPRequestTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Client performs upstream requests with a pre-populated auth context,
// classifying outcomes into retries, challenge detours, or typed errors.
// A single Client is shared by the orchestrator and all media workers.
type Client struct {
	cfg       Config
	base      *url.URL
	hc        *http.Client
	hcNoredir *http.Client
	manual    ChallengeHandler
}

// NewClient creates a Client from config.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	manual := cfg.Manual
	if manual == nil {
		manual = ManualChallengeHandler{Timeout: cfg.ChallengeTimeout, Clock: cfg.Clock}
	}
	return &Client{
		cfg:  cfg,
		base: base,
		hc:   &http.Client{Jar: cfg.Session},
		hcNoredir: &http.Client{
			Jar: cfg.Session,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		manual: manual,
	}, nil
}

// Session returns the shared session state.
func (c *Client) Session() *Session {
	return c.cfg.Session
}

// requestOptions tune a single call through the retry state machine.
type requestOptions struct {
	bucket          ratelimit.Bucket
	allowChallenge  bool
	retries         int
	followRedirects bool
	query           url.Values
	// noTimeout disables the per-exchange deadline, used for streaming
	// media bodies whose read time is bounded elsewhere.
	noTimeout bool
}

func apiOptions() requestOptions {
	return requestOptions{
		bucket:          ratelimit.BucketAPI,
		allowChallenge:  true,
		retries:         defaults.APIRetries,
		followRedirects: true,
	}
}

// resolveURL turns a path or absolute URL into an absolute URL with the
// query applied.
func (c *Client) resolveURL(target string, query url.Values) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if !u.IsAbs() {
		u = c.base.ResolveReference(u)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String(), nil
}

// do runs the retry and classification state machine from the request
// discipline: rate wait, issue, record status, challenge detour, then
// status classification. Challenge retries do not consume an attempt.
func (c *Client) do(ctx context.Context, method, target string, opts requestOptions) (*http.Response, error) {
	fullURL, err := c.resolveURL(target, opts.query)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	client := c.hc
	if !opts.followRedirects {
		client = c.hcNoredir
	}

	attempt := 0
	for {
		if err := c.cfg.Rate.Wait(ctx, opts.bucket); err != nil {
			return nil, trace.Wrap(err)
		}

		reqCtx := ctx
		cancel := context.CancelFunc(func() {})
		if !opts.noTimeout {
			reqCtx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		}
		req, err := http.NewRequestWithContext(reqCtx, method, fullURL, nil)
		if err != nil {
			cancel()
			return nil, trace.Wrap(err)
		}
		for name, value := range c.cfg.Session.Headers() {
			req.Header.Set(name, value)
		}

		resp, err := client.Do(req)
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return nil, trace.Wrap(ctx.Err())
			}
			attempt++
			if attempt > opts.retries {
				return nil, trace.ConnectionProblem(err, "request failed: %v", fullURL)
			}
			log.DebugContext(ctx, "transport failure, retrying", "url", fullURL, "error", err)
			continue
		}

		c.cfg.Rate.HandleResponse(opts.bucket, resp.StatusCode)

		if opts.allowChallenge {
			if verifyURL := challengeURL(resp); verifyURL != "" {
				resp.Body.Close()
				cancel()
				solved, err := c.solveChallenge(ctx, verifyURL)
				if err != nil {
					return nil, trace.Wrap(err)
				}
				if !solved {
					return nil, trace.AccessDenied("challenge not solved: %v", verifyURL)
				}
				// A solved challenge retries immediately without
				// consuming an attempt.
				continue
			}
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			resp.Body.Close()
			cancel()
			return nil, trace.AccessDenied("authentication failed for %v", fullURL)

		case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTeapot:
			resp.Body.Close()
			cancel()
			attempt++
			if attempt > opts.retries {
				return nil, trace.LimitExceeded("rate limited by upstream: %v", fullURL)
			}
			// The controller has already scheduled a backoff window, the
			// next Wait serves it.
			continue

		case resp.StatusCode >= 500:
			resp.Body.Close()
			cancel()
			attempt++
			if attempt > opts.retries {
				return nil, trace.ConnectionProblem(nil, "upstream server error %v for %v", resp.StatusCode, fullURL)
			}
			continue

		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			cancel()
			return nil, trace.NotFound("upstream returned 404 for %v", fullURL)

		case resp.StatusCode >= 400:
			resp.Body.Close()
			cancel()
			return nil, trace.BadParameter("upstream returned http %v for %v", resp.StatusCode, fullURL)
		}

		resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}
}

// cancelReadCloser releases the request context when the body is closed.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// solveChallenge runs the configured challenge handler, pausing the
// progress surface for the duration of the detour. The resume hook fires
// on every exit path.
func (c *Client) solveChallenge(ctx context.Context, verifyURL string) (bool, error) {
	if c.cfg.OnPause != nil {
		c.cfg.OnPause()
	}
	if c.cfg.OnResume != nil {
		defer c.cfg.OnResume()
	}

	var handler ChallengeHandler
	switch c.cfg.ChallengeMode {
	case ChallengeModeSkip:
		handler = SkipChallengeHandler{}
	case ChallengeModeManual:
		handler = c.manual
	case ChallengeModeBrowser:
		handler = c.cfg.Browser
	case ChallengeModeAuto:
		if c.cfg.Browser != nil {
			handler = c.cfg.Browser
		} else {
			handler = c.manual
		}
	}
	if handler == nil {
		return false, nil
	}

	solved, err := handler.Solve(ctx, verifyURL, c.cfg.Session)
	if err != nil {
		if ctx.Err() != nil {
			return false, trace.Wrap(ctx.Err())
		}
		log.WarnContext(ctx, "challenge handler failed", "url", verifyURL, "error", err)
		return false, nil
	}
	return solved, nil
}

// FetchMedia issues a rate-controlled GET on the media bucket. The
// response body has no overall deadline: callers stream it and guard
// against stalls themselves.
func (c *Client) FetchMedia(ctx context.Context, mediaURL string) (*http.Response, error) {
	resp, err := c.do(ctx, http.MethodGet, mediaURL, requestOptions{
		bucket:          ratelimit.BucketMedia,
		retries:         defaults.MediaRetries,
		followRedirects: true,
		noTimeout:       true,
	})
	return resp, trace.Wrap(err)
}

// getJSON fetches and decodes a JSON payload.
func (c *Client) getJSON(ctx context.Context, target string, query url.Values) (map[string]any, error) {
	opts := apiOptions()
	opts.query = query
	resp, err := c.do(ctx, http.MethodGet, target, opts)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, trace.BadParameter("malformed upstream JSON for %v: %v", target, err)
	}
	return payload, nil
}

// getIndex calls the container index endpoint and unwraps its data field.
func (c *Client) getIndex(ctx context.Context, params url.Values) (map[string]any, error) {
	payload, err := c.getJSON(ctx, "/api/container/getIndex", params)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if data, ok := payload["data"].(map[string]any); ok {
		return data, nil
	}
	if msg := stringField(payload, "msg"); msg != "" {
		return nil, trace.BadParameter("upstream api error: %v", msg)
	}
	return nil, trace.BadParameter("upstream api error: missing data")
}

// parsePosts extracts unique posts from a feed page. Individual cards
// failing the schema are logged and skipped, they never fail the page.
func (c *Client) parsePosts(ctx context.Context, data map[string]any) []*Post {
	var posts []*Post
	seen := make(map[string]struct{})
	cards, _ := data["cards"].([]any)
	for _, entry := range cards {
		card, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		candidates := []map[string]any{card}
		if group, ok := card["card_group"].([]any); ok {
			for _, g := range group {
				if gm, ok := g.(map[string]any); ok {
					candidates = append(candidates, gm)
				}
			}
		}
		for _, candidate := range candidates {
			if _, ok := candidate["mblog"]; !ok {
				continue
			}
			post, err := ParsePost(candidate, c.cfg.Clock.Now())
			if err != nil {
				log.WarnContext(ctx, "skipping malformed post", "error", err)
				continue
			}
			if _, dup := seen[post.Mid]; dup {
				continue
			}
			seen[post.Mid] = struct{}{}
			posts = append(posts, post)
		}
	}
	return posts
}

// pageParams builds feed pagination parameters. A non-empty cursor is
// the upstream's own since-id token and supersedes the page number.
func pageParams(containerID string, page int, cursor string) url.Values {
	params := url.Values{"containerid": {containerID}}
	if cursor != "" {
		params.Set("since_id", cursor)
	} else if page > 1 {
		params.Set("page", strconv.Itoa(page))
	}
	return params
}

// GetUserPosts returns one page of a user's feed and the next cursor
// token.
func (c *Client) GetUserPosts(ctx context.Context, uid string, page int, cursor string) ([]*Post, string, error) {
	data, err := c.getIndex(ctx, pageParams("107603"+uid, page, cursor))
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	return c.parsePosts(ctx, data), NextCursor(data), nil
}

// GetSuperTopicPosts returns one page of a super-topic feed.
func (c *Client) GetSuperTopicPosts(ctx context.Context, containerID string, page int, cursor string) ([]*Post, string, error) {
	if !strings.HasSuffix(containerID, "_-_feed") {
		containerID += "_-_feed"
	}
	data, err := c.getIndex(ctx, pageParams(containerID, page, cursor))
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	return c.parsePosts(ctx, data), NextCursor(data), nil
}

// SearchPosts returns one page of full-text search results.
func (c *Client) SearchPosts(ctx context.Context, keyword string, page int) ([]*Post, string, error) {
	data, err := c.getIndex(ctx, pageParams("100103type=1&q="+keyword, page, ""))
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	return c.parsePosts(ctx, data), NextCursor(data), nil
}

var schemeContainerRe = regexp.MustCompile(`containerid=([^&]+)`)

// SearchSuperTopics resolves a keyword to candidate super-topics, first
// result first.
func (c *Client) SearchSuperTopics(ctx context.Context, keyword string) ([]*SuperTopic, error) {
	data, err := c.getIndex(ctx, url.Values{
		"containerid": {"100103type=98&q=" + keyword},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var topics []*SuperTopic
	seen := make(map[string]struct{})
	cards, _ := data["cards"].([]any)
	for _, entry := range cards {
		card, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		raw := make(map[string]any, len(card))
		for k, v := range card {
			raw[k] = v
		}
		if stringField(raw, "containerid") == "" {
			if m := schemeContainerRe.FindStringSubmatch(stringField(raw, "scheme")); m != nil {
				raw["containerid"] = m[1]
			}
		}
		if stringField(raw, "topic_title") == "" {
			if title := stringField(raw, "title_sub", "title"); title != "" {
				raw["topic_title"] = strings.Trim(title, "# ")
			}
		}
		topic, err := ParseSuperTopic(raw)
		if err != nil {
			continue
		}
		if _, dup := seen[topic.ContainerID]; dup {
			continue
		}
		seen[topic.ContainerID] = struct{}{}
		topics = append(topics, topic)
	}
	return topics, nil
}

// GetUserInfo fetches a user's profile record.
func (c *Client) GetUserInfo(ctx context.Context, uid string) (*User, error) {
	data, err := c.getIndex(ctx, url.Values{
		"type":  {"uid"},
		"value": {uid},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	userRaw := mapField(data, "userInfo")
	if userRaw == nil {
		userRaw = mapField(data, "user")
	}
	if userRaw == nil {
		cards, _ := data["cards"].([]any)
		for _, entry := range cards {
			if card, ok := entry.(map[string]any); ok {
				if u := mapField(card, "user"); u != nil {
					userRaw = u
					break
				}
			}
		}
	}
	if userRaw == nil {
		return nil, trace.AccessDenied("user %v not found", uid)
	}
	user, err := ParseUser(userRaw)
	return user, trace.Wrap(err)
}

var (
	uidPathRes = []*regexp.Regexp{
		regexp.MustCompile(`/u/(\d{5,})`),
		regexp.MustCompile(`/profile/(\d{5,})`),
	}
	anyUIDRe = regexp.MustCompile(`\d{5,}`)
)

// extractUID digs a numeric uid out of a redirect location, final URL, or
// page text.
func extractUID(text string) string {
	if text == "" {
		return ""
	}
	decoded, err := url.QueryUnescape(text)
	if err != nil {
		decoded = text
	}
	if parsed, err := url.Parse(decoded); err == nil {
		query := parsed.Query()
		for _, key := range []string{"uid", "value", "id"} {
			if v := query.Get(key); v != "" {
				return v
			}
		}
		for _, re := range uidPathRes {
			if m := re.FindStringSubmatch(parsed.Path); m != nil {
				return m[1]
			}
		}
		if parsed.IsAbs() {
			// Keep host and port digits out of the bare digit fallback.
			return anyUIDRe.FindString(parsed.Path + "?" + parsed.RawQuery)
		}
	}
	return anyUIDRe.FindString(decoded)
}

// ResolveNickname resolves a display name to a numeric uid via the
// redirect probe, falling back to following the redirect and scanning the
// landing page.
func (c *Client) ResolveNickname(ctx context.Context, nickname string) (string, error) {
	target := "/n/" + url.PathEscape(strings.TrimSpace(nickname))

	opts := apiOptions()
	opts.retries = 2
	opts.followRedirects = false
	resp, err := c.do(ctx, http.MethodGet, target, opts)
	if err != nil {
		return "", trace.Wrap(err)
	}
	location := resp.Header.Get("Location")
	finalURL := resp.Request.URL.String()
	resp.Body.Close()
	if location == "" {
		location = finalURL
	}
	if uid := extractUID(location); uid != "" {
		return uid, nil
	}

	opts = apiOptions()
	opts.retries = 2
	resp, err = c.do(ctx, http.MethodGet, target, opts)
	if err != nil {
		return "", trace.Wrap(err)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	finalURL = resp.Request.URL.String()
	resp.Body.Close()
	if uid := extractUID(finalURL); uid != "" {
		return uid, nil
	}
	if uid := extractUID(string(body)); uid != "" {
		return uid, nil
	}
	return "", trace.NotFound("cannot resolve nickname %q", nickname)
}

// GetPostByMid fetches a single post from its detail page, falling back
// to the status endpoint when the page embeds no render data.
func (c *Client) GetPostByMid(ctx context.Context, mid string) (*Post, error) {
	opts := apiOptions()
	opts.retries = 2
	resp, err := c.do(ctx, http.MethodGet, "/detail/"+url.PathEscape(mid), opts)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	resp.Body.Close()

	if status := extractStatusFromHTML(string(body)); status != nil {
		post, err := ParsePost(status, c.cfg.Clock.Now())
		return post, trace.Wrap(err)
	}

	payload, err := c.getJSON(ctx, "/api/statuses/show", url.Values{"id": {mid}})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	status := mapField(payload, "data")
	if status == nil {
		status = payload
	}
	if len(status) == 0 {
		return nil, trace.NotFound("post %v not found", mid)
	}
	post, err := ParsePost(status, c.cfg.Clock.Now())
	return post, trace.Wrap(err)
}

var renderDataRe = regexp.MustCompile(`\$render_data\s*=\s*\[`)

// extractStatusFromHTML pulls the embedded $render_data JSON out of a
// detail page and returns its first element's status record.
func extractStatusFromHTML(html string) map[string]any {
	loc := renderDataRe.FindStringIndex(html)
	if loc == nil {
		return nil
	}
	// Decode from the opening bracket: the decoder stops at the end of
	// the JSON value, which sidesteps guessing where the array ends.
	start := loc[1] - 1
	decoder := json.NewDecoder(strings.NewReader(html[start:]))
	var payload []any
	if err := decoder.Decode(&payload); err != nil || len(payload) == 0 {
		return nil
	}
	first, ok := payload[0].(map[string]any)
	if !ok {
		return nil
	}
	return mapField(first, "status")
}

