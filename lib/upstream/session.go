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
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gravitational/trace"
	"golang.org/x/net/publicsuffix"

	"github.com/weiboharvest/weiboharvest/lib/defaults"
	"github.com/weiboharvest/weiboharvest/lib/utils"
)

// Session is the authenticated state shared by all requests: a cookie jar
// and a default header set. Unlike the standard jar it can be serialized
// to and restored from a JSON snapshot. The snapshot is plain JSON rather
// than any native object encoding so that loading an untrusted file can
// not execute anything.
//
// Session implements http.CookieJar and is safe for concurrent use, which
// lets a single http.Client multiplex requests from many workers over it.
type Session struct {
	mu      sync.Mutex
	jar     *cookiejar.Jar
	cookies map[string]sessionCookie
	headers map[string]string
}

type sessionCookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
}

type sessionFile struct {
	Cookies []sessionCookie   `json:"cookies"`
	Headers map[string]string `json:"headers"`
}

// NewSession creates an empty session carrying the default browser
// impersonation headers.
func NewSession() (*Session, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Session{
		jar:     jar,
		cookies: make(map[string]sessionCookie),
		headers: map[string]string{
			"User-Agent": defaults.UserAgent,
			"Accept":     "application/json, text/plain, */*",
			"Referer":    defaults.BaseURL + "/",
		},
	}, nil
}

// Cookies implements http.CookieJar.
func (s *Session) Cookies(u *url.URL) []*http.Cookie {
	return s.jar.Cookies(u)
}

// SetCookies implements http.CookieJar, additionally recording each cookie
// so the session can be exported later.
func (s *Session) SetCookies(u *url.URL, cookies []*http.Cookie) {
	s.mu.Lock()
	for _, c := range cookies {
		domain := c.Domain
		if domain == "" {
			domain = u.Hostname()
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		key := c.Name + ";" + domain + ";" + path
		if c.MaxAge < 0 {
			delete(s.cookies, key)
			continue
		}
		s.cookies[key] = sessionCookie{Name: c.Name, Value: c.Value, Domain: domain, Path: path}
	}
	s.mu.Unlock()
	s.jar.SetCookies(u, cookies)
}

// SetCookie injects a single cookie scoped to domain and path.
func (s *Session) SetCookie(name, value, domain, path string) error {
	if name == "" {
		return trace.BadParameter("cookie name must not be empty")
	}
	if domain == "" {
		domain = defaults.CookieDomain
	}
	if path == "" {
		path = "/"
	}
	u, err := url.Parse("https://" + strings.TrimPrefix(domain, ".") + "/")
	if err != nil {
		return trace.Wrap(err)
	}
	s.SetCookies(u, []*http.Cookie{{Name: name, Value: value, Domain: domain, Path: path}})
	return nil
}

// SetCookiesFromString parses a browser style "name=value; name=value"
// cookie string, also tolerating newline separators.
func (s *Session) SetCookiesFromString(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return trace.AccessDenied("empty cookie string")
	}
	for _, part := range strings.Split(strings.ReplaceAll(raw, "\n", ";"), ";") {
		name, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if name == "" {
			continue
		}
		if err := s.SetCookie(name, value, defaults.CookieDomain, "/"); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// SetCookiesFromFile loads a cookie string from a file.
func (s *Session) SetCookiesFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	return trace.Wrap(s.SetCookiesFromString(string(data)))
}

// HasCookie reports whether a cookie with the given name and a non-empty
// value is present.
func (s *Session) HasCookie(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cookies {
		if c.Name == name && c.Value != "" {
			return true
		}
	}
	return false
}

// Validate returns an access denied error unless the session carries the
// upstream authentication cookie.
func (s *Session) Validate() error {
	if !s.HasCookie(defaults.AuthCookieName) {
		return trace.AccessDenied("session is missing the %v authentication cookie", defaults.AuthCookieName)
	}
	return nil
}

// SetHeader sets a default header applied to every request.
func (s *Session) SetHeader(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.headers[name] = value
}

// Headers returns a copy of the default header set.
func (s *Session) Headers() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	headers := make(map[string]string, len(s.headers))
	for k, v := range s.headers {
		headers[k] = v
	}
	return headers
}

// Save atomically writes the session snapshot to path, creating parent
// directories as needed.
func (s *Session) Save(path string) error {
	s.mu.Lock()
	snapshot := sessionFile{Headers: make(map[string]string, len(s.headers))}
	for _, c := range s.cookies {
		snapshot.Cookies = append(snapshot.Cookies, c)
	}
	for k, v := range s.headers {
		snapshot.Headers[k] = v
	}
	s.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(utils.AtomicWriteFile(path, data, 0o600))
}

// Load merges a previously saved snapshot into the session. It returns
// false without error when the file is absent or unreadable, matching the
// "best effort restore" contract of the original session store.
func (s *Session) Load(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, trace.ConvertSystemError(err)
	}
	var snapshot sessionFile
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return false, nil
	}
	for _, c := range snapshot.Cookies {
		if err := s.SetCookie(c.Name, c.Value, c.Domain, c.Path); err != nil {
			return false, trace.Wrap(err)
		}
	}
	s.mu.Lock()
	for k, v := range snapshot.Headers {
		s.headers[k] = v
	}
	s.mu.Unlock()
	return true, nil
}
