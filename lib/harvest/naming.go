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
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// maxTextRunes caps the {text} template variable.
const maxTextRunes = 50

// defaultDateLayout renders {date} when no format spec is given.
const defaultDateLayout = "2006-01-02_15-04-05"

// forbiddenFilenameChars are stripped from every rendered name. The set
// is the union of what Windows and POSIX filesystems reject.
const forbiddenFilenameChars = `\/:*?"<>|`

// Sanitize removes filesystem-hostile characters from a name component.
// The whole-token path escapes "." and ".." come back empty.
func Sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(forbiddenFilenameChars, r) || r == 0 {
			continue
		}
		b.WriteRune(r)
	}
	out := strings.TrimSpace(b.String())
	if out == "." || out == ".." {
		return ""
	}
	return out
}

// TemplateVars carries the values a naming template can reference.
type TemplateVars struct {
	Nickname  string
	UID       string
	Mid       string
	Bid       string
	Text      string
	Type      string
	TopicName string
	Keyword   string
	Name      string
	Date      time.Time
	Index     int
}

func (v TemplateVars) lookup(name, spec string) (string, bool) {
	switch name {
	case "nickname":
		return v.Nickname, true
	case "uid":
		return v.UID, true
	case "mid":
		return v.Mid, true
	case "bid":
		return v.Bid, true
	case "text":
		return truncateRunes(v.Text, maxTextRunes), true
	case "type":
		return v.Type, true
	case "topic_name":
		return v.TopicName, true
	case "keyword":
		return v.Keyword, true
	case "name":
		return v.Name, true
	case "date":
		layout := defaultDateLayout
		if spec != "" {
			layout = strftimeToLayout(spec)
		}
		if v.Date.IsZero() {
			return "", true
		}
		return v.Date.Format(layout), true
	case "index":
		if spec != "" {
			if width, err := strconv.Atoi(spec); err == nil && width > 0 {
				return fmt.Sprintf("%0*d", width, v.Index), true
			}
		}
		return strconv.Itoa(v.Index), true
	}
	return "", false
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// strftimeToLayout converts the strftime directives the template grammar
// accepts into a Go time layout. Unknown directives pass through
// literally.
func strftimeToLayout(spec string) string {
	replacements := map[byte]string{
		'Y': "2006",
		'y': "06",
		'm': "01",
		'd': "02",
		'H': "15",
		'I': "03",
		'M': "04",
		'S': "05",
		'p': "PM",
		'a': "Mon",
		'A': "Monday",
		'b': "Jan",
		'B': "January",
		'z': "-0700",
		'%': "%",
	}
	var b strings.Builder
	for i := 0; i < len(spec); i++ {
		if spec[i] != '%' || i+1 >= len(spec) {
			b.WriteByte(spec[i])
			continue
		}
		i++
		if layout, ok := replacements[spec[i]]; ok {
			b.WriteString(layout)
		} else {
			b.WriteByte('%')
			b.WriteByte(spec[i])
		}
	}
	return b.String()
}

// RenderTemplate substitutes {name} and {name:spec} placeholders.
// Unknown names render as empty. Text outside placeholders passes
// through untouched.
func RenderTemplate(pattern string, vars TemplateVars) string {
	var b strings.Builder
	for {
		open := strings.IndexByte(pattern, '{')
		if open < 0 {
			b.WriteString(pattern)
			return b.String()
		}
		closing := strings.IndexByte(pattern[open:], '}')
		if closing < 0 {
			b.WriteString(pattern)
			return b.String()
		}
		closing += open

		b.WriteString(pattern[:open])
		token := pattern[open+1 : closing]
		name, spec, _ := strings.Cut(token, ":")
		if value, ok := vars.lookup(name, spec); ok {
			b.WriteString(value)
		}
		pattern = pattern[closing+1:]
	}
}

// BuildFilename renders the filename pattern into a sanitized basename
// with the extension taken from the media URL. taken tracks names
// already used within the post; collisions get a _1, _2 suffix before
// the extension.
func BuildFilename(pattern string, vars TemplateVars, mediaURL string, taken map[string]struct{}) string {
	stem := Sanitize(RenderTemplate(pattern, vars))
	if stem == "" {
		stem = Sanitize(vars.Mid)
	}
	if stem == "" {
		stem = "file"
	}

	ext := urlExtension(mediaURL)
	if ext != "" && !strings.HasSuffix(strings.ToLower(stem), ext) {
		stem += ext
		ext = path.Ext(stem)
	}

	name := stem
	base := strings.TrimSuffix(stem, ext)
	for i := 1; ; i++ {
		if _, exists := taken[name]; !exists {
			break
		}
		name = fmt.Sprintf("%s_%d%s", base, i, ext)
	}
	taken[name] = struct{}{}
	return name
}

// urlExtension returns the lowercased extension of the URL path, or
// empty when the path carries none.
func urlExtension(mediaURL string) string {
	parsed, err := url.Parse(mediaURL)
	if err != nil {
		return ""
	}
	ext := path.Ext(parsed.Path)
	if ext == "." {
		return ""
	}
	return strings.ToLower(ext)
}

// stripSeparators removes path separators from a template value so a
// substituted name cannot introduce directory levels of its own.
func stripSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return -1
		}
		return r
	}, s)
}

func (v TemplateVars) withoutSeparators() TemplateVars {
	v.Nickname = stripSeparators(v.Nickname)
	v.UID = stripSeparators(v.UID)
	v.Mid = stripSeparators(v.Mid)
	v.Bid = stripSeparators(v.Bid)
	v.Text = stripSeparators(v.Text)
	v.Type = stripSeparators(v.Type)
	v.TopicName = stripSeparators(v.TopicName)
	v.Keyword = stripSeparators(v.Keyword)
	v.Name = stripSeparators(v.Name)
	return v
}

// BuildDirectory renders the directory pattern and sanitizes each path
// segment independently, so a template value cannot escape the output
// tree. Segments sanitized to nothing become "x".
func BuildDirectory(pattern string, vars TemplateVars) string {
	rendered := RenderTemplate(pattern, vars.withoutSeparators())
	rendered = filepath.ToSlash(rendered)

	parts := strings.Split(rendered, "/")
	out := make([]string, 0, len(parts))
	for i, part := range parts {
		if part == "" || part == "." {
			// A leading "./" or doubled slash is harmless, keep the
			// shape without inventing a segment.
			if i == 0 {
				out = append(out, part)
			}
			continue
		}
		clean := Sanitize(part)
		if clean == "" {
			clean = "x"
		}
		out = append(out, clean)
	}
	return filepath.Join(out...)
}
