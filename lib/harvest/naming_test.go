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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/weiboharvest/weiboharvest/lib/upstream"
)

func TestSanitize(t *testing.T) {
	assert.Equal(t, "ab", Sanitize(`a\/:*?"<>|b`))
	assert.Equal(t, "", Sanitize("."))
	assert.Equal(t, "", Sanitize(".."))
	assert.Equal(t, "", Sanitize(`:*?`))
	assert.Equal(t, "名前", Sanitize("名前"))
}

func TestRenderTemplate(t *testing.T) {
	vars := TemplateVars{
		Nickname: "alice",
		UID:      "777",
		Mid:      "4000000001",
		Date:     time.Date(2021, 5, 1, 9, 30, 0, 0, upstream.CST),
		Index:    3,
	}

	assert.Equal(t, "alice_777", RenderTemplate("{nickname}_{uid}", vars))
	assert.Equal(t, "2021-05-01_4000000001", RenderTemplate("{date:%Y-%m-%d}_{mid}", vars))
	assert.Equal(t, "003", RenderTemplate("{index:3}", vars))
	assert.Equal(t, "3", RenderTemplate("{index}", vars))
	assert.Equal(t, "x__y", RenderTemplate("x_{unknown}_y", vars))
	assert.Equal(t, "literal", RenderTemplate("literal", vars))
	assert.Equal(t, "2021-05-01_09-30-00", RenderTemplate("{date}", vars))
}

func TestRenderTemplateTruncatesText(t *testing.T) {
	vars := TemplateVars{Text: strings.Repeat("长", 80)}
	rendered := RenderTemplate("{text}", vars)
	assert.Equal(t, 50, len([]rune(rendered)))
}

func TestStrftimeToLayout(t *testing.T) {
	ts := time.Date(2021, 5, 1, 21, 9, 5, 0, upstream.CST)
	assert.Equal(t, "2021-05-01", ts.Format(strftimeToLayout("%Y-%m-%d")))
	assert.Equal(t, "21.09.05", ts.Format(strftimeToLayout("%H.%M.%S")))
	assert.Equal(t, "05/01/21", ts.Format(strftimeToLayout("%m/%d/%y")))
	assert.Equal(t, "%", strftimeToLayout("%%"))
	assert.Equal(t, "%q", strftimeToLayout("%q"))
}

func TestBuildFilename(t *testing.T) {
	taken := make(map[string]struct{})
	vars := TemplateVars{Mid: "42", Name: "pic_a"}

	first := BuildFilename("{name}", vars, "https://img/pic_a.jpg", taken)
	assert.Equal(t, "pic_a.jpg", first)

	// A second media rendering to the same name gets a suffix.
	second := BuildFilename("{name}", vars, "https://img/other/pic_a.jpg", taken)
	assert.Equal(t, "pic_a_1.jpg", second)
	third := BuildFilename("{name}", vars, "https://img/third/pic_a.jpg", taken)
	assert.Equal(t, "pic_a_2.jpg", third)
}

func TestBuildFilenameFallbacks(t *testing.T) {
	taken := make(map[string]struct{})

	// Empty render falls back to the mid.
	name := BuildFilename("{unknown}", TemplateVars{Mid: "42"}, "https://img/a.png", taken)
	assert.Equal(t, "42.png", name)

	// Unsanitizable mid falls back to the literal.
	name = BuildFilename("{unknown}", TemplateVars{Mid: `:*?`}, "https://img/a.png", make(map[string]struct{}))
	assert.Equal(t, "file.png", name)

	// No extension in the URL path leaves the name bare.
	name = BuildFilename("{mid}", TemplateVars{Mid: "42"}, "https://img/stream", make(map[string]struct{}))
	assert.Equal(t, "42", name)
}

func TestBuildDirectory(t *testing.T) {
	vars := TemplateVars{Nickname: "ali/ce", TopicName: "a:b"}

	// Template values cannot introduce path separators.
	assert.Equal(t, "alice", BuildDirectory("./{nickname}", vars))
	assert.Equal(t, "topic/ab", BuildDirectory("./topic/{topic_name}", vars))

	// A segment sanitized to nothing is replaced, not dropped.
	assert.Equal(t, "topic/x", BuildDirectory("./topic/{keyword}", TemplateVars{Keyword: `:*?`}))
}
