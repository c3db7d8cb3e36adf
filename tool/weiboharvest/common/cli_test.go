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
	"context"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(trace.Errorf("1 of 2 targets failed")))
	assert.Equal(t, ExitFailure, ExitCode(trace.LimitExceeded("rate limited")))
	assert.Equal(t, ExitAuth, ExitCode(trace.AccessDenied("no SUB cookie")))
	assert.Equal(t, ExitInterrupted, ExitCode(trace.Wrap(context.Canceled)))
	assert.Equal(t, ExitInit, ExitCode(trace.Wrap(&initError{trace.BadParameter("bad flag")})))
	assert.Equal(t, ExitInit, ExitCode(trace.NotImplemented("browser import")))
}

func TestRunRejectsBadInvocations(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "no targets", args: []string{}},
		{name: "unknown flag", args: []string{"--no-such-flag", "alice"}},
		{name: "bad captcha mode", args: []string{"--captcha-mode", "telepathy", "alice"}},
		{name: "bad browser", args: []string{"--load-cookies", "netscape", "alice"}},
		{name: "negative interval", args: []string{"--request-interval=-1", "alice"}},
		{name: "negative count", args: []string{"--count=-3", "alice"}},
		{name: "bad target", args: []string{"#"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Run(tt.args)
			require.Error(t, err)
			assert.Equal(t, ExitInit, ExitCode(err), "error: %v", err)
		})
	}
}

func TestRunRequiresSession(t *testing.T) {
	// Point the session lookup away from any real user state.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	err := Run([]string{"alice"})
	require.Error(t, err)
	assert.Equal(t, ExitAuth, ExitCode(err), "a run without credentials must fail auth, got: %v", err)
}

func TestBuildSessionCookiePrecedence(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	session, err := buildSession(cliConfig{cookie: "SUB=abc123"})
	require.NoError(t, err)
	require.NoError(t, session.Validate())

	_, err = buildSession(cliConfig{})
	require.Error(t, err)
	assert.True(t, trace.IsAccessDenied(err))

	// Visitor mode waives the login cookie requirement.
	session, err = buildSession(cliConfig{visitorCookies: true})
	require.NoError(t, err)
	assert.Error(t, session.Validate())
}
