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

// Package common implements the weiboharvest command line interface.
package common

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	"github.com/weiboharvest/weiboharvest"
	"github.com/weiboharvest/weiboharvest/lib/defaults"
	"github.com/weiboharvest/weiboharvest/lib/harvest"
	"github.com/weiboharvest/weiboharvest/lib/ratelimit"
	"github.com/weiboharvest/weiboharvest/lib/upstream"
	logutils "github.com/weiboharvest/weiboharvest/lib/utils/log"
)

var log = logutils.NewPackageLogger(weiboharvest.ComponentKey, weiboharvest.ComponentCLI)

// Exit codes of the weiboharvest binary.
const (
	// ExitSuccess means every target completed.
	ExitSuccess = 0
	// ExitFailure means at least one target failed.
	ExitFailure = 1
	// ExitInit means the invocation itself was unusable.
	ExitInit = 2
	// ExitAuth means the upstream rejected the session.
	ExitAuth = 3
	// ExitInterrupted means the operator interrupted the run.
	ExitInterrupted = 5
)

// cliConfig collects the parsed command line.
type cliConfig struct {
	targets         []string
	mid             bool
	cookie          string
	cookieFile      string
	sessionFile     string
	loadCookies     string
	visitorCookies  bool
	noVideos        bool
	noPictures      bool
	count           int
	fastUpdate      bool
	latestStamps    string
	dirnamePattern  string
	filenamePattern string
	metadataJSON    bool
	postMetadataTxt string
	postFilter      string
	noResume        bool
	requestInterval float64
	captchaMode     string
	maxWorkers      int
	debug           bool
}

// Run parses the command line and executes the harvest. The returned
// error maps onto the exit codes via ExitCode.
func Run(args []string) error {
	app := kingpin.New("weiboharvest", "Download pictures and videos from Weibo users, super-topics, searches, and single posts.")
	app.Version(weiboharvest.Version)
	app.HelpFlag.Short('h')

	var cfg cliConfig
	app.Arg("targets", "Targets to harvest: a nickname or uid, '#topic', ':search terms', or a post URL.").StringsVar(&cfg.targets)
	app.Flag("mid", "Treat non-URL targets as post ids.").Short('m').BoolVar(&cfg.mid)
	app.Flag("cookie", "Session cookie string ('SUB=...; ...').").StringVar(&cfg.cookie)
	app.Flag("cookie-file", "File containing the session cookie string.").StringVar(&cfg.cookieFile)
	app.Flag("sessionfile", "Path for loading and saving the session.").StringVar(&cfg.sessionFile)
	app.Flag("load-cookies", "Import cookies from a browser.").EnumVar(&cfg.loadCookies, "chrome", "firefox", "edge")
	app.Flag("visitor-cookies", "Bootstrap anonymous visitor cookies instead of requiring a login session.").BoolVar(&cfg.visitorCookies)
	app.Flag("no-videos", "Skip video downloads.").BoolVar(&cfg.noVideos)
	app.Flag("no-pictures", "Skip picture downloads.").BoolVar(&cfg.noPictures)
	app.Flag("count", "Maximum posts per target, 0 for unbounded.").Default("0").IntVar(&cfg.count)
	app.Flag("fast-update", "Stop each target at the first already-downloaded post.").BoolVar(&cfg.fastUpdate)
	app.Flag("latest-stamps", "Watermark file enabling incremental runs.").StringVar(&cfg.latestStamps)
	app.Flag("dirname-pattern", "Output directory template.").StringVar(&cfg.dirnamePattern)
	app.Flag("filename-pattern", "Media filename template.").Default(defaults.FilenamePattern).StringVar(&cfg.filenamePattern)
	app.Flag("metadata-json", "Also write <mid>.json with the post's raw record.").BoolVar(&cfg.metadataJSON)
	app.Flag("post-metadata-txt", "Also write <mid>.txt with this literal.").StringVar(&cfg.postMetadataTxt)
	app.Flag("post-filter", "Reserved post filter expression.").StringVar(&cfg.postFilter)
	app.Flag("no-resume", "Do not load or save checkpoints.").BoolVar(&cfg.noResume)
	app.Flag("request-interval", "Minimum seconds between API requests.").Default("0").Float64Var(&cfg.requestInterval)
	app.Flag("captcha-mode", "Challenge handling mode.").Default(string(upstream.ChallengeModeAuto)).EnumVar(&cfg.captchaMode, upstream.ChallengeModes...)
	app.Flag("max-workers", "Concurrent media downloads per post.").Default("0").IntVar(&cfg.maxWorkers)
	app.Flag("debug", "Verbose logging.").Short('d').BoolVar(&cfg.debug)

	if _, err := app.Parse(args); err != nil {
		return trace.Wrap(&initError{err})
	}

	level := slog.LevelInfo
	if cfg.debug {
		level = slog.LevelDebug
	}
	logutils.InitLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		// A canceled context at this level is the operator interrupt.
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return trace.Wrap(context.Canceled)
		}
		return trace.Wrap(err)
	}
	return nil
}

// initError marks failures that make the invocation unusable, exit 2.
type initError struct {
	err error
}

func (e *initError) Error() string { return e.err.Error() }
func (e *initError) Unwrap() error { return e.err }

func run(ctx context.Context, cfg cliConfig) error {
	if len(cfg.targets) == 0 {
		return trace.Wrap(&initError{trace.BadParameter("no targets given, see --help")})
	}
	if cfg.requestInterval < 0 {
		return trace.Wrap(&initError{trace.BadParameter("request interval must not be negative")})
	}
	if cfg.count < 0 {
		return trace.Wrap(&initError{trace.BadParameter("count must not be negative")})
	}
	if cfg.postFilter != "" {
		log.Warn("The --post-filter expression is not supported yet and is ignored.")
	}

	targets, err := harvest.ParseTargets(cfg.targets, cfg.mid)
	if err != nil {
		return trace.Wrap(&initError{err})
	}

	session, err := buildSession(cfg)
	if err != nil {
		return trace.Wrap(err)
	}

	rate, err := ratelimit.NewController(ratelimit.Config{
		JitterRatio:     defaults.BackoffJitterRatio,
		RequestInterval: time.Duration(cfg.requestInterval * float64(time.Second)),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	sink := newTerminalSink(os.Stdout)
	client, err := upstream.NewClient(upstream.Config{
		Session:       session,
		Rate:          rate,
		ChallengeMode: upstream.ChallengeMode(cfg.captchaMode),
		OnPause:       sink.Pause,
		OnResume:      sink.Resume,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	harvester, err := harvest.NewHarvester(harvest.Config{
		Client: client,
		Sink:   sink,
		Options: harvest.Options{
			DirnamePattern:  cfg.dirnamePattern,
			FilenamePattern: cfg.filenamePattern,
			NoVideos:        cfg.noVideos,
			NoPictures:      cfg.noPictures,
			Count:           cfg.count,
			FastUpdate:      cfg.fastUpdate,
			StampsPath:      cfg.latestStamps,
			MetadataJSON:    cfg.metadataJSON,
			PostMetadataTxt: cfg.postMetadataTxt,
			MaxWorkers:      cfg.maxWorkers,
			NoResume:        cfg.noResume,
		},
	})
	if err != nil {
		return trace.Wrap(err)
	}

	results, err := harvester.Run(ctx, targets)
	if saveErr := saveSession(cfg, session); saveErr != nil {
		log.Warn("Failed to save session.", "error", saveErr)
	}
	if err != nil {
		return trace.Wrap(err)
	}

	failed := 0
	for key, ok := range results {
		if !ok {
			failed++
			log.Warn("Target did not complete.", "target", key)
		}
	}
	if failed > 0 {
		return trace.Errorf("%v of %v targets failed", failed, len(results))
	}
	return nil
}

// sessionPath returns the explicit session file, or the per-user default
// under the OS config directory.
func sessionPath(cfg cliConfig) string {
	if cfg.sessionFile != "" {
		return cfg.sessionFile
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(configDir, defaults.ConfigDirName, defaults.SessionFileName)
}

// buildSession assembles the auth context in precedence order: a saved
// session first, then explicit cookie material layered on top.
func buildSession(cfg cliConfig) (*upstream.Session, error) {
	session, err := upstream.NewSession()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if path := sessionPath(cfg); path != "" {
		loaded, err := session.Load(path)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if loaded {
			log.Debug("Restored session.", "path", path)
		}
	}

	switch {
	case cfg.cookie != "":
		if err := session.SetCookiesFromString(cfg.cookie); err != nil {
			return nil, trace.Wrap(err)
		}
	case cfg.cookieFile != "":
		if err := session.SetCookiesFromFile(cfg.cookieFile); err != nil {
			return nil, trace.Wrap(err)
		}
	case cfg.loadCookies != "":
		return nil, trace.Wrap(&initError{trace.NotImplemented(
			"browser cookie import (%v) is not available in this build, pass --cookie or --cookie-file instead", cfg.loadCookies)})
	}

	if cfg.visitorCookies {
		// Anonymous visitor access: skip the login cookie requirement and
		// let the challenge handler pick up any walls the upstream raises.
		log.Info("Running with visitor cookies, some content may be unavailable.")
		return session, nil
	}
	if err := session.Validate(); err != nil {
		return nil, trace.Wrap(err)
	}
	return session, nil
}

func saveSession(cfg cliConfig, session *upstream.Session) error {
	path := sessionPath(cfg)
	if path == "" {
		return nil
	}
	return trace.Wrap(session.Save(path))
}

// ExitCode maps a Run error onto the binary's exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var init *initError
	switch {
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.As(err, &init):
		return ExitInit
	case trace.IsNotImplemented(err):
		return ExitInit
	case trace.IsAccessDenied(err):
		return ExitAuth
	}
	return ExitFailure
}
