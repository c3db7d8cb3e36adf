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

// Package log provides helpers for configuring the process wide slog
// logger and for constructing package level loggers.
package log

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

// NewPackageLogger creates a logger carrying the provided attributes that
// resolves the default slog handler at record time. This allows package
// level logger variables to be initialized before InitLogger runs.
func NewPackageLogger(args ...any) *slog.Logger {
	return slog.New(&deferredHandler{}).With(args...)
}

// InitLogger configures the process default logger to write text records
// at the given level to stderr.
func InitLogger(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// deferredHandler forwards records to whatever the default handler is at
// the time of logging rather than at construction time.
type deferredHandler struct {
	mu    sync.Mutex
	attrs []slog.Attr
	group string
}

func (h *deferredHandler) resolve() slog.Handler {
	handler := slog.Default().Handler()
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.group != "" {
		handler = handler.WithGroup(h.group)
	}
	if len(h.attrs) != 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	return handler
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &deferredHandler{attrs: append(append([]slog.Attr{}, h.attrs...), attrs...), group: h.group}
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &deferredHandler{attrs: append([]slog.Attr{}, h.attrs...), group: name}
}
