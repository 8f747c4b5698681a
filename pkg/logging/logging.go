// Package logging строит slog логгер процесса: консоль и файл с ротацией,
// у каждого выхода свой минимальный уровень.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Форматы вывода.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Options параметры логгера.
type Options struct {
	Format string

	// Console вывод консоли, по умолчанию os.Stderr.
	Console      io.Writer
	ConsoleLevel slog.Level

	// File путь файла журнала. Пустой путь отключает запись в файл.
	File       string
	FileLevel  slog.Level
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultOptions возвращает текстовый вывод в консоль уровня Info.
func DefaultOptions() Options {
	return Options{
		Format:       FormatText,
		ConsoleLevel: slog.LevelInfo,
		FileLevel:    slog.LevelDebug,
		MaxSizeMB:    100,
		MaxBackups:   1,
	}
}

// ParseLevel разбирает уровень по имени (debug, info, warn, error) или по
// номеру от 0 (debug) до 3 (error).
func ParseLevel(s string) (slog.Level, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.Atoi(s); err == nil {
		switch {
		case n <= 0:
			return slog.LevelDebug, nil
		case n == 1:
			return slog.LevelInfo, nil
		case n == 2:
			return slog.LevelWarn, nil
		default:
			return slog.LevelError, nil
		}
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, errors.Wrapf(err, "parse log level %q", s)
	}
	return l, nil
}

// New создает логгер. Closer закрывает файл журнала и должен вызываться при
// завершении процесса.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	if opts.Console == nil {
		opts.Console = os.Stderr
	}
	newHandler, err := handlerFactory(opts.Format)
	if err != nil {
		return nil, nil, err
	}

	handlers := []slog.Handler{
		newHandler(opts.Console, &slog.HandlerOptions{Level: opts.ConsoleLevel}),
	}
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		file := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		handlers = append(handlers, newHandler(file, &slog.HandlerOptions{Level: opts.FileLevel, AddSource: true}))
		closer = file
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), closer, nil
	}
	return slog.New(teeHandler(handlers)), closer, nil
}

func handlerFactory(format string) (func(io.Writer, *slog.HandlerOptions) slog.Handler, error) {
	switch strings.ToLower(format) {
	case "", FormatText:
		return func(w io.Writer, o *slog.HandlerOptions) slog.Handler { return slog.NewTextHandler(w, o) }, nil
	case FormatJSON:
		return func(w io.Writer, o *slog.HandlerOptions) slog.Handler { return slog.NewJSONHandler(w, o) }, nil
	}
	return nil, errors.Errorf("unknown log format %q", format)
}

// teeHandler передает запись каждому выходу, уровень которого ее пропускает.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
