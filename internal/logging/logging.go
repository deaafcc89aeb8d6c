package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"bundler/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json", "text" or "traditional".
func New(level string, format string) *slog.Logger {
	return NewWriter(os.Stdout, level, format)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts))
	case "text":
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(&TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: opts.Level.Level()})
}

// Setup configures global logging with stdout plus an optional rotating
// log file.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	writers := []io.Writer{os.Stdout}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %v", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Logging.LogDir, "bundler.log"),
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		})
	}

	logger := NewWriter(io.MultiWriter(writers...), cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	logger.Info("bundler logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, nil
}

// TraditionalHandler implements slog.Handler with traditional log formatting:
// [LEVEL] message [k=v ...]
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
	group  string
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, h.format(a))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.format(a))
		return true
	})
	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) format(a slog.Attr) string {
	if h.group != "" {
		return fmt.Sprintf("%s.%s=%v", h.group, a.Key, a.Value)
	}
	return fmt.Sprintf("%s=%v", a.Key, a.Value)
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &nh
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	nh := *h
	if nh.group != "" {
		name = nh.group + "." + name
	}
	nh.group = name
	return &nh
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogStageStart logs the beginning of a pipeline stage
func LogStageStart(logger *slog.Logger, stage, runID string, details map[string]any) {
	logger.Info("stage started",
		"stage", stage,
		"run", runID,
		"details", details,
	)
}

// LogStageComplete logs successful stage completion
func LogStageComplete(logger *slog.Logger, stage, runID string, duration time.Duration, result map[string]any) {
	logger.Info("stage completed",
		"stage", stage,
		"run", runID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"result", result,
	)
}

// LogStageError logs stage failures
func LogStageError(logger *slog.Logger, stage, runID string, duration time.Duration, err error, context map[string]any) {
	logger.Error("stage failed",
		"stage", stage,
		"run", runID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}

// LogPairResult logs the outcome of one two-frame reconstruction
func LogPairResult(logger *slog.Logger, i, j, matches, points int, angle, errPx float64, err error) {
	if err != nil {
		logger.Debug("pair rejected",
			"i", i,
			"j", j,
			"matches", matches,
			"error", err,
		)
		return
	}
	logger.Info("pair model",
		"i", i,
		"j", j,
		"matches", matches,
		"points", points,
		"angle", fmt.Sprintf("%.3f", angle),
		"reproj", fmt.Sprintf("%.3f", errPx),
	)
}

// LogRegistration logs a camera registration attempt
func LogRegistration(logger *slog.Logger, image, correspondences, inliers int, threshold float64, err error) {
	if err != nil {
		logger.Info("camera not registered",
			"image", image,
			"correspondences", correspondences,
			"inliers", inliers,
			"threshold", threshold,
			"error", err,
		)
		return
	}
	logger.Info("camera registered",
		"image", image,
		"correspondences", correspondences,
		"inliers", inliers,
		"threshold", threshold,
	)
}
