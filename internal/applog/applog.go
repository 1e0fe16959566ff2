package applog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	maxFileSize = 5 << 20 // 5 MB
	maxValueLen = 200
	truncSuffix = "…"
)

var (
	mu     sync.Mutex
	file   *os.File
	logger = zap.NewNop().Sugar()
)

// Init opens the log file for appending. Call once at startup.
// If the file exceeds 5 MB, it is rotated (renamed to .log.1) before opening.
// Safe to skip: log calls are no-ops until Init runs.
func Init(dir, level string) error {
	path := filepath.Join(dir, "wherewasi.log")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	// Rotate if too large.
	if info, err := os.Stat(path); err == nil && info.Size() > maxFileSize {
		os.Rename(path, path+".1")
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "event",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.AddSync(f), lvl)

	mu.Lock()
	if file != nil {
		file.Close()
	}
	file = f
	logger = zap.New(core).Sugar()
	mu.Unlock()
	return nil
}

// Close flushes the log file and resets logging to a no-op.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	logger.Sync()
	logger = zap.NewNop().Sugar()
	if file != nil {
		file.Close()
		file = nil
	}
}

// Info logs a structured event line.
//
//	applog.Info("ws.connected", "remote", addr)
//	applog.Info("assign.created", "session", id, "tab", 42)
func Info(event string, kv ...any) {
	current().Infow(event, trim(kv)...)
}

// Warn logs an event that did not fail but took a degraded path.
func Warn(event string, kv ...any) {
	current().Warnw(event, trim(kv)...)
}

// Debug logs verbose diagnostics, dropped unless the level is debug.
func Debug(event string, kv ...any) {
	current().Debugw(event, trim(kv)...)
}

// Error logs an event with an error.
//
//	applog.Error("ws.send", err, "action", "session.assigned")
func Error(event string, err error, kv ...any) {
	if err != nil {
		kv = append([]any{"err", err.Error()}, kv...)
	}
	current().Errorw(event, trim(kv)...)
}

func current() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// trim shortens long values so one noisy field cannot flood the file.
func trim(kv []any) []any {
	out := make([]any, len(kv))
	for i, v := range kv {
		if i%2 == 0 {
			out[i] = v
			continue
		}
		s, ok := v.(string)
		if !ok {
			if st, isStringer := v.(fmt.Stringer); isStringer {
				s, ok = st.String(), true
			}
		}
		if ok && len(s) > maxValueLen {
			out[i] = s[:maxValueLen] + truncSuffix
			continue
		}
		out[i] = v
	}
	return out
}
