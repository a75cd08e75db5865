// Package logging provides leveled logging and run tracing for heatstep.
//
// Operational chatter (platform and device choice, per-run setup) goes to a
// leveled slog.Logger on stderr. Per-run events are also appended as JSON
// lines to .heatstep/trace.jsonl when the level is debug or trace.
package logging

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LevelTrace is below Debug. Pipelines log every step at this level.
const LevelTrace = slog.LevelDebug - 4

// TraceFile is the JSONL file name written by TraceLogger.
const TraceFile = "trace.jsonl"

// ParseLevel maps a level name to a slog.Level. Unknown names map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
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

// NewLogger creates a text logger writing to w at the named level.
func NewLogger(level string, w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, handlerOptions(level)))
}

// NewJSONLogger is NewLogger with one JSON object per record.
func NewJSONLogger(level string, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, handlerOptions(level)))
}

func handlerOptions(level string) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
}

// TraceLogger appends run events to a JSONL file. It is safe for concurrent
// use, and a nil *TraceLogger discards everything.
type TraceLogger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewTraceLogger opens dir/trace.jsonl for append. It returns nil at info
// level and above, or when the file cannot be opened.
func NewTraceLogger(dir string, level string) *TraceLogger {
	if ParseLevel(level) > slog.LevelDebug {
		return nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil
	}

	path := filepath.Join(dir, TraceFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil
	}
	return &TraceLogger{file: f, path: path}
}

// Path returns the trace file path, or "" for a nil logger.
func (tl *TraceLogger) Path() string {
	if tl == nil {
		return ""
	}
	return tl.path
}

// Log writes event as one JSON line with a "time" field added. The caller's
// map is not modified.
func (tl *TraceLogger) Log(event map[string]any) {
	if tl == nil {
		return
	}

	entry := make(map[string]any, len(event)+1)
	for k, v := range event {
		entry[k] = v
	}
	entry["time"] = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.file == nil {
		return
	}
	_, _ = tl.file.Write(data)
}

// Close closes the trace file. Later calls to Log are dropped.
func (tl *TraceLogger) Close() error {
	if tl == nil {
		return nil
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.file == nil {
		return nil
	}
	err := tl.file.Close()
	tl.file = nil
	return err
}
