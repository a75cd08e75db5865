package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditFile is the name of the tool audit log under the project's .heatstep
// directory.
const AuditFile = "audit.jsonl"

// AuditEntry records one MCP tool invocation without its payload.
type AuditEntry struct {
	Timestamp  time.Time         `json:"timestamp"`
	Tool       string            `json:"tool"`
	DurationMs int64             `json:"duration_ms"`
	Status     string            `json:"status"` // "success" or "error"
	Error      string            `json:"error,omitempty"`
	Params     map[string]string `json:"params,omitempty"` // sanitized metadata only
}

// AuditLogger appends entries to a JSONL file. It is safe for concurrent
// use, and a nil AuditLogger ignores every call.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// NewAuditLogger opens dir/audit.jsonl for appending. If the file cannot
// be created a warning is printed to stderr and nil is returned.
func NewAuditLogger(dir string) *AuditLogger {
	if err := os.MkdirAll(dir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot create audit log directory %s: %v\n", dir, err)
		return nil
	}
	path := filepath.Join(dir, AuditFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot open audit log %s: %v\n", path, err)
		return nil
	}
	return &AuditLogger{file: f, path: path}
}

// Path returns the log file path, or "" for a nil logger.
func (a *AuditLogger) Path() string {
	if a == nil {
		return ""
	}
	return a.path
}

// Log appends entry as a single line.
func (a *AuditLogger) Log(entry AuditEntry) {
	if a == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file != nil {
		_, _ = a.file.Write(data)
	}
}

// Close closes the log file. Further entries are dropped.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// sanitizeToolParams extracts loggable metadata from tool parameters.
// Scalar run parameters are logged by value; paths and identifiers are
// logged as "(set)"; anything else is dropped. "_param_count" is always
// included.
func sanitizeToolParams(params map[string]any) map[string]string {
	if params == nil {
		return nil
	}

	safeValueParams := map[string]bool{
		"variant":          true,
		"dt":               true,
		"steps":            true,
		"binary":           true,
		"verify":           true,
		"checkpoint_every": true,
		"width":            true,
		"height":           true,
		"seed":             true,
		"backend":          true,
		"status":           true,
		"limit":            true,
	}
	presenceOnlyParams := map[string]bool{
		"input_path":  true,
		"output_path": true,
		"dir":         true,
		"run_id":      true,
	}

	result := make(map[string]string)
	count := 0
	for key, val := range params {
		if p, ok := val.(*int); ok && p != nil {
			// A set pointer is logged even when it points at zero.
			val = *p
		} else if isZero(val) {
			continue
		}
		count++
		if safeValueParams[key] {
			result[key] = fmt.Sprintf("%v", val)
		} else if presenceOnlyParams[key] {
			result[key] = "(set)"
		}
	}
	result["_param_count"] = fmt.Sprintf("%d", count)
	return result
}

func isZero(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case int:
		return x == 0
	case *int:
		return x == nil
	case int64:
		return x == 0
	case float32:
		return x == 0
	case bool:
		return !x
	}
	return false
}

// auditTool logs a finished tool invocation.
func (s *Server) auditTool(toolName string, start time.Time, err error, params map[string]string) {
	status := "success"
	errMsg := ""
	if err != nil {
		status = "error"
		errMsg = err.Error()
	}
	s.auditLogger.Log(AuditEntry{
		Timestamp:  start,
		Tool:       toolName,
		DurationMs: time.Since(start).Milliseconds(),
		Status:     status,
		Error:      errMsg,
		Params:     params,
	})
}
