package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// HookLogWriter appends operational NDJSON lines to the hooks log described
// in spec.md §6: {type: "received", request_id, hook_event_name, ts} and
// {type: "responded", request_id, intent, source, ts}.
// This log is independent of the Session Store's durable feed — it may be
// truncated or rotated (RotateHookLog) without affecting resume.
type HookLogWriter struct {
	mu   sync.Mutex
	file *os.File
}

// OpenHookLog opens (creating parent directories and the file as needed) the
// operational log at path for appending.
func OpenHookLog(path string) (*HookLogWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("telemetry: mkdir for hook log: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open hook log %s: %w", path, err)
	}
	return &HookLogWriter{file: f}, nil
}

// Received appends a "received" entry for an inbound hook_event.
func (w *HookLogWriter) Received(requestID, hookEventName string) {
	w.write(map[string]any{
		"type":            "received",
		"request_id":      requestID,
		"hook_event_name": hookEventName,
		"ts":              time.Now().UTC().UnixMilli(),
	})
}

// Responded appends a "responded" entry for a resolved request.
func (w *HookLogWriter) Responded(requestID, intent, source string) {
	w.write(map[string]any{
		"type":       "responded",
		"request_id": requestID,
		"intent":     intent,
		"source":     source,
		"ts":         time.Now().UTC().UnixMilli(),
	})
}

func (w *HookLogWriter) write(entry map[string]any) {
	if w == nil {
		return
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	_, _ = w.file.Write(line)
}

// Close releases the underlying file handle.
func (w *HookLogWriter) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
