package bridge

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// debugLogger writes JSON objects as JSONL.
// It is safe for concurrent use.
type debugLogger struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// newDebugLogger creates a debug logger that appends to path.
// If path is empty, returns nil (debug logging disabled).
func newDebugLogger(path string) (*debugLogger, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &debugLogger{f: f, enc: json.NewEncoder(f)}, nil
}

func (l *debugLogger) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Log writes a JSON line.
func (l *debugLogger) Log(v any) error {
	if l == nil || l.enc == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(v)
}

// debugRecord is a normalized JSONL entry.
type debugRecord struct {
	Time    string `json:"time"`
	TraceID string `json:"trace_id,omitempty"`
	Model   string `json:"model,omitempty"`
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
}

func newDebugRecord(req Request, recordType string, data any) debugRecord {
	return debugRecord{
		Time:    time.Now().UTC().Format(time.RFC3339Nano),
		TraceID: req.TraceID,
		Model:   req.Model,
		Type:    recordType,
		Data:    data,
	}
}
