package retrieval

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bzconsulting24/quartermaster-sub001/internal/vector"
)

type QueryLogEntry struct {
	Timestamp     time.Time      `json:"timestamp"`
	Query         string         `json:"query"`
	TopK          int            `json:"top_k"`
	Filters       vector.Filters `json:"filters"`
	NumResults    int            `json:"num_results"`
	TopSimilarity float64        `json:"top_similarity,omitempty"`
	Duration      time.Duration  `json:"duration_ns"`
	LatencyMs     int64          `json:"latency_ms"`
	CorrelationID string         `json:"correlation_id"`
}

// QueryLogger appends one JSON line per query.
type QueryLogger struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
	now    func() time.Time
}

func NewQueryLogger(w io.Writer) *QueryLogger {
	return &QueryLogger{enc: json.NewEncoder(w), now: time.Now}
}

func NewFileQueryLogger(path string) (*QueryLogger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}

	cleanPath := filepath.Clean(path)
	f, err := os.OpenFile(cleanPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- path is from application config, not user input
	if err != nil {
		return nil, err
	}
	l := NewQueryLogger(io.MultiWriter(os.Stdout, f))
	l.closer = f
	return l, nil
}

func (l *QueryLogger) Log(entry QueryLogEntry) {
	entry.LatencyMs = entry.Duration.Milliseconds()

	l.mu.Lock()
	defer l.mu.Unlock()
	entry.Timestamp = l.now().UTC()
	if err := l.enc.Encode(entry); err != nil {
		slog.Error("failed to write query log entry", "error", err)
	}
}

// Close releases the log file, if any. Entries logged afterwards fail and are
// reported through slog.
func (l *QueryLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}
