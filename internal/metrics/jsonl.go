package metrics

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/sibyllinesoft/heimdall-sub002/internal/core"
)

// Journal appends metric records to a JSON-lines file, one record per line.
// The tuning pipeline reads this file back as its training sample source.
type Journal struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger *log.Logger
}

// NewJournal opens (creating if needed) the JSON-lines log at path. An
// empty path returns nil; callers treat a nil journal as disabled.
func NewJournal(path string) (*Journal, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Journal{
		path:   path,
		file:   f,
		logger: log.New(log.Writer(), "[JOURNAL] ", log.LstdFlags),
	}, nil
}

// Append writes one record line. Write failures log and drop.
func (j *Journal) Append(rec core.MetricRecord) {
	line, err := json.Marshal(rec)
	if err != nil {
		j.logger.Printf("⚠️ Failed to encode record: %v", err)
		return
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.file.Write(line); err != nil {
		j.logger.Printf("⚠️ Failed to append record: %v", err)
	}
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Close flushes and closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// ReadAll parses every well-formed record in the file at path. Malformed
// lines are skipped.
func ReadAll(path string) ([]core.MetricRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []core.MetricRecord
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var rec core.MetricRecord
			if json.Unmarshal(line, &rec) == nil {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}
