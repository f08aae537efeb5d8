package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cold-bot/models"
)

var agentHeader = []string{
	"agency_name", "title", "price", "location", "url", "contact", "reason", "logged_at",
}

// AgentCSVWriter appends agent-classified listings to a CSV export.
// It is safe for concurrent use.
type AgentCSVWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// NewAgentCSVWriter opens the CSV file at path for appending, writing the
// header row when the file is new or empty. Intermediate directories are
// created automatically.
func NewAgentCSVWriter(path string) (*AgentCSVWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("csv: open file %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: stat %q: %w", path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(agentHeader); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("csv: write header: %w", err)
		}
		w.Flush()
	}

	return &AgentCSVWriter{file: f, writer: w}, nil
}

// WriteAgents appends one row per entry.
func (c *AgentCSVWriter) WriteAgents(entries []*models.AgentLogEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range entries {
		row := []string{
			e.AgencyName,
			e.Title,
			e.Price,
			e.Location,
			e.URL,
			e.Contact,
			e.Reason,
			e.Timestamp.Format(time.RFC3339),
		}
		if err := c.writer.Write(row); err != nil {
			return fmt.Errorf("csv: write row: %w", err)
		}
	}

	c.writer.Flush()
	return c.writer.Error()
}

// Close flushes and closes the underlying file.
func (c *AgentCSVWriter) Close() error {
	c.writer.Flush()
	return c.file.Close()
}
