package storage

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"cold-bot/models"
)

var queueHeader = []string{"id", "url", "listing_hash", "site_id", "title", "is_private", "confidence", "status", "saved_at"}

// QueueFile is the durable per-channel list of leads waiting for a browser
// flow. Every mutation rewrites the whole file through a temp file and
// rename, so concurrent processes see last-writer-wins.
type QueueFile struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewQueueFile(path string) *QueueFile {
	return &QueueFile{path: path, now: time.Now}
}

func (q *QueueFile) Path() string { return q.path }

// Enqueue adds a queued item for url. It returns false without writing when
// the url is already present in any status.
func (q *QueueFile) Enqueue(item models.QueueItem) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.readLocked()
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if it.URL == item.URL {
			return false, nil
		}
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.SavedAt.IsZero() {
		item.SavedAt = q.now().UTC()
	}
	item.Status = models.QueueQueued
	items = append(items, item)
	return true, q.writeLocked(items)
}

// Pending returns the queued items in file order.
func (q *QueueFile) Pending() ([]models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.readLocked()
	if err != nil {
		return nil, err
	}
	var out []models.QueueItem
	for _, it := range items {
		if it.Status == models.QueueQueued {
			out = append(out, it)
		}
	}
	return out, nil
}

// All returns every item regardless of status.
func (q *QueueFile) All() ([]models.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.readLocked()
}

// SetStatus updates the item with the given id.
func (q *QueueFile) SetStatus(id string, status models.QueueStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.readLocked()
	if err != nil {
		return err
	}
	found := false
	for i := range items {
		if items[i].ID == id {
			items[i].Status = status
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("queue: item %s not found in %s", id, q.path)
	}
	return q.writeLocked(items)
}

func (q *QueueFile) readLocked() ([]models.QueueItem, error) {
	f, err := os.Open(q.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", q.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	field := func(row []string, name string) string {
		if i, ok := col[name]; ok && i < len(row) {
			return row[i]
		}
		return ""
	}

	var items []models.QueueItem
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("queue: read row: %w", err)
		}
		it := models.QueueItem{
			ID:          field(row, "id"),
			URL:         field(row, "url"),
			ListingHash: models.Fingerprint(field(row, "listing_hash")),
			SiteID:      field(row, "site_id"),
			Title:       field(row, "title"),
			Status:      models.QueueStatus(field(row, "status")),
		}
		if it.URL == "" {
			continue
		}
		if it.Status == "" {
			it.Status = models.QueueQueued
		}
		if v, err := strconv.ParseBool(field(row, "is_private")); err == nil {
			it.IsPrivate = &v
		}
		if v, err := strconv.ParseFloat(field(row, "confidence"), 64); err == nil {
			it.Confidence = &v
		}
		if ts := field(row, "saved_at"); ts != "" {
			it.SavedAt, _ = time.Parse(time.RFC3339, ts)
		}
		items = append(items, it)
	}
	return items, nil
}

func (q *QueueFile) writeLocked(items []models.QueueItem) error {
	dir := filepath.Dir(q.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("queue: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(q.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("queue: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(queueHeader); err != nil {
		tmp.Close()
		return fmt.Errorf("queue: write header: %w", err)
	}
	for _, it := range items {
		if err := w.Write([]string{
			it.ID, it.URL, string(it.ListingHash), it.SiteID, it.Title,
			formatBool(it.IsPrivate), formatFloat(it.Confidence),
			string(it.Status), it.SavedAt.Format(time.RFC3339),
		}); err != nil {
			tmp.Close()
			return fmt.Errorf("queue: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("queue: flush: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("queue: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), q.path); err != nil {
		return fmt.Errorf("queue: replace %q: %w", q.path, err)
	}
	return nil
}

func formatBool(b *bool) string {
	if b == nil {
		return ""
	}
	return strconv.FormatBool(*b)
}

func formatFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}
