package storage

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"cold-bot/models"
)

// MemoryStore is an in-process Store for dry-run rehearsals and tests.
// Nothing survives a restart.
type MemoryStore struct {
	mu           sync.Mutex
	attempts     []*models.ContactAttempt
	agents       []*models.AgentLogEntry
	fingerprints map[models.Fingerprint]string
	listings     map[models.Fingerprint]*models.ListingRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		fingerprints: make(map[models.Fingerprint]string),
		listings:     make(map[models.Fingerprint]*models.ListingRecord),
	}
}

func (m *MemoryStore) LogOutcome(_ context.Context, a *models.ContactAttempt, next models.ListingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if next != "" {
		if l, ok := m.listings[a.ListingHash]; ok {
			if !l.Status.CanTransition(next) {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.Status, next)
			}
			l.Status = next
		}
	}
	cp := *a
	m.attempts = append(m.attempts, &cp)
	return nil
}

func (m *MemoryStore) AppendAgent(_ context.Context, e *models.AgentLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.agents = append(m.agents, &cp)
	return nil
}

func (m *MemoryStore) RecentAttempts(_ context.Context, limit int) ([]*models.ContactAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.ContactAttempt, 0, min(limit, len(m.attempts)))
	for i := len(m.attempts) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.attempts[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) AttemptsByHash(_ context.Context, hash models.Fingerprint) ([]*models.ContactAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.ContactAttempt
	for _, a := range m.attempts {
		if a.ListingHash == hash {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) AddressContacted(_ context.Context, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email = strings.TrimSpace(email)
	for _, a := range m.attempts {
		if a.Status == models.AttemptSent && strings.EqualFold(a.ContactEmail, email) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) SentSince(_ context.Context, since time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []time.Time
	for _, a := range m.attempts {
		if a.Status == models.AttemptSent && !a.Timestamp.Before(since) {
			out = append(out, a.Timestamp)
		}
	}
	slices.SortFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out, nil
}

func (m *MemoryStore) ClaimFingerprint(_ context.Context, fp models.Fingerprint, sourceURL string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.knownLocked(fp) {
		return false, nil
	}
	m.fingerprints[fp] = sourceURL
	return true, nil
}

func (m *MemoryStore) HasFingerprint(_ context.Context, fp models.Fingerprint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.knownLocked(fp), nil
}

func (m *MemoryStore) knownLocked(fp models.Fingerprint) bool {
	if _, ok := m.fingerprints[fp]; ok {
		return true
	}
	for _, a := range m.attempts {
		if a.ListingHash == fp {
			return true
		}
	}
	return false
}

func (m *MemoryStore) UpsertListing(_ context.Context, l *models.ListingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *l
	if prev, ok := m.listings[l.Fingerprint]; ok {
		cp.Status = prev.Status
	} else if cp.Status == "" {
		cp.Status = models.ListingNew
	}
	m.listings[l.Fingerprint] = &cp
	return nil
}

func (m *MemoryStore) GetListing(_ context.Context, fp models.Fingerprint) (*models.ListingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[fp]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrListingNotFound, fp)
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryStore) UpdateListingStatus(_ context.Context, fp models.Fingerprint, status models.ListingStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[fp]
	if !ok {
		return fmt.Errorf("%w: %s", ErrListingNotFound, fp)
	}
	if !l.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.Status, status)
	}
	l.Status = status
	return nil
}

// Listing returns a copy of the stored listing.
func (m *MemoryStore) Listing(fp models.Fingerprint) (models.ListingRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[fp]
	if !ok {
		return models.ListingRecord{}, false
	}
	return *l, true
}

// Agents returns a copy of the agent log.
func (m *MemoryStore) Agents() []models.AgentLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AgentLogEntry, len(m.agents))
	for i, e := range m.agents {
		out[i] = *e
	}
	return out
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
