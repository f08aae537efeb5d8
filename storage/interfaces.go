package storage

import (
	"context"
	"errors"
	"time"

	"cold-bot/models"
)

var (
	ErrListingNotFound   = errors.New("listing not found")
	ErrInvalidTransition = errors.New("invalid listing status transition")
)

// LeadLog is the append-only audit trail of contact attempts, plus the
// parallel agent log. Attempts are appended through Store.LogOutcome.
type LeadLog interface {
	AppendAgent(ctx context.Context, e *models.AgentLogEntry) error
	RecentAttempts(ctx context.Context, limit int) ([]*models.ContactAttempt, error)
	AttemptsByHash(ctx context.Context, hash models.Fingerprint) ([]*models.ContactAttempt, error)
	// AddressContacted reports whether email already has a sent attempt.
	AddressContacted(ctx context.Context, email string) (bool, error)
	// SentSince returns the timestamps of sent attempts at or after since.
	SentSince(ctx context.Context, since time.Time) ([]time.Time, error)
}

// FingerprintStore is the durable layer of the dedup store.
type FingerprintStore interface {
	// ClaimFingerprint records fp and reports whether this call recorded it.
	// It returns false when fp was already known, either as a claimed
	// fingerprint or as a listing_hash in the lead log.
	ClaimFingerprint(ctx context.Context, fp models.Fingerprint, sourceURL string) (bool, error)
	HasFingerprint(ctx context.Context, fp models.Fingerprint) (bool, error)
}

// ListingStore keeps the latest view of every extracted listing.
type ListingStore interface {
	UpsertListing(ctx context.Context, l *models.ListingRecord) error
	// GetListing returns ErrListingNotFound for an unknown fingerprint.
	GetListing(ctx context.Context, fp models.Fingerprint) (*models.ListingRecord, error)
	// UpdateListingStatus moves a listing from new to a terminal status.
	UpdateListingStatus(ctx context.Context, fp models.Fingerprint, status models.ListingStatus) error
}

// Store is everything the pipeline persists.
type Store interface {
	LeadLog
	FingerprintStore
	ListingStore
	// LogOutcome appends the attempt and, when next is not empty, moves the
	// listing to next in one step.
	LogOutcome(ctx context.Context, a *models.ContactAttempt, next models.ListingStatus) error
	Ping(ctx context.Context) error
	Close() error
}

// AgentExporter receives agent-classified listings for offline analysis.
type AgentExporter interface {
	WriteAgents(entries []*models.AgentLogEntry) error
	Close() error
}
