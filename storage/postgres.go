package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"cold-bot/models"
	"cold-bot/utils"
)

// PostgresStore persists the lead log, agent log, fingerprints and listings.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection to PostgreSQL, runs schema migrations,
// and returns a ready-to-use PostgresStore.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	for i := 0; i < 10; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		if serr := utils.Sleep(ctx, 2*time.Second); serr != nil {
			break
		}
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping failed after retries: %w", err)
	}

	ps := NewPostgresStoreFromDB(db)
	if err := ps.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return ps, nil
}

// NewPostgresStoreFromDB wraps an open handle without migrating.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (ps *PostgresStore) migrate(ctx context.Context) error {
	_, err := ps.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS lead_logs (
			id              TEXT         PRIMARY KEY,
			listing_hash    VARCHAR(64)  NOT NULL,
			contact_email   TEXT         NOT NULL DEFAULT '',
			contact_phone   TEXT         NOT NULL DEFAULT '',
			source_url      TEXT         NOT NULL DEFAULT '',
			site_id         VARCHAR(50)  NOT NULL DEFAULT '',
			is_private      BOOLEAN,
			confidence      DOUBLE PRECISION,
			reason          TEXT         NOT NULL DEFAULT '',
			status          VARCHAR(20)  NOT NULL,
			message_subject TEXT         NOT NULL DEFAULT '',
			message_body    TEXT         NOT NULL DEFAULT '',
			channel         VARCHAR(20)  NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_lead_logs_hash    ON lead_logs(listing_hash);
		CREATE INDEX IF NOT EXISTS idx_lead_logs_created ON lead_logs(created_at);
		CREATE INDEX IF NOT EXISTS idx_lead_logs_email   ON lead_logs(lower(contact_email));

		CREATE TABLE IF NOT EXISTS agent_logs (
			id          SERIAL       PRIMARY KEY,
			agency_name TEXT         NOT NULL DEFAULT '',
			title       TEXT         NOT NULL DEFAULT '',
			price       TEXT         NOT NULL DEFAULT '',
			location    TEXT         NOT NULL DEFAULT '',
			url         TEXT         NOT NULL DEFAULT '',
			contact     TEXT         NOT NULL DEFAULT '',
			reason      TEXT         NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS listing_fingerprints (
			fingerprint VARCHAR(64)  PRIMARY KEY,
			source_url  TEXT         NOT NULL DEFAULT '',
			first_seen  TIMESTAMPTZ  NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS listings (
			fingerprint   VARCHAR(64)   PRIMARY KEY,
			source_url    TEXT          NOT NULL DEFAULT '',
			site_id       VARCHAR(50)   NOT NULL DEFAULT '',
			title         TEXT          NOT NULL DEFAULT '',
			description   TEXT          NOT NULL DEFAULT '',
			price_raw     TEXT          NOT NULL DEFAULT '',
			price_amount  NUMERIC(14,2),
			currency      VARCHAR(3)    NOT NULL DEFAULT '',
			location      TEXT          NOT NULL DEFAULT '',
			bedrooms      INTEGER,
			bathrooms     INTEGER,
			size          TEXT          NOT NULL DEFAULT '',
			listing_type  VARCHAR(10)   NOT NULL DEFAULT '',
			contact_email TEXT          NOT NULL DEFAULT '',
			contact_phone TEXT          NOT NULL DEFAULT '',
			image_url     TEXT          NOT NULL DEFAULT '',
			priority      INTEGER       NOT NULL DEFAULT 0,
			status        VARCHAR(20)   NOT NULL DEFAULT 'new',
			scan_time     TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ   NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_listings_status   ON listings(status);
		CREATE INDEX IF NOT EXISTS idx_listings_priority ON listings(priority);
	`)
	return err
}

const insertAttempt = `
	INSERT INTO lead_logs (id, listing_hash, contact_email, contact_phone, source_url, site_id,
		is_private, confidence, reason, status, message_subject, message_body, channel, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

func attemptArgs(a *models.ContactAttempt) []interface{} {
	return []interface{}{
		a.ID, string(a.ListingHash), a.ContactEmail, a.ContactPhone, a.SourceURL, a.SiteID,
		nullBool(a.IsPrivate), nullFloat(a.Confidence), a.Reason, string(a.Status),
		a.MessageSubject, a.MessageBody, string(a.Channel), a.Timestamp,
	}
}

func (ps *PostgresStore) LogOutcome(ctx context.Context, a *models.ContactAttempt, next models.ListingStatus) error {
	tx, err := ps.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insertAttempt, attemptArgs(a)...); err != nil {
		return fmt.Errorf("postgres: append attempt: %w", err)
	}
	if next != "" {
		if err := updateStatus(ctx, tx, a.ListingHash, next); err != nil && !errors.Is(err, ErrListingNotFound) {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (ps *PostgresStore) AppendAgent(ctx context.Context, e *models.AgentLogEntry) error {
	_, err := ps.db.ExecContext(ctx, `
		INSERT INTO agent_logs (agency_name, title, price, location, url, contact, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.AgencyName, e.Title, e.Price, e.Location, e.URL, e.Contact, e.Reason, e.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: append agent: %w", err)
	}
	return nil
}

const selectAttempts = `
	SELECT id, listing_hash, contact_email, contact_phone, source_url, site_id, is_private,
		confidence, reason, status, message_subject, message_body, channel, created_at
	FROM lead_logs`

// RecentAttempts returns the newest attempts first.
func (ps *PostgresStore) RecentAttempts(ctx context.Context, limit int) ([]*models.ContactAttempt, error) {
	rows, err := ps.db.QueryContext(ctx, selectAttempts+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent attempts: %w", err)
	}
	return scanAttempts(rows)
}

func (ps *PostgresStore) AttemptsByHash(ctx context.Context, hash models.Fingerprint) ([]*models.ContactAttempt, error) {
	rows, err := ps.db.QueryContext(ctx, selectAttempts+` WHERE listing_hash = $1 ORDER BY created_at`, string(hash))
	if err != nil {
		return nil, fmt.Errorf("postgres: attempts by hash: %w", err)
	}
	return scanAttempts(rows)
}

func scanAttempts(rows *sql.Rows) ([]*models.ContactAttempt, error) {
	defer rows.Close()

	var out []*models.ContactAttempt
	for rows.Next() {
		var (
			a          models.ContactAttempt
			hash       string
			status     string
			channel    string
			isPrivate  sql.NullBool
			confidence sql.NullFloat64
		)
		if err := rows.Scan(
			&a.ID, &hash, &a.ContactEmail, &a.ContactPhone, &a.SourceURL, &a.SiteID, &isPrivate,
			&confidence, &a.Reason, &status, &a.MessageSubject, &a.MessageBody, &channel, &a.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan row: %w", err)
		}
		a.ListingHash = models.Fingerprint(hash)
		a.Status = models.AttemptStatus(status)
		a.Channel = models.Channel(channel)
		if isPrivate.Valid {
			a.IsPrivate = &isPrivate.Bool
		}
		if confidence.Valid {
			a.Confidence = &confidence.Float64
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (ps *PostgresStore) AddressContacted(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := ps.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM lead_logs WHERE lower(contact_email) = lower($1) AND status = 'sent'
		)`, strings.TrimSpace(email)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: address contacted: %w", err)
	}
	return exists, nil
}

func (ps *PostgresStore) SentSince(ctx context.Context, since time.Time) ([]time.Time, error) {
	rows, err := ps.db.QueryContext(ctx, `
		SELECT created_at FROM lead_logs
		WHERE status = 'sent' AND created_at >= $1
		ORDER BY created_at`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: sent since: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("postgres: scan row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimFingerprint is a single conditional insert so concurrent bots cannot
// both claim the same listing.
func (ps *PostgresStore) ClaimFingerprint(ctx context.Context, fp models.Fingerprint, sourceURL string) (bool, error) {
	res, err := ps.db.ExecContext(ctx, `
		INSERT INTO listing_fingerprints (fingerprint, source_url)
		SELECT $1, $2
		WHERE NOT EXISTS (SELECT 1 FROM lead_logs WHERE listing_hash = $1)
		ON CONFLICT (fingerprint) DO NOTHING`, string(fp), sourceURL)
	if err != nil {
		return false, fmt.Errorf("postgres: claim fingerprint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: claim fingerprint: %w", err)
	}
	return n == 1, nil
}

func (ps *PostgresStore) HasFingerprint(ctx context.Context, fp models.Fingerprint) (bool, error) {
	var exists bool
	err := ps.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM listing_fingerprints WHERE fingerprint = $1)
			OR EXISTS (SELECT 1 FROM lead_logs WHERE listing_hash = $1)`, string(fp)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: has fingerprint: %w", err)
	}
	return exists, nil
}

// UpsertListing inserts the listing or refreshes its scraped fields. The
// outreach status is never touched here.
func (ps *PostgresStore) UpsertListing(ctx context.Context, l *models.ListingRecord) error {
	status := l.Status
	if status == "" {
		status = models.ListingNew
	}
	_, err := ps.db.ExecContext(ctx, `
		INSERT INTO listings (fingerprint, source_url, site_id, title, description, price_raw,
			price_amount, currency, location, bedrooms, bathrooms, size, listing_type,
			contact_email, contact_phone, image_url, priority, status, scan_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (fingerprint) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			price_raw = EXCLUDED.price_raw,
			price_amount = EXCLUDED.price_amount,
			location = EXCLUDED.location,
			priority = EXCLUDED.priority,
			scan_time = EXCLUDED.scan_time,
			updated_at = NOW()`,
		string(l.Fingerprint), l.SourceURL, l.SiteID, l.Title, l.Description, l.Price.Raw,
		nullFloat(l.Price.Amount), l.Price.Currency, l.Location, nullInt(l.Bedrooms), nullInt(l.Bathrooms),
		l.Size, string(l.ListingType), l.ContactEmail, l.ContactPhone, l.ImageURL, l.Priority,
		string(status), l.ScanTime)
	if err != nil {
		return fmt.Errorf("postgres: upsert listing: %w", err)
	}
	return nil
}

func (ps *PostgresStore) GetListing(ctx context.Context, fp models.Fingerprint) (*models.ListingRecord, error) {
	var (
		l                   models.ListingRecord
		amount              sql.NullFloat64
		beds, baths         sql.NullInt64
		listingType, status string
	)
	err := ps.db.QueryRowContext(ctx, `
		SELECT source_url, site_id, title, description, price_raw, price_amount, currency,
			location, bedrooms, bathrooms, size, listing_type, contact_email, contact_phone,
			image_url, priority, status, scan_time
		FROM listings WHERE fingerprint = $1`, string(fp)).Scan(
		&l.SourceURL, &l.SiteID, &l.Title, &l.Description, &l.Price.Raw, &amount, &l.Price.Currency,
		&l.Location, &beds, &baths, &l.Size, &listingType, &l.ContactEmail, &l.ContactPhone,
		&l.ImageURL, &l.Priority, &status, &l.ScanTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrListingNotFound, fp)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get listing: %w", err)
	}

	l.Fingerprint = fp
	l.ListingType = models.ListingType(listingType)
	l.Status = models.ListingStatus(status)
	if amount.Valid {
		l.Price.Amount = &amount.Float64
	}
	if beds.Valid {
		n := int(beds.Int64)
		l.Bedrooms = &n
	}
	if baths.Valid {
		n := int(baths.Int64)
		l.Bathrooms = &n
	}
	return &l, nil
}

func (ps *PostgresStore) UpdateListingStatus(ctx context.Context, fp models.Fingerprint, status models.ListingStatus) error {
	return updateStatus(ctx, ps.db, fp, status)
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func updateStatus(ctx context.Context, db execQuerier, fp models.Fingerprint, next models.ListingStatus) error {
	if !models.ListingNew.CanTransition(next) {
		return fmt.Errorf("%w: to %q", ErrInvalidTransition, next)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE listings SET status = $2, updated_at = NOW()
		WHERE fingerprint = $1 AND status = 'new'`, string(fp), string(next))
	if err != nil {
		return fmt.Errorf("postgres: update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current string
	err = db.QueryRowContext(ctx, `SELECT status FROM listings WHERE fingerprint = $1`, string(fp)).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrListingNotFound, fp)
	}
	if err != nil {
		return fmt.Errorf("postgres: read status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
}

func (ps *PostgresStore) Ping(ctx context.Context) error {
	return ps.db.PingContext(ctx)
}

func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}
