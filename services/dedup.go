package services

import (
	"context"

	"cold-bot/models"
	"cold-bot/storage"
	"cold-bot/utils"
)

// DedupStore layers a per-cycle session set over the durable fingerprint
// store. Record must be called before any send so a crash in between leaves
// the listing skipped, never contacted twice.
type DedupStore struct {
	session *utils.URLSet
	durable storage.FingerprintStore
}

func NewDedupStore(durable storage.FingerprintStore) *DedupStore {
	return &DedupStore{session: utils.NewURLSet(), durable: durable}
}

// Seen marks fp for this cycle and reports whether it was already marked.
func (d *DedupStore) Seen(fp models.Fingerprint) bool {
	return !d.session.Add(string(fp))
}

// IsNew reports whether the durable store has never recorded fp.
func (d *DedupStore) IsNew(ctx context.Context, fp models.Fingerprint) (bool, error) {
	known, err := d.durable.HasFingerprint(ctx, fp)
	if err != nil {
		return false, err
	}
	return !known, nil
}

// Record claims fp in the durable store. false means another writer got
// there first and the caller must not contact the listing.
func (d *DedupStore) Record(ctx context.Context, fp models.Fingerprint, sourceURL string) (bool, error) {
	d.session.Add(string(fp))
	return d.durable.ClaimFingerprint(ctx, fp, sourceURL)
}

// ResetCycle forgets the session layer.
func (d *DedupStore) ResetCycle() {
	d.session.Reset()
}

// SessionSize is the number of fingerprints seen this cycle.
func (d *DedupStore) SessionSize() int {
	return d.session.Size()
}
