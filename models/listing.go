package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"
)

// ListingType distinguishes sale listings from rentals.
type ListingType string

const (
	ListingBuy     ListingType = "buy"
	ListingRent    ListingType = "rent"
	ListingUnknown ListingType = ""
)

// ListingStatus is the outreach state of a discovered listing.
// contacted and failed are terminal.
type ListingStatus string

const (
	ListingNew       ListingStatus = "new"
	ListingContacted ListingStatus = "contacted"
	ListingFailed    ListingStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s ListingStatus) Terminal() bool {
	return s == ListingContacted || s == ListingFailed
}

// CanTransition reports whether s -> next is a legal status change.
func (s ListingStatus) CanTransition(next ListingStatus) bool {
	if s == "" {
		s = ListingNew
	}
	return s == ListingNew && next.Terminal()
}

// Price keeps the raw text as scraped next to the parsed value, if any.
type Price struct {
	Raw      string
	Amount   *float64
	Currency string
}

// Fingerprint is the content-addressed dedup key of a listing.
type Fingerprint string

// ListingRecord is one discovered property posting.
type ListingRecord struct {
	SourceURL    string
	SiteID       string
	Title        string
	Description  string
	Price        Price
	Location     string
	Bedrooms     *int
	Bathrooms    *int
	Size         string
	ListingType  ListingType
	ContactEmail string
	ContactPhone string
	ImageURL     string
	ScanTime     time.Time
	Status       ListingStatus
	Fingerprint  Fingerprint
	Priority     int
}

// Text is the free text handed to the classifier.
func (l *ListingRecord) Text() string {
	return strings.TrimSpace(l.Description + " " + l.Title)
}

// HasContact reports whether any direct contact was extracted.
func (l *ListingRecord) HasContact() bool {
	return l.ContactEmail != "" || l.ContactPhone != ""
}

// ComputeFingerprint derives the dedup key. The canonical source URL wins when
// present, so the same posting reached through two paths collapses to one key;
// otherwise normalized title, price and location are hashed. The URL is hashed
// as normalised upstream, so path case is significant.
func ComputeFingerprint(l *ListingRecord) Fingerprint {
	var basis string
	if l.SourceURL != "" {
		basis = "url:" + strings.TrimSpace(l.SourceURL)
	} else {
		basis = "text:" + normaliseKey(l.Title) + "|" + normaliseKey(l.Price.Raw) + "|" + normaliseKey(l.Location)
	}
	sum := sha256.Sum256([]byte(basis))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

func normaliseKey(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return unicode.IsSpace(r)
	})
	return strings.Join(fields, " ")
}
