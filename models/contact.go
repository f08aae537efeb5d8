package models

import "time"

// AttemptStatus is the outcome recorded for one listing in the lead log.
type AttemptStatus string

const (
	AttemptSent             AttemptStatus = "sent"
	AttemptDryRun           AttemptStatus = "dry_run"
	AttemptFailed           AttemptStatus = "failed"
	AttemptSkipped          AttemptStatus = "skipped"
	AttemptSkippedDuplicate AttemptStatus = "skipped_duplicate"
)

// Channel is the outreach medium.
type Channel string

const (
	ChannelEmail       Channel = "email"
	ChannelFBMessenger Channel = "fb_messenger"
	ChannelSiteForm    Channel = "site_form"
)

// Reasons written to the lead log for non-send outcomes.
const (
	ReasonClassificationError = "classification_error"
	ReasonBelowConfidence     = "below_min_confidence"
	ReasonAgent               = "agent_listing"
	ReasonNotViable           = "below_airbnb_min_rating"
	ReasonNoContact           = "no_contact_channel"
	ReasonAddressContacted    = "address_already_contacted"
	ReasonDuplicate           = "duplicate_listing"
	ReasonAlreadyQueued       = "already_queued"
)

// ContactAttempt is an immutable lead log row.
type ContactAttempt struct {
	ID             string
	ListingHash    Fingerprint
	ContactEmail   string
	ContactPhone   string
	SourceURL      string
	SiteID         string
	IsPrivate      *bool
	Confidence     *float64
	Reason         string
	Status         AttemptStatus
	MessageSubject string
	MessageBody    string
	Channel        Channel
	Timestamp      time.Time
}

// AgentLogEntry is a row of the parallel agent_logs table.
type AgentLogEntry struct {
	AgencyName string
	Title      string
	Price      string
	Location   string
	URL        string
	Contact    string
	Reason     string
	Timestamp  time.Time
}

// QueueStatus is the state of an item in a per-channel queue file.
type QueueStatus string

const (
	QueueQueued    QueueStatus = "queued"
	QueueContacted QueueStatus = "contacted"
	QueueFailed    QueueStatus = "failed"
)

// QueueItem is a discovered-but-not-yet-contacted marketplace or form lead.
type QueueItem struct {
	ID          string
	URL         string
	ListingHash Fingerprint
	SiteID      string
	Title       string
	// IsPrivate and Confidence carry the classifier verdict to the drain.
	IsPrivate  *bool
	Confidence *float64
	Status     QueueStatus
	SavedAt    time.Time
}

// Message is a rendered outreach message.
type Message struct {
	Subject string
	Body    string
}
