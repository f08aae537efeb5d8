package services

import (
	"regexp"
	"strings"
	"time"

	"cold-bot/models"
)

var (
	agencyLabelRegexp = regexp.MustCompile(`(?i)\b(?:agency|agence|broker|realtor|listed by|presented by)\s*[:\-]\s*([^\n,;|]{2,80})`)
	agencyNameRegexp  = regexp.MustCompile(`\b([A-Z][\w&.'-]*(?:\s[A-Z&][\w&.'-]*){0,4}\s(?i:realty|real estate|immobilier|immo|properties|estates|agency))\b`)
	placeRegexp       = regexp.MustCompile(`\b(?:in|near|at)\s+([A-Z][A-Za-z\-]+(?:\s[A-Z][A-Za-z\-]+){0,3})`)
)

const unknownAgency = "unknown"

// ExtractAgentDetails pulls the agency fields of an agent listing. The
// typed listing fields win; the free text is scanned for the rest. agency is
// a name supplied by the oracle, if any.
func ExtractAgentDetails(l *models.ListingRecord, agency string) *models.AgentDetails {
	text := l.Text()
	d := &models.AgentDetails{
		AgencyName: strings.TrimSpace(agency),
		Title:      l.Title,
		Price:      l.Price.Raw,
		Location:   l.Location,
		Contact:    l.ContactEmail,
	}

	if d.AgencyName == "" {
		if m := agencyLabelRegexp.FindStringSubmatch(text); m != nil {
			d.AgencyName = strings.TrimSpace(m[1])
		} else if m := agencyNameRegexp.FindStringSubmatch(text); m != nil {
			d.AgencyName = strings.TrimSpace(m[1])
		} else {
			d.AgencyName = unknownAgency
		}
	}
	if d.Title == "" {
		first, _, _ := strings.Cut(strings.TrimSpace(l.Description), "\n")
		d.Title = truncateRunes(strings.TrimSpace(first), 80)
	}
	if d.Location == "" {
		if m := placeRegexp.FindStringSubmatch(text); m != nil {
			d.Location = m[1]
		}
	}
	if d.Contact == "" {
		d.Contact = l.ContactPhone
	}
	return d
}

// AgentLogEntry builds the agent_logs row for an agent-classified listing.
func AgentLogEntry(l *models.ListingRecord, res *models.ClassificationResult, now time.Time) *models.AgentLogEntry {
	d := res.Agent
	if d == nil {
		d = ExtractAgentDetails(l, "")
	}
	return &models.AgentLogEntry{
		AgencyName: d.AgencyName,
		Title:      d.Title,
		Price:      d.Price,
		Location:   d.Location,
		URL:        l.SourceURL,
		Contact:    d.Contact,
		Reason:     res.Reason,
		Timestamp:  now,
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
