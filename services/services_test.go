package services

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"cold-bot/config"
	"cold-bot/models"
	"cold-bot/oracle"
	"cold-bot/storage"
	"cold-bot/utils"
)

type fakeOracle struct {
	seller    *oracle.Score
	viability *oracle.Score
	err       error
	calls     []oracle.PromptContext
}

func (f *fakeOracle) Score(_ context.Context, _ string, pc oracle.PromptContext) (*oracle.Score, error) {
	f.calls = append(f.calls, pc)
	if f.err != nil {
		return nil, f.err
	}
	if pc.Task == oracle.TaskViability {
		return f.viability, nil
	}
	return f.seller, nil
}

func (f *fakeOracle) Ping(context.Context) error { return f.err }

func boolPtr(b bool) *bool { return &b }

func floatPtr(f float64) *float64 { return &f }

func newTestLogger() *utils.Logger { return utils.NewLoggerTo(&bytes.Buffer{}) }

func listing(desc string) *models.ListingRecord {
	return &models.ListingRecord{
		SourceURL:   "https://www.athome.lu/id-1.html",
		SiteID:      "athome",
		Title:       "Apartment 2 bedrooms",
		Description: desc,
		Price:       models.Price{Raw: "€450,000"},
		Location:    "Luxembourg",
	}
}

func TestMatchKeywords(t *testing.T) {
	hits := MatchKeywords("Contact our AGENCY, commission included", []string{"agency", "broker", " Commission ", ""})
	if len(hits) != 2 || hits[0] != "agency" || hits[1] != "commission" {
		t.Errorf("MatchKeywords: got %v", hits)
	}
	if MatchKeywords("", []string{"agency"}) != nil {
		t.Error("empty text should match nothing")
	}
}

func TestClassifierRulesVetoSkipsOracle(t *testing.T) {
	o := &fakeOracle{seller: &oracle.Score{IsPrivate: boolPtr(true), Confidence: 1}}
	c := NewClassifier(o, newTestLogger())
	cfg := config.Default()

	res, err := c.Classify(context.Background(), listing("Presented by Horizon Real Estate, fees included"), cfg)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.IsPrivate || res.Source != models.SourceRules {
		t.Errorf("want rules agent verdict, got %+v", res)
	}
	if res.Agent == nil || res.Agent.AgencyName == "" {
		t.Errorf("agent details missing: %+v", res.Agent)
	}
	if len(o.calls) != 0 {
		t.Errorf("oracle called %d times, want 0", len(o.calls))
	}
}

func TestClassifierOraclePrecedence(t *testing.T) {
	tests := []struct {
		name        string
		conf        float64
		wantPrivate bool
	}{
		{"confident private overrides rules", 0.95, true},
		{"weak private loses to rules", 0.7, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &fakeOracle{seller: &oracle.Score{IsPrivate: boolPtr(true), Confidence: tt.conf, Reasoning: "owner"}}
			cfg := config.Default()
			cfg.Classifier.AgentRulePrecedence = config.PrecedenceOracle

			res, err := NewClassifier(o, newTestLogger()).Classify(context.Background(), listing("no agency fees, owner selling"), cfg)
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if res.IsPrivate != tt.wantPrivate {
				t.Errorf("IsPrivate: got %v, want %v", res.IsPrivate, tt.wantPrivate)
			}
			if len(o.calls) != 1 {
				t.Fatalf("oracle calls: got %d, want 1", len(o.calls))
			}
		})
	}
}

func TestClassifierPassesPrivateHints(t *testing.T) {
	o := &fakeOracle{seller: &oracle.Score{IsPrivate: boolPtr(true), Confidence: 0.8}}
	cfg := config.Default()

	res, err := NewClassifier(o, newTestLogger()).Classify(context.Background(), listing("Private seller, owner direct"), cfg)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !res.IsPrivate || res.Source != models.SourceOracle || res.Agent != nil {
		t.Errorf("unexpected result %+v", res)
	}
	if got := o.calls[0].Hints; len(got) != 2 {
		t.Errorf("hints: got %v, want private seller and owner direct", got)
	}
}

func TestClassifierOracleFailureNeverGuesses(t *testing.T) {
	o := &fakeOracle{err: models.ErrOracleUnavailable}
	res, err := NewClassifier(o, newTestLogger()).Classify(context.Background(), listing("Lovely flat"), config.Default())
	if res != nil {
		t.Errorf("result should be nil on failure, got %+v", res)
	}
	if !errors.Is(err, models.ErrClassification) || !errors.Is(err, models.ErrOracleUnavailable) {
		t.Errorf("error should wrap both sentinels, got %v", err)
	}

	_, err = NewClassifier(nil, newTestLogger()).Classify(context.Background(), listing("Lovely flat"), config.Default())
	if !errors.Is(err, models.ErrClassification) {
		t.Errorf("nil oracle: got %v", err)
	}
}

func TestClassifierViability(t *testing.T) {
	o := &fakeOracle{
		seller:    &oracle.Score{IsPrivate: boolPtr(true), Confidence: 0.9},
		viability: &oracle.Score{Rating: floatPtr(7), Reasoning: "central"},
	}
	cfg := config.Default()
	cfg.Airbnb.Enabled = true
	cfg.Airbnb.Criteria = "near the station"

	res, err := NewClassifier(o, newTestLogger()).Classify(context.Background(), listing("Bright flat"), cfg)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.ViabilityRating == nil || *res.ViabilityRating != 7 {
		t.Fatalf("rating: got %v", res.ViabilityRating)
	}
	if o.calls[1].Criteria != "near the station" {
		t.Errorf("criteria not passed: %+v", o.calls[1])
	}
	if reason := Gate(res, cfg); reason != "" {
		t.Errorf("Gate: got %q, want pass", reason)
	}
}

func TestGate(t *testing.T) {
	cfg := config.Default()
	airbnb := config.Default()
	airbnb.Airbnb.Enabled = true

	tests := []struct {
		name string
		res  models.ClassificationResult
		cfg  *config.Config
		want string
	}{
		{"agent", models.ClassificationResult{IsPrivate: false, Confidence: 1}, cfg, models.ReasonAgent},
		{"low confidence", models.ClassificationResult{IsPrivate: true, Confidence: 0.59}, cfg, models.ReasonBelowConfidence},
		{"at threshold", models.ClassificationResult{IsPrivate: true, Confidence: 0.6}, cfg, ""},
		{"no rating", models.ClassificationResult{IsPrivate: true, Confidence: 0.9}, airbnb, models.ReasonNotViable},
		{"low rating", models.ClassificationResult{IsPrivate: true, Confidence: 0.9, ViabilityRating: floatPtr(5)}, airbnb, models.ReasonNotViable},
		{"good rating", models.ClassificationResult{IsPrivate: true, Confidence: 0.9, ViabilityRating: floatPtr(6)}, airbnb, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Gate(&tt.res, tt.cfg); got != tt.want {
				t.Errorf("Gate: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGateMonotonicInConfidence(t *testing.T) {
	for _, threshold := range []float64{0, 0.25, 0.6, 0.99, 1} {
		cfg := config.Default()
		cfg.Classifier.MinConfidence = threshold
		for c := 0.0; c < threshold; c += 0.05 {
			res := &models.ClassificationResult{IsPrivate: true, Confidence: c}
			if Gate(res, cfg) == "" {
				t.Errorf("confidence %.2f passed gate with min %.2f", c, threshold)
			}
		}
	}
}

func TestExtractAgentDetails(t *testing.T) {
	l := &models.ListingRecord{
		SourceURL:    "https://x/1",
		Description:  "Spacious house in Esch Sur Alzette. Agency: Horizon Homes\nCall +352 621 123 456",
		Price:        models.Price{Raw: "€800,000"},
		ContactPhone: "+352 621 123 456",
	}
	d := ExtractAgentDetails(l, "")
	if d.AgencyName != "Horizon Homes" {
		t.Errorf("AgencyName: got %q", d.AgencyName)
	}
	if d.Location != "Esch Sur Alzette" {
		t.Errorf("Location: got %q", d.Location)
	}
	if d.Title != "Spacious house in Esch Sur Alzette. Agency: Horizon Homes" {
		t.Errorf("Title: got %q", d.Title)
	}
	if d.Contact != "+352 621 123 456" || d.Price != "€800,000" {
		t.Errorf("Contact/Price: got %q %q", d.Contact, d.Price)
	}

	if got := ExtractAgentDetails(&models.ListingRecord{Title: "Flat"}, "").AgencyName; got != unknownAgency {
		t.Errorf("fallback AgencyName: got %q", got)
	}
	if got := ExtractAgentDetails(&models.ListingRecord{Description: "by Sunrise Realty team"}, "").AgencyName; got != "Sunrise Realty" {
		t.Errorf("name pattern: got %q", got)
	}
	if got := ExtractAgentDetails(l, "Oracle Named").AgencyName; got != "Oracle Named" {
		t.Errorf("oracle name should win: got %q", got)
	}
}

func TestDedupStore(t *testing.T) {
	ctx := context.Background()
	d := NewDedupStore(storage.NewMemoryStore())

	if d.Seen("fp1") {
		t.Error("first Seen should be false")
	}
	if !d.Seen("fp1") {
		t.Error("second Seen should be true")
	}

	isNew, err := d.IsNew(ctx, "fp1")
	if err != nil || !isNew {
		t.Fatalf("IsNew before record: %v %v", isNew, err)
	}
	claimed, err := d.Record(ctx, "fp1", "https://x/1")
	if err != nil || !claimed {
		t.Fatalf("Record: %v %v", claimed, err)
	}
	if claimed, _ := d.Record(ctx, "fp1", "https://x/1"); claimed {
		t.Error("second Record must not claim")
	}

	d.ResetCycle()
	if d.SessionSize() != 0 {
		t.Errorf("SessionSize after reset: %d", d.SessionSize())
	}
	if isNew, _ := d.IsNew(ctx, "fp1"); isNew {
		t.Error("durable layer must survive a cycle reset")
	}
}

func TestPriorityScore(t *testing.T) {
	l := &models.ListingRecord{ContactEmail: "a@b.lu"}
	res := &models.ClassificationResult{IsPrivate: true, Confidence: 0.8, ViabilityRating: floatPtr(7)}
	if got := PriorityScore(l, res); got != 70+20+15+8 {
		t.Errorf("PriorityScore: got %d, want 113", got)
	}
	if got := PriorityScore(&models.ListingRecord{}, &models.ClassificationResult{Confidence: 0.5}); got != 5 {
		t.Errorf("PriorityScore agent: got %d, want 5", got)
	}
	if PriorityScore(l, nil) != 0 {
		t.Error("nil result should score 0")
	}
}

func TestReportPrint(t *testing.T) {
	svc := NewReportService(newTestLogger())
	r := models.NewCycleReport(3)
	r.Duration = 1500 * time.Millisecond
	svc.Tally(r, &models.ContactAttempt{Status: models.AttemptDryRun, SiteID: "athome"})
	svc.Tally(r, &models.ContactAttempt{Status: models.AttemptSkipped, SiteID: "athome", Reason: models.ReasonAgent})
	svc.Tally(r, &models.ContactAttempt{Status: models.AttemptSkipped, SiteID: "immotop"})

	if r.AgentListings != 1 || r.ByStatus[models.AttemptSkipped] != 2 || r.BySite["athome"] != 2 {
		t.Fatalf("Tally: %+v", r)
	}

	var buf bytes.Buffer
	svc.Print(&buf, r)
	out := buf.String()
	for _, want := range []string{"CYCLE 3 REPORT", "dry_run", "skipped", "athome", "immotop", "1.5s"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q", want)
		}
	}
}
