package outreach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"cold-bot/browser"
	"cold-bot/config"
	"cold-bot/models"
	"cold-bot/scraper"
	"cold-bot/services"
	"cold-bot/storage"
	"cold-bot/utils"
)

// Lead is a classified listing on its way to a contact decision.
type Lead struct {
	Listing *models.ListingRecord
	// Result is nil when classification failed.
	Result  *models.ClassificationResult
	Channel models.Channel
}

// Outcome is what happened to one lead. Attempt is nil when the send was
// deferred by the rate limiter or handed to a channel queue.
type Outcome struct {
	Attempt  *models.ContactAttempt
	Deferred bool
	Queued   bool
}

// Dispatcher turns eligible leads into contact attempts. Every attempt is
// preceded by a durable fingerprint claim.
type Dispatcher struct {
	store    storage.Store
	dedup    *services.DedupStore
	limiter  Limiter
	composer *Composer
	email    EmailSender
	flows    map[models.Channel]Flow
	queues   map[models.Channel]*storage.QueueFile
	logger   *utils.Logger
	now      func() time.Time
}

type DispatcherDeps struct {
	Store    storage.Store
	Dedup    *services.DedupStore
	Limiter  Limiter
	Composer *Composer
	// Email may be nil in dry-run mode.
	Email  EmailSender
	Flows  []Flow
	Queues map[models.Channel]*storage.QueueFile
	Logger *utils.Logger
}

func NewDispatcher(d DispatcherDeps) *Dispatcher {
	flows := make(map[models.Channel]Flow, len(d.Flows))
	for _, f := range d.Flows {
		flows[f.Channel()] = f
	}
	queues := d.Queues
	if queues == nil {
		queues = map[models.Channel]*storage.QueueFile{}
	}
	return &Dispatcher{
		store:    d.Store,
		dedup:    d.Dedup,
		limiter:  d.Limiter,
		composer: d.Composer,
		email:    d.Email,
		flows:    flows,
		queues:   queues,
		logger:   d.Logger,
		now:      time.Now,
	}
}

// ChooseChannel picks how a listing can be reached. A start URL override
// wins when the listing supports it. It returns "" when no channel fits.
func ChooseChannel(l *models.ListingRecord, a *scraper.Adapter, override models.Channel) models.Channel {
	usable := func(ch models.Channel) bool {
		switch ch {
		case models.ChannelEmail:
			return l.ContactEmail != ""
		case models.ChannelFBMessenger, models.ChannelSiteForm:
			return l.SourceURL != ""
		}
		return false
	}
	if override != "" {
		if usable(override) {
			return override
		}
		return ""
	}
	if usable(models.ChannelEmail) {
		return models.ChannelEmail
	}
	if a != nil && a.Channel != "" && usable(a.Channel) {
		return a.Channel
	}
	if a != nil && a.FormFallback && usable(models.ChannelSiteForm) {
		return models.ChannelSiteForm
	}
	return ""
}

// Send runs one eligible lead through the attempt state machine:
// eligible, then dry_run or sending, then sent or failed.
func (d *Dispatcher) Send(ctx context.Context, lead Lead, cfg *config.Config) (Outcome, error) {
	l := lead.Listing

	msg, err := d.composer.Compose(l, lead.Channel)
	if err != nil {
		return d.finish(ctx, lead, models.Message{}, models.AttemptFailed, "template_error: "+err.Error())
	}

	if lead.Channel == models.ChannelEmail {
		contacted, err := d.store.AddressContacted(ctx, l.ContactEmail)
		if err != nil {
			return Outcome{}, fmt.Errorf("address check: %w", err)
		}
		if contacted {
			return d.Skip(ctx, lead, models.ReasonAddressContacted)
		}
	}

	queued := lead.Channel != models.ChannelEmail
	if queued && !cfg.DryRun {
		return d.enqueue(ctx, lead)
	}

	ok, err := d.limiter.Reserve(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("rate limiter: %w", err)
	}
	if !ok {
		d.logger.Info("[dispatch] %v, deferring %s", models.ErrRateLimited, l.SourceURL)
		return Outcome{Deferred: true}, nil
	}

	claimed, err := d.dedup.Record(ctx, l.Fingerprint, l.SourceURL)
	if err != nil {
		return Outcome{}, fmt.Errorf("record fingerprint: %w", err)
	}
	if !claimed {
		return d.duplicate(ctx, lead)
	}

	if cfg.DryRun {
		d.logger.Info("[dispatch] dry run %s via %s: %q", l.SourceURL, lead.Channel, msg.Subject)
		return d.log(ctx, lead, msg, models.AttemptDryRun, "dry_run", "")
	}

	if d.email == nil {
		return d.log(ctx, lead, msg, models.AttemptFailed, "email sender not configured", models.ListingFailed)
	}
	sctx, cancel := context.WithTimeout(ctx, cfg.Limits.FormTimeout())
	defer cancel()
	if err := d.email.SendEmail(sctx, l.ContactEmail, msg); err != nil {
		d.logger.Warn("[dispatch] %s send to %s failed: %v", d.email.Name(), l.ContactEmail, err)
		return d.log(ctx, lead, msg, models.AttemptFailed, err.Error(), models.ListingFailed)
	}
	d.logger.Info("[dispatch] sent %s to %s", l.SourceURL, l.ContactEmail)
	return d.log(ctx, lead, msg, models.AttemptSent, "sent via "+d.email.Name(), models.ListingContacted)
}

// Skip records the fingerprint and logs a skipped attempt with reason.
func (d *Dispatcher) Skip(ctx context.Context, lead Lead, reason string) (Outcome, error) {
	claimed, err := d.dedup.Record(ctx, lead.Listing.Fingerprint, lead.Listing.SourceURL)
	if err != nil {
		return Outcome{}, fmt.Errorf("record fingerprint: %w", err)
	}
	if !claimed {
		return d.duplicate(ctx, lead)
	}
	return d.log(ctx, lead, models.Message{}, models.AttemptSkipped, reason, "")
}

// LogDuplicate logs a listing the durable store already knows.
func (d *Dispatcher) LogDuplicate(ctx context.Context, lead Lead) (Outcome, error) {
	return d.duplicate(ctx, lead)
}

func (d *Dispatcher) duplicate(ctx context.Context, lead Lead) (Outcome, error) {
	return d.log(ctx, lead, models.Message{}, models.AttemptSkippedDuplicate, models.ReasonDuplicate, "")
}

func (d *Dispatcher) enqueue(ctx context.Context, lead Lead) (Outcome, error) {
	l := lead.Listing
	q, ok := d.queues[lead.Channel]
	if !ok {
		return d.Skip(ctx, lead, fmt.Sprintf("no queue configured for %s", lead.Channel))
	}

	claimed, err := d.dedup.Record(ctx, l.Fingerprint, l.SourceURL)
	if err != nil {
		return Outcome{}, fmt.Errorf("record fingerprint: %w", err)
	}
	if !claimed {
		return d.duplicate(ctx, lead)
	}
	item := models.QueueItem{
		URL:         l.SourceURL,
		ListingHash: l.Fingerprint,
		SiteID:      l.SiteID,
		Title:       l.Title,
	}
	if r := lead.Result; r != nil {
		private, conf := r.IsPrivate, r.Confidence
		item.IsPrivate = &private
		item.Confidence = &conf
	}
	added, err := q.Enqueue(item)
	if err != nil {
		// The claim stands; the lead is logged failed rather than retried.
		return d.log(ctx, lead, models.Message{}, models.AttemptFailed, "enqueue: "+err.Error(), models.ListingFailed)
	}
	if !added {
		d.logger.Info("[dispatch] %s already in the %s queue", l.SourceURL, lead.Channel)
		return d.log(ctx, lead, models.Message{}, models.AttemptSkipped, models.ReasonAlreadyQueued, "")
	}
	d.logger.Info("[dispatch] queued %s for %s", l.SourceURL, lead.Channel)
	return Outcome{Queued: true}, nil
}

// Drain works through the live channel queues with the browser, stopping
// as soon as the rate limiter refuses. Items left behind stay queued.
func (d *Dispatcher) Drain(ctx context.Context, driver browser.Driver, cfg *config.Config) ([]*models.ContactAttempt, error) {
	if cfg.DryRun {
		return nil, nil
	}

	var attempts []*models.ContactAttempt
	for _, ch := range []models.Channel{models.ChannelFBMessenger, models.ChannelSiteForm} {
		q, qok := d.queues[ch]
		flow, fok := d.flows[ch]
		if !qok || !fok {
			continue
		}
		pending, err := q.Pending()
		if err != nil {
			return attempts, fmt.Errorf("read %s queue: %w", ch, err)
		}
		if len(pending) == 0 {
			continue
		}

		page, err := driver.NewPage(ctx)
		if err != nil {
			return attempts, fmt.Errorf("open page: %w", err)
		}
		done, err := d.drainQueue(ctx, page, q, flow, pending)
		page.Close()
		attempts = append(attempts, done...)
		if err != nil {
			return attempts, err
		}
	}
	return attempts, nil
}

func (d *Dispatcher) drainQueue(ctx context.Context, page browser.Page, q *storage.QueueFile, flow Flow, pending []models.QueueItem) ([]*models.ContactAttempt, error) {
	var attempts []*models.ContactAttempt
	for _, item := range pending {
		if err := ctx.Err(); err != nil {
			return attempts, nil
		}
		ok, err := d.limiter.Reserve(ctx)
		if err != nil {
			return attempts, fmt.Errorf("rate limiter: %w", err)
		}
		if !ok {
			d.logger.Info("[dispatch] %v, %s queue left with pending items", models.ErrRateLimited, flow.Channel())
			return attempts, nil
		}

		lead, err := d.queuedLead(ctx, item, flow.Channel())
		if err != nil {
			return attempts, err
		}
		l := lead.Listing
		msg, err := d.composer.Compose(l, flow.Channel())
		if err != nil {
			return attempts, fmt.Errorf("compose: %w", err)
		}

		status, reason, next, qs := models.AttemptSent, "sent via "+string(flow.Channel()), models.ListingContacted, models.QueueContacted
		if err := flow.Deliver(ctx, page, item.URL, msg); err != nil {
			d.logger.Warn("[dispatch] %s delivery to %s failed: %v", flow.Channel(), item.URL, err)
			status, reason, next, qs = models.AttemptFailed, err.Error(), models.ListingFailed, models.QueueFailed
		}
		if err := q.SetStatus(item.ID, qs); err != nil {
			return attempts, fmt.Errorf("update queue: %w", err)
		}
		out, err := d.log(ctx, lead, msg, status, reason, next)
		if err != nil {
			return attempts, err
		}
		attempts = append(attempts, out.Attempt)
	}
	return attempts, nil
}

// queuedLead rebuilds the lead for a queue item from the stored listing,
// falling back to the queue row when the listing was never stored.
func (d *Dispatcher) queuedLead(ctx context.Context, item models.QueueItem, ch models.Channel) (Lead, error) {
	l, err := d.store.GetListing(ctx, item.ListingHash)
	switch {
	case errors.Is(err, storage.ErrListingNotFound):
		l = &models.ListingRecord{
			SourceURL:   item.URL,
			SiteID:      item.SiteID,
			Title:       item.Title,
			Fingerprint: item.ListingHash,
		}
	case err != nil:
		return Lead{}, fmt.Errorf("load queued listing: %w", err)
	}

	lead := Lead{Listing: l, Channel: ch}
	if item.IsPrivate != nil && item.Confidence != nil {
		lead.Result = &models.ClassificationResult{IsPrivate: *item.IsPrivate, Confidence: *item.Confidence}
	}
	return lead, nil
}

func (d *Dispatcher) log(ctx context.Context, lead Lead, msg models.Message, status models.AttemptStatus, reason string, next models.ListingStatus) (Outcome, error) {
	a := d.newAttempt(lead, msg, status, reason)
	// a claimed fingerprint always gets its row, even during shutdown
	if err := d.store.LogOutcome(context.WithoutCancel(ctx), a, next); err != nil {
		return Outcome{Attempt: a}, fmt.Errorf("log attempt: %w", err)
	}
	return Outcome{Attempt: a}, nil
}

func (d *Dispatcher) finish(ctx context.Context, lead Lead, msg models.Message, status models.AttemptStatus, reason string) (Outcome, error) {
	claimed, err := d.dedup.Record(ctx, lead.Listing.Fingerprint, lead.Listing.SourceURL)
	if err != nil {
		return Outcome{}, fmt.Errorf("record fingerprint: %w", err)
	}
	if !claimed {
		return d.duplicate(ctx, lead)
	}
	return d.log(ctx, lead, msg, status, reason, models.ListingFailed)
}

func (d *Dispatcher) newAttempt(lead Lead, msg models.Message, status models.AttemptStatus, reason string) *models.ContactAttempt {
	l := lead.Listing
	a := &models.ContactAttempt{
		ID:             uuid.NewString(),
		ListingHash:    l.Fingerprint,
		ContactEmail:   l.ContactEmail,
		ContactPhone:   l.ContactPhone,
		SourceURL:      l.SourceURL,
		SiteID:         l.SiteID,
		Reason:         reason,
		Status:         status,
		MessageSubject: msg.Subject,
		MessageBody:    msg.Body,
		Channel:        lead.Channel,
		Timestamp:      d.now().UTC(),
	}
	if r := lead.Result; r != nil {
		private, conf := r.IsPrivate, r.Confidence
		a.IsPrivate = &private
		a.Confidence = &conf
	}
	return a
}
