// Package orchestrator drives scan cycles: it holds the browser session,
// walks the configured start URLs and hands every extracted listing through
// dedup, classification and dispatch.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"cold-bot/browser"
	"cold-bot/config"
	"cold-bot/models"
	"cold-bot/outreach"
	"cold-bot/scraper"
	"cold-bot/services"
	"cold-bot/storage"
	"cold-bot/utils"
)

// State is the lifecycle state of the orchestrator.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
	StateError   State = "error"
)

// CycleState is a point-in-time view of the running bot. It is never
// persisted.
type CycleState struct {
	State     State
	Cycle     int
	Actions   int
	LastCycle time.Time
}

// Deps are the collaborators of one orchestrator. Exporter, Robots, Reload
// and ReportOut are optional.
type Deps struct {
	Registry   *scraper.Registry
	Engine     *scraper.Engine
	Classifier *services.Classifier
	Dedup      *services.DedupStore
	Dispatcher *outreach.Dispatcher
	Limiter    outreach.Limiter
	Store      storage.Store
	Exporter   storage.AgentExporter
	Report     *services.ReportService
	Robots     *browser.RobotsGate
	// NewDriver acquires the browser session for one cycle.
	NewDriver func(ctx context.Context) (browser.Driver, error)
	// Reload returns a fresh config between cycles. Errors keep the previous
	// snapshot.
	Reload    func() (*config.Config, error)
	ReportOut io.Writer
	Logger    *utils.Logger
}

// Orchestrator is the single worker of a running bot.
type Orchestrator struct {
	deps   Deps
	cfg    *config.Config
	pacer  *utils.Pacer
	logger *utils.Logger

	retryDelay time.Duration
	now        func() time.Time

	mu     sync.Mutex
	status CycleState
	resume chan struct{}
}

func New(cfg *config.Config, deps Deps) *Orchestrator {
	if deps.ReportOut == nil {
		deps.ReportOut = os.Stdout
	}
	if deps.Report == nil {
		deps.Report = services.NewReportService(deps.Logger)
	}
	l := cfg.Limits
	return &Orchestrator{
		deps:       deps,
		cfg:        cfg.Clone(),
		pacer:      utils.NewPacer(time.Duration(l.DelayMinMs)*time.Millisecond, time.Duration(l.DelayMaxMs)*time.Millisecond),
		logger:     deps.Logger,
		retryDelay: 2 * time.Second,
		now:        time.Now,
		status:     CycleState{State: StateIdle},
	}
}

// CheckAdapters resolves an adapter for every start URL. A miss is a
// configuration error and must stop the bot before any browser is started.
func (o *Orchestrator) CheckAdapters() error {
	for i, s := range o.cfg.StartURLs {
		if _, err := o.deps.Registry.ResolveURL(s.Site, s.URL); err != nil {
			return &models.ConfigError{Field: fmt.Sprintf("start_urls[%d]", i), Reason: err.Error()}
		}
	}
	return nil
}

// Status returns a copy of the current cycle state.
func (o *Orchestrator) Status() CycleState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Pause holds the loop at the next start URL boundary.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.State == StateRunning {
		o.status.State = StatePaused
		o.resume = make(chan struct{})
		o.logger.Info("[cycle] paused")
	}
}

func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.State == StatePaused {
		o.status.State = StateRunning
		close(o.resume)
		o.logger.Info("[cycle] resumed")
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.status.State = s
	o.mu.Unlock()
}

func (o *Orchestrator) waitIfPaused(ctx context.Context) error {
	o.mu.Lock()
	paused, ch := o.status.State == StatePaused, o.resume
	o.mu.Unlock()
	if !paused {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// Run loops over cycles until ctx is cancelled, or once when once is set.
// Cancellation is a graceful stop and returns nil.
func (o *Orchestrator) Run(ctx context.Context, once bool) error {
	o.setState(StateRunning)
	for {
		cfg := o.snapshot()
		if _, err := o.RunCycle(ctx, cfg); err != nil {
			if ctx.Err() != nil {
				break
			}
			o.setState(StateError)
			return err
		}
		if once || ctx.Err() != nil {
			break
		}

		cooldown := cfg.Limits.CycleCooldown()
		o.logger.Info("[cycle] cooling down for %v", cooldown)
		if err := utils.Sleep(ctx, cooldown); err != nil {
			break
		}
	}
	o.setState(StateStopped)
	o.logger.Info("[cycle] stopped")
	return nil
}

// snapshot returns the config for the next cycle, reloading it when a
// loader is set.
func (o *Orchestrator) snapshot() *config.Config {
	if o.deps.Reload != nil {
		fresh, err := o.deps.Reload()
		if err != nil {
			o.logger.Warn("[cycle] config reload failed, keeping previous: %v", err)
		} else {
			o.cfg = fresh.Clone()
		}
	}
	return o.cfg.Clone()
}

// RunCycle performs one pass over the start URLs of cfg and drains the
// browser channel queues. Per-URL failures are logged and counted; only a
// failure to acquire the browser is returned.
func (o *Orchestrator) RunCycle(ctx context.Context, cfg *config.Config) (*models.CycleReport, error) {
	o.mu.Lock()
	o.status.Cycle++
	report := models.NewCycleReport(o.status.Cycle)
	o.mu.Unlock()

	o.deps.Limiter.StartCycle()
	o.deps.Dedup.ResetCycle()

	o.logger.Info("[cycle] %d starting: %d start URLs, dry_run=%v", report.Cycle, len(cfg.StartURLs), cfg.DryRun)

	driver, err := o.deps.NewDriver(ctx)
	if err != nil {
		return report, fmt.Errorf("acquire browser: %w", err)
	}
	defer func() {
		if err := driver.Close(); err != nil {
			o.logger.Warn("[cycle] closing browser: %v", err)
		}
	}()

	page, err := driver.NewPage(ctx)
	if err != nil {
		return report, fmt.Errorf("open page: %w", err)
	}

	for _, start := range cfg.StartURLs {
		if ctx.Err() != nil {
			break
		}
		if err := o.waitIfPaused(ctx); err != nil {
			break
		}
		if err := o.scanURL(ctx, page, start, cfg, report); err != nil {
			if ctx.Err() != nil {
				break
			}
			report.URLsFailed++
			o.logger.Error("[cycle] %s: %v", start.URL, err)
			continue
		}
		report.URLsScanned++
	}
	page.Close()

	if ctx.Err() == nil {
		attempts, err := o.deps.Dispatcher.Drain(ctx, driver, cfg)
		for _, a := range attempts {
			o.tally(report, a)
		}
		if err != nil {
			o.logger.Error("[cycle] draining queues: %v", err)
		}
	}

	report.Duration = o.now().Sub(report.StartedAt)
	o.mu.Lock()
	o.status.LastCycle = o.now()
	o.mu.Unlock()

	o.deps.Report.Print(o.deps.ReportOut, report)
	return report, nil
}

func (o *Orchestrator) scanURL(ctx context.Context, page browser.Page, start config.StartURL, cfg *config.Config, report *models.CycleReport) error {
	adapter, err := o.deps.Registry.ResolveURL(start.Site, start.URL)
	if err != nil {
		return err
	}

	if cfg.RespectRobots && o.deps.Robots != nil && !o.deps.Robots.Allowed(ctx, start.URL) {
		return fmt.Errorf("%w: disallowed by robots.txt", models.ErrNavigation)
	}

	if err := o.pacer.Wait(ctx); err != nil {
		return err
	}

	log := o.logger.With("site", adapter.ID)
	log.Info("[cycle] scanning %s with adapter %s", start.URL, adapter.ID)
	retry := utils.RetryConfig{MaxAttempts: 2, BaseDelay: o.retryDelay, Logger: log}
	err = retry.Do(ctx, "navigate "+start.URL, func(ctx context.Context) error {
		nctx, cancel := context.WithTimeout(ctx, cfg.Limits.PageTimeout())
		defer cancel()
		return page.Navigate(nctx, start.URL)
	})
	if err != nil {
		if !errors.Is(err, models.ErrNavigation) {
			err = fmt.Errorf("%w: %w", models.ErrNavigation, err)
		}
		return err
	}

	if browser.DismissConsent(ctx, page, adapter.ConsentSelectors) {
		log.Debug("[cycle] dismissed consent banner on %s", start.URL)
	}
	if err := page.Scroll(ctx, cfg.Limits.ScrollDepth); err != nil {
		log.Warn("[cycle] scroll on %s: %v", start.URL, err)
	}

	html, err := page.HTML(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", models.ErrExtraction, start.URL, err)
	}
	pageURL := page.URL()
	if pageURL == "" {
		pageURL = start.URL
	}
	listings, err := o.deps.Engine.Extract(scraper.Page{URL: pageURL, HTML: html}, adapter)
	if err != nil {
		return err
	}

	for l := range listings {
		if ctx.Err() != nil {
			break
		}
		report.Listings++
		if err := o.handleListing(ctx, l, adapter, start, cfg, report); err != nil {
			log.Error("[cycle] listing %s: %v", l.SourceURL, err)
		}
	}
	return nil
}

// handleListing takes one extracted listing to a logged outcome.
func (o *Orchestrator) handleListing(ctx context.Context, l *models.ListingRecord, adapter *scraper.Adapter, start config.StartURL, cfg *config.Config, report *models.CycleReport) error {
	d := o.deps.Dispatcher
	if o.deps.Dedup.Seen(l.Fingerprint) {
		report.Duplicates++
		return nil
	}
	lead := outreach.Lead{Listing: l}

	isNew, err := o.deps.Dedup.IsNew(ctx, l.Fingerprint)
	if err != nil {
		return fmt.Errorf("dedup lookup: %w", err)
	}
	if !isNew {
		return o.record(report, func() (outreach.Outcome, error) { return d.LogDuplicate(ctx, lead) })
	}

	res, cerr := o.deps.Classifier.Classify(ctx, l, cfg)
	if cerr == nil {
		l.Priority = services.PriorityScore(l, res)
	}
	if err := o.deps.Store.UpsertListing(ctx, l); err != nil {
		return fmt.Errorf("store listing: %w", err)
	}

	if cerr != nil {
		o.logger.Warn("[cycle] %s not classified: %v", l.SourceURL, cerr)
		return o.record(report, func() (outreach.Outcome, error) {
			return d.Skip(ctx, lead, models.ReasonClassificationError)
		})
	}
	lead.Result = res

	if !res.IsPrivate {
		o.logAgent(ctx, l, res)
	}
	if reason := services.Gate(res, cfg); reason != "" {
		return o.record(report, func() (outreach.Outcome, error) { return d.Skip(ctx, lead, reason) })
	}
	report.Viable++

	lead.Channel = outreach.ChooseChannel(l, adapter, start.Channel)
	if lead.Channel == "" {
		return o.record(report, func() (outreach.Outcome, error) {
			return d.Skip(ctx, lead, models.ReasonNoContact)
		})
	}
	return o.record(report, func() (outreach.Outcome, error) { return d.Send(ctx, lead, cfg) })
}

func (o *Orchestrator) logAgent(ctx context.Context, l *models.ListingRecord, res *models.ClassificationResult) {
	entry := services.AgentLogEntry(l, res, o.now())
	if err := o.deps.Store.AppendAgent(ctx, entry); err != nil {
		o.logger.Warn("[cycle] agent log for %s: %v", l.SourceURL, err)
	}
	if o.deps.Exporter != nil {
		if err := o.deps.Exporter.WriteAgents([]*models.AgentLogEntry{entry}); err != nil {
			o.logger.Warn("[cycle] agent export for %s: %v", l.SourceURL, err)
		}
	}
}

// record runs one dispatcher call and folds its outcome into the report.
func (o *Orchestrator) record(report *models.CycleReport, call func() (outreach.Outcome, error)) error {
	out, err := call()
	switch {
	case out.Deferred:
		report.Deferred++
	case out.Queued:
		report.Queued++
	}
	if out.Attempt != nil {
		o.tally(report, out.Attempt)
	}
	return err
}

func (o *Orchestrator) tally(report *models.CycleReport, a *models.ContactAttempt) {
	o.deps.Report.Tally(report, a)
	if a.Status == models.AttemptSent || a.Status == models.AttemptDryRun {
		o.mu.Lock()
		o.status.Actions++
		o.mu.Unlock()
	}
}
