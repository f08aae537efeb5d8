package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cold-bot/browser"
	"cold-bot/config"
	"cold-bot/models"
	"cold-bot/oracle"
	"cold-bot/outreach"
	"cold-bot/scraper"
	"cold-bot/services"
	"cold-bot/storage"
	"cold-bot/utils"
)

const (
	buyURL  = "https://www.athome.lu/en/buy/"
	rentURL = "https://www.athome.lu/en/rent/"
)

const privatePage = `<html><body><div class="results">
  <a href="/en/buy/apartment/luxembourg/id-1.html">Apartment 2 chambres 450 000 € write to owner1@example.lu</a>
  <a href="/en/buy/house/strassen/id-2.html">Family house 4 chambres 890 000 € write to owner2@example.lu</a>
  <a href="/en/buy/apartment/kirchberg/id-3.html">Studio 1 bed 310 000 € write to owner3@example.lu</a>
</div></body></html>`

const agencyPage = `<html><body>
  <a href="/en/buy/apartment/belair/id-7.html">Penthouse 3 chambres 1 200 000 € Agency: Moselle Realty, fees included</a>
</body></html>`

type fakeOracle struct {
	score *oracle.Score
	err   error
	calls int
}

func (f *fakeOracle) Score(context.Context, string, oracle.PromptContext) (*oracle.Score, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.score, nil
}

func (f *fakeOracle) Ping(context.Context) error { return f.err }

func privateOracle() *fakeOracle {
	private := true
	return &fakeOracle{score: &oracle.Score{Confidence: 0.95, IsPrivate: &private, Reasoning: "owner writes in first person"}}
}

type captureExporter struct {
	entries []*models.AgentLogEntry
}

func (c *captureExporter) WriteAgents(entries []*models.AgentLogEntry) error {
	c.entries = append(c.entries, entries...)
	return nil
}

func (c *captureExporter) Close() error { return nil }

type fixture struct {
	cfg      *config.Config
	store    *storage.MemoryStore
	driver   *browser.StaticDriver
	exporter *captureExporter
	orch     *Orchestrator
}

func newFixture(t *testing.T, o oracle.Oracle, pages map[string]string, starts ...string) *fixture {
	t.Helper()
	cfg := config.Default()
	for _, s := range starts {
		cfg.StartURLs = append(cfg.StartURLs, config.StartURL{URL: s})
	}
	cfg.Limits.DelayMinMs = 0
	cfg.Limits.DelayMaxMs = 0
	cfg.Limits.CycleCooldownSeconds = 0

	logger := utils.NewLoggerTo(io.Discard)
	store := storage.NewMemoryStore()
	dedup := services.NewDedupStore(store)
	limiter := outreach.NewWindowLimiter(outreach.Budget{
		PerMinute: cfg.Limits.RequestsPerMinute,
		PerHour:   cfg.Limits.MaxContactsPerHour,
		PerCycle:  cfg.Limits.MaxSendsPerCycle,
	})
	driver := browser.NewStaticDriver(pages)
	exporter := &captureExporter{}

	orch := New(cfg, Deps{
		Registry:   scraper.NewRegistry(),
		Engine:     scraper.NewEngine(logger),
		Classifier: services.NewClassifier(o, logger),
		Dedup:      dedup,
		Dispatcher: outreach.NewDispatcher(outreach.DispatcherDeps{
			Store:    store,
			Dedup:    dedup,
			Limiter:  limiter,
			Composer: outreach.NewComposer(nil),
			Logger:   logger,
		}),
		Limiter:   limiter,
		Store:     store,
		Exporter:  exporter,
		NewDriver: func(context.Context) (browser.Driver, error) { return driver, nil },
		ReportOut: io.Discard,
		Logger:    logger,
	})
	orch.retryDelay = time.Millisecond

	return &fixture{cfg: cfg, store: store, driver: driver, exporter: exporter, orch: orch}
}

func (f *fixture) attempts(t *testing.T) []*models.ContactAttempt {
	t.Helper()
	all, err := f.store.RecentAttempts(context.Background(), 100)
	require.NoError(t, err)
	return all
}

func TestCycleDryRunLogsEveryListing(t *testing.T) {
	f := newFixture(t, privateOracle(), map[string]string{buyURL: privatePage}, buyURL)

	report, err := f.orch.RunCycle(context.Background(), f.cfg)
	require.NoError(t, err)

	assert.Equal(t, 1, report.URLsScanned)
	assert.Equal(t, 3, report.Listings)
	assert.Equal(t, 3, report.Viable)
	assert.Equal(t, 3, report.ByStatus[models.AttemptDryRun])
	assert.Equal(t, 3, report.BySite["athome"])
	assert.True(t, f.driver.Closed(), "browser released after the cycle")
	assert.Empty(t, f.driver.Actions(), "dry run never touches a form")

	for _, a := range f.attempts(t) {
		assert.Equal(t, models.ChannelEmail, a.Channel)
		require.NotNil(t, a.IsPrivate)
		assert.True(t, *a.IsPrivate)

		l, ok := f.store.Listing(a.ListingHash)
		require.True(t, ok)
		assert.Equal(t, models.ListingNew, l.Status, "dry run leaves the listing new")
		assert.Positive(t, l.Priority)
	}
	assert.Equal(t, 3, f.orch.Status().Actions)
}

func TestSecondCycleLogsSkippedDuplicate(t *testing.T) {
	o := privateOracle()
	f := newFixture(t, o, map[string]string{buyURL: privatePage}, buyURL)
	ctx := context.Background()

	_, err := f.orch.RunCycle(ctx, f.cfg)
	require.NoError(t, err)
	calls := o.calls

	report, err := f.orch.RunCycle(ctx, f.cfg)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Cycle)
	assert.Equal(t, 3, report.ByStatus[models.AttemptSkippedDuplicate])
	assert.Zero(t, report.ByStatus[models.AttemptDryRun])
	assert.Equal(t, calls, o.calls, "known listings are not classified again")

	byHash := map[models.Fingerprint][]models.AttemptStatus{}
	for _, a := range f.attempts(t) {
		byHash[a.ListingHash] = append(byHash[a.ListingHash], a.Status)
	}
	require.Len(t, byHash, 3)
	for fp, statuses := range byHash {
		assert.ElementsMatch(t, []models.AttemptStatus{models.AttemptDryRun, models.AttemptSkippedDuplicate}, statuses, "fingerprint %s", fp)
	}
}

type fakeEmail struct {
	sent []string
}

func (f *fakeEmail) SendEmail(_ context.Context, to string, _ models.Message) error {
	f.sent = append(f.sent, to)
	return nil
}

func (f *fakeEmail) Name() string { return "fake" }

func TestContactedListingIsNotSentAgain(t *testing.T) {
	f := newFixture(t, privateOracle(), map[string]string{buyURL: privatePage}, buyURL)
	f.cfg.DryRun = false
	email := &fakeEmail{}
	f.orch.deps.Dispatcher = outreach.NewDispatcher(outreach.DispatcherDeps{
		Store:    f.store,
		Dedup:    f.orch.deps.Dedup,
		Limiter:  f.orch.deps.Limiter,
		Composer: outreach.NewComposer(nil),
		Email:    email,
		Logger:   f.orch.logger,
	})
	ctx := context.Background()

	report, err := f.orch.RunCycle(ctx, f.cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, report.ByStatus[models.AttemptSent])
	assert.ElementsMatch(t, []string{"owner1@example.lu", "owner2@example.lu", "owner3@example.lu"}, email.sent)

	report, err = f.orch.RunCycle(ctx, f.cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, report.ByStatus[models.AttemptSkippedDuplicate])
	assert.Len(t, email.sent, 3, "no second send")

	for _, a := range f.attempts(t) {
		l, ok := f.store.Listing(a.ListingHash)
		require.True(t, ok)
		assert.Equal(t, models.ListingContacted, l.Status)
	}
}

func TestSessionDuplicatesAreDroppedSilently(t *testing.T) {
	f := newFixture(t, privateOracle(), map[string]string{buyURL: privatePage, rentURL: privatePage}, buyURL, rentURL)

	report, err := f.orch.RunCycle(context.Background(), f.cfg)
	require.NoError(t, err)

	assert.Equal(t, 2, report.URLsScanned)
	assert.Equal(t, 6, report.Listings)
	assert.Equal(t, 3, report.Duplicates)
	assert.Len(t, f.attempts(t), 3)
}

func TestOracleTimeoutSkipsWithoutGuessing(t *testing.T) {
	f := newFixture(t, &fakeOracle{err: context.DeadlineExceeded}, map[string]string{buyURL: privatePage}, buyURL)

	report, err := f.orch.RunCycle(context.Background(), f.cfg)
	require.NoError(t, err)

	assert.Equal(t, 3, report.ByStatus[models.AttemptSkipped])
	assert.Zero(t, report.Viable)
	for _, a := range f.attempts(t) {
		assert.Equal(t, models.ReasonClassificationError, a.Reason)
		assert.Nil(t, a.IsPrivate, "a failed classification is never recorded as private")
		assert.Nil(t, a.Confidence)
		assert.Empty(t, a.MessageBody)
	}
	assert.Zero(t, f.orch.Status().Actions)
}

func TestAgentListingsAreExportedAndSkipped(t *testing.T) {
	o := privateOracle()
	f := newFixture(t, o, map[string]string{buyURL: agencyPage}, buyURL)

	report, err := f.orch.RunCycle(context.Background(), f.cfg)
	require.NoError(t, err)

	assert.Zero(t, o.calls, "keyword veto settles agencies without the oracle")
	assert.Equal(t, 1, report.AgentListings)
	assert.Equal(t, 1, report.ByStatus[models.AttemptSkipped])

	agents := f.store.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, "https://www.athome.lu/en/buy/apartment/belair/id-7.html", agents[0].URL)
	require.Len(t, f.exporter.entries, 1)
	assert.Equal(t, agents[0].AgencyName, f.exporter.entries[0].AgencyName)

	attempts := f.attempts(t)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.ReasonAgent, attempts[0].Reason)
	require.NotNil(t, attempts[0].IsPrivate)
	assert.False(t, *attempts[0].IsPrivate)
}

func TestNavigationFailureIsIsolated(t *testing.T) {
	f := newFixture(t, privateOracle(), map[string]string{buyURL: privatePage, rentURL: privatePage}, buyURL, rentURL)
	f.driver.FailNavigation(buyURL, -1)

	report, err := f.orch.RunCycle(context.Background(), f.cfg)
	require.NoError(t, err)

	assert.Equal(t, 1, report.URLsFailed)
	assert.Equal(t, 1, report.URLsScanned)
	assert.Equal(t, 3, report.ByStatus[models.AttemptDryRun], "the next URL still runs")
}

func TestScanLogsCarrySite(t *testing.T) {
	f := newFixture(t, privateOracle(), map[string]string{buyURL: privatePage}, buyURL)
	var buf bytes.Buffer
	f.orch.logger = utils.NewLoggerTo(&buf)

	_, err := f.orch.RunCycle(context.Background(), f.cfg)
	require.NoError(t, err)

	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "scanning "+buyURL) {
			assert.Contains(t, line, "site=athome")
			return
		}
	}
	t.Fatalf("no scan line in log output:\n%s", buf.String())
}

func TestNavigationIsRetriedOnce(t *testing.T) {
	f := newFixture(t, privateOracle(), map[string]string{buyURL: privatePage}, buyURL)
	f.driver.FailNavigation(buyURL, 1)

	report, err := f.orch.RunCycle(context.Background(), f.cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, report.URLsScanned)
	assert.Zero(t, report.URLsFailed)

	f.driver.FailNavigation(buyURL, 2)
	report, err = f.orch.RunCycle(context.Background(), f.cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, report.URLsFailed, "a second failure skips the URL")
}

func TestPerCycleCapDefersTheRest(t *testing.T) {
	f := newFixture(t, privateOracle(), map[string]string{buyURL: privatePage}, buyURL)
	f.cfg.Limits.MaxSendsPerCycle = 2
	limiter := outreach.NewWindowLimiter(outreach.Budget{PerMinute: 30, PerHour: 5, PerCycle: 2})
	f.orch.deps.Limiter = limiter
	f.orch.deps.Dispatcher = outreach.NewDispatcher(outreach.DispatcherDeps{
		Store:    f.store,
		Dedup:    f.orch.deps.Dedup,
		Limiter:  limiter,
		Composer: outreach.NewComposer(nil),
		Logger:   f.orch.logger,
	})

	report, err := f.orch.RunCycle(context.Background(), f.cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, report.ByStatus[models.AttemptDryRun])
	assert.Equal(t, 1, report.Deferred)
	assert.Len(t, f.attempts(t), 2, "a deferred listing leaves no row")

	// the deferred listing is picked up by the next cycle
	report, err = f.orch.RunCycle(context.Background(), f.cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ByStatus[models.AttemptDryRun])
	assert.Equal(t, 2, report.ByStatus[models.AttemptSkippedDuplicate])
}

func TestRunOnceStops(t *testing.T) {
	f := newFixture(t, privateOracle(), map[string]string{buyURL: privatePage}, buyURL)

	require.NoError(t, f.orch.Run(context.Background(), true))
	st := f.orch.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, 1, st.Cycle)
	assert.False(t, st.LastCycle.IsZero())
}

func TestRunCancelledIsGracefulStop(t *testing.T) {
	f := newFixture(t, privateOracle(), map[string]string{buyURL: privatePage}, buyURL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, f.orch.Run(ctx, false))
	assert.Equal(t, StateStopped, f.orch.Status().State)
	assert.True(t, f.driver.Closed())
	assert.Empty(t, f.attempts(t))
}

func TestRunBrowserFailureIsAnError(t *testing.T) {
	f := newFixture(t, privateOracle(), nil, buyURL)
	f.orch.deps.NewDriver = func(context.Context) (browser.Driver, error) {
		return nil, errors.New("chrome not found")
	}

	err := f.orch.Run(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquire browser")
	assert.Equal(t, StateError, f.orch.Status().State)
}

func TestReloadKeepsPreviousSnapshotOnError(t *testing.T) {
	f := newFixture(t, privateOracle(), map[string]string{buyURL: privatePage, rentURL: privatePage}, buyURL)
	reloads := 0
	f.orch.deps.Reload = func() (*config.Config, error) {
		reloads++
		if reloads == 1 {
			next := f.cfg.Clone()
			next.StartURLs = []config.StartURL{{URL: rentURL}}
			return next, nil
		}
		return nil, &models.ConfigError{Field: "yaml", Reason: "broken"}
	}

	assert.Equal(t, rentURL, f.orch.snapshot().StartURLs[0].URL)
	assert.Equal(t, rentURL, f.orch.snapshot().StartURLs[0].URL)
	assert.Equal(t, 2, reloads)
}

func TestCheckAdapters(t *testing.T) {
	f := newFixture(t, privateOracle(), nil, buyURL)
	require.NoError(t, f.orch.CheckAdapters())

	g := newFixture(t, privateOracle(), nil, "https://www.unknown-portal.example/listings")
	err := g.orch.CheckAdapters()
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfig)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, privateOracle(), nil, buyURL)

	f.orch.Pause()
	assert.Equal(t, StateIdle, f.orch.Status().State, "only a running bot can pause")

	f.orch.setState(StateRunning)
	f.orch.Pause()
	assert.Equal(t, StatePaused, f.orch.Status().State)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.orch.waitIfPaused(ctx), context.Canceled)

	f.orch.Resume()
	assert.Equal(t, StateRunning, f.orch.Status().State)
	assert.NoError(t, f.orch.waitIfPaused(context.Background()))
}
