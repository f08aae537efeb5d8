package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/chromedp/chromedp"

	"cold-bot/models"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// ChromeOptions configures the Chrome session.
type ChromeOptions struct {
	Headless  bool
	UserAgent string
	ExecPath  string
	// Settle is how long a page is given to run its scripts after load.
	Settle time.Duration
}

// ChromeDriver drives a local Chrome/Chromium through chromedp.
type ChromeDriver struct {
	opts        ChromeOptions
	cancelAlloc context.CancelFunc
	cancelRoot  context.CancelFunc
	root        context.Context
}

// NewChromeDriver launches the browser. Close must be called to release it.
func NewChromeDriver(ctx context.Context, opts ChromeOptions) (*ChromeDriver, error) {
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.ExecPath == "" {
		opts.ExecPath = findChromeBinary()
	}
	if opts.Settle == 0 {
		opts.Settle = 2 * time.Second
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.UserAgent(opts.UserAgent),
	)
	if opts.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)

	// Suppress chromedp log noise
	root, cancelRoot := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))

	// Start the browser now so a missing binary surfaces before the cycle.
	if err := chromedp.Run(root); err != nil {
		cancelRoot()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &ChromeDriver{opts: opts, cancelAlloc: cancelAlloc, cancelRoot: cancelRoot, root: root}, nil
}

// NewPage opens a new tab in the shared browser.
func (d *ChromeDriver) NewPage(ctx context.Context) (Page, error) {
	tab, cancel := chromedp.NewContext(d.root)
	if err := chromedp.Run(tab); err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &chromePage{tab: tab, cancel: cancel, settle: d.opts.Settle}, nil
}

// ExecPath is the browser binary in use, empty when chromedp picked one.
func (d *ChromeDriver) ExecPath() string {
	return d.opts.ExecPath
}

func (d *ChromeDriver) Close() error {
	d.cancelRoot()
	d.cancelAlloc()
	return nil
}

type chromePage struct {
	tab    context.Context
	cancel context.CancelFunc
	settle time.Duration
	url    string
}

// run executes actions on the tab, bounded by the caller's deadline and
// cancellation.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.tab)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithDeadline(runCtx, deadline)
		defer cancelTimeout()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	var final string
	err := p.run(ctx,
		chromedp.Navigate(url),
		chromedp.Sleep(p.settle),
		chromedp.Location(&final),
	)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrNavigation, url, err)
	}
	p.url = final
	return nil
}

func (p *chromePage) URL() string { return p.url }

func (p *chromePage) Scroll(ctx context.Context, steps int) error {
	for i := 1; i <= steps; i++ {
		script := fmt.Sprintf(`window.scrollTo(0, document.body.scrollHeight * %d / %d)`, i, steps)
		if err := p.run(ctx,
			chromedp.Evaluate(script, nil),
			chromedp.Sleep(time.Second),
		); err != nil {
			return fmt.Errorf("scroll: %w", err)
		}
	}
	return nil
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return html, nil
}

func (p *chromePage) Exists(ctx context.Context, selector string) (bool, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return false, err
	}

	var script string
	if isXPath(selector) {
		script = fmt.Sprintf(`document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue !== null`, quoted)
	} else {
		script = fmt.Sprintf(`(function(){ try { return document.querySelector(%s) !== null } catch (e) { return false } })()`, quoted)
	}

	var found bool
	if err := p.run(ctx, chromedp.Evaluate(script, &found)); err != nil {
		return false, err
	}
	return found, nil
}

func queryOption(selector string) chromedp.QueryOption {
	if isXPath(selector) {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	opt := queryOption(selector)
	if err := p.run(ctx,
		chromedp.WaitVisible(selector, opt),
		chromedp.Click(selector, opt),
	); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Fill(ctx context.Context, selector, text string) error {
	opt := queryOption(selector)
	if err := p.run(ctx,
		chromedp.WaitVisible(selector, opt),
		chromedp.Focus(selector, opt),
		chromedp.SendKeys(selector, text, opt),
	); err != nil {
		return fmt.Errorf("fill %s: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}

// findChromeBinary locates Chrome/Chromium binary.
func findChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}

	names := []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}

	paths := []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/google-chrome",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}
