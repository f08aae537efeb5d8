package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"cold-bot/models"
)

// StaticDriver serves fixed HTML documents keyed by URL. It renders nothing
// and runs no scripts, which makes it suitable for fixtures and dry runs
// against saved pages.
type StaticDriver struct {
	mu      sync.Mutex
	pages   map[string]string
	failing map[string]int
	actions []Action
	closed  bool
}

// Action is a recorded interaction on a static page.
type Action struct {
	Kind     string
	URL      string
	Selector string
	Text     string
}

func NewStaticDriver(pages map[string]string) *StaticDriver {
	if pages == nil {
		pages = map[string]string{}
	}
	return &StaticDriver{pages: pages, failing: map[string]int{}}
}

// SetPage registers or replaces the document served at url.
func (d *StaticDriver) SetPage(url, html string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pages[url] = html
}

// FailNavigation makes the next n navigations to url fail. A negative n
// fails them forever.
func (d *StaticDriver) FailNavigation(url string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing[url] = n
}

// Actions returns every click and fill performed so far.
func (d *StaticDriver) Actions() []Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Action(nil), d.actions...)
}

// Closed reports whether Close was called.
func (d *StaticDriver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *StaticDriver) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &staticPage{driver: d}, nil
}

func (d *StaticDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *StaticDriver) load(url string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n, ok := d.failing[url]; ok && n != 0 {
		if n > 0 {
			d.failing[url] = n - 1
		}
		return "", fmt.Errorf("%w: %s: connection refused", models.ErrNavigation, url)
	}
	html, ok := d.pages[url]
	if !ok {
		return "", fmt.Errorf("%w: %s: not found", models.ErrNavigation, url)
	}
	return html, nil
}

func (d *StaticDriver) record(a Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, a)
}

type staticPage struct {
	driver *StaticDriver
	url    string
	doc    *goquery.Document
	html   string
}

func (p *staticPage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrNavigation, url, err)
	}
	html, err := p.driver.load(url)
	if err != nil {
		return err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrNavigation, url, err)
	}
	p.url, p.doc, p.html = url, doc, html
	return nil
}

func (p *staticPage) URL() string { return p.url }

func (p *staticPage) Scroll(ctx context.Context, steps int) error {
	return ctx.Err()
}

func (p *staticPage) HTML(ctx context.Context) (string, error) {
	if p.doc == nil {
		return "", fmt.Errorf("no document loaded")
	}
	return p.html, ctx.Err()
}

func (p *staticPage) find(selector string) *goquery.Selection {
	if p.doc == nil || isXPath(selector) {
		return nil
	}
	// goquery yields an empty selection for a malformed selector
	return p.doc.Find(selector)
}

func (p *staticPage) Exists(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sel := p.find(selector)
	return sel != nil && sel.Length() > 0, nil
}

func (p *staticPage) Click(ctx context.Context, selector string) error {
	if ok, err := p.Exists(ctx, selector); err != nil || !ok {
		return fmt.Errorf("click %s: element not found", selector)
	}
	p.driver.record(Action{Kind: "click", URL: p.url, Selector: selector})
	return nil
}

func (p *staticPage) Fill(ctx context.Context, selector, text string) error {
	if ok, err := p.Exists(ctx, selector); err != nil || !ok {
		return fmt.Errorf("fill %s: element not found", selector)
	}
	p.driver.record(Action{Kind: "fill", URL: p.url, Selector: selector, Text: text})
	return nil
}

func (p *staticPage) Close() error { return nil }
