// Package browser wraps the headless browser used to render listing pages
// and to drive contact forms and marketplace chats.
package browser

import (
	"context"
	"strings"
)

// Driver hands out pages from a single browser session. The session is held
// for a whole cycle and released on every exit path.
type Driver interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is one browser tab. Selectors starting with "//" are XPath, anything
// else is CSS.
type Page interface {
	Navigate(ctx context.Context, url string) error
	// URL is the address of the last successful navigation, after redirects.
	URL() string
	Scroll(ctx context.Context, steps int) error
	// HTML returns the rendered document.
	HTML(ctx context.Context) (string, error)
	Exists(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, text string) error
	Close() error
}

// KeyEnter appended to Fill text submits a chat box.
const KeyEnter = "\r"

func isXPath(selector string) bool {
	return strings.HasPrefix(selector, "//") || strings.HasPrefix(selector, "(//")
}

// DefaultConsentSelectors are the cookie and GDPR banners seen on the
// supported portals. The first one present is clicked.
var DefaultConsentSelectors = []string{
	"#didomi-notice-agree-button",
	"#onetrust-accept-btn-handler",
	"button[data-testid='cookie-policy-manage-dialog-accept-button']",
	"button[aria-label*='Accept']",
	"button[aria-label*='Allow all']",
	"//button[contains(., 'Accept all')]",
	"//button[contains(., 'Tout accepter')]",
}

// DismissConsent clicks the first consent control found on the page. It
// reports whether a banner was dismissed; failures are not fatal.
func DismissConsent(ctx context.Context, p Page, selectors []string) bool {
	if len(selectors) == 0 {
		selectors = DefaultConsentSelectors
	}
	for _, sel := range selectors {
		ok, err := p.Exists(ctx, sel)
		if err != nil || !ok {
			continue
		}
		if err := p.Click(ctx, sel); err == nil {
			return true
		}
	}
	return false
}

// FirstPresent returns the first selector in the chain that matches an
// element on the page, or "" when none do.
func FirstPresent(ctx context.Context, p Page, selectors []string) string {
	for _, sel := range selectors {
		if ok, err := p.Exists(ctx, sel); err == nil && ok {
			return sel
		}
	}
	return ""
}
