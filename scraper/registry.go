// Package scraper turns rendered listing pages into ListingRecords. Every
// supported portal is described by an Adapter in a declarative table; one
// generic extraction algorithm consumes it.
package scraper

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"cold-bot/config"
	"cold-bot/models"
)

// CardLayout says how the fields of a matched element are read.
type CardLayout int

const (
	// LayoutHTML reads fields through the adapter's field selectors.
	LayoutHTML CardLayout = iota
	// LayoutLines reads fields from the card's visible text lines: the first
	// line is the title, the first line carrying a currency sign the price.
	LayoutLines
)

// FieldSelectors locate typed fields inside one listing element.
type FieldSelectors struct {
	Title       string
	Price       string
	Location    string
	Description string
}

// FieldPatterns are the regexes applied to a card's free text when a typed
// field is absent.
type FieldPatterns struct {
	Price        []*regexp.Regexp
	Bedrooms     *regexp.Regexp
	Bathrooms    *regexp.Regexp
	SizeMetric   []*regexp.Regexp
	SizeImperial *regexp.Regexp
}

// Adapter is the declarative description of one listing source.
type Adapter struct {
	ID string
	// BaseURL is the canonical origin; relative links resolve against it and
	// links on the same site are rewritten to its host form.
	BaseURL string
	// HostHints are lowercase URL substrings that identify the site.
	HostHints []string
	// ListingSelectors is tried in order; the first selector with at least
	// one match wins.
	ListingSelectors []string
	// LinkHints mark the listing's own link among the anchors of a card.
	LinkHints        []string
	Fields           FieldSelectors
	Patterns         FieldPatterns
	Layout           CardLayout
	ConsentSelectors []string
	// Channel is the outreach channel for leads without a parsed email.
	Channel models.Channel
	// FormFallback allows the listing page's contact form when no email was
	// found.
	FormFallback bool
}

// amount matches 450000, 450 000, 450.000,50 and the like, including the
// narrow and non-breaking spaces French portals group thousands with.
const amount = `\d{1,3}(?:[\s\x{00a0}\x{202f},.]\d{3})+(?:[.,]\d{1,2})?|\d+(?:[.,]\d{1,2})?`

var (
	currencyFirst = regexp.MustCompile(`[€£$]\s?(?:` + amount + `)`)
	currencyLast  = regexp.MustCompile(`(?:` + amount + `)[\s\x{00a0}]?(?:€|EUR)`)
)

var defaultFields = FieldSelectors{
	Title:       ".title, [class*='title']",
	Price:       ".price, [class*='price']",
	Location:    ".location, [class*='location'], [class*='address']",
	Description: ".description, [class*='description']",
}

// DefaultPatterns are the field regexes shared by every built-in adapter.
var DefaultPatterns = FieldPatterns{
	Price:     []*regexp.Regexp{currencyFirst, currencyLast},
	Bedrooms:  regexp.MustCompile(`(?i)(\d+)\s*(?:bed|bedroom|chambre|chb)s?`),
	Bathrooms: regexp.MustCompile(`(?i)(\d+)\s*(?:bath|bathroom|salle de bain)s?`),
	SizeMetric: []*regexp.Regexp{
		regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*m²`),
		regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*m2\b`),
	},
	SizeImperial: regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*(?:sq\.?\s*ft|sqft)`),
}

var portalConsent = []string{
	"[id*='reject']",
	"[class*='reject']",
	"[data-testid='accept-cookies']",
	".cookie-consent button",
	"[class*='cookie'] button",
	"[class*='consent'] button",
	"#onetrust-accept-btn-handler",
	"[id*='accept']",
}

func builtinAdapters() []Adapter {
	return []Adapter{
		{
			ID:        "athome",
			BaseURL:   "https://www.athome.lu",
			HostHints: []string{"athome.lu", "at-home.lu", "athome", "at-home"},
			ListingSelectors: []string{
				".listing-item",
				"a[href*='/id-'][href$='.html']",
				"a[href*='/en/buy/'][href*='.html'], a[href*='/en/rent/'][href*='.html']",
				"[class*='card'] a[href*='.html']",
				"article a[href*='/buy/'], article a[href*='/rent/']",
			},
			LinkHints:        []string{"/id-"},
			Fields:           defaultFields,
			Patterns:         DefaultPatterns,
			ConsentSelectors: portalConsent,
			Channel:          models.ChannelEmail,
			FormFallback:     true,
		},
		{
			ID:        "immotop",
			BaseURL:   "https://www.immotop.lu",
			HostHints: []string{"immotop.lu", "immotop"},
			ListingSelectors: []string{
				".property-item",
				"a[href*='/annonces/']",
				"[class*='card'] a[href*='/annonces/']",
				"article a[href*='/annonces/']",
			},
			LinkHints:        []string{"/annonces/"},
			Fields:           defaultFields,
			Patterns:         DefaultPatterns,
			ConsentSelectors: portalConsent,
			Channel:          models.ChannelEmail,
			FormFallback:     true,
		},
		{
			ID:        "nextimmo",
			BaseURL:   "https://nextimmo.lu",
			HostHints: []string{"nextimmo.lu"},
			ListingSelectors: []string{
				"[class*='listing'], [class*='card'], article a[href*='/details/']",
				"a[href*='/en/details/']",
				"a[href*='/details/']",
			},
			LinkHints: []string{"/details/"},
			Fields: FieldSelectors{
				Title:       "h2, h3, .title, [class*='title'], [class*='Title']",
				Price:       ".price, [class*='price'], [class*='Price']",
				Location:    ".location, [class*='location'], [class*='address'], address",
				Description: ".description, [class*='description']",
			},
			Patterns: FieldPatterns{
				Price:        []*regexp.Regexp{currencyLast, currencyFirst},
				Bedrooms:     DefaultPatterns.Bedrooms,
				Bathrooms:    DefaultPatterns.Bathrooms,
				SizeMetric:   DefaultPatterns.SizeMetric,
				SizeImperial: DefaultPatterns.SizeImperial,
			},
			ConsentSelectors: portalConsent,
			Channel:          models.ChannelEmail,
			FormFallback:     true,
		},
		{
			ID:        "wortimmo",
			BaseURL:   "https://www.wortimmo.lu",
			HostHints: []string{"wortimmo.lu"},
			ListingSelectors: []string{
				"a[href*='-id_'], a[href*='/vente-'], a[href*='/location/']",
				"[class*='card'] a[href*='-id_']",
				"[class*='listing'] a[href*='-id_']",
			},
			LinkHints:        []string{"-id_"},
			Fields:           defaultFields,
			Patterns:         DefaultPatterns,
			ConsentSelectors: portalConsent,
			Channel:          models.ChannelEmail,
			FormFallback:     true,
		},
		{
			ID:        "rightmove",
			BaseURL:   "https://www.rightmove.co.uk",
			HostHints: []string{"rightmove"},
			ListingSelectors: []string{
				"[data-testid='propertyCard'], .l-searchResult, article[class*='PropertyCard']",
			},
			LinkHints: []string{"/properties/"},
			Fields: FieldSelectors{
				Title:       "h2, .propertyCard-title, [data-testid='propertyCardTitle'], [class*='title']",
				Price:       ".propertyCard-price, [data-testid='propertyCardPrice'], [class*='price']",
				Location:    "address, [data-testid='address'], .propertyCard-address, [class*='address']",
				Description: ".propertyCard-description, [class*='description']",
			},
			Patterns:         DefaultPatterns,
			ConsentSelectors: []string{"#onetrust-accept-btn-handler"},
			Channel:          models.ChannelEmail,
		},
		{
			ID:               "facebook_marketplace",
			BaseURL:          "https://www.facebook.com",
			HostHints:        []string{"facebook.com/marketplace", "fb.com/marketplace"},
			ListingSelectors: []string{`[data-testid="marketplace_feed_card"]`, "a[href*='/marketplace/item/']"},
			LinkHints:        []string{"/marketplace/item/"},
			Patterns:         DefaultPatterns,
			Layout:           LayoutLines,
			ConsentSelectors: []string{
				"[aria-label='Allow all cookies']",
				"[aria-label='Decline optional cookies']",
			},
			Channel: models.ChannelFBMessenger,
		},
	}
}

// Registry resolves site ids to adapters.
type Registry struct {
	adapters map[string]*Adapter
	order    []string
}

// NewRegistry returns a registry holding the built-in adapter table.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[string]*Adapter)}
	for _, a := range builtinAdapters() {
		r.Register(a)
	}
	return r
}

// Register adds or replaces an adapter. Hint matching follows registration
// order.
func (r *Registry) Register(a Adapter) {
	if _, exists := r.adapters[a.ID]; !exists {
		r.order = append(r.order, a.ID)
	}
	r.adapters[a.ID] = &a
}

// Resolve returns the adapter registered under id.
func (r *Registry) Resolve(id string) (*Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrNoAdapter, id)
	}
	return a, nil
}

// IDs lists the registered site ids, sorted.
func (r *Registry) IDs() []string {
	ids := append([]string(nil), r.order...)
	sort.Strings(ids)
	return ids
}

// InferSiteID maps a URL to the first adapter whose host hint it contains.
func (r *Registry) InferSiteID(rawURL string) (string, error) {
	u := strings.ToLower(rawURL)
	for _, id := range r.order {
		for _, hint := range r.adapters[id].HostHints {
			if strings.Contains(u, hint) {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("%w for %s", models.ErrNoAdapter, rawURL)
}

// ResolveURL resolves the adapter for a start URL, using the explicit site id
// when one is given.
func (r *Registry) ResolveURL(siteID, rawURL string) (*Adapter, error) {
	if siteID == "" {
		id, err := r.InferSiteID(rawURL)
		if err != nil {
			return nil, err
		}
		siteID = id
	}
	return r.Resolve(siteID)
}

// Apply merges per-site overrides from the config. An override for an unknown
// site registers a new generic adapter, which then needs a base_url and at
// least one listing selector.
func (r *Registry) Apply(overrides map[string]config.SiteOverride) error {
	ids := make([]string, 0, len(overrides))
	for id := range overrides {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		o := overrides[id]
		a, ok := r.adapters[id]
		if !ok {
			if o.BaseURL == "" || len(o.ListingSelectors) == 0 {
				return &models.ConfigError{
					Field:  "sites." + id,
					Reason: "new sites need base_url and listing_selectors",
				}
			}
			base, err := url.Parse(o.BaseURL)
			if err != nil || base.Host == "" {
				return &models.ConfigError{Field: "sites." + id + ".base_url", Reason: "invalid url"}
			}
			r.Register(Adapter{
				ID:           id,
				BaseURL:      o.BaseURL,
				HostHints:    []string{strings.TrimPrefix(strings.ToLower(base.Host), "www.")},
				Fields:       defaultFields,
				Patterns:     DefaultPatterns,
				Channel:      models.ChannelEmail,
				FormFallback: true,
			})
			a = r.adapters[id]
		}

		if len(o.ListingSelectors) > 0 {
			// Configured selectors take priority; the built-in chain stays as
			// fallback.
			a.ListingSelectors = mergeChain(o.ListingSelectors, a.ListingSelectors)
		}
		if len(o.ConsentSelectors) > 0 {
			a.ConsentSelectors = mergeChain(o.ConsentSelectors, a.ConsentSelectors)
		}
		if o.BaseURL != "" {
			a.BaseURL = o.BaseURL
		}
		if o.KeepWWW != nil {
			a.BaseURL = withWWW(a.BaseURL, *o.KeepWWW)
		}
	}
	return nil
}

func mergeChain(first, rest []string) []string {
	seen := make(map[string]struct{}, len(first)+len(rest))
	out := make([]string, 0, len(first)+len(rest))
	for _, s := range append(append([]string(nil), first...), rest...) {
		if _, dup := seen[s]; dup || strings.TrimSpace(s) == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func withWWW(base string, keep bool) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	host := strings.TrimPrefix(u.Host, "www.")
	if keep {
		host = "www." + host
	}
	u.Host = host
	return u.String()
}
