package scraper

import (
	"fmt"
	"iter"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"cold-bot/models"
	"cold-bot/utils"
)

// Page is a rendered document together with the URL it was loaded from.
type Page struct {
	URL  string
	HTML string
}

// Engine extracts listing records from rendered pages.
type Engine struct {
	logger *utils.Logger
	now    func() time.Time
}

// NewEngine creates an Engine with the given logger.
func NewEngine(logger *utils.Logger) *Engine {
	return &Engine{logger: logger, now: time.Now}
}

// Extract parses page and returns the listings found with the adapter's
// selector chain. The first selector matching at least one element wins; the
// rest of the chain is not consulted.
//
// The returned sequence is lazy and may be ranged over any number of times,
// each pass starting from the first element again. Fields that cannot be
// parsed are left empty; an element is dropped only when it has neither a
// link nor any title text.
func (e *Engine) Extract(page Page, a *Adapter) (iter.Seq[*models.ListingRecord], error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrExtraction, page.URL, err)
	}

	elements, selector := collect(doc.Selection, a.ListingSelectors)
	if selector == "" {
		e.logger.Warn("[extract] %s: no selector in chain matched on %s", a.ID, page.URL)
	} else {
		e.logger.Info("[extract] %s: collected %d elements with selector %s", a.ID, elements.Length(), selector)
	}

	return func(yield func(*models.ListingRecord) bool) {
		if elements == nil {
			return
		}
		for i := range elements.Nodes {
			rec, ok := e.parse(elements.Eq(i), page, a)
			if !ok {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}, nil
}

// ExtractAll drains Extract into a slice.
func (e *Engine) ExtractAll(page Page, a *Adapter) ([]*models.ListingRecord, error) {
	seq, err := e.Extract(page, a)
	if err != nil {
		return nil, err
	}
	return slices.Collect(seq), nil
}

// collect returns the matches of the first selector in the chain that yields
// at least one element, and that selector.
func collect(root *goquery.Selection, chain []string) (*goquery.Selection, string) {
	for _, sel := range chain {
		found := root.Find(sel)
		if found.Length() > 0 {
			return found, sel
		}
	}
	return nil, ""
}

func (e *Engine) parse(el *goquery.Selection, page Page, a *Adapter) (*models.ListingRecord, bool) {
	var contacts Contacts
	anchors := el.Find("a[href]")
	if goquery.NodeName(el) == "a" {
		anchors = el.AddSelection(anchors)
	}
	anchors.Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		contactFromHref(href, &contacts)
	})

	link := listingLink(anchors, a.LinkHints)
	lines := textLines(el)
	fullText := strings.Join(lines, " ")

	var title, price, location, description string
	switch a.Layout {
	case LayoutLines:
		title, price, location = readLines(lines)
		description = strings.Join(lines, "\n")
	default:
		title = firstText(el, a.Fields.Title)
		price = firstText(el, a.Fields.Price)
		location = firstText(el, a.Fields.Location)
		description = firstText(el, a.Fields.Description)
		if title == "" && link != nil {
			title = truncate(normaliseText(link.Text()), 200)
		}
		if title == "" && len(lines) > 0 {
			title = truncate(lines[0], 200)
		}
		if description == "" && len(fullText) > len(title) {
			description = fullText
		}
	}
	if price == "" {
		price = findPrice(fullText, a.Patterns.Price)
	}

	var sourceURL string
	if link != nil {
		href, _ := link.Attr("href")
		normalized, err := a.Normalize(href, page.URL)
		if err != nil {
			e.logger.Debug("[extract] %s: unusable link %q: %v", a.ID, href, err)
		} else {
			sourceURL = normalized
		}
	}

	if sourceURL == "" && title == "" {
		e.logger.Debug("[extract] %s: dropping element without link or title", a.ID)
		return nil, false
	}

	if contacts.Email == "" || contacts.Phone == "" {
		found := ExtractContacts(fullText)
		if contacts.Email == "" {
			contacts.Email = found.Email
		}
		if contacts.Phone == "" {
			contacts.Phone = found.Phone
		}
	}

	rec := &models.ListingRecord{
		SourceURL:    sourceURL,
		SiteID:       a.ID,
		Title:        normaliseText(title),
		Description:  description,
		Price:        parsePrice(price),
		Location:     normaliseText(location),
		Bedrooms:     firstInt(a.Patterns.Bedrooms, fullText),
		Bathrooms:    firstInt(a.Patterns.Bathrooms, fullText),
		Size:         parseSize(fullText, a.Patterns),
		ListingType:  detectListingType(sourceURL, page.URL, price, fullText),
		ContactEmail: contacts.Email,
		ContactPhone: contacts.Phone,
		ImageURL:     imageURL(el, page.URL),
		ScanTime:     e.now(),
		Status:       models.ListingNew,
	}
	rec.Fingerprint = models.ComputeFingerprint(rec)
	return rec, true
}

// listingLink prefers an anchor whose href carries one of the adapter's link
// hints; otherwise the first anchor.
func listingLink(anchors *goquery.Selection, hints []string) *goquery.Selection {
	if anchors.Length() == 0 {
		return nil
	}
	for _, hint := range hints {
		match := anchors.FilterFunction(func(_ int, s *goquery.Selection) bool {
			href, _ := s.Attr("href")
			return strings.Contains(href, hint)
		})
		if match.Length() > 0 {
			return match.First()
		}
	}
	for i := range anchors.Nodes {
		s := anchors.Eq(i)
		href, _ := s.Attr("href")
		lower := strings.ToLower(strings.TrimSpace(href))
		if strings.HasPrefix(lower, "mailto:") || strings.HasPrefix(lower, "tel:") || strings.HasPrefix(lower, "#") {
			continue
		}
		return s
	}
	return nil
}

// readLines implements the text-line card layout: the first line is the
// title, the first later line with a currency sign the price, and a short
// line with digits before it the location.
func readLines(lines []string) (title, price, location string) {
	if len(lines) == 0 {
		return "", "", ""
	}
	title = lines[0]
	for _, line := range lines[1:] {
		if strings.ContainsAny(line, "€$£") {
			price = line
			break
		}
		if location == "" && strings.ContainsAny(line, "0123456789") && len(line) < 50 {
			location = line
		}
	}
	return title, price, location
}

func firstText(el *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return normaliseText(el.Find(selector).First().Text())
}

func imageURL(el *goquery.Selection, pageURL string) string {
	src, ok := el.Find("img[src]").First().Attr("src")
	if !ok || strings.TrimSpace(src) == "" {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return src
	}
	ref, err := url.Parse(strings.TrimSpace(src))
	if err != nil {
		return src
	}
	return base.ResolveReference(ref).String()
}

var blockElements = map[string]bool{
	"address": true, "article": true, "aside": true, "div": true, "dl": true,
	"dt": true, "dd": true, "footer": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "header": true, "li": true, "ol": true,
	"p": true, "section": true, "table": true, "tr": true, "ul": true,
}

// textLines approximates innerText: block elements and <br> break lines,
// whitespace inside a line collapses, empty lines are dropped.
func textLines(el *goquery.Selection) []string {
	var b strings.Builder
	writeText(&b, el)

	var lines []string
	for _, line := range strings.Split(b.String(), "\n") {
		if line = normaliseText(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func writeText(b *strings.Builder, s *goquery.Selection) {
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		switch name := goquery.NodeName(c); {
		case name == "#text":
			b.WriteString(strings.ReplaceAll(c.Text(), "\n", " "))
		case name == "br":
			b.WriteByte('\n')
		case name == "script" || name == "style" || name == "noscript":
		case blockElements[name]:
			b.WriteByte('\n')
			writeText(b, c)
			b.WriteByte('\n')
		default:
			writeText(b, c)
		}
	})
}
