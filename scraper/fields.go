package scraper

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"cold-bot/models"
)

var (
	amountRegexp   = regexp.MustCompile(amount)
	perMonthRegexp = regexp.MustCompile(`(?i)(?:/\s*(?:month|mois|monat|mo)\b|per\s+month|pcm|par\s+mois|monthly)`)
	rentRegexp     = regexp.MustCompile(`(?i)(?:/rent\b|/rent/|propertyrentals|/location/|/louer|/mieten|\bfor rent\b|\bto let\b|à louer\b|\bzu vermieten\b)`)
	buyRegexp      = regexp.MustCompile(`(?i)(?:/buy\b|/buy/|propertyforsale|/vente|/acheter|/kaufen|\bfor sale\b|à vendre\b|\bzu verkaufen\b)`)
)

// parsePrice keeps the raw text and adds the numeric value and currency when
// they can be read. Unparseable prices leave Amount nil.
//
//	"€ 450 000"      → 450000 EUR
//	"1.250,50 €/mois" → 1250.50 EUR
//	"£1,200 pcm"     → 1200 GBP
func parsePrice(raw string) models.Price {
	raw = normaliseText(raw)
	p := models.Price{Raw: raw, Currency: detectCurrency(raw)}
	if raw == "" {
		return p
	}

	scope := findPrice(raw, DefaultPatterns.Price)
	if scope == "" {
		scope = raw
	}
	match := amountRegexp.FindString(scope)
	if match == "" {
		return p
	}
	if v, ok := parseAmount(match); ok {
		p.Amount = &v
	}
	return p
}

func detectCurrency(s string) string {
	switch {
	case strings.Contains(s, "€"), strings.Contains(strings.ToUpper(s), "EUR"):
		return "EUR"
	case strings.Contains(s, "£"), strings.Contains(strings.ToUpper(s), "GBP"):
		return "GBP"
	case strings.Contains(s, "$"), strings.Contains(strings.ToUpper(s), "USD"):
		return "USD"
	}
	return ""
}

// parseAmount reads a number written with either comma or dot as decimal
// mark and any of space, comma or dot as thousands separator.
func parseAmount(s string) (float64, bool) {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	decimal := -1
	switch {
	case lastComma > lastDot && len(s)-lastComma-1 <= 2:
		decimal = lastComma
	case lastDot > lastComma && len(s)-lastDot-1 <= 2:
		decimal = lastDot
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case i == decimal:
			b.WriteByte('.')
		}
	}
	v, err := strconv.ParseFloat(b.String(), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// findPrice scans free text with the adapter's price patterns in order.
func findPrice(text string, patterns []*regexp.Regexp) string {
	for _, re := range patterns {
		if m := re.FindString(text); m != "" {
			return strings.TrimSpace(m)
		}
	}
	return ""
}

func firstInt(re *regexp.Regexp, text string) *int {
	if re == nil {
		return nil
	}
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &n
}

// parseSize prefers square metres and falls back to square feet.
func parseSize(text string, p FieldPatterns) string {
	for _, re := range p.SizeMetric {
		if m := re.FindStringSubmatch(text); len(m) >= 2 {
			return strings.ReplaceAll(m[1], ",", ".") + " m²"
		}
	}
	if p.SizeImperial != nil {
		if m := p.SizeImperial.FindStringSubmatch(text); len(m) >= 2 {
			return strings.ReplaceAll(m[1], ",", ".") + " sqft"
		}
	}
	return ""
}

// detectListingType looks at the listing URL first, then the page URL, then
// the price and text.
func detectListingType(listingURL, pageURL, price, text string) models.ListingType {
	for _, s := range []string{listingURL, pageURL} {
		switch {
		case rentRegexp.MatchString(s):
			return models.ListingRent
		case buyRegexp.MatchString(s):
			return models.ListingBuy
		}
	}
	if perMonthRegexp.MatchString(price) {
		return models.ListingRent
	}
	switch {
	case rentRegexp.MatchString(text):
		return models.ListingRent
	case buyRegexp.MatchString(text):
		return models.ListingBuy
	}
	return models.ListingUnknown
}

// normaliseText strips leading/trailing whitespace and collapses internal whitespace.
func normaliseText(s string) string {
	s = strings.TrimSpace(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	return strings.Join(fields, " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
