package scraper

import (
	"regexp"
	"strings"
)

var (
	emailRegexp = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	// intlPhoneRegexp matches +352 621 123 456 style numbers
	intlPhoneRegexp = regexp.MustCompile(`\+\d{1,3}(?:[\s.-]?\d){6,12}`)
	phoneRegexp     = regexp.MustCompile(`\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`)
)

// Contacts is the direct contact found in a listing's text.
type Contacts struct {
	Email string
	Phone string
}

// ExtractContacts returns the first email address and phone number found in
// text. Missing values are empty.
func ExtractContacts(text string) Contacts {
	var c Contacts
	c.Email = strings.TrimRight(emailRegexp.FindString(text), ".")
	if m := intlPhoneRegexp.FindString(text); m != "" {
		c.Phone = strings.TrimSpace(m)
	} else {
		c.Phone = phoneRegexp.FindString(text)
	}
	return c
}

// contactFromHref reads mailto: and tel: links.
func contactFromHref(href string, c *Contacts) {
	lower := strings.ToLower(strings.TrimSpace(href))
	switch {
	case strings.HasPrefix(lower, "mailto:") && c.Email == "":
		addr := strings.TrimSpace(href[len("mailto:"):])
		if i := strings.IndexByte(addr, '?'); i >= 0 {
			addr = addr[:i]
		}
		if emailRegexp.MatchString(addr) {
			c.Email = addr
		}
	case strings.HasPrefix(lower, "tel:") && c.Phone == "":
		c.Phone = strings.TrimSpace(href[len("tel:"):])
	}
}
