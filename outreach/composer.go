package outreach

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"cold-bot/config"
	"cold-bot/models"
)

// DefaultSubject is used when no subject template is configured.
const DefaultSubject = "Real Estate Partnership Proposal"

const defaultBody = `Hello,

I came across your listing "{{ title | default: "your property" }}"{% if location != "" %} in {{ location }}{% endif %}{% if price != "" %} ({{ price }}){% endif %}.

We work with private owners who want to rent or sell without an agency. If you are open to a short conversation, I would be glad to share how we could help.

Kind regards`

// Composer renders outreach messages from liquid templates keyed by
// channel, with "default" as the fallback key.
type Composer struct {
	engine    *liquid.Engine
	templates map[string]config.Template

	mu    sync.Mutex
	cache map[string]*liquid.Template
}

func NewComposer(templates map[string]config.Template) *Composer {
	engine := liquid.NewEngine()
	engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
			return fallback
		}
		if value == nil {
			return fallback
		}
		return value
	})
	engine.RegisterFilter("first_line", func(s string) string {
		first, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
		return first
	})
	return &Composer{engine: engine, templates: templates, cache: make(map[string]*liquid.Template)}
}

// Validate parses every configured template.
func (c *Composer) Validate() error {
	for key, t := range c.templates {
		for part, src := range map[string]string{"subject": t.Subject, "body": t.Body} {
			if src == "" {
				continue
			}
			if _, err := c.engine.ParseString(src); err != nil {
				return &models.ConfigError{Field: fmt.Sprintf("messages.%s.%s", key, part), Reason: err.Error()}
			}
		}
	}
	return nil
}

// Compose renders the message for l on channel.
func (c *Composer) Compose(l *models.ListingRecord, channel models.Channel) (models.Message, error) {
	tpl := c.template(channel)
	vars := bindings(l)

	subject, err := c.render(string(channel)+":subject", tpl.Subject, vars)
	if err != nil {
		return models.Message{}, fmt.Errorf("render subject: %w", err)
	}
	body, err := c.render(string(channel)+":body", tpl.Body, vars)
	if err != nil {
		return models.Message{}, fmt.Errorf("render body: %w", err)
	}
	return models.Message{Subject: strings.TrimSpace(subject), Body: strings.TrimSpace(body)}, nil
}

func (c *Composer) template(channel models.Channel) config.Template {
	t, ok := c.templates[string(channel)]
	if !ok {
		t = c.templates["default"]
	}
	if t.Subject == "" {
		t.Subject = DefaultSubject
	}
	if t.Body == "" {
		t.Body = defaultBody
	}
	return t
}

func (c *Composer) render(key, src string, vars map[string]interface{}) (string, error) {
	c.mu.Lock()
	tpl, ok := c.cache[key]
	c.mu.Unlock()
	if !ok {
		parsed, err := c.engine.ParseString(src)
		if err != nil {
			return "", err
		}
		tpl = parsed
		c.mu.Lock()
		c.cache[key] = tpl
		c.mu.Unlock()
	}
	out, err := tpl.RenderString(vars)
	if err != nil {
		return "", err
	}
	return out, nil
}

func bindings(l *models.ListingRecord) map[string]interface{} {
	vars := map[string]interface{}{
		"title":        l.Title,
		"description":  l.Description,
		"price":        l.Price.Raw,
		"currency":     l.Price.Currency,
		"location":     l.Location,
		"size":         l.Size,
		"listing_type": string(l.ListingType),
		"url":          l.SourceURL,
		"site":         l.SiteID,
		"email":        l.ContactEmail,
		"phone":        l.ContactPhone,
		"bedrooms":     "",
		"bathrooms":    "",
	}
	if l.Bedrooms != nil {
		vars["bedrooms"] = *l.Bedrooms
	}
	if l.Bathrooms != nil {
		vars["bathrooms"] = *l.Bathrooms
	}
	return vars
}
