package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"cold-bot/utils"
)

// RobotsGate answers whether a URL may be fetched according to the host's
// robots.txt. Hosts whose robots.txt cannot be fetched are allowed.
type RobotsGate struct {
	client    *http.Client
	userAgent string
	logger    *utils.Logger

	mu     sync.Mutex
	groups map[string]*robotstxt.Group
}

func NewRobotsGate(client *http.Client, userAgent string, logger *utils.Logger) *RobotsGate {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if userAgent == "" {
		userAgent = "cold-bot"
	}
	return &RobotsGate{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
		groups:    make(map[string]*robotstxt.Group),
	}
}

// Allowed reports whether link may be visited.
func (g *RobotsGate) Allowed(ctx context.Context, link string) bool {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return false
	}

	group := g.group(ctx, u)
	if group == nil {
		return true
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return group.Test(path)
}

func (g *RobotsGate) group(ctx context.Context, u *url.URL) *robotstxt.Group {
	key := u.Scheme + "://" + u.Host

	g.mu.Lock()
	group, ok := g.groups[key]
	g.mu.Unlock()
	if ok {
		return group
	}

	group = g.fetch(ctx, key)

	g.mu.Lock()
	g.groups[key] = group
	g.mu.Unlock()
	return group
}

func (g *RobotsGate) fetch(ctx context.Context, origin string) *robotstxt.Group {
	robotsURL := fmt.Sprintf("%s/robots.txt", origin)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		if g.logger != nil {
			g.logger.Warn("[robots] fetch %s failed (ignored): %v", robotsURL, err)
		}
		return nil
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		if g.logger != nil {
			g.logger.Warn("[robots] parse %s failed (ignored): %v", robotsURL, err)
		}
		return nil
	}
	return data.FindGroup(g.userAgent)
}
