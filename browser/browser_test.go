package browser

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cold-bot/models"
)

const consentPage = `<html><body>
<div id="banner"><button id="onetrust-accept-btn-handler">Accept</button></div>
<form><textarea name="message"></textarea><button type="submit">Send</button></form>
</body></html>`

func TestStaticDriverNavigateAndActions(t *testing.T) {
	ctx := context.Background()
	d := NewStaticDriver(map[string]string{"https://a.lu/": consentPage})

	p, err := d.NewPage(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Navigate(ctx, "https://a.lu/"))
	assert.Equal(t, "https://a.lu/", p.URL())

	assert.True(t, DismissConsent(ctx, p, nil))
	require.NoError(t, p.Fill(ctx, "textarea[name='message']", "hello"))
	assert.Error(t, p.Click(ctx, "#missing"))

	actions := d.Actions()
	require.Len(t, actions, 2)
	assert.Equal(t, "click", actions[0].Kind)
	assert.Equal(t, "#onetrust-accept-btn-handler", actions[0].Selector)
	assert.Equal(t, "hello", actions[1].Text)
}

func TestStaticDriverFailNavigation(t *testing.T) {
	ctx := context.Background()
	d := NewStaticDriver(map[string]string{"https://a.lu/": "<html></html>"})
	d.FailNavigation("https://a.lu/", 1)

	p, _ := d.NewPage(ctx)
	err := p.Navigate(ctx, "https://a.lu/")
	assert.True(t, errors.Is(err, models.ErrNavigation))
	assert.NoError(t, p.Navigate(ctx, "https://a.lu/"), "only the first navigation fails")

	err = p.Navigate(ctx, "https://unknown.lu/")
	assert.ErrorIs(t, err, models.ErrNavigation)
}

func TestFirstPresentSkipsInvalidSelectors(t *testing.T) {
	ctx := context.Background()
	d := NewStaticDriver(map[string]string{"https://a.lu/": consentPage})
	p, _ := d.NewPage(ctx)
	require.NoError(t, p.Navigate(ctx, "https://a.lu/"))

	got := FirstPresent(ctx, p, []string{"[[broken", "//button", "input[name='x']", "textarea"})
	assert.Equal(t, "textarea", got)
	assert.Empty(t, FirstPresent(ctx, p, []string{"video"}))
}

func TestRobotsGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	gate := NewRobotsGate(srv.Client(), "cold-bot", nil)
	ctx := context.Background()

	assert.True(t, gate.Allowed(ctx, srv.URL+"/en/buy/"))
	assert.False(t, gate.Allowed(ctx, srv.URL+"/private/listing"))
	assert.False(t, gate.Allowed(ctx, "not a url"))
}

func TestRobotsGateUnreachableHostIsAllowed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	gate := NewRobotsGate(nil, "", nil)
	assert.True(t, gate.Allowed(context.Background(), url+"/anything"))
}
