package outreach

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cold-bot/browser"
	"cold-bot/models"
	"cold-bot/utils"
)

// Selector chains for the marketplace chat. The first present one is used.
var (
	MessageButtonSelectors = []string{
		"div[aria-label='Message'][role='button']",
		"[aria-label*='Send message']",
		"[aria-label*='Message']",
		"//div[@role='button'][contains(., 'Message')]",
		"//span[contains(., 'Send message')]",
	}
	MessageBoxSelectors = []string{
		"div[role='textbox'][contenteditable='true']",
		"div[contenteditable='true'][aria-label*='Message']",
		"div[contenteditable='true'][aria-label*='message']",
		"textarea",
	}
)

// Selector chains for generic contact forms.
var (
	FormMessageSelectors = []string{
		"textarea",
		"textarea[name*='message' i]",
		"textarea[name*='comment' i]",
		"textarea[placeholder*='message' i]",
		"textarea[aria-label*='message' i]",
		"input[name*='message' i]",
		"input[placeholder*='message' i]",
		"input[aria-label*='message' i]",
	}
	FormSubmitSelectors = []string{
		"//textarea/ancestor::form//button[@type='submit']",
		"//textarea/ancestor::form//input[@type='submit']",
		"button[type='submit']",
		"input[type='submit']",
		"//button[contains(., 'Send')]",
		"//button[contains(., 'Submit')]",
		"//button[contains(., 'Contact')]",
		"//button[contains(., 'Envoyer')]",
	}
)

// Flow delivers a message through a page in an already running browser.
type Flow interface {
	Deliver(ctx context.Context, page browser.Page, url string, msg models.Message) error
	Channel() models.Channel
}

// BrowserFlow is a Flow made of navigate and a channel-specific step. Each
// try is bounded by timeout; a failed try is repeated once.
type BrowserFlow struct {
	channel models.Channel
	timeout time.Duration
	retry   utils.RetryConfig
	step    func(ctx context.Context, p browser.Page, msg models.Message) error
}

// NewMessengerFlow opens the listing, starts a chat and sends the body.
func NewMessengerFlow(timeout time.Duration, logger *utils.Logger) *BrowserFlow {
	return newBrowserFlow(models.ChannelFBMessenger, timeout, logger, messengerStep)
}

// NewFormFlow fills the listing's contact form and submits it.
func NewFormFlow(timeout time.Duration, logger *utils.Logger) *BrowserFlow {
	return newBrowserFlow(models.ChannelSiteForm, timeout, logger, formStep)
}

func newBrowserFlow(ch models.Channel, timeout time.Duration, logger *utils.Logger,
	step func(context.Context, browser.Page, models.Message) error) *BrowserFlow {
	return &BrowserFlow{
		channel: ch,
		timeout: timeout,
		retry:   utils.RetryConfig{MaxAttempts: 2, BaseDelay: time.Second, Logger: logger},
		step:    step,
	}
}

func (f *BrowserFlow) Channel() models.Channel { return f.channel }

func (f *BrowserFlow) Deliver(ctx context.Context, page browser.Page, url string, msg models.Message) error {
	err := f.retry.Do(ctx, string(f.channel)+" "+url, func(ctx context.Context) error {
		tctx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		if err := page.Navigate(tctx, url); err != nil {
			return err
		}
		return f.step(tctx, page, msg)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrChannelSend, err)
	}
	return nil
}

func messengerStep(ctx context.Context, p browser.Page, msg models.Message) error {
	button := browser.FirstPresent(ctx, p, MessageButtonSelectors)
	if button == "" {
		return fmt.Errorf("message button not found")
	}
	if err := p.Click(ctx, button); err != nil {
		return err
	}
	box := browser.FirstPresent(ctx, p, MessageBoxSelectors)
	if box == "" {
		return fmt.Errorf("message box not found")
	}
	if err := p.Click(ctx, box); err != nil {
		return err
	}
	return p.Fill(ctx, box, chatText(msg)+browser.KeyEnter)
}

func formStep(ctx context.Context, p browser.Page, msg models.Message) error {
	field := browser.FirstPresent(ctx, p, FormMessageSelectors)
	if field == "" {
		return fmt.Errorf("no contact form found")
	}
	if err := p.Fill(ctx, field, msg.Body); err != nil {
		return err
	}
	submit := browser.FirstPresent(ctx, p, FormSubmitSelectors)
	if submit == "" {
		return fmt.Errorf("submit control not found")
	}
	return p.Click(ctx, submit)
}

// chatText flattens a message for a single chat bubble.
func chatText(msg models.Message) string {
	return strings.Join(strings.Fields(msg.Body), " ")
}
