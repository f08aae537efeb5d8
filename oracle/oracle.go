// Package oracle scores listing text with an external language model. Every
// backend answers in JSON; this package turns that into a Score.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cold-bot/config"
	"cold-bot/models"
	"cold-bot/utils"
)

// Task selects the question put to the model.
type Task string

const (
	TaskSeller    Task = "seller"
	TaskViability Task = "viability"
)

// PromptContext carries the task and any operator-supplied criteria.
type PromptContext struct {
	Task     Task
	Criteria string
	// Hints are rule matches found before the call, passed along as context.
	Hints []string
}

// Score is the oracle's answer.
type Score struct {
	// Confidence is normalised to 0..1.
	Confidence float64
	Reasoning  string
	IsPrivate  *bool
	AgencyName string
	// Rating is the viability rating on the model's 0..10 scale.
	Rating *float64
	Fields map[string]any
}

// Oracle is the scoring collaborator consumed by the classifier.
type Oracle interface {
	Score(ctx context.Context, text string, pc PromptContext) (*Score, error)
	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
}

// completer is one model backend: prompt in, raw completion out.
type completer interface {
	complete(ctx context.Context, prompt string) (string, error)
	ping(ctx context.Context) error
	name() string
}

// LLMOracle builds prompts, calls a backend and parses its JSON answer. A
// completion that is not valid JSON is retried once with a stricter prompt.
type LLMOracle struct {
	backend  completer
	timeout  time.Duration
	maxInput int
	logger   *utils.Logger
}

// New creates the oracle for the configured provider.
func New(ctx context.Context, cfg config.OracleConfig, logger *utils.Logger) (*LLMOracle, error) {
	var backend completer
	switch cfg.Provider {
	case "ollama":
		backend = newOllama(cfg.BaseURL, cfg.Model, cfg.Timeout())
	case "xai":
		if cfg.APIKey == "" {
			return nil, &models.ConfigError{Field: "oracle.provider", Reason: "XAI_API_KEY is not set"}
		}
		backend = newXAI(cfg.BaseURL, cfg.Model, cfg.APIKey, cfg.Timeout())
	case "bedrock":
		b, err := newBedrock(ctx, cfg.Region, cfg.Model)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		return nil, &models.ConfigError{Field: "oracle.provider", Reason: fmt.Sprintf("unknown provider %q", cfg.Provider)}
	}
	return newLLMOracle(backend, cfg.Timeout(), logger), nil
}

func newLLMOracle(backend completer, timeout time.Duration, logger *utils.Logger) *LLMOracle {
	return &LLMOracle{backend: backend, timeout: timeout, maxInput: 1500, logger: logger}
}

// Score asks the model about text. Transport failures and timeouts wrap
// models.ErrOracleUnavailable; unusable answers wrap models.ErrClassification.
func (o *LLMOracle) Score(ctx context.Context, text string, pc PromptContext) (*Score, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	prompt := buildPrompt([]rune(text), o.maxInput, pc)
	raw, err := o.call(ctx, prompt)
	if err != nil {
		return nil, err
	}

	data, err := parseJSON(raw)
	if err != nil {
		o.logger.Debug("[oracle] %s returned non-JSON, retrying strict: %v", o.backend.name(), err)
		raw, err = o.call(ctx, prompt+"\nStrict JSON only.")
		if err != nil {
			return nil, err
		}
		if data, err = parseJSON(raw); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", models.ErrClassification, o.backend.name(), err)
		}
	}
	return toScore(data, pc.Task)
}

func (o *LLMOracle) call(ctx context.Context, prompt string) (string, error) {
	raw, err := o.backend.complete(ctx, prompt)
	if err == nil {
		return raw, nil
	}
	if errors.Is(err, models.ErrOracleUnavailable) {
		return "", err
	}
	return "", fmt.Errorf("%w: %s: %v", models.ErrOracleUnavailable, o.backend.name(), err)
}

func (o *LLMOracle) Ping(ctx context.Context) error {
	if err := o.backend.ping(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrOracleUnavailable, o.backend.name(), err)
	}
	return nil
}

func buildPrompt(text []rune, max int, pc PromptContext) string {
	if max > 0 && len(text) > max {
		text = text[:max]
	}

	var b strings.Builder
	switch pc.Task {
	case TaskViability:
		b.WriteString("You rate whether a property listing would work as a short-term rental (Airbnb).\n")
		b.WriteString("Return strict JSON only.\n")
		b.WriteString(`Fields: rating (0-10), reason (string).` + "\n")
	default:
		b.WriteString("You are classifying real estate listings as PRIVATE SELLER or AGENT.\n")
		b.WriteString("Return strict JSON only.\n")
		b.WriteString(`Fields: is_private (bool), confidence (0-10), reason (string), agency_name (string, empty if private).` + "\n")
	}
	if pc.Criteria != "" {
		fmt.Fprintf(&b, "Criteria: %s\n", pc.Criteria)
	}
	if len(pc.Hints) > 0 {
		fmt.Fprintf(&b, "Keyword matches: %s\n", strings.Join(pc.Hints, ", "))
	}
	b.WriteString("\nListing text:\n")
	b.WriteString(string(text))
	b.WriteString("\n")
	return b.String()
}
