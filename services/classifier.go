package services

import (
	"context"
	"fmt"
	"strings"

	"cold-bot/config"
	"cold-bot/models"
	"cold-bot/oracle"
	"cold-bot/utils"
)

// ruleConfidence is what an agent keyword match is worth on its own.
const ruleConfidence = 0.9

// Classifier decides private seller vs agent. Agent keyword matches are
// checked first and, under the veto precedence, decide without an oracle call.
type Classifier struct {
	oracle oracle.Oracle
	logger *utils.Logger
}

// NewClassifier creates a Classifier. o may be nil when no oracle could be
// reached; every listing the rules cannot settle then fails classification.
func NewClassifier(o oracle.Oracle, logger *utils.Logger) *Classifier {
	return &Classifier{oracle: o, logger: logger}
}

// Classify scores one listing. Any oracle failure is returned wrapped in
// models.ErrClassification; the result is never guessed.
func (c *Classifier) Classify(ctx context.Context, l *models.ListingRecord, cfg *config.Config) (*models.ClassificationResult, error) {
	text := l.Text()
	cl := cfg.Classifier

	agentHits := MatchKeywords(text, cl.AgentKeywords)
	if len(agentHits) > 0 && cl.AgentRulePrecedence != config.PrecedenceOracle {
		c.logger.Debug("[classify] rules veto %s: %s", l.SourceURL, strings.Join(agentHits, ", "))
		return c.agentResult(l, "", agentHits), nil
	}

	if c.oracle == nil {
		return nil, fmt.Errorf("%w: %w", models.ErrClassification, models.ErrOracleUnavailable)
	}

	hints := MatchKeywords(text, cl.PrivateKeywords)
	hints = append(hints, agentHits...)
	score, err := c.oracle.Score(ctx, text, oracle.PromptContext{Task: oracle.TaskSeller, Hints: hints})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrClassification, err)
	}
	if score.IsPrivate == nil {
		return nil, fmt.Errorf("%w: oracle gave no verdict", models.ErrClassification)
	}

	if len(agentHits) > 0 && !(*score.IsPrivate && score.Confidence >= cl.OracleOverrideConfidence) {
		// oracle precedence: only a confident private verdict overrides the rules
		return c.agentResult(l, score.AgencyName, agentHits), nil
	}

	res := &models.ClassificationResult{
		IsPrivate:  *score.IsPrivate,
		Confidence: score.Confidence,
		Reason:     score.Reasoning,
		Source:     models.SourceOracle,
	}
	if res.Reason == "" {
		res.Reason = "oracle classification"
	}
	if !res.IsPrivate {
		res.Agent = ExtractAgentDetails(l, score.AgencyName)
		return res, nil
	}

	if cfg.Airbnb.Enabled && res.Confidence >= cl.MinConfidence {
		if err := c.scoreViability(ctx, text, cfg.Airbnb, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (c *Classifier) agentResult(l *models.ListingRecord, agency string, hits []string) *models.ClassificationResult {
	return &models.ClassificationResult{
		IsPrivate:  false,
		Confidence: ruleConfidence,
		Reason:     "matched agent keywords: " + strings.Join(hits, ", "),
		Source:     models.SourceRules,
		Agent:      ExtractAgentDetails(l, agency),
	}
}

func (c *Classifier) scoreViability(ctx context.Context, text string, ab config.AirbnbConfig, res *models.ClassificationResult) error {
	score, err := c.oracle.Score(ctx, text, oracle.PromptContext{Task: oracle.TaskViability, Criteria: ab.Criteria})
	if err != nil {
		return fmt.Errorf("%w: viability: %w", models.ErrClassification, err)
	}
	if score.Rating == nil {
		return fmt.Errorf("%w: viability answer has no rating", models.ErrClassification)
	}
	res.ViabilityRating = score.Rating
	res.ViabilityReason = score.Reasoning
	return nil
}

// Gate applies the outreach gate to a classification. It returns the skip
// reason, or "" when the listing may be contacted.
func Gate(res *models.ClassificationResult, cfg *config.Config) string {
	switch {
	case !res.IsPrivate:
		return models.ReasonAgent
	case res.Confidence < cfg.Classifier.MinConfidence:
		return models.ReasonBelowConfidence
	case cfg.Airbnb.Enabled && (res.ViabilityRating == nil || *res.ViabilityRating < cfg.Airbnb.MinRating):
		return models.ReasonNotViable
	}
	return ""
}
