package oracle

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"cold-bot/models"
)

var objectRegexp = regexp.MustCompile(`(?s)\{.*\}`)

// parseJSON reads a JSON object from a completion, tolerating prose or code
// fences around it.
func parseJSON(raw string) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &data); err == nil {
		return data, nil
	}
	match := objectRegexp.FindString(raw)
	if match == "" {
		return nil, fmt.Errorf("no JSON object in %q", truncate(raw, 80))
	}
	if err := json.Unmarshal([]byte(match), &data); err != nil {
		return nil, fmt.Errorf("decode %q: %w", truncate(match, 80), err)
	}
	return data, nil
}

func toScore(data map[string]any, task Task) (*Score, error) {
	s := &Score{
		Reasoning:  asString(data["reason"]),
		AgencyName: asString(data["agency_name"]),
		Fields:     data,
	}

	switch task {
	case TaskViability:
		rating, ok := asFloat(data["rating"])
		if !ok {
			return nil, fmt.Errorf("%w: viability answer has no rating", models.ErrClassification)
		}
		rating = clamp(rating, 0, 10)
		s.Rating = &rating
		s.Confidence = rating / 10
	default:
		private, ok := asBool(data["is_private"])
		if !ok {
			return nil, fmt.Errorf("%w: answer has no is_private", models.ErrClassification)
		}
		s.IsPrivate = &private
		conf, ok := confidence(data["confidence"])
		if !ok {
			return nil, fmt.Errorf("%w: answer has no confidence", models.ErrClassification)
		}
		s.Confidence = conf
	}
	return s, nil
}

// confidence reads the model's confidence onto 0..1. Percent strings are
// taken as given; bare numbers are on the 0..10 scale the prompt asks for.
func confidence(v any) (float64, bool) {
	if str, ok := v.(string); ok && strings.HasSuffix(strings.TrimSpace(str), "%") {
		f, ok := asFloat(str)
		return clamp(f, 0, 1), ok
	}
	f, ok := asFloat(v)
	if !ok {
		return 0, false
	}
	return normaliseConfidence(f), true
}

// normaliseConfidence maps 0..10 onto 0..1. Values above 10 are read as
// 0..100.
func normaliseConfidence(v float64) float64 {
	if v > 10 {
		v /= 100
	} else {
		v /= 10
	}
	return clamp(v, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	}
	return v
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(t, "%")), 64)
		if err != nil {
			return 0, false
		}
		if strings.HasSuffix(strings.TrimSpace(t), "%") {
			f /= 100
		}
		return f, true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "private", "1":
			return true, true
		case "false", "no", "agent", "agency", "0":
			return false, true
		}
	case float64:
		return t != 0, true
	}
	return false, false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
