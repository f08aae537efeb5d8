package services

import "strings"

// MatchKeywords returns the keywords found in text, case-insensitively, in
// the order they were configured.
func MatchKeywords(text string, keywords []string) []string {
	lower := strings.ToLower(text)
	var hits []string
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			hits = append(hits, kw)
		}
	}
	return hits
}
