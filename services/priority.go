package services

import (
	"math"

	"cold-bot/models"
)

// PriorityScore ranks a classified lead for follow-up. Higher is better.
func PriorityScore(l *models.ListingRecord, res *models.ClassificationResult) int {
	if res == nil {
		return 0
	}
	score := res.Confidence * 10
	if res.ViabilityRating != nil {
		score += *res.ViabilityRating * 10
	}
	if res.IsPrivate {
		score += 20
	}
	if l.HasContact() {
		score += 15
	}
	return int(math.Round(score))
}
