package models

// ClassificationSource records which stage of the classifier decided.
type ClassificationSource string

const (
	SourceRules  ClassificationSource = "rules"
	SourceOracle ClassificationSource = "oracle"
)

// AgentDetails is only populated when a listing is classified as an agency.
type AgentDetails struct {
	AgencyName string
	Title      string
	Price      string
	Location   string
	Contact    string
}

// ClassificationResult is the private-seller vs agent verdict for a listing.
// Agent is non-nil exactly when IsPrivate is false.
type ClassificationResult struct {
	IsPrivate       bool
	Confidence      float64
	Reason          string
	Source          ClassificationSource
	Agent           *AgentDetails
	ViabilityRating *float64
	ViabilityReason string
}
