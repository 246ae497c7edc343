package domain

import "time"

// SourceType identifies which connector produced a candidate item.
type SourceType string

const (
	SourceStructuredAPI   SourceType = "structured-api"
	SourceSearchSnippet   SourceType = "search-snippet"
	SourceSearchFullPage  SourceType = "search-fullpage"
	SourceStaticDirectory SourceType = "static-directory"
)

// CandidateItem is a raw harvested unit before classification. It is never
// persisted directly; connectors build one per fetched result.
type CandidateItem struct {
	SourceID    string
	Title       string
	BodyText    string
	PublishedAt *time.Time
	SourceType  SourceType

	// Optional fields populated by specific connectors.
	Venue     string
	City      string
	Country   string
	DetailURL string
	StartDate *time.Time
	EndDate   *time.Time
}

// PlaceHint carries a coarser locality used as a geocoding fallback when the
// exact query string cannot be resolved.
type PlaceHint struct {
	City    string
	Country string
}

// Coordinates is a resolved geographic point.
type Coordinates struct {
	Latitude    float64
	Longitude   float64
	DisplayName string
}

// ChallengeFields holds the structured output of a challenge classification.
type ChallengeFields struct {
	Title        string `json:"title"`
	Summary      string `json:"summary"`
	Category     string `json:"category"`
	Severity     int    `json:"severity"`
	LocationText string `json:"location_text"`
	City         string `json:"city"`
	Country      string `json:"country"`
	GeocodeQuery string `json:"geocode_query"`
}

// EventFields holds the structured output of an event classification.
type EventFields struct {
	Name         string     `json:"name"`
	Summary      string     `json:"summary"`
	EventType    string     `json:"event_type"`
	Venue        string     `json:"venue"`
	City         string     `json:"city"`
	Country      string     `json:"country"`
	URL          string     `json:"url"`
	GeocodeQuery string     `json:"geocode_query"`
	StartDate    *time.Time `json:"start_date"`
	EndDate      *time.Time `json:"end_date"`
	Relevance    int        `json:"relevance"`
}

// Extraction is the outcome of the classification stage: either an accepted
// record with its fields, or a rejection with the model's reason. Exactly one
// of Challenge/Event is set when Accepted is true.
type Extraction struct {
	Accepted  bool
	Reason    string
	Challenge *ChallengeFields
	Event     *EventFields
}

// Rejected builds a negative extraction outcome.
func Rejected(reason string) Extraction {
	return Extraction{Accepted: false, Reason: reason}
}

// BatchVerdict is one entry of the parallel verdict array returned by the
// batch relevance filter. Index refers back to the submitted item list.
type BatchVerdict struct {
	Index    int      `json:"index"`
	Relevant bool     `json:"relevant"`
	Score    int      `json:"score"`
	Reason   string   `json:"reason"`
	Tags     []string `json:"tags,omitempty"`
	Type     string   `json:"type,omitempty"`
}
