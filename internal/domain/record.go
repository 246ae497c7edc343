package domain

import (
	"encoding/json"
	"time"
)

// RecordStatus marks whether a persisted record is still current.
type RecordStatus string

const (
	StatusActive  RecordStatus = "active"
	StatusExpired RecordStatus = "expired"
)

// Confidence grades how complete an event record is, based on how many
// fields the source extraction actually carried.
type Confidence string

const (
	ConfidenceComplete    Confidence = "complete"
	ConfidencePartial     Confidence = "partial"
	ConfidenceLow         Confidence = "low"
	ConfidenceListingOnly Confidence = "listing_only"
)

var confidenceRank = map[Confidence]int{
	ConfidenceListingOnly: 0,
	ConfidenceLow:         1,
	ConfidencePartial:     2,
	ConfidenceComplete:    3,
}

// BetterThan reports whether c is a strictly higher confidence tier than o.
func (c Confidence) BetterThan(o Confidence) bool {
	return confidenceRank[c] > confidenceRank[o]
}

// Challenge is a persisted local problem derived from news content.
// Uniqueness is enforced on the source article URI.
type Challenge struct {
	ID           uint         `gorm:"primaryKey" json:"id"`
	SourceURI    string       `gorm:"uniqueIndex;size:512" json:"source_uri"`
	Title        string       `json:"title"`
	Summary      string       `json:"summary"`
	Category     string       `gorm:"index" json:"category"`
	Severity     int          `json:"severity"`
	LocationName string       `json:"location_name"`
	City         string       `json:"city"`
	Country      string       `json:"country"`
	Latitude     float64      `gorm:"index" json:"latitude"`
	Longitude    float64      `gorm:"index" json:"longitude"`
	Status       RecordStatus `gorm:"index;default:active" json:"status"`
	PublishedAt  *time.Time   `json:"published_at"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// DiscoveredEvent is a persisted conference/meetup record aggregated from one
// or more sources. EventURL is the primary external identifier when present;
// it is nullable so URL-less directory rows do not collide on the unique index.
type DiscoveredEvent struct {
	ID         uint         `gorm:"primaryKey" json:"id"`
	EventURL   *string      `gorm:"uniqueIndex;size:512" json:"event_url"`
	Name       string       `gorm:"index" json:"name"`
	Summary    string       `json:"summary"`
	EventType  string       `gorm:"index" json:"event_type"`
	Venue      string       `json:"venue"`
	City       string       `gorm:"index" json:"city"`
	Country    string       `json:"country"`
	StartDate  *time.Time   `gorm:"index" json:"start_date"`
	EndDate    *time.Time   `json:"end_date"`
	Latitude   float64      `gorm:"index" json:"latitude"`
	Longitude  float64      `gorm:"index" json:"longitude"`
	SourceURLs string       `json:"source_urls"` // JSON array, append-only
	Confidence Confidence   `json:"confidence"`
	Relevance  int          `json:"relevance"`
	Status     RecordStatus `gorm:"index;default:active" json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Sources decodes the append-only source URL list.
func (e *DiscoveredEvent) Sources() []string {
	if e.SourceURLs == "" {
		return nil
	}
	var urls []string
	if err := json.Unmarshal([]byte(e.SourceURLs), &urls); err != nil {
		return nil
	}
	return urls
}

// AddSource appends a source reference if it is not already recorded.
func (e *DiscoveredEvent) AddSource(url string) bool {
	if url == "" {
		return false
	}
	urls := e.Sources()
	for _, u := range urls {
		if u == url {
			return false
		}
	}
	urls = append(urls, url)
	raw, err := json.Marshal(urls)
	if err != nil {
		return false
	}
	e.SourceURLs = string(raw)
	return true
}

// GeocodeCacheEntry stores one resolved geocode query. The key is the exact
// query string the caller used, not the fallback that may have satisfied it.
type GeocodeCacheEntry struct {
	Query       string    `gorm:"primaryKey;size:512" json:"query"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	DisplayName string    `json:"display_name"`
	CachedAt    time.Time `json:"cached_at"`
}
