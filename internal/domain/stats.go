package domain

// CategoryStats counts outcomes within a single category or source.
type CategoryStats struct {
	Processed int `json:"processed"`
	Accepted  int `json:"accepted"`
	Rejected  int `json:"rejected"`
	Errors    int `json:"errors"`
}

// RunStats aggregates per-invocation counters across all categories. Created
// fresh per run and returned to the caller; never persisted.
type RunStats struct {
	Processed  int                      `json:"processed"`
	Accepted   int                      `json:"accepted"`
	Rejected   int                      `json:"rejected"`
	Errors     int                      `json:"errors"`
	Expired    int64                    `json:"expired"`
	ByCategory map[string]CategoryStats `json:"by_category"`
}

// NewRunStats returns an empty stats accumulator.
func NewRunStats() *RunStats {
	return &RunStats{ByCategory: map[string]CategoryStats{}}
}

func (s *RunStats) bump(category string, f func(*CategoryStats)) {
	cs := s.ByCategory[category]
	f(&cs)
	s.ByCategory[category] = cs
}

// CountProcessed records one item entering the per-item loop.
func (s *RunStats) CountProcessed(category string) {
	s.Processed++
	s.bump(category, func(c *CategoryStats) { c.Processed++ })
}

// CountAccepted records one item persisted (or merged).
func (s *RunStats) CountAccepted(category string) {
	s.Accepted++
	s.bump(category, func(c *CategoryStats) { c.Accepted++ })
}

// CountRejected records a normal negative outcome (irrelevant content,
// unresolvable location, duplicate skip).
func (s *RunStats) CountRejected(category string) {
	s.Rejected++
	s.bump(category, func(c *CategoryStats) { c.Rejected++ })
}

// CountError records a failed item that was isolated and skipped.
func (s *RunStats) CountError(category string) {
	s.Errors++
	s.bump(category, func(c *CategoryStats) { c.Errors++ })
}
