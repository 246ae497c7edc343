package storage

import (
	"context"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"civicsignal/internal/config"
	"civicsignal/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Challenge{}, &domain.DiscoveredEvent{}, &domain.GeocodeCacheEntry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db, config.DedupConfig{DateWindowDays: 3, NamePrefixLen: 20}, config.SweepConfig{ChallengeRetentionDays: 30}, nil)
}

func strPtr(s string) *string { return &s }

func datePtr(t time.Time) *time.Time { return &t }

func utcDate(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestSaveChallengeIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	c := domain.Challenge{SourceURI: "https://news.example/a1", Title: "Broken bridge", Category: "infrastructure"}
	created, err := s.SaveChallenge(ctx, &c)
	if err != nil || !created {
		t.Fatalf("first save: created=%v err=%v", created, err)
	}

	dup := domain.Challenge{SourceURI: "https://news.example/a1", Title: "Broken bridge again"}
	created, err = s.SaveChallenge(ctx, &dup)
	if err != nil {
		t.Fatalf("duplicate save errored: %v", err)
	}
	if created {
		t.Fatal("duplicate URI must not create a second record")
	}

	var count int64
	s.DB().Model(&domain.Challenge{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 challenge, got %d", count)
	}

	has, err := s.HasChallenge(ctx, "https://news.example/a1")
	if err != nil || !has {
		t.Fatalf("HasChallenge: has=%v err=%v", has, err)
	}
}

func TestUpsertEventExactURLMerges(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	start := utcDate(2026, time.March, 10)
	first := domain.DiscoveredEvent{
		EventURL:   strPtr("https://foosummit.example"),
		Name:       "Foo Summit",
		City:       "Berlin",
		Venue:      "Venue A",
		StartDate:  &start,
		Confidence: domain.ConfidenceLow,
	}
	_, created, err := s.UpsertEvent(ctx, &first, "https://src1.example")
	if err != nil || !created {
		t.Fatalf("first upsert: created=%v err=%v", created, err)
	}

	second := domain.DiscoveredEvent{
		EventURL:   strPtr("https://foosummit.example"),
		Name:       "Foo Summit",
		City:       "Berlin",
		Venue:      "Venue B",
		Summary:    "a freshly extracted summary",
		StartDate:  &start,
		Confidence: domain.ConfidencePartial,
	}
	merged, created, err := s.UpsertEvent(ctx, &second, "https://src2.example")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Fatal("same URL must merge, not create")
	}

	if merged.Venue != "Venue A" {
		t.Fatalf("populated field overwritten: %q", merged.Venue)
	}
	if merged.Summary != "a freshly extracted summary" {
		t.Fatalf("missing field not filled: %q", merged.Summary)
	}
	if merged.Confidence != domain.ConfidencePartial {
		t.Fatalf("confidence not upgraded: %q", merged.Confidence)
	}
	sources := merged.Sources()
	if len(sources) != 2 {
		t.Fatalf("expected 2 source refs, got %v", sources)
	}

	var count int64
	s.DB().Model(&domain.DiscoveredEvent{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 event after re-run, got %d", count)
	}
}

func TestUpsertEventConfidenceNeverDowngrades(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	start := utcDate(2026, time.March, 10)
	first := domain.DiscoveredEvent{
		EventURL:   strPtr("https://ev.example"),
		Name:       "Ev",
		City:       "Oslo",
		StartDate:  &start,
		Confidence: domain.ConfidenceComplete,
		Relevance:  80,
	}
	if _, _, err := s.UpsertEvent(ctx, &first, "s1"); err != nil {
		t.Fatal(err)
	}

	worse := domain.DiscoveredEvent{
		EventURL:   strPtr("https://ev.example"),
		Name:       "Ev",
		City:       "Oslo",
		StartDate:  &start,
		Confidence: domain.ConfidenceListingOnly,
		Relevance:  40,
	}
	merged, _, err := s.UpsertEvent(ctx, &worse, "s2")
	if err != nil {
		t.Fatal(err)
	}
	if merged.Confidence != domain.ConfidenceComplete || merged.Relevance != 80 {
		t.Fatalf("downgrade happened: %q/%d", merged.Confidence, merged.Relevance)
	}
}

func TestFuzzyMatchWithinWindow(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	start := utcDate(2026, time.June, 10)
	original := domain.DiscoveredEvent{
		Name:      "Civic Tech Summit 2026",
		City:      "Lisbon",
		StartDate: &start,
	}
	if _, _, err := s.UpsertEvent(ctx, &original, "https://a.example"); err != nil {
		t.Fatal(err)
	}

	// Title variation, same city, 2 days apart: one record.
	variant := domain.DiscoveredEvent{
		Name:      "2026 Civic Tech Summit — Day 1",
		City:      "Lisbon",
		StartDate: datePtr(start.AddDate(0, 0, 2)),
	}
	_, created, err := s.UpsertEvent(ctx, &variant, "https://b.example")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("expected fuzzy merge within window")
	}

	var count int64
	s.DB().Model(&domain.DiscoveredEvent{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 record, got %d", count)
	}
}

func TestFuzzyMatchBoundary(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	start := utcDate(2026, time.June, 10)
	seed := domain.DiscoveredEvent{Name: "Open Data Forum", City: "Madrid", StartDate: &start}
	if _, _, err := s.UpsertEvent(ctx, &seed, "s"); err != nil {
		t.Fatal(err)
	}

	// Exactly 3 days apart: still inside the window.
	atEdge := domain.DiscoveredEvent{Name: "Open Data Forum", City: "Madrid", StartDate: datePtr(start.AddDate(0, 0, 3))}
	if _, created, err := s.UpsertEvent(ctx, &atEdge, "s2"); err != nil || created {
		t.Fatalf("3 days apart must merge: created=%v err=%v", created, err)
	}

	// 4 days apart: a different event.
	outside := domain.DiscoveredEvent{Name: "Open Data Forum", City: "Madrid", StartDate: datePtr(start.AddDate(0, 0, 4))}
	if _, created, err := s.UpsertEvent(ctx, &outside, "s3"); err != nil || !created {
		t.Fatalf("4 days apart must not merge: created=%v err=%v", created, err)
	}
}

func TestFuzzyMatchIgnoresDegenerateNames(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	start := utcDate(2026, time.June, 10)
	seed := domain.DiscoveredEvent{Name: "Open Data Forum", City: "Lisbon", StartDate: &start}
	if _, _, err := s.UpsertEvent(ctx, &seed, "s1"); err != nil {
		t.Fatal(err)
	}

	// A name that normalizes to nothing must not merge into whatever happens
	// to share the city and date window.
	bareYear := domain.DiscoveredEvent{Name: "2026", City: "Lisbon", StartDate: datePtr(start.AddDate(0, 0, 1))}
	if _, created, err := s.UpsertEvent(ctx, &bareYear, "s2"); err != nil || !created {
		t.Fatalf("bare-year name must create its own record: created=%v err=%v", created, err)
	}

	// And the other direction: a real name must not merge into the bare-year
	// record already in the window.
	named := domain.DiscoveredEvent{Name: "Harbour Hackathon", City: "Lisbon", StartDate: datePtr(start.AddDate(0, 0, 2))}
	if _, created, err := s.UpsertEvent(ctx, &named, "s3"); err != nil || !created {
		t.Fatalf("named event must not match a degenerate record: created=%v err=%v", created, err)
	}

	var count int64
	s.DB().Model(&domain.DiscoveredEvent{}).Count(&count)
	if count != 3 {
		t.Fatalf("expected 3 distinct records, got %d", count)
	}
}

func TestFuzzyMatchFarApartStaysSeparate(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	start := utcDate(2026, time.June, 1)
	a := domain.DiscoveredEvent{Name: "Civic Tech Summit 2026", City: "Lisbon", StartDate: &start}
	b := domain.DiscoveredEvent{Name: "2026 Civic Tech Summit — Day 1", City: "Lisbon", StartDate: datePtr(start.AddDate(0, 0, 10))}

	if _, created, err := s.UpsertEvent(ctx, &a, "s1"); err != nil || !created {
		t.Fatal(err)
	}
	if _, created, err := s.UpsertEvent(ctx, &b, "s2"); err != nil || !created {
		t.Fatalf("10 days apart must stay separate (created=%v err=%v)", created, err)
	}
}

func TestEventsWithoutURLDoNotCollide(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	a := domain.DiscoveredEvent{Name: "Meetup Alpha", City: "Rome", StartDate: datePtr(utcDate(2026, time.July, 1))}
	b := domain.DiscoveredEvent{Name: "Meetup Beta", City: "Rome", StartDate: datePtr(utcDate(2026, time.July, 2))}

	if _, created, err := s.UpsertEvent(ctx, &a, "s1"); err != nil || !created {
		t.Fatalf("a: created=%v err=%v", created, err)
	}
	if _, created, err := s.UpsertEvent(ctx, &b, "s2"); err != nil || !created {
		t.Fatalf("b: created=%v err=%v", created, err)
	}
}

func TestExpireSweep(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := utcDate(2026, time.May, 15)

	past := domain.DiscoveredEvent{Name: "Past", City: "X", StartDate: datePtr(utcDate(2026, time.May, 1)), EndDate: datePtr(utcDate(2026, time.May, 2))}
	future := domain.DiscoveredEvent{Name: "Future", City: "X", StartDate: datePtr(utcDate(2026, time.May, 20))}
	if _, _, err := s.UpsertEvent(ctx, &past, "s"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.UpsertEvent(ctx, &future, "s"); err != nil {
		t.Fatal(err)
	}

	oldNews := now.AddDate(0, 0, -40)
	freshNews := now.AddDate(0, 0, -1)
	stale := domain.Challenge{SourceURI: "u1", Title: "old", PublishedAt: &oldNews}
	fresh := domain.Challenge{SourceURI: "u2", Title: "yesterday's article", PublishedAt: &freshNews}
	if _, err := s.SaveChallenge(ctx, &stale); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveChallenge(ctx, &fresh); err != nil {
		t.Fatal(err)
	}

	n, err := s.ExpireSweep(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 expirations, got %d", n)
	}

	events, err := s.QueryEvents(ctx, EventFilter{Status: string(domain.StatusActive)})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Name != "Future" {
		t.Fatalf("unexpected active events: %+v", events)
	}

	challenges, err := s.QueryChallenges(ctx, ChallengeFilter{Status: string(domain.StatusActive)})
	if err != nil {
		t.Fatal(err)
	}
	if len(challenges) != 1 || challenges[0].SourceURI != "u2" {
		t.Fatalf("challenge inside retention window must stay active: %+v", challenges)
	}
}

func TestGeocodeCacheRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetGeocode(ctx, "Alexanderplatz, Berlin")
	if err != nil || got != nil {
		t.Fatalf("expected empty cache, got %v err=%v", got, err)
	}

	entry := domain.GeocodeCacheEntry{Query: "Alexanderplatz, Berlin", Latitude: 52.52, Longitude: 13.40, DisplayName: "Berlin", CachedAt: time.Now().UTC()}
	if err := s.PutGeocode(ctx, entry); err != nil {
		t.Fatal(err)
	}
	// Idempotent upsert by key.
	if err := s.PutGeocode(ctx, entry); err != nil {
		t.Fatal(err)
	}

	got, err = s.GetGeocode(ctx, "Alexanderplatz, Berlin")
	if err != nil || got == nil {
		t.Fatalf("cache miss after put: %v err=%v", got, err)
	}
	if got.Latitude != 52.52 {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestQueryChallengesBoundingBox(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	inside := domain.Challenge{SourceURI: "u-in", Title: "inside", Latitude: 52.5, Longitude: 13.4, Category: "infrastructure"}
	outside := domain.Challenge{SourceURI: "u-out", Title: "outside", Latitude: 40.0, Longitude: -3.7, Category: "infrastructure"}
	if _, err := s.SaveChallenge(ctx, &inside); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveChallenge(ctx, &outside); err != nil {
		t.Fatal(err)
	}

	got, err := s.QueryChallenges(ctx, ChallengeFilter{
		Status: string(domain.StatusActive),
		Bounds: &Bounds{MinLat: 50, MaxLat: 55, MinLng: 10, MaxLng: 15},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Title != "inside" {
		t.Fatalf("unexpected result: %+v", got)
	}
}
