package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"civicsignal/internal/config"
	"civicsignal/internal/domain"
	"civicsignal/internal/infrastructure/storage"
)

type fakeNews struct {
	items map[string][]domain.CandidateItem
	err   error
}

func (f *fakeNews) FetchCategory(_ context.Context, cat config.NewsCategory) ([]domain.CandidateItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.items[cat.Name], nil
}

type fakeSearch struct {
	results map[string][]domain.CandidateItem
	err     error
}

func (f *fakeSearch) Search(_ context.Context, query string, _ int) ([]domain.CandidateItem, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.results[query], nil
}

type fakeClassifier struct {
	challenge func(content string) (domain.Extraction, error)
	event     func(content string) (domain.Extraction, error)
	complete  func(prompt string) (string, error)
	calls     []string
}

func (f *fakeClassifier) ClassifyChallenge(_ context.Context, content string) (domain.Extraction, error) {
	f.calls = append(f.calls, content)
	if f.challenge == nil {
		return domain.Rejected("no classifier"), nil
	}
	return f.challenge(content)
}

func (f *fakeClassifier) ClassifyEvent(_ context.Context, content string) (domain.Extraction, error) {
	f.calls = append(f.calls, content)
	if f.event == nil {
		return domain.Rejected("no classifier"), nil
	}
	return f.event(content)
}

func (f *fakeClassifier) CompleteJSON(_ context.Context, prompt string) (string, error) {
	f.calls = append(f.calls, prompt)
	if f.complete == nil {
		return "", errors.New("not configured")
	}
	return f.complete(prompt)
}

type fakeGeocoder struct {
	resolve func(query string) *domain.Coordinates
	queries []string
}

func (f *fakeGeocoder) Resolve(_ context.Context, query string, _ *domain.PlaceHint) (*domain.Coordinates, error) {
	f.queries = append(f.queries, query)
	if f.resolve == nil {
		return &domain.Coordinates{Latitude: 1, Longitude: 2}, nil
	}
	return f.resolve(query), nil
}

type fakeChallengeStore struct {
	existing map[string]bool
	saved    []*domain.Challenge
}

func (f *fakeChallengeStore) HasChallenge(_ context.Context, uri string) (bool, error) {
	return f.existing[uri], nil
}

func (f *fakeChallengeStore) SaveChallenge(_ context.Context, c *domain.Challenge) (bool, error) {
	if f.existing[c.SourceURI] {
		return false, nil
	}
	if f.existing == nil {
		f.existing = map[string]bool{}
	}
	f.existing[c.SourceURI] = true
	f.saved = append(f.saved, c)
	return true, nil
}

type fakeSweeper struct {
	calls   int
	expired int64
}

func (f *fakeSweeper) ExpireSweep(_ context.Context, _ time.Time) (int64, error) {
	f.calls++
	return f.expired, nil
}

type fakeFetcher struct {
	text  string
	err   error
	calls []string
}

func (f *fakeFetcher) FetchText(_ context.Context, pageURL string) (string, error) {
	f.calls = append(f.calls, pageURL)
	return f.text, f.err
}

func acceptChallenge(fields domain.ChallengeFields) func(string) (domain.Extraction, error) {
	return func(string) (domain.Extraction, error) {
		return domain.Extraction{Accepted: true, Challenge: &fields}, nil
	}
}

func newsConfig(categories ...string) config.NewsConfig {
	cfg := config.NewsConfig{}
	for _, name := range categories {
		cfg.Categories = append(cfg.Categories, config.NewsCategory{Name: name, Keywords: []string{name}})
	}
	return cfg
}

func candidate(uri, title string) domain.CandidateItem {
	return domain.CandidateItem{SourceID: uri, Title: title, BodyText: "body", SourceType: domain.SourceStructuredAPI}
}

func TestPipelineRunStoresAcceptedItems(t *testing.T) {
	t.Parallel()

	news := &fakeNews{items: map[string][]domain.CandidateItem{
		"infrastructure": {
			candidate("https://news.example/a", "Bridge closed after inspection"),
			candidate("https://news.example/b", "Celebrity gossip roundup"),
		},
	}}
	classifier := &fakeClassifier{challenge: func(content string) (domain.Extraction, error) {
		if strings.Contains(content, "Bridge") {
			return domain.Extraction{Accepted: true, Challenge: &domain.ChallengeFields{
				Title:        "Bridge closure",
				Category:     "infrastructure",
				Severity:     3,
				City:         "Rotterdam",
				Country:      "Netherlands",
				GeocodeQuery: "Erasmus Bridge, Rotterdam",
			}}, nil
		}
		return domain.Rejected("not a civic issue"), nil
	}}
	store := &fakeChallengeStore{}
	sweeper := &fakeSweeper{expired: 4}
	geo := &fakeGeocoder{}

	p := NewPipeline(PipelineDeps{
		News: news, Classifier: classifier, Geocoder: geo, Challenges: store, Sweeper: sweeper,
	}, newsConfig("infrastructure"), config.SearchConfig{}, nil)

	stats, err := p.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if stats.Processed != 2 || stats.Accepted != 1 || stats.Rejected != 1 || stats.Errors != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Expired != 4 {
		t.Fatalf("expected expired count from sweep, got %d", stats.Expired)
	}
	if len(store.saved) != 1 {
		t.Fatalf("expected 1 saved challenge, got %d", len(store.saved))
	}
	saved := store.saved[0]
	if saved.SourceURI != "https://news.example/a" || saved.Latitude != 1 || saved.Longitude != 2 {
		t.Fatalf("unexpected saved record: %+v", saved)
	}
	if got := geo.queries[0]; got != "Erasmus Bridge, Rotterdam" {
		t.Fatalf("geocoded wrong query: %q", got)
	}
}

func TestPipelineSkipsAlreadyStoredWithoutClassifying(t *testing.T) {
	t.Parallel()

	news := &fakeNews{items: map[string][]domain.CandidateItem{
		"housing": {candidate("https://news.example/dup", "Eviction wave")},
	}}
	classifier := &fakeClassifier{challenge: acceptChallenge(domain.ChallengeFields{Title: "x", City: "Berlin"})}
	store := &fakeChallengeStore{existing: map[string]bool{"https://news.example/dup": true}}

	p := NewPipeline(PipelineDeps{
		News: news, Classifier: classifier, Geocoder: &fakeGeocoder{}, Challenges: store, Sweeper: &fakeSweeper{},
	}, newsConfig("housing"), config.SearchConfig{}, nil)

	stats, err := p.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Rejected != 1 || stats.Accepted != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(classifier.calls) != 0 {
		t.Fatalf("classifier should not run for stored items, got %d calls", len(classifier.calls))
	}
}

func TestPipelineDropsUnresolvableLocations(t *testing.T) {
	t.Parallel()

	news := &fakeNews{items: map[string][]domain.CandidateItem{
		"environment": {candidate("https://news.example/c", "Flooding downtown")},
	}}
	classifier := &fakeClassifier{challenge: acceptChallenge(domain.ChallengeFields{
		Title: "Flooding", GeocodeQuery: "somewhere nowhere",
	})}
	geo := &fakeGeocoder{resolve: func(string) *domain.Coordinates { return nil }}
	store := &fakeChallengeStore{}

	p := NewPipeline(PipelineDeps{
		News: news, Classifier: classifier, Geocoder: geo, Challenges: store, Sweeper: &fakeSweeper{},
	}, newsConfig("environment"), config.SearchConfig{}, nil)

	stats, err := p.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Rejected != 1 || len(store.saved) != 0 {
		t.Fatalf("unresolvable location must reject without saving: %+v, saved=%d", stats, len(store.saved))
	}
}

func TestPipelineIsolatesItemFailures(t *testing.T) {
	t.Parallel()

	news := &fakeNews{items: map[string][]domain.CandidateItem{
		"infrastructure": {
			candidate("https://news.example/bad", "Broken"),
			candidate("https://news.example/good", "Water main break on 5th"),
		},
	}}
	classifier := &fakeClassifier{challenge: func(content string) (domain.Extraction, error) {
		if strings.Contains(content, "Broken") {
			return domain.Extraction{}, errors.New("all models failed")
		}
		return domain.Extraction{Accepted: true, Challenge: &domain.ChallengeFields{Title: "Water main", City: "Oslo"}}, nil
	}}
	store := &fakeChallengeStore{}
	sweeper := &fakeSweeper{}

	p := NewPipeline(PipelineDeps{
		News: news, Classifier: classifier, Geocoder: &fakeGeocoder{}, Challenges: store, Sweeper: sweeper,
	}, newsConfig("infrastructure"), config.SearchConfig{}, nil)

	stats, err := p.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Errors != 1 || stats.Accepted != 1 {
		t.Fatalf("expected failure isolation, got %+v", stats)
	}
	if sweeper.calls != 1 {
		t.Fatalf("sweep must still run, got %d calls", sweeper.calls)
	}
}

func TestPipelineSweepsEvenWhenSourcesFail(t *testing.T) {
	t.Parallel()

	news := &fakeNews{err: errors.New("provider down")}
	sweeper := &fakeSweeper{expired: 2}

	p := NewPipeline(PipelineDeps{
		News: news, Classifier: &fakeClassifier{}, Geocoder: &fakeGeocoder{},
		Challenges: &fakeChallengeStore{}, Sweeper: sweeper,
	}, newsConfig("a", "b"), config.SearchConfig{}, nil)

	stats, err := p.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sweeper.calls != 1 || stats.Expired != 2 {
		t.Fatalf("sweep must run unconditionally: calls=%d stats=%+v", sweeper.calls, stats)
	}
	if stats.Errors != 2 {
		t.Fatalf("each failed category counts one error, got %d", stats.Errors)
	}
}

func TestPipelineEscalatesSnippetsNeedingContext(t *testing.T) {
	t.Parallel()

	item := domain.CandidateItem{
		SourceID:   "https://search.example/r1",
		Title:      "Pothole complaints surge",
		BodyText:   "short snippet",
		SourceType: domain.SourceSearchSnippet,
		DetailURL:  "https://city.example/potholes",
	}
	search := &fakeSearch{results: map[string][]domain.CandidateItem{"pothole reports": {item}}}
	fetcher := &fakeFetcher{text: "Full article: hundreds of pothole reports filed in Springfield this month."}
	classifier := &fakeClassifier{challenge: func(content string) (domain.Extraction, error) {
		if strings.Contains(content, "Full article") {
			return domain.Extraction{Accepted: true, Challenge: &domain.ChallengeFields{
				Title: "Pothole surge", City: "Springfield",
			}}, nil
		}
		return domain.Rejected("INSUFFICIENT_CONTEXT"), nil
	}}
	store := &fakeChallengeStore{}

	p := NewPipeline(PipelineDeps{
		Search: search, Fetcher: fetcher, Classifier: classifier,
		Geocoder: &fakeGeocoder{}, Challenges: store, Sweeper: &fakeSweeper{},
	}, config.NewsConfig{}, config.SearchConfig{ChallengeQueries: []string{"pothole reports"}, MaxResults: 5}, nil)

	stats, err := p.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Accepted != 1 {
		t.Fatalf("escalated item should be accepted, got %+v", stats)
	}
	if len(fetcher.calls) != 1 || fetcher.calls[0] != "https://city.example/potholes" {
		t.Fatalf("expected one full-page fetch, got %v", fetcher.calls)
	}
	if len(classifier.calls) != 2 {
		t.Fatalf("expected snippet + full-page classification, got %d calls", len(classifier.calls))
	}
}

func TestPipelineRunKeepsFreshChallengesActive(t *testing.T) {
	t.Parallel()

	store, err := storage.Open(config.DatabaseConfig{DSN: ":memory:"}, config.DedupConfig{}, config.SweepConfig{}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	yesterday := time.Now().UTC().Add(-24 * time.Hour)
	item := candidate("https://news.example/fresh", "Sinkhole opens on Main Street")
	item.PublishedAt = &yesterday
	news := &fakeNews{items: map[string][]domain.CandidateItem{"infrastructure": {item}}}
	classifier := &fakeClassifier{challenge: acceptChallenge(domain.ChallengeFields{Title: "Sinkhole", City: "Dresden"})}

	p := NewPipeline(PipelineDeps{
		News: news, Classifier: classifier, Geocoder: &fakeGeocoder{}, Challenges: store, Sweeper: store,
	}, newsConfig("infrastructure"), config.SearchConfig{}, nil)

	stats, err := p.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Accepted != 1 || stats.Expired != 0 {
		t.Fatalf("run's own sweep must leave fresh records alone: %+v", stats)
	}

	active, err := store.QueryChallenges(context.Background(), storage.ChallengeFilter{Status: string(domain.StatusActive)})
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].SourceURI != "https://news.example/fresh" {
		t.Fatalf("challenge ingested this run must stay active: %+v", active)
	}
}

func TestPipelineDeduplicatesWithinRun(t *testing.T) {
	t.Parallel()

	dup := candidate("https://news.example/same", "Same story")
	news := &fakeNews{items: map[string][]domain.CandidateItem{
		"a": {dup},
		"b": {dup},
	}}
	classifier := &fakeClassifier{challenge: acceptChallenge(domain.ChallengeFields{Title: "t", City: "Lyon"})}
	store := &fakeChallengeStore{}

	p := NewPipeline(PipelineDeps{
		News: news, Classifier: classifier, Geocoder: &fakeGeocoder{}, Challenges: store, Sweeper: &fakeSweeper{},
	}, newsConfig("a", "b"), config.SearchConfig{}, nil)

	stats, err := p.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Accepted != 1 || len(store.saved) != 1 {
		t.Fatalf("same URI must be processed once per run: %+v", stats)
	}
}

func TestPipelineHonorsItemCap(t *testing.T) {
	t.Parallel()

	var items []domain.CandidateItem
	for i := 0; i < 10; i++ {
		items = append(items, candidate(fmt.Sprintf("https://news.example/%d", i), fmt.Sprintf("Story %d", i)))
	}
	news := &fakeNews{items: map[string][]domain.CandidateItem{"a": items}}
	classifier := &fakeClassifier{challenge: acceptChallenge(domain.ChallengeFields{Title: "t", City: "Lyon"})}

	p := NewPipeline(PipelineDeps{
		News: news, Classifier: classifier, Geocoder: &fakeGeocoder{},
		Challenges: &fakeChallengeStore{}, Sweeper: &fakeSweeper{},
	}, newsConfig("a"), config.SearchConfig{}, nil)

	stats, err := p.Run(context.Background(), RunOptions{MaxItemsPerCategory: 3})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Processed != 3 {
		t.Fatalf("expected cap of 3, processed %d", stats.Processed)
	}
}
