package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	configPathEnv   = "CIVICSIGNAL_CONFIG"
	databaseDSNEnv  = "DATABASE_DSN"
	llmAPIKeyEnv    = "LLM_API_KEY"
	newsAPIKeyEnv   = "NEWS_API_KEY"
	searchAPIKeyEnv = "SEARCH_API_KEY"
	userAgentEnv    = "CIVICSIGNAL_USER_AGENT"
	listenAddrEnv   = "CIVICSIGNAL_LISTEN_ADDR"
	botTokenEnv     = "TELEGRAM_BOT_TOKEN"
	chatIDEnv       = "TELEGRAM_CHAT_ID"
)

// Duration is a time.Duration that unmarshals from the human-readable YAML
// form ("2s", "1500ms") as well as from integer nanoseconds.
type Duration time.Duration

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string or integer nanoseconds: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds all settings required across the application.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Database  DatabaseConfig  `yaml:"database"`
	API       APIConfig       `yaml:"api"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	LLM       LLMConfig       `yaml:"llm"`
	News      NewsConfig      `yaml:"news"`
	Search    SearchConfig    `yaml:"search"`
	Directory DirectoryConfig `yaml:"directory"`
	Geocode   GeocodeConfig   `yaml:"geocode"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Batch     BatchConfig     `yaml:"batch"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// LoggingConfig controls the slog level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DatabaseConfig describes the SQLite file backing the store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// APIConfig configures the read-only query server.
type APIConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// SchedulerConfig defines how often the pipelines run in serve mode.
type SchedulerConfig struct {
	Interval Duration `yaml:"interval"`
	Timezone string   `yaml:"timezone"`
	location *time.Location
}

// Location resolves the configured timezone, defaulting to UTC.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	return time.UTC
}

// LLMConfig defines the model cascade used for classification.
type LLMConfig struct {
	Endpoint    string   `yaml:"endpoint"`
	APIKey      string   `yaml:"apiKey"`
	Models      []string `yaml:"models"`
	Temperature float64  `yaml:"temperature"`
	MaxTokens   int      `yaml:"maxTokens"`
}

// NewsCategory pairs a topical category name with its OR'd keyword set.
type NewsCategory struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

// NewsConfig configures the structured news-API connector.
type NewsConfig struct {
	Endpoint      string         `yaml:"endpoint"`
	APIKey        string         `yaml:"apiKey"`
	Categories    []NewsCategory `yaml:"categories"`
	PageSize      int            `yaml:"pageSize"`
	CategoryDelay Duration       `yaml:"categoryDelay"`
}

// SearchConfig configures the search-snippet connector.
type SearchConfig struct {
	Endpoint         string   `yaml:"endpoint"`
	APIKey           string   `yaml:"apiKey"`
	ChallengeQueries []string `yaml:"challengeQueries"`
	EventQueries     []string `yaml:"eventQueries"`
	MaxResults       int      `yaml:"maxResults"`
	QueryDelay       Duration `yaml:"queryDelay"`
}

// DirectoryConfig configures the static directory scraper.
type DirectoryConfig struct {
	BaseURL    string   `yaml:"baseUrl"`
	Categories []string `yaml:"categories"`
	MaxPages   int      `yaml:"maxPages"`
	PageDelay  Duration `yaml:"pageDelay"`
}

// GeocodeConfig configures the geocoding provider and its shared rate limit.
type GeocodeConfig struct {
	Endpoint    string   `yaml:"endpoint"`
	UserAgent   string   `yaml:"userAgent"`
	MinInterval Duration `yaml:"minInterval"`
}

// FetchConfig bounds full-page fetches during search escalation.
type FetchConfig struct {
	Timeout       Duration `yaml:"timeout"`
	MaxRetries    int      `yaml:"maxRetries"`
	MaxTextLength int      `yaml:"maxTextLength"`
	MinInterval   Duration `yaml:"minInterval"`
}

// DedupConfig holds the fuzzy-matching thresholds. These are heuristics, so
// they stay configurable rather than baked in as constants.
type DedupConfig struct {
	DateWindowDays int `yaml:"dateWindowDays"`
	NamePrefixLen  int `yaml:"namePrefixLen"`
}

// SweepConfig controls the post-run expiration sweep. Events expire as soon
// as their dates pass; challenges always carry a past publication date, so
// they get a retention window instead of a same-day cutoff.
type SweepConfig struct {
	ChallengeRetentionDays int `yaml:"challengeRetentionDays"`
}

// BatchConfig sizes the batch relevance filter for directory items.
type BatchConfig struct {
	Size     int `yaml:"size"`
	MinScore int `yaml:"minScore"`
}

// NotifyConfig enables Telegram run summaries when both credentials are set.
type NotifyConfig struct {
	Endpoint string `yaml:"endpoint"`
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// Enabled reports whether run summaries should be sent at all.
func (n NotifyConfig) Enabled() bool {
	return n.BotToken != "" && n.ChatID != ""
}

// Load reads the optional .env file, the YAML configuration (if present) and
// applies environment overrides on top of defaults.
func Load() Config {
	_ = godotenv.Load()

	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	cfg.bindTimezone()

	return cfg
}

// Validate checks that every credential the pipelines depend on is present.
// A missing credential fails the run at startup rather than mid-batch.
func (c Config) Validate() error {
	var missing []string
	if c.LLM.APIKey == "" {
		missing = append(missing, llmAPIKeyEnv)
	}
	if c.News.APIKey == "" {
		missing = append(missing, newsAPIKeyEnv)
	}
	if c.Search.APIKey == "" {
		missing = append(missing, searchAPIKeyEnv)
	}
	if c.Geocode.UserAgent == "" {
		missing = append(missing, userAgentEnv)
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(llmAPIKeyEnv); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv(newsAPIKeyEnv); v != "" {
		c.News.APIKey = v
	}
	if v := os.Getenv(searchAPIKeyEnv); v != "" {
		c.Search.APIKey = v
	}
	if v := os.Getenv(userAgentEnv); v != "" {
		c.Geocode.UserAgent = v
	}
	if v := os.Getenv(listenAddrEnv); v != "" {
		c.API.ListenAddr = v
	}
	if v := os.Getenv(botTokenEnv); v != "" {
		c.Notify.BotToken = v
	}
	if v := os.Getenv(chatIDEnv); v != "" {
		c.Notify.ChatID = v
	}
}

func (c *Config) bindTimezone() {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("config: unknown timezone %s, reverting to UTC", tz)
		loc = time.UTC
	}
	c.Scheduler.location = loc
}

func mergeConfig(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging = override.Logging
	}
	if override.Database.DSN != "" {
		base.Database = override.Database
	}
	if override.API.ListenAddr != "" {
		base.API = override.API
	}

	if override.Scheduler.Interval > 0 {
		base.Scheduler.Interval = override.Scheduler.Interval
	}
	if override.Scheduler.Timezone != "" {
		base.Scheduler.Timezone = override.Scheduler.Timezone
	}

	if override.LLM.Endpoint != "" {
		base.LLM.Endpoint = override.LLM.Endpoint
	}
	if override.LLM.APIKey != "" {
		base.LLM.APIKey = override.LLM.APIKey
	}
	if len(override.LLM.Models) > 0 {
		base.LLM.Models = override.LLM.Models
	}
	if override.LLM.Temperature > 0 {
		base.LLM.Temperature = override.LLM.Temperature
	}
	if override.LLM.MaxTokens > 0 {
		base.LLM.MaxTokens = override.LLM.MaxTokens
	}

	if override.News.Endpoint != "" {
		base.News.Endpoint = override.News.Endpoint
	}
	if override.News.APIKey != "" {
		base.News.APIKey = override.News.APIKey
	}
	if len(override.News.Categories) > 0 {
		base.News.Categories = override.News.Categories
	}
	if override.News.PageSize > 0 {
		base.News.PageSize = override.News.PageSize
	}
	if override.News.CategoryDelay > 0 {
		base.News.CategoryDelay = override.News.CategoryDelay
	}

	if override.Search.Endpoint != "" {
		base.Search.Endpoint = override.Search.Endpoint
	}
	if override.Search.APIKey != "" {
		base.Search.APIKey = override.Search.APIKey
	}
	if len(override.Search.ChallengeQueries) > 0 {
		base.Search.ChallengeQueries = override.Search.ChallengeQueries
	}
	if len(override.Search.EventQueries) > 0 {
		base.Search.EventQueries = override.Search.EventQueries
	}
	if override.Search.MaxResults > 0 {
		base.Search.MaxResults = override.Search.MaxResults
	}
	if override.Search.QueryDelay > 0 {
		base.Search.QueryDelay = override.Search.QueryDelay
	}

	if override.Directory.BaseURL != "" {
		base.Directory.BaseURL = override.Directory.BaseURL
	}
	if len(override.Directory.Categories) > 0 {
		base.Directory.Categories = override.Directory.Categories
	}
	if override.Directory.MaxPages > 0 {
		base.Directory.MaxPages = override.Directory.MaxPages
	}
	if override.Directory.PageDelay > 0 {
		base.Directory.PageDelay = override.Directory.PageDelay
	}

	if override.Geocode.Endpoint != "" {
		base.Geocode.Endpoint = override.Geocode.Endpoint
	}
	if override.Geocode.UserAgent != "" {
		base.Geocode.UserAgent = override.Geocode.UserAgent
	}
	if override.Geocode.MinInterval > 0 {
		base.Geocode.MinInterval = override.Geocode.MinInterval
	}

	if override.Fetch.Timeout > 0 {
		base.Fetch.Timeout = override.Fetch.Timeout
	}
	if override.Fetch.MaxRetries > 0 {
		base.Fetch.MaxRetries = override.Fetch.MaxRetries
	}
	if override.Fetch.MaxTextLength > 0 {
		base.Fetch.MaxTextLength = override.Fetch.MaxTextLength
	}
	if override.Fetch.MinInterval > 0 {
		base.Fetch.MinInterval = override.Fetch.MinInterval
	}

	if override.Dedup.DateWindowDays > 0 {
		base.Dedup.DateWindowDays = override.Dedup.DateWindowDays
	}
	if override.Dedup.NamePrefixLen > 0 {
		base.Dedup.NamePrefixLen = override.Dedup.NamePrefixLen
	}

	if override.Sweep.ChallengeRetentionDays > 0 {
		base.Sweep.ChallengeRetentionDays = override.Sweep.ChallengeRetentionDays
	}

	if override.Batch.Size > 0 {
		base.Batch.Size = override.Batch.Size
	}
	if override.Batch.MinScore > 0 {
		base.Batch.MinScore = override.Batch.MinScore
	}

	if override.Notify.Endpoint != "" {
		base.Notify.Endpoint = override.Notify.Endpoint
	}
	if override.Notify.BotToken != "" {
		base.Notify.BotToken = override.Notify.BotToken
	}
	if override.Notify.ChatID != "" {
		base.Notify.ChatID = override.Notify.ChatID
	}

	return base
}

func defaultConfig() Config {
	return Config{
		Logging:  LoggingConfig{Level: "info"},
		Database: DatabaseConfig{DSN: "civicsignal.db"},
		API:      APIConfig{ListenAddr: ":8080"},
		Scheduler: SchedulerConfig{
			Interval: Duration(24 * time.Hour),
			Timezone: "UTC",
			location: time.UTC,
		},
		LLM: LLMConfig{
			Endpoint:    "https://api.openai.com/v1/chat/completions",
			Models:      []string{"gpt-4o-mini", "gpt-4o", "gpt-3.5-turbo"},
			Temperature: 0.1,
			MaxTokens:   1024,
		},
		News: NewsConfig{
			Endpoint:      "https://newsapi.org/v2/everything",
			PageSize:      25,
			CategoryDelay: Duration(2 * time.Second),
			Categories: []NewsCategory{
				{Name: "infrastructure", Keywords: []string{"road damage", "bridge closure", "water main break"}},
				{Name: "environment", Keywords: []string{"illegal dumping", "air quality alert", "flooding"}},
				{Name: "housing", Keywords: []string{"housing shortage", "eviction crisis", "homelessness"}},
			},
		},
		Search: SearchConfig{
			Endpoint:   "https://google.serper.dev/search",
			MaxResults: 10,
			QueryDelay: Duration(1500 * time.Millisecond),
		},
		Directory: DirectoryConfig{
			MaxPages:  20,
			PageDelay: Duration(3 * time.Second),
		},
		Geocode: GeocodeConfig{
			Endpoint:    "https://nominatim.openstreetmap.org/search",
			MinInterval: Duration(1100 * time.Millisecond),
		},
		Fetch: FetchConfig{
			Timeout:       Duration(15 * time.Second),
			MaxRetries:    2,
			MaxTextLength: 8000,
			MinInterval:   Duration(time.Second),
		},
		Dedup: DedupConfig{DateWindowDays: 3, NamePrefixLen: 20},
		Sweep: SweepConfig{ChallengeRetentionDays: 30},
		Batch: BatchConfig{Size: 25, MinScore: 60},
	}
}
