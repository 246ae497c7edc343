package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"civicsignal/internal/config"
	"civicsignal/internal/domain"
	"civicsignal/internal/ports"
)

// CascadeClient sends classification prompts to an OpenAI-compatible chat
// API, iterating an ordered list of model identifiers until one produces a
// usable response. It either succeeds with one model's output or fails with
// an aggregate error naming every model's failure; it never partially
// succeeds.
type CascadeClient struct {
	endpoint    string
	apiKey      string
	models      []string
	temperature float64
	maxTokens   int
	client      *resty.Client
	logger      *slog.Logger
}

var _ ports.Classifier = (*CascadeClient)(nil)

// NewCascadeClient builds a client from configuration.
func NewCascadeClient(cfg config.LLMConfig, logger *slog.Logger) *CascadeClient {
	return &CascadeClient{
		endpoint:    cfg.Endpoint,
		apiKey:      cfg.APIKey,
		models:      cfg.Models,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client: resty.New().
			SetTimeout(45 * time.Second),
		logger: logger,
	}
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	ResponseFormat map[string]any `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// CompleteJSON runs the prompt through the model cascade and returns the raw
// JSON text of the first usable response.
func (c *CascadeClient) CompleteJSON(ctx context.Context, prompt string) (string, error) {
	if len(c.models) == 0 {
		return "", fmt.Errorf("no models configured")
	}

	var failures []string
	for _, model := range c.models {
		content, err := c.complete(ctx, model, prompt)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			failures = append(failures, fmt.Sprintf("%s: %v", model, err))
			if c.logger != nil {
				c.logger.Warn("model failed, trying next", "model", model, "error", err)
			}
			continue
		}
		return content, nil
	}
	return "", fmt.Errorf("all models failed: %s", strings.Join(failures, "; "))
}

func (c *CascadeClient) complete(ctx context.Context, model, prompt string) (string, error) {
	body := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Temperature:    c.temperature,
		MaxTokens:      c.maxTokens,
		ResponseFormat: map[string]any{"type": "json_object"},
	}

	var parsed chatResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+c.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&parsed).
		Post(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("http %d: %s", resp.StatusCode(), strings.TrimSpace(truncate(resp.String(), 200)))
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("empty content")
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type challengeEnvelope struct {
	IsChallenge bool                    `json:"is_challenge"`
	Reason      string                  `json:"reason"`
	Challenge   *domain.ChallengeFields `json:"challenge"`
}

type eventEnvelope struct {
	IsEvent bool          `json:"is_event"`
	Reason  string        `json:"reason"`
	Event   *eventPayload `json:"event"`
}

// eventPayload mirrors domain.EventFields with string dates as the model
// emits them.
type eventPayload struct {
	Name         string `json:"name"`
	Summary      string `json:"summary"`
	EventType    string `json:"event_type"`
	Venue        string `json:"venue"`
	City         string `json:"city"`
	Country      string `json:"country"`
	URL          string `json:"url"`
	GeocodeQuery string `json:"geocode_query"`
	StartDate    string `json:"start_date"`
	EndDate      string `json:"end_date"`
	Relevance    int    `json:"relevance"`
}

// ClassifyChallenge classifies article text as a civic challenge.
func (c *CascadeClient) ClassifyChallenge(ctx context.Context, content string) (domain.Extraction, error) {
	raw, err := c.CompleteJSON(ctx, ChallengePrompt(content))
	if err != nil {
		return domain.Extraction{}, err
	}

	var env challengeEnvelope
	if err := DecodeLenient(raw, &env); err != nil {
		return domain.Rejected("unparseable classification response"), nil
	}
	if !env.IsChallenge || env.Challenge == nil || env.Challenge.Title == "" {
		return domain.Rejected(env.Reason), nil
	}
	return domain.Extraction{Accepted: true, Reason: env.Reason, Challenge: env.Challenge}, nil
}

// ClassifyEvent classifies candidate text as a discoverable event. Responses
// that direct parsing cannot handle go through the lenient recovery path and
// degrade to a rejection when no minimum viable record is present.
func (c *CascadeClient) ClassifyEvent(ctx context.Context, content string) (domain.Extraction, error) {
	raw, err := c.CompleteJSON(ctx, EventPrompt(content))
	if err != nil {
		return domain.Extraction{}, err
	}
	return ParseEventResponse(raw), nil
}

// ParseEventResponse turns raw model output into an extraction outcome.
// Exported so truncation shapes can be unit-tested without a live cascade.
func ParseEventResponse(raw string) domain.Extraction {
	var env eventEnvelope
	if err := DecodeLenient(raw, &env); err == nil {
		if !env.IsEvent || env.Event == nil || env.Event.Name == "" {
			return domain.Rejected(env.Reason)
		}
		return domain.Extraction{Accepted: true, Reason: env.Reason, Event: env.Event.toFields()}
	}

	rec := RecoverEvent(raw)
	if rec == nil {
		return domain.Rejected("unparseable classification response")
	}
	p := eventPayload{
		Name:      rec.Name,
		Venue:     rec.Venue,
		City:      rec.City,
		Country:   rec.Country,
		URL:       rec.URL,
		StartDate: rec.StartDate,
		EndDate:   rec.EndDate,
	}
	return domain.Extraction{Accepted: true, Reason: "recovered from truncated response", Event: p.toFields()}
}

func (p *eventPayload) toFields() *domain.EventFields {
	return &domain.EventFields{
		Name:         p.Name,
		Summary:      p.Summary,
		EventType:    p.EventType,
		Venue:        p.Venue,
		City:         p.City,
		Country:      p.Country,
		URL:          p.URL,
		GeocodeQuery: p.GeocodeQuery,
		StartDate:    parseDate(p.StartDate),
		EndDate:      parseDate(p.EndDate),
		Relevance:    p.Relevance,
	}
}

var dateLayouts = []string{"2006-01-02", "01/02/2006", time.RFC3339}

func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
