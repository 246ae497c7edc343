package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"civicsignal/internal/domain"
	"civicsignal/internal/infrastructure/llm"
	"civicsignal/internal/ports"
)

// BatchFilter groups many low-value directory rows into one classification
// call and parses a parallel array of per-item verdicts. It exists purely for
// cost and throughput against a high-volume, low-precision source; the
// single-item connectors never need it.
type BatchFilter struct {
	classifier ports.Classifier
	size       int
	minScore   int
}

// NewBatchFilter builds a filter with the configured batch size and the
// score threshold that gates acceptance independently of the model's own
// boolean verdict.
func NewBatchFilter(classifier ports.Classifier, size, minScore int) *BatchFilter {
	if size <= 0 {
		size = 25
	}
	return &BatchFilter{classifier: classifier, size: size, minScore: minScore}
}

// Run filters all items in chunks and returns one verdict per input item, in
// input order. Items the model did not mention come back rejected, never
// silently accepted.
func (b *BatchFilter) Run(ctx context.Context, items []domain.CandidateItem) ([]domain.BatchVerdict, error) {
	verdicts := make([]domain.BatchVerdict, len(items))

	for offset := 0; offset < len(items); offset += b.size {
		end := offset + b.size
		if end > len(items) {
			end = len(items)
		}

		chunk, err := b.filterChunk(ctx, items[offset:end])
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", offset, end-1, err)
		}
		copy(verdicts[offset:end], chunk)
	}

	return verdicts, nil
}

type batchEnvelope struct {
	Verdicts []domain.BatchVerdict `json:"verdicts"`
}

func (b *BatchFilter) filterChunk(ctx context.Context, items []domain.CandidateItem) ([]domain.BatchVerdict, error) {
	raw, err := b.classifier.CompleteJSON(ctx, buildBatchPrompt(items))
	if err != nil {
		return nil, err
	}

	var env batchEnvelope
	if err := llm.DecodeLenient(raw, &env); err != nil {
		return nil, fmt.Errorf("parse batch verdicts: %w", err)
	}

	out := make([]domain.BatchVerdict, len(items))
	for i := range out {
		out[i] = domain.BatchVerdict{Index: i, Relevant: false, Reason: "no verdict returned"}
	}
	for _, v := range env.Verdicts {
		if v.Index < 0 || v.Index >= len(items) {
			continue
		}
		// The model may be lenient; the score threshold gates acceptance.
		if v.Relevant && v.Score < b.minScore {
			v.Relevant = false
			v.Reason = fmt.Sprintf("score %d below threshold %d", v.Score, b.minScore)
		}
		out[v.Index] = v
	}
	return out, nil
}

func buildBatchPrompt(items []domain.CandidateItem) string {
	var sb strings.Builder
	sb.WriteString(`You screen directory listings for civic/technology relevance. For each numbered listing below, judge whether it is a relevant conference, summit, hackathon or meetup.

Respond with JSON only:
{"verdicts": [{"index": <n>, "relevant": <bool>, "score": <0-100>, "reason": "<short>", "type": "<conference|meetup|hackathon|other>", "tags": ["..."]}]}

Include one verdict per listing, using the listing's number as "index".

LISTINGS:
`)
	for i, item := range items {
		sb.WriteString(fmt.Sprintf("%d. %s", i, item.Title))
		if item.StartDate != nil {
			sb.WriteString(" | " + item.StartDate.Format(time.DateOnly))
		}
		if item.City != "" {
			sb.WriteString(" | " + item.City)
			if item.Country != "" {
				sb.WriteString(", " + item.Country)
			}
		}
		if item.BodyText != "" {
			sb.WriteString(" | " + clip(item.BodyText, 200))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
