package llm

import "strings"

// InsufficientContext is the sentinel a rejection reason carries when the
// model could not decide from the text it was given. The search connector
// escalates to a full-page fetch only when it sees this phrase.
const InsufficientContext = "INSUFFICIENT_CONTEXT"

// NeedsMoreContext reports whether a rejection reason asks for fuller text.
func NeedsMoreContext(reason string) bool {
	return strings.Contains(strings.ToUpper(reason), InsufficientContext)
}

const challengePrompt = `You classify local news content. Decide whether the text below describes a concrete civic problem affecting a specific locality (infrastructure failure, environmental hazard, housing crisis, public service gap).

Respond with JSON only, in this exact shape:
{"is_challenge": <bool>, "reason": "<short reason; use the literal token INSUFFICIENT_CONTEXT if the text is too thin to decide>", "challenge": {"title": "", "summary": "", "category": "", "severity": <1-10>, "location_text": "", "city": "", "country": "", "geocode_query": ""}}

Omit the "challenge" object when is_challenge is false. geocode_query must be a place string suitable for a geocoder (street/district, city, country). Never invent a location that the text does not name.

TEXT:
`

const eventPrompt = `You classify content about upcoming gatherings. Decide whether the text below describes a real conference, summit, hackathon or meetup with civic/technology relevance.

Respond with JSON only, in this exact shape:
{"is_event": <bool>, "reason": "<short reason; use the literal token INSUFFICIENT_CONTEXT if the text is too thin to decide>", "event": {"name": "", "summary": "", "event_type": "", "venue": "", "city": "", "country": "", "url": "", "geocode_query": "", "start_date": "YYYY-MM-DD", "end_date": "YYYY-MM-DD", "relevance": <0-100>}}

Omit the "event" object when is_event is false. Leave fields empty rather than guessing; never fabricate dates or venues that the text does not state.

TEXT:
`

// ChallengePrompt renders the full classification prompt for one article.
func ChallengePrompt(content string) string {
	return challengePrompt + content
}

// EventPrompt renders the full classification prompt for one candidate.
func EventPrompt(content string) string {
	return eventPrompt + content
}
