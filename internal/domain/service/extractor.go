package service

import (
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/vicw/vicw/internal/domain/memory"
)

const extractionSystemPrompt = `You are a knowledge extraction engine. Analyze the text and respond with ONLY a JSON object, no prose, no markdown, of this exact shape:
{
  "entities": [{"name": "...", "subtype": "...", "description": "..."}],
  "events": [{"name": "...", "subtype": "...", "description": "...", "caused_by": ["entity name"], "next_event": null}]
}
Entities are concrete nouns (people, files, places, variables). Events are actions that happened. caused_by lists the entities that initiated the event. next_event names the event that follows, or null.`

const intentSystemPrompt = `Classify the user query into exactly one category. Respond with ONLY one word: coding, creative, or general.`

// Intent labels recognized by the retriever's domain filter.
const (
	IntentCoding   = "coding"
	IntentCreative = "creative"
	IntentGeneral  = "general"
)

// Extractor turns raw chunk text into structured entities and events via
// the LLM, with a parsing cascade that tolerates fenced, wrapped, or
// partially malformed output. A failed extraction degrades to empty
// lists; it never fails the job.
type Extractor struct {
	llm         memory.ChatModel
	temperature float64
	maxTokens   int
	logger      *zap.Logger
}

// NewExtractor builds an extractor. Temperature should be low (≈0.1) so
// the model stays inside the JSON contract.
func NewExtractor(llm memory.ChatModel, temperature float64, maxTokens int, logger *zap.Logger) *Extractor {
	if maxTokens <= 0 {
		maxTokens = 500
	}
	return &Extractor{
		llm:         llm,
		temperature: temperature,
		maxTokens:   maxTokens,
		logger:      logger.With(zap.String("component", "extractor")),
	}
}

// Extract asks the LLM for the {entities, events} shape and normalizes
// whatever comes back. The returned result is always usable.
func (e *Extractor) Extract(ctx context.Context, text, domain string) memory.ExtractionResult {
	msgs := []memory.Message{
		{Role: memory.RoleSystem, Content: extractionSystemPrompt},
		{Role: memory.RoleUser, Content: "Domain: " + domain + "\n\nText:\n" + text},
	}
	raw, err := e.llm.Generate(ctx, msgs, memory.GenerateOptions{
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
		JSONMode:    true,
	})
	if err != nil {
		e.logger.Warn("Extraction LLM call failed", zap.Error(err))
		return memory.ExtractionResult{}
	}

	result, ok := parseExtractionJSON(raw)
	if !ok {
		e.logger.Warn("Extraction output unparseable, returning empty",
			zap.Int("raw_len", len(raw)),
		)
		return memory.ExtractionResult{}
	}
	return normalizeExtraction(result)
}

// Summarize condenses texts via the LLM, falling back to an extractive
// summary when the model call fails.
func (e *Extractor) Summarize(ctx context.Context, texts []string) string {
	joined := strings.Join(texts, "\n")
	msgs := []memory.Message{
		{Role: memory.RoleSystem, Content: "Summarize the following conversation excerpt in at most three sentences. Respond with the summary only."},
		{Role: memory.RoleUser, Content: joined},
	}
	out, err := e.llm.Generate(ctx, msgs, memory.GenerateOptions{
		Temperature: e.temperature,
		MaxTokens:   e.maxTokens,
	})
	if err != nil || strings.TrimSpace(out) == "" {
		if err != nil {
			e.logger.Warn("LLM summarization failed, using extractive fallback", zap.Error(err))
		}
		return ExtractiveSummary(joined, 500)
	}
	return strings.TrimSpace(out)
}

// ClassifyIntent maps a query onto coding/creative/general, first via
// the LLM and then via keywords; the final default is general.
func (e *Extractor) ClassifyIntent(ctx context.Context, query string) string {
	msgs := []memory.Message{
		{Role: memory.RoleSystem, Content: intentSystemPrompt},
		{Role: memory.RoleUser, Content: query},
	}
	out, err := e.llm.Generate(ctx, msgs, memory.GenerateOptions{
		Temperature: 0.0,
		MaxTokens:   10,
	})
	if err == nil {
		label := strings.ToLower(strings.TrimSpace(out))
		for _, intent := range []string{IntentCoding, IntentCreative, IntentGeneral} {
			if strings.Contains(label, intent) {
				return intent
			}
		}
	}
	return keywordIntent(query)
}

var codingKeywords = []string{
	"code", "function", "bug", "compile", "debug", "error", "api",
	"variable", "refactor", "test", "deploy", "module", "class",
}

var creativeKeywords = []string{
	"story", "poem", "character", "plot", "scene", "write a", "chapter",
	"dialogue", "narrative",
}

func keywordIntent(query string) string {
	q := strings.ToLower(query)
	for _, kw := range codingKeywords {
		if strings.Contains(q, kw) {
			return IntentCoding
		}
	}
	for _, kw := range creativeKeywords {
		if strings.Contains(q, kw) {
			return IntentCreative
		}
	}
	return IntentGeneral
}

// parseExtractionJSON runs the parsing cascade: raw JSON, then fence
// stripping, then the first balanced object. Prose that survives none
// of the ladder steps is a clean miss, not an error.
func parseExtractionJSON(raw string) (memory.ExtractionResult, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return memory.ExtractionResult{}, false
	}

	var result memory.ExtractionResult

	// Strategy 1: the whole response is JSON.
	if err := json.Unmarshal([]byte(trimmed), &result); err == nil {
		return result, true
	}

	// Strategy 2: strip markdown fences and retry.
	if stripped := stripCodeFences(trimmed); stripped != trimmed {
		if err := json.Unmarshal([]byte(stripped), &result); err == nil {
			return result, true
		}
		trimmed = stripped
	}

	// Strategy 3: first balanced {...} substring.
	if obj := firstBalancedObject(trimmed); obj != "" {
		if err := json.Unmarshal([]byte(obj), &result); err == nil {
			return result, true
		}
	}

	return memory.ExtractionResult{}, false
}

// stripCodeFences removes a leading ```/```json fence and the trailing
// fence when present.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// firstBalancedObject returns the first {...} substring with balanced
// braces, respecting JSON string literals.
func firstBalancedObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// normalizeExtraction coerces fields into the contract: names are
// required, subtypes default, caused_by is always a list.
func normalizeExtraction(in memory.ExtractionResult) memory.ExtractionResult {
	out := memory.ExtractionResult{}
	for _, ent := range in.Entities {
		ent.Name = strings.TrimSpace(ent.Name)
		if ent.Name == "" {
			continue
		}
		if strings.TrimSpace(ent.Subtype) == "" {
			ent.Subtype = "Entity"
		}
		out.Entities = append(out.Entities, ent)
	}
	for _, ev := range in.Events {
		ev.Name = strings.TrimSpace(ev.Name)
		if ev.Name == "" {
			continue
		}
		if strings.TrimSpace(ev.Subtype) == "" {
			ev.Subtype = "Event"
		}
		if ev.CausedBy == nil {
			ev.CausedBy = []string{}
		}
		out.Events = append(out.Events, ev)
	}
	return out
}

// ExtractiveSummary keeps the first and last three lines of the text,
// capped at maxLen characters. Used when the LLM summarizer is down.
func ExtractiveSummary(text string, maxLen int) string {
	lines := []string{}
	for _, ln := range strings.Split(text, "\n") {
		if strings.TrimSpace(ln) != "" {
			lines = append(lines, ln)
		}
	}
	var summary string
	if len(lines) <= 6 {
		summary = strings.Join(lines, "\n")
	} else {
		parts := append([]string{}, lines[:3]...)
		parts = append(parts, "[...]")
		parts = append(parts, lines[len(lines)-3:]...)
		summary = strings.Join(parts, "\n")
	}
	if maxLen > 0 {
		summary = safeTruncate(summary, maxLen)
	}
	return summary
}

// safeTruncate caps s at max bytes without splitting a multibyte rune.
func safeTruncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
