package service

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/vicw/vicw/internal/domain/memory"
)

// EchoGuardConfig tunes duplicate-response detection.
type EchoGuardConfig struct {
	Enabled               bool
	SimilarityThreshold   float32
	MaxAttempts           int
	StripContextOnAttempt int
	HistorySize           int
	Temperature           float64
	MaxTokens             int
}

// EchoGuard wraps LLM generation with near-duplicate detection. Each
// candidate response is embedded and compared against the recent
// response set; an echo triggers regeneration under escalating system
// directives, and exhausted attempts are accepted with a [REPEATED]
// marker rather than failing the turn.
type EchoGuard struct {
	llm      memory.ChatModel
	embedder memory.Embedder
	store    memory.ChunkStore
	cfg      EchoGuardConfig
	logger   *zap.Logger
}

// NewEchoGuard wires the guard. A zero MaxAttempts defaults to 3.
func NewEchoGuard(llm memory.ChatModel, embedder memory.Embedder, store memory.ChunkStore, cfg EchoGuardConfig, logger *zap.Logger) *EchoGuard {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.95
	}
	if cfg.StripContextOnAttempt <= 0 {
		cfg.StripContextOnAttempt = 3
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 10
	}
	return &EchoGuard{
		llm:      llm,
		embedder: embedder,
		store:    store,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "echo-guard")),
	}
}

const emptyResponseOverlay = "Your previous response was empty. Provide a substantive answer to the conversation above."

// escalationOverlay returns the system directive for the nth detected
// echo. Level 3 pairs with stripping the memory overlays.
func escalationOverlay(level int, preview string) string {
	switch level {
	case 1:
		return fmt.Sprintf(
			"⚠️ ECHO DETECTED: Your previous response was nearly identical to recent history (preview: %s). "+
				"Avoid repetition. Either advance the situation with a new action, summarize progress so far, or ask a clarifying question.",
			preview,
		)
	case 2:
		return "⛔ ECHO DETECTED AGAIN: You MUST NOT repeat yourself. Respond with exactly one of the following: " +
			"(1) a single concrete next action, (2) a one-sentence summary of where things stand, or (3) a direct question to the user."
	default:
		return "🚨 EMERGENCY OVERRIDE: Retrieved memory has been removed from your context. " +
			"Produce a completely new response that shares no wording with your previous attempts."
	}
}

// Generate runs the guarded generation loop over the given window.
// Errors from the LLM (including timeouts) propagate unchanged; echoes
// and empty responses never surface as errors.
func (g *EchoGuard) Generate(ctx context.Context, window []memory.Message) (string, error) {
	work := make([]memory.Message, len(window))
	copy(work, window)

	opts := memory.GenerateOptions{Temperature: g.cfg.Temperature, MaxTokens: g.cfg.MaxTokens}

	regen := 0
	for {
		response, err := g.llm.Generate(ctx, work, opts)
		if err != nil {
			return "", err
		}

		if strings.TrimSpace(response) == "" {
			regen++
			if regen > g.cfg.MaxAttempts {
				return "[ERROR] The model produced no content after repeated attempts.", nil
			}
			g.logger.Warn("Empty response, regenerating", zap.Int("attempt", regen))
			work = append(work, memory.Message{Role: memory.RoleSystem, Content: emptyResponseOverlay})
			continue
		}

		if !g.cfg.Enabled {
			return response, nil
		}

		vec, err := g.embedder.Embed(ctx, response)
		if err != nil {
			g.logger.Warn("Response embedding failed, skipping echo check", zap.Error(err))
			return response, nil
		}

		isEcho, sim, err := g.maxSimilarity(ctx, vec)
		if err != nil {
			g.logger.Warn("Echo history read failed, accepting response", zap.Error(err))
			g.storeEmbedding(ctx, vec)
			return response, nil
		}

		if !isEcho {
			g.storeEmbedding(ctx, vec)
			return response, nil
		}

		regen++
		g.logger.Warn("Echo detected",
			zap.Int("attempt", regen),
			zap.Int("max_attempts", g.cfg.MaxAttempts),
			zap.Float32("similarity", sim),
		)

		if regen <= g.cfg.MaxAttempts {
			if regen >= g.cfg.StripContextOnAttempt {
				work = StripMemoryOverlays(work)
			}
			preview := safeTruncate(response, 200)
			work = append(work, memory.Message{Role: memory.RoleSystem, Content: escalationOverlay(regen, preview)})
			continue
		}

		// Attempts exhausted: accept, marked.
		g.storeEmbedding(ctx, vec)
		if len(strings.TrimSpace(response)) < 3 {
			return "[SYSTEM INTERVENTION] The assistant could not produce a distinct response. Try rephrasing or changing topic.", nil
		}
		return "[REPEATED] " + response, nil
	}
}

// maxSimilarity compares a vector against the recent response set.
func (g *EchoGuard) maxSimilarity(ctx context.Context, vec []float32) (bool, float32, error) {
	recent, err := g.store.RecentResponseEmbeddings(ctx)
	if err != nil {
		return false, 0, err
	}
	var max float32
	for _, r := range recent {
		if sim := CosineSimilarity(vec, r); sim > max {
			max = sim
		}
	}
	return max >= g.cfg.SimilarityThreshold, max, nil
}

func (g *EchoGuard) storeEmbedding(ctx context.Context, vec []float32) {
	if err := g.store.PushResponseEmbedding(ctx, vec, g.cfg.HistorySize); err != nil {
		g.logger.Warn("Failed to store response embedding", zap.Error(err))
	}
}

// CosineSimilarity is zero for mismatched or zero-length vectors.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
