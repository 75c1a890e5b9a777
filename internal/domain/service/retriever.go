package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vicw/vicw/internal/domain/memory"
)

// RetrieverConfig tunes the hybrid retrieval pipeline.
type RetrieverConfig struct {
	TopKSemantic   int
	TopKRelational int
	ScoreFloor     float32
}

// HybridRetriever answers a query in four phases: classify intent,
// filtered vector scan with a score floor, one-hop graph expansion
// around the survivors, and synthesis into a RAGResult. Injection into
// the window is left to the context manager.
type HybridRetriever struct {
	extractor *Extractor
	embedder  memory.Embedder
	vectors   memory.VectorIndex
	graph     memory.GraphStore
	chunks    memory.ChunkStore
	cfg       RetrieverConfig
	logger    *zap.Logger
}

// NewHybridRetriever wires the retrieval side.
func NewHybridRetriever(extractor *Extractor, embedder memory.Embedder, vectors memory.VectorIndex, graph memory.GraphStore, chunks memory.ChunkStore, cfg RetrieverConfig, logger *zap.Logger) *HybridRetriever {
	if cfg.TopKSemantic <= 0 {
		cfg.TopKSemantic = 2
	}
	if cfg.TopKRelational <= 0 {
		cfg.TopKRelational = 5
	}
	if cfg.ScoreFloor <= 0 {
		cfg.ScoreFloor = 0.4
	}
	return &HybridRetriever{
		extractor: extractor,
		embedder:  embedder,
		vectors:   vectors,
		graph:     graph,
		chunks:    chunks,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "retriever")),
	}
}

// Query runs the four-phase retrieval. k <= 0 uses the configured
// semantic top-k.
func (r *HybridRetriever) Query(ctx context.Context, query string, k int) (memory.RAGResult, error) {
	start := time.Now()
	if k <= 0 {
		k = r.cfg.TopKSemantic
	}

	// Phase 1: intent → optional domain filter.
	intent := r.extractor.ClassifyIntent(ctx, query)
	var domains []string
	if intent == IntentCoding || intent == IntentCreative {
		domains = []string{intent, "general"}
	}

	// Phase 2: filtered kNN with score floor.
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return memory.RAGResult{}, fmt.Errorf("embed query: %w", err)
	}
	hits, err := r.vectors.Search(ctx, vec, k, domains, r.cfg.ScoreFloor)
	if err != nil {
		return memory.RAGResult{}, fmt.Errorf("vector search: %w", err)
	}

	result := memory.RAGResult{}
	var nodeIDs []string
	var missingJobIDs []string
	for _, h := range hits {
		if h.Payload.NodeID != "" {
			nodeIDs = append(nodeIDs, h.Payload.NodeID)
		}
		switch {
		case h.Payload.Chunk != "":
			result.SemanticChunks = append(result.SemanticChunks, h.Payload.Chunk)
		case h.Payload.JobID != "":
			missingJobIDs = append(missingJobIDs, h.Payload.JobID)
		case h.Payload.Name != "":
			result.SemanticChunks = append(result.SemanticChunks,
				fmt.Sprintf("[%s: %s]", h.Payload.Type, h.Payload.Name))
		}
	}

	// Chunk texts not carried in the payload come from the KV store.
	if len(missingJobIDs) > 0 {
		records, err := r.chunks.GetChunksByIDs(ctx, missingJobIDs, "summary", "chunk_text")
		if err != nil {
			r.logger.Warn("Chunk hydration failed", zap.Error(err))
		} else {
			for _, rec := range records {
				text := rec.Summary
				if text == "" {
					text = rec.ChunkText
				}
				if text != "" {
					result.SemanticChunks = append(result.SemanticChunks, text)
				}
			}
		}
	}

	// Phase 3: one-hop graph expansion around the surviving nodes.
	if len(nodeIDs) > 0 {
		expansions, err := r.graph.ExpandMetaphysicalContext(ctx, nodeIDs)
		if err != nil {
			r.logger.Warn("Graph expansion failed", zap.Error(err))
		} else {
			result.RelationalFacts = synthesizeFacts(expansions, r.cfg.TopKRelational)
		}
	}

	result.TimeMS = float64(time.Since(start).Microseconds()) / 1000.0
	r.logger.Debug("Retrieval complete",
		zap.String("intent", intent),
		zap.Int("semantic", len(result.SemanticChunks)),
		zap.Int("relational", len(result.RelationalFacts)),
		zap.Float64("time_ms", result.TimeMS),
	)
	return result, nil
}

// synthesizeFacts renders each expanded node as "[Type: Name] desc"
// with indented relationship lines, capped at limit facts.
func synthesizeFacts(expansions []memory.NodeExpansion, limit int) []string {
	var facts []string
	for _, exp := range expansions {
		if len(facts) >= limit {
			break
		}
		var b strings.Builder
		b.WriteString(fmt.Sprintf("[%s: %s]", exp.Type, exp.Name))
		if exp.Description != "" {
			b.WriteString(" " + exp.Description)
		}
		for _, c := range exp.Consequences {
			b.WriteString("\n  → caused: " + c)
		}
		for _, a := range exp.Agents {
			b.WriteString("\n  ← initiated by: " + a)
		}
		for _, n := range exp.NextSteps {
			b.WriteString("\n  → next: " + n)
		}
		facts = append(facts, b.String())
	}
	return facts
}
