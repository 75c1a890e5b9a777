package service

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/vicw/vicw/internal/domain/memory"
)

func newTestRetriever(vectors *fakeVectorIndex, graph *fakeGraph, llm *fakeLLM) *HybridRetriever {
	if llm == nil {
		llm = &fakeLLM{responses: []string{"general"}}
	}
	ex := NewExtractor(llm, 0.1, 500, zap.NewNop())
	return NewHybridRetriever(ex, newFakeEmbedder(), vectors, graph, newFakeChunkStore(), RetrieverConfig{
		TopKSemantic:   5,
		TopKRelational: 5,
		ScoreFloor:     0.4,
	}, zap.NewNop())
}

// === Retriever Tests ===

func TestRetrievalScoreFloor(t *testing.T) {
	vectors := &fakeVectorIndex{hits: []memory.SearchHit{
		{PointID: "p1", Score: 0.72, Payload: memory.VectorPayload{Chunk: "c72", Domain: "general"}},
		{PointID: "p2", Score: 0.55, Payload: memory.VectorPayload{Chunk: "c55", Domain: "general"}},
		{PointID: "p3", Score: 0.41, Payload: memory.VectorPayload{Chunk: "c41", Domain: "general"}},
		{PointID: "p4", Score: 0.38, Payload: memory.VectorPayload{Chunk: "c38", Domain: "general"}},
		{PointID: "p5", Score: 0.12, Payload: memory.VectorPayload{Chunk: "c12", Domain: "general"}},
	}}
	r := newTestRetriever(vectors, newFakeGraph(), nil)

	result, err := r.Query(context.Background(), "anything", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.SemanticChunks) != 3 {
		t.Fatalf("floor 0.4 should keep exactly 3 hits, got %d: %v", len(result.SemanticChunks), result.SemanticChunks)
	}
	for _, c := range result.SemanticChunks {
		if c == "c38" || c == "c12" {
			t.Fatalf("sub-floor hit leaked: %s", c)
		}
	}
}

func TestRetrievalDomainFilterForCodingIntent(t *testing.T) {
	vectors := &fakeVectorIndex{hits: []memory.SearchHit{
		{PointID: "p1", Score: 0.9, Payload: memory.VectorPayload{Chunk: "code chunk", Domain: "coding"}},
		{PointID: "p2", Score: 0.9, Payload: memory.VectorPayload{Chunk: "general chunk", Domain: "general"}},
		{PointID: "p3", Score: 0.9, Payload: memory.VectorPayload{Chunk: "fiction chunk", Domain: "creative"}},
	}}
	llm := &fakeLLM{responses: []string{"coding"}}
	r := newTestRetriever(vectors, newFakeGraph(), llm)

	result, err := r.Query(context.Background(), "debug the parser", 5)
	if err != nil {
		t.Fatal(err)
	}
	joined := strings.Join(result.SemanticChunks, "|")
	if strings.Contains(joined, "fiction chunk") {
		t.Fatalf("creative-domain hit should be filtered for coding intent: %s", joined)
	}
	if !strings.Contains(joined, "code chunk") || !strings.Contains(joined, "general chunk") {
		t.Fatalf("coding OR general domains should pass: %s", joined)
	}
}

func TestRetrievalGraphExpansion(t *testing.T) {
	graph := newFakeGraph()
	graph.expansions = []memory.NodeExpansion{{
		UID:          "ev1",
		Name:         "Meeting",
		Type:         "Event",
		Description:  "weekly sync",
		Consequences: []string{"Report"},
		Agents:       []string{"Alice"},
		NextSteps:    []string{"Report"},
	}}
	vectors := &fakeVectorIndex{hits: []memory.SearchHit{
		{PointID: "p1", Score: 0.8, Payload: memory.VectorPayload{NodeID: "ev1", Name: "Meeting", Type: "Event", Domain: "general"}},
	}}
	r := newTestRetriever(vectors, graph, nil)

	result, err := r.Query(context.Background(), "what happened in the meeting", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.RelationalFacts) != 1 {
		t.Fatalf("expected one relational fact, got %d", len(result.RelationalFacts))
	}
	fact := result.RelationalFacts[0]
	for _, want := range []string{"[Event: Meeting]", "weekly sync", "→ caused: Report", "← initiated by: Alice", "→ next: Report"} {
		if !strings.Contains(fact, want) {
			t.Fatalf("fact missing %q:\n%s", want, fact)
		}
	}
}

func TestRetrievalEmptyIndex(t *testing.T) {
	r := newTestRetriever(&fakeVectorIndex{}, newFakeGraph(), nil)
	result, err := r.Query(context.Background(), "anything", 5)
	if err != nil {
		t.Fatal(err)
	}
	if result.ItemCount() != 0 {
		t.Fatalf("empty index should yield empty result, got %+v", result)
	}
}

func TestRetrievalEmbedFailureIsError(t *testing.T) {
	embedder := newFakeEmbedder()
	embedder.err = errFake
	ex := NewExtractor(&fakeLLM{responses: []string{"general"}}, 0.1, 500, zap.NewNop())
	r := NewHybridRetriever(ex, embedder, &fakeVectorIndex{}, newFakeGraph(), newFakeChunkStore(), RetrieverConfig{}, zap.NewNop())

	if _, err := r.Query(context.Background(), "q", 1); err == nil {
		t.Fatal("embedding failure should surface as an error")
	}
}

func TestRetrievalRelationalCap(t *testing.T) {
	graph := newFakeGraph()
	for _, uid := range []string{"a", "b", "c"} {
		graph.expansions = append(graph.expansions, memory.NodeExpansion{UID: uid, Name: uid, Type: "Entity"})
	}
	vectors := &fakeVectorIndex{hits: []memory.SearchHit{
		{PointID: "p1", Score: 0.9, Payload: memory.VectorPayload{NodeID: "a", Domain: "general"}},
		{PointID: "p2", Score: 0.9, Payload: memory.VectorPayload{NodeID: "b", Domain: "general"}},
		{PointID: "p3", Score: 0.9, Payload: memory.VectorPayload{NodeID: "c", Domain: "general"}},
	}}
	ex := NewExtractor(&fakeLLM{responses: []string{"general"}}, 0.1, 500, zap.NewNop())
	r := NewHybridRetriever(ex, newFakeEmbedder(), vectors, graph, newFakeChunkStore(), RetrieverConfig{
		TopKSemantic: 5, TopKRelational: 2, ScoreFloor: 0.4,
	}, zap.NewNop())

	result, err := r.Query(context.Background(), "q", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.RelationalFacts) != 2 {
		t.Fatalf("relational facts should be capped at 2, got %d", len(result.RelationalFacts))
	}
}
