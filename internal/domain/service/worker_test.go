package service

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/vicw/vicw/internal/domain/memory"
)

const causalExtraction = `{
  "entities": [
    {"name": "Alice", "subtype": "Person", "description": "engineer"},
    {"name": "Bob", "subtype": "Person", "description": "analyst"}
  ],
  "events": [
    {"name": "Meeting", "subtype": "Action", "description": "sync meeting", "caused_by": ["Alice"], "next_event": "Report"},
    {"name": "Report", "subtype": "Action", "description": "status report", "caused_by": ["Bob"], "next_event": null}
  ]
}`

func newTestWorker(llm *fakeLLM, chunks *fakeChunkStore, vectors *fakeVectorIndex, graph *fakeGraph) *IngestionWorker {
	ex := NewExtractor(llm, 0.1, 500, zap.NewNop())
	q := NewOffloadQueue(10, zap.NewNop())
	return NewIngestionWorker(q, ex, chunks, vectors, graph, newFakeEmbedder(), WorkerConfig{
		Workers:    2,
		BatchSize:  3,
		PauseSleep: 5 * time.Millisecond,
		EmptySleep: 5 * time.Millisecond,
	}, zap.NewNop())
}

func causalJob() memory.OffloadJob {
	return memory.NewOffloadJob(
		"user: Alice called a meeting.\nassistant: Bob wrote the report afterwards.",
		memory.JobMetadata{Domain: "work", ThreadID: "F"}, 20, 2,
	)
}

// === Ingestion Pipeline Tests ===

func TestIngestCausalGraph(t *testing.T) {
	llm := &fakeLLM{responses: []string{causalExtraction}}
	chunks := newFakeChunkStore()
	vectors := &fakeVectorIndex{}
	graph := newFakeGraph()
	w := newTestWorker(llm, chunks, vectors, graph)

	job := causalJob()
	if err := w.ProcessJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}

	// Nodes.
	for _, name := range []string{"Alice", "Bob"} {
		if _, ok := graph.nodeByName("Entity", name); !ok {
			t.Fatalf("entity %s missing", name)
		}
	}
	meeting, ok := graph.nodeByName("Event", "Meeting")
	if !ok {
		t.Fatal("event Meeting missing")
	}
	report, ok := graph.nodeByName("Event", "Report")
	if !ok {
		t.Fatal("event Report missing")
	}
	if meeting.FlowID != "F" || report.FlowID != "F" {
		t.Fatalf("flow id not propagated: %q, %q", meeting.FlowID, report.FlowID)
	}
	if !(meeting.FlowStep < report.FlowStep) {
		t.Fatalf("flow steps out of order: %d, %d", meeting.FlowStep, report.FlowStep)
	}

	// INITIATED edges from deterministic entity uids.
	initiated := graph.edgesOf("INITIATED")
	wantInitiated := map[string]string{
		memory.EntityUID("work", "Alice"): meeting.UID,
		memory.EntityUID("work", "Bob"):   report.UID,
	}
	if len(initiated) != 2 {
		t.Fatalf("expected 2 INITIATED edges, got %d", len(initiated))
	}
	for _, e := range initiated {
		if wantInitiated[e.FromUID] != e.ToUID {
			t.Fatalf("unexpected INITIATED edge %+v", e)
		}
	}

	// NEXT linkage within the flow.
	next := graph.edgesOf("NEXT")
	if len(next) != 1 || next[0].FromUID != meeting.UID || next[0].ToUID != report.UID {
		t.Fatalf("expected Meeting-NEXT->Report, got %+v", next)
	}

	// Chunk MENTIONS all four nodes.
	mentions := graph.edgesOf("MENTIONS")
	if len(mentions) != 4 {
		t.Fatalf("expected 4 MENTIONS edges, got %d", len(mentions))
	}
	// Every non-chunk node BELONGS_TO the work Context.
	ctxUID := memory.ContextUID("work")
	for _, e := range graph.edgesOf("BELONGS_TO") {
		if e.ToUID != ctxUID {
			t.Fatalf("BELONGS_TO points at wrong context: %+v", e)
		}
	}

	// Raw chunk persisted with summary before everything else.
	if rec, ok := chunks.chunks[job.JobID]; !ok || rec.Summary == "" {
		t.Fatal("raw chunk with summary not persisted")
	}
}

func TestIngestIdempotentEntities(t *testing.T) {
	llm := &fakeLLM{responses: []string{causalExtraction}}
	graph := newFakeGraph()
	vectors := &fakeVectorIndex{}
	w := newTestWorker(llm, newFakeChunkStore(), vectors, graph)

	if err := w.ProcessJob(context.Background(), causalJob()); err != nil {
		t.Fatal(err)
	}
	entityPoints := len(vectors.points)
	if err := w.ProcessJob(context.Background(), causalJob()); err != nil {
		t.Fatal(err)
	}

	// Entities collapse by deterministic uid; their points are reused.
	entities := 0
	for _, n := range graph.nodes {
		if n.Label == "Entity" {
			entities++
		}
	}
	if entities != 2 {
		t.Fatalf("re-ingestion must not duplicate entities, got %d", entities)
	}
	// Second pass adds: 1 chunk point (deterministic per new job id),
	// 2 event points; entity points overwrite in place.
	if got := len(vectors.points); got != entityPoints+3 {
		t.Fatalf("expected %d points after re-ingest, got %d", entityPoints+3, got)
	}
}

func TestIngestExtractionFailureKeepsProvenance(t *testing.T) {
	llm := &fakeLLM{responses: []string{"no JSON here, just prose"}}
	chunks := newFakeChunkStore()
	graph := newFakeGraph()
	w := newTestWorker(llm, chunks, &fakeVectorIndex{}, graph)

	job := causalJob()
	if err := w.ProcessJob(context.Background(), job); err != nil {
		t.Fatalf("empty extraction must not fail the job: %v", err)
	}
	if _, ok := chunks.chunks[job.JobID]; !ok {
		t.Fatal("chunk must be persisted even with empty extraction")
	}
	if _, ok := graph.nodeByName("Chunk", job.JobID); !ok {
		t.Fatal("chunk node must exist for provenance")
	}
}

func TestIngestKVFailureFailsJob(t *testing.T) {
	llm := &fakeLLM{responses: []string{causalExtraction}}
	chunks := newFakeChunkStore()
	chunks.storeErr = errFake
	w := newTestWorker(llm, chunks, &fakeVectorIndex{}, newFakeGraph())

	if err := w.ProcessJob(context.Background(), causalJob()); err == nil {
		t.Fatal("stage-1 persistence failure must fail the job")
	}
}

// === Worker Loop Tests ===

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWorkerLoopDrainsQueue(t *testing.T) {
	llm := &fakeLLM{responses: []string{causalExtraction}}
	w := newTestWorker(llm, newFakeChunkStore(), &fakeVectorIndex{}, newFakeGraph())
	w.queue.Enqueue(causalJob())
	w.queue.Enqueue(causalJob())

	w.Start(context.Background())
	defer w.Stop()

	waitFor(t, 2*time.Second, func() bool { return w.Stats().ProcessedCount == 2 })
	if w.queue.Stats().ProcessedTotal != 2 {
		t.Fatalf("queue processed counter mismatch: %+v", w.queue.Stats())
	}
}

func TestWorkerPauseHoldsJobs(t *testing.T) {
	llm := &fakeLLM{responses: []string{causalExtraction}}
	w := newTestWorker(llm, newFakeChunkStore(), &fakeVectorIndex{}, newFakeGraph())

	w.Pause()
	w.Start(context.Background())
	defer w.Stop()

	w.queue.Enqueue(causalJob())
	time.Sleep(100 * time.Millisecond)
	if got := w.Stats().ProcessedCount; got != 0 {
		t.Fatalf("paused worker must not process, got %d", got)
	}

	w.Resume()
	waitFor(t, 2*time.Second, func() bool { return w.Stats().ProcessedCount == 1 })
}

// === Sleep Cycle Tests ===

func TestConsolidatorGroupsOldEvents(t *testing.T) {
	graph := newFakeGraph()
	for _, name := range []string{"e1", "e2", "e3", "e4", "e5"} {
		graph.oldEvents = append(graph.oldEvents, memory.NodeExpansion{
			UID: memory.RandomUID(), Name: name, Type: "Event", Description: name + " happened",
		})
	}
	llm := &fakeLLM{responses: []string{"A compact summary of the era."}}
	ex := NewExtractor(llm, 0.1, 500, zap.NewNop())
	vectors := &fakeVectorIndex{}
	c := NewConsolidator(graph, ex, newFakeEmbedder(), vectors, ConsolidatorConfig{
		GroupSize: 3,
	}, zap.NewNop())

	n, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// Five events, groups of three: one full group plus a pair.
	if n != 2 {
		t.Fatalf("expected 2 macro events, got %d", n)
	}

	consolidated := graph.edgesOf("CONSOLIDATED_INTO")
	if len(consolidated) != 5 {
		t.Fatalf("every source event should link to its macro event, got %d edges", len(consolidated))
	}
	macroEvents := 0
	for _, node := range graph.nodes {
		if node.Label == "MacroEvent" {
			macroEvents++
		}
	}
	if macroEvents != 2 {
		t.Fatalf("expected 2 MacroEvent nodes, got %d", macroEvents)
	}
	if len(vectors.points) != 2 {
		t.Fatalf("macro events should be indexed, got %d points", len(vectors.points))
	}
}

func TestConsolidatorSkipsSingletons(t *testing.T) {
	graph := newFakeGraph()
	graph.oldEvents = []memory.NodeExpansion{{UID: "only", Name: "lonely", Type: "Event"}}
	ex := NewExtractor(&fakeLLM{responses: []string{"s"}}, 0.1, 500, zap.NewNop())
	c := NewConsolidator(graph, ex, newFakeEmbedder(), &fakeVectorIndex{}, ConsolidatorConfig{}, zap.NewNop())

	n, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("a single event must not consolidate, got %d", n)
	}
}
