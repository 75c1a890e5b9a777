package service

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/vicw/vicw/internal/domain/memory"
)

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("w ", n))
}

func newTestCM(maxTokens int, target float64, retriever MemoryRetriever, boredom *BoredomTracker) (*ContextManager, *OffloadQueue) {
	q := NewOffloadQueue(10, zap.NewNop())
	cm := NewContextManager(ContextConfig{
		MaxContextTokens:    maxTokens,
		OffloadThreshold:    0.8,
		TargetAfterRelief:   target,
		HysteresisThreshold: 0.7,
		Domain:              "general",
	}, q, retriever, boredom, memory.WordEstimator{}, zap.NewNop())
	return cm, q
}

// === Pressure Relief Tests ===

func TestPressureReliefSingleRelief(t *testing.T) {
	cm, q := newTestCM(1000, 0.5, nil, nil)

	// Nine user turns of ~100 tokens each: crosses 800 once.
	for i := 0; i < 9; i++ {
		cm.Append(memory.RoleUser, words(74)) // ~100 tokens with role tag
	}

	stats := cm.Stats()
	if stats.OffloadCount != 1 {
		t.Fatalf("expected exactly one relief, got %d", stats.OffloadCount)
	}
	if stats.CurrentTokens > 500+10 { // placeholder card costs a few tokens
		t.Fatalf("post-relief tokens should be near target 500, got %d", stats.CurrentTokens)
	}
	if q.Size() != 1 {
		t.Fatalf("expected one queued job, got %d", q.Size())
	}

	window := cm.Window()
	if !window[0].IsPlaceholder() {
		t.Fatalf("expected placeholder card at head, got %q", window[0].Content)
	}
}

func TestHysteresisSuppressesRetrigger(t *testing.T) {
	cm, q := newTestCM(1000, 0.5, nil, nil)
	for i := 0; i < 9; i++ {
		cm.Append(memory.RoleUser, words(74))
	}
	if cm.Stats().OffloadCount != 1 {
		t.Fatalf("setup expected one relief, got %d", cm.Stats().OffloadCount)
	}

	// ~50 more tokens: total ~550, below the 700 re-trigger line.
	cm.Append(memory.RoleUser, words(36))

	stats := cm.Stats()
	if stats.OffloadCount != 1 {
		t.Fatalf("hysteresis should suppress a second relief, got %d", stats.OffloadCount)
	}
	if q.Size() != 1 {
		t.Fatalf("queue should still hold one job, got %d", q.Size())
	}
}

func TestReliefRetriggersAboveHysteresis(t *testing.T) {
	cm, _ := newTestCM(1000, 0.5, nil, nil)
	for i := 0; i < 9; i++ {
		cm.Append(memory.RoleUser, words(74))
	}
	// Push back over both the 700 re-trigger line and the 800 trigger.
	for i := 0; i < 4; i++ {
		cm.Append(memory.RoleUser, words(74))
	}
	if got := cm.Stats().OffloadCount; got != 2 {
		t.Fatalf("expected second relief after climbing past hysteresis, got %d", got)
	}
}

func TestReliefRefusesWhenOnlySystemMessages(t *testing.T) {
	cm, q := newTestCM(100, 0.5, nil, nil)

	// System-only content over threshold: nothing evictable.
	cm.Append(memory.RoleSystem, words(80))
	cm.Append(memory.RoleSystem, words(80))

	if q.Size() != 0 {
		t.Fatal("system-only buffer must not be evicted")
	}
	if cm.Stats().OffloadCount != 0 {
		t.Fatal("no relief should be recorded")
	}
}

func TestPlaceholderReferencesQueuedJob(t *testing.T) {
	cm, q := newTestCM(1000, 0.5, nil, nil)
	for i := 0; i < 9; i++ {
		cm.Append(memory.RoleUser, words(74))
	}

	batch := q.DequeueBatch(1)
	if len(batch) != 1 {
		t.Fatal("expected one job in queue")
	}
	card := cm.Window()[0]
	if !strings.Contains(card.Content, batch[0].JobID) {
		t.Fatalf("placeholder %q does not reference job %s", card.Content, batch[0].JobID)
	}
	if batch[0].Metadata.ReliefNum != 1 {
		t.Fatalf("expected relief_num=1, got %d", batch[0].Metadata.ReliefNum)
	}
}

// === Window / Pinned Header Tests ===

func TestWindowIncludesPinnedHeaderFirst(t *testing.T) {
	cm, _ := newTestCM(1000, 0.5, nil, nil)
	cm.SetPinnedHeader(memory.PinnedHeader{Goals: []string{"ship it"}})
	cm.Append(memory.RoleUser, "hello")

	window := cm.Window()
	if len(window) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(window))
	}
	if !strings.HasPrefix(window[0].Content, "[PINNED STATE]") {
		t.Fatalf("pinned header must lead the window, got %q", window[0].Content)
	}
}

func TestPinnedHeaderSurvivesReliefAndReset(t *testing.T) {
	cm, _ := newTestCM(1000, 0.5, nil, nil)
	cm.SetPinnedHeader(memory.PinnedHeader{Goals: []string{"persist"}})
	for i := 0; i < 9; i++ {
		cm.Append(memory.RoleUser, words(74))
	}
	if !strings.HasPrefix(cm.Window()[0].Content, "[PINNED STATE]") {
		t.Fatal("pinned header evicted by relief")
	}

	cm.Reset()
	window := cm.Window()
	if len(window) != 1 || !strings.HasPrefix(window[0].Content, "[PINNED STATE]") {
		t.Fatal("pinned header must survive reset")
	}
	if cm.Stats().OffloadCount != 0 || cm.Stats().LastReliefTokens != 0 {
		t.Fatal("reset must clear counters")
	}
}

// === Augment Tests ===

type scriptedRetriever struct {
	result memory.RAGResult
	err    error
}

func (s scriptedRetriever) Query(context.Context, string, int) (memory.RAGResult, error) {
	return s.result, s.err
}

func TestAugmentInsertsBeforeLastUser(t *testing.T) {
	r := scriptedRetriever{result: memory.RAGResult{SemanticChunks: []string{"old fact"}}}
	cm, _ := newTestCM(1000, 0.5, r, nil)

	cm.Append(memory.RoleUser, "first question")
	cm.Append(memory.RoleAssistant, "first answer")
	cm.Append(memory.RoleUser, "second question")

	n := cm.Augment(context.Background(), "second question")
	if n != 1 {
		t.Fatalf("expected 1 injected item, got %d", n)
	}

	window := cm.Window()
	if len(window) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(window))
	}
	if !strings.HasPrefix(window[2].Content, RetrievedKnowledgePrefix) {
		t.Fatalf("retrieval block should sit before the last user turn, window: %+v", window)
	}
	if window[3].Role != memory.RoleUser {
		t.Fatal("last user turn displaced")
	}
}

func TestAugmentRetrieverFailureDegrades(t *testing.T) {
	cm, _ := newTestCM(1000, 0.5, scriptedRetriever{err: errFake}, nil)
	cm.Append(memory.RoleUser, "q")
	if n := cm.Augment(context.Background(), "q"); n != 0 {
		t.Fatalf("failed retrieval must inject zero items, got %d", n)
	}
	if len(cm.Window()) != 1 {
		t.Fatal("window must be untouched on retrieval failure")
	}
}

func TestStripMemoryOverlays(t *testing.T) {
	window := []memory.Message{
		{Role: memory.RoleSystem, Content: "[PINNED STATE]\nx\n[END PINNED STATE]"},
		{Role: memory.RoleUser, Content: "q"},
		{Role: memory.RoleSystem, Content: RetrievedKnowledgePrefix + "\nstuff"},
		{Role: memory.RoleSystem, Content: StateMemoryPrefix + "\nstates"},
		{Role: memory.RoleAssistant, Content: "a"},
	}
	stripped := StripMemoryOverlays(window)
	if len(stripped) != 3 {
		t.Fatalf("expected 3 messages after strip, got %d", len(stripped))
	}
	for _, m := range stripped {
		if strings.HasPrefix(m.Content, RetrievedKnowledgePrefix) || strings.HasPrefix(m.Content, StateMemoryPrefix) {
			t.Fatalf("overlay survived strip: %q", m.Content)
		}
	}
}
