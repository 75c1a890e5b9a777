package service

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/vicw/vicw/internal/domain/memory"
)

// MemoryRetriever is what the context manager needs from the retrieval
// side: one query in, one synthesized result out.
type MemoryRetriever interface {
	Query(ctx context.Context, query string, k int) (memory.RAGResult, error)
}

// ContextConfig holds the pressure policy and session identity.
type ContextConfig struct {
	MaxContextTokens    int
	OffloadThreshold    float64
	TargetAfterRelief   float64
	HysteresisThreshold float64
	Domain              string
	ThreadID            string
}

// ContextStats is a snapshot for /stats and the CLI.
type ContextStats struct {
	CurrentTokens      int     `json:"current_tokens"`
	MaxTokens          int     `json:"max_tokens"`
	PressurePercentage float64 `json:"pressure_percentage"`
	MessageCount       int     `json:"message_count"`
	OffloadCount       int     `json:"offload_count"`
	LastReliefTokens   int     `json:"last_relief_tokens"`
}

// RetrievedKnowledgePrefix and StateMemoryPrefix mark the overlay
// messages the echo guard may strip on its final retry.
const (
	RetrievedKnowledgePrefix = "[RETRIEVED LONG-TERM KNOWLEDGE]"
	StateMemoryPrefix        = "[STATE MEMORY]"
)

// ContextManager owns the hot-path working buffer. Appends are cheap;
// when the estimated token count crosses the offload threshold the
// oldest non-system slice is shed onto the queue and replaced by a
// placeholder card. The hysteresis gap between the trigger and the
// re-trigger threshold prevents relief thrash: shedding only "enough to
// fit" would fire again on every subsequent message.
type ContextManager struct {
	mu        sync.Mutex
	cfg       ContextConfig
	est       memory.TokenEstimator
	queue     *OffloadQueue
	retriever MemoryRetriever
	boredom   *BoredomTracker
	logger    *zap.Logger

	working          []memory.Message
	pinned           memory.PinnedHeader
	offloadCount     int
	lastReliefTokens int
	placeholders     map[string]int
}

// NewContextManager wires the hot path. retriever and boredom may be nil
// (augmentation then degrades to a no-op).
func NewContextManager(cfg ContextConfig, queue *OffloadQueue, retriever MemoryRetriever, boredom *BoredomTracker, est memory.TokenEstimator, logger *zap.Logger) *ContextManager {
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = 4096
	}
	if cfg.OffloadThreshold <= 0 {
		cfg.OffloadThreshold = 0.80
	}
	if cfg.TargetAfterRelief <= 0 {
		cfg.TargetAfterRelief = 0.60
	}
	if cfg.HysteresisThreshold <= 0 {
		cfg.HysteresisThreshold = 0.70
	}
	if cfg.Domain == "" {
		cfg.Domain = "general"
	}
	return &ContextManager{
		cfg:          cfg,
		est:          est,
		queue:        queue,
		retriever:    retriever,
		boredom:      boredom,
		logger:       logger.With(zap.String("component", "context-manager")),
		placeholders: map[string]int{},
	}
}

// SetPinnedHeader replaces the never-evicted head of the window.
func (cm *ContextManager) SetPinnedHeader(h memory.PinnedHeader) {
	cm.mu.Lock()
	cm.pinned = h
	cm.mu.Unlock()
}

// Append adds a turn to the working buffer and relieves pressure when
// the threshold policy says so. Non-blocking: enqueue never awaits I/O.
func (cm *ContextManager) Append(role memory.Role, content string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.working = append(cm.working, memory.NewMessage(role, content, cm.est))

	tokens := cm.tokenCountLocked()
	triggerAt := int(cm.cfg.OffloadThreshold * float64(cm.cfg.MaxContextTokens))
	rearmAt := int(cm.cfg.HysteresisThreshold * float64(cm.cfg.MaxContextTokens))

	if tokens <= triggerAt {
		return
	}
	// Hysteresis: after a relief, stay quiet until pressure climbs back
	// above the re-trigger threshold.
	if cm.lastReliefTokens != 0 && tokens <= rearmAt {
		return
	}
	cm.relieveLocked(tokens)
}

// relieveLocked sheds the oldest non-system messages until the buffer
// fits under the target, then swaps in one placeholder card.
func (cm *ContextManager) relieveLocked(tokensBefore int) {
	target := int(cm.cfg.TargetAfterRelief * float64(cm.cfg.MaxContextTokens))

	var extracted []memory.Message
	insertAt := -1
	tokens := tokensBefore

	for tokens > target {
		idx := cm.oldestEvictableLocked()
		if idx < 0 {
			break
		}
		if insertAt < 0 {
			insertAt = idx
		}
		msg := cm.working[idx]
		cm.working = append(cm.working[:idx], cm.working[idx+1:]...)
		extracted = append(extracted, msg)
		tokens -= cm.est.Estimate(string(msg.Role) + ": " + msg.Content)
	}

	if len(extracted) == 0 {
		cm.logger.Warn("Pressure over threshold but nothing evictable",
			zap.Int("tokens", tokensBefore),
			zap.Int("max_tokens", cm.cfg.MaxContextTokens),
		)
		return
	}

	lines := make([]string, 0, len(extracted))
	chunkTokens := 0
	for _, m := range extracted {
		lines = append(lines, string(m.Role)+": "+m.Content)
		chunkTokens += cm.est.Estimate(string(m.Role) + ": " + m.Content)
	}

	cm.offloadCount++
	job := memory.NewOffloadJob(strings.Join(lines, "\n"), memory.JobMetadata{
		Domain:    cm.cfg.Domain,
		ThreadID:  cm.cfg.ThreadID,
		ReliefNum: cm.offloadCount,
	}, chunkTokens, len(extracted))

	cm.queue.Enqueue(job)
	cm.placeholders[job.JobID] = len(extracted)

	card := memory.Message{
		Role:      memory.RoleSystem,
		Content:   memory.ArchivePlaceholder(job.JobID, chunkTokens, len(extracted)),
		Timestamp: extracted[0].Timestamp,
	}
	card.TokenEstimate = cm.est.Estimate(string(card.Role) + ": " + card.Content)
	if insertAt > len(cm.working) {
		insertAt = len(cm.working)
	}
	cm.working = append(cm.working[:insertAt], append([]memory.Message{card}, cm.working[insertAt:]...)...)

	cm.lastReliefTokens = cm.tokenCountLocked()
	cm.logger.Info("Pressure relief completed",
		zap.String("job_id", job.JobID),
		zap.Int("evicted_messages", len(extracted)),
		zap.Int("evicted_tokens", chunkTokens),
		zap.Int("tokens_before", tokensBefore),
		zap.Int("tokens_after", cm.lastReliefTokens),
	)
}

// oldestEvictableLocked finds the first message that is neither pinned
// system content nor a placeholder card.
func (cm *ContextManager) oldestEvictableLocked() int {
	for i, m := range cm.working {
		if m.Role == memory.RoleSystem {
			continue
		}
		return i
	}
	return -1
}

// Window returns the ordered context: pinned header first, then the
// working buffer.
func (cm *ContextManager) Window() []memory.Message {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	out := make([]memory.Message, 0, len(cm.working)+1)
	if !cm.pinned.IsEmpty() {
		out = append(out, memory.Message{Role: memory.RoleSystem, Content: cm.pinned.Render()})
	}
	out = append(out, cm.working...)
	return out
}

// Augment retrieves long-term memories for the query and injects them
// as a system message right before the most recent user turn, then
// appends the state-memory block. Returns the number of retrieved
// items; retrieval failure degrades to zero, the turn proceeds.
func (cm *ContextManager) Augment(ctx context.Context, query string) int {
	injected := 0

	if cm.retriever != nil {
		result, err := cm.retriever.Query(ctx, query, 0)
		if err != nil {
			cm.logger.Warn("Retrieval failed, continuing without augmentation", zap.Error(err))
		} else if block := result.ToContextMessage(); block != "" {
			cm.insertBeforeLastUser(block)
			injected = result.ItemCount()
		}
	}

	if cm.boredom != nil {
		block, err := cm.boredom.BuildStateMemory(ctx)
		if err != nil {
			cm.logger.Warn("State memory build failed", zap.Error(err))
		} else if block != "" {
			cm.mu.Lock()
			cm.working = append(cm.working, memory.NewMessage(memory.RoleSystem, block, cm.est))
			cm.mu.Unlock()
		}
	}
	return injected
}

func (cm *ContextManager) insertBeforeLastUser(content string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	msg := memory.NewMessage(memory.RoleSystem, content, cm.est)
	for i := len(cm.working) - 1; i >= 0; i-- {
		if cm.working[i].Role == memory.RoleUser {
			cm.working = append(cm.working[:i], append([]memory.Message{msg}, cm.working[i:]...)...)
			return
		}
	}
	cm.working = append(cm.working, msg)
}

// Reset clears the buffer, counters, and placeholder markers. The
// pinned header survives.
func (cm *ContextManager) Reset() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.working = nil
	cm.offloadCount = 0
	cm.lastReliefTokens = 0
	cm.placeholders = map[string]int{}
	cm.logger.Info("Context reset")
}

// TokenCount estimates the whole window, pinned header included.
func (cm *ContextManager) TokenCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.tokenCountLocked()
}

func (cm *ContextManager) tokenCountLocked() int {
	total := memory.EstimateMessages(cm.est, cm.working)
	if !cm.pinned.IsEmpty() {
		total += cm.est.Estimate("system: " + cm.pinned.Render())
	}
	return total
}

// Stats snapshots the buffer for /stats.
func (cm *ContextManager) Stats() ContextStats {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	tokens := cm.tokenCountLocked()
	return ContextStats{
		CurrentTokens:      tokens,
		MaxTokens:          cm.cfg.MaxContextTokens,
		PressurePercentage: float64(tokens) / float64(cm.cfg.MaxContextTokens) * 100,
		MessageCount:       len(cm.working),
		OffloadCount:       cm.offloadCount,
		LastReliefTokens:   cm.lastReliefTokens,
	}
}

// StripMemoryOverlays filters retrieved-knowledge and state-memory
// system messages out of a window copy. The echo guard uses it on its
// final regeneration attempt.
func StripMemoryOverlays(window []memory.Message) []memory.Message {
	out := make([]memory.Message, 0, len(window))
	for _, m := range window {
		if m.Role == memory.RoleSystem &&
			(strings.HasPrefix(m.Content, RetrievedKnowledgePrefix) ||
				strings.HasPrefix(m.Content, StateMemoryPrefix)) {
			continue
		}
		out = append(out, m)
	}
	return out
}
