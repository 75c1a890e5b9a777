package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message in the working buffer.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn. Messages are created on append,
// evicted only as part of a chunk, and never mutated in place.
type Message struct {
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	Timestamp     time.Time `json:"timestamp"`
	TokenEstimate int       `json:"token_estimate"`
}

// NewMessage stamps a message with the current time and a token estimate.
func NewMessage(role Role, content string, est TokenEstimator) Message {
	return Message{
		Role:          role,
		Content:       content,
		Timestamp:     time.Now(),
		TokenEstimate: est.Estimate(string(role) + ": " + content),
	}
}

// ArchivePlaceholderPrefix marks a system message standing in for an
// evicted slice of the buffer.
const ArchivePlaceholderPrefix = "[ARCHIVED mem_id:"

// ArchivePlaceholder renders the placeholder card inserted where an
// evicted slice used to live.
func ArchivePlaceholder(jobID string, tokens, msgs int) string {
	return fmt.Sprintf("[ARCHIVED mem_id:%s tokens:%d msgs:%d]", jobID, tokens, msgs)
}

// IsPlaceholder reports whether a message is an archive placeholder card.
func (m Message) IsPlaceholder() bool {
	return m.Role == RoleSystem && strings.HasPrefix(m.Content, ArchivePlaceholderPrefix)
}

// JobMetadata travels with an offload job into cold-path storage.
type JobMetadata struct {
	Domain    string `json:"domain"`
	ThreadID  string `json:"thread_id"`
	ReliefNum int    `json:"relief_num"`
}

// OffloadJob carries one evicted chunk of conversation from the hot path
// to the ingestion worker. Consumed at most once.
type OffloadJob struct {
	JobID        string      `json:"job_id"`
	ChunkText    string      `json:"chunk_text"`
	Metadata     JobMetadata `json:"metadata"`
	Timestamp    time.Time   `json:"timestamp"`
	TokenCount   int         `json:"token_count"`
	MessageCount int         `json:"message_count"`
}

// NewOffloadJob assigns a fresh job id of the form "job_<hex>".
func NewOffloadJob(chunkText string, meta JobMetadata, tokenCount, messageCount int) OffloadJob {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return OffloadJob{
		JobID:        "job_" + id,
		ChunkText:    chunkText,
		Metadata:     meta,
		Timestamp:    time.Now(),
		TokenCount:   tokenCount,
		MessageCount: messageCount,
	}
}

// MetadataJSON serializes job metadata for the KV chunk hash.
func (j OffloadJob) MetadataJSON() string {
	b, err := json.Marshal(j.Metadata)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// PinnedHeader is the never-evicted head of the working buffer: goals,
// constraints, definitions, the current plan, and active entities.
type PinnedHeader struct {
	Goals          []string
	Constraints    []string
	Definitions    []string
	CurrentPlan    string
	ActiveEntities []string
}

// IsEmpty reports whether the header has nothing to render.
func (h PinnedHeader) IsEmpty() bool {
	return len(h.Goals) == 0 && len(h.Constraints) == 0 && len(h.Definitions) == 0 &&
		h.CurrentPlan == "" && len(h.ActiveEntities) == 0
}

// Render produces the [PINNED STATE] block injected at the head of the
// context window.
func (h PinnedHeader) Render() string {
	var b strings.Builder
	b.WriteString("[PINNED STATE]\n")
	writeSection := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		b.WriteString(title + ":\n")
		for _, it := range items {
			b.WriteString("- " + it + "\n")
		}
	}
	writeSection("Goals", h.Goals)
	writeSection("Constraints", h.Constraints)
	writeSection("Definitions", h.Definitions)
	if h.CurrentPlan != "" {
		b.WriteString("Current plan: " + h.CurrentPlan + "\n")
	}
	writeSection("Active entities", h.ActiveEntities)
	b.WriteString("[END PINNED STATE]")
	return b.String()
}

// TurnResult is the outcome of one conversational turn: the reply plus
// the window accounting the caller reports back to the client.
type TurnResult struct {
	Response         string
	Timestamp        time.Time
	TokensInContext  int
	RAGItemsInjected int
}

// RAGResult is what the retriever hands back to the context manager:
// semantic chunk texts plus relational facts from graph expansion.
type RAGResult struct {
	SemanticChunks  []string
	RelationalFacts []string
	TimeMS          float64
}

// ItemCount is the number of retrieved items across both halves.
func (r RAGResult) ItemCount() int {
	return len(r.SemanticChunks) + len(r.RelationalFacts)
}

// ToContextMessage renders the retrieval block injected into the window.
// Returns "" when nothing was retrieved.
func (r RAGResult) ToContextMessage() string {
	if r.ItemCount() == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[RETRIEVED LONG-TERM KNOWLEDGE]\n")
	if len(r.SemanticChunks) > 0 {
		b.WriteString("[SEMANTIC MEMORY]\n")
		for i, c := range r.SemanticChunks {
			b.WriteString(fmt.Sprintf("%d. %s\n", i+1, c))
		}
	}
	if len(r.RelationalFacts) > 0 {
		b.WriteString("[RELATIONAL STATE]\n")
		for _, f := range r.RelationalFacts {
			b.WriteString(f + "\n")
		}
	}
	b.WriteString("[END RETRIEVED KNOWLEDGE]")
	return b.String()
}

// StateType classifies a loop-prevention state node.
type StateType string

const (
	StateGoal     StateType = "goal"
	StateTask     StateType = "task"
	StateDecision StateType = "decision"
	StateFact     StateType = "fact"
)

// StateStatus is the lifecycle of a state node.
type StateStatus string

const (
	StatusActive    StateStatus = "active"
	StatusCompleted StateStatus = "completed"
	StatusInvalid   StateStatus = "invalid"
)

// State is a loop-prevention node stored in the graph. VisitCount grows
// each time the state is injected into context and resets to zero on any
// status transition away from active.
type State struct {
	ID          string
	Type        StateType
	Description string
	Status      StateStatus
	Created     time.Time
	Updated     time.Time
	VisitCount  int
	LastVisited float64
}

// ChunkRecord is the stored form of an offloaded chunk in the KV store.
type ChunkRecord struct {
	JobID        string
	ChunkText    string
	Summary      string
	Metadata     string
	Timestamp    string
	TokenCount   string
	MessageCount string
}
