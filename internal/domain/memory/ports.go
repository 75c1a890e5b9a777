package memory

import (
	"context"
	"time"
)

// ExtractedEntity is a noun the extractor found in a chunk: a file, a
// person, a variable, a place.
type ExtractedEntity struct {
	Name        string `json:"name"`
	Subtype     string `json:"subtype"`
	Description string `json:"description"`
}

// ExtractedEvent is a timestamped action. CausedBy names the entities
// that initiated it; NextEvent names the event that follows it in the
// same flow, when the extractor can tell.
type ExtractedEvent struct {
	Name        string   `json:"name"`
	Subtype     string   `json:"subtype"`
	Description string   `json:"description"`
	CausedBy    []string `json:"caused_by"`
	NextEvent   string   `json:"next_event"`
}

// ExtractionResult is the normalized output of the extractor. A failed
// extraction is represented by empty slices, never by an error.
type ExtractionResult struct {
	Entities []ExtractedEntity `json:"entities"`
	Events   []ExtractedEvent  `json:"events"`
}

// VectorPoint is one entry in the vector index. Payload carries the
// disambiguating frame used by retrieval filters.
type VectorPoint struct {
	PointID string
	Vector  []float32
	Payload VectorPayload
}

// VectorPayload is stored alongside each vector point.
type VectorPayload struct {
	Domain  string
	NodeID  string
	Subtype string
	Name    string
	Type    string
	JobID   string
	Chunk   string
}

// SearchHit is a scored result from a kNN query.
type SearchHit struct {
	PointID string
	Score   float32
	Payload VectorPayload
}

// NodeExpansion is one hop of graph context around a retrieved node:
// its consequences (CAUSED out), its agents (INITIATED in), and the
// next step in its flow (NEXT out).
type NodeExpansion struct {
	UID          string
	Name         string
	Type         string
	Description  string
	Consequences []string
	Agents       []string
	NextSteps    []string
}

// ChunkStore is the KV port: raw chunk persistence plus the bounded
// recent-response embedding set used by the echo guard.
type ChunkStore interface {
	StoreChunk(ctx context.Context, job OffloadJob, summary string) error
	GetChunksByIDs(ctx context.Context, jobIDs []string, fields ...string) ([]ChunkRecord, error)
	RecentChunkIDs(ctx context.Context, limit int) ([]string, error)
	PushResponseEmbedding(ctx context.Context, vec []float32, maxEntries int) error
	RecentResponseEmbeddings(ctx context.Context) ([][]float32, error)
	Ping(ctx context.Context) error
}

// VectorIndex is the vector-database port. A nil filter means an
// unfiltered scan; scoreFloor excludes weaker matches.
type VectorIndex interface {
	Upsert(ctx context.Context, point VectorPoint) error
	Search(ctx context.Context, vec []float32, k int, domains []string, scoreFloor float32) ([]SearchHit, error)
	CollectionInfo(ctx context.Context) (map[string]any, error)
}

// GraphStore is the knowledge-graph port. Writes are idempotent MERGEs;
// deterministic uids collapse duplicates across concurrent workers.
type GraphStore interface {
	MergeContext(ctx context.Context, domain string) (string, error)
	MergeEntity(ctx context.Context, domain string, e ExtractedEntity) (string, error)
	MergeEvent(ctx context.Context, domain string, ev ExtractedEvent, flowID string, flowStep int) (string, error)
	MergeConcept(ctx context.Context, domain, name, description string) (string, error)
	CreateChunkNode(ctx context.Context, jobID, snippet string) (string, error)
	MergeMacroEvent(ctx context.Context, summary string, sourceEventUIDs []string) (string, error)
	MergeEdge(ctx context.Context, fromLabel, fromUID, relType, toLabel, toUID string) error

	ExpandMetaphysicalContext(ctx context.Context, uids []string) ([]NodeExpansion, error)
	GetOldEvents(ctx context.Context, olderThan time.Time, limit int) ([]NodeExpansion, error)

	CreateState(ctx context.Context, st State) error
	FindSimilarState(ctx context.Context, typ StateType, description string) (*State, error)
	UpdateStateStatus(ctx context.Context, id string, status StateStatus) error
	GetStatesByStatus(ctx context.Context, status StateStatus, typ StateType, limit int) ([]State, error)
	IncrementStateVisits(ctx context.Context, ids []string) error

	Ping(ctx context.Context) error
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// GenerateOptions tune a single LLM call.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
	JSONMode    bool
}

// ChatModel is the LLM port used by the extractor and the echo guard.
type ChatModel interface {
	Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, error)
}
