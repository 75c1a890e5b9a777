package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vicw/vicw/internal/domain/memory"
	"github.com/vicw/vicw/pkg/safego"
)

// WorkerConfig tunes the cold-path consumer.
type WorkerConfig struct {
	Workers      int
	BatchSize    int
	PauseSleep   time.Duration
	EmptySleep   time.Duration
	ErrorBackoff time.Duration
}

// WorkerStats is a snapshot of cold-path progress.
type WorkerStats struct {
	ProcessedCount int64   `json:"processed_count"`
	FailedCount    int64   `json:"failed_count"`
	Paused         bool    `json:"paused"`
	SuccessRate    float64 `json:"success_rate"`
}

// IngestionWorker drains the offload queue and runs each job through
// the five-stage pipeline: persist raw chunk first, extract, materialize
// Context, materialize Chunk, then Entities and Events with Contextual
// Wrapper embeddings and edges. It is pausable so generation on the hot
// path never competes with embedding work.
type IngestionWorker struct {
	queue     *OffloadQueue
	extractor *Extractor
	chunks    memory.ChunkStore
	vectors   memory.VectorIndex
	graph     memory.GraphStore
	embedder  memory.Embedder
	states    *StateExtractor
	cfg       WorkerConfig
	logger    *zap.Logger

	paused    atomic.Bool
	processed atomic.Int64
	failed    atomic.Int64

	cancel context.CancelFunc
	done   <-chan struct{}
}

// NewIngestionWorker wires the cold path.
func NewIngestionWorker(queue *OffloadQueue, extractor *Extractor, chunks memory.ChunkStore, vectors memory.VectorIndex, graph memory.GraphStore, embedder memory.Embedder, cfg WorkerConfig, logger *zap.Logger) *IngestionWorker {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 3
	}
	if cfg.PauseSleep <= 0 {
		cfg.PauseSleep = 100 * time.Millisecond
	}
	if cfg.EmptySleep <= 0 {
		cfg.EmptySleep = 500 * time.Millisecond
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &IngestionWorker{
		queue:     queue,
		extractor: extractor,
		chunks:    chunks,
		vectors:   vectors,
		graph:     graph,
		embedder:  embedder,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "ingestion-worker")),
	}
}

// WithStateExtractor enables rule-based state tracking on ingested
// chunks. Must be called before Start.
func (w *IngestionWorker) WithStateExtractor(states *StateExtractor) *IngestionWorker {
	w.states = states
	return w
}

// Start launches the consumer loop. Idempotent start is not supported;
// call once.
func (w *IngestionWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	// The consumer loop must outlive a panicking job batch; it is
	// supervised and relaunched after the error backoff.
	w.done = safego.GoRestart(ctx, w.logger, "ingestion-loop", w.cfg.ErrorBackoff, func() {
		w.loop(ctx)
	})
	w.logger.Info("Ingestion worker started",
		zap.Int("workers", w.cfg.Workers),
		zap.Int("batch_size", w.cfg.BatchSize),
	)
}

// Stop cancels the loop and waits for in-flight jobs to finish.
func (w *IngestionWorker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.logger.Info("Ingestion worker stopped",
		zap.Int64("processed", w.processed.Load()),
		zap.Int64("failed", w.failed.Load()),
	)
}

// Pause makes the loop yield until Resume. Held during LLM generation.
func (w *IngestionWorker) Pause() { w.paused.Store(true) }

// Resume releases a Pause.
func (w *IngestionWorker) Resume() { w.paused.Store(false) }

// Stats snapshots the counters.
func (w *IngestionWorker) Stats() WorkerStats {
	processed := w.processed.Load()
	failed := w.failed.Load()
	rate := 1.0
	if processed+failed > 0 {
		rate = float64(processed) / float64(processed+failed)
	}
	return WorkerStats{
		ProcessedCount: processed,
		FailedCount:    failed,
		Paused:         w.paused.Load(),
		SuccessRate:    rate,
	}
}

func (w *IngestionWorker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if w.paused.Load() {
			sleepCtx(ctx, w.cfg.PauseSleep)
			continue
		}

		batch := w.queue.DequeueBatch(w.cfg.BatchSize)
		if len(batch) == 0 {
			sleepCtx(ctx, w.cfg.EmptySleep)
			continue
		}

		// Jobs in a batch run concurrently, bounded by the worker count.
		sem := make(chan struct{}, w.cfg.Workers)
		var wg sync.WaitGroup
		var succeeded atomic.Int64
		for _, job := range batch {
			job := job
			sem <- struct{}{}
			wg.Add(1)
			safego.Go(w.logger, "ingest-job", func() {
				defer wg.Done()
				defer func() { <-sem }()
				if err := w.ProcessJob(ctx, job); err != nil {
					w.failed.Add(1)
					w.logger.Error("Job failed",
						zap.String("job_id", job.JobID),
						zap.Error(err),
					)
					sleepCtx(ctx, w.cfg.ErrorBackoff)
					return
				}
				w.processed.Add(1)
				succeeded.Add(1)
			})
		}
		wg.Wait()
		w.queue.MarkProcessed(int(succeeded.Load()))
	}
}

// ProcessJob runs one offload job through the five stages. A job counts
// as success once the raw chunk, Context, and Chunk node are committed;
// entity/event failures degrade to warnings so provenance is never lost.
func (w *IngestionWorker) ProcessJob(ctx context.Context, job memory.OffloadJob) error {
	domain := job.Metadata.Domain
	if domain == "" {
		domain = "general"
	}

	// Stage 1: raw chunk + extractive summary into KV, before any LLM
	// call, so a downstream failure never loses the source text.
	summary := ExtractiveSummary(job.ChunkText, 500)
	if err := w.chunks.StoreChunk(ctx, job, summary); err != nil {
		return fmt.Errorf("store chunk: %w", err)
	}
	w.indexChunkSummary(ctx, job, summary, domain)

	// Stage 2: extraction. Empty on failure, never fatal.
	extraction := w.extractor.Extract(ctx, job.ChunkText, domain)

	// State transitions ride along with extraction; failures degrade.
	if w.states != nil {
		w.applyStateChanges(ctx, job.ChunkText)
	}

	// Stage 3: Context node, deterministic in domain.
	ctxUID, err := w.graph.MergeContext(ctx, domain)
	if err != nil {
		return fmt.Errorf("merge context: %w", err)
	}

	// Stage 4: Chunk node for provenance.
	snippet := safeTruncate(job.ChunkText, 300)
	chunkUID, err := w.graph.CreateChunkNode(ctx, job.JobID, snippet)
	if err != nil {
		return fmt.Errorf("create chunk node: %w", err)
	}

	// Stage 5: entities first, then events.
	for _, ent := range extraction.Entities {
		uid, err := w.graph.MergeEntity(ctx, domain, ent)
		if err != nil {
			w.logger.Warn("Entity merge failed", zap.String("name", ent.Name), zap.Error(err))
			continue
		}
		w.indexNode(ctx, domain, uid, ent.Name, ent.Subtype, "Entity", ent.Description, true)
		w.linkNode(ctx, "Entity", uid, ctxUID, chunkUID)
	}

	flowID := job.Metadata.ThreadID
	if flowID == "" {
		flowID = job.JobID
	}
	var eventUIDs []string
	for step, ev := range extraction.Events {
		uid, err := w.graph.MergeEvent(ctx, domain, ev, flowID, step)
		if err != nil {
			w.logger.Warn("Event merge failed", zap.String("name", ev.Name), zap.Error(err))
			continue
		}
		eventUIDs = append(eventUIDs, uid)
		w.indexNode(ctx, domain, uid, ev.Name, ev.Subtype, "Event", ev.Description, false)
		w.linkNode(ctx, "Event", uid, ctxUID, chunkUID)

		// INITIATED edges: entity uids re-derive deterministically from
		// domain:name, so the agent need not appear in this batch.
		for _, agent := range ev.CausedBy {
			agentUID := memory.EntityUID(domain, agent)
			if err := w.graph.MergeEdge(ctx, "Entity", agentUID, "INITIATED", "Event", uid); err != nil {
				w.logger.Warn("INITIATED edge skipped",
					zap.String("agent", agent),
					zap.String("event", ev.Name),
					zap.Error(err),
				)
			}
		}
	}

	// Stage 6: NEXT edges between consecutive events of this flow.
	for i := 1; i < len(eventUIDs); i++ {
		if err := w.graph.MergeEdge(ctx, "Event", eventUIDs[i-1], "NEXT", "Event", eventUIDs[i]); err != nil {
			w.logger.Warn("NEXT edge skipped", zap.Error(err))
		}
	}

	w.logger.Info("Job ingested",
		zap.String("job_id", job.JobID),
		zap.String("domain", domain),
		zap.Int("entities", len(extraction.Entities)),
		zap.Int("events", len(extraction.Events)),
	)
	return nil
}

// applyStateChanges maps detected transitions onto graph state nodes:
// completions and invalidations close the matching active state, while
// creations dedupe against similar active states before inserting.
func (w *IngestionWorker) applyStateChanges(ctx context.Context, text string) {
	for _, change := range w.states.ExtractStates(text) {
		existing, err := w.graph.FindSimilarState(ctx, change.Type, change.Description)
		if err != nil {
			w.logger.Warn("State lookup failed", zap.Error(err))
			continue
		}
		switch change.Status {
		case memory.StatusActive:
			if existing != nil {
				continue
			}
			st := memory.State{
				ID:          memory.RandomUID(),
				Type:        change.Type,
				Description: change.Description,
				Status:      memory.StatusActive,
				Created:     time.Now(),
				Updated:     time.Now(),
			}
			if err := w.graph.CreateState(ctx, st); err != nil {
				w.logger.Warn("State create failed", zap.Error(err))
			}
		default:
			if existing == nil {
				// Completion of a state we never tracked; nothing to close.
				continue
			}
			if err := w.graph.UpdateStateStatus(ctx, existing.ID, change.Status); err != nil {
				w.logger.Warn("State transition failed", zap.Error(err))
			}
		}
	}
}

// indexChunkSummary upserts a summary-level vector so retrieval can
// land on raw conversation even when extraction found nothing.
func (w *IngestionWorker) indexChunkSummary(ctx context.Context, job memory.OffloadJob, summary, domain string) {
	vec, err := w.embedder.Embed(ctx, summary)
	if err != nil {
		w.logger.Warn("Chunk summary embedding failed", zap.String("job_id", job.JobID), zap.Error(err))
		return
	}
	point := memory.VectorPoint{
		PointID: deterministicPointID(job.JobID),
		Vector:  vec,
		Payload: memory.VectorPayload{
			Domain: domain,
			JobID:  job.JobID,
			Chunk:  summary,
			Type:   "Chunk",
		},
	}
	if err := w.vectors.Upsert(ctx, point); err != nil {
		w.logger.Warn("Chunk summary upsert failed", zap.String("job_id", job.JobID), zap.Error(err))
	}
}

// indexNode embeds the node's Contextual Wrapper and upserts its vector
// point. The wrapper carries the disambiguating frame so identically
// named items in different domains land apart in vector space.
func (w *IngestionWorker) indexNode(ctx context.Context, domain, uid, name, subtype, nodeType, description string, deterministic bool) {
	wrapper := ContextualWrapper(domain, subtype, name, description)
	vec, err := w.embedder.Embed(ctx, wrapper)
	if err != nil {
		w.logger.Warn("Node embedding failed", zap.String("name", name), zap.Error(err))
		return
	}
	pointID := memory.RandomUID()
	if deterministic {
		// Re-ingesting the same entity reuses its point.
		pointID = deterministicPointID(uid)
	}
	point := memory.VectorPoint{
		PointID: pointID,
		Vector:  vec,
		Payload: memory.VectorPayload{
			Domain:  domain,
			NodeID:  uid,
			Subtype: subtype,
			Name:    name,
			Type:    nodeType,
		},
	}
	if err := w.vectors.Upsert(ctx, point); err != nil {
		w.logger.Warn("Vector upsert failed", zap.String("name", name), zap.Error(err))
	}
}

func (w *IngestionWorker) linkNode(ctx context.Context, label, uid, ctxUID, chunkUID string) {
	if err := w.graph.MergeEdge(ctx, label, uid, "BELONGS_TO", "Context", ctxUID); err != nil {
		w.logger.Warn("BELONGS_TO edge skipped", zap.Error(err))
	}
	if err := w.graph.MergeEdge(ctx, "Chunk", chunkUID, "MENTIONS", label, uid); err != nil {
		w.logger.Warn("MENTIONS edge skipped", zap.Error(err))
	}
}

// ContextualWrapper builds the embedding frame for a graph node.
func ContextualWrapper(domain, subtype, name, description string) string {
	return fmt.Sprintf("[Domain: %s] [Type: %s] [Name: %s] %s", domain, subtype, name, description)
}

// deterministicPointID derives a stable vector point id from a node or
// job identity.
func deterministicPointID(key string) string {
	return memory.EntityUID("point", key)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
