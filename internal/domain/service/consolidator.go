package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vicw/vicw/internal/domain/memory"
	"github.com/vicw/vicw/pkg/safego"
)

// ConsolidatorConfig tunes the sleep cycle.
type ConsolidatorConfig struct {
	Interval     time.Duration
	AgeThreshold time.Duration
	GroupSize    int
	MaxEvents    int
}

// Consolidator is the sleep cycle: on each tick it collects aged Events
// that no MacroEvent has absorbed yet, summarizes them in groups, and
// MERGEs a MacroEvent with CONSOLIDATED_INTO edges from each source.
// Source events stay in the graph; consolidation is additive so the
// audit trail survives.
type Consolidator struct {
	graph     memory.GraphStore
	extractor *Extractor
	embedder  memory.Embedder
	vectors   memory.VectorIndex
	cfg       ConsolidatorConfig
	logger    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsolidator wires the sleep cycle.
func NewConsolidator(graph memory.GraphStore, extractor *Extractor, embedder memory.Embedder, vectors memory.VectorIndex, cfg ConsolidatorConfig, logger *zap.Logger) *Consolidator {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.AgeThreshold <= 0 {
		cfg.AgeThreshold = 10 * time.Minute
	}
	if cfg.GroupSize < 2 {
		cfg.GroupSize = 5
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 50
	}
	return &Consolidator{
		graph:     graph,
		extractor: extractor,
		embedder:  embedder,
		vectors:   vectors,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "sleep-cycle")),
	}
}

// Start begins the periodic cycle.
func (c *Consolidator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	safego.Go(c.logger, "sleep-cycle", func() {
		defer close(c.done)
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := c.RunOnce(ctx); err != nil {
					c.logger.Warn("Sleep cycle pass failed", zap.Error(err))
				} else if n > 0 {
					c.logger.Info("Sleep cycle consolidated events", zap.Int("macro_events", n))
				}
			}
		}
	})
}

// Stop cancels the cycle and waits for the current pass.
func (c *Consolidator) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// RunOnce performs a single consolidation pass and returns the number
// of MacroEvents created. Groups smaller than two events are skipped.
func (c *Consolidator) RunOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-c.cfg.AgeThreshold)
	events, err := c.graph.GetOldEvents(ctx, cutoff, c.cfg.MaxEvents)
	if err != nil {
		return 0, err
	}
	if len(events) < 2 {
		return 0, nil
	}

	created := 0
	for start := 0; start < len(events); start += c.cfg.GroupSize {
		end := start + c.cfg.GroupSize
		if end > len(events) {
			end = len(events)
		}
		group := events[start:end]
		if len(group) < 2 {
			break
		}

		texts := make([]string, 0, len(group))
		uids := make([]string, 0, len(group))
		for _, ev := range group {
			text := ev.Name
			if ev.Description != "" {
				text += ": " + ev.Description
			}
			texts = append(texts, text)
			uids = append(uids, ev.UID)
		}

		summary := c.extractor.Summarize(ctx, texts)
		macroUID, err := c.graph.MergeMacroEvent(ctx, summary, uids)
		if err != nil {
			c.logger.Warn("MacroEvent merge failed", zap.Error(err))
			continue
		}
		c.indexMacroEvent(ctx, macroUID, summary)
		created++
	}
	return created, nil
}

func (c *Consolidator) indexMacroEvent(ctx context.Context, uid, summary string) {
	vec, err := c.embedder.Embed(ctx, summary)
	if err != nil {
		c.logger.Warn("MacroEvent embedding failed", zap.Error(err))
		return
	}
	point := memory.VectorPoint{
		PointID: deterministicPointID(uid),
		Vector:  vec,
		Payload: memory.VectorPayload{
			Domain: "general",
			NodeID: uid,
			Name:   "MacroEvent",
			Type:   "MacroEvent",
			Chunk:  summary,
		},
	}
	if err := c.vectors.Upsert(ctx, point); err != nil {
		c.logger.Warn("MacroEvent upsert failed", zap.Error(err))
	}
}
