package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/vicw/vicw/internal/domain/memory"
)

// BoredomTracker builds the [STATE MEMORY] block and keeps fatigue
// accounting on the state nodes it injects: every injection bumps the
// node's visit count, and a node visited past the threshold without a
// status transition earns a loop warning. Progress — any transition out
// of active — resets the counter.
type BoredomTracker struct {
	graph     memory.GraphStore
	limits    map[memory.StateType]int
	threshold int
	logger    *zap.Logger
}

// DefaultStateInjectionLimits bounds how many states of each type are
// injected per turn.
func DefaultStateInjectionLimits() map[memory.StateType]int {
	return map[memory.StateType]int{
		memory.StateGoal:     2,
		memory.StateTask:     3,
		memory.StateDecision: 2,
		memory.StateFact:     3,
	}
}

// NewBoredomTracker wires the tracker to the graph store.
func NewBoredomTracker(graph memory.GraphStore, limits map[memory.StateType]int, threshold int, logger *zap.Logger) *BoredomTracker {
	if limits == nil {
		limits = DefaultStateInjectionLimits()
	}
	if threshold <= 0 {
		threshold = 5
	}
	return &BoredomTracker{
		graph:     graph,
		limits:    limits,
		threshold: threshold,
		logger:    logger.With(zap.String("component", "boredom-tracker")),
	}
}

// injection order keeps the rendered block stable across turns.
var stateTypeOrder = []memory.StateType{
	memory.StateGoal,
	memory.StateTask,
	memory.StateDecision,
	memory.StateFact,
}

// BuildStateMemory reads the bounded set of active states per type plus
// recently completed ones, increments visit counts on exactly the
// injected active uids, and renders the block. Returns "" when there is
// nothing to inject.
func (b *BoredomTracker) BuildStateMemory(ctx context.Context) (string, error) {
	var active []memory.State
	for _, typ := range stateTypeOrder {
		limit := b.limits[typ]
		if limit <= 0 {
			continue
		}
		states, err := b.graph.GetStatesByStatus(ctx, memory.StatusActive, typ, limit)
		if err != nil {
			return "", err
		}
		active = append(active, states...)
	}

	var completed []memory.State
	for _, typ := range []memory.StateType{memory.StateGoal, memory.StateTask} {
		states, err := b.graph.GetStatesByStatus(ctx, memory.StatusCompleted, typ, 2)
		if err != nil {
			b.logger.Warn("Completed state read failed", zap.Error(err))
			continue
		}
		completed = append(completed, states...)
	}

	if len(active) == 0 && len(completed) == 0 {
		return "", nil
	}

	if len(active) > 0 {
		ids := make([]string, len(active))
		for i, st := range active {
			ids[i] = st.ID
		}
		if err := b.graph.IncrementStateVisits(ctx, ids); err != nil {
			b.logger.Warn("Visit increment failed", zap.Error(err))
		}
	}

	var bored []memory.State
	for _, st := range active {
		// The read returned pre-increment counts; this injection is one more.
		if st.VisitCount+1 > b.threshold {
			bored = append(bored, st)
		}
	}

	var sb strings.Builder
	sb.WriteString(StateMemoryPrefix + "\n")
	for _, st := range bored {
		sb.WriteString(fmt.Sprintf(
			"⚠️ LOOP DETECTED: %q has been revisited %d times without progress. Shift focus to a different goal, subtask, or topic.\n",
			st.Description, st.VisitCount+1,
		))
		b.logger.Warn("Loop detected on state",
			zap.String("state_id", st.ID),
			zap.String("type", string(st.Type)),
			zap.Int("visit_count", st.VisitCount+1),
		)
	}
	if len(active) > 0 {
		sb.WriteString("Active:\n")
		for _, st := range active {
			sb.WriteString(fmt.Sprintf("- [%s] %s\n", st.Type, st.Description))
		}
	}
	if len(completed) > 0 {
		sb.WriteString("Completed:\n")
		for _, st := range completed {
			sb.WriteString(fmt.Sprintf("- [%s] %s\n", st.Type, st.Description))
		}
	}
	sb.WriteString("[END STATE MEMORY]")
	return sb.String(), nil
}

// Threshold exposes the configured boredom threshold.
func (b *BoredomTracker) Threshold() int { return b.threshold }
