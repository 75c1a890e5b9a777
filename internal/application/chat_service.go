package application

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vicw/vicw/internal/domain/memory"
	"github.com/vicw/vicw/internal/domain/service"
	apperrors "github.com/vicw/vicw/pkg/errors"
)

// ChatService runs one conversational turn end to end: append the user
// message (which may shed pressure onto the offload queue), augment the
// window with retrieved memory, generate behind the echo guard, and
// append the reply. The ingestion worker is paused for the duration of
// the generation so the cold path does not compete for the LLM backend.
type ChatService struct {
	contexts *service.ContextManager
	guard    *service.EchoGuard
	worker   *service.IngestionWorker
	queue    *service.OffloadQueue
	vectors  memory.VectorIndex
	logger   *zap.Logger
}

func NewChatService(
	contexts *service.ContextManager,
	guard *service.EchoGuard,
	worker *service.IngestionWorker,
	queue *service.OffloadQueue,
	logger *zap.Logger,
) *ChatService {
	return &ChatService{
		contexts: contexts,
		guard:    guard,
		worker:   worker,
		queue:    queue,
		logger:   logger.With(zap.String("component", "chat-service")),
	}
}

// WithVectorIndex adds the vector collection to the stats snapshot.
func (s *ChatService) WithVectorIndex(vectors memory.VectorIndex) *ChatService {
	s.vectors = vectors
	return s
}

// Chat processes one user turn. useRAG false skips memory augmentation
// for this turn only; the window and the cold path are unaffected.
func (s *ChatService) Chat(ctx context.Context, userMessage string, useRAG bool) (memory.TurnResult, error) {
	if userMessage == "" {
		return memory.TurnResult{}, apperrors.NewInvalidInputError("message must not be empty")
	}

	s.contexts.Append(memory.RoleUser, userMessage)
	injected := 0
	if useRAG {
		injected = s.contexts.Augment(ctx, userMessage)
	}

	if s.worker != nil {
		s.worker.Pause()
		defer s.worker.Resume()
	}

	reply, err := s.guard.Generate(ctx, s.contexts.Window())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return memory.TurnResult{}, apperrors.NewTimeoutError("generation timed out", err)
		}
		return memory.TurnResult{}, apperrors.NewInternalErrorWithCause("generation failed", err)
	}

	s.contexts.Append(memory.RoleAssistant, reply)
	s.logger.Debug("Turn complete",
		zap.Int("injected_overlays", injected),
		zap.Int("context_tokens", s.contexts.TokenCount()),
	)
	return memory.TurnResult{
		Response:         reply,
		Timestamp:        time.Now().UTC(),
		TokensInContext:  s.contexts.TokenCount(),
		RAGItemsInjected: injected,
	}, nil
}

// Stats snapshots the hot path, the queue, and the cold path.
func (s *ChatService) Stats() map[string]any {
	out := map[string]any{
		"context": s.contexts.Stats(),
		"queue":   s.queue.Stats(),
	}
	if s.worker != nil {
		out["worker"] = s.worker.Stats()
	}
	if s.vectors != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if info, err := s.vectors.CollectionInfo(ctx); err == nil {
			out["vector_collection"] = info
		}
	}
	return out
}

// Reset clears the working context. Long-term stores are untouched.
func (s *ChatService) Reset() {
	s.contexts.Reset()
}
