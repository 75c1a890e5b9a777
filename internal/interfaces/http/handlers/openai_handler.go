package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/vicw/vicw/pkg/errors"
)

// OpenAIHandler implements an OpenAI Chat Completions compatible
// surface over the memory engine. Only the last user message enters
// the engine; the engine's own window is the conversation history, so
// client-side history in the request is ignored.
type OpenAIHandler struct {
	chat   ChatService
	model  string
	logger *zap.Logger
}

func NewOpenAIHandler(chat ChatService, model string, logger *zap.Logger) *OpenAIHandler {
	if model == "" {
		model = "vicw"
	}
	return &OpenAIHandler{chat: chat, model: model, logger: logger}
}

// ChatCompletionRequest mirrors OpenAI's request format.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages" binding:"required"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatStreamChunk struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []ChatStreamChoice `json:"choices"`
}

type ChatStreamChoice struct {
	Index        int             `json:"index"`
	Delta        ChatStreamDelta `json:"delta"`
	FinishReason *string         `json:"finish_reason"`
}

type ChatStreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// OpenAIModel is one entry in the /v1/models response.
type OpenAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelsResponse struct {
	Object string        `json:"object"`
	Data   []OpenAIModel `json:"data"`
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	if h.chat == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("memory engine not initialized", "server_error"))
		return
	}

	var req ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error(), "invalid_request_error"))
		return
	}
	lastUser := lastUserMessage(req.Messages)
	if lastUser == "" {
		c.JSON(http.StatusBadRequest, errorResponse("no user message in request", "invalid_request_error"))
		return
	}

	if req.Stream {
		h.handleStream(c, lastUser)
		return
	}
	h.handleNonStream(c, lastUser)
}

func (h *OpenAIHandler) handleNonStream(c *gin.Context, userMessage string) {
	res, err := h.chat.Chat(c.Request.Context(), userMessage, true)
	if err != nil {
		h.logger.Error("Completion failed", zap.Error(err))
		c.JSON(apperrors.HTTPStatus(err), errorResponse(err.Error(), "server_error"))
		return
	}
	reply := res.Response

	c.JSON(http.StatusOK, ChatCompletionResponse{
		ID:      fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   h.model,
		Choices: []ChatChoice{
			{
				Index:        0,
				Message:      ChatMessage{Role: "assistant", Content: reply},
				FinishReason: "stop",
			},
		},
		Usage: &ChatUsage{
			PromptTokens:     len(userMessage) / 4,
			CompletionTokens: len(reply) / 4,
			TotalTokens:      (len(userMessage) + len(reply)) / 4,
		},
	})
}

// handleStream generates the full guarded reply first, then streams it
// out as SSE deltas. The echo guard needs the complete response to
// score it, so true token-level passthrough is not possible here.
func (h *OpenAIHandler) handleStream(c *gin.Context, userMessage string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	completionID := fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
	created := time.Now().Unix()

	h.writeSSEChunk(c.Writer, ChatStreamChunk{
		ID: completionID, Object: "chat.completion.chunk", Created: created, Model: h.model,
		Choices: []ChatStreamChoice{{Index: 0, Delta: ChatStreamDelta{Role: "assistant"}}},
	})
	c.Writer.Flush()

	res, err := h.chat.Chat(c.Request.Context(), userMessage, true)
	if err != nil {
		h.logger.Error("Streaming completion failed", zap.Error(err))
	}
	reply := res.Response

	for _, chunk := range splitIntoChunks(reply, 50) {
		h.writeSSEChunk(c.Writer, ChatStreamChunk{
			ID: completionID, Object: "chat.completion.chunk", Created: created, Model: h.model,
			Choices: []ChatStreamChoice{{Index: 0, Delta: ChatStreamDelta{Content: chunk}}},
		})
		c.Writer.Flush()
	}

	finishReason := "stop"
	h.writeSSEChunk(c.Writer, ChatStreamChunk{
		ID: completionID, Object: "chat.completion.chunk", Created: created, Model: h.model,
		Choices: []ChatStreamChoice{{Index: 0, Delta: ChatStreamDelta{}, FinishReason: &finishReason}},
	})
	c.Writer.Flush()

	io.WriteString(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

// ListModels handles GET /v1/models.
func (h *OpenAIHandler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, ModelsResponse{
		Object: "list",
		Data: []OpenAIModel{
			{ID: h.model, Object: "model", Created: time.Now().Unix(), OwnedBy: "vicw"},
		},
	})
}

func (h *OpenAIHandler) writeSSEChunk(w io.Writer, chunk ChatStreamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		h.logger.Error("Failed to marshal SSE chunk", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func errorResponse(message, errType string) gin.H {
	return gin.H{"error": gin.H{"message": message, "type": errType}}
}

func lastUserMessage(messages []ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && messages[i].Content != "" {
			return messages[i].Content
		}
	}
	return ""
}

// splitIntoChunks breaks text near word boundaries for realistic
// streaming deltas.
func splitIntoChunks(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	var current strings.Builder
	for _, word := range strings.Fields(text) {
		if current.Len() > 0 && current.Len()+1+len(word) > maxLen {
			chunks = append(chunks, current.String()+" ")
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(word)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}
