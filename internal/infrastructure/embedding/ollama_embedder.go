package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// OllamaEmbedder produces sentence embeddings via the Ollama HTTP API.
// Implements memory.Embedder.
type OllamaEmbedder struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
	logger    *zap.Logger
}

type embedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"` // string or []string
}

type embedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaEmbedder probes the model once to learn the vector
// dimension. expectedDim > 0 turns a mismatch into a startup error, so
// a misconfigured vector collection fails fast instead of corrupting
// the index.
func NewOllamaEmbedder(baseURL, model string, expectedDim int, logger *zap.Logger) (*OllamaEmbedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &OllamaEmbedder{
		baseURL: baseURL,
		model:   model,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With(zap.String("component", "embedder")),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	probe, err := e.Embed(ctx, "dimension probe")
	if err != nil {
		return nil, fmt.Errorf("probe embedding dimension for %s: %w", model, err)
	}
	e.dimension = len(probe)
	if expectedDim > 0 && e.dimension != expectedDim {
		return nil, fmt.Errorf("embedding dimension mismatch: model %s produces %d, config expects %d",
			model, e.dimension, expectedDim)
	}

	e.logger.Info("Embedder ready",
		zap.String("model", model),
		zap.String("url", baseURL),
		zap.Int("dimension", e.dimension),
	)
	return e, nil
}

// Embed returns the vector for one text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.doEmbed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return vectors[0], nil
}

// EmbedBatch embeds several texts in one round trip.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.doEmbed(ctx, texts)
}

// Dimension is the probed vector size.
func (e *OllamaEmbedder) Dimension() int {
	return e.dimension
}

func (e *OllamaEmbedder) doEmbed(ctx context.Context, input any) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	url := e.baseURL + "/api/embed"
	resp, err := e.post(ctx, url, body)
	if err != nil {
		// One retry on network error; embedding sits on the cold path
		// where a transient hiccup should not fail a job.
		e.logger.Warn("Embed request failed, retrying", zap.Error(err))
		resp, err = e.post(ctx, url, body)
		if err != nil {
			return nil, fmt.Errorf("embed request failed after retry: %w", err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embed returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var embedResp embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(embedResp.Embeddings) == 0 {
		return nil, fmt.Errorf("embed returned no vectors")
	}
	return embedResp.Embeddings, nil
}

func (e *OllamaEmbedder) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return e.client.Do(req)
}
