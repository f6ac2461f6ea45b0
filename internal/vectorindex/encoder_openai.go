package vectorindex

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
)

// EmbeddingsClient captures the subset of the OpenAI SDK client used by the
// adapter, so callers can pass either a real client or a mock in tests.
type EmbeddingsClient interface {
	New(ctx context.Context, body openai.EmbeddingNewParams) (*openai.CreateEmbeddingResponse, error)
}

// OpenAIEncoder is an Encoder backed by the OpenAI embeddings endpoint.
type OpenAIEncoder struct {
	client EmbeddingsClient
	model  string
}

// NewOpenAIEncoder constructs an Encoder delegating to client using model
// (e.g. "text-embedding-3-small").
func NewOpenAIEncoder(client EmbeddingsClient, model string) *OpenAIEncoder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIEncoder{client: client, model: model}
}

// Encode requests a single embedding for text.
func (e *OpenAIEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embed: empty response for text of length %d", len(text))
	}
	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
