package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	smithy "github.com/aws/smithy-go"

	"hypermcp/gateway/internal/gwerrors"
)

// InvokeModelClient captures the subset of the Bedrock runtime client used
// by the adapter, so callers can pass either a real client or a mock.
type InvokeModelClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// titanEmbedRequest is the request body for amazon.titan-embed-text-v2:0.
type titanEmbedRequest struct {
	InputText string `json:"inputText"`
}

// titanEmbedResponse is the response body for amazon.titan-embed-text-v2:0.
type titanEmbedResponse struct {
	Embedding           []float32 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

// BedrockEncoder is an Encoder backed by an Amazon Titan embedding model
// invoked through Bedrock Runtime.
type BedrockEncoder struct {
	client  InvokeModelClient
	modelID string
}

// NewBedrockEncoder constructs an Encoder delegating to client using modelID
// (e.g. "amazon.titan-embed-text-v2:0").
func NewBedrockEncoder(client InvokeModelClient, modelID string) *BedrockEncoder {
	if modelID == "" {
		modelID = "amazon.titan-embed-text-v2:0"
	}
	return &BedrockEncoder{client: client, modelID: modelID}
}

// Encode requests a single embedding for text.
func (e *BedrockEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(titanEmbedRequest{InputText: text})
	if err != nil {
		return nil, fmt.Errorf("bedrock embed: marshal request: %w", err)
	}

	contentType := "application/json"
	out, err := e.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &e.modelID,
		ContentType: &contentType,
		Accept:      &contentType,
		Body:        body,
	})
	if err != nil {
		ge := gwerrors.Newf(gwerrors.DownstreamError, "bedrock embed: %v", err).WithCause(err)
		if isRateLimited(err) {
			ge = ge.WithSuggestion("retry after backing off, the model is throttling requests")
		}
		return nil, ge
	}

	var resp titanEmbedResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("bedrock embed: unmarshal response: %w", err)
	}
	return resp.Embedding, nil
}

// isRateLimited reports whether err represents a Bedrock throttling
// response via the provider's own error code.
func isRateLimited(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	return false
}
