package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	smithy "github.com/aws/smithy-go"

	"hypermcp/gateway/internal/gwerrors"
)

type fakeInvokeModelClient struct {
	body []byte
	err  error
}

func (f fakeInvokeModelClient) InvokeModel(_ context.Context, _ *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: f.body}, nil
}

func TestBedrockEncoderParsesTheTitanResponseBody(t *testing.T) {
	body, _ := json.Marshal(titanEmbedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	enc := NewBedrockEncoder(fakeInvokeModelClient{body: body}, "")

	vec, err := enc.Encode(context.Background(), "hello")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(vec) != 3 || vec[1] != 0.2 {
		t.Fatalf("unexpected embedding: %v", vec)
	}
}

func TestBedrockEncoderWrapsInvokeModelFailureAsDownstreamError(t *testing.T) {
	enc := NewBedrockEncoder(fakeInvokeModelClient{err: errors.New("connection reset")}, "")

	_, err := enc.Encode(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected an error")
	}
	kind, ok := gwerrors.KindOf(err)
	if !ok || kind != gwerrors.DownstreamError {
		t.Fatalf("expected DownstreamError, got %v (ok=%v)", kind, ok)
	}
}

type fakeThrottleError struct{ code string }

func (e fakeThrottleError) Error() string        { return e.code }
func (e fakeThrottleError) ErrorCode() string    { return e.code }
func (e fakeThrottleError) ErrorMessage() string { return e.code }
func (e fakeThrottleError) ErrorFault() smithy.ErrorFault {
	return smithy.FaultServer
}

func TestBedrockEncoderSuggestsBackoffOnThrottling(t *testing.T) {
	enc := NewBedrockEncoder(fakeInvokeModelClient{err: fakeThrottleError{code: "ThrottlingException"}}, "")

	_, err := enc.Encode(context.Background(), "hello")
	var ge *gwerrors.GatewayError
	if !errors.As(err, &ge) {
		t.Fatalf("expected a *gwerrors.GatewayError, got %T", err)
	}
	if ge.Suggestion == "" {
		t.Fatal("expected a backoff suggestion for a throttled request")
	}
}
