package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// json is the package-wide codec; json-iterator keeps stdlib compatibility.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CallParams is the full parameter set of one gateway call.
type CallParams struct {
	Messages    []Message
	Model       string
	Temperature float64
	MaxTokens   int

	// Tools holds OpenAPI-style function schemas, as produced by
	// tools.Registry.OpenAPISchemas.
	Tools      []map[string]any
	ToolChoice string

	Stream bool
}

// Response is the outcome of one gateway call: either a live chunk stream
// (Stream non-nil) or a fully materialized message (Message non-nil).
type Response struct {
	Stream <-chan StreamChunk

	Message      *Message
	FinishReason string
	Usage        *Usage
}

// Streaming reports whether the response must be consumed as a stream.
func (r *Response) Streaming() bool {
	return r != nil && r.Stream != nil
}

// Gateway is the unified call surface across model providers.
// A Call failure means the provider was unreachable or rejected the request
// outright; in-stream failures surface as error chunks instead.
type Gateway interface {
	Call(ctx context.Context, p CallParams) (*Response, error)

	// IsTransientError reports whether err is a temporary condition
	// (timeouts, 5xx, overload) worth retrying.
	IsTransientError(err error) bool
}

// FallbackGateway tries a list of gateways in order, retrying transient
// failures per gateway before moving to the next.
type FallbackGateway struct {
	Gateways   []Gateway
	MaxRetries int
	RetryDelay time.Duration
}

func (f *FallbackGateway) Call(ctx context.Context, p CallParams) (*Response, error) {
	var lastErr error
	for i, gw := range f.Gateways {
		if i > 0 {
			slog.WarnContext(ctx, "Previous provider failed, trying fallback", "provider_index", i+1)
		}

		maxRetries := f.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 1
		}

		for retry := 1; retry <= maxRetries; retry++ {
			if retry > 1 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(time.Duration(retry-1) * f.RetryDelay):
				}
			}

			resp, err := gw.Call(ctx, p)
			if err == nil {
				return resp, nil
			}

			lastErr = err

			if gw.IsTransientError(err) && retry < maxRetries {
				slog.WarnContext(ctx, "Provider transient failure, retrying",
					"provider_index", i+1, "attempt", retry, "error", err)
				continue
			}

			slog.ErrorContext(ctx, "Provider failed", "provider_index", i+1, "error", err)
			break
		}
	}
	return nil, fmt.Errorf("all fallback providers failed, last error: %w", lastErr)
}

// IsTransientError always reports false: a FallbackGateway error means every
// configured provider was exhausted.
func (f *FallbackGateway) IsTransientError(err error) bool {
	return false
}
