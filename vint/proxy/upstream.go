package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/voice-interview/vint/interview/ports"
	openai "github.com/sashabaranov/go-openai"
)

// Upstream streams a chat completion from the model provider.
type Upstream interface {
	// Stream calls onToken for each content delta and returns nil once the
	// provider ends the stream.
	Stream(ctx context.Context, apiKey, system string, messages []ports.ChatMessage, onToken func(string)) error
}

// maxErrorBody bounds how much of a failed provider response is kept.
const maxErrorBody = 64 << 10

// UpstreamError is a non-success response from the provider. Body is the
// response body as the provider sent it.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.StatusCode, e.Body)
}

// OpenAIUpstream talks to any OpenAI-compatible endpoint.
type OpenAIUpstream struct {
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	HTTPClient  *http.Client
}

func (u *OpenAIUpstream) client(apiKey string) *openai.Client {
	config := openai.DefaultConfig(apiKey)
	if u.BaseURL != "" {
		config.BaseURL = u.BaseURL
	}
	hc := &http.Client{Timeout: 90 * time.Second}
	if u.HTTPClient != nil {
		c := *u.HTTPClient
		hc = &c
	}
	next := hc.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	hc.Transport = captureTransport{next: next}
	config.HTTPClient = hc
	return openai.NewClientWithConfig(config)
}

type errorBodyKey struct{}

// errorBody receives the raw body of a failed response.
type errorBody struct {
	mu   sync.Mutex
	data []byte
}

func (b *errorBody) set(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = data
}

func (b *errorBody) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.data))
}

// captureTransport copies the body of failed responses into the errorBody
// carried by the request context, then hands the client an identical body.
type captureTransport struct {
	next http.RoundTripper
}

func (t captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil || (resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusBadRequest) {
		return resp, err
	}
	sink, ok := req.Context().Value(errorBodyKey{}).(*errorBody)
	if !ok {
		return resp, nil
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	sink.set(data)
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return resp, nil
}

func (u *OpenAIUpstream) Stream(ctx context.Context, apiKey, system string, messages []ports.ChatMessage, onToken func(string)) error {
	in := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	in = append(in, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	for _, m := range messages {
		in = append(in, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	req := openai.ChatCompletionRequest{
		Model:       u.Model,
		Messages:    in,
		Stream:      true,
		Temperature: u.Temperature,
		MaxTokens:   u.MaxTokens,
	}

	raw := &errorBody{}
	ctx = context.WithValue(ctx, errorBodyKey{}, raw)

	stream, err := u.client(apiKey).CreateChatCompletionStream(ctx, req)
	if err != nil {
		return wrapProviderError(err, raw.String())
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return wrapProviderError(err, raw.String())
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content != "" {
				onToken(choice.Delta.Content)
			}
		}
	}
}

// wrapProviderError turns go-openai errors into an UpstreamError carrying
// raw, falling back to what the client parsed when no body was captured.
func wrapProviderError(err error, raw string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if raw == "" {
			raw = apiErr.Message
		}
		return &UpstreamError{StatusCode: apiErr.HTTPStatusCode, Body: raw}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if raw == "" {
			raw = strings.TrimSpace(string(reqErr.Body))
		}
		if raw == "" && reqErr.Err != nil {
			raw = reqErr.Err.Error()
		}
		if raw == "" {
			raw = http.StatusText(reqErr.HTTPStatusCode)
		}
		return &UpstreamError{StatusCode: reqErr.HTTPStatusCode, Body: raw}
	}
	return err
}

var _ Upstream = (*OpenAIUpstream)(nil)
