// Package completion is the client side of the normalized completion stream:
// it posts the conversation history to the inference proxy and decodes the
// returned event stream token by token.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ZanzyTHEbar/voice-interview/vint/framing"
	ports "github.com/ZanzyTHEbar/voice-interview/vint/interview/ports"
	"github.com/rs/zerolog"
)

// ErrUnterminated is returned when the body ends before the terminal marker.
var ErrUnterminated = errors.New("completion stream ended before terminal marker")

// HTTPError is a non-success response from the proxy.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// Client talks to the inference proxy.
type Client struct {
	url        string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a client for the proxy endpoint at url. A nil httpClient
// uses one without an overall timeout, since replies are streamed.
func NewClient(url string, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 0}
	}
	return &Client{url: url, httpClient: httpClient, logger: logger}
}

func (c *Client) buildRequest(ctx context.Context, history []ports.ChatMessage) (*http.Request, error) {
	b, err := json.Marshal(ports.ChatRequest{Messages: history})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	return req, nil
}

// Stream sends history and calls onToken for each decoded token. An error
// event on the stream is returned as *framing.StreamError. Cancellation of
// ctx is reported as context.Canceled whatever the transport says.
func (c *Client) Stream(ctx context.Context, history []ports.ChatMessage, onToken func(token string)) error {
	req, err := c.buildRequest(ctx, history)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readHTTPError(resp)
	}

	dec := framing.NewDecoder(resp.Body)
	count := 0
	for {
		if ctx.Err() != nil {
			return context.Canceled
		}

		ev, err := dec.Next()
		if err != nil {
			if err == io.EOF {
				return ErrUnterminated
			}
			return c.classify(ctx, err)
		}

		switch ev.Kind {
		case framing.KindToken:
			count++
			onToken(ev.Token)
		case framing.KindError:
			return &framing.StreamError{Message: ev.Message}
		case framing.KindDone:
			c.logger.Debug().Int("tokens", count).Msg("completion stream terminated")
			return nil
		}
	}
}

func (c *Client) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return err
}

func readHTTPError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return &HTTPError{StatusCode: resp.StatusCode, Message: body.Error}
	}
	return &HTTPError{StatusCode: resp.StatusCode}
}

var _ ports.CompletionClient = (*Client)(nil)
