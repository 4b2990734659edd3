package completion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/voice-interview/vint/framing"
	ports "github.com/ZanzyTHEbar/voice-interview/vint/interview/ports"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *Client {
	return NewClient(url, nil, zerolog.Nop())
}

func TestClient_StreamsTokensInOrder(t *testing.T) {
	var got ports.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		enc := framing.NewEncoder(w)
		_ = enc.Token("Bon")
		_ = enc.Token("jour")
		_ = enc.Done()
	}))
	defer srv.Close()

	history := []ports.ChatMessage{
		{Role: ports.RoleUser, Content: "Salut"},
		{Role: ports.RoleAssistant, Content: "Bonjour, présentez-vous."},
		{Role: ports.RoleUser, Content: "Je suis développeur."},
	}

	var tokens []string
	err := newTestClient(srv.URL).Stream(context.Background(), history, func(tok string) {
		tokens = append(tokens, tok)
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"Bon", "jour"}, tokens)
	assert.Equal(t, history, got.Messages)
}

func TestClient_ErrorEventTerminatesRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := framing.NewEncoder(w)
		_ = enc.Token("Bon")
		_ = enc.Error("upstream error 503: overloaded")
		_ = enc.Token("never")
		_ = enc.Done()
	}))
	defer srv.Close()

	var tokens []string
	err := newTestClient(srv.URL).Stream(context.Background(), nil, func(tok string) {
		tokens = append(tokens, tok)
	})

	var streamErr *framing.StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, "upstream error 503: overloaded", streamErr.Message)
	assert.Equal(t, []string{"Bon"}, tokens)
}

func TestClient_HTTPErrorWithJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":"GROQ_API_KEY missing"}`)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Stream(context.Background(), nil, func(string) {})

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	assert.EqualError(t, err, "GROQ_API_KEY missing")
}

func TestClient_HTTPErrorWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Stream(context.Background(), nil, func(string) {})

	assert.EqualError(t, err, "HTTP 502")
}

func TestClient_UnterminatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = framing.NewEncoder(w).Token("Bon")
	}))
	defer srv.Close()

	err := newTestClient(srv.URL).Stream(context.Background(), nil, func(string) {})

	assert.ErrorIs(t, err, ErrUnterminated)
}

func TestClient_CancellationIsSilent(t *testing.T) {
	firstSent := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := framing.NewEncoder(w)
		_ = enc.Token("Bon")
		close(firstSent)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- newTestClient(srv.URL).Stream(ctx, nil, func(string) {})
	}()

	<-firstSent
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancellation")
	}
}

func TestClient_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := newTestClient(url).Stream(context.Background(), nil, func(string) {})

	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
