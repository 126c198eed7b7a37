package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quill-ai/internal/domain"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer server.Close()

	inner, sink := newTestHandler(t, server.URL, StreamHandlerOptions{Client: server.Client()})
	breaker := NewBreakerHandler(inner, CircuitBreakerConfig{MaxFailures: 3}, nil)

	for i := 0; i < 3; i++ {
		_, err := breaker.StreamCompletion(context.Background(), domain.StreamRequest{Model: "gpt-test"}, 0)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, breaker.State())

	// Each failed attempt emitted its Error event before the circuit opened.
	failuresEmitted := len(sink.events)
	assert.Equal(t, 3, failuresEmitted)

	// Open circuit fails fast: no request, no sink event.
	_, err := breaker.StreamCompletion(context.Background(), domain.StreamRequest{Model: "gpt-test"}, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Len(t, sink.events, failuresEmitted)
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	server := sseServer(t, "data: {\"type\":\"response.completed\",\"response\":{}}\n\n")
	inner, _ := newTestHandler(t, server.URL, StreamHandlerOptions{Client: server.Client()})
	breaker := NewBreakerHandler(inner, CircuitBreakerConfig{MaxFailures: 2}, nil)

	for i := 0; i < 5; i++ {
		id, err := breaker.StreamCompletion(context.Background(), domain.StreamRequest{Model: "gpt-test"}, 0)
		require.NoError(t, err)
		assert.NotZero(t, id)
	}
	assert.Equal(t, gobreaker.StateClosed, breaker.State())
	assert.Equal(t, uint32(0), breaker.Counts().ConsecutiveFailures)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	fail := true
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			http.Error(w, "flaky", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"type\":\"response.completed\",\"response\":{}}\n\n"))
	}))
	defer server.Close()

	inner, _ := newTestHandler(t, server.URL, StreamHandlerOptions{Client: server.Client()})
	breaker := NewBreakerHandler(inner, CircuitBreakerConfig{MaxFailures: 3}, nil)

	for i := 0; i < 2; i++ {
		_, err := breaker.StreamCompletion(context.Background(), domain.StreamRequest{Model: "gpt-test"}, 0)
		require.Error(t, err)
	}

	fail = false
	_, err := breaker.StreamCompletion(context.Background(), domain.StreamRequest{Model: "gpt-test"}, 0)
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateClosed, breaker.State())
	assert.Equal(t, uint32(0), breaker.Counts().ConsecutiveFailures)
}
