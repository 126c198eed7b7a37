package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorUnwrapsToSentinel(t *testing.T) {
	err := NewDomainError("resolve model", ErrNoAvailableModel, "gpt-test")
	assert.True(t, errors.Is(err, ErrNoAvailableModel))
	assert.Contains(t, err.Error(), "resolve model")
	assert.Contains(t, err.Error(), "gpt-test")

	bare := NewDomainError("read stream", ErrStreamTimeout, "")
	assert.Equal(t, "read stream: stream timeout", bare.Error())
}

func TestWrapOp(t *testing.T) {
	assert.NoError(t, WrapOp("anything", nil))

	inner := fmt.Errorf("boom")
	wrapped := WrapOp("decode frame", inner)
	require.Error(t, wrapped)
	assert.True(t, errors.Is(wrapped, inner))
	assert.Equal(t, "decode frame: boom", wrapped.Error())
}

func TestStreamEventIsTerminal(t *testing.T) {
	assert.True(t, DoneEvent(nil).IsTerminal())
	assert.True(t, ErrorEvent("x").IsTerminal())
	assert.False(t, TextDeltaEvent("x").IsTerminal())
	assert.False(t, UsageEvent(Usage{}).IsTerminal())
	assert.False(t, ToolCallEvent("id", "name", nil).IsTerminal())
}
