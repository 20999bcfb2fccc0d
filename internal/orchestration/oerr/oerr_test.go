package oerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "direct kind", err: New(NotFound, "instance %s", "abc"), want: NotFound},
		{name: "wrapped kind", err: fmt.Errorf("outer: %w", New(Timeout, "no reply")), want: Timeout},
		{name: "plain error", err: errors.New("boom"), want: Internal},
		{name: "double wrap keeps innermost classification", err: Wrap(SendFailed, New(PaneGone, "session exited"), "write aborted"), want: SendFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIs(t *testing.T) {
	err := New(QueueFull, "inbound queue at capacity")
	assert.True(t, Is(err, QueueFull))
	assert.False(t, Is(err, Timeout))
}

func TestWithHint(t *testing.T) {
	err := New(InvalidArgument, "unsupported model %q", "gpt-3.5").
		WithHint("valid models: o4-mini, gpt-5.2-codex")
	assert.Equal(t, "valid models: o4-mini, gpt-5.2-codex", HintOf(err))
	assert.Empty(t, HintOf(errors.New("plain")))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := Wrap(Internal, cause, "journal write")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "journal write")
	assert.Contains(t, err.Error(), "underlying")
}
