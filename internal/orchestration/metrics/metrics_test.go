package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{name: "empty", text: "", want: 0},
		{name: "short text rounds up to one", text: "ab", want: 1},
		{name: "four chars per token", text: "12345678", want: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EstimateTokens(tt.text))
		})
	}
}

func TestEstimateCost(t *testing.T) {
	assert.InDelta(t, 0.009, EstimateCost("claude", 1000), 1e-9)
	assert.InDelta(t, 0.006, EstimateCost("codex", 1000), 1e-9)
	// Unknown kinds use the most expensive rate.
	assert.InDelta(t, 0.009, EstimateCost("mystery", 1000), 1e-9)
}

func TestUsage_Record(t *testing.T) {
	var u Usage
	at := time.Unix(1700000000, 0)

	u.Record("claude", "12345678", "1234", at)

	assert.Equal(t, 1, u.Requests)
	assert.Equal(t, 3, u.Tokens)
	assert.InDelta(t, EstimateCost("claude", 3), u.CostUSD, 1e-9)
	assert.Equal(t, at, u.LastUpdatedAt)

	u.Record("claude", "abcd", "", at.Add(time.Minute))
	assert.Equal(t, 2, u.Requests)
	assert.Equal(t, 4, u.Tokens)
}

func TestFormatCostDisplay(t *testing.T) {
	u := Usage{CostUSD: 0.0892}
	assert.Equal(t, "$0.0892", u.FormatCostDisplay())
}
