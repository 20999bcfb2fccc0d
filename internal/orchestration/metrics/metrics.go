// Package metrics provides token and cost estimation for instance traffic.
// Assistants are driven through terminals, so no provider usage reports are
// available; estimates are derived from observed text volume.
package metrics

import (
	"fmt"
	"time"
)

// charsPerToken approximates English/code tokenization density.
const charsPerToken = 4

// costPerKiloTokens maps an instance kind to an estimated blended USD rate.
// The rate is an opaque per-kind constant; exact provider pricing is not
// modeled.
var costPerKiloTokens = map[string]float64{
	"claude": 0.009,
	"codex":  0.006,
}

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateCost approximates the USD cost for tokens on the given kind.
// Unknown kinds use the most expensive rate.
func EstimateCost(kind string, tokens int) float64 {
	rate, ok := costPerKiloTokens[kind]
	if !ok {
		rate = 0.009
	}
	return float64(tokens) / 1000 * rate
}

// Usage accumulates per-instance traffic statistics.
type Usage struct {
	Requests      int       `json:"requests"`
	Tokens        int       `json:"tokens"`
	CostUSD       float64   `json:"cost_usd"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Record adds one exchange's estimated volume.
func (u *Usage) Record(kind, sent, received string, at time.Time) {
	tokens := EstimateTokens(sent) + EstimateTokens(received)
	u.Requests++
	u.Tokens += tokens
	u.CostUSD += EstimateCost(kind, tokens)
	u.LastUpdatedAt = at
}

// FormatCostDisplay returns a human-readable cost string (e.g., "$0.0892").
func (u Usage) FormatCostDisplay() string {
	return fmt.Sprintf("$%.4f", u.CostUSD)
}
