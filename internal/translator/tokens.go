package translator

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/iambrandonn/potter/internal/protocol"
)

// BaselineTokens approximates the fixed prompt overhead that the user
// cannot influence; it is excluded from the context window percentage.
const BaselineTokens int64 = 12000

// PercentOfContextWindowRemaining estimates how much of the user-controlled
// part of the context window is still free, rounded to a whole percent.
func PercentOfContextWindowRemaining(usage protocol.TokenUsage, contextWindow int64) int64 {
	if contextWindow <= BaselineTokens {
		return 0
	}

	effective := contextWindow - BaselineTokens
	used := max(usage.TotalTokens-BaselineTokens, 0)
	remaining := max(effective-used, 0)

	pct := float64(remaining) / float64(effective) * 100
	return int64(math.Round(math.Min(math.Max(pct, 0), 100)))
}

// FormatTokensCompact renders a token count as 950, 1.25K, 12.5K, 125K,
// 1.5M and so on, trimming trailing zeros.
func FormatTokensCompact(value int64) string {
	if value <= 0 {
		return "0"
	}
	if value < 1_000 {
		return strconv.FormatInt(value, 10)
	}

	v := float64(value)
	var scaled float64
	var suffix string
	switch {
	case value >= 1_000_000_000_000:
		scaled, suffix = v/1_000_000_000_000, "T"
	case value >= 1_000_000_000:
		scaled, suffix = v/1_000_000_000, "B"
	case value >= 1_000_000:
		scaled, suffix = v/1_000_000, "M"
	default:
		scaled, suffix = v/1_000, "K"
	}

	decimals := 0
	switch {
	case scaled < 10:
		decimals = 2
	case scaled < 100:
		decimals = 1
	}

	formatted := strconv.FormatFloat(scaled, 'f', decimals, 64)
	if strings.Contains(formatted, ".") {
		formatted = strings.TrimRight(formatted, "0")
		formatted = strings.TrimSuffix(formatted, ".")
	}
	return formatted + suffix
}

func formatPercentLeft(pct int64) string {
	return fmt.Sprintf("%d%% context left", pct)
}

// tokenTally tracks usage across token_count events for one round.
type tokenTally struct {
	total         protocol.TokenUsage
	last          protocol.TokenUsage
	contextWindow *int64
}

func (t *tokenTally) observe(info *protocol.TokenUsageInfo) {
	if info == nil {
		return
	}
	t.total = info.TotalTokenUsage
	t.last = info.LastTokenUsage
	if info.ModelContextWindow != nil {
		t.contextWindow = info.ModelContextWindow
	}
}

// display picks percent-left when the window size is known and positive,
// otherwise the raw used-token count.
func (t *tokenTally) display() ContextWindow {
	if t.contextWindow == nil || *t.contextWindow <= 0 {
		used := t.total.TotalTokens
		return ContextWindow{UsedTokens: &used}
	}
	pct := PercentOfContextWindowRemaining(t.last, *t.contextWindow)
	return ContextWindow{PercentLeft: &pct}
}
