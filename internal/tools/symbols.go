package tools

import (
	"strings"

	"github.com/quantfold/autotrade/internal/traderr"
)

// ResolveSymbol normalizes arbitrary symbol spellings (BTC, BTC-USD,
// BTC/USDT, BTC/USDT:USDT, BTCUSDT) to a key of the configured instrument
// mapping. Unresolvable symbols fail with a ValidationError.
func ResolveSymbol(symbol string, mapping map[string]string) (string, error) {
	candidate := strings.ToUpper(strings.TrimSpace(symbol))
	if candidate == "" {
		return "", &traderr.ValidationError{Field: "symbol", Reason: "must be non-empty"}
	}
	for _, option := range symbolCandidates(candidate) {
		if _, ok := mapping[option]; ok {
			return option, nil
		}
	}
	return "", &traderr.ValidationError{
		Field:  "symbol",
		Reason: "no instrument mapping configured for '" + symbol + "'",
	}
}

// symbolCandidates expands a symbol into the spellings tried against the
// mapping, in priority order, deduplicated.
func symbolCandidates(value string) []string {
	items := []string{
		value,
		strings.ReplaceAll(value, "/", "-"),
		strings.ReplaceAll(value, "/", ""),
		strings.ReplaceAll(value, "-", ""),
	}
	if strings.HasSuffix(value, "USDT") {
		items = append(items, strings.TrimSuffix(value, "USDT"))
	}
	if strings.HasSuffix(value, "USD") {
		items = append(items, strings.TrimSuffix(value, "USD"))
	}

	var expanded []string
	for _, item := range items {
		expanded = append(expanded, item)
		if idx := strings.Index(item, "-"); idx > 0 {
			expanded = append(expanded, item[:idx])
		}
		if idx := strings.Index(item, "/"); idx > 0 {
			expanded = append(expanded, item[:idx])
		}
		if strings.HasSuffix(item, ":USDT") {
			expanded = append(expanded, strings.TrimSuffix(item, ":USDT"))
		}
	}

	seen := make(map[string]struct{}, len(expanded))
	out := make([]string, 0, len(expanded))
	for _, item := range expanded {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
