package user

import "strings"

// costEntry maps a model-name substring to its credit cost. Matching is
// case-insensitive and first-match-wins, so more specific substrings must
// come before their prefixes (gpt-5-low before gpt-5, gpt-4o-mini before
// gpt-4o before gpt-4).
type costEntry struct {
	substr string
	cost   float64
}

var costTable = []costEntry{
	{"swe-1", 0},
	{"gpt-5-low", 0.5},
	{"gpt-5-high", 1.5},
	{"kimi-k2", 0.5},
	{"qwen3-coder", 0.5},
	{"gemini-2.5-flash", 0.5},
	{"gpt-4o-mini", 0.5},
	{"deepseek-chat", 0.5},
	{"gemini-2.5-pro", 1},
	{"gpt-4o", 1},
	{"claude-3-5-sonnet", 1},
	{"deepseek-reasoner", 1},
	{"claude-sonnet-4", 5},
	{"claude-opus-4", 20},
	{"gpt-5", 1.5},
	{"gpt-4", 1},
}

// defaultCost applies to models absent from the table.
const defaultCost = 1

// CreditCost returns the credit cost of one request against model.
func CreditCost(model string) float64 {
	m := strings.ToLower(model)
	for _, e := range costTable {
		if strings.Contains(m, e.substr) {
			return e.cost
		}
	}
	return defaultCost
}

// KnownModels lists the model families the cost table prices, for the
// /v1/models listing.
func KnownModels() []string {
	out := make([]string, 0, len(costTable))
	for _, e := range costTable {
		out = append(out, e.substr)
	}
	return out
}

// DetectModel scans raw payload bytes for a priced model name. Used on the
// platform pass-through, where the model is buried in an opaque protobuf.
func DetectModel(data []byte) (string, bool) {
	lower := strings.ToLower(string(data))
	for _, e := range costTable {
		if strings.Contains(lower, e.substr) {
			return e.substr, true
		}
	}
	return "", false
}
