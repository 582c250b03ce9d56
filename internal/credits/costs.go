package credits

import "citestack/internal/models"

// Enrichment modes.
const (
	ModeFull       = "full"
	ModeConcise    = "concise"
	ModeAnalytical = "analytical"
	ModeTagsOnly   = "tags_only"
)

const (
	enrichFullCost     = 3
	enrichTagsOnlyCost = 1
	compareBaseCost    = 5
)

// EnrichCost returns the price of an enrichment run and the ledger reason it is booked under.
func EnrichCost(mode string) (int, string) {
	if mode == ModeTagsOnly {
		return enrichTagsOnlyCost, models.ReasonEnrichTagsOnly
	}
	return enrichFullCost, models.ReasonEnrichFull
}

// CompareCost prices a comparison of n items. Zero means the count is not allowed.
func CompareCost(n int) int {
	if n < 2 || n > 5 {
		return 0
	}
	return compareBaseCost + max(0, n-2)
}

// ValidMode reports whether mode is a known enrichment mode; empty means full.
func ValidMode(mode string) bool {
	switch mode {
	case "", ModeFull, ModeConcise, ModeAnalytical, ModeTagsOnly:
		return true
	}
	return false
}
