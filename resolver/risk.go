package resolver

import (
	"github.com/bmatcuk/doublestar/v4"
)

// Fan-in thresholds for risk tiers.
const (
	highFanIn   = 5
	mediumFanIn = 2
	// exportEscalation is the export count beyond which risk rises one tier.
	exportEscalation = 3
)

// classifyRisk assigns each analyzed file a risk tier from its fan-in (how
// many other analyzed files reference it), escalated one tier when the file
// lives under a shared-path convention or exports many symbols.
func classifyRisk(graph map[string][]string, analyzed map[string]*fileRefs, sharedGlobs []string) map[string]RiskLevel {
	fanIn := make(map[string]int, len(analyzed))
	for _, deps := range graph {
		for _, dep := range deps {
			fanIn[dep]++
		}
	}

	risk := make(map[string]RiskLevel, len(analyzed))
	for p, refs := range analyzed {
		level := RiskLow
		switch {
		case fanIn[p] > highFanIn:
			level = RiskHigh
		case fanIn[p] > mediumFanIn:
			level = RiskMedium
		}
		if matchesShared(p, sharedGlobs) || refs.exports > exportEscalation {
			level = escalate(level)
		}
		risk[p] = level
	}
	return risk
}

func matchesShared(p string, globs []string) bool {
	for _, glob := range globs {
		if ok, err := doublestar.Match(glob, p); err == nil && ok {
			return true
		}
	}
	return false
}

func escalate(level RiskLevel) RiskLevel {
	switch level {
	case RiskLow:
		return RiskMedium
	case RiskMedium:
		return RiskHigh
	default:
		return RiskHigh
	}
}
