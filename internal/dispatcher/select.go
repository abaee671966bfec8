package dispatcher

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
)

// TieBreak orders candidates that have served the same number of requests.
type TieBreak string

// Supported tie-break policies.
const (
	// TieBreakEarliestProbe prefers the node whose last probe is oldest.
	TieBreakEarliestProbe TieBreak = "earliest_probe"
	// TieBreakLatestProbe prefers the node with the most recent health signal.
	TieBreakLatestProbe TieBreak = "latest_probe"
)

// ParseTieBreak validates a configured tie-break name. Empty selects the default.
func ParseTieBreak(raw string) (TieBreak, error) {
	switch tb := TieBreak(strings.ToLower(strings.TrimSpace(raw))); tb {
	case "":
		return TieBreakEarliestProbe, nil
	case TieBreakEarliestProbe, TieBreakLatestProbe:
		return tb, nil
	default:
		return "", fmt.Errorf("unknown tie-break %q", raw)
	}
}

// Select picks the next worker for a job from a registry snapshot. Only
// selectable nodes outside exclude are considered; the node with the fewest
// requests since its last recycle wins, then tb decides, then the id.
// Select has no side effects.
func Select(snapshot []fleet.WorkerNode, exclude map[string]struct{}, tb TieBreak) (fleet.WorkerNode, bool) {
	var (
		best  fleet.WorkerNode
		found bool
	)
	for _, n := range snapshot {
		if !n.Selectable() {
			continue
		}
		if _, skip := exclude[n.ID]; skip {
			continue
		}
		if !found || better(n, best, tb) {
			best = n
			found = true
		}
	}
	return best, found
}

func better(a, b fleet.WorkerNode, tb TieBreak) bool {
	if a.RequestsServedSinceRecycle != b.RequestsServedSinceRecycle {
		return a.RequestsServedSinceRecycle < b.RequestsServedSinceRecycle
	}
	if !a.LastProbeAt.Equal(b.LastProbeAt) {
		if tb == TieBreakLatestProbe {
			return a.LastProbeAt.After(b.LastProbeAt)
		}
		return a.LastProbeAt.Before(b.LastProbeAt)
	}
	return a.ID < b.ID
}

// untriedHealthy reports whether any HEALTHY node outside exclude exists,
// busy or not. It separates "fleet busy" from "fleet down".
func untriedHealthy(snapshot []fleet.WorkerNode, exclude map[string]struct{}) bool {
	for _, n := range snapshot {
		if n.State != fleet.StateHealthy || n.Drained {
			continue
		}
		if _, skip := exclude[n.ID]; !skip {
			return true
		}
	}
	return false
}
