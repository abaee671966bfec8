package health

import (
	"time"

	"github.com/JakeFAU/scrape-fleet/internal/fleet"
)

// Action is what the monitor does with a node on a given tick.
type Action int

// Monitor actions.
const (
	// ActionSkip leaves the node alone this tick.
	ActionSkip Action = iota
	// ActionProbe issues an ordinary health probe.
	ActionProbe
	// ActionTrial issues the single half-open probe after a circuit cool-down.
	ActionTrial
	// ActionRecycle asks the worker to replace its engine, then probes it.
	ActionRecycle
)

func (a Action) String() string {
	switch a {
	case ActionProbe:
		return "probe"
	case ActionTrial:
		return "trial"
	case ActionRecycle:
		return "recycle"
	default:
		return "skip"
	}
}

// Policy holds the thresholds that drive the state machine.
type Policy struct {
	FailureThreshold int
	CircuitCooldown  time.Duration
	RecycleBudget    int
}

// Transition describes a state change applied to one node.
type Transition struct {
	WorkerID string
	From     fleet.State
	To       fleet.State
	Recycled bool
	// Served is the request count the node carried into the transition.
	Served int
}

// Changed reports whether the node moved to a different state.
func (t Transition) Changed() bool { return t.From != t.To }

func (p Policy) budgetReached(n fleet.WorkerNode) bool {
	return p.RecycleBudget > 0 && n.RequestsServedSinceRecycle >= p.RecycleBudget
}

func (p Policy) cooldownElapsed(n fleet.WorkerNode, now time.Time) bool {
	return now.Sub(n.CircuitOpenedAt) >= p.CircuitCooldown
}

// Decide picks the action for a node snapshot.
func (p Policy) Decide(n fleet.WorkerNode, now time.Time) Action {
	if n.Drained {
		return ActionSkip
	}
	switch n.State {
	case fleet.StateCircuitOpen:
		if !p.cooldownElapsed(n, now) {
			return ActionSkip
		}
		if p.budgetReached(n) {
			return ActionRecycle
		}
		return ActionTrial
	case fleet.StateRecycling:
		if n.InFlight {
			return ActionSkip
		}
		return ActionRecycle
	default:
		if p.budgetReached(n) && !n.InFlight {
			return ActionRecycle
		}
		return ActionProbe
	}
}

// EnforceBudget moves an idle HEALTHY or DEGRADED node that has spent its
// request budget to RECYCLING. It reports whether the state changed.
func (p Policy) EnforceBudget(n *fleet.WorkerNode) bool {
	if !p.budgetReached(*n) || n.InFlight {
		return false
	}
	if n.State != fleet.StateHealthy && n.State != fleet.StateDegraded {
		return false
	}
	n.State = fleet.StateRecycling
	return true
}

// ApplySuccess folds a successful probe into the node.
func (p Policy) ApplySuccess(n *fleet.WorkerNode, action Action, now time.Time) Transition {
	t := Transition{WorkerID: n.ID, From: n.State, Served: n.RequestsServedSinceRecycle}
	n.LastProbeAt = now
	switch n.State {
	case fleet.StateHealthy, fleet.StateDegraded:
		n.ConsecutiveFailures = 0
		n.State = fleet.StateHealthy
		if action == ActionRecycle {
			n.RequestsServedSinceRecycle = 0
			t.Recycled = true
		}
	case fleet.StateCircuitOpen:
		if action != ActionTrial && action != ActionRecycle {
			break
		}
		n.ConsecutiveFailures = 0
		n.CircuitOpenedAt = time.Time{}
		n.State = fleet.StateHealthy
		if action == ActionRecycle {
			n.RequestsServedSinceRecycle = 0
			t.Recycled = true
		}
	case fleet.StateRecycling:
		n.ConsecutiveFailures = 0
		if action == ActionRecycle {
			n.RequestsServedSinceRecycle = 0
			n.State = fleet.StateHealthy
			t.Recycled = true
		}
	}
	p.EnforceBudget(n)
	t.To = n.State
	return t
}

// ApplyFailure folds a failed probe into the node.
func (p Policy) ApplyFailure(n *fleet.WorkerNode, action Action, now time.Time) Transition {
	t := Transition{WorkerID: n.ID, From: n.State}
	n.LastProbeAt = now
	n.ConsecutiveFailures++
	switch n.State {
	case fleet.StateCircuitOpen:
		if action == ActionTrial || action == ActionRecycle {
			n.CircuitOpenedAt = now
		}
	default:
		p.countFailure(n, now)
	}
	t.To = n.State
	return t
}

// ApplyAttemptSuccess resets the failure streak after a job succeeded on the
// node. An open circuit is only closed by its half-open trial.
func (p Policy) ApplyAttemptSuccess(n *fleet.WorkerNode) Transition {
	t := Transition{WorkerID: n.ID, From: n.State, To: n.State}
	if n.State == fleet.StateCircuitOpen {
		return t
	}
	n.ConsecutiveFailures = 0
	if n.State == fleet.StateDegraded {
		n.State = fleet.StateHealthy
	}
	t.To = n.State
	return t
}

// ApplyAttemptFailure counts a failed dispatch attempt against the node.
func (p Policy) ApplyAttemptFailure(n *fleet.WorkerNode, now time.Time) Transition {
	t := Transition{WorkerID: n.ID, From: n.State}
	n.ConsecutiveFailures++
	if n.State != fleet.StateCircuitOpen {
		p.countFailure(n, now)
	}
	t.To = n.State
	return t
}

func (p Policy) countFailure(n *fleet.WorkerNode, now time.Time) {
	if n.ConsecutiveFailures >= p.FailureThreshold {
		n.State = fleet.StateCircuitOpen
		n.CircuitOpenedAt = now
		return
	}
	if n.State == fleet.StateHealthy {
		n.State = fleet.StateDegraded
	}
}
