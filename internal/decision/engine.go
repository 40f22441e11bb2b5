// Package decision decides, for one terminal and one link at a time, whether
// the serving cell should change and when. It holds no state: callers pass in
// the measurements and the bookkeeping they keep for the terminal.
package decision

import (
	"fmt"
	"math"
	"time"

	"github.com/signalsfoundry/mobility-controller/model"
)

// Action is what the caller must do after an evaluation.
type Action int

const (
	// None leaves everything as it is.
	None Action = iota
	// Schedule arms a handover event to Target after Delay.
	Schedule
	// Replace cancels the pending event, then arms a new one to Target after Delay.
	Replace
	// Cancel drops the pending event.
	Cancel
	// SwitchToFallback moves the link's traffic to the anchor path now.
	SwitchToFallback
	// Recover leaves the fallback path for Target now.
	Recover
	// Attach connects a link that has no serving cell to Target now.
	Attach
)

func (a Action) String() string {
	switch a {
	case None:
		return "none"
	case Schedule:
		return "schedule"
	case Replace:
		return "replace"
	case Cancel:
		return "cancel"
	case SwitchToFallback:
		return "switch_to_fallback"
	case Recover:
		return "recover"
	case Attach:
		return "attach"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Pending describes the handover event already armed for the link.
type Pending struct {
	Target model.CellID
	FireAt time.Time
}

// Input is everything one evaluation looks at.
type Input struct {
	Link model.Link
	// Samples holds the latest quality of every candidate cell of the link.
	Samples map[model.CellID]float64
	// Current is the serving cell on the link, zero if none.
	Current model.CellID
	// OnFallback is set while a secondary link's traffic uses the anchor.
	OnFallback bool
	Pending    *Pending
	// InProgress is set while a handover procedure for the link is running.
	InProgress bool
	Now        time.Time
}

// Decision is the result of Evaluate. Delay is only meaningful for Schedule
// and Replace; a zero delay means act as soon as the event loop allows.
type Decision struct {
	Action Action
	Target model.CellID
	Delay  time.Duration
	Gap    float64
	Reason string
}

// BestCell returns the candidate with the highest quality. Ties keep current
// when it is among them, otherwise the lowest cell id wins.
func BestCell(samples map[model.CellID]float64, current model.CellID) (model.CellID, float64, bool) {
	var (
		best    model.CellID
		bestVal = math.Inf(-1)
		found   bool
	)
	for cell, v := range samples {
		switch {
		case !found || v > bestVal:
		case v == bestVal && (cell == current || (best != current && cell < best)):
		default:
			continue
		}
		best, bestVal, found = cell, v, true
	}
	return best, bestVal, found
}

// Evaluate runs the decision algorithm for one link.
func Evaluate(p Params, in Input) Decision {
	if in.InProgress {
		return Decision{Action: None, Reason: "procedure in progress"}
	}
	best, bestVal, ok := BestCell(in.Samples, in.Current)
	if !ok {
		return Decision{Action: None, Reason: "no measurements"}
	}
	secondary := in.Link != model.LinkAnchor

	if secondary && (in.Current == 0 || in.OnFallback) {
		return evaluateDetached(p, in, best, bestVal)
	}

	curVal, measured := in.Samples[in.Current]
	if !measured {
		return Decision{Action: None, Reason: "serving cell not measured"}
	}

	if secondary && bestVal < p.OutageThreshold {
		return Decision{Action: SwitchToFallback, Target: 0, Gap: bestVal - p.OutageThreshold, Reason: "all candidates in outage"}
	}

	gap := bestVal - curVal
	servingOutage := secondary && curVal < p.OutageThreshold

	if servingOutage && best != in.Current {
		act := Schedule
		if in.Pending != nil {
			act = Replace
		}
		return Decision{Action: act, Target: best, Delay: 0, Gap: gap, Reason: "serving cell in outage"}
	}

	if in.Pending != nil {
		return evaluatePending(p, in, best, bestVal, gap)
	}

	if best == in.Current {
		return Decision{Action: None, Gap: gap, Reason: "serving cell is best"}
	}

	if p.Policy == Threshold {
		if gap > p.Hysteresis {
			return Decision{Action: Schedule, Target: best, Delay: 0, Gap: gap, Reason: "gap above threshold"}
		}
		return Decision{Action: None, Gap: gap, Reason: "gap within threshold"}
	}
	return Decision{Action: Schedule, Target: best, Delay: p.ComputeTTT(gap), Gap: gap, Reason: "better cell found"}
}

func evaluateDetached(p Params, in Input, best model.CellID, bestVal float64) Decision {
	threshold := p.OutageThreshold
	if in.OnFallback {
		threshold += p.RecoveryMargin
	}
	if bestVal < threshold {
		if in.Pending != nil {
			return Decision{Action: Cancel, Target: in.Pending.Target, Reason: "no usable cell"}
		}
		return Decision{Action: None, Reason: "no usable cell"}
	}
	if in.OnFallback {
		return Decision{Action: Recover, Target: best, Gap: bestVal - threshold, Reason: "outage cleared"}
	}
	return Decision{Action: Attach, Target: best, Gap: bestVal - threshold, Reason: "usable cell found"}
}

func evaluatePending(p Params, in Input, best model.CellID, bestVal, gap float64) Decision {
	pending := in.Pending
	if pending.Target == best {
		if p.Policy == Threshold {
			return Decision{Action: None, Target: best, Gap: gap, Reason: "event already scheduled"}
		}
		ttt := p.ComputeTTT(gap)
		if in.Now.Add(ttt).Before(pending.FireAt) {
			return Decision{Action: Replace, Target: best, Delay: ttt, Gap: gap, Reason: "shorter time-to-trigger"}
		}
		return Decision{Action: None, Target: best, Gap: gap, Reason: "event already scheduled"}
	}

	targetVal, ok := in.Samples[pending.Target]
	if !ok {
		targetVal = math.Inf(-1)
	}
	if bestVal-targetVal > p.Hysteresis {
		if best == in.Current {
			return Decision{Action: Cancel, Target: pending.Target, Gap: gap, Reason: "serving cell recovered"}
		}
		return Decision{Action: Replace, Target: best, Delay: p.ComputeTTT(gap), Gap: gap, Reason: "new best cell beyond hysteresis"}
	}
	if best == in.Current {
		return Decision{Action: Cancel, Target: pending.Target, Gap: gap, Reason: "serving cell is best"}
	}
	return Decision{Action: None, Target: pending.Target, Gap: gap, Reason: "new best cell within hysteresis"}
}

// Revalidate checks a handover event that is about to fire against the latest
// measurements. It reports whether the handover to target should proceed.
func Revalidate(p Params, in Input, target model.CellID) (bool, string) {
	if in.InProgress {
		return false, "procedure in progress"
	}
	targetVal, ok := in.Samples[target]
	if !ok {
		return false, "target not measured"
	}
	if in.Link != model.LinkAnchor && targetVal < p.OutageThreshold {
		return false, "target in outage"
	}
	if target == in.Current {
		return false, "target already serving"
	}
	if curVal, ok := in.Samples[in.Current]; ok && curVal >= targetVal {
		return false, "serving cell no longer worse"
	}
	return true, ""
}
