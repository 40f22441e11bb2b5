package decision

import (
	"fmt"
	"strings"
	"time"
)

// Policy selects how the delay before a handover is chosen.
type Policy int

const (
	// DynamicTTT scales the delay with the quality gap between cells.
	DynamicTTT Policy = iota
	// FixedTTT always waits FixedTTT.
	FixedTTT
	// Threshold acts immediately once the gap exceeds the hysteresis.
	Threshold
)

func (p Policy) String() string {
	switch p {
	case DynamicTTT:
		return "dynamic_ttt"
	case FixedTTT:
		return "fixed_ttt"
	case Threshold:
		return "threshold"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts the names produced by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dynamic_ttt", "dynamic":
		return DynamicTTT, nil
	case "fixed_ttt", "fixed":
		return FixedTTT, nil
	case "threshold":
		return Threshold, nil
	default:
		return 0, fmt.Errorf("unknown handover policy %q", s)
	}
}

// Params are the tunables of the decision algorithm. Quality values are in dB.
type Params struct {
	Policy Policy

	// OutageThreshold is the quality below which a cell cannot serve.
	OutageThreshold float64
	// RecoveryMargin is added to OutageThreshold before leaving the fallback path.
	RecoveryMargin float64
	// Hysteresis is the gap required to abandon a scheduled target, and the
	// gap that triggers the Threshold policy.
	Hysteresis float64

	FixedTTT time.Duration
	MinTTT   time.Duration
	MaxTTT   time.Duration
	// Gaps at or below MinDiff wait MaxTTT; gaps at or above MaxDiff wait MinTTT.
	MinDiff float64
	MaxDiff float64
}

// DefaultParams mirror the values the controller ships with.
func DefaultParams() Params {
	return Params{
		Policy:          DynamicTTT,
		OutageThreshold: -5,
		RecoveryMargin:  2,
		Hysteresis:      3,
		FixedTTT:        110 * time.Millisecond,
		MinTTT:          25 * time.Millisecond,
		MaxTTT:          150 * time.Millisecond,
		MinDiff:         3,
		MaxDiff:         20,
	}
}

// Validate reports parameter combinations the algorithm cannot use.
func (p Params) Validate() error {
	switch {
	case p.Policy < DynamicTTT || p.Policy > Threshold:
		return fmt.Errorf("decision: unknown policy %d", int(p.Policy))
	case p.MinTTT < 0 || p.FixedTTT < 0:
		return fmt.Errorf("decision: negative time-to-trigger")
	case p.MinTTT > p.MaxTTT:
		return fmt.Errorf("decision: min ttt %s exceeds max ttt %s", p.MinTTT, p.MaxTTT)
	case p.MinDiff >= p.MaxDiff:
		return fmt.Errorf("decision: min diff %.1f must be below max diff %.1f", p.MinDiff, p.MaxDiff)
	case p.Hysteresis < 0 || p.RecoveryMargin < 0:
		return fmt.Errorf("decision: hysteresis and recovery margin must be non-negative")
	}
	return nil
}

// ComputeTTT returns the delay to wait before acting on a quality gap.
// For DynamicTTT the delay falls linearly from MaxTTT at MinDiff to MinTTT at
// MaxDiff and is truncated to whole milliseconds. Threshold always returns zero.
func (p Params) ComputeTTT(gap float64) time.Duration {
	switch p.Policy {
	case FixedTTT:
		return p.FixedTTT
	case Threshold:
		return 0
	}

	if gap <= p.MinDiff {
		return p.MaxTTT
	}
	if gap >= p.MaxDiff {
		return p.MinTTT
	}
	maxMs := float64(p.MaxTTT) / float64(time.Millisecond)
	minMs := float64(p.MinTTT) / float64(time.Millisecond)
	ms := maxMs - (maxMs-minMs)*(gap-p.MinDiff)/(p.MaxDiff-p.MinDiff)
	ttt := time.Duration(int64(ms)) * time.Millisecond
	if ttt < p.MinTTT {
		ttt = p.MinTTT
	}
	return ttt
}
