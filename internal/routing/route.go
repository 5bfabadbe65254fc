// Package routing implements the rollout decision for repair tasks: for a
// given bot, pick the legacy task-creation flow or the new orchestrated
// recovery flow, and say why.
package routing

import (
	"fmt"
	"math"
	"strings"

	"github.com/fleetlab/fleetadmin/internal/config"
)

// Destination is the execution path chosen for a task.
type Destination string

const (
	// DestLegacy routes through direct task creation on the task-execution
	// service.
	DestLegacy Destination = "legacy"
	// DestRecovery routes through the orchestrated recovery-build flow.
	DestRecovery Destination = "recovery"
)

// Reason is the rationale for a routing decision. Exactly one reason is
// emitted per decision.
type Reason int

const (
	ReasonNotALabstation Reason = iota
	ReasonRolloutNotEnabled
	ReasonNoPools
	ReasonWrongPool
	ReasonThresholdZero
	ReasonScoreBelowThreshold
	ReasonScoreTooHigh
)

var reasonMessages = map[Reason]string{
	ReasonNotALabstation:      "recovery flow is not enabled yet for non-labstations",
	ReasonRolloutNotEnabled:   "recovery flow is not enabled",
	ReasonNoPools:             "device has no pools, possibly due to an inventory lookup error",
	ReasonWrongPool:           "device pools do not match the opted-in pools",
	ReasonThresholdZero:       "a rollout threshold of zero always routes legacy",
	ReasonScoreBelowThreshold: "random score is below the rollout threshold, authorizing the recovery flow",
	ReasonScoreTooHigh:        "random score is above the rollout threshold",
}

// String returns the readable description of a reason.
func (r Reason) String() string {
	if msg, ok := reasonMessages[r]; ok {
		return msg
	}
	return fmt.Sprintf("unrecognized reason %d", int(r))
}

// UFS error policy values. They control what happens when the pool-membership
// lookup failed upstream (signalled by an empty pool list).
type ufsErrorPolicy string

const (
	ufsErrorPolicyStrict   ufsErrorPolicy = "strict"
	ufsErrorPolicyFallback ufsErrorPolicy = "fallback"
	ufsErrorPolicyLax      ufsErrorPolicy = "lax"
)

// NormalizeErrorPolicy maps an operator-supplied policy string to its
// canonical name. The empty string and "default" mean fallback.
func NormalizeErrorPolicy(policy string) (string, error) {
	switch strings.ToLower(policy) {
	case "", "default", "fallback":
		return string(ufsErrorPolicyFallback), nil
	case "strict":
		return string(ufsErrorPolicyStrict), nil
	case "lax":
		return string(ufsErrorPolicyLax), nil
	}
	return "", fmt.Errorf("unrecognized ufs error policy: %q", policy)
}

// DUTRoutingInfo is the per-bot fact set needed to route, computed by the
// caller from live inventory lookups. An empty Pools slice signals that the
// lookup failed, which is distinct from a bot belonging to no opted-in pool.
type DUTRoutingInfo struct {
	IsLabstation bool
	Pools        []string
}

// Route decides the execution path for one bot.
//
// randFloat must be drawn uniformly from [0, 1) by the caller; taking it as
// an argument is all the entropy Route needs, which keeps the decision itself
// deterministic and directly testable. The exit conditions below are checked
// in order and are mutually exclusive; the first match wins.
func Route(cfg *config.RolloutConfig, info DUTRoutingInfo, randFloat float64) (Destination, Reason) {
	if !info.IsLabstation {
		return DestLegacy, ReasonNotALabstation
	}
	if cfg == nil || !cfg.Enable {
		return DestLegacy, ReasonRolloutNotEnabled
	}
	if !cfg.OptinAllDuts {
		if len(info.Pools) == 0 {
			policy, err := NormalizeErrorPolicy(cfg.UfsErrorPolicy)
			if err != nil || ufsErrorPolicy(policy) != ufsErrorPolicyLax {
				return DestLegacy, ReasonNoPools
			}
		} else if len(cfg.OptinDutPool) > 0 && isDisjoint(info.Pools, cfg.OptinDutPool) {
			return DestLegacy, ReasonWrongPool
		}
	}
	// A threshold of zero rejects every score, so zero permille means 0.0%
	// rather than 0.1%.
	if cfg.RolloutPermille <= 0 {
		return DestLegacy, ReasonThresholdZero
	}
	score := math.Round(1000.0 * randFloat)
	if score <= float64(cfg.RolloutPermille) {
		return DestRecovery, ReasonScoreBelowThreshold
	}
	return DestLegacy, ReasonScoreTooHigh
}

// isDisjoint reports whether two sequences, read as sets, share no element.
func isDisjoint(a, b []string) bool {
	set := make(map[string]bool, len(b))
	for _, item := range b {
		set[item] = true
	}
	for _, item := range a {
		if set[item] {
			return false
		}
	}
	return true
}
