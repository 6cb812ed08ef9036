// Package consensus scores agreement among debate participants. The
// entry-level engine operates on protocol log entries under the session
// rules; the analysis layer classifies orchestrator responses and gates
// the auto-stop decision with trend and stability tracking.
package consensus

import (
	"github.com/bounceproto/bounce/internal/protocol"
)

// Outcome is the result classification of a consensus check.
type Outcome string

const (
	OutcomeReached    Outcome = "reached"
	OutcomeNotReached Outcome = "not-reached"
	OutcomeDeadlock   Outcome = "deadlock"
)

// scoreEpsilon absorbs float accumulation error at the threshold
// boundary: a mean like (0.9+0.6-0.3)/3 lands a hair under 0.4, and
// "score at or above threshold" must still hold there.
const scoreEpsilon = 1e-9

func meetsThreshold(score, threshold float64) bool {
	return score >= threshold-scoreEpsilon
}

// Result is the outcome of Detect over a set of entries.
type Result struct {
	Outcome Outcome
	// Score is mode-dependent: mean approver confidence (majority),
	// mean signed confidence (weighted), or minimum approver
	// confidence (unanimous).
	Score float64
	// Round is the round the check was computed over, 0 when no
	// entries were present.
	Round int
	// AgentStances records each agent's latest stance in the round.
	AgentStances map[string]protocol.Stance
}

// LatestEntriesPerAgent returns each agent's latest entry, filtered to
// the given round. A negative round selects the most recent round
// present in entries.
func LatestEntriesPerAgent(entries []protocol.Entry, round int) map[string]protocol.Entry {
	if round < 0 {
		for _, e := range entries {
			if e.Round > round {
				round = e.Round
			}
		}
	}

	latest := make(map[string]protocol.Entry)
	for _, e := range entries {
		if e.Round != round || e.Author == "" {
			continue
		}
		latest[e.Author] = e // entries are ordered, later wins
	}
	return latest
}

// Detect computes consensus from entries under the configured mode.
// Only each agent's latest entry within the most recent round counts.
// Deferring agents are excluded before scoring; if every agent defers
// the outcome is deadlock with score 0.
func Detect(entries []protocol.Entry, rules protocol.Rules) Result {
	if len(entries) == 0 {
		return Result{Outcome: OutcomeNotReached, AgentStances: map[string]protocol.Stance{}}
	}

	round := 0
	for _, e := range entries {
		if e.Round > round {
			round = e.Round
		}
	}
	latest := LatestEntriesPerAgent(entries, round)

	stances := make(map[string]protocol.Stance, len(latest))
	type vote struct {
		stance protocol.Stance
		conf   float64
	}
	var active []vote
	for agent, e := range latest {
		stance := protocol.StanceNeutral
		if e.Fields.Stance != nil {
			stance = *e.Fields.Stance
		}
		stances[agent] = stance
		if stance == protocol.StanceDefer {
			continue
		}
		conf := 0.0
		if e.Fields.Confidence != nil {
			conf = *e.Fields.Confidence
		}
		active = append(active, vote{stance: stance, conf: conf})
	}

	if len(active) == 0 {
		return Result{Outcome: OutcomeDeadlock, Round: round, AgentStances: stances}
	}

	res := Result{Outcome: OutcomeNotReached, Round: round, AgentStances: stances}

	switch rules.ConsensusMode {
	case protocol.ConsensusMajority:
		var approvers int
		var confSum float64
		for _, v := range active {
			if v.stance == protocol.StanceApprove {
				approvers++
				confSum += v.conf
			}
		}
		if approvers > 0 {
			res.Score = confSum / float64(approvers)
		}
		if float64(approvers) > float64(len(active))/2 && meetsThreshold(res.Score, rules.ConsensusThreshold) {
			res.Outcome = OutcomeReached
		}

	case protocol.ConsensusWeighted:
		var signed float64
		for _, v := range active {
			switch v.stance {
			case protocol.StanceApprove:
				signed += v.conf
			case protocol.StanceReject:
				signed -= v.conf
			}
		}
		res.Score = signed / float64(len(active))
		if meetsThreshold(res.Score, rules.ConsensusThreshold) {
			res.Outcome = OutcomeReached
		}

	case protocol.ConsensusUnanimous:
		allApprove := true
		minConf := 1.0
		for _, v := range active {
			if v.stance != protocol.StanceApprove {
				allApprove = false
				break
			}
			if v.conf < minConf {
				minConf = v.conf
			}
		}
		if !allApprove {
			res.Score = 0
			break
		}
		res.Score = minConf
		if meetsThreshold(minConf, rules.ConsensusThreshold) {
			res.Outcome = OutcomeReached
		}
	}

	return res
}
