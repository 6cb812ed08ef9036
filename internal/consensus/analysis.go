package consensus

import (
	"sort"

	"github.com/bounceproto/bounce/internal/protocol"
)

// Recommendation tells the orchestrator what to do after a round.
type Recommendation string

const (
	RecommendContinue        Recommendation = "continue"
	RecommendFocusDispute    Recommendation = "focus_dispute"
	RecommendRequestEvidence Recommendation = "request_evidence"
	RecommendCallJudge       Recommendation = "call_judge"
	RecommendDeadlock        Recommendation = "deadlock"
	RecommendComplete        Recommendation = "complete"
)

// Trend tracks the direction of the consensus score across rounds.
type Trend string

const (
	TrendUnknown   Trend = "unknown"
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// Vote is one participant's position in a round, as extracted from its
// response by the orchestrator's response parser.
type Vote struct {
	Participant string
	Stance      protocol.Stance
	Confidence  float64
}

// AnalysisConfig tunes round analysis.
type AnalysisConfig struct {
	// Threshold is the consensus score required for a reached vote.
	Threshold float64
	// QuorumRatio is the minimum fraction of active participants
	// that must approve before auto-stop may fire.
	QuorumRatio float64
	// StableRounds is how many consecutive reached rounds are
	// required before the recommendation becomes complete.
	StableRounds int
	// Mode selects the scoring rule, defaulting to majority.
	Mode protocol.ConsensusMode
}

// Analysis is the per-round consensus assessment.
type Analysis struct {
	Round          int
	Score          float64
	Reached        bool
	QuorumMet      bool
	SupportRatio   float64
	Recommendation Recommendation
	Trend          Trend
	// StableRounds counts consecutive rounds, ending at this one,
	// where the vote was reached.
	StableRounds int
	// Stances maps participant name to stance for reporting.
	Stances map[string]protocol.Stance
}

// Analyze scores one round of votes and classifies what the debate
// should do next. prev is the previous round's analysis, nil on the
// first round.
func Analyze(votes []Vote, round int, cfg AnalysisConfig, prev *Analysis) Analysis {
	if cfg.Mode == "" {
		cfg.Mode = protocol.ConsensusMajority
	}

	a := Analysis{
		Round:          round,
		Trend:          TrendUnknown,
		Recommendation: RecommendContinue,
		Stances:        make(map[string]protocol.Stance, len(votes)),
	}

	var active []Vote
	for _, v := range votes {
		a.Stances[v.Participant] = v.Stance
		if v.Stance == protocol.StanceDefer {
			continue
		}
		active = append(active, v)
	}

	if len(votes) > 0 && len(active) == 0 {
		a.Recommendation = RecommendDeadlock
		return a
	}
	if len(active) == 0 {
		return a
	}

	approvers, rejecters := 0, 0
	for _, v := range active {
		switch v.Stance {
		case protocol.StanceApprove:
			approvers++
		case protocol.StanceReject:
			rejecters++
		}
	}
	a.SupportRatio = float64(approvers) / float64(len(active))
	a.QuorumMet = cfg.QuorumRatio <= 0 || a.SupportRatio >= cfg.QuorumRatio

	a.Score = scoreVotes(active, cfg.Mode)
	a.Reached = reached(active, a.Score, cfg)

	if prev != nil {
		switch {
		case a.Score > prev.Score+0.05:
			a.Trend = TrendImproving
		case a.Score < prev.Score-0.05:
			a.Trend = TrendDeclining
		default:
			a.Trend = TrendStable
		}
	}

	if a.Reached {
		a.StableRounds = 1
		if prev != nil {
			a.StableRounds = prev.StableRounds + 1
		}
	}

	a.Recommendation = recommend(a, cfg, prev)
	return a
}

func scoreVotes(active []Vote, mode protocol.ConsensusMode) float64 {
	switch mode {
	case protocol.ConsensusWeighted:
		var signed float64
		for _, v := range active {
			switch v.Stance {
			case protocol.StanceApprove:
				signed += v.Confidence
			case protocol.StanceReject:
				signed -= v.Confidence
			}
		}
		return signed / float64(len(active))

	case protocol.ConsensusUnanimous:
		minConf := 1.0
		for _, v := range active {
			if v.Stance != protocol.StanceApprove {
				return 0
			}
			if v.Confidence < minConf {
				minConf = v.Confidence
			}
		}
		return minConf

	default: // majority
		var sum float64
		var n int
		for _, v := range active {
			if v.Stance == protocol.StanceApprove {
				sum += v.Confidence
				n++
			}
		}
		if n == 0 {
			return 0
		}
		return sum / float64(n)
	}
}

func reached(active []Vote, score float64, cfg AnalysisConfig) bool {
	switch cfg.Mode {
	case protocol.ConsensusWeighted:
		return meetsThreshold(score, cfg.Threshold)
	case protocol.ConsensusUnanimous:
		for _, v := range active {
			if v.Stance != protocol.StanceApprove {
				return false
			}
		}
		return meetsThreshold(score, cfg.Threshold)
	default:
		approvers := 0
		for _, v := range active {
			if v.Stance == protocol.StanceApprove {
				approvers++
			}
		}
		return float64(approvers) > float64(len(active))/2 && meetsThreshold(score, cfg.Threshold)
	}
}

func recommend(a Analysis, cfg AnalysisConfig, prev *Analysis) Recommendation {
	if a.Reached && a.QuorumMet {
		need := cfg.StableRounds
		if need < 1 {
			need = 1
		}
		if a.StableRounds >= need {
			return RecommendComplete
		}
		return RecommendCallJudge
	}

	// Entrenched split: both camps hold real support.
	if a.SupportRatio >= 0.3 && a.SupportRatio <= 0.7 &&
		prev != nil && a.Trend == TrendStable {
		return RecommendFocusDispute
	}

	// Two straight declining rounds with a split that will not move.
	if prev != nil && a.Trend == TrendDeclining && prev.Trend == TrendDeclining {
		return RecommendDeadlock
	}

	if a.Score < 0.4 && a.Trend == TrendDeclining {
		return RecommendRequestEvidence
	}

	return RecommendContinue
}

// SortedParticipants returns stance map keys in stable order for
// deterministic logging and summaries.
func SortedParticipants(stances map[string]protocol.Stance) []string {
	names := make([]string, 0, len(stances))
	for name := range stances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
