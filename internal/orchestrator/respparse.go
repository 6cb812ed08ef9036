package orchestrator

import (
	"strconv"
	"strings"

	"github.com/bounceproto/bounce/internal/protocol"
)

// defaultConfidence is assumed when a response states no confidence and
// no hedging keyword matches.
const defaultConfidence = 0.6

// ParseResponse extracts a stance, confidence, key points, and
// agreement references from a free-text model reply. An explicit
// "stance:" or "confidence:" line always beats the keyword heuristics.
func ParseResponse(participant, text string) Response {
	r := Response{
		Participant: participant,
		Text:        text,
		Stance:      protocol.StanceNeutral,
		Confidence:  defaultConfidence,
		Received:    true,
	}

	lower := strings.ToLower(text)

	if s, ok := explicitStance(lower); ok {
		r.Stance = s
	} else {
		r.Stance = keywordStance(lower)
	}

	if c, ok := explicitConfidence(lower); ok {
		r.Confidence = c
	} else {
		r.Confidence = keywordConfidence(lower)
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			r.KeyPoints = append(r.KeyPoints, strings.TrimSpace(trimmed[2:]))
		}
		lowLine := strings.ToLower(trimmed)
		if rest, ok := after(lowLine, "agree with "); ok && !strings.Contains(lowLine, "disagree with ") {
			r.Agreements = append(r.Agreements, firstWord(rest))
		}
		if rest, ok := after(lowLine, "disagree with "); ok {
			r.Disagreements = append(r.Disagreements, firstWord(rest))
		}
	}

	return r
}

// explicitStance honors a literal "stance: <value>" declaration.
func explicitStance(lower string) (protocol.Stance, bool) {
	rest, ok := after(lower, "stance:")
	if !ok {
		return "", false
	}
	word := firstWord(strings.TrimSpace(rest))
	switch word {
	case "approve", "agree", "accept", "support":
		return protocol.StanceApprove, true
	case "reject", "disagree", "oppose":
		return protocol.StanceReject, true
	case "neutral":
		return protocol.StanceNeutral, true
	case "defer":
		return protocol.StanceDefer, true
	}
	return "", false
}

func keywordStance(lower string) protocol.Stance {
	switch {
	case strings.Contains(lower, "i defer") || strings.Contains(lower, "defer to"):
		return protocol.StanceDefer
	case strings.Contains(lower, "disagree") || strings.Contains(lower, "reject") ||
		strings.Contains(lower, "oppose") || strings.Contains(lower, "i don't think") ||
		strings.Contains(lower, "i do not think"):
		return protocol.StanceReject
	case strings.Contains(lower, "agree") || strings.Contains(lower, "approve") ||
		strings.Contains(lower, "support") || strings.Contains(lower, "sounds right"):
		return protocol.StanceApprove
	default:
		return protocol.StanceNeutral
	}
}

// explicitConfidence parses "confidence: 85%" or "confidence: 0.85".
func explicitConfidence(lower string) (float64, bool) {
	rest, ok := after(lower, "confidence:")
	if !ok {
		return 0, false
	}
	token := firstWord(strings.TrimSpace(rest))
	if token == "" {
		return 0, false
	}

	percent := strings.HasSuffix(token, "%")
	token = strings.TrimSuffix(token, "%")
	v, err := strconv.ParseFloat(strings.TrimSuffix(token, "."), 64)
	if err != nil {
		return 0, false
	}
	if percent || v > 1 {
		v /= 100
	}
	if v < 0 || v > 1 {
		return 0, false
	}
	return v, true
}

func keywordConfidence(lower string) float64 {
	switch {
	case strings.Contains(lower, "certain") || strings.Contains(lower, "definitely") ||
		strings.Contains(lower, "clearly") || strings.Contains(lower, "without doubt"):
		return 0.9
	case strings.Contains(lower, "likely") || strings.Contains(lower, "probably") ||
		strings.Contains(lower, "confident"):
		return 0.75
	case strings.Contains(lower, "unsure") || strings.Contains(lower, "uncertain") ||
		strings.Contains(lower, "maybe") || strings.Contains(lower, "perhaps") ||
		strings.Contains(lower, "might"):
		return 0.4
	default:
		return defaultConfidence
	}
}

// after returns the text following the first occurrence of marker.
func after(s, marker string) (string, bool) {
	i := strings.Index(s, marker)
	if i < 0 {
		return "", false
	}
	return s[i+len(marker):], true
}

// firstWord returns the first whitespace-delimited token, with trailing
// punctuation stripped.
func firstWord(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t\n"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimRight(s, ".,;:!?")
}
