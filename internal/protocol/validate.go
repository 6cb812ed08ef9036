package protocol

import (
	"strconv"

	"github.com/google/uuid"
)

// ValidateSession re-checks an arbitrary in-memory session, including
// cross-entry semantics the parser cannot see field-by-field: duplicate
// entry ids, round monotonicity, round-robin order compliance, and
// required-field completeness under structured output. It can run on
// parsed or programmatically constructed sessions alike.
func ValidateSession(s *Session) []Issue {
	v := &validator{session: s}
	v.checkHeader()
	v.checkRules()
	v.checkEntries()
	return v.issues
}

// Valid reports whether issues contain no error-severity findings.
func Valid(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			return false
		}
	}
	return true
}

type validator struct {
	session *Session
	issues  []Issue
}

func (v *validator) add(sev Severity, code, msg, entryID string) {
	v.issues = append(v.issues, Issue{Severity: sev, Code: code, Message: msg, EntryID: entryID})
}

func (v *validator) checkHeader() {
	s := v.session
	if s.Version == "" {
		v.add(SeverityError, CodeMissingHeader, "session has no protocol version", "")
	}
	if s.Created == "" {
		v.add(SeverityError, CodeMissingHeader, "session has no created timestamp", "")
	}
	if s.SessionID == "" {
		v.add(SeverityError, CodeMissingHeader, "session has no session id", "")
	} else if _, err := uuid.Parse(s.SessionID); err != nil {
		v.add(SeverityWarning, CodeBadSessionID, "session-id is not a valid UUID", "")
	}
}

func (v *validator) checkRules() {
	r := v.session.Rules

	if len(r.Agents) == 0 {
		v.add(SeverityError, CodeEmptyAgents, "rules declare no agents", "")
	}
	seen := make(map[string]bool, len(r.Agents))
	for _, a := range r.Agents {
		if seen[a] {
			v.add(SeverityError, CodeDuplicateAgent, "duplicate agent "+strconv.Quote(a), "")
		}
		seen[a] = true
	}

	if !r.TurnOrder.Valid() {
		v.add(SeverityError, CodeBadRulesValue, "invalid turn-order "+strconv.Quote(string(r.TurnOrder)), "")
	}
	if !r.ConsensusMode.Valid() {
		v.add(SeverityError, CodeBadRulesValue, "invalid consensus-mode "+strconv.Quote(string(r.ConsensusMode)), "")
	}
	if !r.Escalation.Valid() {
		v.add(SeverityError, CodeBadRulesValue, "invalid escalation "+strconv.Quote(string(r.Escalation)), "")
	}
	if !r.OutputFormat.Valid() {
		v.add(SeverityError, CodeBadRulesValue, "invalid output-format "+strconv.Quote(string(r.OutputFormat)), "")
	}
	if r.ConsensusThreshold < 0 || r.ConsensusThreshold > 1 {
		v.add(SeverityError, CodeBadRulesValue, "consensus-threshold out of range [0,1]", "")
	}
	if r.MaxRounds < 1 || r.MaxRounds > 100 {
		v.add(SeverityError, CodeBadRulesValue, "max-rounds out of range [1,100]", "")
	}
}

func (v *validator) checkEntries() {
	s := v.session
	structured := s.Rules.OutputFormat == OutputStructured

	seenIDs := make(map[string]bool, len(s.Entries))
	prevRound := 0

	// Round-robin order tracking. Resyncs after a violation so one skip
	// does not cascade into a violation on every following entry.
	agentIndex := make(map[string]int, len(s.Rules.Agents))
	for i, a := range s.Rules.Agents {
		agentIndex[a] = i
	}
	expected := 0

	for _, e := range s.Entries {
		if e.ID == "" {
			v.add(SeverityError, CodeBadEntryMarker, "entry has no id", "")
		} else {
			if _, err := uuid.Parse(e.ID); err != nil {
				v.add(SeverityWarning, CodeBadEntryMarker, "entry id is not a valid UUID", e.ID)
			}
			if seenIDs[e.ID] {
				v.add(SeverityError, CodeDuplicateEntryID, "duplicate entry id "+e.ID, e.ID)
			}
			seenIDs[e.ID] = true
		}

		if e.Round < prevRound {
			v.add(SeverityError, CodeNonMonotonicRound,
				"round number decreased from "+strconv.Itoa(prevRound)+" to "+strconv.Itoa(e.Round), e.ID)
		} else {
			prevRound = e.Round
		}

		if e.Author == "" {
			v.add(SeverityError, CodeBadStatusLine, "entry has no author", e.ID)
		} else if len(s.Rules.Agents) > 0 && !s.Rules.HasAgent(e.Author) {
			v.add(SeverityError, CodeAuthorNotInAgents,
				"author "+strconv.Quote(e.Author)+" is not in rules agents", e.ID)
		}

		if !e.Status.Valid() {
			v.add(SeverityError, CodeUnknownStatus,
				"unknown status "+strconv.Quote(string(e.Status)), e.ID)
		}

		v.checkFields(e, structured)

		if !e.HasYield {
			v.add(SeverityWarning, CodeMissingYield, "entry has no yield marker", e.ID)
		}

		if s.Rules.TurnOrder == TurnRoundRobin && len(s.Rules.Agents) > 0 {
			if idx, known := agentIndex[e.Author]; known {
				if idx != expected {
					v.add(SeverityWarning, CodeTurnOrderViolation,
						"expected "+strconv.Quote(s.Rules.Agents[expected])+" next under round-robin, got "+strconv.Quote(e.Author), e.ID)
				}
				expected = (idx + 1) % len(s.Rules.Agents)
			}
		}
	}
}

// checkFields validates field values and, under structured output,
// required-field completeness. A nil field is missing (error when
// required); a present-but-empty field is a warning.
func (v *validator) checkFields(e Entry, structured bool) {
	f := e.Fields

	if f.Stance != nil && !f.Stance.Valid() {
		v.add(SeverityError, CodeUnknownStance,
			"unknown stance "+strconv.Quote(string(*f.Stance)), e.ID)
	}
	if f.Confidence != nil && (*f.Confidence < 0 || *f.Confidence > 1) {
		v.add(SeverityError, CodeBadConfidence, "confidence out of range [0,1]", e.ID)
	}
	if f.Summary != nil && *f.Summary == "" {
		v.add(SeverityWarning, CodeEmptyField, "summary is present but empty", e.ID)
	}

	if !structured {
		return
	}
	if f.Stance == nil {
		v.add(SeverityError, CodeMissingRequiredField, "structured output requires stance", e.ID)
	}
	if f.Confidence == nil {
		v.add(SeverityError, CodeMissingRequiredField, "structured output requires confidence", e.ID)
	}
	if f.Summary == nil {
		v.add(SeverityError, CodeMissingRequiredField, "structured output requires summary", e.ID)
	}
}
