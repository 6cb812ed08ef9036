// Package protocol implements the Bounce Protocol file format v0.1: the
// shared value types, a permissive line-oriented parser, a structural
// validator, and a serializer with an append-only durability contract.
//
// A session log is a human-readable markdown-ish file: three HTML-comment
// header lines, a title, a fenced rules block, a free-text context
// section, and a dialogue section of entry blocks. Parsing never fails
// outright; structurally broken input yields a partial Session plus an
// ordered list of Issues.
package protocol

import "fmt"

// Version is the protocol format version this package reads and writes.
const Version = "0.1"

// TurnOrder governs who may speak next within a round.
type TurnOrder string

const (
	TurnRoundRobin TurnOrder = "round-robin"
	TurnFreeForm   TurnOrder = "free-form"
	TurnSupervised TurnOrder = "supervised"
)

// Valid reports whether the turn order is a known value.
func (t TurnOrder) Valid() bool {
	switch t {
	case TurnRoundRobin, TurnFreeForm, TurnSupervised:
		return true
	}
	return false
}

// ConsensusMode selects the consensus scoring rule.
type ConsensusMode string

const (
	ConsensusMajority  ConsensusMode = "majority"
	ConsensusWeighted  ConsensusMode = "weighted"
	ConsensusUnanimous ConsensusMode = "unanimous"
)

// Valid reports whether the consensus mode is a known value.
func (m ConsensusMode) Valid() bool {
	switch m {
	case ConsensusMajority, ConsensusWeighted, ConsensusUnanimous:
		return true
	}
	return false
}

// EscalationPolicy governs what happens when a turn times out.
type EscalationPolicy string

const (
	EscalateHuman         EscalationPolicy = "human"
	EscalateDefaultAction EscalationPolicy = "default-action"
	EscalateTimeoutSkip   EscalationPolicy = "timeout-skip"
)

// Valid reports whether the escalation policy is a known value.
func (e EscalationPolicy) Valid() bool {
	switch e {
	case EscalateHuman, EscalateDefaultAction, EscalateTimeoutSkip:
		return true
	}
	return false
}

// OutputFormat declares whether entries must carry structured fields.
type OutputFormat string

const (
	OutputStructured OutputFormat = "structured"
	OutputFreeText   OutputFormat = "free-text"
)

// Valid reports whether the output format is a known value.
func (f OutputFormat) Valid() bool {
	switch f {
	case OutputStructured, OutputFreeText:
		return true
	}
	return false
}

// Stance is an entry's declared position.
type Stance string

const (
	StanceApprove Stance = "approve"
	StanceReject  Stance = "reject"
	StanceNeutral Stance = "neutral"
	StanceDefer   Stance = "defer"
)

// Valid reports whether the stance is a known value.
func (s Stance) Valid() bool {
	switch s {
	case StanceApprove, StanceReject, StanceNeutral, StanceDefer:
		return true
	}
	return false
}

// EntryStatus is the lifecycle state recorded on an entry's status line.
type EntryStatus string

const (
	StatusOpen       EntryStatus = "open"
	StatusInProgress EntryStatus = "in_progress"
	StatusClosed     EntryStatus = "closed"
	StatusYield      EntryStatus = "yield"
)

// Valid reports whether the entry status is a known value.
func (s EntryStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusClosed, StatusYield:
		return true
	}
	return false
}

// Rules is the session-wide governance block. Immutable once a session
// has started.
type Rules struct {
	// Agents is the ordered set of agent identifiers. Non-empty, unique.
	Agents []string
	// TurnOrder selects the advancement discipline.
	TurnOrder TurnOrder
	// MaxTurnsPerRound caps how many turns one agent may take per round.
	MaxTurnsPerRound int
	// TurnTimeoutSec is the per-turn timeout in seconds.
	TurnTimeoutSec int
	// ConsensusThreshold is the score threshold in [0, 1].
	ConsensusThreshold float64
	// ConsensusMode selects the scoring rule.
	ConsensusMode ConsensusMode
	// Escalation governs turn-timeout handling.
	Escalation EscalationPolicy
	// MaxRounds caps the session length (1–100).
	MaxRounds int
	// OutputFormat declares whether structured entry fields are required.
	OutputFormat OutputFormat
}

// HasAgent reports whether name is a member of the agent set.
func (r Rules) HasAgent(name string) bool {
	for _, a := range r.Agents {
		if a == name {
			return true
		}
	}
	return false
}

// EntryFields holds the optional structured fields of an entry. A nil
// pointer means the field was absent; a pointer to an empty value means
// it was present but empty. The validator treats the two differently.
type EntryFields struct {
	Stance          *Stance
	Confidence      *float64
	Summary         *string
	ActionRequested *string
	Evidence        *string
}

// Entry is one turn's record. Entries are append-only; a correction is a
// new entry, never an edit.
type Entry struct {
	// ID is the entry's UUIDv4.
	ID string
	// Turn is the 1-based turn number within the round.
	Turn int
	// Round is the 1-based round number.
	Round int
	// Timestamp is the ISO-8601 creation time, kept verbatim for
	// byte-exact round-trips.
	Timestamp string
	// Author must be a member of the session's rules.Agents.
	Author string
	// Status is the entry lifecycle state.
	Status EntryStatus
	// Fields holds the optional structured fields.
	Fields EntryFields
	// Body is the free-text body.
	Body string
	// HasYield marks an explicit turn release.
	HasYield bool
}

// Session is a parsed or constructed bounce session.
type Session struct {
	// Version is the protocol version from the header.
	Version string
	// Created is the ISO-8601 creation timestamp from the header.
	Created string
	// SessionID is the session's UUIDv4.
	SessionID string
	// Title is the session title.
	Title string
	// Rules is the governance block.
	Rules Rules
	// Context is the free-text context section.
	Context string
	// Entries is the ordered dialogue.
	Entries []Entry
	// Raw is the source text this session was parsed from, empty for
	// programmatically constructed sessions.
	Raw string
}

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue codes emitted by the parser and validator.
const (
	CodeMissingHeader        = "missing_header"
	CodeBadVersion           = "bad_version"
	CodeBadSessionID         = "bad_session_id"
	CodeMissingTitle         = "missing_title"
	CodeMissingSection       = "missing_section"
	CodeBadRulesValue        = "bad_rules_value"
	CodeUnknownRulesKey      = "unknown_rules_key"
	CodeEmptyAgents          = "empty_agents"
	CodeDuplicateAgent       = "duplicate_agent"
	CodeBadEntryMarker       = "bad_entry_marker"
	CodeBadTurnComment       = "bad_turn_comment"
	CodeBadStatusLine        = "bad_status_line"
	CodeUnknownStatus        = "unknown_status"
	CodeUnknownStance        = "unknown_stance"
	CodeBadConfidence        = "bad_confidence"
	CodeAuthorNotInAgents    = "author_not_in_agents"
	CodeMissingYield         = "missing_yield"
	CodeDuplicateEntryID     = "duplicate_entry_id"
	CodeNonMonotonicRound    = "non_monotonic_round"
	CodeMissingRequiredField = "missing_required_field"
	CodeEmptyField           = "empty_field"
	CodeTurnOrderViolation   = "turn_order_violation"
)

// Issue is one structured validation finding. Error severity marks the
// session invalid; warnings do not.
type Issue struct {
	Severity Severity
	Code     string
	Message  string
	// Line is the 1-based source line, 0 when not applicable.
	Line int
	// EntryID identifies the offending entry, when known.
	EntryID string
}

func (i Issue) String() string {
	if i.Line > 0 {
		return fmt.Sprintf("%s: %s (%s, line %d)", i.Severity, i.Message, i.Code, i.Line)
	}
	return fmt.Sprintf("%s: %s (%s)", i.Severity, i.Message, i.Code)
}

// ParseResult pairs a (possibly partial) session with the issues found.
type ParseResult struct {
	Session *Session
	Issues  []Issue
}

// Valid reports whether no error-severity issues were found.
func (r ParseResult) Valid() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Errors returns only the error-severity issues.
func (r ParseResult) Errors() []Issue {
	var out []Issue
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			out = append(out, issue)
		}
	}
	return out
}
