package protocol

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateOptions configures session creation. Zero values get defaults:
// a generated UUIDv4 session id, the current UTC time, and DefaultRules
// for the given agents.
type CreateOptions struct {
	Title     string
	Agents    []string
	Rules     *Rules // overrides Agents/defaults entirely when set
	Context   string
	SessionID string
	Created   string
}

// DefaultRules returns the governance defaults for a new session.
func DefaultRules(agents []string) Rules {
	return Rules{
		Agents:             agents,
		TurnOrder:          TurnRoundRobin,
		MaxTurnsPerRound:   1,
		TurnTimeoutSec:     120,
		ConsensusThreshold: 0.75,
		ConsensusMode:      ConsensusMajority,
		Escalation:         EscalateTimeoutSkip,
		MaxRounds:          10,
		OutputFormat:       OutputStructured,
	}
}

// CreateSession constructs a new session with an empty dialogue,
// generating a UUIDv4 session id and ISO-8601 timestamp when omitted.
// The returned session's Raw holds the full serialized skeleton.
func CreateSession(opts CreateOptions) *Session {
	rules := DefaultRules(opts.Agents)
	if opts.Rules != nil {
		rules = *opts.Rules
	}

	s := &Session{
		Version:   Version,
		Created:   opts.Created,
		SessionID: opts.SessionID,
		Title:     opts.Title,
		Rules:     rules,
		Context:   opts.Context,
	}
	if s.SessionID == "" {
		s.SessionID = uuid.NewString()
	}
	if s.Created == "" {
		s.Created = time.Now().UTC().Format(time.RFC3339)
	}
	s.Raw = SerializeSession(s)
	return s
}

// SerializeSession renders the full session text: header, title, rules,
// context, and every entry in order.
func SerializeSession(s *Session) string {
	var b strings.Builder

	b.WriteString("<!-- bounce-protocol: " + s.Version + " -->\n")
	b.WriteString("<!-- created: " + s.Created + " -->\n")
	b.WriteString("<!-- session-id: " + s.SessionID + " -->\n")
	b.WriteString("\n")
	b.WriteString(titlePrefix + " " + s.Title + "\n")
	b.WriteString("\n")
	b.WriteString(headingRules + "\n\n")
	b.WriteString(serializeRules(s.Rules))
	b.WriteString("\n" + headingContext + "\n\n")
	if s.Context != "" {
		b.WriteString(s.Context + "\n")
	}
	b.WriteString("\n" + headingDialog + "\n")

	for i := range s.Entries {
		b.WriteString("\n")
		b.WriteString(SerializeEntry(&s.Entries[i]))
	}
	return b.String()
}

func serializeRules(r Rules) string {
	var b strings.Builder

	b.WriteString("```\n")
	b.WriteString("agents:\n")
	for _, a := range r.Agents {
		b.WriteString("  - " + a + "\n")
	}
	b.WriteString("turn-order: " + string(r.TurnOrder) + "\n")
	b.WriteString("max-turns-per-round: " + strconv.Itoa(r.MaxTurnsPerRound) + "\n")
	b.WriteString("turn-timeout: " + strconv.Itoa(r.TurnTimeoutSec) + "\n")
	b.WriteString("consensus-threshold: " + formatFloat(r.ConsensusThreshold) + "\n")
	b.WriteString("consensus-mode: " + string(r.ConsensusMode) + "\n")
	b.WriteString("escalation: " + string(r.Escalation) + "\n")
	b.WriteString("max-rounds: " + strconv.Itoa(r.MaxRounds) + "\n")
	b.WriteString("output-format: " + string(r.OutputFormat) + "\n")
	b.WriteString("```\n")
	return b.String()
}

// SerializeEntry renders one entry block in the exact dialogue grammar.
// An empty ID or Timestamp is filled in on the entry before rendering,
// so the caller sees the values that were written.
func SerializeEntry(e *Entry) string {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	var b strings.Builder

	b.WriteString("<!-- entry: " + e.ID + " -->\n")
	b.WriteString("<!-- turn: " + strconv.Itoa(e.Turn) + " round: " + strconv.Itoa(e.Round) + " -->\n")
	b.WriteString(e.Timestamp + " [author: " + e.Author + "] [status: " + string(e.Status) + "]\n")

	// Structured fields, omitted when absent. Free-text entries get a
	// bare status line.
	f := e.Fields
	if f.Stance != nil {
		b.WriteString("stance: " + string(*f.Stance) + "\n")
	}
	if f.Confidence != nil {
		b.WriteString("confidence: " + formatFloat(*f.Confidence) + "\n")
	}
	if f.Summary != nil {
		b.WriteString("summary: " + *f.Summary + "\n")
	}
	if f.ActionRequested != nil {
		b.WriteString("action_requested: " + *f.ActionRequested + "\n")
	}
	if f.Evidence != nil {
		b.WriteString("evidence: " + *f.Evidence + "\n")
	}

	if e.Body != "" {
		b.WriteString("\n" + e.Body + "\n")
	}
	if e.HasYield {
		b.WriteString("\n" + yieldMarker + "\n")
	}
	return b.String()
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// NewEntry constructs a closed, yielded entry for the given author with
// a generated id and timestamp.
func NewEntry(author string, turn, round int, body string) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Turn:      turn,
		Round:     round,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Author:    author,
		Status:    StatusClosed,
		Body:      body,
		HasYield:  true,
	}
}
