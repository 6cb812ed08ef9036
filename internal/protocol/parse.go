package protocol

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// headerScanLimit bounds how far into the file the header comments may
// appear.
const headerScanLimit = 10

// Section heading lines, matched exactly after trailing-space trim.
const (
	titlePrefix    = "# Bounce Session:"
	headingRules   = "## Protocol Rules"
	headingContext = "## Context"
	headingDialog  = "## Dialogue"
)

// Entry block markers.
const (
	entryMarkerPrefix = "<!-- entry:"
	turnMarkerPrefix  = "<!-- turn:"
	yieldMarker       = "<!-- yield -->"
	commentSuffix     = "-->"
)

// ParseSession parses session log text into a Session plus an ordered
// list of issues. It never fails outright: structurally broken input
// yields a partial Session, and one malformed entry does not block
// parsing of the others.
func ParseSession(text string) ParseResult {
	p := &parser{
		lines:   splitLines(text),
		session: &Session{Raw: text},
	}

	p.parseHeader()
	p.locateSections()
	p.parseTitle()
	p.parseRules()
	p.parseContext()
	p.parseDialogue()

	return ParseResult{Session: p.session, Issues: p.issues}
}

type parser struct {
	lines   []string
	session *Session
	issues  []Issue

	// Discovered section boundaries, -1 when the heading is absent.
	titleLine   int
	rulesLine   int
	contextLine int
	dialogLine  int
}

func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, "\r")
	}
	return lines
}

func (p *parser) addIssue(sev Severity, code, msg string, line int) {
	p.issues = append(p.issues, Issue{Severity: sev, Code: code, Message: msg, Line: line})
}

func (p *parser) addEntryIssue(sev Severity, code, msg string, line int, entryID string) {
	p.issues = append(p.issues, Issue{Severity: sev, Code: code, Message: msg, Line: line, EntryID: entryID})
}

// parseComment extracts the value from an HTML comment of the form
// "<!-- key: value -->". Returns ok=false when the line is not such a
// comment for the given key.
func parseComment(line, key string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	prefix := "<!-- " + key + ":"
	if !strings.HasPrefix(trimmed, prefix) || !strings.HasSuffix(trimmed, commentSuffix) {
		return "", false
	}
	inner := trimmed[len(prefix) : len(trimmed)-len(commentSuffix)]
	return strings.TrimSpace(inner), true
}

// parseHeader scans the first few lines for the three required header
// comments, in any order.
func (p *parser) parseHeader() {
	limit := headerScanLimit
	if limit > len(p.lines) {
		limit = len(p.lines)
	}

	for i := 0; i < limit; i++ {
		line := p.lines[i]
		if v, ok := parseComment(line, "bounce-protocol"); ok {
			p.session.Version = v
			if v != Version {
				p.addIssue(SeverityWarning, CodeBadVersion,
					"unexpected protocol version "+strconv.Quote(v), i+1)
			}
			continue
		}
		if v, ok := parseComment(line, "created"); ok {
			p.session.Created = v
			continue
		}
		if v, ok := parseComment(line, "session-id"); ok {
			p.session.SessionID = v
			if _, err := uuid.Parse(v); err != nil {
				p.addIssue(SeverityWarning, CodeBadSessionID,
					"session-id is not a valid UUID", i+1)
			}
			continue
		}
	}

	if p.session.Version == "" {
		p.addIssue(SeverityError, CodeMissingHeader, "missing bounce-protocol header comment", 0)
	}
	if p.session.Created == "" {
		p.addIssue(SeverityError, CodeMissingHeader, "missing created header comment", 0)
	}
	if p.session.SessionID == "" {
		p.addIssue(SeverityError, CodeMissingHeader, "missing session-id header comment", 0)
	}
}

// locateSections records the line index of each heading, tolerating
// missing sections by recording a missing-section error.
func (p *parser) locateSections() {
	p.titleLine, p.rulesLine, p.contextLine, p.dialogLine = -1, -1, -1, -1

	for i, raw := range p.lines {
		line := strings.TrimRight(raw, " \t")
		switch {
		case strings.HasPrefix(line, titlePrefix) && p.titleLine < 0:
			p.titleLine = i
		case line == headingRules && p.rulesLine < 0:
			p.rulesLine = i
		case line == headingContext && p.contextLine < 0:
			p.contextLine = i
		case line == headingDialog && p.dialogLine < 0:
			p.dialogLine = i
		}
	}

	if p.rulesLine < 0 {
		p.addIssue(SeverityError, CodeMissingSection, "missing section: "+headingRules, 0)
	}
	if p.contextLine < 0 {
		p.addIssue(SeverityError, CodeMissingSection, "missing section: "+headingContext, 0)
	}
	if p.dialogLine < 0 {
		p.addIssue(SeverityError, CodeMissingSection, "missing section: "+headingDialog, 0)
	}
}

func (p *parser) parseTitle() {
	if p.titleLine < 0 {
		p.addIssue(SeverityError, CodeMissingTitle, "missing title line", 0)
		return
	}
	p.session.Title = strings.TrimSpace(strings.TrimPrefix(
		strings.TrimRight(p.lines[p.titleLine], " \t"), titlePrefix))
}

// sectionEnd returns the first heading line after start, or len(lines).
func (p *parser) sectionEnd(start int) int {
	end := len(p.lines)
	for _, h := range []int{p.titleLine, p.rulesLine, p.contextLine, p.dialogLine} {
		if h > start && h < end {
			end = h
		}
	}
	return end
}

// parseRules parses the fenced key:value block inside the rules section.
func (p *parser) parseRules() {
	if p.rulesLine < 0 {
		return
	}
	end := p.sectionEnd(p.rulesLine)

	// Scanner states for the fenced block.
	const (
		beforeFence = iota
		inFence
		afterFence
	)
	state := beforeFence

	var agentsOpen bool // inside the "agents:" list
	for i := p.rulesLine + 1; i < end; i++ {
		line := p.lines[i]
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			if state == beforeFence {
				state = inFence
			} else if state == inFence {
				state = afterFence
			}
			continue
		}
		if state != inFence || trimmed == "" {
			continue
		}

		// List item under "agents:".
		if agentsOpen && strings.HasPrefix(trimmed, "- ") {
			name := strings.TrimSpace(trimmed[2:])
			if name != "" {
				p.session.Rules.Agents = append(p.session.Rules.Agents, name)
			}
			continue
		}
		agentsOpen = false

		key, value, ok := strings.Cut(trimmed, ":")
		if !ok {
			p.addIssue(SeverityWarning, CodeBadRulesValue,
				"unparseable rules line "+strconv.Quote(trimmed), i+1)
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if key == "agents" {
			if value == "" {
				agentsOpen = true
			} else {
				// Inline comma-separated form is tolerated.
				for _, name := range strings.Split(value, ",") {
					if name = strings.TrimSpace(name); name != "" {
						p.session.Rules.Agents = append(p.session.Rules.Agents, name)
					}
				}
			}
			continue
		}
		p.setRule(key, value, i+1)
	}

	p.checkAgents()
}

// setRule applies one scalar rules key, recording an issue and keeping
// the zero value on a bad value.
func (p *parser) setRule(key, value string, line int) {
	r := &p.session.Rules
	badValue := func(what string) {
		p.addIssue(SeverityError, CodeBadRulesValue,
			"invalid "+what+" value "+strconv.Quote(value), line)
	}

	switch key {
	case "turn-order":
		r.TurnOrder = TurnOrder(value)
		if !r.TurnOrder.Valid() {
			badValue("turn-order")
		}
	case "max-turns-per-round":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			badValue("max-turns-per-round")
			return
		}
		r.MaxTurnsPerRound = n
	case "turn-timeout":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			badValue("turn-timeout")
			return
		}
		r.TurnTimeoutSec = n
	case "consensus-threshold":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 || f > 1 {
			badValue("consensus-threshold")
			return
		}
		r.ConsensusThreshold = f
	case "consensus-mode":
		r.ConsensusMode = ConsensusMode(value)
		if !r.ConsensusMode.Valid() {
			badValue("consensus-mode")
		}
	case "escalation":
		r.Escalation = EscalationPolicy(value)
		if !r.Escalation.Valid() {
			badValue("escalation")
		}
	case "max-rounds":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > 100 {
			badValue("max-rounds")
			return
		}
		r.MaxRounds = n
	case "output-format":
		r.OutputFormat = OutputFormat(value)
		if !r.OutputFormat.Valid() {
			badValue("output-format")
		}
	default:
		p.addIssue(SeverityWarning, CodeUnknownRulesKey,
			"unknown rules key "+strconv.Quote(key), line)
	}
}

func (p *parser) checkAgents() {
	if p.rulesLine < 0 {
		return
	}
	if len(p.session.Rules.Agents) == 0 {
		p.addIssue(SeverityError, CodeEmptyAgents, "rules declare no agents", 0)
		return
	}
	seen := make(map[string]bool, len(p.session.Rules.Agents))
	for _, a := range p.session.Rules.Agents {
		if seen[a] {
			p.addIssue(SeverityError, CodeDuplicateAgent,
				"duplicate agent "+strconv.Quote(a), 0)
		}
		seen[a] = true
	}
}

func (p *parser) parseContext() {
	if p.contextLine < 0 {
		return
	}
	end := p.sectionEnd(p.contextLine)
	body := strings.Join(p.lines[p.contextLine+1:end], "\n")
	p.session.Context = strings.TrimSpace(body)
}

// parseDialogue slices the dialogue region around entry markers so one
// malformed entry cannot block parsing of the others.
func (p *parser) parseDialogue() {
	if p.dialogLine < 0 {
		return
	}
	end := p.sectionEnd(p.dialogLine)

	// Offsets of entry markers within the dialogue region.
	var markers []int
	for i := p.dialogLine + 1; i < end; i++ {
		if strings.HasPrefix(strings.TrimSpace(p.lines[i]), entryMarkerPrefix) {
			markers = append(markers, i)
		}
	}

	for m, start := range markers {
		blockEnd := end
		if m+1 < len(markers) {
			blockEnd = markers[m+1]
		}
		if entry, ok := p.parseEntry(start, blockEnd); ok {
			p.session.Entries = append(p.session.Entries, entry)
		}
	}
}

// entryScanState tracks the line scanner's position within one entry block.
type entryScanState int

const (
	wantTurnComment entryScanState = iota
	wantStatusLine
	wantFields
	inBody
)

// parseEntry parses one entry block spanning lines [start, end).
// Returns ok=false only when the marker itself is unusable.
func (p *parser) parseEntry(start, end int) (Entry, bool) {
	var entry Entry

	id, ok := parseComment(p.lines[start], "entry")
	if !ok || id == "" {
		p.addIssue(SeverityError, CodeBadEntryMarker,
			"malformed entry marker "+strconv.Quote(strings.TrimSpace(p.lines[start])), start+1)
		return entry, false
	}
	entry.ID = id
	if _, err := uuid.Parse(id); err != nil {
		p.addEntryIssue(SeverityWarning, CodeBadEntryMarker,
			"entry id is not a valid UUID", start+1, id)
	}

	state := wantTurnComment
	var bodyLines []string

	for i := start + 1; i < end; i++ {
		line := p.lines[i]
		trimmed := strings.TrimSpace(line)

		if trimmed == yieldMarker {
			entry.HasYield = true
			continue
		}

		switch state {
		case wantTurnComment:
			if trimmed == "" {
				continue
			}
			if strings.HasPrefix(trimmed, turnMarkerPrefix) {
				p.parseTurnComment(&entry, trimmed, i+1)
				state = wantStatusLine
				continue
			}
			p.addEntryIssue(SeverityError, CodeBadTurnComment,
				"missing turn comment", i+1, entry.ID)
			state = wantStatusLine
			fallthrough

		case wantStatusLine:
			if trimmed == "" {
				continue
			}
			p.parseStatusLine(&entry, trimmed, i+1)
			state = wantFields

		case wantFields:
			if trimmed == "" {
				continue
			}
			if key, value, isField := splitField(trimmed); isField {
				p.setField(&entry, key, value, i+1)
				continue
			}
			state = inBody
			bodyLines = append(bodyLines, line)

		case inBody:
			bodyLines = append(bodyLines, line)
		}
	}

	entry.Body = strings.TrimSpace(strings.Join(bodyLines, "\n"))
	if !entry.HasYield {
		p.addEntryIssue(SeverityWarning, CodeMissingYield,
			"entry has no yield marker", start+1, entry.ID)
	}
	if entry.Author != "" && len(p.session.Rules.Agents) > 0 && !p.session.Rules.HasAgent(entry.Author) {
		p.addEntryIssue(SeverityError, CodeAuthorNotInAgents,
			"author "+strconv.Quote(entry.Author)+" is not in rules agents", start+1, entry.ID)
	}
	return entry, true
}

// parseTurnComment parses "<!-- turn: N round: N -->".
func (p *parser) parseTurnComment(entry *Entry, line string, lineNo int) {
	inner, ok := parseComment(line, "turn")
	if !ok {
		p.addEntryIssue(SeverityError, CodeBadTurnComment,
			"malformed turn comment", lineNo, entry.ID)
		return
	}
	// inner is "N round: N"
	turnStr, rest, ok := strings.Cut(inner, "round:")
	if !ok {
		p.addEntryIssue(SeverityError, CodeBadTurnComment,
			"turn comment missing round", lineNo, entry.ID)
		return
	}
	turn, err1 := strconv.Atoi(strings.TrimSpace(turnStr))
	round, err2 := strconv.Atoi(strings.TrimSpace(rest))
	if err1 != nil || err2 != nil {
		p.addEntryIssue(SeverityError, CodeBadTurnComment,
			"non-numeric turn or round", lineNo, entry.ID)
		return
	}
	entry.Turn = turn
	entry.Round = round
}

// parseStatusLine parses "<timestamp> [author: X] [status: Y]".
func (p *parser) parseStatusLine(entry *Entry, line string, lineNo int) {
	authorIdx := strings.Index(line, "[author:")
	statusIdx := strings.Index(line, "[status:")
	if authorIdx < 0 || statusIdx < 0 || statusIdx < authorIdx {
		p.addEntryIssue(SeverityError, CodeBadStatusLine,
			"malformed status line "+strconv.Quote(line), lineNo, entry.ID)
		return
	}

	entry.Timestamp = strings.TrimSpace(line[:authorIdx])

	author := line[authorIdx+len("[author:"):]
	if close := strings.Index(author, "]"); close >= 0 {
		entry.Author = strings.TrimSpace(author[:close])
	} else {
		p.addEntryIssue(SeverityError, CodeBadStatusLine,
			"unterminated author field", lineNo, entry.ID)
	}

	status := line[statusIdx+len("[status:"):]
	if close := strings.Index(status, "]"); close >= 0 {
		entry.Status = EntryStatus(strings.TrimSpace(status[:close]))
		if !entry.Status.Valid() {
			p.addEntryIssue(SeverityError, CodeUnknownStatus,
				"unknown status "+strconv.Quote(string(entry.Status)), lineNo, entry.ID)
		}
	} else {
		p.addEntryIssue(SeverityError, CodeBadStatusLine,
			"unterminated status field", lineNo, entry.ID)
	}
}

// splitField splits a "field: value" line, accepting only the five known
// entry field names so that body text containing colons is not consumed.
func splitField(line string) (key, value string, ok bool) {
	key, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	switch key {
	case "stance", "confidence", "summary", "action_requested", "evidence":
		return key, strings.TrimSpace(value), true
	}
	return "", "", false
}

// setField applies one structured field, validating format inline.
func (p *parser) setField(entry *Entry, key, value string, lineNo int) {
	switch key {
	case "stance":
		s := Stance(value)
		if !s.Valid() {
			p.addEntryIssue(SeverityError, CodeUnknownStance,
				"unknown stance "+strconv.Quote(value), lineNo, entry.ID)
		}
		entry.Fields.Stance = &s
	case "confidence":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			p.addEntryIssue(SeverityError, CodeBadConfidence,
				"non-numeric confidence "+strconv.Quote(value), lineNo, entry.ID)
			return
		}
		if f < 0 || f > 1 {
			p.addEntryIssue(SeverityError, CodeBadConfidence,
				"confidence out of range [0,1]", lineNo, entry.ID)
		}
		entry.Fields.Confidence = &f
	case "summary":
		entry.Fields.Summary = &value
	case "action_requested":
		entry.Fields.ActionRequested = &value
	case "evidence":
		entry.Fields.Evidence = &value
	}
}
