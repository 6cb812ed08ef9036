package protocol

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestCreateSessionGeneratesIdentity(t *testing.T) {
	s := CreateSession(CreateOptions{
		Title:  "Topic",
		Agents: []string{"a", "b"},
	})

	if _, err := uuid.Parse(s.SessionID); err != nil {
		t.Errorf("SessionID %q is not a UUID: %v", s.SessionID, err)
	}
	if s.Created == "" {
		t.Error("Created should be generated")
	}
	if s.Version != Version {
		t.Errorf("Version = %q, want %q", s.Version, Version)
	}
	if !strings.Contains(s.Raw, "## Dialogue") {
		t.Error("Raw should contain the serialized skeleton")
	}

	// The skeleton must parse cleanly.
	result := ParseSession(s.Raw)
	assertNoErrors(t, result)
	if len(result.Session.Entries) != 0 {
		t.Errorf("skeleton has %d entries, want 0", len(result.Session.Entries))
	}
}

func TestRoundTrip(t *testing.T) {
	s := validTestSession()
	text := SerializeSession(s)
	result := ParseSession(text)
	assertNoErrors(t, result)

	got := result.Session
	if got.SessionID != s.SessionID || got.Created != s.Created || got.Title != s.Title {
		t.Errorf("header round-trip mismatch: %+v", got)
	}
	if !reflect.DeepEqual(got.Rules, s.Rules) {
		t.Errorf("rules mismatch:\n got %+v\nwant %+v", got.Rules, s.Rules)
	}
	if len(got.Entries) != len(s.Entries) {
		t.Fatalf("got %d entries, want %d", len(got.Entries), len(s.Entries))
	}
	for i := range s.Entries {
		want, have := s.Entries[i], got.Entries[i]
		if have.ID != want.ID || have.Author != want.Author ||
			have.Turn != want.Turn || have.Round != want.Round ||
			have.Timestamp != want.Timestamp || have.Status != want.Status {
			t.Errorf("entry %d metadata mismatch:\n got %+v\nwant %+v", i, have, want)
		}
		if *have.Fields.Stance != *want.Fields.Stance {
			t.Errorf("entry %d stance = %q, want %q", i, *have.Fields.Stance, *want.Fields.Stance)
		}
		if *have.Fields.Confidence != *want.Fields.Confidence {
			t.Errorf("entry %d confidence = %v, want %v", i, *have.Fields.Confidence, *want.Fields.Confidence)
		}
		if *have.Fields.Summary != *want.Fields.Summary {
			t.Errorf("entry %d summary = %q, want %q", i, *have.Fields.Summary, *want.Fields.Summary)
		}
		if have.Body != want.Body {
			t.Errorf("entry %d body = %q, want %q", i, have.Body, want.Body)
		}
		if !have.HasYield {
			t.Errorf("entry %d lost its yield marker", i)
		}
	}
}

func TestRoundTripFreeTextEntry(t *testing.T) {
	s := CreateSession(CreateOptions{
		Title:  "Topic",
		Agents: []string{"a", "b"},
	})
	s.Rules.OutputFormat = OutputFreeText
	s.Raw = ""
	e := NewEntry("a", 1, 1, "No structured fields here.")
	s.Entries = append(s.Entries, e)

	result := ParseSession(SerializeSession(s))
	assertNoErrors(t, result)
	got := result.Session.Entries[0]
	if got.Fields.Stance != nil || got.Fields.Confidence != nil || got.Fields.Summary != nil {
		t.Error("free-text entry grew structured fields in round-trip")
	}
	if got.Body != "No structured fields here." {
		t.Errorf("Body = %q", got.Body)
	}
}

func TestSerializeEntryFillsIdentity(t *testing.T) {
	e := Entry{Author: "a", Turn: 1, Round: 1, Status: StatusClosed, HasYield: true}
	block := SerializeEntry(&e)

	if e.ID == "" || e.Timestamp == "" {
		t.Error("SerializeEntry should fill empty ID and Timestamp")
	}
	if !strings.Contains(block, e.ID) {
		t.Error("rendered block should contain the generated id")
	}
	if !strings.HasSuffix(strings.TrimSpace(block), yieldMarker) {
		t.Error("rendered block should terminate with the yield marker")
	}
}

func TestAppendEntryIsAppendOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.md")

	s := CreateSession(CreateOptions{Title: "Topic", Agents: []string{"a", "b"}})
	if err := WriteSession(path, s); err != nil {
		t.Fatalf("WriteSession() error: %v", err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	e := NewEntry("a", 1, 1, "first turn")
	if err := AppendEntry(path, &e); err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}

	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(after), string(before)) {
		t.Fatal("prior file bytes must remain an exact prefix after append")
	}

	result := ParseSession(string(after))
	if len(result.Session.Entries) != 1 {
		t.Fatalf("got %d entries after append, want 1", len(result.Session.Entries))
	}
	if result.Session.Entries[0].ID != e.ID {
		t.Errorf("appended entry id = %q, want %q", result.Session.Entries[0].ID, e.ID)
	}

	// Appending again preserves the first entry byte-for-byte.
	e2 := NewEntry("b", 2, 1, "second turn")
	if err := AppendEntry(path, &e2); err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}
	final, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(final), string(after)) {
		t.Fatal("second append altered earlier bytes")
	}
}
