package protocol

import (
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherDeliversAppendedEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.md")

	s := CreateSession(CreateOptions{Title: "Topic", Agents: []string{"a", "b"}})
	if err := WriteSession(path, s); err != nil {
		t.Fatalf("WriteSession() error: %v", err)
	}

	// A pre-existing entry must not be delivered.
	pre := NewEntry("a", 1, 1, "already on disk")
	if err := AppendEntry(path, &pre); err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}

	w, err := WatchSession(path, nil)
	if err != nil {
		t.Fatalf("WatchSession() error: %v", err)
	}
	defer w.Close()

	fresh := NewEntry("b", 2, 1, "appended after watch")
	if err := AppendEntry(path, &fresh); err != nil {
		t.Fatalf("AppendEntry() error: %v", err)
	}

	select {
	case got := <-w.Entries():
		if got.ID != fresh.ID {
			t.Errorf("delivered entry id = %q, want %q", got.ID, fresh.ID)
		}
		if got.Author != "b" {
			t.Errorf("delivered entry author = %q, want %q", got.Author, "b")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for appended entry")
	}
}

func TestWatcherCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.md")
	s := CreateSession(CreateOptions{Title: "Topic", Agents: []string{"a"}})
	if err := WriteSession(path, s); err != nil {
		t.Fatal(err)
	}

	w, err := WatchSession(path, nil)
	if err != nil {
		t.Fatalf("WatchSession() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("first Close() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}

	// Channel closes after Close.
	select {
	case _, ok := <-w.Entries():
		if ok {
			t.Error("unexpected entry after Close")
		}
	case <-time.After(time.Second):
		t.Error("entries channel did not close")
	}
}
