package protocol

import (
	"fmt"
	"os"

	"github.com/bounceproto/bounce/internal/filelock"
)

// WriteSession writes a serialized session to path, creating or
// truncating the file. Intended for session creation only; use
// AppendEntry for dialogue writes.
func WriteSession(path string, s *Session) error {
	if err := os.WriteFile(path, []byte(SerializeSession(s)), 0644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// AppendEntry appends one serialized entry block to the end of the file
// under the file lock, without altering any existing byte of the file.
// This is the durability contract concurrent writers depend on.
//
// The entry's ID and Timestamp are generated when empty; the caller sees
// the values that were written.
func AppendEntry(path string, e *Entry, opts ...filelock.Option) error {
	block := SerializeEntry(e)

	return filelock.WithLock(path, func() error {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open session log: %w", err)
		}
		defer f.Close()

		if _, err := f.WriteString("\n" + block); err != nil {
			return fmt.Errorf("append entry: %w", err)
		}
		return f.Sync()
	}, opts...)
}

// LoadSession reads and parses a session file.
func LoadSession(path string) (ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ParseResult{}, fmt.Errorf("read session log: %w", err)
	}
	return ParseSession(string(data)), nil
}
