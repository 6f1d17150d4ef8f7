// Package events keeps per-session transcripts of forwarded messages as
// JSON lines on disk.
package events

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"mcpbridge/internal/envelope"
	"mcpbridge/internal/framing"
)

var sessionIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// maxRecordBytes bounds a single transcript line.
const maxRecordBytes = framing.MaxBodyBytes + 4096

type Store struct {
	RootDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Record is one transcript entry. IDs sort in append order.
type Record struct {
	ID        string          `json:"id"`
	Direction string          `json:"direction"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload"`
}

func NewStore(rootDir string) (*Store, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, err
	}
	return &Store{RootDir: rootDir, locks: map[string]*sync.Mutex{}}, nil
}

// NewTempStore creates a store in a fresh temporary directory. Cleanup
// removes it.
func NewTempStore() (*Store, error) {
	dir, err := os.MkdirTemp("", "mcpbridge-transcripts-")
	if err != nil {
		return nil, err
	}
	return NewStore(dir)
}

func (s *Store) filePath(sessionID string) string {
	safe := sessionIDSanitizer.ReplaceAllString(sessionID, "_")
	return filepath.Join(s.RootDir, safe+".jsonl")
}

func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// Append records env for the session and returns the record id.
func (s *Store) Append(sessionID, direction string, env envelope.Envelope) (string, error) {
	payload, err := framing.Marshal(env)
	if err != nil {
		return "", err
	}
	rec := Record{
		ID:        ulid.Make().String(),
		Direction: direction,
		At:        time.Now().UTC(),
		Payload:   payload,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}

	l := s.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()
	f, err := os.OpenFile(s.filePath(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Read returns the session's records in append order. Unknown sessions have
// an empty transcript.
func (s *Store) Read(sessionID string) ([]Record, error) {
	f, err := os.Open(s.filePath(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []Record{}, nil
		}
		return nil, err
	}
	defer f.Close()

	records := make([]Record, 0, 128)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Exists reports whether anything was recorded for the session.
func (s *Store) Exists(sessionID string) bool {
	_, err := os.Stat(s.filePath(sessionID))
	return err == nil
}

func (s *Store) Cleanup() error {
	return os.RemoveAll(s.RootDir)
}
