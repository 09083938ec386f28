package hub

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionState    = errors.New("invalid session state")
)

type SessionState int

const (
	SessionPending SessionState = iota
	SessionAccepted
	SessionConnected
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionPending:
		return "pending"
	case SessionAccepted:
		return "accepted"
	case SessionConnected:
		return "connected"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session pairs an initiator and a responder for signaling. The file
// hint is carried through from the request untouched.
type Session struct {
	ID        string
	Initiator string
	Responder string
	State     SessionState
	CreatedAt time.Time

	FileName string
	FileSize int64
	FileType string
}

// Other returns the peer across from userID, or "" if userID is not a
// party to the session.
func (s *Session) Other(userID string) string {
	switch userID {
	case s.Initiator:
		return s.Responder
	case s.Responder:
		return s.Initiator
	default:
		return ""
	}
}

// SessionTable is the in-memory session store. Records in a terminal
// state are removed rather than kept.
type SessionTable struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[string]*Session)}
}

func (t *SessionTable) Create(id, initiator, responder string, fileName string, fileSize int64, fileType string) *Session {
	s := &Session{
		ID:        id,
		Initiator: initiator,
		Responder: responder,
		State:     SessionPending,
		CreatedAt: time.Now(),
		FileName:  fileName,
		FileSize:  fileSize,
		FileType:  fileType,
	}
	t.mu.Lock()
	t.sessions[id] = s
	t.mu.Unlock()
	return s
}

func (t *SessionTable) Get(id string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	return s, ok
}

// Advance moves the session from one state to the next. Transitions
// that do not match the current state are rejected.
func (t *SessionTable) Advance(id string, from, to SessionState) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.State != from {
		return nil, ErrSessionState
	}
	s.State = to
	return s, nil
}

// Delete removes the session, returning it if present.
func (t *SessionTable) Delete(id string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
	}
	return s, ok
}

// PurgeFor removes every session referencing userID and returns the
// removed records so the caller can notify survivors.
func (t *SessionTable) PurgeFor(userID string) []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	var purged []*Session
	for id, s := range t.sessions {
		if s.Initiator == userID || s.Responder == userID {
			purged = append(purged, s)
			delete(t.sessions, id)
		}
	}
	return purged
}

// Len reports the number of live sessions.
func (t *SessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
