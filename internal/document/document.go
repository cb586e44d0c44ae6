package document

import (
	"errors"
	"fmt"

	"jddb-backend/internal/ot"
)

var (
	// ErrFutureVersion means the client claims a base version the document has
	// not reached. The client is desynchronized; the connection must be closed.
	ErrFutureVersion = errors.New("operation base version is ahead of document version")

	// ErrStaleVersion means the base version predates the retained history, so
	// the operation can no longer be transformed. The client must rejoin.
	ErrStaleVersion = errors.New("operation base version predates retained history")
)

// Committed is one history entry: the primitive operations a submitted
// operation became after transformation, stamped with the version it produced.
type Committed struct {
	Version  int            `json:"version"`
	OpID     string         `json:"op_id"`
	AuthorID string         `json:"author_id"`
	Ops      []ot.Operation `json:"ops"`
}

// Applied is the successful result of a Submit.
type Applied struct {
	Version   int
	Ops       []ot.Operation
	Duplicate bool
}

// State is the authoritative in-memory state of one document: its content,
// version counter and append-only operation history. It is a deterministic
// reducer over submitted operations and does no locking of its own; callers
// serialize access per document.
type State struct {
	id      string
	content string
	version int
	history []Committed
	applied map[string]int // op id -> version, for idempotent replay
}

func New(id string) *State {
	return &State{id: id, applied: make(map[string]int)}
}

// Restore rebuilds state from a persisted snapshot plus any history committed
// after it. The history may be empty; it may also start past version 1 when
// older entries were compacted away.
func Restore(id, content string, version int, history []Committed) *State {
	s := &State{
		id:      id,
		content: content,
		version: version,
		history: append([]Committed(nil), history...),
		applied: make(map[string]int, len(history)),
	}
	for _, entry := range history {
		s.applied[entry.OpID] = entry.Version
	}
	return s
}

func (s *State) ID() string      { return s.id }
func (s *State) Content() string { return s.content }
func (s *State) Version() int    { return s.version }

// Snapshot returns the current content and version for persistence.
func (s *State) Snapshot() (content string, version int) {
	return s.content, s.version
}

// History returns a copy of the retained history.
func (s *State) History() []Committed {
	return append([]Committed(nil), s.history...)
}

// floor is the version the retained history starts after.
func (s *State) floor() int {
	return s.version - len(s.history)
}

// Submit validates op, transforms it against every entry committed after its
// base version, applies it and appends it to history. A resubmitted operation
// (same id) is answered with its original version and changes nothing.
func (s *State) Submit(op ot.Operation) (Applied, error) {
	if err := op.Validate(); err != nil {
		return Applied{}, err
	}
	if v, ok := s.applied[op.ID]; ok {
		return Applied{Version: v, Duplicate: true}, nil
	}
	if op.BaseVersion > s.version {
		return Applied{}, fmt.Errorf("%w: base %d, document at %d", ErrFutureVersion, op.BaseVersion, s.version)
	}
	if op.BaseVersion < s.floor() {
		return Applied{}, fmt.Errorf("%w: base %d, history starts after %d", ErrStaleVersion, op.BaseVersion, s.floor())
	}

	var concurrent []ot.Operation
	for _, entry := range s.history {
		if entry.Version > op.BaseVersion {
			concurrent = append(concurrent, entry.Ops...)
		}
	}
	run := ot.TransformAgainst(op, concurrent)

	content, err := ot.ApplyAll(s.content, run)
	if err != nil {
		return Applied{}, err
	}

	s.content = content
	s.version++
	entry := Committed{Version: s.version, OpID: op.ID, AuthorID: op.AuthorID, Ops: run}
	s.history = append(s.history, entry)
	s.applied[op.ID] = s.version
	return Applied{Version: s.version, Ops: run}, nil
}

// OpsSince returns copies of all entries committed strictly after version.
// ok is false when version predates the retained history and a full resync is
// needed instead.
func (s *State) OpsSince(version int) (entries []Committed, ok bool) {
	if version > s.version {
		return nil, false
	}
	if version < s.floor() {
		return nil, false
	}
	for _, entry := range s.history {
		if entry.Version > version {
			entries = append(entries, entry)
		}
	}
	return entries, true
}

// Compact drops history entries at or below keep, freeing memory once no
// connected participant can reference them. Content and version are untouched.
func (s *State) Compact(keep int) {
	i := 0
	for i < len(s.history) && s.history[i].Version <= keep {
		delete(s.applied, s.history[i].OpID)
		i++
	}
	s.history = s.history[i:]
}
