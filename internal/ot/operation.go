package ot

import (
	"fmt"
	"time"
)

const (
	KindInsert = "insert"
	KindDelete = "delete"
)

// Operation is a single edit against a document at a known version. Position
// and Length are byte offsets into the UTF-8 content, not rune counts; clients
// are responsible for keeping positions on rune boundaries. Values are
// immutable once built; transformation returns adjusted copies.
type Operation struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	BaseVersion int       `json:"base_version"`
	Kind        string    `json:"kind"`
	Position    int       `json:"position"`
	Text        string    `json:"text,omitempty"`
	Length      int       `json:"length,omitempty"`
	AuthorID    string    `json:"author_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// ValidationError reports a malformed operation. It is recoverable: the sender
// is notified and the connection stays open.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid operation: %s: %s", e.Field, e.Reason)
}

func (o Operation) Validate() error {
	if o.ID == "" {
		return &ValidationError{Field: "id", Reason: "missing"}
	}
	if o.DocumentID == "" {
		return &ValidationError{Field: "document_id", Reason: "missing"}
	}
	if o.AuthorID == "" {
		return &ValidationError{Field: "author_id", Reason: "missing"}
	}
	if o.BaseVersion < 0 {
		return &ValidationError{Field: "base_version", Reason: "negative"}
	}
	if o.Position < 0 {
		return &ValidationError{Field: "position", Reason: "negative"}
	}
	switch o.Kind {
	case KindInsert:
		if o.Text == "" {
			return &ValidationError{Field: "text", Reason: "empty insert"}
		}
	case KindDelete:
		if o.Length <= 0 {
			return &ValidationError{Field: "length", Reason: "must be positive"}
		}
	default:
		return &ValidationError{Field: "kind", Reason: "must be insert or delete"}
	}
	return nil
}

// Apply applies the operation to content.
func (o Operation) Apply(content string) (string, error) {
	switch o.Kind {
	case KindInsert:
		if o.Position < 0 || o.Position > len(content) {
			return "", fmt.Errorf("insert out of bounds: position %d, content length %d", o.Position, len(content))
		}
		return content[:o.Position] + o.Text + content[o.Position:], nil
	case KindDelete:
		if o.Position < 0 || o.Position+o.Length > len(content) {
			return "", fmt.Errorf("delete out of bounds: position %d, length %d, content length %d", o.Position, o.Length, len(content))
		}
		return content[:o.Position] + content[o.Position+o.Length:], nil
	}
	return "", fmt.Errorf("unknown operation kind: %q", o.Kind)
}

// ApplyAll applies a sequential run of operations to content.
func ApplyAll(content string, ops []Operation) (string, error) {
	var err error
	for _, op := range ops {
		if content, err = op.Apply(content); err != nil {
			return "", err
		}
	}
	return content, nil
}
