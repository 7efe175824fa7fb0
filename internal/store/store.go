// Package store persists document descriptions: the binary replicated
// state plus its HTML and tree renderings.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when no description exists for a document.
var ErrNotFound = errors.New("document not found")

// DocumentKey identifies a document within its workspace and project.
type DocumentKey struct {
	Workspace  string `json:"workspace"`
	Project    string `json:"project"`
	DocumentID string `json:"documentId"`
}

func (k DocumentKey) Valid() bool {
	return k.Workspace != "" && k.Project != "" && k.DocumentID != ""
}

// String is the room name used for relays, caches and repositories.
func (k DocumentKey) String() string {
	return k.Workspace + "/" + k.Project + "/" + k.DocumentID
}

// ParseDocumentKey reverses String.
func ParseDocumentKey(s string) (DocumentKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return DocumentKey{}, fmt.Errorf("invalid document key %q", s)
	}
	key := DocumentKey{Workspace: parts[0], Project: parts[1], DocumentID: parts[2]}
	if !key.Valid() {
		return DocumentKey{}, fmt.Errorf("invalid document key %q", s)
	}
	return key, nil
}

// Description is one saved snapshot of a document.
type Description struct {
	Binary []byte
	HTML   string
	Tree   json.RawMessage
	// Text is the redacted plain text, used for search.
	Text string
}

// DocumentStore is the persistence backend of live documents. The cookie
// of the user the call is made for is passed through to backends that
// authorize per user.
type DocumentStore interface {
	FetchDescriptionBinary(ctx context.Context, key DocumentKey, cookie string) ([]byte, error)
	UpdateDescription(ctx context.Context, key DocumentKey, desc Description, cookie string) error
}

// PersistenceError reports a failed store call.
type PersistenceError struct {
	Op     string
	Key    DocumentKey
	Status int
	Err    error
}

func (e *PersistenceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.Key, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
