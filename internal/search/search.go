// Package search indexes the redacted text of saved documents and answers
// full-text queries over it.
package search

import (
	"context"
	"encoding/base64"
	"time"

	"docsync/live/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Workspace  string `json:"workspace"`
	Project    string `json:"project"`
	DocumentID string `json:"documentId"`
	Snippet    string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text      string
	Workspace string // empty = all workspaces
	Project   string
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID         string `json:"id"`
	Workspace  string `json:"workspace"`
	Project    string `json:"project"`
	DocumentID string `json:"documentId"`
	Text       string `json:"text"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// RecordID is the index primary key of a document. Index ids only admit
// alphanumerics, '-' and '_', so the key is URL-safe base64 encoded.
func RecordID(key store.DocumentKey) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key.String()))
}

func NewRecord(key store.DocumentKey, text string, at time.Time) DocumentRecord {
	return DocumentRecord{
		ID:         RecordID(key),
		Workspace:  key.Workspace,
		Project:    key.Project,
		DocumentID: key.DocumentID,
		Text:       text,
		UpdatedAt:  at.Unix(),
	}
}

func defaultLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 20
	}
	return limit
}
