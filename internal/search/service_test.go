package search

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"docsync/live/internal/store"
)

func TestRecordIDIsIndexSafe(t *testing.T) {
	key := store.DocumentKey{Workspace: "acme", Project: "p/1", DocumentID: "doc 7"}
	id := RecordID(key)
	if !regexp.MustCompile(`^[A-Za-z0-9_-]+$`).MatchString(id) {
		t.Fatalf("record id %q has characters the index rejects", id)
	}
	decoded, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil || string(decoded) != key.String() {
		t.Fatalf("record id does not decode to the key: %q, %v", decoded, err)
	}

	record := NewRecord(key, "hello", time.Unix(1700000000, 0))
	if record.ID != id || record.Text != "hello" || record.UpdatedAt != 1700000000 {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestServiceWithoutBackends(t *testing.T) {
	svc := NewService(nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	resp := svc.Search(context.Background(), Query{Text: "hello"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Total != 0 || resp.Query != "hello" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if err := svc.IndexDocument(context.Background(), store.DocumentKey{Workspace: "a", Project: "b", DocumentID: "c"}, "text"); err != nil {
		t.Fatalf("IndexDocument() without meilisearch error = %v", err)
	}
}

func TestHitToResultPrefersHighlight(t *testing.T) {
	hit := meili.Hit{
		"workspace":  json.RawMessage(`"acme"`),
		"project":    json.RawMessage(`"handbook"`),
		"documentId": json.RawMessage(`"page-1"`),
		"text":       json.RawMessage(`"call 010-****-5678"`),
		"_formatted": json.RawMessage(`{"text":"<mark>call</mark> 010-****-5678","updatedAt":"1700000000"}`),
	}
	got := hitToResult(hit)
	want := Result{Workspace: "acme", Project: "handbook", DocumentID: "page-1", Snippet: "<mark>call</mark> 010-****-5678"}
	if got != want {
		t.Fatalf("hitToResult() = %+v, want %+v", got, want)
	}
}
