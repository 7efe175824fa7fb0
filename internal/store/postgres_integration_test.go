package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("DOCSYNC_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("DOCSYNC_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := ApplyMigrations(ctx, db, Migrations("")); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}
	return NewPostgresStore(db)
}

func TestPostgresStoreDescriptionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := DocumentKey{Workspace: "ws", Project: "proj", DocumentID: "doc-" + time.Now().Format("150405.000000")}

	if _, err := s.FetchDescriptionBinary(ctx, key, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FetchDescriptionBinary() on missing doc error = %v, want ErrNotFound", err)
	}

	desc := Description{
		Binary: []byte{0xa2, 0x01},
		HTML:   "<p>hi</p>",
		Tree:   json.RawMessage(`{"type":"doc"}`),
		Text:   "hi",
	}
	if err := s.UpdateDescription(ctx, key, desc, ""); err != nil {
		t.Fatalf("UpdateDescription() error = %v", err)
	}
	desc.Binary = []byte{0xa2, 0x02}
	if err := s.UpdateDescription(ctx, key, desc, ""); err != nil {
		t.Fatalf("UpdateDescription(second) error = %v", err)
	}

	got, err := s.FetchDescriptionBinary(ctx, key, "")
	if err != nil {
		t.Fatalf("FetchDescriptionBinary() error = %v", err)
	}
	if string(got) != string(desc.Binary) {
		t.Fatalf("binary = %x, want %x", got, desc.Binary)
	}
}

func TestPostgresStoreSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cookie := "session=" + time.Now().Format(time.RFC3339Nano)

	if _, err := s.LookupSession(ctx, cookie); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LookupSession() on unknown cookie error = %v, want ErrNotFound", err)
	}
	if err := s.SaveSession(ctx, cookie, SessionRecord{
		UserID:    "user-1",
		Role:      "editor",
		ExpiresAt: time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	rec, err := s.LookupSession(ctx, cookie)
	if err != nil {
		t.Fatalf("LookupSession() error = %v", err)
	}
	if rec.UserID != "user-1" || rec.Role != "editor" {
		t.Fatalf("unexpected session record: %+v", rec)
	}
}
