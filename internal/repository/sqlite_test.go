package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chatforge/pipeline-service/internal/models"
	"github.com/chatforge/pipeline-service/internal/store"
)

func newTestRepo(t *testing.T) Repository {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteRepository(db)
}

func TestStoreAndGetMessages(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	ts := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	for i, q := range []string{"first question", "second question"} {
		stored, err := repo.Message().StoreMessage(ctx, &models.StoredMessage{
			MessageID:   "msg-" + string(rune('a'+i)),
			WorkspaceID: "ws-1",
			AgentID:     "agent-1",
			RequesterID: "user-1",
			Query:       q,
			Response:    "answer to " + q,
			Category:    "PROJECT",
			FromCache:   i == 1,
			Chunks:      3,
			DurationMs:  250,
			Timestamp:   ts.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("store message %d: %v", i, err)
		}
		if stored.ID == 0 {
			t.Errorf("message %d got no row ID", i)
		}
	}

	msgs, err := repo.Message().GetMessages(ctx, 10)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}

	// Newest first.
	if msgs[0].Query != "second question" {
		t.Errorf("first result = %q, want the newest message", msgs[0].Query)
	}
	if !msgs[0].FromCache {
		t.Error("from_cache flag lost in round trip")
	}
	if msgs[0].Chunks != 3 || msgs[0].DurationMs != 250 {
		t.Errorf("chunks/duration = %d/%d, want 3/250", msgs[0].Chunks, msgs[0].DurationMs)
	}
	// Timestamps travel as float seconds, so allow sub-microsecond drift.
	if got := msgs[1].Timestamp.UTC(); got.Sub(ts).Abs() > time.Microsecond {
		t.Errorf("timestamp = %v, want ~%v", got, ts)
	}
}

func TestGetMessagesLimit(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := repo.Message().StoreMessage(ctx, &models.StoredMessage{
			MessageID: "msg",
			Query:     "q",
			Response:  "r",
			Timestamp: time.Now(),
		})
		if err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	msgs, err := repo.Message().GetMessages(ctx, 3)
	if err != nil {
		t.Fatalf("get messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Errorf("got %d messages, want limit of 3", len(msgs))
	}
}

func TestLogEvent(t *testing.T) {
	repo := newTestRepo(t)

	err := repo.Event().LogEvent(context.Background(), "info", "test.event", "something happened",
		map[string]interface{}{"key": "value"})
	if err != nil {
		t.Fatalf("log event: %v", err)
	}
}
