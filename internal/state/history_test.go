package state_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flitsinc/go-relay/internal/chat"
	"github.com/flitsinc/go-relay/internal/state"
	"github.com/flitsinc/go-relay/internal/testutil"
)

func TestHistoryDBSaveLoad(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	history := state.NewHistoryDB(db)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	snap := chat.Snapshot{
		Messages: []chat.Message{
			{ID: "me_1", Text: "hello", Origin: chat.OriginLocal, CreatedAt: created, Complete: true},
			{ID: "agent_1", Text: "thinking", Origin: chat.OriginRemote, CreatedAt: created.Add(time.Second), CorrelationID: "run-1", Streaming: true},
		},
		Updated: created.Add(2 * time.Second),
	}
	if err := history.Save(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := history.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(loaded.Messages))
	}
	if loaded.Messages[0].ID != "me_1" || loaded.Messages[1].CorrelationID != "run-1" || !loaded.Messages[1].Streaming {
		t.Fatalf("unexpected messages %+v", loaded.Messages)
	}
	if !loaded.Messages[0].CreatedAt.Equal(created) {
		t.Fatalf("timestamp mismatch %s", loaded.Messages[0].CreatedAt)
	}
	if !loaded.Updated.Equal(snap.Updated) {
		t.Fatalf("updated mismatch %s", loaded.Updated)
	}

	if err := history.Save(ctx, chat.Snapshot{}); err != nil {
		t.Fatalf("save empty: %v", err)
	}
	loaded, err = history.Load(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(loaded.Messages) != 0 {
		t.Fatalf("expected empty history, got %d", len(loaded.Messages))
	}
}

func TestStoreOverHistoryDBKeepsCapacity(t *testing.T) {
	db, closeFn := testutil.OpenTestDB(t)
	defer closeFn()

	store := chat.NewStore(state.NewHistoryDB(db), 3, zerolog.Nop())
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, _, err := store.Append(ctx, chat.Message{ID: fmt.Sprintf("m%d", i), Text: "x"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected 3 persisted rows, got %d", count)
	}

	reloaded := chat.NewStore(state.NewHistoryDB(db), 3, zerolog.Nop())
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	all := reloaded.All()
	if len(all) != 3 || all[0].ID != "m1" {
		t.Fatalf("unexpected reloaded history %+v", all)
	}
}
