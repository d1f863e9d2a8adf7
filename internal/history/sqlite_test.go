package history

import (
	"context"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func record(sessionID, ownerID, status string, createdAt time.Time) *Record {
	direction := DirectionOutgoing
	caller, receiver := ownerID, "peer-1"
	if ownerID == "peer-1" {
		direction = DirectionIncoming
	}
	return &Record{
		SessionID:  sessionID,
		OwnerID:    ownerID,
		CallerID:   caller,
		ReceiverID: receiver,
		Direction:  direction,
		Status:     status,
		CreatedAt:  createdAt,
	}
}

func TestUpsertAndList(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	connected := now.Add(2 * time.Second)
	ended := now.Add(62 * time.Second)
	rec := record("s1", "alice", "ended", now)
	rec.ContextRef = "shift-42"
	rec.DurationSeconds = 60
	rec.ConnectedAt = &connected
	rec.EndedAt = &ended

	if err := db.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	recs, err := db.List(ctx, "alice", ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	got := recs[0]
	if got.Status != "ended" || got.DurationSeconds != 60 || got.ContextRef != "shift-42" {
		t.Errorf("got %+v", got)
	}
	if got.ConnectedAt == nil || !got.ConnectedAt.Equal(connected) {
		t.Errorf("connected_at = %v, want %v", got.ConnectedAt, connected)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Errorf("ended_at = %v, want %v", got.EndedAt, ended)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := record("s1", "alice", "ended", now)
	for i := 0; i < 3; i++ {
		if err := db.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert #%d: %v", i+1, err)
		}
	}

	recs, err := db.List(ctx, "alice", ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("got %d rows after repeated upserts, want 1", len(recs))
	}
}

func TestUpsertSeparatesPerspectives(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Both sides of the same session write their own row.
	if err := db.Upsert(ctx, record("s1", "alice", "ended", now)); err != nil {
		t.Fatalf("Upsert alice: %v", err)
	}
	if err := db.Upsert(ctx, record("s1", "peer-1", "ended", now)); err != nil {
		t.Fatalf("Upsert peer: %v", err)
	}

	for _, owner := range []string{"alice", "peer-1"} {
		recs, err := db.List(ctx, owner, ListOptions{})
		if err != nil {
			t.Fatalf("List %s: %v", owner, err)
		}
		if len(recs) != 1 {
			t.Errorf("%s sees %d rows, want 1", owner, len(recs))
		}
	}
}

func TestListFilters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Now().UTC()

	rows := []struct {
		session, status, direction string
	}{
		{"s1", "ended", DirectionOutgoing},
		{"s2", "missed", DirectionIncoming},
		{"s3", "declined", DirectionIncoming},
		{"s4", "ended", DirectionIncoming},
		{"s5", "failed", DirectionOutgoing},
	}
	for i, row := range rows {
		rec := &Record{
			SessionID:  row.session,
			OwnerID:    "alice",
			CallerID:   "alice",
			ReceiverID: "peer-1",
			Direction:  row.direction,
			Status:     row.status,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert %s: %v", row.session, err)
		}
	}

	cases := []struct {
		filter Filter
		want   []string // newest first
	}{
		{FilterAll, []string{"s5", "s4", "s3", "s2", "s1"}},
		{FilterIncoming, []string{"s4", "s3", "s2"}},
		{FilterOutgoing, []string{"s5", "s1"}},
		{FilterMissed, []string{"s3", "s2"}},
	}
	for _, tc := range cases {
		recs, err := db.List(ctx, "alice", ListOptions{Filter: tc.filter})
		if err != nil {
			t.Fatalf("List %s: %v", tc.filter, err)
		}
		if len(recs) != len(tc.want) {
			t.Errorf("filter %s: got %d rows, want %d", tc.filter, len(recs), len(tc.want))
			continue
		}
		for i, want := range tc.want {
			if recs[i].SessionID != want {
				t.Errorf("filter %s row %d: got %s, want %s", tc.filter, i, recs[i].SessionID, want)
			}
		}
	}

	if _, err := db.List(ctx, "alice", ListOptions{Filter: "bogus"}); err == nil {
		t.Error("expected error for unknown filter")
	}
}

func TestListLimit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		rec := record("s"+string(rune('1'+i)), "alice", "ended", base.Add(time.Duration(i)*time.Minute))
		if err := db.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	recs, err := db.List(ctx, "alice", ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("got %d rows, want 2", len(recs))
	}
}

func TestListUnknownOwnerIsEmpty(t *testing.T) {
	db := openTestDB(t)
	recs, err := db.List(context.Background(), "nobody", ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("got %d rows, want 0", len(recs))
	}
}
