package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"notifyhub/module/notify/model"
	"notifyhub/tools/ids"
)

func newNotif(t *testing.T, user string) *model.Notification {
	t.Helper()
	id, cursor := ids.NextCursor()
	return &model.Notification{
		ID:        id,
		UserID:    user,
		Type:      "test",
		Payload:   map[string]any{"k": "v"},
		Priority:  model.PriorityNormal,
		Cursor:    cursor,
		CreatedAt: time.Now().UnixMilli(),
		Status:    model.StatusPending,
	}
}

func TestCreateAndPending(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	n := newNotif(t, "u1")
	if err := s.CreateNotification(ctx, n); err != nil {
		t.Fatalf("create: %v", err)
	}
	// duplicate publish keeps the first write and stays a success
	if err := s.CreateNotification(ctx, n); err != nil {
		t.Fatalf("duplicate create: %v", err)
	}

	got, err := s.GetPending(ctx, "u1", "", 10)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if len(got) != 1 || got[0].ID != n.ID {
		t.Fatalf("pending = %v, want [%s]", got, n.ID)
	}
}

func TestAcknowledgeIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	n := newNotif(t, "u1")
	if err := s.CreateNotification(ctx, n); err != nil {
		t.Fatal(err)
	}
	at := time.Now().UnixMilli()

	if err := s.Acknowledge(ctx, n.ID, "u1", at); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	// second ack, and an ack via batch, must both be no-op successes
	if err := s.Acknowledge(ctx, n.ID, "u1", at); err != nil {
		t.Fatalf("repeat ack: %v", err)
	}
	if _, err := s.AcknowledgeBatch(ctx, []string{n.ID}, "u1", at); err != nil {
		t.Fatalf("batch ack after ack: %v", err)
	}

	got, _ := s.GetPending(ctx, "u1", "", 10)
	if len(got) != 0 {
		t.Fatalf("pending after ack = %d rows, want 0", len(got))
	}
	row, err := s.GetNotification(ctx, n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.Status != model.StatusAcknowledged {
		t.Fatalf("status = %s, want acknowledged", row.Status)
	}
}

func TestAcknowledgeUnknownIsNoop(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	if err := s.Acknowledge(ctx, "missing", "u1", time.Now().UnixMilli()); err != nil {
		t.Fatalf("ack of unknown id must not error: %v", err)
	}
}

func TestMarkDeliveredKeepsPending(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	n := newNotif(t, "u1")
	if err := s.CreateNotification(ctx, n); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkDelivered(ctx, n.ID, "srv-a", 1, time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}

	// delivered does not imply resolved: pending row must survive
	got, _ := s.GetPending(ctx, "u1", "", 10)
	if len(got) != 1 {
		t.Fatalf("pending after delivery = %d rows, want 1", len(got))
	}
	row, _ := s.GetNotification(ctx, n.ID)
	if row.Status != model.StatusDelivered {
		t.Fatalf("status = %s, want delivered", row.Status)
	}
	recs, _ := s.ListDeliveries(ctx, n.ID)
	if len(recs) != 1 || recs[0].ServerID != "srv-a" {
		t.Fatalf("deliveries = %v", recs)
	}
}

func TestTwoInstanceDelivery(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	n := newNotif(t, "u1")
	if err := s.CreateNotification(ctx, n); err != nil {
		t.Fatal(err)
	}
	at := time.Now().UnixMilli()
	_ = s.MarkDelivered(ctx, n.ID, "srv-a", 1, at)
	_ = s.MarkDelivered(ctx, n.ID, "srv-b", 1, at)

	recs, _ := s.ListDeliveries(ctx, n.ID)
	if len(recs) != 2 {
		t.Fatalf("delivery records = %d, want 2", len(recs))
	}
	got, _ := s.GetPending(ctx, "u1", "", 10)
	if len(got) != 1 {
		t.Fatalf("one pending entry regardless of instance count, got %d", len(got))
	}

	// one ack from either connection resolves it
	if err := s.Acknowledge(ctx, n.ID, "u1", at); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetPending(ctx, "u1", "", 10)
	if len(got) != 0 {
		t.Fatalf("pending after single ack = %d, want 0", len(got))
	}
	recs, _ = s.ListDeliveries(ctx, n.ID)
	for _, r := range recs {
		if r.AcknowledgedAt == 0 {
			t.Fatalf("delivery record missing acknowledged_at: %+v", r)
		}
	}
}

func TestExpireOnlyPastDeadline(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	fresh := newNotif(t, "u1")
	fresh.ExpiresAt = time.Now().Add(time.Hour).UnixMilli()
	stale := newNotif(t, "u1")
	stale.ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()
	_ = s.CreateNotification(ctx, fresh)
	_ = s.CreateNotification(ctx, stale)

	if ok, _ := s.Expire(ctx, fresh.ID); ok {
		t.Error("must not expire before the deadline")
	}
	ok, err := s.Expire(ctx, stale.ID)
	if err != nil || !ok {
		t.Fatalf("expire stale: ok=%v err=%v", ok, err)
	}
	// racing second expiry is a no-op
	if ok, _ := s.Expire(ctx, stale.ID); ok {
		t.Error("second expire must be a no-op")
	}
	row, _ := s.GetNotification(ctx, stale.ID)
	if row.Status != model.StatusExpired {
		t.Fatalf("status = %s, want expired", row.Status)
	}
}

func TestAckExpireRaceFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	n := newNotif(t, "u1")
	n.ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()
	_ = s.CreateNotification(ctx, n)

	// ack lands first; the expiry sweep finds nothing to do
	if err := s.Acknowledge(ctx, n.ID, "u1", time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.Expire(ctx, n.ID); ok {
		t.Error("expire after ack must lose the race")
	}
	row, _ := s.GetNotification(ctx, n.ID)
	if row.Status != model.StatusAcknowledged {
		t.Fatalf("status = %s, want acknowledged", row.Status)
	}
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	for i := 0; i < 3; i++ {
		n := newNotif(t, "u1")
		n.ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()
		_ = s.CreateNotification(ctx, n)
	}
	keep := newNotif(t, "u1")
	_ = s.CreateNotification(ctx, keep)

	count, err := s.SweepExpired(ctx, time.Now().UnixMilli(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("swept %d, want 3", count)
	}
	got, _ := s.GetPending(ctx, "u1", "", 10)
	if len(got) != 1 || got[0].ID != keep.ID {
		t.Fatalf("pending after sweep = %v, want only %s", got, keep.ID)
	}
}

func TestDeadLetterTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	n := newNotif(t, "u1")
	_ = s.CreateNotification(ctx, n)
	if err := s.MoveToDeadLetter(ctx, n.ID, "payload corrupted"); err != nil {
		t.Fatal(err)
	}

	row, _ := s.GetNotification(ctx, n.ID)
	if row.Status != model.StatusDeadLettered {
		t.Fatalf("status = %s, want dead_lettered", row.Status)
	}
	got, _ := s.GetPending(ctx, "u1", "", 10)
	if len(got) != 0 {
		t.Fatal("dead-lettered notification must leave pending")
	}
	dls, _ := s.ListDeadLetters(ctx, 10)
	if len(dls) != 1 || dls[0].ErrorMessage != "payload corrupted" {
		t.Fatalf("dead letters = %v", dls)
	}
	// acking a dead-lettered id later is still a no-op success
	if err := s.Acknowledge(ctx, n.ID, "u1", time.Now().UnixMilli()); err != nil {
		t.Fatal(err)
	}
	row, _ = s.GetNotification(ctx, n.ID)
	if row.Status != model.StatusDeadLettered {
		t.Fatal("terminal status must not move")
	}
}

func TestGetPendingGapFreePagination(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	const total = 25
	want := make(map[string]bool, total)
	for i := 0; i < total; i++ {
		n := newNotif(t, "u1")
		n.Payload = map[string]any{"i": i}
		if err := s.CreateNotification(ctx, n); err != nil {
			t.Fatal(err)
		}
		want[n.ID] = true
	}
	// unrelated user's rows must not leak in
	other := newNotif(t, "u2")
	_ = s.CreateNotification(ctx, other)

	const limit = 7
	cursor := ""
	seen := make(map[string]bool)
	var last string
	for page := 0; ; page++ {
		rows, err := s.GetPending(ctx, "u1", cursor, limit)
		if err != nil {
			t.Fatal(err)
		}
		for _, n := range rows {
			if n.Cursor <= last {
				t.Fatalf("cursor order violated: %s after %s", n.Cursor, last)
			}
			last = n.Cursor
			if seen[n.ID] {
				t.Fatalf("duplicate %s across pages", n.ID)
			}
			seen[n.ID] = true
		}
		hasMore := len(rows) == limit
		if !hasMore {
			break
		}
		cursor = rows[len(rows)-1].Cursor
		if page > total {
			t.Fatal("pagination did not terminate")
		}
	}
	if len(seen) != total {
		t.Fatalf("paged %d rows, want %d", len(seen), total)
	}
	for id := range want {
		if !seen[id] {
			t.Fatalf("omitted %s", id)
		}
	}
}

func TestGetPendingExcludesExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	live := newNotif(t, "u1")
	dead := newNotif(t, "u1")
	dead.ExpiresAt = time.Now().Add(-time.Second).UnixMilli()
	_ = s.CreateNotification(ctx, live)
	_ = s.CreateNotification(ctx, dead)

	got, err := s.GetPending(ctx, "u1", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != live.ID {
		t.Fatalf("pending = %v, want only the unexpired row", got)
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMem()

	if p, err := s.GetPreferences(ctx, "u1"); err != nil || p != nil {
		t.Fatalf("missing prefs should be (nil, nil), got (%v, %v)", p, err)
	}
	in := &model.UserPreferences{UserID: "u1", DoNotDisturb: true}
	if err := s.PutPreferences(ctx, in); err != nil {
		t.Fatal(err)
	}
	out, err := s.GetPreferences(ctx, "u1")
	if err != nil || out == nil || !out.DoNotDisturb {
		t.Fatalf("prefs round trip failed: %v %v", out, err)
	}
}

func TestCursorOrderingMatchesCreation(t *testing.T) {
	var prev string
	for i := 0; i < 100; i++ {
		_, cursor := ids.NextCursor()
		if cursor <= prev {
			t.Fatalf("cursor %q not greater than %q at i=%d", cursor, prev, i)
		}
		if len(cursor) != 20 {
			t.Fatalf("cursor %q not fixed width", cursor)
		}
		prev = cursor
	}
}

func ExampleStore() {
	s := NewMem()
	ctx := context.Background()
	id, cursor := ids.NextCursor()
	_ = s.CreateNotification(ctx, &model.Notification{
		ID: id, UserID: "u1", Cursor: cursor,
		Priority: model.PriorityNormal, Status: model.StatusPending,
		CreatedAt: time.Now().UnixMilli(),
	})
	rows, _ := s.GetPending(ctx, "u1", "", 10)
	fmt.Println(len(rows))
	// Output: 1
}
