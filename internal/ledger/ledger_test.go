package ledger_test

import (
	"context"
	"database/sql"
	"testing"

	"gateflow/internal/db"
	"gateflow/internal/domain"
	"gateflow/internal/ledger"
	"gateflow/internal/migrate"
)

func newLedger(t *testing.T) (ledger.Ledger, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO tasks(id,status,created_at,updated_at) VALUES ('T-1','active','2026-01-01T00:00:00Z','2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return ledger.Ledger{DB: conn}, conn
}

func appendNote(t *testing.T, l ledger.Ledger, conn *sql.DB, text string) int64 {
	t.Helper()
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	seq, err := l.Append(ctx, tx, domain.ActivityEntry{
		TaskID:     "T-1",
		Kind:       domain.EntryAnnotation,
		TS:         "2026-01-01T00:00:00Z",
		ActorID:    "tester",
		Annotation: &domain.Annotation{Text: text},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return seq
}

func TestAppendAssignsDenseSequence(t *testing.T) {
	l, conn := newLedger(t)
	for i := 1; i <= 5; i++ {
		if seq := appendNote(t, l, conn, "note"); seq != int64(i) {
			t.Fatalf("seq = %d, want %d", seq, i)
		}
	}
	maxSeq, err := l.MaxSeq(context.Background(), "T-1")
	if err != nil || maxSeq != 5 {
		t.Fatalf("max seq = %d, %v", maxSeq, err)
	}
}

func TestReadRangeBounds(t *testing.T) {
	l, conn := newLedger(t)
	for i := 0; i < 5; i++ {
		appendNote(t, l, conn, "note")
	}
	ctx := context.Background()
	entries, err := l.ReadRange(ctx, "T-1", 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 || entries[0].Seq != 2 || entries[2].Seq != 4 {
		t.Fatalf("range [2,4] = %+v", entries)
	}
	entries, err = l.ReadRange(ctx, "T-1", 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("open range from 3 = %d entries", len(entries))
	}
}

func TestSwapPrefixInstallsPointer(t *testing.T) {
	l, conn := newLedger(t)
	for i := 0; i < 6; i++ {
		appendNote(t, l, conn, "note")
	}
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	ptr := domain.ArchivePointer{ArchiveID: "A-1", FromSeq: 1, ToSeq: 4}
	if err := l.SwapPrefix(ctx, tx, "T-1", ptr, "2026-01-01T00:00:00Z", "tester"); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	entries, err := l.ReadRange(ctx, "T-1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	// pointer at seq 4 plus the two retained entries
	if len(entries) != 3 {
		t.Fatalf("live entries = %d", len(entries))
	}
	if entries[0].Kind != domain.EntryArchivePointer || entries[0].Seq != 4 {
		t.Fatalf("first live entry = %+v", entries[0])
	}
	if entries[0].Archive == nil || entries[0].Archive.ArchiveID != "A-1" {
		t.Fatalf("pointer payload = %+v", entries[0].Archive)
	}
	if entries[1].Seq != 5 || entries[2].Seq != 6 {
		t.Fatal("retained entries must keep their sequence numbers")
	}

	// appends continue past the original numbering
	if seq := appendNote(t, l, conn, "after"); seq != 7 {
		t.Fatalf("next seq = %d, want 7", seq)
	}
}

func TestExplicitSeqForForkEntries(t *testing.T) {
	l, conn := newLedger(t)
	if _, err := conn.Exec(`INSERT INTO tasks(id,status,created_at,updated_at) VALUES ('T-2','active','2026-01-01T00:00:00Z','2026-01-01T00:00:00Z')`); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	seq, err := l.Append(ctx, tx, domain.ActivityEntry{
		TaskID:     "T-2",
		Seq:        11,
		Kind:       domain.EntryAnnotation,
		TS:         "2026-01-01T00:00:00Z",
		Annotation: &domain.Annotation{Text: "fork"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if seq != 11 {
		t.Fatalf("explicit seq = %d", seq)
	}
	next, err := l.Append(ctx, tx, domain.ActivityEntry{
		TaskID:     "T-2",
		Kind:       domain.EntryAnnotation,
		TS:         "2026-01-01T00:00:00Z",
		Annotation: &domain.Annotation{Text: "after fork"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if next != 12 {
		t.Fatalf("seq after explicit = %d, want 12", next)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestFeedAfter(t *testing.T) {
	l, conn := newLedger(t)
	for i := 0; i < 3; i++ {
		appendNote(t, l, conn, "note")
	}
	ctx := context.Background()
	latest, err := l.LatestID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	items, err := l.After(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 || items[2].ID != latest {
		t.Fatalf("feed = %d items, latest %d", len(items), latest)
	}
	items, err = l.After(ctx, 10, latest)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty feed past latest, got %d", len(items))
	}
}
