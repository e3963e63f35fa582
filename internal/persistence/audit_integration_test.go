package persistence_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"VaultLedger/internal/event"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func note(seq int64, typ event.Type, amount int64) *event.Notification {
	return &event.Notification{
		ID:        uuid.New(),
		Sequence:  seq,
		Type:      typ,
		Account:   uuid.New(),
		Amount:    big.NewInt(amount),
		Timestamp: time.Now().UTC(),
	}
}

func TestAuditWriter_RoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, testutil.MigrationsDir(), zerolog.Nop())
	if err := migrator.Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	writer := persistence.NewAuditWriter(db)

	rows := make([]persistence.Row, 0, 3)
	for i, typ := range []event.Type{event.TypeCollateralDeposited, event.TypeLoanTaken, event.TypeStaked} {
		row, err := persistence.RowFromNotification(note(int64(i), typ, 1000+int64(i)))
		if err != nil {
			t.Fatalf("row %d: %v", i, err)
		}
		rows = append(rows, row)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := writer.WriteBatch(ctx, tx, rows); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	last, err := writer.LastSequence(ctx)
	if err != nil {
		t.Fatalf("LastSequence: %v", err)
	}
	if last != 2 {
		t.Errorf("LastSequence = %d, want 2", last)
	}

	// Re-writing the same sequences must be a no-op.
	tx, err = db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := writer.WriteBatch(ctx, tx, rows); err != nil {
		t.Fatalf("idempotent WriteBatch: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM audit.notifications`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("row count after replay = %d, want 3", count)
	}
}

func TestWorker_FlushesOnTimeout(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	migrator := persistence.NewMigrator(db, testutil.MigrationsDir(), zerolog.Nop())
	if err := migrator.Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	input := make(chan *event.Notification, 16)
	worker := persistence.NewWorker(db, input, 100, 50*time.Millisecond, nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	input <- note(0, event.TypeStaked, 500)
	input <- note(1, event.TypeRewardsClaimed, 7)

	// Batch size is far from full, so only the timer can flush.
	deadline := time.After(5 * time.Second)
	for {
		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM audit.notifications`).Scan(&count); err != nil {
			t.Fatal(err)
		}
		if count == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("rows not flushed, have %d", count)
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
