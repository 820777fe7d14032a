package persistence_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpEngine/internal/engine"
	"PerpEngine/internal/ledger"
	"PerpEngine/internal/persistence"
	"PerpEngine/internal/testutil"
)

// ============================================================================
// Test: Recorder (integration)
// ============================================================================

func TestRecorder_WritesEventsAndEntries(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	migrator := persistence.NewMigrator(db, "../../migrations", zerolog.Nop())
	if err := migrator.Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	rec := persistence.NewRecorder(db, 64, 10, 20*time.Millisecond, nil, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	trader := uuid.New()
	eventSink := rec.EventSink()
	eventSink(engine.Event{
		EventID:   uuid.New(),
		Type:      engine.EventDeposit,
		Trader:    trader,
		Amount:    "100000000000000000000",
		Timestamp: time.Now(),
	})
	eventSink(engine.Event{
		EventID:     uuid.New(),
		Type:        engine.EventPositionOpened,
		MarketID:    "BTC-PERP",
		Trader:      trader,
		Size:        "499750124937531234",
		Notional:    "1000000000000000000000",
		Fee:         "0",
		RealizedPnL: "",
		Timestamp:   time.Now(),
	})

	entrySink := rec.EntrySink()
	entrySink(ledger.Entry{
		EntryID:      uuid.New(),
		Trader:       trader,
		Type:         ledger.EntryDeposit,
		Amount:       big.NewInt(100),
		BalanceAfter: big.NewInt(100),
		Ref:          "deposit",
	})

	// Cancellation drains the buffers before Run returns.
	time.Sleep(100 * time.Millisecond)
	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("run returned %v, want context.Canceled", err)
	}

	var eventCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM perp.events").Scan(&eventCount); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if eventCount != 2 {
		t.Errorf("events = %d, want 2", eventCount)
	}

	var entryCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM perp.ledger_entries").Scan(&entryCount); err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if entryCount != 1 {
		t.Errorf("ledger entries = %d, want 1", entryCount)
	}

	var marketID string
	err := db.QueryRow("SELECT market_id FROM perp.events WHERE event_type = 'position_opened'").Scan(&marketID)
	if err != nil {
		t.Fatalf("select opened event: %v", err)
	}
	if marketID != "BTC-PERP" {
		t.Errorf("market_id = %q, want BTC-PERP", marketID)
	}
}

func TestRecorder_DuplicateEventIDIsIdempotent(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	migrator := persistence.NewMigrator(db, "../../migrations", zerolog.Nop())
	if err := migrator.Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	rec := persistence.NewRecorder(db, 64, 10, 20*time.Millisecond, nil, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	evt := engine.Event{
		EventID:   uuid.New(),
		Type:      engine.EventWithdrawal,
		Trader:    uuid.New(),
		Amount:    "1",
		Timestamp: time.Now(),
	}
	sink := rec.EventSink()
	sink(evt)
	sink(evt) // replay

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM perp.events WHERE event_id = $1", evt.EventID).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("rows for replayed event = %d, want 1", count)
	}
}
