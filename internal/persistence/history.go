package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"PerpEngine/internal/engine"
	"PerpEngine/internal/ledger"
	"PerpEngine/internal/observability"
)

// Open connects to Postgres via lib/pq and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Recorder buffers engine events and ledger entries and flushes them to
// Postgres in batches, either when a batch fills or when the flush interval
// elapses. Full buffers drop records with a logged warning: history lags
// rather than trading stalling.
type Recorder struct {
	db            *sql.DB
	events        chan engine.Event
	entries       chan ledger.Entry
	batchSize     int
	flushInterval time.Duration
	metrics       *observability.Metrics
	log           zerolog.Logger
}

// NewRecorder creates a recorder with the given buffer and batch sizes.
func NewRecorder(db *sql.DB, buffer, batchSize int, flushInterval time.Duration, metrics *observability.Metrics, log zerolog.Logger) *Recorder {
	return &Recorder{
		db:            db,
		events:        make(chan engine.Event, buffer),
		entries:       make(chan ledger.Entry, buffer),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		metrics:       metrics,
		log:           log,
	}
}

// EventSink returns the non-blocking callback recording engine events.
func (r *Recorder) EventSink() func(engine.Event) {
	return func(evt engine.Event) {
		select {
		case r.events <- evt:
		default:
			r.log.Warn().Str("type", string(evt.Type)).Msg("history buffer full, event dropped")
		}
	}
}

// EntrySink returns the non-blocking callback recording ledger entries.
func (r *Recorder) EntrySink() func(ledger.Entry) {
	return func(entry ledger.Entry) {
		select {
		case r.entries <- entry:
		default:
			r.log.Warn().Str("type", entry.Type.String()).Msg("history buffer full, entry dropped")
		}
	}
}

// Run batches and flushes until the context is cancelled, then drains what
// remains in the buffers.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	eventBatch := make([]engine.Event, 0, r.batchSize)
	entryBatch := make([]ledger.Entry, 0, r.batchSize)

	flush := func(flushCtx context.Context) {
		if len(eventBatch) > 0 {
			r.writeEvents(flushCtx, eventBatch)
			eventBatch = eventBatch[:0]
		}
		if len(entryBatch) > 0 {
			r.writeEntries(flushCtx, entryBatch)
			entryBatch = entryBatch[:0]
		}
	}

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case evt := <-r.events:
					eventBatch = append(eventBatch, evt)
				case entry := <-r.entries:
					entryBatch = append(entryBatch, entry)
				default:
					flush(drainCtx)
					return ctx.Err()
				}
			}

		case evt := <-r.events:
			eventBatch = append(eventBatch, evt)
			if len(eventBatch) >= r.batchSize {
				flush(ctx)
			}

		case entry := <-r.entries:
			entryBatch = append(entryBatch, entry)
			if len(entryBatch) >= r.batchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (r *Recorder) writeEvents(ctx context.Context, batch []engine.Event) {
	start := time.Now()

	query := `INSERT INTO perp.events
		(event_id, event_type, market_id, trader, size, notional, collateral, fee, realized_pnl, amount, rate_bps, occurred_at)
		VALUES `

	values := make([]string, 0, len(batch))
	args := make([]interface{}, 0, len(batch)*12)
	for i, e := range batch {
		base := i * 12
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
			base+7, base+8, base+9, base+10, base+11, base+12,
		))
		args = append(args,
			e.EventID, string(e.Type), nullable(e.MarketID), e.Trader.String(),
			nullable(e.Size), nullable(e.Notional), nullable(e.Collateral),
			nullable(e.Fee), nullable(e.RealizedPnL), nullable(e.Amount),
			e.RateBps, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (event_id) DO NOTHING"

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.log.Error().Err(err).Int("batch", len(batch)).Msg("event batch write failed")
		if r.metrics != nil {
			r.metrics.PersistErrors.WithLabelValues("events").Inc()
		}
		return
	}
	if r.metrics != nil {
		r.metrics.PersistRowsWritten.WithLabelValues("events").Add(float64(len(batch)))
		r.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
	}
}

func (r *Recorder) writeEntries(ctx context.Context, batch []ledger.Entry) {
	start := time.Now()

	query := `INSERT INTO perp.ledger_entries
		(entry_id, trader, entry_type, amount, balance_after, ref)
		VALUES `

	values := make([]string, 0, len(batch))
	args := make([]interface{}, 0, len(batch)*6)
	for i, e := range batch {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args,
			e.EntryID, e.Trader.String(), e.Type.String(),
			e.Amount.String(), e.BalanceAfter.String(), e.Ref,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (entry_id) DO NOTHING"

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.log.Error().Err(err).Int("batch", len(batch)).Msg("ledger entry batch write failed")
		if r.metrics != nil {
			r.metrics.PersistErrors.WithLabelValues("ledger_entries").Inc()
		}
		return
	}
	if r.metrics != nil {
		r.metrics.PersistRowsWritten.WithLabelValues("ledger_entries").Add(float64(len(batch)))
		r.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
	}
}

// nullable maps empty strings to SQL NULL.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
