package persistence

import (
	"context"
	"database/sql"
	"time"

	"VaultLedger/internal/event"
	"VaultLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Worker drains the persist channel and batch-writes audit rows to
// Postgres. The engine loop sends on that channel blocking, so if this
// worker falls behind the engine stalls rather than lose a record.
type Worker struct {
	db           *sql.DB
	writer       *AuditWriter
	input        <-chan *event.Notification
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger
}

func NewWorker(
	db *sql.DB,
	input <-chan *event.Notification,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Worker {
	return &Worker{
		db:           db,
		writer:       NewAuditWriter(db),
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log,
	}
}

// Run batches incoming notifications and flushes when the batch fills or
// the flush timeout fires. Blocks until ctx is cancelled or the input
// channel closes; remaining rows are flushed on the way out.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]Row, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Int("rows", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case note, ok := <-w.input:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						w.log.Error().Err(err).Int("rows", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			row, err := RowFromNotification(note)
			if err != nil {
				// A notification that cannot marshal is a programming
				// error; log and keep the stream moving.
				w.log.Error().Err(err).Int64("sequence", note.Sequence).Msg("dropping unmarshalable notification")
				continue
			}
			batch = append(batch, row)

			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or the context is cancelled; on cancellation it makes one last attempt
// with a background context so the batch survives shutdown.
func (w *Worker) flushWithRetry(ctx context.Context, batch []Row) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("rows", len(batch)).
				Msg("audit flush retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Int("rows", len(batch)).Msg("flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, batch); err == nil {
			if attempt > 0 {
				w.log.Info().Int("attempts", attempt).Msg("audit flush recovered")
			}
			return
		}
	}
}

func (w *Worker) flush(ctx context.Context, batch []Row) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteBatch(ctx, tx, batch); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(batch)))
		w.metrics.PersistRowsWritten.Add(float64(len(batch)))
		w.metrics.PersistLastSequence.Set(float64(batch[len(batch)-1].Sequence))
	}

	return nil
}
