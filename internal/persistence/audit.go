package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"VaultLedger/internal/event"
)

// AuditWriter writes applied notifications to the audit.notifications
// table using multi-row INSERT. Writes are idempotent on sequence, so a
// replayed batch after a crash is harmless.
type AuditWriter struct {
	db *sql.DB
}

func NewAuditWriter(db *sql.DB) *AuditWriter {
	return &AuditWriter{db: db}
}

// Row is one audit record. Amounts travel as decimal strings into
// NUMERIC(78,0) columns, wide enough for any 256-bit value.
type Row struct {
	Sequence     int64
	ID           string
	Type         string
	Account      string
	Counterparty *string
	Amount       string
	DebtCleared  *string
	Timestamp    string
	Payload      []byte
}

// RowFromNotification flattens a stamped notification into an audit row.
func RowFromNotification(n *event.Notification) (Row, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return Row{}, fmt.Errorf("marshal notification %d: %w", n.Sequence, err)
	}

	row := Row{
		Sequence:  n.Sequence,
		ID:        n.ID.String(),
		Type:      n.Type.String(),
		Account:   n.Account.String(),
		Amount:    n.Amount.String(),
		Timestamp: n.Timestamp.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		Payload:   payload,
	}
	if n.Counterparty != nil {
		s := n.Counterparty.String()
		row.Counterparty = &s
	}
	if n.DebtCleared != nil {
		s := n.DebtCleared.String()
		row.DebtCleared = &s
	}
	return row, nil
}

// WriteBatch writes rows inside the given transaction.
func (w *AuditWriter) WriteBatch(ctx context.Context, tx *sql.Tx, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO audit.notifications
		(sequence, id, type, account, counterparty, amount, debt_cleared, ts, payload)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*9)

	for i, r := range rows {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			r.Sequence, r.ID, r.Type, r.Account, r.Counterparty,
			r.Amount, r.DebtCleared, r.Timestamp, r.Payload,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LastSequence returns the highest durable sequence, or -1 on an empty
// audit log. Used at startup to seed the engine's sequence counter.
func (w *AuditWriter) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := w.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM audit.notifications`,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query last sequence: %w", err)
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
