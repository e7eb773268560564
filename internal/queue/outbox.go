// Package queue provides the durable outbound operation queue.
//
// Local mutations destined for the remote backend are appended to an
// outbox table in the local database, so an operation enqueued just before
// a crash is still delivered after restart. Replay preserves per-record
// ordering: a later upsert for the same id is never applied before an
// earlier one, because the whole log drains in sequence order and stops at
// the first failure.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/inkwell-app/inkwell/internal/remote"
)

// Kind classifies an outbound operation.
type Kind string

const (
	KindUpsert Kind = "upsert"
	KindDelete Kind = "delete"
)

// TableChapters is the only record kind the core enqueues today.
const TableChapters = "chapters"

// Op is one pending outbound operation.
type Op struct {
	Seq       int64
	Kind      Kind
	Table     string
	RecordID  string
	ScopeID   string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Outbox is the SQLite-backed operation log. It shares the local store's
// database connection so enqueue rides the same durability.
type Outbox struct {
	db     *sql.DB
	logger *log.Logger
}

// Open prepares the outbox table on the given connection. Idempotent.
func Open(db *sql.DB, logger *log.Logger) (*Outbox, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		tbl TEXT NOT NULL,
		record_id TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_record ON outbox(tbl, record_id);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize outbox schema: %w", err)
	}

	return &Outbox{db: db, logger: logger}, nil
}

// Enqueue durably records an operation for later delivery.
func (o *Outbox) Enqueue(ctx context.Context, kind Kind, table, recordID, scopeID string, payload any) error {
	if kind != KindUpsert && kind != KindDelete {
		return fmt.Errorf("unknown operation kind %q", kind)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s/%s: %w", table, recordID, err)
	}

	_, err = o.db.ExecContext(ctx,
		`INSERT INTO outbox (kind, tbl, record_id, scope_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		string(kind), table, recordID, scopeID, string(data),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to enqueue %s for %s/%s: %w", kind, table, recordID, err)
	}
	return nil
}

// Pending returns how many operations await delivery.
func (o *Outbox) Pending(ctx context.Context) (int, error) {
	var count int
	if err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return count, nil
}

// Ops returns the pending operations in delivery order.
func (o *Outbox) Ops(ctx context.Context) ([]Op, error) {
	rows, err := o.db.QueryContext(ctx,
		`SELECT seq, kind, tbl, record_id, scope_id, payload, created_at
		 FROM outbox ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	defer rows.Close()

	var ops []Op
	for rows.Next() {
		var op Op
		var kind, payload, createdAt string
		if err := rows.Scan(&op.Seq, &kind, &op.Table, &op.RecordID, &op.ScopeID, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		op.Kind = Kind(kind)
		op.Payload = json.RawMessage(payload)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			op.CreatedAt = t
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}
	return ops, nil
}

// Flush replays pending operations against the backend in sequence order.
//
// Delivery stops at the first failure so later operations for the same
// record cannot overtake an earlier one; the failed operation stays queued
// for the next flush. Returns how many operations were delivered.
func (o *Outbox) Flush(ctx context.Context, client remote.Client) (int, error) {
	ops, err := o.Ops(ctx)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, op := range ops {
		if err := o.deliver(ctx, client, op); err != nil {
			return delivered, fmt.Errorf("failed to deliver op %d (%s %s/%s): %w",
				op.Seq, op.Kind, op.Table, op.RecordID, err)
		}
		if _, err := o.db.ExecContext(ctx, `DELETE FROM outbox WHERE seq = ?`, op.Seq); err != nil {
			return delivered, fmt.Errorf("failed to dequeue op %d: %w", op.Seq, err)
		}
		delivered++
	}
	return delivered, nil
}

func (o *Outbox) deliver(ctx context.Context, client remote.Client, op Op) error {
	if op.Table != TableChapters {
		// Unknown tables are dropped with a warning instead of wedging the
		// whole queue behind an op nothing can deliver.
		o.logger.Printf("Warning: dropping op %d for unknown table %q", op.Seq, op.Table)
		return nil
	}

	switch op.Kind {
	case KindUpsert:
		var row remote.Row
		if err := json.Unmarshal(op.Payload, &row); err != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}
		return client.UpsertChapter(ctx, row)
	case KindDelete:
		return client.DeleteChapter(ctx, op.ScopeID, op.RecordID)
	default:
		o.logger.Printf("Warning: dropping op %d with unknown kind %q", op.Seq, op.Kind)
		return nil
	}
}
