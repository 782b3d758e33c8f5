package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/ish-core/internal/entity"
	"github.com/nerrad567/ish-core/internal/service"
)

// SQLiteRepository implements Repository over the state_history and
// service_calls tables.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// RecordStateChange inserts one row for change.
func (r *SQLiteRepository) RecordStateChange(ctx context.Context, change entity.Change) error {
	if change.New == nil {
		return errors.New("history: change without new entity")
	}
	e := change.New

	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return fmt.Errorf("marshalling attributes: %w", err)
	}

	var oldState sql.NullString
	if change.Old != nil {
		oldState = sql.NullString{String: change.Old.State, Valid: true}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO state_history
		   (entity_id, domain, old_state, state, attributes, context_id, last_changed, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntityID,
		e.Domain(),
		oldState,
		e.State,
		string(attrs),
		e.Context.ID,
		formatTime(e.LastChanged),
		formatTime(e.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// RecordServiceCall inserts one row for rec.
func (r *SQLiteRepository) RecordServiceCall(ctx context.Context, rec service.Record) error {
	targets := rec.Targets
	if targets == nil {
		targets = rec.Call.EntityIDs
	}
	if targets == nil {
		targets = []string{}
	}
	ids, err := json.Marshal(targets)
	if err != nil {
		return fmt.Errorf("marshalling entity ids: %w", err)
	}

	data := rec.Call.Data
	if data == nil {
		data = map[string]any{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshalling service data: %w", err)
	}

	result, errText := ResultSuccess, ""
	if rec.Err != nil {
		result, errText = ResultFailed, rec.Err.Error()
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO service_calls
		   (id, domain, service, entity_ids, service_data, principal, source, result, error, changed, called_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Call.Domain,
		rec.Call.Service,
		string(ids),
		string(dataJSON),
		rec.Call.Principal,
		string(rec.Call.Source),
		result,
		errText,
		rec.Affected,
		formatTime(rec.CalledAt),
	)
	if err != nil {
		return fmt.Errorf("inserting service call: %w", err)
	}
	return nil
}

// GetHistory returns the most recent entries for entityID, newest first.
// limit defaults to 50 and is capped at 200.
func (r *SQLiteRepository) GetHistory(ctx context.Context, entityID string, limit int) ([]Entry, error) {
	if entityID == "" {
		return nil, errors.New("history: entity id is required")
	}
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, entity_id, old_state, state, attributes, context_id, last_changed, last_updated
		 FROM state_history
		 WHERE entity_id = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		entityID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e           Entry
			oldState    sql.NullString
			attrs       string
			lastChanged string
			lastUpdated string
		)
		if err := rows.Scan(&e.ID, &e.EntityID, &oldState, &e.State, &attrs, &e.ContextID, &lastChanged, &lastUpdated); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		if oldState.Valid {
			s := oldState.String
			e.OldState = &s
		}
		if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshalling attributes: %w", err)
		}
		if e.LastChanged, err = parseTime(lastChanged); err != nil {
			return nil, err
		}
		if e.LastUpdated, err = parseTime(lastUpdated); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return entries, nil
}

// ListServiceCalls returns the most recent service calls, newest first.
func (r *SQLiteRepository) ListServiceCalls(ctx context.Context, limit int) ([]ServiceCallEntry, error) {
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, domain, service, entity_ids, service_data, principal, source, result, error, changed, called_at
		 FROM service_calls
		 ORDER BY called_at DESC, rowid DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying service calls: %w", err)
	}
	defer rows.Close()

	calls := make([]ServiceCallEntry, 0, limit)
	for rows.Next() {
		var (
			c        ServiceCallEntry
			ids      string
			data     string
			calledAt string
		)
		if err := rows.Scan(&c.ID, &c.Domain, &c.Service, &ids, &data, &c.Principal, &c.Source,
			&c.Result, &c.Error, &c.Changed, &calledAt); err != nil {
			return nil, fmt.Errorf("scanning service call: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &c.EntityIDs); err != nil {
			return nil, fmt.Errorf("unmarshalling entity ids: %w", err)
		}
		if err := json.Unmarshal([]byte(data), &c.ServiceData); err != nil {
			return nil, fmt.Errorf("unmarshalling service data: %w", err)
		}
		if c.CalledAt, err = parseTime(calledAt); err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating service calls: %w", err)
	}
	return calls, nil
}

// Prune deletes state history and service calls older than olderThan.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("history: olderThan must be positive")
	}
	cutoff := formatTime(time.Now().Add(-olderThan))

	var total int64
	for _, q := range []string{
		"DELETE FROM state_history WHERE last_updated < ?",
		"DELETE FROM service_calls WHERE called_at < ?",
	} {
		res, err := r.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("pruning history: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("checking rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

// Timestamps are fixed-width so string comparison in SQL matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err == nil {
		return t, nil
	}
	if t, err2 := time.Parse(time.RFC3339Nano, value); err2 == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", value, err)
}
