package lite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/kenkyu/internal/storage"
)

// InsertMutationAudit appends a mutation audit event.
func (s *Store) InsertMutationAudit(ctx context.Context, e storage.MutationAuditEntry) error {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	marshal := func(v any) (any, error) {
		if v == nil {
			return nil, nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	before, err := marshal(e.BeforeData)
	if err != nil {
		return fmt.Errorf("lite: marshal mutation audit before_data: %w", err)
	}
	after, err := marshal(e.AfterData)
	if err != nil {
		return fmt.Errorf("lite: marshal mutation audit after_data: %w", err)
	}
	meta, err := marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("lite: marshal mutation audit metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mutation_audit_log (
		     request_id, actor, actor_role, http_method, endpoint, operation,
		     resource_type, resource_id, before_data, after_data, metadata, occurred_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.Actor, e.ActorRole, e.HTTPMethod, e.Endpoint, e.Operation,
		e.ResourceType, e.ResourceID, before, after, meta, nanos(s.now()),
	)
	if err != nil {
		return fmt.Errorf("lite: insert mutation audit: %w", err)
	}
	return nil
}

// CountMutationAudit returns how many audit rows exist for a resource.
func (s *Store) CountMutationAudit(ctx context.Context, resourceType, resourceID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM mutation_audit_log WHERE resource_type = ? AND resource_id = ?`,
		resourceType, resourceID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("lite: count mutation audit: %w", err)
	}
	return n, nil
}

// ListMutationAudit returns the audit rows for a resource, oldest first.
// Before and after data come back as raw JSON.
func (s *Store) ListMutationAudit(ctx context.Context, resourceType, resourceID string) ([]storage.MutationAuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, actor, actor_role, http_method, endpoint, operation,
		        resource_type, resource_id, before_data, after_data
		 FROM mutation_audit_log
		 WHERE resource_type = ? AND resource_id = ?
		 ORDER BY id`,
		resourceType, resourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("lite: list mutation audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.MutationAuditEntry
	for rows.Next() {
		var (
			e             storage.MutationAuditEntry
			before, after sql.NullString
		)
		if err := rows.Scan(&e.RequestID, &e.Actor, &e.ActorRole, &e.HTTPMethod, &e.Endpoint, &e.Operation,
			&e.ResourceType, &e.ResourceID, &before, &after); err != nil {
			return nil, fmt.Errorf("lite: scan mutation audit: %w", err)
		}
		if before.Valid {
			e.BeforeData = json.RawMessage(before.String)
		}
		if after.Valid {
			e.AfterData = json.RawMessage(after.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// BeginIdempotency reserves a key for processing.
func (s *Store) BeginIdempotency(ctx context.Context, actor, endpoint, key, requestHash string) (storage.IdempotencyLookup, error) {
	now := nanos(s.now())
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO idempotency_keys
		     (actor, endpoint, idempotency_key, request_hash, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'in_progress', ?, ?)`,
		actor, endpoint, key, requestHash, now, now,
	)
	if err != nil {
		return storage.IdempotencyLookup{}, fmt.Errorf("lite: begin idempotency: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return storage.IdempotencyLookup{}, nil
	}

	var (
		storedHash, status string
		statusCode         sql.NullInt64
		responseData       sql.NullString
	)
	if err := s.db.QueryRowContext(ctx,
		`SELECT request_hash, status, status_code, response_data FROM idempotency_keys
		 WHERE actor = ? AND endpoint = ? AND idempotency_key = ?`,
		actor, endpoint, key,
	).Scan(&storedHash, &status, &statusCode, &responseData); err != nil {
		return storage.IdempotencyLookup{}, fmt.Errorf("lite: lookup idempotency: %w", err)
	}
	var code *int
	if statusCode.Valid {
		c := int(statusCode.Int64)
		code = &c
	}
	return storage.ResolveIdempotency(requestHash, storedHash, status, code, textBytes(responseData))
}

// CompleteIdempotency stores the final response for a reserved key.
func (s *Store) CompleteIdempotency(ctx context.Context, actor, endpoint, key string, statusCode int, responseData any) error {
	payload, err := json.Marshal(responseData)
	if err != nil {
		return fmt.Errorf("lite: marshal idempotency response: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET status = 'completed', status_code = ?, response_data = ?, updated_at = ?
		 WHERE actor = ? AND endpoint = ? AND idempotency_key = ? AND status = 'in_progress'`,
		statusCode, string(payload), nanos(s.now()), actor, endpoint, key,
	)
	if err != nil {
		return fmt.Errorf("lite: complete idempotency: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lite: complete idempotency: key not found or not in_progress")
	}
	return nil
}

// ClearInProgressIdempotency removes an in-progress reservation.
func (s *Store) ClearInProgressIdempotency(ctx context.Context, actor, endpoint, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys
		 WHERE actor = ? AND endpoint = ? AND idempotency_key = ? AND status = 'in_progress'`,
		actor, endpoint, key,
	); err != nil {
		return fmt.Errorf("lite: clear idempotency: %w", err)
	}
	return nil
}

// CleanupIdempotencyKeys removes expired records.
func (s *Store) CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = 'completed' AND updated_at < ?)
		    OR (status = 'in_progress' AND updated_at < ?)`,
		nanos(now.Add(-completedTTL)), nanos(now.Add(-inProgressTTL)),
	)
	if err != nil {
		return 0, fmt.Errorf("lite: cleanup idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
