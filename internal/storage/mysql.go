package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB-backed Storage implementation: connection-pool
// tuning plus a CREATE-TABLE-IF-NOT-EXISTS bootstrap for the seven named
// collections.
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/controlplane?parseTime=true
//	user:password@tcp(127.0.0.1:3306)/controlplane
//
// Security Warning:
//
//	Never hardcode credentials. Read the DSN from the environment:
//	    dsn := os.Getenv("CONTROLPLANE_MYSQL_DSN")
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens a pooled connection and creates the schema if absent.
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore) Close() error { return m.db.Close() }

func (m *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id VARCHAR(64) PRIMARY KEY,
			tenant_id VARCHAR(128) NOT NULL,
			trigger_source VARCHAR(32) NOT NULL,
			kind VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			target_repository VARCHAR(255) NOT NULL,
			target_pr_number INT NOT NULL DEFAULT 0,
			target_issue_num INT NOT NULL DEFAULT 0,
			input_fingerprint VARCHAR(128) NOT NULL,
			step_ids TEXT NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			INDEX idx_runs_tenant_status (tenant_id, status, created_at),
			INDEX idx_runs_tenant_fingerprint (tenant_id, input_fingerprint)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS steps (
			id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			ordinal INT NOT NULL,
			kind VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			input_hash VARCHAR(128) NOT NULL,
			output_hash VARCHAR(128) NOT NULL DEFAULT '',
			output_blob LONGBLOB,
			started_at TIMESTAMP(6) NULL,
			ended_at TIMESTAMP(6) NULL,
			attempt INT NOT NULL DEFAULT 0,
			error_code VARCHAR(64) NOT NULL DEFAULT '',
			error_message TEXT,
			model_tier VARCHAR(32) NOT NULL DEFAULT '',
			model_reason VARCHAR(255) NOT NULL DEFAULT '',
			UNIQUE KEY unique_run_ordinal (run_id, ordinal)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id VARCHAR(64) PRIMARY KEY,
			last_completed_ordinal INT NOT NULL,
			accumulated_artifact_ids TEXT NOT NULL,
			created_at TIMESTAMP(6) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS idempotency (
			tenant_id VARCHAR(128) NOT NULL,
			idem_key VARCHAR(255) NOT NULL,
			source VARCHAR(32) NOT NULL,
			request_hash VARCHAR(128) NOT NULL,
			status VARCHAR(32) NOT NULL,
			response_body LONGBLOB,
			created_at TIMESTAMP(6) NOT NULL,
			updated_at TIMESTAMP(6) NOT NULL,
			expires_at TIMESTAMP(6) NOT NULL,
			lock_expires_at TIMESTAMP(6) NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, idem_key)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS run_locks (
			run_id VARCHAR(64) PRIMARY KEY,
			holder VARCHAR(128) NOT NULL,
			acquired_at TIMESTAMP(6) NOT NULL,
			expires_at TIMESTAMP(6) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			tenant_id VARCHAR(128) NOT NULL,
			capability VARCHAR(32) NOT NULL,
			target_repository VARCHAR(255) NOT NULL,
			target_pr_number INT NOT NULL DEFAULT 0,
			artifact_hash VARCHAR(128) NOT NULL,
			artifact_bytes MEDIUMBLOB,
			approver VARCHAR(128) NOT NULL DEFAULT '',
			decision VARCHAR(16) NOT NULL DEFAULT '',
			reason TEXT,
			signature VARCHAR(512) NOT NULL DEFAULT '',
			signed_at TIMESTAMP(6) NULL,
			expires_at TIMESTAMP(6) NOT NULL,
			status VARCHAR(16) NOT NULL,
			INDEX idx_approvals_run (run_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id VARCHAR(64) PRIMARY KEY,
			tenant_id VARCHAR(128) NOT NULL,
			run_id VARCHAR(64) NOT NULL DEFAULT '',
			actor VARCHAR(128) NOT NULL,
			event_kind VARCHAR(64) NOT NULL,
			payload_hash VARCHAR(128) NOT NULL,
			prev_hash VARCHAR(128) NOT NULL,
			event_timestamp TIMESTAMP(6) NOT NULL,
			INDEX idx_audit_tenant_ts (tenant_id, event_timestamp)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func joinIDs(ids []string) string   { return strings.Join(ids, ",") }
func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func (m *MySQLStore) PutRun(ctx context.Context, r Run) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO runs (id, tenant_id, trigger_source, kind, status, target_repository, target_pr_number, target_issue_num, input_fingerprint, step_ids, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON DUPLICATE KEY UPDATE status=VALUES(status), step_ids=VALUES(step_ids), updated_at=VALUES(updated_at)`,
		r.ID, r.TenantID, r.Trigger, r.Kind, r.Status, r.TargetRepository, r.TargetPRNumber, r.TargetIssueNum, r.InputFingerprint, joinIDs(r.StepIDs), r.CreatedAt, r.UpdatedAt)
	return err
}

func (m *MySQLStore) GetRun(ctx context.Context, tenantID, runID string) (Run, error) {
	var r Run
	var stepIDs string
	err := m.db.QueryRowContext(ctx, `SELECT id, tenant_id, trigger_source, kind, status, target_repository, target_pr_number, target_issue_num, input_fingerprint, step_ids, created_at, updated_at
		FROM runs WHERE tenant_id=? AND id=?`, tenantID, runID).
		Scan(&r.ID, &r.TenantID, &r.Trigger, &r.Kind, &r.Status, &r.TargetRepository, &r.TargetPRNumber, &r.TargetIssueNum, &r.InputFingerprint, &stepIDs, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, err
	}
	r.StepIDs = splitIDs(stepIDs)
	return r, nil
}

func (m *MySQLStore) ListRuns(ctx context.Context, tenantID string, status string) ([]Run, error) {
	query := `SELECT id, tenant_id, trigger_source, kind, status, target_repository, target_pr_number, target_issue_num, input_fingerprint, step_ids, created_at, updated_at FROM runs WHERE tenant_id=?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		var stepIDs string
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Trigger, &r.Kind, &r.Status, &r.TargetRepository, &r.TargetPRNumber, &r.TargetIssueNum, &r.InputFingerprint, &stepIDs, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.StepIDs = splitIDs(stepIDs)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (m *MySQLStore) FindRunByFingerprint(ctx context.Context, tenantID, fingerprint string, within time.Duration) (Run, bool, error) {
	var r Run
	var stepIDs string
	err := m.db.QueryRowContext(ctx, `SELECT id, tenant_id, trigger_source, kind, status, target_repository, target_pr_number, target_issue_num, input_fingerprint, step_ids, created_at, updated_at
		FROM runs WHERE tenant_id=? AND input_fingerprint=? AND created_at > ? ORDER BY created_at DESC LIMIT 1`,
		tenantID, fingerprint, time.Now().Add(-within)).
		Scan(&r.ID, &r.TenantID, &r.Trigger, &r.Kind, &r.Status, &r.TargetRepository, &r.TargetPRNumber, &r.TargetIssueNum, &r.InputFingerprint, &stepIDs, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	r.StepIDs = splitIDs(stepIDs)
	return r, true, nil
}

func (m *MySQLStore) PutStep(ctx context.Context, s Step) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO steps (id, run_id, ordinal, kind, status, input_hash, output_hash, output_blob, started_at, ended_at, attempt, error_code, error_message, model_tier, model_reason)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON DUPLICATE KEY UPDATE status=VALUES(status), output_hash=VALUES(output_hash), output_blob=VALUES(output_blob), ended_at=VALUES(ended_at), attempt=VALUES(attempt), error_code=VALUES(error_code), error_message=VALUES(error_message), model_tier=VALUES(model_tier), model_reason=VALUES(model_reason)`,
		s.ID, s.RunID, s.Ordinal, s.Kind, s.Status, s.InputHash, s.OutputHash, s.OutputBlob, nullTime(s.StartedAt), nullTime(s.EndedAt), s.Attempt, s.ErrorCode, s.ErrorMessage, s.ModelTier, s.ModelReason)
	return err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func (m *MySQLStore) GetStep(ctx context.Context, stepID string) (Step, error) {
	var s Step
	var started, ended sql.NullTime
	err := m.db.QueryRowContext(ctx, `SELECT id, run_id, ordinal, kind, status, input_hash, output_hash, output_blob, started_at, ended_at, attempt, error_code, error_message, model_tier, model_reason FROM steps WHERE id=?`, stepID).
		Scan(&s.ID, &s.RunID, &s.Ordinal, &s.Kind, &s.Status, &s.InputHash, &s.OutputHash, &s.OutputBlob, &started, &ended, &s.Attempt, &s.ErrorCode, &s.ErrorMessage, &s.ModelTier, &s.ModelReason)
	if errors.Is(err, sql.ErrNoRows) {
		return Step{}, ErrNotFound
	}
	if err != nil {
		return Step{}, err
	}
	s.StartedAt, s.EndedAt = started.Time, ended.Time
	return s, nil
}

func (m *MySQLStore) ListSteps(ctx context.Context, runID string) ([]Step, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, run_id, ordinal, kind, status, input_hash, output_hash, output_blob, started_at, ended_at, attempt, error_code, error_message, model_tier, model_reason FROM steps WHERE run_id=? ORDER BY ordinal`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Step
	for rows.Next() {
		var s Step
		var started, ended sql.NullTime
		if err := rows.Scan(&s.ID, &s.RunID, &s.Ordinal, &s.Kind, &s.Status, &s.InputHash, &s.OutputHash, &s.OutputBlob, &started, &ended, &s.Attempt, &s.ErrorCode, &s.ErrorMessage, &s.ModelTier, &s.ModelReason); err != nil {
			return nil, err
		}
		s.StartedAt, s.EndedAt = started.Time, ended.Time
		out = append(out, s)
	}
	return out, rows.Err()
}

func (m *MySQLStore) PutCheckpoint(ctx context.Context, c Checkpoint) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, last_completed_ordinal, accumulated_artifact_ids, created_at)
		VALUES (?,?,?,?)
		ON DUPLICATE KEY UPDATE last_completed_ordinal=VALUES(last_completed_ordinal), accumulated_artifact_ids=VALUES(accumulated_artifact_ids), created_at=VALUES(created_at)`,
		c.RunID, c.LastCompletedOrdinal, joinIDs(c.AccumulatedArtifactIDs), c.CreatedAt)
	return err
}

func (m *MySQLStore) LatestCheckpoint(ctx context.Context, runID string) (Checkpoint, error) {
	var c Checkpoint
	var ids string
	err := m.db.QueryRowContext(ctx, `SELECT run_id, last_completed_ordinal, accumulated_artifact_ids, created_at FROM checkpoints WHERE run_id=?`, runID).
		Scan(&c.RunID, &c.LastCompletedOrdinal, &ids, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, err
	}
	c.AccumulatedArtifactIDs = splitIDs(ids)
	return c, nil
}

func (m *MySQLStore) GetIdempotency(ctx context.Context, tenantID, key string) (IdempotencyRecord, bool, error) {
	var rec IdempotencyRecord
	err := m.db.QueryRowContext(ctx, `SELECT tenant_id, idem_key, source, request_hash, status, response_body, created_at, updated_at, expires_at, lock_expires_at, attempts FROM idempotency WHERE tenant_id=? AND idem_key=?`, tenantID, key).
		Scan(&rec.TenantID, &rec.Key, &rec.Source, &rec.RequestHash, &rec.Status, &rec.ResponseBody, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt, &rec.LockExpiresAt, &rec.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return rec, true, nil
}

// CompareAndSwapIdempotency wraps the check and the write in a single
// REPEATABLE READ transaction with a locking read, mirroring the bounded
// serializable-transaction contract the Storage Adapter requires.
func (m *MySQLStore) CompareAndSwapIdempotency(ctx context.Context, expected IdempotencyRecord, next IdempotencyRecord) error {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var status string
	var attempts int
	err = tx.QueryRowContext(ctx, `SELECT status, attempts FROM idempotency WHERE tenant_id=? AND idem_key=? FOR UPDATE`, next.TenantID, next.Key).Scan(&status, &attempts)
	wantNoRecord := expected.Status == "" && expected.Attempts == 0 && expected.CreatedAt.IsZero()

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if !wantNoRecord {
			return ErrOptimisticConflict
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO idempotency (tenant_id, idem_key, source, request_hash, status, response_body, created_at, updated_at, expires_at, lock_expires_at, attempts)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			next.TenantID, next.Key, next.Source, next.RequestHash, next.Status, next.ResponseBody, next.CreatedAt, next.UpdatedAt, next.ExpiresAt, next.LockExpiresAt, next.Attempts)
	case err != nil:
		return err
	default:
		if wantNoRecord || status != expected.Status || attempts != expected.Attempts {
			return ErrOptimisticConflict
		}
		_, err = tx.ExecContext(ctx, `UPDATE idempotency SET status=?, response_body=?, updated_at=?, expires_at=?, lock_expires_at=?, attempts=? WHERE tenant_id=? AND idem_key=?`,
			next.Status, next.ResponseBody, next.UpdatedAt, next.ExpiresAt, next.LockExpiresAt, next.Attempts, next.TenantID, next.Key)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (m *MySQLStore) AcquireLock(ctx context.Context, lock RunLock) (bool, error) {
	res, err := m.db.ExecContext(ctx, `
		INSERT INTO run_locks (run_id, holder, acquired_at, expires_at) VALUES (?,?,?,?)
		ON DUPLICATE KEY UPDATE holder=IF(expires_at < NOW(6) OR holder=VALUES(holder), VALUES(holder), holder),
			acquired_at=IF(expires_at < NOW(6) OR holder=VALUES(holder), VALUES(acquired_at), acquired_at),
			expires_at=IF(expires_at < NOW(6) OR holder=VALUES(holder), VALUES(expires_at), expires_at)`,
		lock.RunID, lock.Holder, lock.AcquiredAt, lock.ExpiresAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	// MySQL reports 1 for a fresh insert, 2 for an applied update, 0 when the
	// ON DUPLICATE KEY branch left every column unchanged (lock held by another).
	return affected == 1 || affected == 2, nil
}

func (m *MySQLStore) GetLock(ctx context.Context, runID string) (RunLock, bool, error) {
	var l RunLock
	err := m.db.QueryRowContext(ctx, `SELECT run_id, holder, acquired_at, expires_at FROM run_locks WHERE run_id=?`, runID).
		Scan(&l.RunID, &l.Holder, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RunLock{}, false, nil
	}
	if err != nil {
		return RunLock{}, false, err
	}
	return l, true, nil
}

func (m *MySQLStore) ReleaseLock(ctx context.Context, runID, holder string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM run_locks WHERE run_id=? AND holder=?`, runID, holder)
	return err
}

func (m *MySQLStore) HeartbeatLock(ctx context.Context, runID, holder string, newExpiry time.Time) error {
	res, err := m.db.ExecContext(ctx, `UPDATE run_locks SET expires_at=? WHERE run_id=? AND holder=?`, newExpiry, runID, holder)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOptimisticConflict
	}
	return nil
}

func (m *MySQLStore) PutApproval(ctx context.Context, a Approval) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO approvals (id, run_id, tenant_id, capability, target_repository, target_pr_number, artifact_hash, artifact_bytes, approver, decision, reason, signature, signed_at, expires_at, status)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON DUPLICATE KEY UPDATE approver=VALUES(approver), decision=VALUES(decision), reason=VALUES(reason), signature=VALUES(signature), signed_at=VALUES(signed_at), status=VALUES(status)`,
		a.ID, a.RunID, a.TenantID, a.Capability, a.TargetRepository, a.TargetPRNumber, a.ArtifactHash, a.ArtifactBytes, a.Approver, a.Decision, a.Reason, a.Signature, nullTime(a.SignedAt), a.ExpiresAt, a.Status)
	return err
}

func (m *MySQLStore) GetApproval(ctx context.Context, approvalID string) (Approval, error) {
	var a Approval
	var signedAt sql.NullTime
	err := m.db.QueryRowContext(ctx, `SELECT id, run_id, tenant_id, capability, target_repository, target_pr_number, artifact_hash, artifact_bytes, approver, decision, reason, signature, signed_at, expires_at, status FROM approvals WHERE id=?`, approvalID).
		Scan(&a.ID, &a.RunID, &a.TenantID, &a.Capability, &a.TargetRepository, &a.TargetPRNumber, &a.ArtifactHash, &a.ArtifactBytes, &a.Approver, &a.Decision, &a.Reason, &a.Signature, &signedAt, &a.ExpiresAt, &a.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Approval{}, ErrNotFound
	}
	if err != nil {
		return Approval{}, err
	}
	a.SignedAt = signedAt.Time
	return a, nil
}

func (m *MySQLStore) GetPendingApprovalForRun(ctx context.Context, runID string) (Approval, bool, error) {
	var a Approval
	var signedAt sql.NullTime
	err := m.db.QueryRowContext(ctx, `SELECT id, run_id, tenant_id, capability, target_repository, target_pr_number, artifact_hash, artifact_bytes, approver, decision, reason, signature, signed_at, expires_at, status
		FROM approvals WHERE run_id=? AND status='pending' ORDER BY signed_at DESC LIMIT 1`, runID).
		Scan(&a.ID, &a.RunID, &a.TenantID, &a.Capability, &a.TargetRepository, &a.TargetPRNumber, &a.ArtifactHash, &a.ArtifactBytes, &a.Approver, &a.Decision, &a.Reason, &a.Signature, &signedAt, &a.ExpiresAt, &a.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Approval{}, false, nil
	}
	if err != nil {
		return Approval{}, false, err
	}
	a.SignedAt = signedAt.Time
	return a, true, nil
}

func (m *MySQLStore) ListExpiredPendingApprovals(ctx context.Context, asOf time.Time) ([]Approval, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, run_id, tenant_id, capability, target_repository, target_pr_number, artifact_hash, artifact_bytes, approver, decision, reason, signature, signed_at, expires_at, status
		FROM approvals WHERE status='pending' AND expires_at <= ?`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Approval
	for rows.Next() {
		var a Approval
		var signedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.RunID, &a.TenantID, &a.Capability, &a.TargetRepository, &a.TargetPRNumber, &a.ArtifactHash, &a.ArtifactBytes, &a.Approver, &a.Decision, &a.Reason, &a.Signature, &signedAt, &a.ExpiresAt, &a.Status); err != nil {
			return nil, err
		}
		a.SignedAt = signedAt.Time
		out = append(out, a)
	}
	return out, rows.Err()
}

func (m *MySQLStore) AppendAudit(ctx context.Context, e AuditEvent) error {
	_, err := m.db.ExecContext(ctx, `INSERT INTO audit_events (id, tenant_id, run_id, actor, event_kind, payload_hash, prev_hash, event_timestamp) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.TenantID, e.RunID, e.Actor, e.EventKind, e.PayloadHash, e.PrevHash, e.Timestamp)
	return err
}

func (m *MySQLStore) LastAuditEvent(ctx context.Context, tenantID string) (AuditEvent, bool, error) {
	var e AuditEvent
	err := m.db.QueryRowContext(ctx, `SELECT id, tenant_id, run_id, actor, event_kind, payload_hash, prev_hash, event_timestamp FROM audit_events WHERE tenant_id=? ORDER BY event_timestamp DESC LIMIT 1`, tenantID).
		Scan(&e.ID, &e.TenantID, &e.RunID, &e.Actor, &e.EventKind, &e.PayloadHash, &e.PrevHash, &e.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return AuditEvent{}, false, nil
	}
	if err != nil {
		return AuditEvent{}, false, err
	}
	return e, true, nil
}

func (m *MySQLStore) ListAudit(ctx context.Context, tenantID string) ([]AuditEvent, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, tenant_id, run_id, actor, event_kind, payload_hash, prev_hash, event_timestamp FROM audit_events WHERE tenant_id=? ORDER BY event_timestamp`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.TenantID, &e.RunID, &e.Actor, &e.EventKind, &e.PayloadHash, &e.PrevHash, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ Storage = (*MySQLStore)(nil)
