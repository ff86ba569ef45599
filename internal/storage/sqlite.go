package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file Storage implementation, adapted from the
// teacher's SQLiteStore: WAL mode, a single writer connection, the same
// auto-migration-on-open bootstrap — generalized to the seven named
// collections.
//
// path may be a file ("./dev.db"), an absolute path, or ":memory:" for
// ephemeral use in tests and local development.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens path, enables WAL mode, and creates the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite allows exactly one writer; serialize through a single connection
	// and rely on WAL for concurrent reads.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			trigger_source TEXT NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			target_repository TEXT NOT NULL,
			target_pr_number INTEGER NOT NULL DEFAULT 0,
			target_issue_num INTEGER NOT NULL DEFAULT 0,
			input_fingerprint TEXT NOT NULL,
			step_ids TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_tenant_status ON runs (tenant_id, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_tenant_fingerprint ON runs (tenant_id, input_fingerprint)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			input_hash TEXT NOT NULL,
			output_hash TEXT NOT NULL DEFAULT '',
			output_blob BLOB,
			started_at DATETIME,
			ended_at DATETIME,
			attempt INTEGER NOT NULL DEFAULT 0,
			error_code TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			model_tier TEXT NOT NULL DEFAULT '',
			model_reason TEXT NOT NULL DEFAULT '',
			UNIQUE (run_id, ordinal)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT PRIMARY KEY,
			last_completed_ordinal INTEGER NOT NULL,
			accumulated_artifact_ids TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency (
			tenant_id TEXT NOT NULL,
			idem_key TEXT NOT NULL,
			source TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			response_body BLOB,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			lock_expires_at DATETIME NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, idem_key)
		)`,
		`CREATE TABLE IF NOT EXISTS run_locks (
			run_id TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			acquired_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			capability TEXT NOT NULL,
			target_repository TEXT NOT NULL,
			target_pr_number INTEGER NOT NULL DEFAULT 0,
			artifact_hash TEXT NOT NULL,
			artifact_bytes BLOB,
			approver TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			signature TEXT NOT NULL DEFAULT '',
			signed_at DATETIME,
			expires_at DATETIME NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_run ON approvals (run_id)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			run_id TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL,
			event_kind TEXT NOT NULL,
			payload_hash TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			event_timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_tenant_ts ON audit_events (tenant_id, event_timestamp)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) PutRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, tenant_id, trigger_source, kind, status, target_repository, target_pr_number, target_issue_num, input_fingerprint, step_ids, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, step_ids=excluded.step_ids, updated_at=excluded.updated_at`,
		r.ID, r.TenantID, r.Trigger, r.Kind, r.Status, r.TargetRepository, r.TargetPRNumber, r.TargetIssueNum, r.InputFingerprint, joinIDs(r.StepIDs), r.CreatedAt, r.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetRun(ctx context.Context, tenantID, runID string) (Run, error) {
	var r Run
	var stepIDs string
	err := s.db.QueryRowContext(ctx, `SELECT id, tenant_id, trigger_source, kind, status, target_repository, target_pr_number, target_issue_num, input_fingerprint, step_ids, created_at, updated_at
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

func (s *SQLiteStore) ListRuns(ctx context.Context, tenantID string, status string) ([]Run, error) {
	query := `SELECT id, tenant_id, trigger_source, kind, status, target_repository, target_pr_number, target_issue_num, input_fingerprint, step_ids, created_at, updated_at FROM runs WHERE tenant_id=?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteStore) FindRunByFingerprint(ctx context.Context, tenantID, fingerprint string, within time.Duration) (Run, bool, error) {
	var r Run
	var stepIDs string
	err := s.db.QueryRowContext(ctx, `SELECT id, tenant_id, trigger_source, kind, status, target_repository, target_pr_number, target_issue_num, input_fingerprint, step_ids, created_at, updated_at
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

func (s *SQLiteStore) PutStep(ctx context.Context, st Step) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO steps (id, run_id, ordinal, kind, status, input_hash, output_hash, output_blob, started_at, ended_at, attempt, error_code, error_message, model_tier, model_reason)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET status=excluded.status, output_hash=excluded.output_hash, output_blob=excluded.output_blob, ended_at=excluded.ended_at, attempt=excluded.attempt, error_code=excluded.error_code, error_message=excluded.error_message, model_tier=excluded.model_tier, model_reason=excluded.model_reason`,
		st.ID, st.RunID, st.Ordinal, st.Kind, st.Status, st.InputHash, st.OutputHash, st.OutputBlob, nullTime(st.StartedAt), nullTime(st.EndedAt), st.Attempt, st.ErrorCode, st.ErrorMessage, st.ModelTier, st.ModelReason)
	return err
}

func (s *SQLiteStore) GetStep(ctx context.Context, stepID string) (Step, error) {
	var st Step
	var started, ended sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT id, run_id, ordinal, kind, status, input_hash, output_hash, output_blob, started_at, ended_at, attempt, error_code, error_message, model_tier, model_reason FROM steps WHERE id=?`, stepID).
		Scan(&st.ID, &st.RunID, &st.Ordinal, &st.Kind, &st.Status, &st.InputHash, &st.OutputHash, &st.OutputBlob, &started, &ended, &st.Attempt, &st.ErrorCode, &st.ErrorMessage, &st.ModelTier, &st.ModelReason)
	if errors.Is(err, sql.ErrNoRows) {
		return Step{}, ErrNotFound
	}
	if err != nil {
		return Step{}, err
	}
	st.StartedAt, st.EndedAt = started.Time, ended.Time
	return st, nil
}

func (s *SQLiteStore) ListSteps(ctx context.Context, runID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, ordinal, kind, status, input_hash, output_hash, output_blob, started_at, ended_at, attempt, error_code, error_message, model_tier, model_reason FROM steps WHERE run_id=? ORDER BY ordinal`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Step
	for rows.Next() {
		var st Step
		var started, ended sql.NullTime
		if err := rows.Scan(&st.ID, &st.RunID, &st.Ordinal, &st.Kind, &st.Status, &st.InputHash, &st.OutputHash, &st.OutputBlob, &started, &ended, &st.Attempt, &st.ErrorCode, &st.ErrorMessage, &st.ModelTier, &st.ModelReason); err != nil {
				return nil, err
		}
		st.StartedAt, st.EndedAt = started.Time, ended.Time
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutCheckpoint(ctx context.Context, c Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_id, last_completed_ordinal, accumulated_artifact_ids, created_at)
		VALUES (?,?,?,?)
		ON CONFLICT(run_id) DO UPDATE SET last_completed_ordinal=excluded.last_completed_ordinal, accumulated_artifact_ids=excluded.accumulated_artifact_ids, created_at=excluded.created_at`,
		c.RunID, c.LastCompletedOrdinal, joinIDs(c.AccumulatedArtifactIDs), c.CreatedAt)
	return err
}

func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, runID string) (Checkpoint, error) {
	var c Checkpoint
	var ids string
	err := s.db.QueryRowContext(ctx, `SELECT run_id, last_completed_ordinal, accumulated_artifact_ids, created_at FROM checkpoints WHERE run_id=?`, runID).
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

func (s *SQLiteStore) GetIdempotency(ctx context.Context, tenantID, key string) (IdempotencyRecord, bool, error) {
	var rec IdempotencyRecord
	err := s.db.QueryRowContext(ctx, `SELECT tenant_id, idem_key, source, request_hash, status, response_body, created_at, updated_at, expires_at, lock_expires_at, attempts FROM idempotency WHERE tenant_id=? AND idem_key=?`, tenantID, key).
		Scan(&rec.TenantID, &rec.Key, &rec.Source, &rec.RequestHash, &rec.Status, &rec.ResponseBody, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt, &rec.LockExpiresAt, &rec.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return IdempotencyRecord{}, false, err
	}
	return rec, true, nil
}

// CompareAndSwapIdempotency reads and writes inside one transaction. The
// store runs on a single connection (SetMaxOpenConns(1)), so no other
// statement can interleave between the read and the write. The BEGIN
// IMMEDIATE issued inside the already-open transaction is rejected by SQLite
// and its error is ignored, so the write lock is taken at the first write.
func (s *SQLiteStore) CompareAndSwapIdempotency(ctx context.Context, expected IdempotencyRecord, next IdempotencyRecord) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		// Some driver/transaction combinations already opened the tx in
		// immediate mode; ignore a redundant BEGIN.
		_ = err
	}

	var status string
	var attempts int
	err = tx.QueryRowContext(ctx, `SELECT status, attempts FROM idempotency WHERE tenant_id=? AND idem_key=?`, next.TenantID, next.Key).Scan(&status, &attempts)
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

func (s *SQLiteStore) AcquireLock(ctx context.Context, lock RunLock) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback() //nolint:errcheck

	var holder string
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx, `SELECT holder, expires_at FROM run_locks WHERE run_id=?`, lock.RunID).Scan(&holder, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// no existing lock, fall through to insert
	case err != nil:
		return false, err
	default:
		if expiresAt.After(time.Now()) && holder != lock.Holder {
			return false, nil
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_locks (run_id, holder, acquired_at, expires_at) VALUES (?,?,?,?)
		ON CONFLICT(run_id) DO UPDATE SET holder=excluded.holder, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		lock.RunID, lock.Holder, lock.AcquiredAt, lock.ExpiresAt); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) GetLock(ctx context.Context, runID string) (RunLock, bool, error) {
	var l RunLock
	err := s.db.QueryRowContext(ctx, `SELECT run_id, holder, acquired_at, expires_at FROM run_locks WHERE run_id=?`, runID).
		Scan(&l.RunID, &l.Holder, &l.AcquiredAt, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RunLock{}, false, nil
	}
	if err != nil {
		return RunLock{}, false, err
	}
	return l, true, nil
}

func (s *SQLiteStore) ReleaseLock(ctx context.Context, runID, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM run_locks WHERE run_id=? AND holder=?`, runID, holder)
	return err
}

func (s *SQLiteStore) HeartbeatLock(ctx context.Context, runID, holder string, newExpiry time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE run_locks SET expires_at=? WHERE run_id=? AND holder=?`, newExpiry, runID, holder)
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

func (s *SQLiteStore) PutApproval(ctx context.Context, a Approval) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (id, run_id, tenant_id, capability, target_repository, target_pr_number, artifact_hash, artifact_bytes, approver, decision, reason, signature, signed_at, expires_at, status)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET approver=excluded.approver, decision=excluded.decision, reason=excluded.reason, signature=excluded.signature, signed_at=excluded.signed_at, status=excluded.status`,
		a.ID, a.RunID, a.TenantID, a.Capability, a.TargetRepository, a.TargetPRNumber, a.ArtifactHash, a.ArtifactBytes, a.Approver, a.Decision, a.Reason, a.Signature, nullTime(a.SignedAt), a.ExpiresAt, a.Status)
	return err
}

func (s *SQLiteStore) GetApproval(ctx context.Context, approvalID string) (Approval, error) {
	var a Approval
	var signedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT id, run_id, tenant_id, capability, target_repository, target_pr_number, artifact_hash, artifact_bytes, approver, decision, reason, signature, signed_at, expires_at, status FROM approvals WHERE id=?`, approvalID).
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

func (s *SQLiteStore) GetPendingApprovalForRun(ctx context.Context, runID string) (Approval, bool, error) {
	var a Approval
	var signedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT id, run_id, tenant_id, capability, target_repository, target_pr_number, artifact_hash, artifact_bytes, approver, decision, reason, signature, signed_at, expires_at, status
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

func (s *SQLiteStore) ListExpiredPendingApprovals(ctx context.Context, asOf time.Time) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, tenant_id, capability, target_repository, target_pr_number, artifact_hash, artifact_bytes, approver, decision, reason, signature, signed_at, expires_at, status
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

func (s *SQLiteStore) AppendAudit(ctx context.Context, e AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_events (id, tenant_id, run_id, actor, event_kind, payload_hash, prev_hash, event_timestamp) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.TenantID, e.RunID, e.Actor, e.EventKind, e.PayloadHash, e.PrevHash, e.Timestamp)
	return err
}

func (s *SQLiteStore) LastAuditEvent(ctx context.Context, tenantID string) (AuditEvent, bool, error) {
	var e AuditEvent
	err := s.db.QueryRowContext(ctx, `SELECT id, tenant_id, run_id, actor, event_kind, payload_hash, prev_hash, event_timestamp FROM audit_events WHERE tenant_id=? ORDER BY event_timestamp DESC LIMIT 1`, tenantID).
		Scan(&e.ID, &e.TenantID, &e.RunID, &e.Actor, &e.EventKind, &e.PayloadHash, &e.PrevHash, &e.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return AuditEvent{}, false, nil
	}
	if err != nil {
		return AuditEvent{}, false, err
	}
	return e, true, nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, tenantID string) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, run_id, actor, event_kind, payload_hash, prev_hash, event_timestamp FROM audit_events WHERE tenant_id=? ORDER BY event_timestamp`, tenantID)
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

var _ Storage = (*SQLiteStore)(nil)
