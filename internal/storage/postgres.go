package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the production Storage implementation, backed by a
// connection pool. The query shapes below follow pgx/v5's documented idioms
// (see DESIGN.md for the grounding note on this file).
//
// Schema: seven tables, one per collection (runs, steps, checkpoints,
// idempotency, run_locks, approvals, audit_events), each carrying the
// indexes its query patterns need.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pooled connection to dsn. Call Migrate once
// during startup to create the schema if it does not already exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (p *PostgresStore) Close() { p.pool.Close() }

// Migrate creates the seven collections and their required indexes if they
// do not already exist. Safe to call on every startup.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaDDL)
	return err
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS runs (
	id text PRIMARY KEY,
	tenant_id text NOT NULL,
	trigger text NOT NULL,
	kind text NOT NULL,
	status text NOT NULL,
	target_repository text NOT NULL,
	target_pr_number int NOT NULL DEFAULT 0,
	target_issue_num int NOT NULL DEFAULT 0,
	input_fingerprint text NOT NULL,
	step_ids text[] NOT NULL DEFAULT '{}',
	created_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_tenant_status_created ON runs (tenant_id, status, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_tenant_fingerprint ON runs (tenant_id, input_fingerprint);

CREATE TABLE IF NOT EXISTS steps (
	id text PRIMARY KEY,
	run_id text NOT NULL,
	ordinal int NOT NULL,
	kind text NOT NULL,
	status text NOT NULL,
	input_hash text NOT NULL,
	output_hash text NOT NULL DEFAULT '',
	output_blob bytea,
	started_at timestamptz,
	ended_at timestamptz,
	attempt int NOT NULL DEFAULT 0,
	error_code text NOT NULL DEFAULT '',
	error_message text NOT NULL DEFAULT '',
	model_tier text NOT NULL DEFAULT '',
	model_reason text NOT NULL DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_run_ordinal ON steps (run_id, ordinal);

CREATE TABLE IF NOT EXISTS checkpoints (
	run_id text PRIMARY KEY,
	last_completed_ordinal int NOT NULL,
	accumulated_artifact_ids text[] NOT NULL DEFAULT '{}',
	created_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency (
	tenant_id text NOT NULL,
	key text NOT NULL,
	source text NOT NULL,
	request_hash text NOT NULL,
	status text NOT NULL,
	response_body bytea,
	created_at timestamptz NOT NULL,
	updated_at timestamptz NOT NULL,
	expires_at timestamptz NOT NULL,
	lock_expires_at timestamptz NOT NULL,
	attempts int NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, key)
);

CREATE TABLE IF NOT EXISTS run_locks (
	run_id text PRIMARY KEY,
	holder text NOT NULL,
	acquired_at timestamptz NOT NULL,
	expires_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS approvals (
	id text PRIMARY KEY,
	run_id text NOT NULL,
	tenant_id text NOT NULL,
	capability text NOT NULL,
	target_repository text NOT NULL,
	target_pr_number int NOT NULL DEFAULT 0,
	artifact_hash text NOT NULL,
	artifact_bytes bytea,
	approver text NOT NULL DEFAULT '',
	decision text NOT NULL DEFAULT '',
	reason text NOT NULL DEFAULT '',
	signature text NOT NULL DEFAULT '',
	signed_at timestamptz,
	expires_at timestamptz NOT NULL,
	status text NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_run ON approvals (run_id);

CREATE TABLE IF NOT EXISTS audit_events (
	id text PRIMARY KEY,
	tenant_id text NOT NULL,
	run_id text NOT NULL DEFAULT '',
	actor text NOT NULL,
	event_kind text NOT NULL,
	payload_hash text NOT NULL,
	prev_hash text NOT NULL,
	timestamp timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_tenant_created ON audit_events (tenant_id, timestamp);
`

func (p *PostgresStore) PutRun(ctx context.Context, r Run) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO runs (id, tenant_id, trigger, kind, status, target_repository, target_pr_number, target_issue_num, input_fingerprint, step_ids, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET status=$5, step_ids=$10, updated_at=$12`,
		r.ID, r.TenantID, r.Trigger, r.Kind, r.Status, r.TargetRepository, r.TargetPRNumber, r.TargetIssueNum, r.InputFingerprint, r.StepIDs, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRun(ctx context.Context, tenantID, runID string) (Run, error) {
	row := p.pool.QueryRow(ctx, `SELECT id, tenant_id, trigger, kind, status, target_repository, target_pr_number, target_issue_num, input_fingerprint, step_ids, created_at, updated_at FROM runs WHERE tenant_id=$1 AND id=$2`, tenantID, runID)
	var r Run
	if err := row.Scan(&r.ID, &r.TenantID, &r.Trigger, &r.Kind, &r.Status, &r.TargetRepository, &r.TargetPRNumber, &r.TargetIssueNum, &r.InputFingerprint, &r.StepIDs, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, err
	}
	return r, nil
}

func (p *PostgresStore) ListRuns(ctx context.Context, tenantID string, status string) ([]Run, error) {
	var rows pgx.Rows
	var err error
	if status != "" {
		rows, err = p.pool.Query(ctx, `SELECT id, tenant_id, trigger, kind, status, target_repository, target_pr_number, target_issue_num, input_fingerprint, step_ids, created_at, updated_at FROM runs WHERE tenant_id=$1 AND status=$2 ORDER BY created_at`, tenantID, status)
	} else {
		rows, err = p.pool.Query(ctx, `SELECT id, tenant_id, trigger, kind, status, target_repository, target_pr_number, target_issue_num, input_fingerprint, step_ids, created_at, updated_at FROM runs WHERE tenant_id=$1 ORDER BY created_at`, tenantID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Trigger, &r.Kind, &r.Status, &r.TargetRepository, &r.TargetPRNumber, &r.TargetIssueNum, &r.InputFingerprint, &r.StepIDs, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindRunByFingerprint(ctx context.Context, tenantID, fingerprint string, within time.Duration) (Run, bool, error) {
	row := p.pool.QueryRow(ctx, `SELECT id, tenant_id, trigger, kind, status, target_repository, target_pr_number, target_issue_num, input_fingerprint, step_ids, created_at, updated_at
		FROM runs WHERE tenant_id=$1 AND input_fingerprint=$2 AND created_at > $3 ORDER BY created_at DESC LIMIT 1`,
		tenantID, fingerprint, time.Now().Add(-within))
	var r Run
	if err := row.Scan(&r.ID, &r.TenantID, &r.Trigger, &r.Kind, &r.Status, &r.TargetRepository, &r.TargetPRNumber, &r.TargetIssueNum, &r.InputFingerprint, &r.StepIDs, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Run{}, false, nil
		}
		return Run{}, false, err
	}
	return r, true, nil
}

func (p *PostgresStore) PutStep(ctx context.Context, s Step) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO steps (id, run_id, ordinal, kind, status, input_hash, output_hash, output_blob, started_at, ended_at, attempt, error_code, error_message, model_tier, model_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET status=$5, output_hash=$7, output_blob=$8, ended_at=$10, attempt=$11, error_code=$12, error_message=$13, model_tier=$14, model_reason=$15`,
		s.ID, s.RunID, s.Ordinal, s.Kind, s.Status, s.InputHash, s.OutputHash, s.OutputBlob, s.StartedAt, s.EndedAt, s.Attempt, s.ErrorCode, s.ErrorMessage, s.ModelTier, s.ModelReason)
	return err
}

func (p *PostgresStore) GetStep(ctx context.Context, stepID string) (Step, error) {
	row := p.pool.QueryRow(ctx, `SELECT id, run_id, ordinal, kind, status, input_hash, output_hash, output_blob, started_at, ended_at, attempt, error_code, error_message, model_tier, model_reason FROM steps WHERE id=$1`, stepID)
	var s Step
	if err := row.Scan(&s.ID, &s.RunID, &s.Ordinal, &s.Kind, &s.Status, &s.InputHash, &s.OutputHash, &s.OutputBlob, &s.StartedAt, &s.EndedAt, &s.Attempt, &s.ErrorCode, &s.ErrorMessage, &s.ModelTier, &s.ModelReason); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Step{}, ErrNotFound
		}
		return Step{}, err
	}
	return s, nil
}

func (p *PostgresStore) ListSteps(ctx context.Context, runID string) ([]Step, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, run_id, ordinal, kind, status, input_hash, output_hash, output_blob, started_at, ended_at, attempt, error_code, error_message, model_tier, model_reason FROM steps WHERE run_id=$1 ORDER BY ordinal`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Step
	for rows.Next() {
		var s Step
		if err := rows.Scan(&s.ID, &s.RunID, &s.Ordinal, &s.Kind, &s.Status, &s.InputHash, &s.OutputHash, &s.OutputBlob, &s.StartedAt, &s.EndedAt, &s.Attempt, &s.ErrorCode, &s.ErrorMessage, &s.ModelTier, &s.ModelReason); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PutCheckpoint(ctx context.Context, c Checkpoint) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO checkpoints (run_id, last_completed_ordinal, accumulated_artifact_ids, created_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (run_id) DO UPDATE SET last_completed_ordinal=$2, accumulated_artifact_ids=$3, created_at=$4`,
		c.RunID, c.LastCompletedOrdinal, c.AccumulatedArtifactIDs, c.CreatedAt)
	return err
}

func (p *PostgresStore) LatestCheckpoint(ctx context.Context, runID string) (Checkpoint, error) {
	row := p.pool.QueryRow(ctx, `SELECT run_id, last_completed_ordinal, accumulated_artifact_ids, created_at FROM checkpoints WHERE run_id=$1`, runID)
	var c Checkpoint
	if err := row.Scan(&c.RunID, &c.LastCompletedOrdinal, &c.AccumulatedArtifactIDs, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, err
	}
	return c, nil
}

func (p *PostgresStore) GetIdempotency(ctx context.Context, tenantID, key string) (IdempotencyRecord, bool, error) {
	row := p.pool.QueryRow(ctx, `SELECT tenant_id, key, source, request_hash, status, response_body, created_at, updated_at, expires_at, lock_expires_at, attempts FROM idempotency WHERE tenant_id=$1 AND key=$2`, tenantID, key)
	var rec IdempotencyRecord
	if err := row.Scan(&rec.TenantID, &rec.Key, &rec.Source, &rec.RequestHash, &rec.Status, &rec.ResponseBody, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt, &rec.LockExpiresAt, &rec.Attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IdempotencyRecord{}, false, nil
		}
		return IdempotencyRecord{}, false, err
	}
	return rec, true, nil
}

// CompareAndSwapIdempotency runs the check-and-set inside a single
// serializable transaction, satisfying the ≤5-document bounded-transaction
// guarantee the Storage Adapter requires (this call touches exactly one row).
func (p *PostgresStore) CompareAndSwapIdempotency(ctx context.Context, expected IdempotencyRecord, next IdempotencyRecord) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx, `SELECT status, attempts FROM idempotency WHERE tenant_id=$1 AND key=$2 FOR UPDATE`, next.TenantID, next.Key)
	var status string
	var attempts int
	err = row.Scan(&status, &attempts)
	wantNoRecord := expected.Status == "" && expected.Attempts == 0 && expected.CreatedAt.IsZero()

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if !wantNoRecord {
			return ErrOptimisticConflict
		}
		_, err = tx.Exec(ctx, `INSERT INTO idempotency (tenant_id, key, source, request_hash, status, response_body, created_at, updated_at, expires_at, lock_expires_at, attempts)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			next.TenantID, next.Key, next.Source, next.RequestHash, next.Status, next.ResponseBody, next.CreatedAt, next.UpdatedAt, next.ExpiresAt, next.LockExpiresAt, next.Attempts)
	case err != nil:
		return err
	default:
		if wantNoRecord || status != expected.Status || attempts != expected.Attempts {
			return ErrOptimisticConflict
		}
		_, err = tx.Exec(ctx, `UPDATE idempotency SET status=$3, response_body=$4, updated_at=$5, expires_at=$6, lock_expires_at=$7, attempts=$8 WHERE tenant_id=$1 AND key=$2`,
			next.TenantID, next.Key, next.Status, next.ResponseBody, next.UpdatedAt, next.ExpiresAt, next.LockExpiresAt, next.Attempts)
	}
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) AcquireLock(ctx context.Context, lock RunLock) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO run_locks (run_id, holder, acquired_at, expires_at) VALUES ($1,$2,$3,$4)
		ON CONFLICT (run_id) DO UPDATE SET holder=$2, acquired_at=$3, expires_at=$4
		WHERE run_locks.expires_at < now() OR run_locks.holder=$2`,
		lock.RunID, lock.Holder, lock.AcquiredAt, lock.ExpiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *PostgresStore) GetLock(ctx context.Context, runID string) (RunLock, bool, error) {
	row := p.pool.QueryRow(ctx, `SELECT run_id, holder, acquired_at, expires_at FROM run_locks WHERE run_id=$1`, runID)
	var l RunLock
	if err := row.Scan(&l.RunID, &l.Holder, &l.AcquiredAt, &l.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RunLock{}, false, nil
		}
		return RunLock{}, false, err
	}
	return l, true, nil
}

func (p *PostgresStore) ReleaseLock(ctx context.Context, runID, holder string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM run_locks WHERE run_id=$1 AND holder=$2`, runID, holder)
	return err
}

func (p *PostgresStore) HeartbeatLock(ctx context.Context, runID, holder string, newExpiry time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE run_locks SET expires_at=$3 WHERE run_id=$1 AND holder=$2`, runID, holder, newExpiry)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOptimisticConflict
	}
	return nil
}

func (p *PostgresStore) PutApproval(ctx context.Context, a Approval) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO approvals (id, run_id, tenant_id, capability, target_repository, target_pr_number, artifact_hash, artifact_bytes, approver, decision, reason, signature, signed_at, expires_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET approver=$9, decision=$10, reason=$11, signature=$12, signed_at=$13, status=$15`,
		a.ID, a.RunID, a.TenantID, a.Capability, a.TargetRepository, a.TargetPRNumber, a.ArtifactHash, a.ArtifactBytes, a.Approver, a.Decision, a.Reason, a.Signature, a.SignedAt, a.ExpiresAt, a.Status)
	return err
}

func (p *PostgresStore) GetApproval(ctx context.Context, approvalID string) (Approval, error) {
	row := p.pool.QueryRow(ctx, `SELECT id, run_id, tenant_id, capability, target_repository, target_pr_number, artifact_hash, artifact_bytes, approver, decision, reason, signature, signed_at, expires_at, status FROM approvals WHERE id=$1`, approvalID)
	var a Approval
	if err := row.Scan(&a.ID, &a.RunID, &a.TenantID, &a.Capability, &a.TargetRepository, &a.TargetPRNumber, &a.ArtifactHash, &a.ArtifactBytes, &a.Approver, &a.Decision, &a.Reason, &a.Signature, &a.SignedAt, &a.ExpiresAt, &a.Status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Approval{}, ErrNotFound
		}
		return Approval{}, err
	}
	return a, nil
}

func (p *PostgresStore) GetPendingApprovalForRun(ctx context.Context, runID string) (Approval, bool, error) {
	row := p.pool.QueryRow(ctx, `SELECT id, run_id, tenant_id, capability, target_repository, target_pr_number, artifact_hash, artifact_bytes, approver, decision, reason, signature, signed_at, expires_at, status
		FROM approvals WHERE run_id=$1 AND status='pending' ORDER BY signed_at DESC NULLS LAST LIMIT 1`, runID)
	var a Approval
	if err := row.Scan(&a.ID, &a.RunID, &a.TenantID, &a.Capability, &a.TargetRepository, &a.TargetPRNumber, &a.ArtifactHash, &a.ArtifactBytes, &a.Approver, &a.Decision, &a.Reason, &a.Signature, &a.SignedAt, &a.ExpiresAt, &a.Status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Approval{}, false, nil
		}
		return Approval{}, false, err
	}
	return a, true, nil
}

func (p *PostgresStore) ListExpiredPendingApprovals(ctx context.Context, asOf time.Time) ([]Approval, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, run_id, tenant_id, capability, target_repository, target_pr_number, artifact_hash, artifact_bytes, approver, decision, reason, signature, signed_at, expires_at, status
		FROM approvals WHERE status='pending' AND expires_at <= $1`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Approval
	for rows.Next() {
		var a Approval
		if err := rows.Scan(&a.ID, &a.RunID, &a.TenantID, &a.Capability, &a.TargetRepository, &a.TargetPRNumber, &a.ArtifactHash, &a.ArtifactBytes, &a.Approver, &a.Decision, &a.Reason, &a.Signature, &a.SignedAt, &a.ExpiresAt, &a.Status); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AppendAudit(ctx context.Context, e AuditEvent) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO audit_events (id, tenant_id, run_id, actor, event_kind, payload_hash, prev_hash, timestamp) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.TenantID, e.RunID, e.Actor, e.EventKind, e.PayloadHash, e.PrevHash, e.Timestamp)
	return err
}

func (p *PostgresStore) LastAuditEvent(ctx context.Context, tenantID string) (AuditEvent, bool, error) {
	row := p.pool.QueryRow(ctx, `SELECT id, tenant_id, run_id, actor, event_kind, payload_hash, prev_hash, timestamp FROM audit_events WHERE tenant_id=$1 ORDER BY timestamp DESC LIMIT 1`, tenantID)
	var e AuditEvent
	if err := row.Scan(&e.ID, &e.TenantID, &e.RunID, &e.Actor, &e.EventKind, &e.PayloadHash, &e.PrevHash, &e.Timestamp); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AuditEvent{}, false, nil
		}
		return AuditEvent{}, false, err
	}
	return e, true, nil
}

func (p *PostgresStore) ListAudit(ctx context.Context, tenantID string) ([]AuditEvent, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, tenant_id, run_id, actor, event_kind, payload_hash, prev_hash, timestamp FROM audit_events WHERE tenant_id=$1 ORDER BY timestamp`, tenantID)
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

var _ Storage = (*PostgresStore)(nil)
