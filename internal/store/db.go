package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/potatorick/jarvis/internal/models"
)

// ErrHandoffActive is returned by CreateHandoff when a handoff is already
// pending or in progress — the at-most-one-restart invariant.
var ErrHandoffActive = errors.New("store: a handoff is already pending or in progress")

// ErrNotFound is returned by single-row lookups that found nothing.
var ErrNotFound = errors.New("store: not found")

// DB wraps the shared connection pool for every table this service owns:
// cooldowns, patterns, failure patterns, the attempt log, host status,
// maintenance windows, and self-preservation handoffs.
type DB struct {
	pool *pgxpool.Pool
}

// NewDB opens the pool and verifies connectivity.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Ping reports whether the pool can still reach Postgres, for the /health
// endpoint's db_connected field.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// BeginTx starts a transaction, mirroring the donor's checkin.ProcessCheckin
// idiom of one transaction per logical unit of work.
func (db *DB) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return db.pool.Begin(ctx)
}

// -----------------------------------------------------------------------
// Intake & Dedup Gateway — FingerprintCooldown, EscalationCooldown
// -----------------------------------------------------------------------

// CheckAndSetCooldown performs the atomic check-and-set §4.1 requires: a
// single insert-on-conflict-do-nothing that reports whether the
// fingerprint was already seen within ttl, returning the prior
// processed_at so callers can log how stale the suppressed duplicate was.
// Race-safe under concurrent identical alerts because the uniqueness and
// the write happen in one statement, not a separate SELECT-then-INSERT.
func (db *DB) CheckAndSetCooldown(ctx context.Context, fingerprint string, ttl time.Duration) (alreadyProcessed bool, priorProcessedAt time.Time, err error) {
	now := time.Now().UTC()
	cutoff := now.Add(-ttl)

	var existing time.Time
	err = db.pool.QueryRow(ctx, `
		WITH upsert AS (
			INSERT INTO alert_cooldowns (fingerprint, processed_at)
			VALUES ($1, $2)
			ON CONFLICT (fingerprint) DO UPDATE
				SET processed_at = $2
				WHERE alert_cooldowns.processed_at < $3
			RETURNING processed_at
		)
		SELECT processed_at FROM upsert
		UNION ALL
		SELECT processed_at FROM alert_cooldowns WHERE fingerprint = $1
		LIMIT 1
	`, fingerprint, now, cutoff).Scan(&existing)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("check-and-set cooldown: %w", err)
	}

	// The row was updated (or freshly inserted) only if its processed_at is
	// the timestamp we just wrote; anything older means the UPDATE branch's
	// WHERE clause didn't fire and we're reading back someone else's entry.
	if !existing.Equal(now) {
		return true, existing, nil
	}
	return false, time.Time{}, nil
}

// ClearEscalationCooldown drops the quiet-period row for a resolved alert,
// per §4.1 step 5.
func (db *DB) ClearEscalationCooldown(ctx context.Context, alertName, instance string) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM escalation_cooldowns WHERE alert_name = $1 AND instance = $2`, alertName, instance)
	return err
}

// SetEscalationCooldown starts (or refreshes) the escalation quiet period.
func (db *DB) SetEscalationCooldown(ctx context.Context, alertName, instance string) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO escalation_cooldowns (alert_name, instance, escalated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (alert_name, instance) DO UPDATE SET escalated_at = $3
	`, alertName, instance, time.Now().UTC())
	return err
}

// IsEscalationCoolingDown reports whether (alert_name, instance) is still
// inside its escalation quiet period.
func (db *DB) IsEscalationCoolingDown(ctx context.Context, alertName, instance string, ttl time.Duration) (bool, error) {
	var escalatedAt time.Time
	err := db.pool.QueryRow(ctx,
		`SELECT escalated_at FROM escalation_cooldowns WHERE alert_name = $1 AND instance = $2`,
		alertName, instance,
	).Scan(&escalatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return time.Since(escalatedAt) < ttl, nil
}

// -----------------------------------------------------------------------
// Learning Store — patterns, failure patterns, lookup/record/tier
// -----------------------------------------------------------------------

// CandidatePatterns implements planner.PatternProvider: every pattern
// sharing this alert name, highest confidence first.
func (db *DB) CandidatePatterns(alertName string) []*models.Pattern {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rows, err := db.pool.Query(ctx, `
		SELECT id, alert_name, category, symptom_fingerprint, target_host,
		       solution_commands, success_count, failure_count, confidence,
		       risk_tier, source, cached_diagnostics, cached_reasoning,
		       created_at, last_used_at
		FROM patterns WHERE alert_name = $1
	`, alertName)
	if err != nil {
		log.Printf("[store] CandidatePatterns query error: %v", err)
		return nil
	}
	defer rows.Close()

	var out []*models.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			log.Printf("[store] CandidatePatterns scan error: %v", err)
			continue
		}
		out = append(out, p)
	}
	sortPatternsByConfidence(out)
	return out
}

// FailedCommandSets implements planner.PatternProvider: every command
// sequence previously tried and failed for this symptom fingerprint.
func (db *DB) FailedCommandSets(fingerprint string) []*models.FailurePattern {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	rows, err := db.pool.Query(ctx, `
		SELECT fingerprint, commands, count, last_failed_at, reason
		FROM failure_patterns WHERE fingerprint = $1
	`, fingerprint)
	if err != nil {
		log.Printf("[store] FailedCommandSets query error: %v", err)
		return nil
	}
	defer rows.Close()

	var out []*models.FailurePattern
	for rows.Next() {
		var fp models.FailurePattern
		if err := rows.Scan(&fp.Fingerprint, &fp.Commands, &fp.Count, &fp.LastFailedAt, &fp.Reason); err != nil {
			log.Printf("[store] FailedCommandSets scan error: %v", err)
			continue
		}
		out = append(out, &fp)
	}
	return out
}

// ListPatterns returns every learned pattern, highest confidence first,
// for the GET /patterns introspection endpoint.
func (db *DB) ListPatterns(ctx context.Context) ([]*models.Pattern, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, alert_name, category, symptom_fingerprint, target_host,
		       solution_commands, success_count, failure_count, confidence,
		       risk_tier, source, cached_diagnostics, cached_reasoning,
		       created_at, last_used_at
		FROM patterns ORDER BY confidence DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []*models.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type patternScanner interface {
	Scan(dest ...interface{}) error
}

func scanPattern(row patternScanner) (*models.Pattern, error) {
	var p models.Pattern
	var targetHost, diagnostics, reasoning *string
	if err := row.Scan(
		&p.ID, &p.AlertName, &p.Category, &p.SymptomFingerprint, &targetHost,
		&p.SolutionCommands, &p.SuccessCount, &p.FailureCount, &p.Confidence,
		&p.RiskTier, &p.Source, &diagnostics, &reasoning,
		&p.CreatedAt, &p.LastUsedAt,
	); err != nil {
		return nil, err
	}
	if targetHost != nil {
		p.TargetHost = *targetHost
	}
	if diagnostics != nil {
		p.CachedDiagnostics = *diagnostics
	}
	if reasoning != nil {
		p.CachedReasoning = *reasoning
	}
	return &p, nil
}

// RecordPatternSuccess upserts a pattern on verified success (§4.9/§4.10).
// Idempotent on (alert_name, symptom_fingerprint): an existing row has its
// success_count bumped and confidence recomputed; a new symptom gets a
// fresh row with success_count=1. Returns the pattern's post-write state.
func (db *DB) RecordPatternSuccess(ctx context.Context, alertName, category, symptomFingerprint, targetHost string, commands []string, riskTier models.RiskTier, source models.PatternSource, diagnostics, reasoning string) (*models.Pattern, error) {
	if len(symptomFingerprint) > models.MaxSymptomFingerprintLen {
		symptomFingerprint = symptomFingerprint[:models.MaxSymptomFingerprintLen]
	}
	now := time.Now().UTC()

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var successCount, failureCount int
	var lastUsedAt time.Time
	err = tx.QueryRow(ctx, `
		SELECT success_count, failure_count, last_used_at FROM patterns
		WHERE alert_name = $1 AND symptom_fingerprint = $2 FOR UPDATE
	`, alertName, symptomFingerprint).Scan(&successCount, &failureCount, &lastUsedAt)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		successCount = 1
		confidence := ComputeConfidence(successCount, 0, now, now)
		_, err = tx.Exec(ctx, `
			INSERT INTO patterns (id, alert_name, category, symptom_fingerprint, target_host,
				solution_commands, success_count, failure_count, confidence, risk_tier,
				source, cached_diagnostics, cached_reasoning, created_at, last_used_at)
			VALUES (gen_random_uuid()::text, $1, $2, $3, NULLIF($4, ''), $5, $6, 0, $7, $8, $9, $10, $11, $12, $12)
		`, alertName, category, symptomFingerprint, targetHost, commands, successCount, confidence, riskTier, source, diagnostics, reasoning, now)
		if err != nil {
			return nil, fmt.Errorf("insert pattern: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("lock pattern: %w", err)
	default:
		successCount++
		confidence := ComputeConfidence(successCount, failureCount, now, now)
		_, err = tx.Exec(ctx, `
			UPDATE patterns SET success_count = $1, confidence = $2, last_used_at = $3,
				solution_commands = $4, target_host = NULLIF($5, '')
			WHERE alert_name = $6 AND symptom_fingerprint = $7
		`, successCount, confidence, now, commands, targetHost, alertName, symptomFingerprint)
		if err != nil {
			return nil, fmt.Errorf("update pattern: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return db.findPattern(ctx, alertName, symptomFingerprint)
}

// RecordPatternFailure demotes an existing pattern after a verified
// failure: bumps failure_count and recomputes confidence downward. A
// symptom fingerprint with no existing pattern is a no-op here — the
// FailurePattern row (RecordFailurePattern) is what tracks it instead.
func (db *DB) RecordPatternFailure(ctx context.Context, alertName, symptomFingerprint string) error {
	now := time.Now().UTC()
	tag, err := db.pool.Exec(ctx, `
		UPDATE patterns SET
			failure_count = failure_count + 1,
			confidence = LEAST(GREATEST(
				(success_count::float / NULLIF(success_count + failure_count + 1, 0))
				- CASE WHEN failure_count + 1 > 2 THEN 0.05 ELSE 0 END
				+ CASE WHEN last_used_at > $3 THEN 0.10 ELSE 0 END
			, 0.3), 0.95)
		WHERE alert_name = $1 AND symptom_fingerprint = $2
	`, alertName, symptomFingerprint, now.Add(-7*24*time.Hour))
	if err != nil {
		return fmt.Errorf("demote pattern: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordFailurePattern upserts the failed-command-set row the Planner
// consults to avoid repeating the same wrong fix.
func (db *DB) RecordFailurePattern(ctx context.Context, fingerprint string, commands []string, reason string) error {
	commands = normalizeCommands(commands)
	now := time.Now().UTC()
	_, err := db.pool.Exec(ctx, `
		INSERT INTO failure_patterns (fingerprint, commands_key, commands, count, last_failed_at, reason)
		VALUES ($1, $2, $3, 1, $4, $5)
		ON CONFLICT (fingerprint, commands_key) DO UPDATE SET
			count = failure_patterns.count + 1,
			last_failed_at = $4,
			reason = $5
	`, fingerprint, commandSetKey(commands), commands, now, reason)
	return err
}

func (db *DB) findPattern(ctx context.Context, alertName, symptomFingerprint string) (*models.Pattern, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT id, alert_name, category, symptom_fingerprint, target_host,
		       solution_commands, success_count, failure_count, confidence,
		       risk_tier, source, cached_diagnostics, cached_reasoning,
		       created_at, last_used_at
		FROM patterns WHERE alert_name = $1 AND symptom_fingerprint = $2
	`, alertName, symptomFingerprint)
	return scanPattern(row)
}

// -----------------------------------------------------------------------
// Attempt log — append-only, consumed by planner.AttemptHistoryProvider
// -----------------------------------------------------------------------

// RecordAttempt appends a finalized RemediationAttempt to the log. Never
// call before attempt.Finalized() — the log is write-once per attempt.
func (db *DB) RecordAttempt(ctx context.Context, attempt *models.RemediationAttempt) error {
	if !attempt.Finalized() {
		return errors.New("store: refusing to record an unfinalized attempt")
	}
	_, err := db.pool.Exec(ctx, `
		INSERT INTO remediation_attempts (id, timestamp, alert_name, instance, fingerprint,
			attempt_index, analysis, success, verification, escalated, risk_tier, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, attempt.ID, attempt.Timestamp, attempt.AlertName, attempt.Instance, attempt.Fingerprint,
		attempt.AttemptIndex, attempt.Analysis, attempt.Success, string(attempt.Verification),
		attempt.Escalated, string(attempt.RiskTier), attempt.DurationMs)
	return err
}

// ActionableAttemptCount implements planner.AttemptHistoryProvider: how
// many attempts ran actionable (non-diagnostic-only) commands for this
// fingerprint inside the window.
func (db *DB) ActionableAttemptCount(fingerprint string, window time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var count int
	err := db.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM remediation_attempts
		WHERE fingerprint = $1 AND timestamp > $2
	`, fingerprint, time.Now().UTC().Add(-window)).Scan(&count)
	if err != nil {
		log.Printf("[store] ActionableAttemptCount query error: %v", err)
		return 0
	}
	return count
}

// Analytics summarizes the attempt log for the GET /analytics endpoint:
// overall success rate plus a breakdown by risk tier, over the trailing
// window the caller specifies.
type Analytics struct {
	Window          time.Duration
	TotalAttempts   int
	Successful      int
	Escalated       int
	VerifiedCount   int
	ByRiskTier      map[string]int
	AvgDurationMs   float64
}

// Analytics aggregates the attempt log over the trailing window.
func (db *DB) Analytics(ctx context.Context, window time.Duration) (*Analytics, error) {
	since := time.Now().UTC().Add(-window)
	a := &Analytics{Window: window, ByRiskTier: map[string]int{}}

	rows, err := db.pool.Query(ctx, `
		SELECT success, escalated, verification, risk_tier, duration_ms
		FROM remediation_attempts WHERE timestamp > $1
	`, since)
	if err != nil {
		return nil, fmt.Errorf("analytics query: %w", err)
	}
	defer rows.Close()

	var totalDuration int64
	for rows.Next() {
		var success, escalated bool
		var verification, riskTier string
		var durationMs int64
		if err := rows.Scan(&success, &escalated, &verification, &riskTier, &durationMs); err != nil {
			return nil, fmt.Errorf("analytics scan: %w", err)
		}
		a.TotalAttempts++
		if success {
			a.Successful++
		}
		if escalated {
			a.Escalated++
		}
		if verification == string(models.VerificationVerified) {
			a.VerifiedCount++
		}
		a.ByRiskTier[riskTier]++
		totalDuration += durationMs
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if a.TotalAttempts > 0 {
		a.AvgDurationMs = float64(totalDuration) / float64(a.TotalAttempts)
	}
	return a, nil
}

// -----------------------------------------------------------------------
// Maintenance windows
// -----------------------------------------------------------------------

// StartMaintenanceWindow opens (or re-opens) a suppression window for a
// host, or the wildcard "all".
func (db *DB) StartMaintenanceWindow(ctx context.Context, host, reason string) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO maintenance_windows (host, started_at, is_active, reason, suppressed_count)
		VALUES ($1, $2, true, $3, 0)
		ON CONFLICT (host) DO UPDATE SET
			started_at = $2, ended_at = NULL, is_active = true, reason = $3, suppressed_count = 0
	`, host, time.Now().UTC(), reason)
	return err
}

// EndMaintenanceWindow closes the window for a host.
func (db *DB) EndMaintenanceWindow(ctx context.Context, host string) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE maintenance_windows SET is_active = false, ended_at = $2
		WHERE host = $1 AND is_active = true
	`, host, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveMaintenanceWindow returns the active window for a host, falling
// back to the wildcard "all" window, or nil if neither is active.
func (db *DB) ActiveMaintenanceWindow(ctx context.Context, host string) (*models.MaintenanceWindow, error) {
	row := db.pool.QueryRow(ctx, `
		SELECT host, started_at, ended_at, is_active, reason, suppressed_count
		FROM maintenance_windows
		WHERE is_active = true AND host IN ($1, 'all')
		ORDER BY (host = $1) DESC
		LIMIT 1
	`, host)
	var w models.MaintenanceWindow
	if err := row.Scan(&w.Host, &w.StartedAt, &w.EndedAt, &w.IsActive, &w.Reason, &w.SuppressedCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &w, nil
}

// IsSuppressed implements planner.MaintenanceProvider. A lookup failure is
// treated as "not suppressed" — the intake path already has its own
// degraded-mode handling for a down database, and failing closed here
// would silently block all remediation on a transient query error.
func (db *DB) IsSuppressed(host string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w, err := db.ActiveMaintenanceWindow(ctx, host)
	if err != nil {
		log.Printf("[store] IsSuppressed query error: %v", err)
		return false
	}
	if w != nil {
		_, _ = db.pool.Exec(ctx, `UPDATE maintenance_windows SET suppressed_count = suppressed_count + 1 WHERE host = $1`, w.Host)
	}
	return w != nil
}

// -----------------------------------------------------------------------
// Self-Preservation handoffs — implements selfpreserve.Store
// -----------------------------------------------------------------------

// handoffLockKey is the advisory-lock key guarding the at-most-one-active
// invariant. Picked by hashing a fixed string rather than a table OID so
// it's stable across schema changes.
const handoffLockKey = int64(0x4a41_5256_4953_4844) // "JARVISHD" in hex-ish

// CreateHandoff persists a new handoff, refusing if one is already
// pending or in_progress. The spec calls for a database-enforced unique
// partial index on active statuses; this emulates that guarantee with an
// advisory transaction lock plus an explicit existence check, so the
// invariant holds even before that index is in place.
func (db *DB) CreateHandoff(ctx context.Context, h *models.SelfPreservationHandoff) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, handoffLockKey); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}

	var existing string
	err = tx.QueryRow(ctx, `
		SELECT id FROM self_preservation_handoffs WHERE status IN ('pending', 'in_progress') LIMIT 1
	`).Scan(&existing)
	if err == nil {
		return ErrHandoffActive
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("check active handoff: %w", err)
	}

	now := time.Now().UTC()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	h.UpdatedAt = now

	_, err = tx.Exec(ctx, `
		INSERT INTO self_preservation_handoffs (id, target, reason, serialized_context, status,
			callback_url, orchestrator_exec_id, restart_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)
	`, h.ID, string(h.Target), h.Reason, h.SerializedContext, string(h.Status),
		h.CallbackURL, h.OrchestratorExecID, h.RestartCount, h.CreatedAt, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert handoff: %w", err)
	}

	return tx.Commit(ctx)
}

// GetHandoff fetches a handoff by id.
func (db *DB) GetHandoff(ctx context.Context, id string) (*models.SelfPreservationHandoff, error) {
	return scanHandoffRow(db.pool.QueryRow(ctx, `
		SELECT id, target, reason, serialized_context, status, callback_url,
		       COALESCE(orchestrator_exec_id, ''), restart_count, created_at, updated_at
		FROM self_preservation_handoffs WHERE id = $1
	`, id))
}

// UpdateHandoffStatus transitions a handoff's status and bumps updated_at.
func (db *DB) UpdateHandoffStatus(ctx context.Context, id string, status models.HandoffStatus) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE self_preservation_handoffs SET status = $2, updated_at = $3 WHERE id = $1
	`, id, string(status), time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStaleHandoffs returns handoffs still pending/in_progress whose
// updated_at is older than olderThan — candidates for the cleanup sweep
// (stale_handoff_cleanup_minutes).
func (db *DB) ListStaleHandoffs(ctx context.Context, olderThan time.Time, limit int) ([]*models.SelfPreservationHandoff, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, target, reason, serialized_context, status, callback_url,
		       COALESCE(orchestrator_exec_id, ''), restart_count, created_at, updated_at
		FROM self_preservation_handoffs
		WHERE status IN ('pending', 'in_progress') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SelfPreservationHandoff
	for rows.Next() {
		h, err := scanHandoffRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ActiveHandoffForTarget returns the pending/in_progress handoff for a
// given restart target, if any.
func (db *DB) ActiveHandoffForTarget(ctx context.Context, target models.HandoffTarget) (*models.SelfPreservationHandoff, error) {
	h, err := scanHandoffRow(db.pool.QueryRow(ctx, `
		SELECT id, target, reason, serialized_context, status, callback_url,
		       COALESCE(orchestrator_exec_id, ''), restart_count, created_at, updated_at
		FROM self_preservation_handoffs
		WHERE target = $1 AND status IN ('pending', 'in_progress')
		LIMIT 1
	`, string(target)))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return h, err
}

func scanHandoffRow(row patternScanner) (*models.SelfPreservationHandoff, error) {
	var h models.SelfPreservationHandoff
	var target, status string
	if err := row.Scan(
		&h.ID, &target, &h.Reason, &h.SerializedContext, &status, &h.CallbackURL,
		&h.OrchestratorExecID, &h.RestartCount, &h.CreatedAt, &h.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	h.Target = models.HandoffTarget(target)
	h.Status = models.HandoffStatus(status)
	return &h, nil
}
