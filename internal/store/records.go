package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/j-veylop/quotagate/internal/models"
)

// InsertQuotaSnapshot records a point-in-time view of one quota counter.
func (s *Store) InsertQuotaSnapshot(u models.QuotaUsage, at time.Time) error {
	query := `
	INSERT INTO quota_snapshots (provider, kind, current, limit_value, percent, window_start, window_end, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.ExecContext(context.Background(), query,
		u.Provider, string(u.Kind), u.Current, u.Limit, u.PercentUsed(),
		u.WindowStart, u.WindowEnd, at)
	if err != nil {
		return fmt.Errorf("failed to insert quota snapshot: %w", err)
	}
	return nil
}

// RecentSnapshots returns the latest snapshots for a provider, newest first.
func (s *Store) RecentSnapshots(provider string, limit int) ([]models.QuotaUsage, error) {
	query := `
	SELECT provider, kind, current, limit_value, window_start, window_end
	FROM quota_snapshots
	WHERE provider = ?
	ORDER BY created_at DESC
	LIMIT ?
	`
	rows, err := s.QueryContext(context.Background(), query, provider, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.QuotaUsage
	for rows.Next() {
		var u models.QuotaUsage
		var kind string
		if err := rows.Scan(&u.Provider, &kind, &u.Current, &u.Limit, &u.WindowStart, &u.WindowEnd); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		u.Kind = models.QuotaKind(kind)
		out = append(out, u)
	}
	return out, rows.Err()
}

// InsertRateLimitEvent persists a newly detected rate-limit event.
func (s *Store) InsertRateLimitEvent(e models.RateLimitEvent) error {
	query := `
	INSERT INTO rate_limit_events (id, request_id, provider, detected_at, http_status, retry_after_ms, attempt)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.ExecContext(context.Background(), query,
		e.ID, nullString(e.RequestID), e.Provider, e.DetectedAt,
		e.HTTPStatus, e.RetryAfter.Milliseconds(), e.Attempt)
	if err != nil {
		return fmt.Errorf("failed to insert rate limit event: %w", err)
	}
	return nil
}

// ResolveRateLimitEvent marks an event as resolved. Resolving an already
// closed event is a no-op.
func (s *Store) ResolveRateLimitEvent(id string, at time.Time) error {
	query := `
	UPDATE rate_limit_events SET resolved_at = ?
	WHERE id = ? AND resolved_at IS NULL AND failed_at IS NULL
	`
	if _, err := s.ExecContext(context.Background(), query, at, id); err != nil {
		return fmt.Errorf("failed to resolve rate limit event: %w", err)
	}
	return nil
}

// FailRateLimitEvent marks an event as failed after retries ran out.
func (s *Store) FailRateLimitEvent(id string, at time.Time) error {
	query := `
	UPDATE rate_limit_events SET failed_at = ?
	WHERE id = ? AND resolved_at IS NULL AND failed_at IS NULL
	`
	if _, err := s.ExecContext(context.Background(), query, at, id); err != nil {
		return fmt.Errorf("failed to mark rate limit event failed: %w", err)
	}
	return nil
}

// OpenRateLimitEvents returns events that have neither resolved nor failed,
// oldest first.
func (s *Store) OpenRateLimitEvents(provider string) ([]models.RateLimitEvent, error) {
	query := `
	SELECT id, request_id, provider, detected_at, http_status, retry_after_ms, attempt
	FROM rate_limit_events
	WHERE provider = ? AND resolved_at IS NULL AND failed_at IS NULL
	ORDER BY detected_at ASC
	`
	rows, err := s.QueryContext(context.Background(), query, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to query rate limit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.RateLimitEvent
	for rows.Next() {
		var e models.RateLimitEvent
		var requestID sql.NullString
		var retryAfterMs int64
		if err := rows.Scan(&e.ID, &requestID, &e.Provider, &e.DetectedAt,
			&e.HTTPStatus, &retryAfterMs, &e.Attempt); err != nil {
			return nil, fmt.Errorf("failed to scan rate limit event: %w", err)
		}
		e.RequestID = requestID.String
		e.RetryAfter = time.Duration(retryAfterMs) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertAutoPause records a new pause and returns its row id.
func (s *Store) InsertAutoPause(r models.AutoPauseRecord) (int64, error) {
	query := `
	INSERT INTO auto_pause_log (project_id, provider, trigger_reason, threshold_percent, priority_at_pause, paused_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := s.ExecContext(context.Background(), query,
		r.ProjectID, r.Provider, r.Trigger, r.ThresholdPercent, r.PriorityAtPause, r.PausedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert auto pause record: %w", err)
	}
	return result.LastInsertId()
}

// CloseAutoPause stamps the open pause row for a project as resumed.
func (s *Store) CloseAutoPause(projectID, provider string, at time.Time, overrideBy string) error {
	query := `
	UPDATE auto_pause_log SET resumed_at = ?, override_by = ?
	WHERE project_id = ? AND provider = ? AND resumed_at IS NULL
	`
	_, err := s.ExecContext(context.Background(), query,
		at, nullString(overrideBy), projectID, provider)
	if err != nil {
		return fmt.Errorf("failed to close auto pause record: %w", err)
	}
	return nil
}

// PauseHistory returns pause records for a provider, newest first.
func (s *Store) PauseHistory(provider string, limit int) ([]models.AutoPauseRecord, error) {
	query := `
	SELECT project_id, provider, trigger_reason, threshold_percent, priority_at_pause, paused_at, resumed_at, override_by
	FROM auto_pause_log
	WHERE provider = ?
	ORDER BY paused_at DESC
	LIMIT ?
	`
	rows, err := s.QueryContext(context.Background(), query, provider, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pause history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []models.AutoPauseRecord
	for rows.Next() {
		var r models.AutoPauseRecord
		var resumedAt sql.NullTime
		var overrideBy sql.NullString
		if err := rows.Scan(&r.ProjectID, &r.Provider, &r.Trigger, &r.ThresholdPercent,
			&r.PriorityAtPause, &r.PausedAt, &resumedAt, &overrideBy); err != nil {
			return nil, fmt.Errorf("failed to scan pause record: %w", err)
		}
		if resumedAt.Valid {
			r.ResumedAt = resumedAt.Time
		}
		r.OverrideBy = overrideBy.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertAlert records a delivered alert and the channels that accepted it.
func (s *Store) InsertAlert(id, provider, level, title, body string, channels []string, at time.Time) error {
	query := `
	INSERT INTO alert_history (alert_id, provider, level, title, body, channels, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.ExecContext(context.Background(), query,
		nullString(id), provider, level, title, body, strings.Join(channels, ","), at)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// AlertCount returns how many alerts a provider has accumulated since the
// given time.
func (s *Store) AlertCount(provider string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM alert_history WHERE provider = ? AND created_at >= ?`
	var n int
	if err := s.QueryRowContext(context.Background(), query, provider, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

// PruneBefore deletes closed history rows older than the cutoff. Open
// rate-limit events and active pauses are kept regardless of age.
func (s *Store) PruneBefore(cutoff time.Time) error {
	statements := []string{
		`DELETE FROM quota_snapshots WHERE created_at < ?`,
		`DELETE FROM rate_limit_events WHERE detected_at < ? AND (resolved_at IS NOT NULL OR failed_at IS NOT NULL)`,
		`DELETE FROM auto_pause_log WHERE paused_at < ? AND resumed_at IS NOT NULL`,
		`DELETE FROM alert_history WHERE created_at < ?`,
	}
	for _, stmt := range statements {
		if _, err := s.ExecContext(context.Background(), stmt, cutoff); err != nil {
			return fmt.Errorf("failed to prune history: %w", err)
		}
	}
	return nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
