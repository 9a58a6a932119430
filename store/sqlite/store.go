// Package sqlite implements the admission store on SQLite via the
// modernc.org/sqlite driver (pure Go, no cgo). A single write
// connection plus WAL keeps the conditional debit serialized at the
// database, which is what the non-negative balance invariant requires.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lessgo/admission"
	"github.com/lessgo/admission/credit"
	"github.com/lessgo/admission/id"
	"github.com/lessgo/admission/plan"
	admissionstore "github.com/lessgo/admission/store"
	"github.com/lessgo/admission/subscription"
	"github.com/lessgo/admission/types"
)

// compile-time interface check
var _ admissionstore.Store = (*Store)(nil)

// Store implements store.Store on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and returns a
// Store. The DSN arms WAL journaling, a busy timeout, and NORMAL
// synchronous mode; the pool is capped at one connection so writes
// never contend inside the process.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		url.PathEscape(path))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("admission/sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	return &Store{db: db}, nil
}

// New wraps an existing database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle for direct access.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: %v", admission.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Subscription Store ====================

func (s *Store) UpsertSubscription(ctx context.Context, sub *subscription.Subscription) error {
	metadata, err := json.Marshal(sub.Metadata)
	if err != nil {
		return fmt.Errorf("admission/sqlite: marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO admission_subscriptions
    (principal_id, id, tier, status, current_period_start, current_period_end,
     trial_start, trial_end, canceled_at, provider_id, metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (principal_id) DO UPDATE SET
    id = excluded.id,
    tier = excluded.tier,
    status = excluded.status,
    current_period_start = excluded.current_period_start,
    current_period_end = excluded.current_period_end,
    trial_start = excluded.trial_start,
    trial_end = excluded.trial_end,
    canceled_at = excluded.canceled_at,
    provider_id = excluded.provider_id,
    metadata = excluded.metadata,
    updated_at = excluded.updated_at`,
		sub.PrincipalID, sub.ID.String(), string(sub.Tier), string(sub.Status),
		formatTime(sub.CurrentPeriodStart), formatTime(sub.CurrentPeriodEnd),
		formatTimePtr(sub.TrialStart), formatTimePtr(sub.TrialEnd), formatTimePtr(sub.CanceledAt),
		sub.ProviderID, string(metadata),
		formatTime(sub.CreatedAt), formatTime(sub.UpdatedAt))
	return err
}

func (s *Store) GetSubscription(ctx context.Context, principalID string) (*subscription.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT principal_id, id, tier, status, current_period_start, current_period_end,
       trial_start, trial_end, canceled_at, provider_id, metadata, created_at, updated_at
FROM admission_subscriptions WHERE principal_id = ?`, principalID)

	return scanSubscription(row)
}

func (s *Store) SetSubscriptionTier(ctx context.Context, principalID string, tier plan.Tier) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE admission_subscriptions SET tier = ?, updated_at = ? WHERE principal_id = ?`,
		string(tier), formatTime(time.Now().UTC()), principalID)
	if err != nil {
		return err
	}
	return errIfNoRows(res, admission.ErrSubscriptionNotFound)
}

func (s *Store) SetSubscriptionStatus(ctx context.Context, principalID string, status subscription.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE admission_subscriptions SET status = ?, updated_at = ? WHERE principal_id = ?`,
		string(status), formatTime(time.Now().UTC()), principalID)
	if err != nil {
		return err
	}
	return errIfNoRows(res, admission.ErrSubscriptionNotFound)
}

// ==================== Credit Store ====================

func (s *Store) EnsureBalance(ctx context.Context, principalID, period string, limit int64) (*credit.Balance, error) {
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO admission_balances (principal_id, period, credit_limit, used, remaining, created_at, updated_at)
VALUES (?, ?, ?, 0, ?, ?, ?)
ON CONFLICT (principal_id, period) DO NOTHING`,
		principalID, period, limit, limit, now, now)
	if err != nil {
		return nil, err
	}
	return s.GetBalance(ctx, principalID, period)
}

func (s *Store) GetBalance(ctx context.Context, principalID, period string) (*credit.Balance, error) {
	b := &credit.Balance{}
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
SELECT principal_id, period, credit_limit, used, remaining, created_at, updated_at
FROM admission_balances WHERE principal_id = ? AND period = ?`, principalID, period).
		Scan(&b.PrincipalID, &b.Period, &b.Limit, &b.Used, &b.Remaining, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, admission.ErrBalanceNotFound
	}
	if err != nil {
		return nil, err
	}
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

// Debit runs the conditional decrement and the event insert in one
// transaction. The balance check lives inside the UPDATE's WHERE
// clause, never in application code.
func (s *Store) Debit(ctx context.Context, principalID, period string, ev *credit.UsageEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", admission.ErrTransactionFailed, err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var remaining int64
	err = tx.QueryRowContext(ctx, `
UPDATE admission_balances
SET remaining = CASE WHEN credit_limit = -1 THEN remaining ELSE remaining - ? END,
    used = used + ?,
    updated_at = ?
WHERE principal_id = ? AND period = ? AND (credit_limit = -1 OR remaining >= ?)
RETURNING remaining`,
		ev.Cost, ev.Cost, formatTime(time.Now().UTC()), principalID, period, ev.Cost).
		Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the balance is missing or it cannot cover the cost.
		var current int64
		probe := tx.QueryRowContext(ctx,
			`SELECT remaining FROM admission_balances WHERE principal_id = ? AND period = ?`,
			principalID, period).Scan(&current)
		if errors.Is(probe, sql.ErrNoRows) {
			return 0, admission.ErrBalanceNotFound
		}
		if probe != nil {
			return 0, probe
		}
		return current, admission.ErrInsufficientCredits
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", admission.ErrTransactionFailed, err)
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return 0, fmt.Errorf("%w: %v", admission.ErrTransactionFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", admission.ErrTransactionFailed, err)
	}
	return remaining, nil
}

func (s *Store) CreditBack(ctx context.Context, principalID, period string, amount int64, ev *credit.UsageEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", admission.ErrTransactionFailed, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var remaining int64
	err = tx.QueryRowContext(ctx, `
UPDATE admission_balances
SET remaining = CASE WHEN credit_limit = -1 THEN remaining
                     ELSE MIN(credit_limit, remaining + ?) END,
    used = MAX(0, used - ?),
    updated_at = ?
WHERE principal_id = ? AND period = ?
RETURNING remaining`,
		amount, amount, formatTime(time.Now().UTC()), principalID, period).
		Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, admission.ErrBalanceNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", admission.ErrTransactionFailed, err)
	}

	if err := insertEvent(ctx, tx, ev); err != nil {
		return 0, fmt.Errorf("%w: %v", admission.ErrTransactionFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %v", admission.ErrTransactionFailed, err)
	}
	return remaining, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev *credit.UsageEvent) error {
	return insertEvent(ctx, s.db, ev)
}

func (s *Store) QueryEvents(ctx context.Context, principalID string, opts credit.QueryOpts) ([]*credit.UsageEvent, error) {
	query := `
SELECT id, principal_id, event_type, cost, timestamp, success, endpoint, error, metadata
FROM admission_usage_events WHERE principal_id = ?`
	args := []any{principalID}

	if opts.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(opts.EventType))
	}
	if !opts.Start.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, formatTime(opts.Start))
	}
	if !opts.End.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, formatTime(opts.End))
	}
	query += ` ORDER BY timestamp DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]*credit.UsageEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) UsageStats(ctx context.Context, principalID, period string) (*credit.Stats, error) {
	start, end := periodBounds(period)

	rows, err := s.db.QueryContext(ctx, `
SELECT event_type, COUNT(*), COALESCE(SUM(cost), 0)
FROM admission_usage_events
WHERE principal_id = ? AND success = 1 AND timestamp >= ? AND timestamp < ?
GROUP BY event_type`,
		principalID, formatTime(start), formatTime(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &credit.Stats{
		PrincipalID: principalID,
		Period:      period,
		ByType:      make(map[credit.EventType]int64),
	}
	for rows.Next() {
		var eventType string
		var count, total int64
		if err := rows.Scan(&eventType, &count, &total); err != nil {
			return nil, err
		}
		stats.ByType[credit.EventType(eventType)] = count
		stats.TotalEvents += count
		stats.TotalCredits += total
	}
	return stats, rows.Err()
}

func (s *Store) ResetBalance(ctx context.Context, principalID, period string, limit int64) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO admission_balances (principal_id, period, credit_limit, used, remaining, created_at, updated_at)
VALUES (?, ?, ?, 0, ?, ?, ?)
ON CONFLICT (principal_id, period) DO UPDATE SET
    credit_limit = excluded.credit_limit,
    used = 0,
    remaining = excluded.remaining,
    updated_at = excluded.updated_at`,
		principalID, period, limit, limit, now, now)
	return err
}

func (s *Store) SetBalanceLimit(ctx context.Context, principalID, period string, limit int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE admission_balances
SET credit_limit = ?,
    remaining = CASE WHEN ? = -1 THEN -1 ELSE MAX(0, ? - used) END,
    updated_at = ?
WHERE principal_id = ? AND period = ?`,
		limit, limit, limit, formatTime(time.Now().UTC()), principalID, period)
	if err != nil {
		return err
	}
	return errIfNoRows(res, admission.ErrBalanceNotFound)
}

// ==================== helpers ====================

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, ev *credit.UsageEvent) error {
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return fmt.Errorf("admission/sqlite: marshal metadata: %w", err)
	}

	_, err = db.ExecContext(ctx, `
INSERT INTO admission_usage_events
    (id, principal_id, event_type, cost, timestamp, success, endpoint, error, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), ev.PrincipalID, string(ev.EventType), ev.Cost,
		formatTime(ev.Timestamp), boolToInt(ev.Success), ev.Endpoint, ev.Error, string(metadata))
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*credit.UsageEvent, error) {
	ev := &credit.UsageEvent{}
	var rawID, eventType, timestamp, metadata string
	var success int

	if err := row.Scan(&rawID, &ev.PrincipalID, &eventType, &ev.Cost,
		&timestamp, &success, &ev.Endpoint, &ev.Error, &metadata); err != nil {
		return nil, err
	}

	parsed, err := id.Parse(rawID)
	if err != nil {
		return nil, err
	}
	ev.ID = parsed
	ev.EventType = credit.EventType(eventType)
	ev.Timestamp = parseTime(timestamp)
	ev.Success = success != 0
	if metadata != "" && metadata != "{}" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &ev.Metadata); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

func scanSubscription(row rowScanner) (*subscription.Subscription, error) {
	sub := &subscription.Subscription{}
	var rawID, tier, status, periodStart, periodEnd, metadata, createdAt, updatedAt string
	var trialStart, trialEnd, canceledAt sql.NullString

	err := row.Scan(&sub.PrincipalID, &rawID, &tier, &status, &periodStart, &periodEnd,
		&trialStart, &trialEnd, &canceledAt, &sub.ProviderID, &metadata, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, admission.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}

	parsed, err := id.Parse(rawID)
	if err != nil {
		return nil, err
	}
	sub.ID = parsed
	sub.Tier = plan.Tier(tier)
	sub.Status = subscription.Status(status)
	sub.CurrentPeriodStart = parseTime(periodStart)
	sub.CurrentPeriodEnd = parseTime(periodEnd)
	sub.TrialStart = parseTimePtr(trialStart)
	sub.TrialEnd = parseTimePtr(trialEnd)
	sub.CanceledAt = parseTimePtr(canceledAt)
	sub.Entity = types.Entity{CreatedAt: parseTime(createdAt), UpdatedAt: parseTime(updatedAt)}
	if metadata != "" && metadata != "{}" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &sub.Metadata); err != nil {
			return nil, err
		}
	}
	return sub, nil
}

func periodBounds(period string) (time.Time, time.Time) {
	start, err := time.Parse("2006-01", period)
	if err != nil {
		return time.Time{}, time.Time{}
	}
	return start, start.AddDate(0, 1, 0)
}

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func errIfNoRows(res sql.Result, sentinel error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sentinel
	}
	return nil
}
