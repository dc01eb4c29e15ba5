// Package sqlite persists classification events, agent corrections, API usage,
// template usage and pending field reconciliations.
package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tickettriage/internal/domain"
)

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS classifications (
		id                      INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id               TEXT NOT NULL,
		intent                  TEXT DEFAULT '',
		complexity              TEXT DEFAULT '',
		language                TEXT DEFAULT '',
		urgency                 TEXT DEFAULT '',
		confidence              INTEGER,
		requires_refund         INTEGER DEFAULT 0,
		requires_human_review   INTEGER DEFAULT 0,
		license_plate           TEXT DEFAULT '',
		move_out_date           TEXT DEFAULT '',
		amount                  TEXT DEFAULT '',
		property_name           TEXT DEFAULT '',
		notes                   TEXT DEFAULT '',
		routing_queue           TEXT DEFAULT '',
		processing_time_seconds REAL DEFAULT 0,
		tagging_success         INTEGER DEFAULT 0,
		error                   TEXT DEFAULT '',
		classified_at           DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_classifications_ticket ON classifications(ticket_id);
	CREATE INDEX IF NOT EXISTS idx_classifications_date ON classifications(classified_at);

	CREATE TABLE IF NOT EXISTS corrections (
		id               TEXT PRIMARY KEY,
		ticket_id        TEXT NOT NULL,
		original_intent  TEXT NOT NULL,
		corrected_intent TEXT NOT NULL,
		ai_confidence    INTEGER,
		corrected_at     DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_corrections_date ON corrections(corrected_at);

	CREATE TABLE IF NOT EXISTS api_usage (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		provider      TEXT NOT NULL,
		model         TEXT DEFAULT '',
		operation     TEXT DEFAULT '',
		input_tokens  INTEGER DEFAULT 0,
		output_tokens INTEGER DEFAULT 0,
		duration_ms   INTEGER DEFAULT 0,
		success       INTEGER DEFAULT 1,
		error         TEXT DEFAULT '',
		called_at     DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_api_usage_date ON api_usage(called_at);

	CREATE TABLE IF NOT EXISTS template_usage (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		template_id TEXT NOT NULL,
		intent      TEXT DEFAULT '',
		ticket_id   TEXT DEFAULT '',
		used_at     DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_template_usage_date ON template_usage(used_at);

	CREATE TABLE IF NOT EXISTS field_reconciliation (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		ticket_id   TEXT NOT NULL,
		field       TEXT NOT NULL,
		backend_key TEXT NOT NULL,
		value       TEXT DEFAULT '',
		error       TEXT DEFAULT '',
		attempts    INTEGER DEFAULT 0,
		status      TEXT NOT NULL DEFAULT 'pending',
		created_at  DATETIME NOT NULL,
		updated_at  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reconciliation_status ON field_reconciliation(status);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Migration: add notes column for databases created before it existed.
	var colCount int
	_ = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('classifications') WHERE name = 'notes'`).Scan(&colCount)
	if colCount == 0 {
		_, _ = db.Exec(`ALTER TABLE classifications ADD COLUMN notes TEXT DEFAULT ''`)
	}
	colCount = 0
	_ = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('corrections') WHERE name = 'ai_confidence'`).Scan(&colCount)
	if colCount == 0 {
		_, _ = db.Exec(`ALTER TABLE corrections ADD COLUMN ai_confidence INTEGER`)
	}

	return db, nil
}

func dsn(path string) string {
	if path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL"
}

// Store is the sqlite-backed implementation of the persistence interfaces
// used by feedback, triage, tagger, analytics and digest.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) stamp(t time.Time) time.Time {
	if t.IsZero() {
		t = s.now()
	}
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- Classifications ---

func (s *Store) InsertClassificationEvent(ctx context.Context, ev domain.ClassificationEvent) (int64, error) {
	var (
		r          domain.ClassificationResult
		confidence sql.NullInt64
	)
	if ev.Result != nil {
		r = *ev.Result
		confidence = sql.NullInt64{Int64: int64(r.Confidence), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO classifications
		 (ticket_id, intent, complexity, language, urgency, confidence, requires_refund, requires_human_review,
		  license_plate, move_out_date, amount, property_name, notes, routing_queue,
		  processing_time_seconds, tagging_success, error, classified_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TicketID, string(r.Intent), string(r.Complexity), string(r.Language), string(r.Urgency), confidence,
		boolInt(r.RequiresRefund), boolInt(r.RequiresHumanReview),
		r.Entities.LicensePlate, r.Entities.MoveOutDate, r.Entities.Amount, r.Entities.PropertyName, r.Notes,
		ev.RoutingQueue, ev.ProcessingTimeSeconds, boolInt(ev.TaggingSuccess), ev.Error, s.stamp(ev.Timestamp),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) ClassificationEvents(ctx context.Context, since time.Time) ([]domain.ClassificationEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ticket_id, intent, complexity, language, urgency, confidence, requires_refund, requires_human_review,
		        license_plate, move_out_date, amount, property_name, notes, routing_queue,
		        processing_time_seconds, tagging_success, error, classified_at
		 FROM classifications
		 WHERE classified_at >= ?
		 ORDER BY classified_at, id`,
		since.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ClassificationEvent
	for rows.Next() {
		var (
			ev                          domain.ClassificationEvent
			r                           domain.ClassificationResult
			intent, complexity          string
			language, urgency           string
			confidence                  sql.NullInt64
			refund, review, taggingFlag int
		)
		if err := rows.Scan(
			&ev.ID, &ev.TicketID, &intent, &complexity, &language, &urgency, &confidence, &refund, &review,
			&r.Entities.LicensePlate, &r.Entities.MoveOutDate, &r.Entities.Amount, &r.Entities.PropertyName, &r.Notes,
			&ev.RoutingQueue, &ev.ProcessingTimeSeconds, &taggingFlag, &ev.Error, &ev.Timestamp,
		); err != nil {
			return nil, err
		}
		ev.TaggingSuccess = taggingFlag == 1
		if ev.Error == "" && confidence.Valid {
			r.Intent = domain.Intent(intent)
			r.Complexity = domain.Complexity(complexity)
			r.Language = domain.Language(language)
			r.Urgency = domain.Urgency(urgency)
			r.Confidence = int(confidence.Int64)
			r.RequiresRefund = refund == 1
			r.RequiresHumanReview = review == 1
			ev.Result = &r
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountClassifiedTickets counts distinct tickets with at least one successful
// classification since the given time.
func (s *Store) CountClassifiedTickets(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT ticket_id) FROM classifications WHERE error = '' AND classified_at >= ?`,
		since.UTC(),
	).Scan(&n)
	return n, err
}

// LatestClassification returns the most recent successful result for a
// ticket, or sql.ErrNoRows.
func (s *Store) LatestClassification(ctx context.Context, ticketID string) (domain.ClassificationResult, error) {
	var (
		r                  domain.ClassificationResult
		intent, complexity string
		language, urgency  string
		refund, review     int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT intent, complexity, language, urgency, confidence, requires_refund, requires_human_review,
		        license_plate, move_out_date, amount, property_name, notes
		 FROM classifications
		 WHERE ticket_id = ? AND error = '' AND confidence IS NOT NULL
		 ORDER BY classified_at DESC, id DESC LIMIT 1`,
		ticketID,
	).Scan(&intent, &complexity, &language, &urgency, &r.Confidence, &refund, &review,
		&r.Entities.LicensePlate, &r.Entities.MoveOutDate, &r.Entities.Amount, &r.Entities.PropertyName, &r.Notes)
	if err != nil {
		return r, err
	}
	r.Intent = domain.Intent(intent)
	r.Complexity = domain.Complexity(complexity)
	r.Language = domain.Language(language)
	r.Urgency = domain.Urgency(urgency)
	r.RequiresRefund = refund == 1
	r.RequiresHumanReview = review == 1
	return r, nil
}

// --- Corrections ---

func (s *Store) InsertCorrection(ctx context.Context, c domain.Correction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO corrections (id, ticket_id, original_intent, corrected_intent, ai_confidence, corrected_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.TicketID, string(c.OriginalIntent), string(c.CorrectedIntent), nullableInt(c.Confidence), s.stamp(c.Timestamp),
	)
	return err
}

func (s *Store) Corrections(ctx context.Context, since time.Time) ([]domain.Correction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ticket_id, original_intent, corrected_intent, ai_confidence, corrected_at
		 FROM corrections
		 WHERE corrected_at >= ?
		 ORDER BY corrected_at, id`,
		since.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Correction
	for rows.Next() {
		var c domain.Correction
		var orig, corr string
		var conf sql.NullInt64
		if err := rows.Scan(&c.ID, &c.TicketID, &orig, &corr, &conf, &c.Timestamp); err != nil {
			return nil, err
		}
		if conf.Valid {
			v := int(conf.Int64)
			c.Confidence = &v
		}
		c.OriginalIntent = domain.Intent(orig)
		c.CorrectedIntent = domain.Intent(corr)
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// TopCorrectionPairs returns the most frequent (original, corrected) pairs.
func (s *Store) TopCorrectionPairs(ctx context.Context, since time.Time, limit int) ([]domain.ConfusionPair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT original_intent, corrected_intent, COUNT(*) AS cnt
		 FROM corrections
		 WHERE corrected_at >= ?
		 GROUP BY original_intent, corrected_intent
		 ORDER BY cnt DESC, original_intent, corrected_intent
		 LIMIT ?`,
		since.UTC(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ConfusionPair
	for rows.Next() {
		var p domain.ConfusionPair
		var orig, corr string
		if err := rows.Scan(&orig, &corr, &p.Count); err != nil {
			return nil, err
		}
		p.Original = domain.Intent(orig)
		p.Corrected = domain.Intent(corr)
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- API usage ---

func (s *Store) InsertAPIUsage(ctx context.Context, u domain.APIUsage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_usage (provider, model, operation, input_tokens, output_tokens, duration_ms, success, error, called_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Provider, u.Model, u.Operation, u.InputTokens, u.OutputTokens, u.DurationMS,
		boolInt(u.Success), u.Error, s.stamp(u.CalledAt),
	)
	return err
}

func (s *Store) APIUsage(ctx context.Context, since time.Time) ([]domain.APIUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider, model, operation, input_tokens, output_tokens, duration_ms, success, error, called_at
		 FROM api_usage
		 WHERE called_at >= ?
		 ORDER BY called_at, id`,
		since.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.APIUsage
	for rows.Next() {
		var u domain.APIUsage
		var success int
		if err := rows.Scan(&u.ID, &u.Provider, &u.Model, &u.Operation, &u.InputTokens, &u.OutputTokens,
			&u.DurationMS, &success, &u.Error, &u.CalledAt); err != nil {
			return nil, err
		}
		u.Success = success == 1
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- Template usage ---

func (s *Store) InsertTemplateUsage(ctx context.Context, u domain.TemplateUsage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO template_usage (template_id, intent, ticket_id, used_at) VALUES (?, ?, ?, ?)`,
		u.TemplateID, string(u.Intent), u.TicketID, s.stamp(u.UsedAt),
	)
	return err
}

func (s *Store) TemplateUsage(ctx context.Context, since time.Time) ([]domain.TemplateUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, template_id, intent, ticket_id, used_at
		 FROM template_usage
		 WHERE used_at >= ?
		 ORDER BY used_at, id`,
		since.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TemplateUsage
	for rows.Next() {
		var u domain.TemplateUsage
		var intent string
		if err := rows.Scan(&u.ID, &u.TemplateID, &intent, &u.TicketID, &u.UsedAt); err != nil {
			return nil, err
		}
		u.Intent = domain.Intent(intent)
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- Field reconciliation ---

func (s *Store) InsertReconciliation(ctx context.Context, r domain.Reconciliation) (int64, error) {
	now := s.stamp(r.CreatedAt)
	status := r.Status
	if status == "" {
		status = domain.ReconciliationPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO field_reconciliation (ticket_id, field, backend_key, value, error, attempts, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TicketID, r.Field, r.BackendKey, r.Value, r.Error, r.Attempts, string(status), now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) PendingReconciliations(ctx context.Context, limit int) ([]domain.Reconciliation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ticket_id, field, backend_key, value, error, attempts, status, created_at, updated_at
		 FROM field_reconciliation
		 WHERE status = ?
		 ORDER BY created_at, id
		 LIMIT ?`,
		string(domain.ReconciliationPending), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reconciliation
	for rows.Next() {
		var r domain.Reconciliation
		var status string
		if err := rows.Scan(&r.ID, &r.TicketID, &r.Field, &r.BackendKey, &r.Value, &r.Error,
			&r.Attempts, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = domain.ReconciliationStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateReconciliation(ctx context.Context, id int64, status domain.ReconciliationStatus, attempts int, lastErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE field_reconciliation SET status = ?, attempts = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), attempts, lastErr, s.now().UTC(), id,
	)
	return err
}

func (s *Store) CountReconciliations(ctx context.Context, status domain.ReconciliationStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM field_reconciliation WHERE status = ?`, string(status),
	).Scan(&n)
	return n, err
}
