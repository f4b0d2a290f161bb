// Package tracestore is the durable, single-writer, embedded record
// store for completed debate traces. It runs against an embedded SQLite
// database in WAL mode so the service needs nothing beyond a local file.
package tracestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vulcanhelix/reasonarena/internal/apperr"
	"github.com/vulcanhelix/reasonarena/internal/models"
)

// isUniqueViolation checks if an error is a SQLite UNIQUE/PRIMARY KEY
// constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// openDB is a package-level var so tests can substitute it.
var openDB = sql.Open

// Config controls where the store keeps its database file.
type Config struct {
	Path string
}

// Store is the persistent trace engine backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open creates the parent directory if needed, opens SQLite with WAL
// mode, and runs migrations.
func Open(cfg Config) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "create trace store directory", err)
		}
	}

	db, err := openDB("sqlite", cfg.Path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "open trace store", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, apperr.Wrap(apperr.Internal, fmt.Sprintf("pragma %q", p), err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "migrate trace store", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS traces (
			id                 TEXT PRIMARY KEY,
			created_at         TEXT NOT NULL,
			query              TEXT NOT NULL,
			final_answer       TEXT NOT NULL,
			total_rounds       INTEGER NOT NULL,
			early_stopped      INTEGER NOT NULL DEFAULT 0,
			auto_score         INTEGER,
			auto_score_fallback INTEGER NOT NULL DEFAULT 0,
			user_rating        INTEGER,
			proposer_model     TEXT NOT NULL,
			skeptic_model      TEXT NOT NULL,
			synthesizer_model  TEXT NOT NULL,
			embedding_model    TEXT NOT NULL,
			total_ms           INTEGER NOT NULL DEFAULT 0,
			rag_ms             INTEGER NOT NULL DEFAULT 0,
			synthesis_ms       INTEGER NOT NULL DEFAULT 0,
			rounds_ms_json      TEXT NOT NULL DEFAULT '[]'
		);

		CREATE TABLE IF NOT EXISTS trace_rounds (
			trace_id             TEXT    NOT NULL REFERENCES traces(id) ON DELETE CASCADE,
			round_num            INTEGER NOT NULL,
			proposer_text        TEXT    NOT NULL,
			skeptic_text         TEXT    NOT NULL,
			proposer_duration_ms INTEGER NOT NULL DEFAULT 0,
			skeptic_duration_ms  INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (trace_id, round_num)
		);

		CREATE TABLE IF NOT EXISTS trace_templates (
			trace_id    TEXT    NOT NULL REFERENCES traces(id) ON DELETE CASCADE,
			position    INTEGER NOT NULL,
			template_id TEXT    NOT NULL,
			PRIMARY KEY (trace_id, position)
		);

		CREATE INDEX IF NOT EXISTS idx_traces_created_at ON traces(created_at);
		CREATE INDEX IF NOT EXISTS idx_traces_auto_score ON traces(auto_score);

		PRAGMA user_version = 1;
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save persists a completed trace and its rounds/templates atomically.
// Either the full trace lands or nothing does. Rejects a trace violating
// I1/I4/I5 before touching the database.
func (s *Store) Save(ctx context.Context, trace models.DebateTrace) error {
	if err := trace.Validate(); err != nil {
		return apperr.Wrap(apperr.Validation, "invalid trace", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "begin trace save", err)
	}
	defer tx.Rollback()

	roundsMS, err := json.Marshal(trace.Timing.RoundsMs)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode round timings", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO traces (
			id, created_at, query, final_answer, total_rounds, early_stopped,
			auto_score, auto_score_fallback, user_rating,
			proposer_model, skeptic_model, synthesizer_model, embedding_model,
			total_ms, rag_ms, synthesis_ms, rounds_ms_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trace.ID, trace.CreatedAt.UTC().Format(time.RFC3339Nano), trace.Query, trace.FinalAnswer,
		trace.TotalRounds, boolToInt(trace.EarlyStopped),
		nullableInt(trace.AutoScore), boolToInt(trace.AutoScoreFallback), nullableInt(trace.UserRating),
		trace.Models.Proposer, trace.Models.Skeptic, trace.Models.Synthesizer, trace.Models.Embedding,
		trace.Timing.TotalMs, trace.Timing.RagMs, trace.Timing.SynthesisMs, string(roundsMS),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.Duplicate, "trace already exists: "+trace.ID)
		}
		return apperr.Wrap(apperr.Internal, "insert trace", err)
	}

	for _, r := range trace.Rounds {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trace_rounds (trace_id, round_num, proposer_text, skeptic_text, proposer_duration_ms, skeptic_duration_ms)
			VALUES (?, ?, ?, ?, ?, ?)`,
			trace.ID, r.Round, r.ProposerText, r.SkepticText, r.ProposerDurationMs, r.SkepticDurationMs,
		)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "insert trace round", err)
		}
	}

	for i, tmplID := range trace.TemplatesUsed {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trace_templates (trace_id, position, template_id) VALUES (?, ?, ?)`,
			trace.ID, i, tmplID,
		)
		if err != nil {
			return apperr.Wrap(apperr.Internal, "insert trace template", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Internal, "commit trace save", err)
	}
	return nil
}

// Get loads one trace by id, including its rounds and templates.
func (s *Store) Get(ctx context.Context, id string) (*models.DebateTrace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, query, final_answer, total_rounds, early_stopped,
		       auto_score, auto_score_fallback, user_rating,
		       proposer_model, skeptic_model, synthesizer_model, embedding_model,
		       total_ms, rag_ms, synthesis_ms, rounds_ms_json
		FROM traces WHERE id = ?`, id)

	trace, err := scanTrace(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "trace not found: "+id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "scan trace", err)
	}

	if err := s.loadRounds(ctx, trace); err != nil {
		return nil, err
	}
	if err := s.loadTemplates(ctx, trace); err != nil {
		return nil, err
	}
	return trace, nil
}

// ListFilter narrows List's result set. A zero MinQuality matches every
// trace; an empty SearchText matches every query.
type ListFilter struct {
	Limit      int
	Offset     int
	MinQuality int
	SearchText string
}

// List returns traces newest-first, matching filter, bounded by
// filter.Limit starting at filter.Offset. Quality and search filtering
// happen in SQL so a match outside the first page is never missed.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]models.DebateTrace, error) {
	query := `
		SELECT id, created_at, query, final_answer, total_rounds, early_stopped,
		       auto_score, auto_score_fallback, user_rating,
		       proposer_model, skeptic_model, synthesizer_model, embedding_model,
		       total_ms, rag_ms, synthesis_ms, rounds_ms_json
		FROM traces`

	var conds []string
	var args []any
	if filter.MinQuality > 0 {
		conds = append(conds, "((auto_score IS NOT NULL AND auto_score >= ?) OR (user_rating IS NOT NULL AND user_rating >= ?))")
		args = append(args, filter.MinQuality, filter.MinQuality)
	}
	if filter.SearchText != "" {
		conds = append(conds, "query LIKE ?")
		args = append(args, "%"+filter.SearchText+"%")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list traces", err)
	}
	defer rows.Close()

	var out []models.DebateTrace
	for rows.Next() {
		trace, err := scanTrace(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan trace row", err)
		}
		out = append(out, *trace)
	}
	return out, rows.Err()
}

// Rate sets the user rating for a trace, the only field mutable after
// persistence.
func (s *Store) Rate(ctx context.Context, id string, rating int) error {
	if rating < 1 || rating > 10 {
		return apperr.New(apperr.Validation, "rating must be in [1,10]")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE traces SET user_rating = ? WHERE id = ?`, rating, id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "rate trace", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Wrap(apperr.Internal, "rate trace", err)
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, "trace not found: "+id)
	}
	return nil
}

// FineTuneCandidates returns traces whose auto score or user rating
// meets or exceeds threshold.
func (s *Store) FineTuneCandidates(ctx context.Context, threshold int) ([]models.FineTuneCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM traces
		WHERE (auto_score IS NOT NULL AND auto_score >= ?)
		   OR (user_rating IS NOT NULL AND user_rating >= ?)
		ORDER BY created_at DESC`, threshold, threshold)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "query fine-tune candidates", err)
	}
	defer rows.Close()

	var out []models.FineTuneCandidate
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan fine-tune candidate", err)
		}
		out = append(out, models.FineTuneCandidate{TraceID: id})
	}
	return out, rows.Err()
}

// Stats aggregates counts and mean quality across the whole store.
// Quality for a trace is its user rating if present, else its auto
// score, else excluded from the mean.
func (s *Store) Stats(ctx context.Context, candidateThreshold int) (models.TraceStats, error) {
	var stats models.TraceStats
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM traces`).Scan(&stats.Count)
	if err != nil {
		return stats, apperr.Wrap(apperr.Internal, "count traces", err)
	}

	var mean sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG(COALESCE(user_rating, auto_score))
		FROM traces WHERE user_rating IS NOT NULL OR auto_score IS NOT NULL`).Scan(&mean)
	if err != nil {
		return stats, apperr.Wrap(apperr.Internal, "average trace quality", err)
	}
	if mean.Valid {
		stats.MeanQuality = mean.Float64
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM traces
		WHERE (auto_score IS NOT NULL AND auto_score >= ?)
		   OR (user_rating IS NOT NULL AND user_rating >= ?)`,
		candidateThreshold, candidateThreshold).Scan(&stats.CandidatesCount)
	if err != nil {
		return stats, apperr.Wrap(apperr.Internal, "count fine-tune candidates", err)
	}

	return stats, nil
}

type rowLike interface {
	Scan(dest ...any) error
}

func scanTrace(row rowLike) (*models.DebateTrace, error) {
	var (
		t                 models.DebateTrace
		createdAt         string
		earlyStopped      int
		autoScoreFallback int
		autoScore         sql.NullInt64
		userRating        sql.NullInt64
		roundsMSJSON      string
	)

	if err := row.Scan(
		&t.ID, &createdAt, &t.Query, &t.FinalAnswer, &t.TotalRounds, &earlyStopped,
		&autoScore, &autoScoreFallback, &userRating,
		&t.Models.Proposer, &t.Models.Skeptic, &t.Models.Synthesizer, &t.Models.Embedding,
		&t.Timing.TotalMs, &t.Timing.RagMs, &t.Timing.SynthesisMs, &roundsMSJSON,
	); err != nil {
		return nil, err
	}

	parsed, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = parsed
	t.EarlyStopped = earlyStopped != 0
	t.AutoScoreFallback = autoScoreFallback != 0
	if autoScore.Valid {
		v := int(autoScore.Int64)
		t.AutoScore = &v
	}
	if userRating.Valid {
		v := int(userRating.Int64)
		t.UserRating = &v
	}
	if err := json.Unmarshal([]byte(roundsMSJSON), &t.Timing.RoundsMs); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) loadRounds(ctx context.Context, trace *models.DebateTrace) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT round_num, proposer_text, skeptic_text, proposer_duration_ms, skeptic_duration_ms
		FROM trace_rounds WHERE trace_id = ? ORDER BY round_num ASC`, trace.ID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "load trace rounds", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r models.Round
		if err := rows.Scan(&r.Round, &r.ProposerText, &r.SkepticText, &r.ProposerDurationMs, &r.SkepticDurationMs); err != nil {
			return apperr.Wrap(apperr.Internal, "scan trace round", err)
		}
		trace.Rounds = append(trace.Rounds, r)
	}
	return rows.Err()
}

func (s *Store) loadTemplates(ctx context.Context, trace *models.DebateTrace) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT template_id FROM trace_templates WHERE trace_id = ? ORDER BY position ASC`, trace.ID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "load trace templates", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return apperr.Wrap(apperr.Internal, "scan trace template", err)
		}
		trace.TemplatesUsed = append(trace.TemplatesUsed, id)
	}
	return rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
