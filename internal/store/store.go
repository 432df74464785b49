// Package store persists engine state in sqlite: the translation memory,
// per-locale glossary rules, and the audit trail of consensus decisions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
	_ "modernc.org/sqlite"

	"github.com/tolmach-ai/tolmach/internal/consensus"
)

type Store struct {
	db *sql.DB
}

// New opens (or creates) the database and applies the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS translation_memory (
		id TEXT PRIMARY KEY,
		source_text TEXT NOT NULL,
		source_locale TEXT NOT NULL,
		target_locale TEXT NOT NULL,
		translated_text TEXT NOT NULL,
		provider TEXT,
		usage_count INTEGER DEFAULT 1,
		invalidated BOOLEAN DEFAULT FALSE,
		last_used TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source_text, source_locale, target_locale)
	);

	-- glossary holds free-text rules appended verbatim to the prompt for a
	-- target locale, in explicit position order.
	CREATE TABLE IF NOT EXISTS glossary (
		id TEXT PRIMARY KEY,
		target_locale TEXT NOT NULL,
		rule TEXT NOT NULL,
		position INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- judge_audit records one row per consensus decision.
	CREATE TABLE IF NOT EXISTS judge_audit (
		id TEXT PRIMARY KEY,
		locale TEXT NOT NULL,
		key TEXT NOT NULL,
		candidates TEXT NOT NULL,
		chosen INTEGER NOT NULL,
		method TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_memory_lookup ON translation_memory(source_text, source_locale, target_locale);
	CREATE INDEX IF NOT EXISTS idx_glossary_locale ON glossary(target_locale, position);
	CREATE INDEX IF NOT EXISTS idx_audit_locale ON judge_audit(locale, key);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Lookup returns the remembered translation for a source text. Source text
// is NFC-normalized before matching, so visually identical strings composed
// differently still hit.
func (s *Store) Lookup(ctx context.Context, sourceText, sourceLocale, targetLocale string) (string, bool, error) {
	var text string
	var invalidated bool

	err := s.db.QueryRowContext(ctx,
		`SELECT translated_text, invalidated FROM translation_memory WHERE source_text = ? AND source_locale = ? AND target_locale = ?`,
		normalizeText(sourceText), sourceLocale, targetLocale).Scan(&text, &invalidated)

	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if invalidated {
		return "", false, nil
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE translation_memory SET usage_count = usage_count + 1, last_used = ? WHERE source_text = ? AND source_locale = ? AND target_locale = ?`,
		time.Now(), normalizeText(sourceText), sourceLocale, targetLocale)
	return text, true, err
}

// Remember stores (or replaces) a finished translation in the memory.
func (s *Store) Remember(ctx context.Context, sourceText, sourceLocale, targetLocale, translated, provider string) error {
	id := fmt.Sprintf("mem_%d", time.Now().UnixNano())
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO translation_memory (id, source_text, source_locale, target_locale, translated_text, provider, usage_count, invalidated, last_used, created_at) VALUES (?, ?, ?, ?, ?, ?, 1, FALSE, ?, ?)`,
		id, normalizeText(sourceText), sourceLocale, targetLocale, translated, provider, time.Now(), time.Now())
	return err
}

// MemoryEntry is a row from the translation_memory table.
type MemoryEntry struct {
	ID           string
	SourceText   string
	SourceLocale string
	TargetLocale string
	Translated   string
	Provider     string
	UsageCount   int
	Invalidated  bool
	LastUsed     time.Time
}

// MemoryStats summarises translation memory usage.
type MemoryStats struct {
	TotalEntries   int
	ActiveEntries  int
	InvalidEntries int
	TotalUsage     int
}

// Invalidate marks a memory entry stale without deleting it.
func (s *Store) Invalidate(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE translation_memory SET invalidated = TRUE WHERE id = ?`, id)
	return err
}

// ClearMemory removes all translation memory entries.
func (s *Store) ClearMemory(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM translation_memory`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListMemory returns all memory entries ordered by most recently used.
func (s *Store) ListMemory(ctx context.Context) ([]MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_text, source_locale, target_locale, translated_text, provider, usage_count, invalidated, last_used FROM translation_memory ORDER BY last_used DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		if err := rows.Scan(&e.ID, &e.SourceText, &e.SourceLocale, &e.TargetLocale, &e.Translated, &e.Provider, &e.UsageCount, &e.Invalidated, &e.LastUsed); err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// Stats returns summary statistics for the translation memory.
func (s *Store) Stats(ctx context.Context) (*MemoryStats, error) {
	stats := &MemoryStats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN NOT invalidated THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN invalidated THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(usage_count), 0)
		FROM translation_memory`).Scan(
		&stats.TotalEntries,
		&stats.ActiveEntries,
		&stats.InvalidEntries,
		&stats.TotalUsage,
	)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Rule is one glossary rule row.
type Rule struct {
	ID           string
	TargetLocale string
	Text         string
	Position     int
}

// AddRule appends a rule at the end of the locale's rule list and returns
// its ID.
func (s *Store) AddRule(ctx context.Context, targetLocale, rule string) (string, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MAX(position) FROM glossary WHERE target_locale = ?`, targetLocale).Scan(&max); err != nil {
		return "", err
	}

	id := fmt.Sprintf("rule_%d", time.Now().UnixNano())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO glossary (id, target_locale, rule, position) VALUES (?, ?, ?, ?)`,
		id, targetLocale, rule, max.Int64+1)
	return id, err
}

// Rules returns the rule strings for a locale in position order. Satisfies
// the pipeline's rule source contract.
func (s *Store) Rules(ctx context.Context, targetLocale string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rule FROM glossary WHERE target_locale = ? ORDER BY position`, targetLocale)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// ListRules returns the full rule rows for a locale in position order.
func (s *Store) ListRules(ctx context.Context, targetLocale string) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target_locale, rule, position FROM glossary WHERE target_locale = ? ORDER BY position`, targetLocale)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.TargetLocale, &r.Text, &r.Position); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// RemoveRule deletes a rule by ID.
func (s *Store) RemoveRule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM glossary WHERE id = ?`, id)
	return err
}

// RecordDecision persists one consensus decision. Satisfies the engine's
// auditor contract; candidates are stored as JSON.
func (s *Store) RecordDecision(ctx context.Context, locale, key string, candidates []consensus.Candidate, chosen int, method string) error {
	blob, err := json.Marshal(candidates)
	if err != nil {
		return err
	}
	id := fmt.Sprintf("aud_%d", time.Now().UnixNano())
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO judge_audit (id, locale, key, candidates, chosen, method) VALUES (?, ?, ?, ?, ?, ?)`,
		id, locale, key, string(blob), chosen, method)
	return err
}

// Decision is one judge_audit row.
type Decision struct {
	ID         string
	Locale     string
	Key        string
	Candidates []consensus.Candidate
	Chosen     int
	Method     string
	CreatedAt  time.Time
}

// Decisions returns the audit trail for a locale, newest first.
func (s *Store) Decisions(ctx context.Context, locale string) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, locale, key, candidates, chosen, method, created_at FROM judge_audit WHERE locale = ? ORDER BY created_at DESC`, locale)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		var d Decision
		var blob string
		if err := rows.Scan(&d.ID, &d.Locale, &d.Key, &blob, &d.Chosen, &d.Method, &d.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(blob), &d.Candidates); err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// MemoryLookup adapts the store to the pipeline's diff filter.
type MemoryLookup struct {
	store        *Store
	sourceLocale string
}

// AsLookup binds the memory to a request's source locale.
func (s *Store) AsLookup(sourceLocale string) *MemoryLookup {
	return &MemoryLookup{store: s, sourceLocale: sourceLocale}
}

func (l *MemoryLookup) Name() string { return "memory" }

func (l *MemoryLookup) Existing(ctx context.Context, locale, key, source string) (string, bool) {
	text, ok, err := l.store.Lookup(ctx, source, l.sourceLocale, locale)
	if err != nil || !ok {
		return "", false
	}
	return text, true
}

func normalizeText(text string) string {
	return norm.NFC.String(strings.TrimSpace(text))
}
