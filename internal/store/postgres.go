package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/omnibridge/omnibridge/pkg/models"
)

// PostgresStore persists audit records in PostgreSQL via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and ensures the audit schema
// exists.
func NewPostgresStore(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().Msg("PostgreSQL audit store initialized")
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_records (
			id               TEXT PRIMARY KEY,
			user_id          TEXT NOT NULL,
			message          TEXT NOT NULL,
			iterations       INT NOT NULL,
			tool_calls_count INT NOT NULL,
			tools_used       TEXT[] NOT NULL DEFAULT '{}',
			mcps_accessed    TEXT[] NOT NULL DEFAULT '{}',
			tokens_input     BIGINT NOT NULL,
			tokens_output    BIGINT NOT NULL,
			tokens_cached    BIGINT NOT NULL,
			cost_estimate    DOUBLE PRECISION NOT NULL,
			status           TEXT NOT NULL,
			warning          TEXT,
			duration_ms      BIGINT NOT NULL,
			source_tag       TEXT,
			conversation_ref TEXT,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_records_user_created
			ON audit_records (user_id, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

// CreateAuditRecord inserts one record. Records are write-once; there is
// no update path.
func (s *PostgresStore) CreateAuditRecord(ctx context.Context, rec *models.AuditRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_records (
			id, user_id, message, iterations, tool_calls_count,
			tools_used, mcps_accessed,
			tokens_input, tokens_output, tokens_cached,
			cost_estimate, status, warning, duration_ms,
			source_tag, conversation_ref, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		rec.ID, rec.UserID, rec.Message, rec.Iterations, rec.ToolCallsCount,
		rec.ToolsUsed, rec.MCPsAccessed,
		rec.TokensInput, rec.TokensOutput, rec.TokensCached,
		rec.CostEstimate, rec.Status, nullable(rec.Warning), rec.DurationMs,
		nullable(rec.SourceTag), nullable(rec.ConversationRef), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// ListAuditRecords returns filtered records, newest first.
func (s *PostgresStore) ListAuditRecords(ctx context.Context, filter models.AuditFilter) ([]models.AuditRecord, error) {
	where, args := buildFilter(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, user_id, message, iterations, tool_calls_count,
		       tools_used, mcps_accessed,
		       tokens_input, tokens_output, tokens_cached,
		       cost_estimate, status, COALESCE(warning, ''), duration_ms,
		       COALESCE(source_tag, ''), COALESCE(conversation_ref, ''), created_at
		FROM audit_records %s
		ORDER BY created_at DESC
		LIMIT $%d`, where, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.Message, &rec.Iterations, &rec.ToolCallsCount,
			&rec.ToolsUsed, &rec.MCPsAccessed,
			&rec.TokensInput, &rec.TokensOutput, &rec.TokensCached,
			&rec.CostEstimate, &rec.Status, &rec.Warning, &rec.DurationMs,
			&rec.SourceTag, &rec.ConversationRef, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountAuditRecords returns the count of matching records.
func (s *PostgresStore) CountAuditRecords(ctx context.Context, filter models.AuditFilter) (int64, error) {
	where, args := buildFilter(filter)
	var n int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT count(*) FROM audit_records %s", where), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit records: %w", err)
	}
	return n, nil
}

func buildFilter(filter models.AuditFilter) (string, []any) {
	var clauses []string
	var args []any
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
