package settings

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"goyais/toolhost/internal/agentcore/safety"
	"goyais/toolhost/internal/db"
)

// SQLStore keeps decisions in the trust_decisions table of a sqlite or
// postgres database.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// OpenSQLStore opens the database and applies pending migrations.
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	conn, err := db.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(ctx, conn, driver); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &SQLStore{db: conn, driver: driver}, nil
}

func (s *SQLStore) Load(ctx context.Context) ([]safety.TrustDecision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool, effect, scope, decided_by, decided_at FROM trust_decisions ORDER BY tool`)
	if err != nil {
		return nil, fmt.Errorf("query trust decisions: %w", err)
	}
	defer rows.Close()

	var out []safety.TrustDecision
	for rows.Next() {
		var (
			decision  safety.TrustDecision
			decidedAt string
		)
		if err := rows.Scan(&decision.Tool, &decision.Effect, &decision.Scope, &decision.DecidedBy, &decidedAt); err != nil {
			return nil, fmt.Errorf("scan trust decision: %w", err)
		}
		if decision.DecidedAt, err = time.Parse(time.RFC3339Nano, decidedAt); err != nil {
			return nil, fmt.Errorf("trust decision %s: bad timestamp %q: %w", decision.Tool, decidedAt, err)
		}
		out = append(out, decision)
	}
	return out, rows.Err()
}

func (s *SQLStore) Save(ctx context.Context, decision safety.TrustDecision) error {
	query := db.Rebind(s.driver, `
		INSERT INTO trust_decisions (tool, effect, scope, decided_by, decided_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tool) DO UPDATE SET
			effect = excluded.effect,
			scope = excluded.scope,
			decided_by = excluded.decided_by,
			decided_at = excluded.decided_at`)
	_, err := s.db.ExecContext(ctx, query,
		decision.Tool,
		string(decision.Effect),
		string(decision.Scope),
		decision.DecidedBy,
		decision.DecidedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save trust decision: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, tool string) error {
	res, err := s.db.ExecContext(ctx, db.Rebind(s.driver, `DELETE FROM trust_decisions WHERE tool = ?`), tool)
	if err != nil {
		return fmt.Errorf("delete trust decision: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return noDecision(tool)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
