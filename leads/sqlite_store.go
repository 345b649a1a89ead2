package leads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/kiarashjv/SaaS-LeadSystem/contracts"
)

const leadSchema = `
CREATE TABLE IF NOT EXISTS leads (
	email_key    TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	email        TEXT NOT NULL,
	phone_number TEXT NOT NULL,
	company_name TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	stored_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS leads_seq ON leads (seq);
`

const upsertLead = `
INSERT INTO leads (email_key, name, email, phone_number, company_name, seq, stored_at)
VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM leads), ?)
ON CONFLICT (email_key) DO UPDATE SET
	name = excluded.name,
	email = excluded.email,
	phone_number = excluded.phone_number,
	company_name = excluded.company_name,
	seq = excluded.seq,
	stored_at = excluded.stored_at`

const selectLeads = `SELECT name, email, phone_number, company_name FROM leads`

// SQLiteStore is a Store kept in a SQLite database file. Leads survive a
// restart of the storage service.
type SQLiteStore struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
}

// OpenSQLiteStore opens or creates the database at path. poolSize <= 0
// uses 4 connections.
func OpenSQLiteStore(path string, poolSize int, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("lead store: path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("lead store: opening %s: %w", path, err)
	}

	logger.Info("lead store opened", "path", path, "poolSize", poolSize)
	return &SQLiteStore{pool: pool, path: path, logger: logger}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("lead store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, leadSchema, nil); err != nil {
		return fmt.Errorf("lead store: schema: %w", err)
	}
	return nil
}

// Put implements Store. A replaced lead moves to the end of List.
func (s *SQLiteStore) Put(ctx context.Context, lead contracts.Lead) (stored contracts.Lead, err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return contracts.Lead{}, fmt.Errorf("lead store: put: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return contracts.Lead{}, fmt.Errorf("lead store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	existed := true
	if _, err = getLead(conn, lead.Key()); errors.Is(err, ErrLeadNotFound) {
		existed = false
	} else if err != nil {
		return contracts.Lead{}, err
	}

	err = sqlitex.Execute(conn, upsertLead, &sqlitex.ExecOptions{
		Args: []any{
			lead.Key(),
			lead.Name,
			lead.Email,
			lead.PhoneNumber,
			lead.CompanyName,
			time.Now().UnixNano(),
		},
	})
	if err != nil {
		return contracts.Lead{}, fmt.Errorf("lead store: upsert %s: %w", lead.Email, err)
	}

	if existed {
		s.logger.Info("updating existing lead", "email", lead.Email)
	}
	s.logger.Info("stored qualified lead", "email", lead.Email)
	return lead, nil
}

// List implements Store
func (s *SQLiteStore) List(ctx context.Context) ([]contracts.Lead, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("lead store: list: %w", err)
	}
	defer s.pool.Put(conn)

	leads := make([]contracts.Lead, 0)
	err = sqlitex.Execute(conn, selectLeads+` ORDER BY seq`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			leads = append(leads, scanLead(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("lead store: list: %w", err)
	}
	return leads, nil
}

// Get implements Store
func (s *SQLiteStore) Get(ctx context.Context, email string) (contracts.Lead, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return contracts.Lead{}, fmt.Errorf("lead store: get: %w", err)
	}
	defer s.pool.Put(conn)

	return getLead(conn, contracts.Lead{Email: email}.Key())
}

// Len returns the number of stored leads
func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("lead store: count: %w", err)
	}
	defer s.pool.Put(conn)

	var n int
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM leads`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("lead store: count: %w", err)
	}
	return n, nil
}

// Close closes every connection of the pool
func (s *SQLiteStore) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("lead store: closing %s: %w", s.path, err)
	}
	s.logger.Info("lead store closed", "path", s.path)
	return nil
}

func getLead(conn *sqlite.Conn, key string) (contracts.Lead, error) {
	var (
		lead  contracts.Lead
		found bool
	)
	err := sqlitex.Execute(conn, selectLeads+` WHERE email_key = ?`, &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			lead = scanLead(stmt)
			found = true
			return nil
		},
	})
	if err != nil {
		return contracts.Lead{}, fmt.Errorf("lead store: get: %w", err)
	}
	if !found {
		return contracts.Lead{}, ErrLeadNotFound
	}
	return lead, nil
}

func scanLead(stmt *sqlite.Stmt) contracts.Lead {
	return contracts.Lead{
		Name:        stmt.ColumnText(0),
		Email:       stmt.ColumnText(1),
		PhoneNumber: stmt.ColumnText(2),
		CompanyName: stmt.ColumnText(3),
	}
}
