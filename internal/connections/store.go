// Package connections persists stored remote storage accounts in
// PostgreSQL. Credentials are sealed at rest and only unsealed when a
// caller needs to open a provider session.
package connections

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/cloudpic/cloudpic/internal/crypto"
	"github.com/cloudpic/cloudpic/internal/logging"
	"github.com/cloudpic/cloudpic/internal/metrics"
	"github.com/cloudpic/cloudpic/internal/storage"
)

// Connection is a stored remote storage account. Credentials are zero
// unless the row was loaded through Get.
type Connection struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Type        string              `json:"type"`
	Credentials storage.Credentials `json:"-"`
	Settings    storage.Settings    `json:"settings"`
	AuthInfo    json.RawMessage     `json:"-"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// Store is a PostgreSQL connection store.
type Store struct {
	db  *sql.DB
	box *crypto.Box
}

// New opens the database and verifies connectivity.
func New(databaseURL string, box *crypto.Box) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db, box: box}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs SQL migration files.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

// Exists reports whether a (type, name) pair is already stored. Callers
// check it before spending a remote authorization on a doomed create.
func (s *Store) Exists(ctx context.Context, typ, name string) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("connection_exists", time.Since(start)) }()

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM storage_connections WHERE name = $1 AND type = $2)`,
		name, typ).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check duplicate: %w", err)
	}
	return exists, nil
}

// Create stores a new connection with the auth snapshot captured by the
// connect that preceded it. The (name, type) pair must be unique.
func (s *Store) Create(ctx context.Context, name, typ string, creds storage.Credentials, settings storage.Settings, authInfo json.RawMessage) (*Connection, error) {
	if exists, err := s.Exists(ctx, typ, name); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%w: connection %q (%s)", storage.ErrDuplicate, name, typ)
	}

	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_connection", time.Since(start)) }()

	sealed, err := s.sealCredentials(creds)
	if err != nil {
		return nil, err
	}
	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	var authVal any
	if len(authInfo) > 0 {
		authVal = string(authInfo)
	}

	conn := &Connection{
		ID:          uuid.New().String(),
		Name:        name,
		Type:        typ,
		Credentials: creds,
		Settings:    settings,
		AuthInfo:    authInfo,
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO storage_connections (id, name, type, credentials, settings, auth_info, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 RETURNING created_at, updated_at`,
		conn.ID, name, typ, sealed, settingsJSON, authVal).
		Scan(&conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, fmt.Errorf("%w: connection %q (%s)", storage.ErrDuplicate, name, typ)
		}
		return nil, fmt.Errorf("insert connection: %w", err)
	}

	s.updateCountMetric(ctx)
	logging.Info("connection created",
		zap.String("id", conn.ID), zap.String("type", typ), zap.String("name", name))
	return conn, nil
}

// List returns all connections without credentials or auth snapshots.
func (s *Store) List(ctx context.Context) ([]Connection, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_connections", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, settings, created_at, updated_at
		 FROM storage_connections ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	conns := []Connection{}
	for rows.Next() {
		var c Connection
		var settingsJSON []byte
		if err := rows.Scan(&c.ID, &c.Name, &c.Type, &settingsJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		if err := json.Unmarshal(settingsJSON, &c.Settings); err != nil {
			return nil, fmt.Errorf("parse settings for %s: %w", c.ID, err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// Get loads a single connection with unsealed credentials.
func (s *Store) Get(ctx context.Context, id string) (*Connection, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_connection", time.Since(start)) }()

	var c Connection
	var sealed string
	var settingsJSON []byte
	var authInfo sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, credentials, settings, auth_info, created_at, updated_at
		 FROM storage_connections WHERE id = $1`, id).
		Scan(&c.ID, &c.Name, &c.Type, &sealed, &settingsJSON, &authInfo, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: connection %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query connection: %w", err)
	}

	if c.Credentials, err = s.openCredentials(sealed); err != nil {
		return nil, fmt.Errorf("unseal credentials for %s: %w", id, err)
	}
	if err := json.Unmarshal(settingsJSON, &c.Settings); err != nil {
		return nil, fmt.Errorf("parse settings for %s: %w", id, err)
	}
	if authInfo.Valid && authInfo.String != "" {
		c.AuthInfo = json.RawMessage(authInfo.String)
	}
	return &c, nil
}

// Update renames a connection and replaces its settings.
func (s *Store) Update(ctx context.Context, id, name string, settings storage.Settings) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("update_connection", time.Since(start)) }()

	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE storage_connections SET name = $2, settings = $3, updated_at = NOW() WHERE id = $1`,
		id, name, settingsJSON)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("%w: connection %q", storage.ErrDuplicate, name)
		}
		return fmt.Errorf("update connection: %w", err)
	}
	return requireRow(res, id)
}

// UpdateAuthInfo persists a refreshed provider auth snapshot.
func (s *Store) UpdateAuthInfo(ctx context.Context, id string, raw json.RawMessage) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("update_auth_info", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`UPDATE storage_connections SET auth_info = $2, updated_at = NOW() WHERE id = $1`,
		id, string(raw))
	if err != nil {
		return fmt.Errorf("update auth info: %w", err)
	}
	return requireRow(res, id)
}

// Delete removes a connection by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_connection", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM storage_connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if err := requireRow(res, id); err != nil {
		return err
	}
	s.updateCountMetric(ctx)
	logging.Info("connection deleted", zap.String("id", id))
	return nil
}

// DeleteByName removes a connection by its (type, name) pair.
func (s *Store) DeleteByName(ctx context.Context, typ, name string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_connection_by_name", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM storage_connections WHERE type = $1 AND name = $2`, typ, name)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if err := requireRow(res, name); err != nil {
		return err
	}
	s.updateCountMetric(ctx)
	logging.Info("connection deleted", zap.String("type", typ), zap.String("name", name))
	return nil
}

func (s *Store) sealCredentials(creds storage.Credentials) (string, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}
	sealed, err := s.box.Seal(raw)
	if err != nil {
		return "", fmt.Errorf("seal credentials: %w", err)
	}
	return sealed, nil
}

func (s *Store) openCredentials(sealed string) (storage.Credentials, error) {
	raw, err := s.box.Open(sealed)
	if err != nil {
		return storage.Credentials{}, err
	}
	var creds storage.Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return storage.Credentials{}, fmt.Errorf("parse credentials: %w", err)
	}
	return creds, nil
}

func (s *Store) updateCountMetric(ctx context.Context) {
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM storage_connections`).Scan(&n); err == nil {
		metrics.SetConnectionCount(n)
	}
}

func requireRow(res sql.Result, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: connection %s", storage.ErrNotFound, key)
	}
	return nil
}
