package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/homt/fleetd/internal/config"
	ferrors "github.com/homt/fleetd/internal/errors"
	"github.com/homt/fleetd/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const uniqueViolation = "23505"

// NewPostgresPool opens and verifies a connection pool
func NewPostgresPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.MaxConnections, cfg.MinConnections,
	)

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id               TEXT PRIMARY KEY,
	token            TEXT NOT NULL UNIQUE,
	account_id       TEXT NOT NULL,
	account_email    TEXT NOT NULL,
	package_name     TEXT NOT NULL DEFAULT '',
	assigned_node    TEXT NOT NULL DEFAULT '',
	quota            BIGINT NOT NULL,
	usage_periods    BIGINT[] NOT NULL DEFAULT '{}',
	status           TEXT NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	last_node_change TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	version          BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS subscriptions_node_status_idx ON subscriptions (assigned_node, status);
CREATE INDEX IF NOT EXISTS subscriptions_status_expires_idx ON subscriptions (status, expires_at);

CREATE TABLE IF NOT EXISTS nodes (
	name         TEXT PRIMARY KEY,
	address      TEXT NOT NULL,
	control_port INTEGER NOT NULL,
	location     TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	capacity     INTEGER NOT NULL DEFAULT 1000,
	current_load INTEGER NOT NULL DEFAULT 0 CHECK (current_load >= 0),
	last_checked TIMESTAMPTZ
);
`

// Migrate creates the ledger tables if they do not exist
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// PostgresLedger implements SubscriptionLedger for PostgreSQL
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLedger creates a ledger on a shared pool
func NewPostgresLedger(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, logger: logger}
}

const subscriptionColumns = `id, token, account_id, account_email, package_name, assigned_node, quota,
	usage_periods, status, expires_at, last_node_change, created_at, updated_at, version`

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var (
		sub            model.Subscription
		usage          []int64
		status         string
		lastNodeChange *time.Time
	)
	err := row.Scan(
		&sub.ID,
		&sub.Token,
		&sub.AccountID,
		&sub.AccountEmail,
		&sub.PackageName,
		&sub.AssignedNode,
		&sub.Quota,
		&usage,
		&status,
		&sub.ExpiresAt,
		&lastNodeChange,
		&sub.CreatedAt,
		&sub.UpdatedAt,
		&sub.Version,
	)
	if err != nil {
		return nil, err
	}
	sub.Usage = model.UsagePeriods(usage)
	sub.Status = model.SubscriptionStatus(status)
	if lastNodeChange != nil {
		sub.LastNodeChange = *lastNodeChange
	}
	return &sub, nil
}

func (s *PostgresLedger) query(ctx context.Context, where string, args ...interface{}) ([]*model.Subscription, error) {
	q := "SELECT " + subscriptionColumns + " FROM subscriptions WHERE " + where + " ORDER BY id"
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, ferrors.LedgerUnavailable("failed to query subscriptions", err)
	}
	defer rows.Close()

	subs := make([]*model.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, ferrors.LedgerUnavailable("failed to iterate subscriptions", err)
	}
	return subs, nil
}

func (s *PostgresLedger) FindActiveWithNode(ctx context.Context) ([]*model.Subscription, error) {
	return s.query(ctx, "status = $1 AND assigned_node <> ''", string(model.StatusActive))
}

func (s *PostgresLedger) FindExpired(ctx context.Context, now time.Time) ([]*model.Subscription, error) {
	return s.query(ctx, "status = $1 AND expires_at <= $2", string(model.StatusActive), now)
}

func (s *PostgresLedger) FindByNode(ctx context.Context, node string, statuses ...model.SubscriptionStatus) ([]*model.Subscription, error) {
	if len(statuses) == 0 {
		return s.query(ctx, "assigned_node = $1", node)
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return s.query(ctx, "assigned_node = $1 AND status = ANY($2)", node, names)
}

func (s *PostgresLedger) FindTerminalWithNode(ctx context.Context) ([]*model.Subscription, error) {
	return s.query(ctx, "status <> $1 AND assigned_node <> ''", string(model.StatusActive))
}

func (s *PostgresLedger) Get(ctx context.Context, id string) (*model.Subscription, error) {
	q := "SELECT " + subscriptionColumns + " FROM subscriptions WHERE id = $1"
	sub, err := scanSubscription(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ferrors.NotFound("subscription", id)
	}
	if err != nil {
		return nil, ferrors.LedgerUnavailable("failed to get subscription", err)
	}
	return sub, nil
}

func (s *PostgresLedger) Create(ctx context.Context, sub *model.Subscription) error {
	if err := sub.Validate(); err != nil {
		return ferrors.Validation(err.Error())
	}
	if sub.Version == 0 {
		sub.Version = 1
	}

	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.pool.Exec(ctx, query,
		sub.ID,
		sub.Token,
		sub.AccountID,
		sub.AccountEmail,
		sub.PackageName,
		sub.AssignedNode,
		sub.Quota,
		[]int64(sub.Usage),
		string(sub.Status),
		sub.ExpiresAt,
		nullableTime(sub.LastNodeChange),
		sub.CreatedAt,
		sub.UpdatedAt,
		sub.Version,
	)
	if isUniqueViolation(err) {
		return ferrors.Conflict("subscription or token already exists", err)
	}
	return err
}

// Save writes sub if its version is still current
func (s *PostgresLedger) Save(ctx context.Context, sub *model.Subscription) error {
	if err := sub.Validate(); err != nil {
		return ferrors.Validation(err.Error())
	}

	stored, err := s.Get(ctx, sub.ID)
	if err != nil {
		return err
	}
	if err := checkUsageAdvance(stored, sub); err != nil {
		return err
	}

	now := time.Now().UTC()
	query := `
		UPDATE subscriptions
		SET token = $2, assigned_node = $3, quota = $4, usage_periods = $5, status = $6,
			expires_at = $7, last_node_change = $8, package_name = $9, updated_at = $10,
			version = version + 1
		WHERE id = $1 AND version = $11
	`

	result, err := s.pool.Exec(ctx, query,
		sub.ID,
		sub.Token,
		sub.AssignedNode,
		sub.Quota,
		[]int64(sub.Usage),
		string(sub.Status),
		sub.ExpiresAt,
		nullableTime(sub.LastNodeChange),
		sub.PackageName,
		now,
		sub.Version, // Optimistic locking
	)
	if isUniqueViolation(err) {
		return ferrors.Conflict("token already in use", err)
	}
	if err != nil {
		return ferrors.LedgerUnavailable("failed to save subscription", err)
	}

	if result.RowsAffected() == 0 {
		return ferrors.Conflict("subscription not found or version mismatch", nil).
			WithDetail("id", sub.ID).
			WithDetail("version", sub.Version)
	}

	sub.Version++
	sub.UpdatedAt = now
	return nil
}

func (s *PostgresLedger) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the shared pool
func (s *PostgresLedger) Close() error {
	s.pool.Close()
	return nil
}

// PostgresNodeRegistry implements NodeRegistry for PostgreSQL
type PostgresNodeRegistry struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgresNodeRegistry(pool *pgxpool.Pool, logger *zap.Logger) *PostgresNodeRegistry {
	return &PostgresNodeRegistry{pool: pool, logger: logger}
}

const nodeColumns = `name, address, control_port, location, status, capacity, current_load, last_checked`

func scanNode(row pgx.Row) (*model.Node, error) {
	var (
		node        model.Node
		status      string
		lastChecked *time.Time
	)
	if err := row.Scan(
		&node.Name,
		&node.Address,
		&node.ControlPort,
		&node.Location,
		&status,
		&node.Capacity,
		&node.CurrentLoad,
		&lastChecked,
	); err != nil {
		return nil, err
	}
	node.Status = model.NodeStatus(status)
	if lastChecked != nil {
		node.LastChecked = *lastChecked
	}
	return &node, nil
}

func (r *PostgresNodeRegistry) ListNodes(ctx context.Context) ([]*model.Node, error) {
	rows, err := r.pool.Query(ctx, "SELECT "+nodeColumns+" FROM nodes ORDER BY name")
	if err != nil {
		return nil, ferrors.LedgerUnavailable("failed to list nodes", err)
	}
	defer rows.Close()

	nodes := make([]*model.Node, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func (r *PostgresNodeRegistry) GetNode(ctx context.Context, name string) (*model.Node, error) {
	node, err := scanNode(r.pool.QueryRow(ctx, "SELECT "+nodeColumns+" FROM nodes WHERE name = $1", name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ferrors.NotFound("node", name)
	}
	if err != nil {
		return nil, ferrors.LedgerUnavailable("failed to get node", err)
	}
	return node, nil
}

func (r *PostgresNodeRegistry) SaveNode(ctx context.Context, node *model.Node) error {
	if err := node.Validate(); err != nil {
		return ferrors.Validation(err.Error())
	}

	query := `
		INSERT INTO nodes (` + nodeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE
		SET address = EXCLUDED.address,
			control_port = EXCLUDED.control_port,
			location = EXCLUDED.location,
			status = EXCLUDED.status,
			capacity = EXCLUDED.capacity,
			last_checked = EXCLUDED.last_checked
	`
	_, err := r.pool.Exec(ctx, query,
		node.Name,
		node.Address,
		node.ControlPort,
		node.Location,
		string(node.Status),
		node.Capacity,
		max(node.CurrentLoad, 0),
		nullableTime(node.LastChecked),
	)
	return err
}

func (r *PostgresNodeRegistry) AdjustLoad(ctx context.Context, name string, delta int) error {
	result, err := r.pool.Exec(ctx,
		`UPDATE nodes SET current_load = GREATEST(current_load + $2, 0) WHERE name = $1`,
		name, delta)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ferrors.NotFound("node", name)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// compile-time interface checks
var (
	_ SubscriptionLedger = (*PostgresLedger)(nil)
	_ NodeRegistry       = (*PostgresNodeRegistry)(nil)
	_ SubscriptionLedger = (*MemoryLedger)(nil)
	_ NodeRegistry       = (*MemoryNodeRegistry)(nil)
	_ RunGuard           = (*MemoryRunGuard)(nil)
	_ RunGuard           = (*RedisRunGuard)(nil)
)

