// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/perdiem/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("record already exists with different content")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveEstimate stores an estimate with tenant isolation.
func (r *SQLRepository) SaveEstimate(ctx context.Context, tenantID string, est *domain.Estimate) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if est == nil || est.ID == "" {
		return fmt.Errorf("%w: estimate id is required", ErrInvalidInput)
	}

	contributions, _ := json.Marshal(est.Contributions)
	adjustments, _ := json.Marshal(est.Adjustments)
	metadata, _ := json.Marshal(est.Metadata)

	query := `
		INSERT INTO estimates (
			id, tenant_id, days, miles, receipts, amount, regime, path,
			policy_version, timestamp, contributions, adjustments, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		est.ID, tenantID,
		est.Trip.Days, est.Trip.Miles, est.Trip.Receipts,
		est.Amount, string(est.Regime), string(est.Path),
		est.Metadata.PolicyVersion, est.Timestamp.UTC(),
		string(contributions), string(adjustments), string(metadata),
	)
	return err
}

const estimateColumns = `
	id, tenant_id, days, miles, receipts, amount, regime, path,
	timestamp, contributions, adjustments, metadata
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEstimate(row rowScanner) (*domain.Estimate, error) {
	var est domain.Estimate
	var regime, path string
	var contributions, adjustments sql.NullString
	var metadata string

	if err := row.Scan(
		&est.ID, &est.TenantID,
		&est.Trip.Days, &est.Trip.Miles, &est.Trip.Receipts,
		&est.Amount, &regime, &path,
		&est.Timestamp, &contributions, &adjustments, &metadata,
	); err != nil {
		return nil, err
	}

	est.Regime = domain.Regime(regime)
	est.Path = domain.Path(path)
	if contributions.Valid && contributions.String != "" {
		json.Unmarshal([]byte(contributions.String), &est.Contributions)
	}
	if adjustments.Valid && adjustments.String != "" {
		json.Unmarshal([]byte(adjustments.String), &est.Adjustments)
	}
	if metadata != "" {
		json.Unmarshal([]byte(metadata), &est.Metadata)
	}
	return &est, nil
}

// GetEstimate retrieves an estimate by ID with tenant isolation.
func (r *SQLRepository) GetEstimate(ctx context.Context, tenantID string, estimateID string) (*domain.Estimate, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT ` + estimateColumns + ` FROM estimates WHERE tenant_id = ? AND id = ?`

	est, err := scanEstimate(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, estimateID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return est, nil
}

// ListEstimates returns the most recent estimates for a tenant.
func (r *SQLRepository) ListEstimates(ctx context.Context, tenantID string, limit int) ([]*domain.Estimate, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT ` + estimateColumns + `
		FROM estimates
		WHERE tenant_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var estimates []*domain.Estimate
	for rows.Next() {
		est, err := scanEstimate(rows)
		if err != nil {
			return nil, err
		}
		estimates = append(estimates, est)
	}

	return estimates, rows.Err()
}

// PurgeEstimates deletes estimates older than before across all tenants.
func (r *SQLRepository) PurgeEstimates(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM estimates WHERE timestamp < ?`), before.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// SavePolicy stores a policy document. Saving the same version twice is a
// no-op when the content matches and ErrConflict otherwise.
func (r *SQLRepository) SavePolicy(ctx context.Context, doc *domain.PolicyDocument) error {
	if doc == nil || doc.Version == "" {
		return fmt.Errorf("%w: policy version is required", ErrInvalidInput)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO policies (version, description, body, checksum, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(version) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		doc.Version, doc.Description, doc.Body, doc.Checksum, doc.CreatedAt.UTC(),
	)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	existing, err := r.GetPolicy(ctx, doc.Version)
	if err != nil {
		return err
	}
	if existing.Checksum != doc.Checksum {
		return fmt.Errorf("%w: policy %s", ErrConflict, doc.Version)
	}
	return nil
}

// GetPolicy retrieves a policy document by version.
func (r *SQLRepository) GetPolicy(ctx context.Context, version string) (*domain.PolicyDocument, error) {
	query := `
		SELECT version, description, body, checksum, created_at
		FROM policies
		WHERE version = ?
	`

	var doc domain.PolicyDocument
	var description sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), version).Scan(
		&doc.Version, &description, &doc.Body, &doc.Checksum, &doc.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	doc.Description = description.String
	return &doc, nil
}

// ListPolicies returns every stored policy document, newest first, without bodies.
func (r *SQLRepository) ListPolicies(ctx context.Context) ([]*domain.PolicyDocument, error) {
	query := `
		SELECT version, description, checksum, created_at
		FROM policies
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*domain.PolicyDocument
	for rows.Next() {
		var doc domain.PolicyDocument
		var description sql.NullString

		if err := rows.Scan(&doc.Version, &description, &doc.Checksum, &doc.CreatedAt); err != nil {
			return nil, err
		}
		doc.Description = description.String
		docs = append(docs, &doc)
	}

	return docs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
