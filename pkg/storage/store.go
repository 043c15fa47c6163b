// Package storage provides the SQLite-backed catalog: projects, components,
// dependency edges, stored documents, findings, repository metadata, and
// policy violations. It is the durable side of the system; pkg/identity and
// pkg/depgraph consume it through narrow read interfaces.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/deptrail/deptrail/pkg/compress"
	"github.com/deptrail/deptrail/pkg/errors"
	"github.com/deptrail/deptrail/pkg/model"
)

// Config configures the store.
type Config struct {
	// DatabasePath is the SQLite database file. Default: deptrail.db in the
	// working directory. Use ":memory:" for tests.
	DatabasePath string

	// Compression selects the algorithm for stored document blobs.
	// Default: zstd
	Compression compress.Algorithm
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath: "deptrail.db",
		Compression:  compress.AlgorithmZSTD,
	}
}

// Store is the SQLite-backed catalog.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	cfg *Config

	compressor *compress.Compressor
}

// NewStore opens (creating if necessary) the catalog database.
func NewStore(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "deptrail.db"
	}
	if cfg.Compression == "" {
		cfg.Compression = compress.AlgorithmZSTD
	}

	if cfg.DatabasePath != ":memory:" {
		dir := filepath.Dir(cfg.DatabasePath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection sidesteps SQLITE_BUSY between the writer and
	// snapshot transactions; WAL keeps readers from blocking it.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000", // 64MB cache
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{
		db:         db,
		cfg:        cfg,
		compressor: compress.NewCompressor(cfg.Compression, compress.LevelDefault),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return s, nil
}

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		uuid TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		collection_logic TEXT NOT NULL DEFAULT 'NONE',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS components (
		uuid TEXT PRIMARY KEY,
		project_uuid TEXT NOT NULL,
		component_group TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		purl TEXT NOT NULL DEFAULT '',
		cpe TEXT NOT NULL DEFAULT '',
		swid_tag_id TEXT NOT NULL DEFAULT '',
		md5 TEXT NOT NULL DEFAULT '',
		sha1 TEXT NOT NULL DEFAULT '',
		sha256 TEXT NOT NULL DEFAULT '',
		sha384 TEXT NOT NULL DEFAULT '',
		sha512 TEXT NOT NULL DEFAULT '',
		license TEXT NOT NULL DEFAULT '',
		internal INTEGER NOT NULL DEFAULT 0,
		identity_key TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(project_uuid, identity_key),
		FOREIGN KEY (project_uuid) REFERENCES projects(uuid) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS dependency_edges (
		project_uuid TEXT NOT NULL,
		parent_uuid TEXT NOT NULL,
		child_uuid TEXT NOT NULL,
		UNIQUE(project_uuid, parent_uuid, child_uuid),
		FOREIGN KEY (project_uuid) REFERENCES projects(uuid) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		project_uuid TEXT NOT NULL,
		format TEXT NOT NULL,
		compression_algo TEXT NOT NULL DEFAULT 'zstd',
		data BLOB NOT NULL,
		original_size INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (project_uuid) REFERENCES projects(uuid) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS findings (
		project_uuid TEXT NOT NULL,
		component_uuid TEXT NOT NULL,
		vuln_id TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL DEFAULT 'unknown',
		description TEXT NOT NULL DEFAULT '',
		recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(component_uuid, vuln_id)
	);

	CREATE TABLE IF NOT EXISTS repository_meta (
		repository_type TEXT NOT NULL,
		namespace TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		latest_version TEXT NOT NULL DEFAULT '',
		published_at TIMESTAMP,
		last_fetch TIMESTAMP,
		UNIQUE(repository_type, namespace, name)
	);

	CREATE TABLE IF NOT EXISTS policy_violations (
		project_uuid TEXT NOT NULL,
		component_uuid TEXT NOT NULL,
		rule_name TEXT NOT NULL,
		severity TEXT NOT NULL DEFAULT 'unknown',
		detail TEXT NOT NULL DEFAULT '',
		recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(project_uuid, component_uuid, rule_name)
	);

	CREATE INDEX IF NOT EXISTS idx_components_project ON components(project_uuid);
	CREATE INDEX IF NOT EXISTS idx_components_purl ON components(purl);
	CREATE INDEX IF NOT EXISTS idx_components_cpe ON components(cpe);
	CREATE INDEX IF NOT EXISTS idx_components_swid ON components(swid_tag_id);
	CREATE INDEX IF NOT EXISTS idx_edges_project ON dependency_edges(project_uuid);
	CREATE INDEX IF NOT EXISTS idx_findings_project ON findings(project_uuid);
	CREATE INDEX IF NOT EXISTS idx_violations_project ON policy_violations(project_uuid);
	`

	_, err := s.db.Exec(schema)
	return err
}

// PingContext reports whether the database answers. Used by health probes.
func (s *Store) PingContext(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// =============================================================================
// Projects
// =============================================================================

// CreateProject inserts a project record.
func (s *Store) CreateProject(ctx context.Context, p *model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}
	if p.CollectionLogic == "" {
		p.CollectionLogic = model.CollectionNone
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (uuid, name, version, collection_logic, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.UUID.String(), p.Name, p.Version, string(p.CollectionLogic), p.CreatedAt)
	if err != nil {
		return errors.E(errors.KindInternal, "storage.CreateProject", err)
	}
	return nil
}

// Project returns a project by UUID, or a not-found error.
func (s *Store) Project(ctx context.Context, projectUUID uuid.UUID) (*model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p model.Project
	var id, logic string
	err := s.db.QueryRowContext(ctx, `
		SELECT uuid, name, version, collection_logic, created_at
		FROM projects WHERE uuid = ?
	`, projectUUID.String()).Scan(&id, &p.Name, &p.Version, &logic, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.ErrProjectNotFound
	}
	if err != nil {
		return nil, errors.E(errors.KindInternal, "storage.Project", err)
	}

	p.UUID, err = uuid.Parse(id)
	if err != nil {
		return nil, errors.E(errors.KindInternal, "storage.Project", err)
	}
	p.CollectionLogic = model.CollectionLogic(logic)
	return &p, nil
}

// =============================================================================
// Components
// =============================================================================

const componentColumns = `uuid, project_uuid, component_group, name, version,
	purl, cpe, swid_tag_id, md5, sha1, sha256, sha384, sha512,
	license, internal, created_at`

// CreateComponent inserts a component. A second component with the same
// identity under the same project violates the catalog's uniqueness
// constraint and returns ErrDuplicateComponent, which callers treat as a
// recoverable conflict (re-resolve and reuse the winner).
func (s *Store) CreateComponent(ctx context.Context, c *model.Component) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.UUID == uuid.Nil {
		c.UUID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO components (
			uuid, project_uuid, component_group, name, version,
			purl, cpe, swid_tag_id, md5, sha1, sha256, sha384, sha512,
			license, internal, identity_key, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.UUID.String(), c.ProjectUUID.String(), c.Group, c.Name, c.Version,
		c.PURL, c.CPE, c.SWIDTagID, c.MD5, c.SHA1, c.SHA256, c.SHA384, c.SHA512,
		c.License, boolToInt(c.Internal), c.IdentityKey(), c.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.ErrDuplicateComponent
		}
		return errors.E(errors.KindInternal, "storage.CreateComponent", err)
	}
	return nil
}

// Component returns a component by UUID, or a not-found error.
func (s *Store) Component(ctx context.Context, componentUUID uuid.UUID) (*model.Component, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+componentColumns+` FROM components WHERE uuid = ?`,
		componentUUID.String())
	c, err := scanComponent(row)
	if err == sql.ErrNoRows {
		return nil, errors.ErrComponentNotFound
	}
	if err != nil {
		return nil, errors.E(errors.KindInternal, "storage.Component", err)
	}
	return c, nil
}

// ComponentsByProject returns one page of a project's components.
func (s *Store) ComponentsByProject(ctx context.Context, projectUUID uuid.UUID, page model.Page) (*model.ComponentPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryComponents(ctx, s.db, "project_uuid = ?", []any{projectUUID.String()}, page)
}

// UpdateComponent rewrites a component's mutable fields, recomputing its
// identity key.
func (s *Store) UpdateComponent(ctx context.Context, c *model.Component) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE components SET
			component_group = ?, name = ?, version = ?,
			purl = ?, cpe = ?, swid_tag_id = ?,
			md5 = ?, sha1 = ?, sha256 = ?, sha384 = ?, sha512 = ?,
			license = ?, internal = ?, identity_key = ?
		WHERE uuid = ?
	`,
		c.Group, c.Name, c.Version,
		c.PURL, c.CPE, c.SWIDTagID,
		c.MD5, c.SHA1, c.SHA256, c.SHA384, c.SHA512,
		c.License, boolToInt(c.Internal), c.IdentityKey(),
		c.UUID.String(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.ErrDuplicateComponent
		}
		return errors.E(errors.KindInternal, "storage.UpdateComponent", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.E(errors.KindInternal, "storage.UpdateComponent", err)
	}
	if n == 0 {
		return errors.ErrComponentNotFound
	}
	return nil
}

// =============================================================================
// Dependency Edges
// =============================================================================

// ReplaceDependencyEdges atomically swaps the project's edge snapshot for the
// given set. An ingest writes the whole graph at once so readers never see a
// half-imported BOM.
func (s *Store) ReplaceDependencyEdges(ctx context.Context, projectUUID uuid.UUID, edges []model.DependencyEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.E(errors.KindInternal, "storage.ReplaceDependencyEdges", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM dependency_edges WHERE project_uuid = ?`,
		projectUUID.String()); err != nil {
		return errors.E(errors.KindInternal, "storage.ReplaceDependencyEdges", err)
	}
	for _, e := range edges {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO dependency_edges (project_uuid, parent_uuid, child_uuid)
			VALUES (?, ?, ?)
		`, projectUUID.String(), e.ParentUUID.String(), e.ChildUUID.String()); err != nil {
			return errors.E(errors.KindInternal, "storage.ReplaceDependencyEdges", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.E(errors.KindInternal, "storage.ReplaceDependencyEdges", err)
	}
	return nil
}

// DependencyEdges returns every edge of the project's BOM snapshot.
func (s *Store) DependencyEdges(ctx context.Context, projectUUID uuid.UUID) ([]model.DependencyEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT project_uuid, parent_uuid, child_uuid
		FROM dependency_edges WHERE project_uuid = ?
	`, projectUUID.String())
	if err != nil {
		return nil, errors.E(errors.KindInternal, "storage.DependencyEdges", err)
	}
	defer rows.Close()

	var edges []model.DependencyEdge
	for rows.Next() {
		var project, parent, child string
		if err := rows.Scan(&project, &parent, &child); err != nil {
			return nil, errors.E(errors.KindInternal, "storage.DependencyEdges", err)
		}
		edge, err := parseEdge(project, parent, child)
		if err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

func parseEdge(project, parent, child string) (model.DependencyEdge, error) {
	var edge model.DependencyEdge
	var err error
	if edge.ProjectUUID, err = uuid.Parse(project); err != nil {
		return edge, errors.E(errors.KindInternal, "storage.DependencyEdges", err)
	}
	if edge.ParentUUID, err = uuid.Parse(parent); err != nil {
		return edge, errors.E(errors.KindInternal, "storage.DependencyEdges", err)
	}
	if edge.ChildUUID, err = uuid.Parse(child); err != nil {
		return edge, errors.E(errors.KindInternal, "storage.DependencyEdges", err)
	}
	return edge, nil
}

// =============================================================================
// Scan Helpers
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComponent(row rowScanner) (*model.Component, error) {
	var c model.Component
	var id, project string
	var internal int
	err := row.Scan(
		&id, &project, &c.Group, &c.Name, &c.Version,
		&c.PURL, &c.CPE, &c.SWIDTagID, &c.MD5, &c.SHA1, &c.SHA256, &c.SHA384, &c.SHA512,
		&c.License, &internal, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if c.UUID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if c.ProjectUUID, err = uuid.Parse(project); err != nil {
		return nil, err
	}
	c.Internal = internal != 0
	return &c, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queryComponents runs a filtered, paginated component query plus its total
// count against q.
func queryComponents(ctx context.Context, q querier, where string, args []any, page model.Page) (*model.ComponentPage, error) {
	const op = "storage.queryComponents"
	page = page.Normalize()

	var total int64
	if err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM components WHERE `+where, args...,
	).Scan(&total); err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}

	pagedArgs := append(append([]any{}, args...), page.Size, page.Offset())
	rows, err := q.QueryContext(ctx,
		`SELECT `+componentColumns+` FROM components WHERE `+where+
			` ORDER BY component_group, name, version LIMIT ? OFFSET ?`,
		pagedArgs...)
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}
	defer rows.Close()

	result := &model.ComponentPage{Total: total}
	for rows.Next() {
		c, err := scanComponent(rows)
		if err != nil {
			return nil, errors.E(errors.KindInternal, op, err)
		}
		result.Items = append(result.Items, *c)
	}
	return result, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
