package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/deptrail/deptrail/pkg/errors"
	"github.com/deptrail/deptrail/pkg/model"
)

// =============================================================================
// Findings
// =============================================================================

// ReplaceFindings atomically swaps the project's findings for the result of a
// fresh analysis run.
func (s *Store) ReplaceFindings(ctx context.Context, projectUUID uuid.UUID, findings []model.Finding) error {
	const op = "storage.ReplaceFindings"

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.E(errors.KindInternal, op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM findings WHERE project_uuid = ?`, projectUUID.String()); err != nil {
		return errors.E(errors.KindInternal, op, err)
	}
	for _, f := range findings {
		recorded := f.RecordedAt
		if recorded.IsZero() {
			recorded = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO findings
				(project_uuid, component_uuid, vuln_id, source, severity, description, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, projectUUID.String(), f.ComponentUUID.String(), f.VulnID, f.Source,
			string(f.Severity), f.Description, recorded); err != nil {
			return errors.E(errors.KindInternal, op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.E(errors.KindInternal, op, err)
	}
	return nil
}

// FindingsByProject returns the project's current findings.
func (s *Store) FindingsByProject(ctx context.Context, projectUUID uuid.UUID) ([]model.Finding, error) {
	const op = "storage.FindingsByProject"

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT component_uuid, vuln_id, source, severity, description, recorded_at
		FROM findings WHERE project_uuid = ?
		ORDER BY vuln_id
	`, projectUUID.String())
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}
	defer rows.Close()

	var findings []model.Finding
	for rows.Next() {
		var f model.Finding
		var component, severity string
		if err := rows.Scan(&component, &f.VulnID, &f.Source, &severity, &f.Description, &f.RecordedAt); err != nil {
			return nil, errors.E(errors.KindInternal, op, err)
		}
		if f.ComponentUUID, err = uuid.Parse(component); err != nil {
			return nil, errors.E(errors.KindInternal, op, err)
		}
		f.Severity = model.Severity(severity)
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// DeleteFinding removes one finding, used when a VEX statement marks it as
// not applicable.
func (s *Store) DeleteFinding(ctx context.Context, projectUUID, componentUUID uuid.UUID, vulnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM findings
		WHERE project_uuid = ? AND component_uuid = ? AND vuln_id = ?
	`, projectUUID.String(), componentUUID.String(), vulnID)
	if err != nil {
		return errors.E(errors.KindInternal, "storage.DeleteFinding", err)
	}
	return nil
}

// =============================================================================
// Repository Metadata
// =============================================================================

// UpsertRepositoryMeta records the latest published version for a package.
func (s *Store) UpsertRepositoryMeta(ctx context.Context, meta *model.RepositoryMeta) error {
	const op = "storage.UpsertRepositoryMeta"

	s.mu.Lock()
	defer s.mu.Unlock()

	lastFetch := meta.LastFetch
	if lastFetch.IsZero() {
		lastFetch = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repository_meta
			(repository_type, namespace, name, latest_version, published_at, last_fetch)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository_type, namespace, name) DO UPDATE SET
			latest_version = excluded.latest_version,
			published_at = excluded.published_at,
			last_fetch = excluded.last_fetch
	`, meta.RepositoryType, meta.Namespace, meta.Name, meta.LatestVersion,
		nullableTime(meta.Published), lastFetch)
	if err != nil {
		return errors.E(errors.KindInternal, op, err)
	}
	return nil
}

// RepositoryMeta returns the stored metadata for a package, or nil when the
// package has never been fetched.
func (s *Store) RepositoryMeta(ctx context.Context, repositoryType, namespace, name string) (*model.RepositoryMeta, error) {
	const op = "storage.RepositoryMeta"

	s.mu.RLock()
	defer s.mu.RUnlock()

	var meta model.RepositoryMeta
	var published sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT repository_type, namespace, name, latest_version, published_at, last_fetch
		FROM repository_meta
		WHERE repository_type = ? AND namespace = ? AND name = ?
	`, repositoryType, namespace, name).Scan(
		&meta.RepositoryType, &meta.Namespace, &meta.Name,
		&meta.LatestVersion, &published, &meta.LastFetch)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}
	if published.Valid {
		meta.Published = published.Time
	}
	return &meta, nil
}

// =============================================================================
// Policy Violations
// =============================================================================

// ReplacePolicyViolations atomically swaps the project's violations for the
// result of a fresh policy evaluation.
func (s *Store) ReplacePolicyViolations(ctx context.Context, projectUUID uuid.UUID, violations []model.PolicyViolation) error {
	const op = "storage.ReplacePolicyViolations"

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.E(errors.KindInternal, op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM policy_violations WHERE project_uuid = ?`, projectUUID.String()); err != nil {
		return errors.E(errors.KindInternal, op, err)
	}
	for _, v := range violations {
		recorded := v.RecordedAt
		if recorded.IsZero() {
			recorded = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO policy_violations
				(project_uuid, component_uuid, rule_name, severity, detail, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, projectUUID.String(), v.ComponentUUID.String(), v.RuleName,
			string(v.Severity), v.Detail, recorded); err != nil {
			return errors.E(errors.KindInternal, op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.E(errors.KindInternal, op, err)
	}
	return nil
}

// PolicyViolationsByProject returns the project's current policy violations.
func (s *Store) PolicyViolationsByProject(ctx context.Context, projectUUID uuid.UUID) ([]model.PolicyViolation, error) {
	const op = "storage.PolicyViolationsByProject"

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT project_uuid, component_uuid, rule_name, severity, detail, recorded_at
		FROM policy_violations WHERE project_uuid = ?
		ORDER BY rule_name
	`, projectUUID.String())
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, err)
	}
	defer rows.Close()

	var violations []model.PolicyViolation
	for rows.Next() {
		var v model.PolicyViolation
		var project, component, severity string
		if err := rows.Scan(&project, &component, &v.RuleName, &severity, &v.Detail, &v.RecordedAt); err != nil {
			return nil, errors.E(errors.KindInternal, op, err)
		}
		if v.ProjectUUID, err = uuid.Parse(project); err != nil {
			return nil, errors.E(errors.KindInternal, op, err)
		}
		if v.ComponentUUID, err = uuid.Parse(component); err != nil {
			return nil, errors.E(errors.KindInternal, op, err)
		}
		v.Severity = model.Severity(severity)
		violations = append(violations, v)
	}
	return violations, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
