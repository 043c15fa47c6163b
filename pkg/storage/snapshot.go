package storage

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"github.com/deptrail/deptrail/pkg/errors"
	"github.com/deptrail/deptrail/pkg/identity"
	"github.com/deptrail/deptrail/pkg/model"
)

// Snapshot opens a read transaction pinning one consistent view of the
// component catalog. Identity resolution runs all of its filter queries
// against the same snapshot so a create landing mid-resolve cannot produce a
// torn result. The transaction only ever reads; Close rolls it back.
func (s *Store) Snapshot(ctx context.Context) (identity.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.E(errors.KindInternal, "storage.Snapshot", err)
	}
	return &snapshot{tx: tx}, nil
}

type snapshot struct {
	tx *sql.Tx
}

func (sn *snapshot) ComponentsByPURL(ctx context.Context, purl string, project *uuid.UUID, page model.Page) (*model.ComponentPage, error) {
	where, args := scoped("purl = ?", []any{purl}, project)
	return queryComponents(ctx, sn.tx, where, args, page)
}

func (sn *snapshot) ComponentsByCPE(ctx context.Context, cpe string, project *uuid.UUID, page model.Page) (*model.ComponentPage, error) {
	where, args := scoped("cpe = ?", []any{cpe}, project)
	return queryComponents(ctx, sn.tx, where, args, page)
}

func (sn *snapshot) ComponentsBySWID(ctx context.Context, swidTagID string, project *uuid.UUID, page model.Page) (*model.ComponentPage, error) {
	where, args := scoped("swid_tag_id = ?", []any{swidTagID}, project)
	return queryComponents(ctx, sn.tx, where, args, page)
}

// ComponentsByCoordinates matches the non-nil subset of group/name/version;
// nil fields are wildcards.
func (sn *snapshot) ComponentsByCoordinates(ctx context.Context, group, name, version *string, project *uuid.UUID, page model.Page) (*model.ComponentPage, error) {
	var clauses []string
	var args []any
	if group != nil {
		clauses = append(clauses, "component_group = ?")
		args = append(args, *group)
	}
	if name != nil {
		clauses = append(clauses, "name = ?")
		args = append(args, *name)
	}
	if version != nil {
		clauses = append(clauses, "version = ?")
		args = append(args, *version)
	}
	if len(clauses) == 0 {
		// All-wildcard coordinates never mean "match everything".
		return &model.ComponentPage{}, nil
	}

	where, args := scoped(strings.Join(clauses, " AND "), args, project)
	return queryComponents(ctx, sn.tx, where, args, page)
}

func (sn *snapshot) ComponentsByHash(ctx context.Context, hash string, page model.Page) (*model.ComponentPage, error) {
	where := "(md5 = ? OR sha1 = ? OR sha256 = ? OR sha384 = ? OR sha512 = ?)"
	return queryComponents(ctx, sn.tx, where, []any{hash, hash, hash, hash, hash}, page)
}

func (sn *snapshot) Close() error {
	return sn.tx.Rollback()
}

// scoped appends the optional project restriction to a filter clause.
func scoped(where string, args []any, project *uuid.UUID) (string, []any) {
	if project == nil {
		return where, args
	}
	return where + " AND project_uuid = ?", append(args, project.String())
}
