package identity

import (
	"context"

	"github.com/google/uuid"

	"github.com/deptrail/deptrail/pkg/model"
)

// Catalog is the read side of the component store consumed by the resolver.
// Snapshot pins a single consistent view of the catalog; component creation
// that happens while a snapshot is open must not change what the snapshot
// returns.
type Catalog interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Snapshot is one consistent read view of the catalog. Callers must Close it.
type Snapshot interface {
	// ComponentsByPURL returns components with an exactly matching package URL.
	ComponentsByPURL(ctx context.Context, purl string, project *uuid.UUID, page model.Page) (*model.ComponentPage, error)

	// ComponentsByCPE returns components with an exactly matching CPE.
	ComponentsByCPE(ctx context.Context, cpe string, project *uuid.UUID, page model.Page) (*model.ComponentPage, error)

	// ComponentsBySWID returns components with an exactly matching SWID tag id.
	ComponentsBySWID(ctx context.Context, swidTagID string, project *uuid.UUID, page model.Page) (*model.ComponentPage, error)

	// ComponentsByCoordinates matches on whatever subset of group/name/version
	// is non-nil; nil fields are wildcards.
	ComponentsByCoordinates(ctx context.Context, group, name, version *string, project *uuid.UUID, page model.Page) (*model.ComponentPage, error)

	// ComponentsByHash matches any stored hash column against the given value.
	ComponentsByHash(ctx context.Context, hash string, page model.Page) (*model.ComponentPage, error)

	Close() error
}

// Resolver matches identity descriptors against known components.
type Resolver struct {
	catalog Catalog
}

// NewResolver creates a resolver over the given catalog.
func NewResolver(catalog Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Resolve returns the components matching the descriptor, restricted to the
// given project when non-nil. Matching precedence: exact purl, exact CPE,
// exact SWID tag id, then coordinate subset; the first filter that yields a
// non-empty result wins. An all-null descriptor resolves to an empty page
// without touching the catalog.
func (r *Resolver) Resolve(ctx context.Context, d Descriptor, project *uuid.UUID, page model.Page) (*model.ComponentPage, error) {
	if d.Empty() {
		return &model.ComponentPage{Items: nil, Total: 0}, nil
	}

	snap, err := r.catalog.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	page = page.Normalize()

	if purl := d.PURLString(); purl != "" {
		result, err := snap.ComponentsByPURL(ctx, purl, project, page)
		if err != nil {
			return nil, err
		}
		if result.Total > 0 {
			return result, nil
		}
	}

	if d.CPE != "" {
		result, err := snap.ComponentsByCPE(ctx, d.CPE, project, page)
		if err != nil {
			return nil, err
		}
		if result.Total > 0 {
			return result, nil
		}
	}

	if d.SWIDTagID != "" {
		result, err := snap.ComponentsBySWID(ctx, d.SWIDTagID, project, page)
		if err != nil {
			return nil, err
		}
		if result.Total > 0 {
			return result, nil
		}
	}

	group, name, version := optional(d.Group), optional(d.Name), optional(d.Version)
	if group != nil || name != nil || version != nil {
		result, err := snap.ComponentsByCoordinates(ctx, group, name, version, project, page)
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	return &model.ComponentPage{Items: nil, Total: 0}, nil
}

// ResolveByHash returns components carrying the given hash in any of the
// stored hash columns. Hash lookups are portfolio-wide.
func (r *Resolver) ResolveByHash(ctx context.Context, hash string, page model.Page) (*model.ComponentPage, error) {
	if hash == "" {
		return &model.ComponentPage{Items: nil, Total: 0}, nil
	}

	snap, err := r.catalog.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	return snap.ComponentsByHash(ctx, hash, page.Normalize())
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
