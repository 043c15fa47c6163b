package identity

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/deptrail/deptrail/pkg/model"
)

// fakeSnapshot records which filters were consulted and serves canned pages.
type fakeSnapshot struct {
	byPURL  map[string][]model.Component
	byCPE   map[string][]model.Component
	bySWID  map[string][]model.Component
	byCoord []model.Component
	byHash  map[string][]model.Component

	calls  []string
	closed bool
}

type fakeCatalog struct {
	snap      *fakeSnapshot
	snapshots int
}

func (c *fakeCatalog) Snapshot(ctx context.Context) (Snapshot, error) {
	c.snapshots++
	return c.snap, nil
}

func page(items []model.Component) *model.ComponentPage {
	return &model.ComponentPage{Items: items, Total: int64(len(items))}
}

func (s *fakeSnapshot) ComponentsByPURL(ctx context.Context, purl string, project *uuid.UUID, p model.Page) (*model.ComponentPage, error) {
	s.calls = append(s.calls, "purl")
	return page(scoped(s.byPURL[purl], project)), nil
}

func (s *fakeSnapshot) ComponentsByCPE(ctx context.Context, cpe string, project *uuid.UUID, p model.Page) (*model.ComponentPage, error) {
	s.calls = append(s.calls, "cpe")
	return page(scoped(s.byCPE[cpe], project)), nil
}

func (s *fakeSnapshot) ComponentsBySWID(ctx context.Context, swid string, project *uuid.UUID, p model.Page) (*model.ComponentPage, error) {
	s.calls = append(s.calls, "swid")
	return page(scoped(s.bySWID[swid], project)), nil
}

func (s *fakeSnapshot) ComponentsByCoordinates(ctx context.Context, group, name, version *string, project *uuid.UUID, p model.Page) (*model.ComponentPage, error) {
	s.calls = append(s.calls, "coord")
	var out []model.Component
	for _, c := range scoped(s.byCoord, project) {
		if group != nil && c.Group != *group {
			continue
		}
		if name != nil && c.Name != *name {
			continue
		}
		if version != nil && c.Version != *version {
			continue
		}
		out = append(out, c)
	}
	return page(out), nil
}

func (s *fakeSnapshot) ComponentsByHash(ctx context.Context, hash string, p model.Page) (*model.ComponentPage, error) {
	s.calls = append(s.calls, "hash")
	return page(s.byHash[hash]), nil
}

func (s *fakeSnapshot) Close() error {
	s.closed = true
	return nil
}

func scoped(in []model.Component, project *uuid.UUID) []model.Component {
	if project == nil {
		return in
	}
	var out []model.Component
	for _, c := range in {
		if c.ProjectUUID == *project {
			out = append(out, c)
		}
	}
	return out
}

func component(name string) model.Component {
	return model.Component{UUID: uuid.New(), ProjectUUID: uuid.New(), Name: name}
}

func TestResolve_AllNullDescriptorIsEmpty(t *testing.T) {
	catalog := &fakeCatalog{snap: &fakeSnapshot{}}
	r := NewResolver(catalog)

	result, err := r.Resolve(context.Background(), Descriptor{}, nil, model.Page{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Total != 0 || len(result.Items) != 0 {
		t.Fatalf("all-null descriptor must resolve to empty, got %d items", len(result.Items))
	}
	if catalog.snapshots != 0 {
		t.Fatal("all-null descriptor must not open a catalog snapshot")
	}
}

func TestResolve_PURLWinsAndIgnoresCoordinates(t *testing.T) {
	want := component("left-pad")
	snap := &fakeSnapshot{byPURL: map[string][]model.Component{
		"pkg:npm/left-pad@1.3.0": {want},
	}}
	r := NewResolver(&fakeCatalog{snap: snap})

	// Coordinate fields deliberately mismatch the stored component; the purl
	// filter must win without consulting them.
	d, dropped := NewDescriptor(DescriptorInput{
		PURL:    "pkg:npm/left-pad@1.3.0",
		Group:   "completely",
		Name:    "wrong",
		Version: "0.0.0",
	})
	if dropped {
		t.Fatal("valid purl reported as dropped")
	}

	result, err := r.Resolve(context.Background(), d, nil, model.Page{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Total != 1 || result.Items[0].UUID != want.UUID {
		t.Fatalf("expected the purl match, got %+v", result)
	}
	if len(snap.calls) != 1 || snap.calls[0] != "purl" {
		t.Fatalf("expected only the purl filter to run, got %v", snap.calls)
	}
	if !snap.closed {
		t.Fatal("snapshot was not closed")
	}
}

func TestResolve_PrecedenceFallsThrough(t *testing.T) {
	want := component("openssl")
	snap := &fakeSnapshot{
		byCPE: map[string][]model.Component{
			"cpe:2.3:a:openssl:openssl:1.1.1:*:*:*:*:*:*:*": {want},
		},
	}
	r := NewResolver(&fakeCatalog{snap: snap})

	d, _ := NewDescriptor(DescriptorInput{
		PURL: "pkg:generic/openssl@1.1.1",
		CPE:  "cpe:2.3:a:openssl:openssl:1.1.1:*:*:*:*:*:*:*",
	})

	result, err := r.Resolve(context.Background(), d, nil, model.Page{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Total != 1 || result.Items[0].UUID != want.UUID {
		t.Fatalf("expected the cpe match after empty purl result, got %+v", result)
	}
	if len(snap.calls) != 2 || snap.calls[0] != "purl" || snap.calls[1] != "cpe" {
		t.Fatalf("expected purl then cpe, got %v", snap.calls)
	}
}

func TestResolve_CoordinateSubsetWildcards(t *testing.T) {
	a := model.Component{UUID: uuid.New(), Group: "org.apache", Name: "commons-io", Version: "2.11.0"}
	b := model.Component{UUID: uuid.New(), Group: "org.apache", Name: "commons-io", Version: "2.15.1"}
	snap := &fakeSnapshot{byCoord: []model.Component{a, b}}
	r := NewResolver(&fakeCatalog{snap: snap})

	// Version omitted: both versions must match.
	d, _ := NewDescriptor(DescriptorInput{Group: "org.apache", Name: "commons-io"})
	result, err := r.Resolve(context.Background(), d, nil, model.Page{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Total != 2 {
		t.Fatalf("expected both versions with version wildcard, got %d", result.Total)
	}

	// All three supplied: exactly one match.
	d, _ = NewDescriptor(DescriptorInput{Group: "org.apache", Name: "commons-io", Version: "2.15.1"})
	result, err = r.Resolve(context.Background(), d, nil, model.Page{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Total != 1 || result.Items[0].UUID != b.UUID {
		t.Fatalf("expected only 2.15.1, got %+v", result)
	}
}

func TestResolve_MalformedPURLDegradesToCoordinates(t *testing.T) {
	want := model.Component{UUID: uuid.New(), Name: "left-pad", Version: "1.3.0"}
	snap := &fakeSnapshot{byCoord: []model.Component{want}}
	r := NewResolver(&fakeCatalog{snap: snap})

	d, dropped := NewDescriptor(DescriptorInput{
		PURL:    "not a purl at all",
		Name:    "left-pad",
		Version: "1.3.0",
	})
	if !dropped {
		t.Fatal("malformed purl should be reported as dropped")
	}
	if d.PURL != nil {
		t.Fatal("malformed purl must be treated as absent")
	}

	result, err := r.Resolve(context.Background(), d, nil, model.Page{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Total != 1 || result.Items[0].UUID != want.UUID {
		t.Fatalf("expected coordinate fallback match, got %+v", result)
	}
	for _, call := range snap.calls {
		if call == "purl" {
			t.Fatal("purl filter must not run for a dropped purl")
		}
	}
}

func TestResolve_ProjectScope(t *testing.T) {
	projectA := uuid.New()
	inA := model.Component{UUID: uuid.New(), ProjectUUID: projectA, Name: "zlib", PURL: "pkg:generic/zlib@1.3"}
	inB := model.Component{UUID: uuid.New(), ProjectUUID: uuid.New(), Name: "zlib", PURL: "pkg:generic/zlib@1.3"}
	snap := &fakeSnapshot{byPURL: map[string][]model.Component{
		"pkg:generic/zlib@1.3": {inA, inB},
	}}
	r := NewResolver(&fakeCatalog{snap: snap})

	d, _ := NewDescriptor(DescriptorInput{PURL: "pkg:generic/zlib@1.3"})

	portfolio, err := r.Resolve(context.Background(), d, nil, model.Page{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if portfolio.Total != 2 {
		t.Fatalf("portfolio-wide resolve should see both, got %d", portfolio.Total)
	}

	scoped, err := r.Resolve(context.Background(), d, &projectA, model.Page{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if scoped.Total != 1 || scoped.Items[0].UUID != inA.UUID {
		t.Fatalf("project-scoped resolve should see only project A's component, got %+v", scoped)
	}
}

func TestResolveByHash(t *testing.T) {
	want := component("busybox")
	snap := &fakeSnapshot{byHash: map[string][]model.Component{
		"deadbeef": {want},
	}}
	r := NewResolver(&fakeCatalog{snap: snap})

	result, err := r.ResolveByHash(context.Background(), "deadbeef", model.Page{})
	if err != nil {
		t.Fatalf("ResolveByHash: %v", err)
	}
	if result.Total != 1 || result.Items[0].UUID != want.UUID {
		t.Fatalf("expected hash match, got %+v", result)
	}

	empty, err := r.ResolveByHash(context.Background(), "", model.Page{})
	if err != nil {
		t.Fatalf("ResolveByHash: %v", err)
	}
	if empty.Total != 0 {
		t.Fatal("empty hash must resolve to empty result")
	}
}
