package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/deptrail/deptrail/pkg/errors"
	"github.com/deptrail/deptrail/pkg/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(&Config{DatabasePath: ":memory:"})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestProject(t *testing.T, s *Store) *model.Project {
	t.Helper()
	p := &model.Project{Name: "acme-app", Version: "1.0.0"}
	if err := s.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

func TestStore_ProjectRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := newTestProject(t, s)

	got, err := s.Project(ctx, p.UUID)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if got.Name != "acme-app" || got.Version != "1.0.0" {
		t.Fatalf("unexpected project: %+v", got)
	}
	if got.IsCollection() {
		t.Fatal("default project must not be a collection")
	}
}

func TestStore_ProjectNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Project(context.Background(), uuid.New())
	if !errors.IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestStore_DuplicateIdentityRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s)

	first := &model.Component{
		ProjectUUID: p.UUID,
		Name:        "foo",
		Version:     "1.0.0",
		PURL:        "pkg:npm/foo@1.0.0",
	}
	if err := s.CreateComponent(ctx, first); err != nil {
		t.Fatalf("CreateComponent: %v", err)
	}

	dup := &model.Component{
		ProjectUUID: p.UUID,
		Name:        "foo",
		Version:     "1.0.0",
		PURL:        "pkg:npm/foo@1.0.0",
	}
	err := s.CreateComponent(ctx, dup)
	if !errors.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestStore_ConcurrentDuplicateCreateLeavesOneRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s)

	const workers = 8
	results := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.CreateComponent(ctx, &model.Component{
				ProjectUUID: p.UUID,
				Name:        "foo",
				Version:     "1.0.0",
				PURL:        "pkg:npm/foo@1.0.0",
			})
		}(i)
	}
	wg.Wait()

	var created, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			created++
		case errors.IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if created != 1 || conflicts != workers-1 {
		t.Fatalf("created=%d conflicts=%d, want 1 and %d", created, conflicts, workers-1)
	}

	page, err := s.ComponentsByProject(ctx, p.UUID, model.Page{})
	if err != nil {
		t.Fatalf("ComponentsByProject: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("expected exactly one component record, got %d", page.Total)
	}
}

func TestStore_SameIdentityDifferentProjectsAllowed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p1 := newTestProject(t, s)
	p2 := &model.Project{Name: "other-app"}
	if err := s.CreateProject(ctx, p2); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	for _, project := range []uuid.UUID{p1.UUID, p2.UUID} {
		err := s.CreateComponent(ctx, &model.Component{
			ProjectUUID: project,
			Name:        "foo",
			PURL:        "pkg:npm/foo@1.0.0",
		})
		if err != nil {
			t.Fatalf("CreateComponent for project %s: %v", project, err)
		}
	}
}

func TestStore_ComponentsByProjectPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s)

	for _, name := range []string{"alpha", "bravo", "charlie"} {
		err := s.CreateComponent(ctx, &model.Component{
			ProjectUUID: p.UUID,
			Name:        name,
			PURL:        "pkg:npm/" + name + "@1.0.0",
		})
		if err != nil {
			t.Fatalf("CreateComponent %s: %v", name, err)
		}
	}

	page, err := s.ComponentsByProject(ctx, p.UUID, model.Page{Number: 2, Size: 2})
	if err != nil {
		t.Fatalf("ComponentsByProject: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("total = %d, want 3", page.Total)
	}
	if len(page.Items) != 1 || page.Items[0].Name != "charlie" {
		t.Fatalf("unexpected second page: %+v", page.Items)
	}
}

func TestStore_UpdateComponent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s)

	c := &model.Component{ProjectUUID: p.UUID, Name: "foo", PURL: "pkg:npm/foo@1.0.0"}
	if err := s.CreateComponent(ctx, c); err != nil {
		t.Fatalf("CreateComponent: %v", err)
	}

	c.Version = "1.0.1"
	c.PURL = "pkg:npm/foo@1.0.1"
	if err := s.UpdateComponent(ctx, c); err != nil {
		t.Fatalf("UpdateComponent: %v", err)
	}

	got, err := s.Component(ctx, c.UUID)
	if err != nil {
		t.Fatalf("Component: %v", err)
	}
	if got.PURL != "pkg:npm/foo@1.0.1" {
		t.Fatalf("update not persisted: %+v", got)
	}

	missing := &model.Component{UUID: uuid.New(), Name: "ghost"}
	if err := s.UpdateComponent(ctx, missing); !errors.IsNotFound(err) {
		t.Fatalf("expected not-found for missing component, got %v", err)
	}
}

func TestStore_SnapshotFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s)

	c := &model.Component{
		ProjectUUID: p.UUID,
		Group:       "org.acme",
		Name:        "lib",
		Version:     "2.0.0",
		PURL:        "pkg:maven/org.acme/lib@2.0.0",
		SHA256:      "abc123",
	}
	if err := s.CreateComponent(ctx, c); err != nil {
		t.Fatalf("CreateComponent: %v", err)
	}

	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	defer snap.Close()

	byPURL, err := snap.ComponentsByPURL(ctx, c.PURL, &p.UUID, model.Page{})
	if err != nil {
		t.Fatalf("ComponentsByPURL: %v", err)
	}
	if byPURL.Total != 1 {
		t.Fatalf("purl lookup total = %d, want 1", byPURL.Total)
	}

	name := "lib"
	byCoord, err := snap.ComponentsByCoordinates(ctx, nil, &name, nil, nil, model.Page{})
	if err != nil {
		t.Fatalf("ComponentsByCoordinates: %v", err)
	}
	if byCoord.Total != 1 {
		t.Fatalf("coordinate lookup total = %d, want 1", byCoord.Total)
	}

	allNil, err := snap.ComponentsByCoordinates(ctx, nil, nil, nil, nil, model.Page{})
	if err != nil {
		t.Fatalf("ComponentsByCoordinates all-nil: %v", err)
	}
	if allNil.Total != 0 {
		t.Fatal("all-wildcard coordinates must not match everything")
	}

	byHash, err := snap.ComponentsByHash(ctx, "abc123", model.Page{})
	if err != nil {
		t.Fatalf("ComponentsByHash: %v", err)
	}
	if byHash.Total != 1 {
		t.Fatalf("hash lookup total = %d, want 1", byHash.Total)
	}
}

func TestStore_ReplaceDependencyEdges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s)
	a, b := uuid.New(), uuid.New()

	first := []model.DependencyEdge{
		{ProjectUUID: p.UUID, ParentUUID: p.UUID, ChildUUID: a},
		{ProjectUUID: p.UUID, ParentUUID: a, ChildUUID: b},
	}
	if err := s.ReplaceDependencyEdges(ctx, p.UUID, first); err != nil {
		t.Fatalf("ReplaceDependencyEdges: %v", err)
	}

	edges, err := s.DependencyEdges(ctx, p.UUID)
	if err != nil {
		t.Fatalf("DependencyEdges: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(edges))
	}

	second := []model.DependencyEdge{
		{ProjectUUID: p.UUID, ParentUUID: p.UUID, ChildUUID: b},
	}
	if err := s.ReplaceDependencyEdges(ctx, p.UUID, second); err != nil {
		t.Fatalf("ReplaceDependencyEdges second: %v", err)
	}
	edges, err = s.DependencyEdges(ctx, p.UUID)
	if err != nil {
		t.Fatalf("DependencyEdges: %v", err)
	}
	if len(edges) != 1 || edges[0].ChildUUID != b {
		t.Fatalf("replace must swap the whole snapshot, got %+v", edges)
	}
}

func TestStore_DocumentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s)

	payload := []byte(`{"bomFormat":"CycloneDX","specVersion":"1.5","components":[]}`)
	id, err := s.SaveDocument(ctx, p.UUID, FormatBOM, payload)
	if err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	doc, err := s.Document(ctx, id)
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	if string(doc.Data) != string(payload) {
		t.Fatal("stored document does not round-trip")
	}
	if doc.Format != FormatBOM || doc.ProjectUUID != p.UUID {
		t.Fatalf("unexpected document record: %+v", doc)
	}

	if err := s.DeleteDocument(ctx, id); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if _, err := s.Document(ctx, id); !errors.IsNotFound(err) {
		t.Fatalf("deleted document must be not-found, got %v", err)
	}
}

func TestStore_FindingsReplace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s)
	component := uuid.New()

	first := []model.Finding{
		{ComponentUUID: component, VulnID: "CVE-2024-0001", Source: "kev", Severity: model.SeverityHigh},
		{ComponentUUID: component, VulnID: "CVE-2024-0002", Source: "kev", Severity: model.SeverityCritical},
	}
	if err := s.ReplaceFindings(ctx, p.UUID, first); err != nil {
		t.Fatalf("ReplaceFindings: %v", err)
	}

	if err := s.ReplaceFindings(ctx, p.UUID, first[:1]); err != nil {
		t.Fatalf("ReplaceFindings second: %v", err)
	}
	findings, err := s.FindingsByProject(ctx, p.UUID)
	if err != nil {
		t.Fatalf("FindingsByProject: %v", err)
	}
	if len(findings) != 1 || findings[0].VulnID != "CVE-2024-0001" {
		t.Fatalf("unexpected findings after replace: %+v", findings)
	}
}

func TestStore_RepositoryMetaUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	meta := &model.RepositoryMeta{
		RepositoryType: "github",
		Namespace:      "acme",
		Name:           "lib",
		LatestVersion:  "1.0.0",
	}
	if err := s.UpsertRepositoryMeta(ctx, meta); err != nil {
		t.Fatalf("UpsertRepositoryMeta: %v", err)
	}

	meta.LatestVersion = "1.1.0"
	if err := s.UpsertRepositoryMeta(ctx, meta); err != nil {
		t.Fatalf("UpsertRepositoryMeta update: %v", err)
	}

	got, err := s.RepositoryMeta(ctx, "github", "acme", "lib")
	if err != nil {
		t.Fatalf("RepositoryMeta: %v", err)
	}
	if got == nil || got.LatestVersion != "1.1.0" {
		t.Fatalf("upsert did not update: %+v", got)
	}

	missing, err := s.RepositoryMeta(ctx, "github", "acme", "unknown")
	if err != nil {
		t.Fatalf("RepositoryMeta missing: %v", err)
	}
	if missing != nil {
		t.Fatal("never-fetched package must return nil")
	}
}

func TestStore_PolicyViolationsReplace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := newTestProject(t, s)
	component := uuid.New()

	violations := []model.PolicyViolation{
		{ProjectUUID: p.UUID, ComponentUUID: component, RuleName: "no-critical-vulns", Severity: model.SeverityCritical, Detail: "CVE-2024-0001"},
	}
	if err := s.ReplacePolicyViolations(ctx, p.UUID, violations); err != nil {
		t.Fatalf("ReplacePolicyViolations: %v", err)
	}

	got, err := s.PolicyViolationsByProject(ctx, p.UUID)
	if err != nil {
		t.Fatalf("PolicyViolationsByProject: %v", err)
	}
	if len(got) != 1 || got[0].RuleName != "no-critical-vulns" {
		t.Fatalf("unexpected violations: %+v", got)
	}

	if err := s.ReplacePolicyViolations(ctx, p.UUID, nil); err != nil {
		t.Fatalf("ReplacePolicyViolations clear: %v", err)
	}
	got, err = s.PolicyViolationsByProject(ctx, p.UUID)
	if err != nil {
		t.Fatalf("PolicyViolationsByProject after clear: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("violations must be cleared, got %+v", got)
	}
}
