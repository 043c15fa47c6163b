package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/deptrail/deptrail/pkg/analysis"
	"github.com/deptrail/deptrail/pkg/chain"
	"github.com/deptrail/deptrail/pkg/errors"
	"github.com/deptrail/deptrail/pkg/identity"
	"github.com/deptrail/deptrail/pkg/model"
	"github.com/deptrail/deptrail/pkg/policy"
	"github.com/deptrail/deptrail/pkg/repometa"
	"github.com/deptrail/deptrail/pkg/storage"
	"github.com/deptrail/deptrail/pkg/vuln"
)

const sampleBOM = `{
  "bomFormat": "CycloneDX",
  "specVersion": "1.5",
  "metadata": {
    "component": {"type": "application", "bom-ref": "root-app", "name": "shop"}
  },
  "components": [
    {
      "type": "library",
      "bom-ref": "ref-gson",
      "group": "com.google.code.gson",
      "name": "gson",
      "version": "2.10.1",
      "purl": "pkg:maven/com.google.code.gson/gson@2.10.1"
    }
  ],
  "dependencies": [
    {"ref": "root-app", "dependsOn": ["ref-gson"]}
  ]
}`

func newTestService(t *testing.T, auth Authorizer) (*Service, *storage.Store) {
	t.Helper()

	store, err := storage.NewStore(&storage.Config{DatabasePath: ":memory:"})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	policyEngine, err := policy.NewEngine(policy.DefaultPolicy())
	if err != nil {
		t.Fatalf("policy.NewEngine: %v", err)
	}

	tokens := chain.NewTokenStore(time.Hour)
	engine := chain.NewEngine(&chain.Config{Workers: 4}, tokens)

	stages := analysis.NewStages(analysis.Stages{
		Store:     store,
		Resolver:  identity.NewResolver(store),
		Analyzer:  vuln.NewAnalyzer(vuln.NewStaticCatalog(nil)),
		Refresher: repometa.NewRefresher(store, nil),
		Policy:    policyEngine,
	})
	stages.Register(engine)

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("engine.Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engine.Stop(ctx)
	})

	return New(Config{Store: store, Engine: engine, Authorizer: auth}), store
}

func createProject(t *testing.T, svc *Service, logic model.CollectionLogic) *model.Project {
	t.Helper()
	p := &model.Project{Name: "shop", Version: "1.0.0", CollectionLogic: logic}
	if err := svc.CreateProject(context.Background(), "tester", p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

func waitTerminal(t *testing.T, svc *Service, token uuid.UUID) chain.ChainInfo {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		info, err := svc.ChainStatus(context.Background(), token)
		if err != nil {
			t.Fatalf("ChainStatus: %v", err)
		}
		if info.Status.Terminal() {
			return info
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("chain did not reach a terminal status")
	return chain.ChainInfo{}
}

func TestSubmitBOM_EndToEnd(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, nil)
	project := createProject(t, svc, model.CollectionNone)

	token, err := svc.SubmitBOM(ctx, "tester", project.UUID, []byte(sampleBOM))
	if err != nil {
		t.Fatalf("SubmitBOM: %v", err)
	}
	if token == uuid.Nil {
		t.Fatal("expected a chain token")
	}

	info := waitTerminal(t, svc, token)
	if info.Status != chain.StatusCompleted {
		t.Fatalf("chain status = %s (%s: %s), want COMPLETED",
			info.Status, info.FailedKind, info.FailureDetail)
	}

	page, err := store.ComponentsByProject(ctx, project.UUID, model.Page{})
	if err != nil {
		t.Fatalf("ComponentsByProject: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("components = %d, want 1", page.Total)
	}
}

func TestSubmitBOM_CollectionProjectRejectedWithoutToken(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	project := createProject(t, svc, model.CollectionAggregate)

	token, err := svc.SubmitBOM(ctx, "tester", project.UUID, []byte(sampleBOM))
	if !errors.IsPolicyViolation(err) {
		t.Fatalf("err = %v, want policy violation", err)
	}
	if token != uuid.Nil {
		t.Fatal("no token may be issued for a rejected submission")
	}
}

func TestSubmitBOM_MalformedDocumentRejectedWithoutToken(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	project := createProject(t, svc, model.CollectionNone)

	token, err := svc.SubmitBOM(ctx, "tester", project.UUID, []byte("{broken"))
	if !errors.IsValidation(err) {
		t.Fatalf("err = %v, want validation", err)
	}
	if token != uuid.Nil {
		t.Fatal("no token may be issued for a rejected submission")
	}
}

func TestSubmitBOM_UnknownProject(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.SubmitBOM(context.Background(), "tester", uuid.New(), []byte(sampleBOM))
	if !errors.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}

type denyAll struct{}

func (denyAll) HasAccess(ctx context.Context, principal string, project uuid.UUID) (bool, error) {
	return false, nil
}

func TestSubmitBOM_ForbiddenBeforeNotFound(t *testing.T) {
	svc, _ := newTestService(t, denyAll{})

	// Even a nonexistent project yields forbidden for a denied principal.
	_, err := svc.SubmitBOM(context.Background(), "intruder", uuid.New(), []byte(sampleBOM))
	if !errors.IsForbidden(err) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestSubmitBOM_ConcurrentUploadsConverge(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, nil)
	project := createProject(t, svc, model.CollectionNone)

	var wg sync.WaitGroup
	tokens := make([]uuid.UUID, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = svc.SubmitBOM(ctx, "tester", project.UUID, []byte(sampleBOM))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Fatalf("SubmitBOM %d: %v", i, errs[i])
		}
		info := waitTerminal(t, svc, tokens[i])
		if info.Status != chain.StatusCompleted {
			t.Fatalf("chain %d status = %s (%s: %s), want COMPLETED",
				i, info.Status, info.FailedKind, info.FailureDetail)
		}
	}

	page, err := store.ComponentsByProject(ctx, project.UUID, model.Page{})
	if err != nil {
		t.Fatalf("ComponentsByProject: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("components after concurrent ingest = %d, want 1", page.Total)
	}
}

func TestSubmitVex_SuppressesAndCompletes(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, nil)
	project := createProject(t, svc, model.CollectionNone)

	token, err := svc.SubmitBOM(ctx, "tester", project.UUID, []byte(sampleBOM))
	if err != nil {
		t.Fatalf("SubmitBOM: %v", err)
	}
	waitTerminal(t, svc, token)

	page, err := store.ComponentsByProject(ctx, project.UUID, model.Page{})
	if err != nil {
		t.Fatalf("ComponentsByProject: %v", err)
	}
	finding := model.Finding{
		ComponentUUID: page.Items[0].UUID, VulnID: "CVE-2024-1000",
		Severity: model.SeverityHigh, Source: "NVD",
	}
	if err := store.ReplaceFindings(ctx, project.UUID, []model.Finding{finding}); err != nil {
		t.Fatalf("ReplaceFindings: %v", err)
	}

	vex := `{
  "bomFormat": "CycloneDX",
  "specVersion": "1.5",
  "vulnerabilities": [
    {
      "id": "CVE-2024-1000",
      "analysis": {"state": "not_affected"},
      "affects": [{"ref": "pkg:maven/com.google.code.gson/gson@2.10.1"}]
    }
  ]
}`
	token, err = svc.SubmitVex(ctx, "tester", project.UUID, []byte(vex))
	if err != nil {
		t.Fatalf("SubmitVex: %v", err)
	}
	info := waitTerminal(t, svc, token)
	if info.Status != chain.StatusCompleted {
		t.Fatalf("VEX chain status = %s (%s: %s)", info.Status, info.FailedKind, info.FailureDetail)
	}

	findings, err := store.FindingsByProject(ctx, project.UUID)
	if err != nil {
		t.Fatalf("FindingsByProject: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("findings after VEX = %d, want 0", len(findings))
	}
}

func TestCreateAndUpdateComponent_RunAnalysis(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, nil)
	project := createProject(t, svc, model.CollectionNone)

	c := &model.Component{
		ProjectUUID: project.UUID,
		Name:        "gson",
		Version:     "2.10.1",
		PURL:        "pkg:maven/com.google.code.gson/gson@2.10.1",
	}
	token, err := svc.CreateComponent(ctx, "tester", c)
	if err != nil {
		t.Fatalf("CreateComponent: %v", err)
	}
	if token == uuid.Nil {
		t.Fatal("expected an analysis chain token")
	}
	if info := waitTerminal(t, svc, token); info.Status != chain.StatusCompleted {
		t.Fatalf("create chain status = %s (%s: %s)", info.Status, info.FailedKind, info.FailureDetail)
	}

	c.License = "GPL-3.0-only"
	token, err = svc.UpdateComponent(ctx, "tester", c)
	if err != nil {
		t.Fatalf("UpdateComponent: %v", err)
	}
	if info := waitTerminal(t, svc, token); info.Status != chain.StatusCompleted {
		t.Fatalf("update chain status = %s (%s: %s)", info.Status, info.FailedKind, info.FailureDetail)
	}

	// The default policy flags copyleft licenses once evaluation re-runs.
	violations, err := store.PolicyViolationsByProject(ctx, project.UUID)
	if err != nil {
		t.Fatalf("PolicyViolationsByProject: %v", err)
	}
	found := false
	for _, v := range violations {
		if v.RuleName == "copyleft-license" && v.ComponentUUID == c.UUID {
			found = true
		}
	}
	if !found {
		t.Fatalf("copyleft-license violation missing from %+v", violations)
	}
}

func TestCreateComponent_CollectionRejected(t *testing.T) {
	svc, _ := newTestService(t, nil)
	project := createProject(t, svc, model.CollectionAggregateLatest)

	c := &model.Component{ProjectUUID: project.UUID, Name: "gson"}
	if _, err := svc.CreateComponent(context.Background(), "tester", c); !errors.IsPolicyViolation(err) {
		t.Fatalf("err = %v, want policy violation", err)
	}
}

func TestResolveIdentity_ScopedToProject(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil)
	project := createProject(t, svc, model.CollectionNone)

	token, err := svc.SubmitBOM(ctx, "tester", project.UUID, []byte(sampleBOM))
	if err != nil {
		t.Fatalf("SubmitBOM: %v", err)
	}
	waitTerminal(t, svc, token)

	page, err := svc.ResolveIdentity(ctx, "tester",
		identity.DescriptorInput{PURL: "pkg:maven/com.google.code.gson/gson@2.10.1"},
		&project.UUID, model.Page{})
	if err != nil {
		t.Fatalf("ResolveIdentity: %v", err)
	}
	if page.Total != 1 {
		t.Fatalf("matches = %d, want 1", page.Total)
	}

	other := uuid.New()
	if _, err := svc.ResolveIdentity(ctx, "tester",
		identity.DescriptorInput{PURL: "pkg:maven/com.google.code.gson/gson@2.10.1"},
		&other, model.Page{}); !errors.IsNotFound(err) {
		t.Fatalf("err = %v, want not found for unknown project", err)
	}
}

func TestExpandDependencyGraph_AfterIngest(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t, nil)
	project := createProject(t, svc, model.CollectionNone)

	token, err := svc.SubmitBOM(ctx, "tester", project.UUID, []byte(sampleBOM))
	if err != nil {
		t.Fatalf("SubmitBOM: %v", err)
	}
	waitTerminal(t, svc, token)

	page, err := store.ComponentsByProject(ctx, project.UUID, model.Page{})
	if err != nil {
		t.Fatalf("ComponentsByProject: %v", err)
	}
	target := page.Items[0].UUID

	results, err := svc.ExpandDependencyGraph(ctx, "tester", project.UUID, []uuid.UUID{target})
	if err != nil {
		t.Fatalf("ExpandDependencyGraph: %v", err)
	}
	res := results[target]
	if res.Err != nil {
		t.Fatalf("target result: %v", res.Err)
	}
	if res.Subgraph.Root != project.UUID || len(res.Subgraph.Edges) != 1 {
		t.Fatalf("subgraph = %+v", res.Subgraph)
	}
}

func TestChainStatus_UnknownToken(t *testing.T) {
	svc, _ := newTestService(t, nil)
	if _, err := svc.ChainStatus(context.Background(), uuid.New()); !errors.IsNotFound(err) {
		t.Fatalf("err = %v, want not found", err)
	}
}
