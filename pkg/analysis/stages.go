// Package analysis implements the chain unit handlers: BOM and VEX ingest,
// vulnerability analysis, repository metadata refresh, and policy evaluation.
// Each handler is one stage; the service layer decides how stages are wired
// into chains.
package analysis

import (
	"context"
	"io"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/deptrail/deptrail/pkg/bom"
	"github.com/deptrail/deptrail/pkg/chain"
	"github.com/deptrail/deptrail/pkg/errors"
	"github.com/deptrail/deptrail/pkg/identity"
	"github.com/deptrail/deptrail/pkg/model"
	"github.com/deptrail/deptrail/pkg/policy"
	"github.com/deptrail/deptrail/pkg/repometa"
	"github.com/deptrail/deptrail/pkg/storage"
	"github.com/deptrail/deptrail/pkg/vuln"
)

// maxCreateRetries bounds the resolve-create loop when concurrent ingests
// race to create the same component identity.
const maxCreateRetries = 3

// componentPageSize is the batch size used when walking a project's full
// component list.
const componentPageSize = 500

// Stages holds the dependencies the unit handlers operate on.
type Stages struct {
	Store     *storage.Store
	Resolver  *identity.Resolver
	Analyzer  *vuln.Analyzer
	Refresher *repometa.Refresher
	Policy    *policy.Engine
	Logger    *log.Logger
}

// NewStages backfills a discard logger when none is given.
func NewStages(s Stages) *Stages {
	if s.Logger == nil {
		s.Logger = log.New(io.Discard)
	}
	return &s
}

// Register installs one handler per chain kind on the engine.
func (s *Stages) Register(e *chain.Engine) {
	e.Register(chain.KindBOMProcess, s.BOMProcess)
	e.Register(chain.KindVexProcess, s.VexProcess)
	e.Register(chain.KindVulnAnalysis, s.VulnAnalysis)
	e.Register(chain.KindRepoMeta, s.RepoMeta)
	e.Register(chain.KindPolicyEval, s.PolicyEval)
	e.Register(chain.KindFailureNotice, s.FailureNotice)
}

// =============================================================================
// BOM Ingest
// =============================================================================

// BOMProcess loads the stored upload named by the unit payload, parses it,
// resolves or creates every component it names, and replaces the project's
// dependency edges with the document's graph. The stored document is deleted
// once ingested.
func (s *Stages) BOMProcess(ctx context.Context, u *chain.Unit) chain.Result {
	project, doc, res := s.loadDocument(ctx, u)
	if doc == nil {
		return res
	}

	parsed, err := bom.Parse(doc.Data)
	if err != nil {
		return chain.Failure("parse BOM: %v", err)
	}

	// BOM ref to catalog UUID, built as components resolve.
	refs := make(map[string]uuid.UUID, len(parsed.Components))
	for _, in := range parsed.Components {
		id, err := s.resolveOrCreate(ctx, project, in)
		if err != nil {
			return chain.Failure("ingest component %q: %v", in.Name, err)
		}
		if in.BOMRef != "" {
			refs[in.BOMRef] = id
		}
	}

	edges := s.buildEdges(project, parsed, refs)
	if err := s.Store.ReplaceDependencyEdges(ctx, project, edges); err != nil {
		return chain.Failure("store dependency edges: %v", err)
	}

	if err := s.Store.DeleteDocument(ctx, doc.ID); err != nil {
		s.Logger.Warn("delete ingested document", "document", doc.ID, "err", err)
	}

	s.Logger.Info("BOM ingested",
		"project", project,
		"components", len(parsed.Components),
		"edges", len(edges))
	return chain.Success()
}

// resolveOrCreate returns the UUID of the catalog component matching the
// input's identity, creating it when absent. A create that loses a duplicate
// race re-resolves to pick up the winner's record.
func (s *Stages) resolveOrCreate(ctx context.Context, project uuid.UUID, in bom.ComponentInput) (uuid.UUID, error) {
	d, dropped := identity.NewDescriptor(identity.DescriptorInput{
		PURL:      in.PURL,
		CPE:       in.CPE,
		SWIDTagID: in.SWIDTagID,
		Group:     in.Group,
		Name:      in.Name,
		Version:   in.Version,
	})
	if dropped {
		s.Logger.Warn("discarding malformed purl", "purl", in.PURL, "component", in.Name)
	}

	for attempt := 0; attempt < maxCreateRetries; attempt++ {
		page, err := s.Resolver.Resolve(ctx, d, &project, model.Page{Size: 1})
		if err != nil {
			return uuid.Nil, err
		}
		if page.Total > 0 {
			return page.Items[0].UUID, nil
		}

		c := &model.Component{
			ProjectUUID: project,
			Group:       in.Group,
			Name:        in.Name,
			Version:     in.Version,
			PURL:        d.PURLString(),
			CPE:         in.CPE,
			SWIDTagID:   in.SWIDTagID,
			MD5:         in.MD5,
			SHA1:        in.SHA1,
			SHA256:      in.SHA256,
			SHA384:      in.SHA384,
			SHA512:      in.SHA512,
			License:     in.License,
		}
		err = s.Store.CreateComponent(ctx, c)
		if err == nil {
			return c.UUID, nil
		}
		if !errors.IsConflict(err) {
			return uuid.Nil, err
		}
		// Lost the creation race; loop to resolve the winner's record.
	}
	return uuid.Nil, errors.E(errors.KindConflict, "analysis.resolveOrCreate",
		"component creation kept conflicting")
}

// buildEdges maps the document's ref-based dependency relations onto catalog
// UUIDs. The document root maps to the project UUID so the root components
// hang directly off the project; relations naming unknown refs are dropped.
func (s *Stages) buildEdges(project uuid.UUID, parsed *bom.Document, refs map[string]uuid.UUID) []model.DependencyEdge {
	var edges []model.DependencyEdge
	for _, dep := range parsed.Dependencies {
		parent, ok := refs[dep.Ref]
		if !ok {
			if dep.Ref != parsed.RootRef {
				s.Logger.Warn("dependency relation names unknown ref", "ref", dep.Ref)
				continue
			}
			parent = project
		}
		for _, childRef := range dep.DependsOn {
			child, ok := refs[childRef]
			if !ok {
				s.Logger.Warn("dependency relation names unknown ref", "ref", childRef)
				continue
			}
			edges = append(edges, model.DependencyEdge{
				ProjectUUID: project,
				ParentUUID:  parent,
				ChildUUID:   child,
			})
		}
	}
	return edges
}

// =============================================================================
// VEX Ingest
// =============================================================================

// suppressingStates are the VEX analysis states that retract a finding.
var suppressingStates = map[string]bool{
	"not_affected":   true,
	"false_positive": true,
	"resolved":       true,
}

// VexProcess applies the analysis statements of a stored VEX document to the
// project's findings. Statements with a suppressing state remove the named
// finding from every affected component; other states are kept as-is since
// the next analysis run re-records them anyway.
func (s *Stages) VexProcess(ctx context.Context, u *chain.Unit) chain.Result {
	project, doc, res := s.loadDocument(ctx, u)
	if doc == nil {
		return res
	}

	parsed, err := bom.Parse(doc.Data)
	if err != nil {
		return chain.Failure("parse VEX: %v", err)
	}

	suppressed := 0
	for _, v := range parsed.Vulnerabilities {
		if !suppressingStates[v.State] {
			continue
		}
		for _, ref := range v.Affects {
			d, _ := identity.NewDescriptor(identity.DescriptorInput{PURL: ref})
			page, err := s.Resolver.Resolve(ctx, d, &project, model.Page{Size: componentPageSize})
			if err != nil {
				return chain.Failure("resolve VEX subject %q: %v", ref, err)
			}
			for _, c := range page.Items {
				if err := s.Store.DeleteFinding(ctx, project, c.UUID, v.ID); err != nil {
					return chain.Failure("suppress finding %s: %v", v.ID, err)
				}
				suppressed++
			}
		}
	}

	if err := s.Store.DeleteDocument(ctx, doc.ID); err != nil {
		s.Logger.Warn("delete ingested document", "document", doc.ID, "err", err)
	}

	s.Logger.Info("VEX applied",
		"project", project,
		"statements", len(parsed.Vulnerabilities),
		"suppressed", suppressed)
	return chain.Success()
}

// =============================================================================
// Analysis Stages
// =============================================================================

// VulnAnalysis matches every component of the target project against the
// advisory catalog and replaces the project's findings with the result.
func (s *Stages) VulnAnalysis(ctx context.Context, u *chain.Unit) chain.Result {
	project, components, res := s.loadComponents(ctx, u)
	if res.Outcome == chain.OutcomeFailure {
		return res
	}

	findings, err := s.Analyzer.Analyze(ctx, components)
	if err != nil {
		return chain.Failure("analyze components: %v", err)
	}
	if err := s.Store.ReplaceFindings(ctx, project, findings); err != nil {
		return chain.Failure("store findings: %v", err)
	}

	s.Logger.Info("vulnerability analysis complete",
		"project", project,
		"components", len(components),
		"findings", len(findings))
	return chain.Success()
}

// RepoMeta refreshes the latest-version metadata for the target project's
// components. Individual fetch failures are soft; the stage only fails when
// the store does.
func (s *Stages) RepoMeta(ctx context.Context, u *chain.Unit) chain.Result {
	project, components, res := s.loadComponents(ctx, u)
	if res.Outcome == chain.OutcomeFailure {
		return res
	}

	if err := s.Refresher.Refresh(ctx, components); err != nil {
		return chain.Failure("refresh repository metadata: %v", err)
	}

	s.Logger.Debug("repository metadata refreshed", "project", project)
	return chain.Success()
}

// PolicyEval evaluates the configured policy against the target project's
// components and current findings, replacing the project's violations.
func (s *Stages) PolicyEval(ctx context.Context, u *chain.Unit) chain.Result {
	project, components, res := s.loadComponents(ctx, u)
	if res.Outcome == chain.OutcomeFailure {
		return res
	}

	findings, err := s.Store.FindingsByProject(ctx, project)
	if err != nil {
		return chain.Failure("load findings: %v", err)
	}

	violations := s.Policy.Evaluate(project, components, findings)
	if err := s.Store.ReplacePolicyViolations(ctx, project, violations); err != nil {
		return chain.Failure("store policy violations: %v", err)
	}

	s.Logger.Info("policy evaluated",
		"project", project,
		"rules", s.Policy.RuleCount(),
		"violations", len(violations))
	return chain.Success()
}

// FailureNotice records that an upstream ingest stage failed. It exists so a
// chain whose document never parsed still completes with an operator-visible
// trace instead of silently failing.
func (s *Stages) FailureNotice(ctx context.Context, u *chain.Unit) chain.Result {
	s.Logger.Warn("ingest stage failed for project", "project", u.Target)
	return chain.Success()
}

// =============================================================================
// Helpers
// =============================================================================

// loadDocument parses the unit's target and payload and loads the stored
// document. A nil document means the returned result should be reported.
func (s *Stages) loadDocument(ctx context.Context, u *chain.Unit) (uuid.UUID, *storage.Document, chain.Result) {
	project, err := uuid.Parse(u.Target)
	if err != nil {
		return uuid.Nil, nil, chain.Failure("unit target is not a project UUID: %v", err)
	}
	docID, err := uuid.Parse(string(u.Payload))
	if err != nil {
		return uuid.Nil, nil, chain.Failure("unit payload is not a document ID: %v", err)
	}
	doc, err := s.Store.Document(ctx, docID)
	if err != nil {
		return uuid.Nil, nil, chain.Failure("load document %s: %v", docID, err)
	}
	return project, doc, chain.Success()
}

// loadComponents parses the unit's target and walks the project's full
// component list in pages.
func (s *Stages) loadComponents(ctx context.Context, u *chain.Unit) (uuid.UUID, []model.Component, chain.Result) {
	project, err := uuid.Parse(u.Target)
	if err != nil {
		return uuid.Nil, nil, chain.Failure("unit target is not a project UUID: %v", err)
	}

	var all []model.Component
	page := model.Page{Number: 1, Size: componentPageSize}
	for {
		cp, err := s.Store.ComponentsByProject(ctx, project, page)
		if err != nil {
			return uuid.Nil, nil, chain.Failure("load components: %v", err)
		}
		all = append(all, cp.Items...)
		if len(cp.Items) < page.Size || int64(len(all)) >= cp.Total {
			break
		}
		page.Number++
	}
	return project, all, chain.Success()
}
