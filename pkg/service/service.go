// Package service is the boundary surface of deptrail. Every operation
// authorizes the caller and validates its input before side effects; document
// submissions that pass the boundary checks get a chain token back
// immediately, and everything that can still go wrong afterwards is recorded
// in chain state instead of reaching the caller.
package service

import (
	"context"
	"io"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/deptrail/deptrail/pkg/bom"
	"github.com/deptrail/deptrail/pkg/chain"
	"github.com/deptrail/deptrail/pkg/depgraph"
	"github.com/deptrail/deptrail/pkg/errors"
	"github.com/deptrail/deptrail/pkg/identity"
	"github.com/deptrail/deptrail/pkg/model"
	"github.com/deptrail/deptrail/pkg/storage"
)

// Authorizer decides whether a principal may act on a project.
type Authorizer interface {
	HasAccess(ctx context.Context, principal string, project uuid.UUID) (bool, error)
}

// AllowAll grants every principal access to every project. Used by
// single-tenant deployments and tests.
type AllowAll struct{}

func (AllowAll) HasAccess(ctx context.Context, principal string, project uuid.UUID) (bool, error) {
	return true, nil
}

// Service exposes the boundary operations.
type Service struct {
	store    *storage.Store
	engine   *chain.Engine
	resolver *identity.Resolver
	expander *depgraph.Expander
	auth     Authorizer
	logger   *log.Logger
}

// Config assembles a Service. Store and Engine are required; a nil Authorizer
// falls back to AllowAll and a nil Logger discards.
type Config struct {
	Store      *storage.Store
	Engine     *chain.Engine
	Authorizer Authorizer
	Logger     *log.Logger
}

// New creates the service facade.
func New(cfg Config) *Service {
	if cfg.Authorizer == nil {
		cfg.Authorizer = AllowAll{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	return &Service{
		store:    cfg.Store,
		engine:   cfg.Engine,
		resolver: identity.NewResolver(cfg.Store),
		expander: depgraph.NewExpander(cfg.Store),
		auth:     cfg.Authorizer,
		logger:   cfg.Logger,
	}
}

// =============================================================================
// Document Submission
// =============================================================================

// SubmitBOM validates and stores a BOM upload and submits its processing
// chain: ingest, then vulnerability analysis, then repository metadata
// refresh, then policy evaluation. The returned token is issued before any
// stage runs; callers poll ChainStatus with it.
func (s *Service) SubmitBOM(ctx context.Context, principal string, projectUUID uuid.UUID, raw []byte) (uuid.UUID, error) {
	const op = "service.SubmitBOM"

	if err := s.checkUpload(ctx, op, principal, projectUUID, raw); err != nil {
		return uuid.Nil, err
	}

	docID, err := s.store.SaveDocument(ctx, projectUUID, storage.FormatBOM, raw)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, op)
	}

	target := projectUUID.String()
	ingest := chain.NewUnit(chain.KindBOMProcess, target).WithPayload([]byte(docID.String()))
	analyze := chain.NewUnit(chain.KindVulnAnalysis, target)
	refresh := chain.NewUnit(chain.KindRepoMeta, target)
	evaluate := chain.NewUnit(chain.KindPolicyEval, target)
	notice := chain.NewUnit(chain.KindFailureNotice, target)

	ingest.OnSuccess(analyze).OnFailure(notice)
	analyze.OnSuccess(refresh)
	refresh.OnSuccess(evaluate)

	return s.submitChain(ctx, op, ingest, docID)
}

// SubmitVex validates and stores a VEX upload and submits its processing
// chain: apply the statements, re-run vulnerability analysis, re-evaluate
// policy.
func (s *Service) SubmitVex(ctx context.Context, principal string, projectUUID uuid.UUID, raw []byte) (uuid.UUID, error) {
	const op = "service.SubmitVex"

	if err := s.checkUpload(ctx, op, principal, projectUUID, raw); err != nil {
		return uuid.Nil, err
	}

	docID, err := s.store.SaveDocument(ctx, projectUUID, storage.FormatVEX, raw)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, op)
	}

	target := projectUUID.String()
	apply := chain.NewUnit(chain.KindVexProcess, target).WithPayload([]byte(docID.String()))
	analyze := chain.NewUnit(chain.KindVulnAnalysis, target)
	evaluate := chain.NewUnit(chain.KindPolicyEval, target)
	notice := chain.NewUnit(chain.KindFailureNotice, target)

	apply.OnSuccess(analyze).OnFailure(notice)
	analyze.OnSuccess(evaluate)

	return s.submitChain(ctx, op, apply, docID)
}

// checkUpload runs the fail-fast boundary checks shared by both submission
// paths: access, project existence, collection rejection, document parse.
func (s *Service) checkUpload(ctx context.Context, op, principal string, projectUUID uuid.UUID, raw []byte) error {
	project, err := s.authorizedProject(ctx, op, principal, projectUUID)
	if err != nil {
		return err
	}
	if project.IsCollection() {
		return errors.Wrap(errors.ErrCollectionProject, op)
	}
	if _, err := bom.Parse(raw); err != nil {
		return errors.Wrap(err, op)
	}
	return nil
}

// submitChain hands the chain to the engine. A rejected submission removes
// the stored document again so nothing orphans.
func (s *Service) submitChain(ctx context.Context, op string, root *chain.Unit, docID uuid.UUID) (uuid.UUID, error) {
	token, err := s.engine.Submit(root)
	if err != nil {
		if delErr := s.store.DeleteDocument(ctx, docID); delErr != nil {
			s.logger.Warn("orphaned document after rejected submission", "document", docID, "err", delErr)
		}
		return uuid.Nil, errors.Wrap(err, op)
	}
	s.logger.Info("chain submitted", "token", token, "root", root.Kind, "target", root.Target)
	return token, nil
}

// ChainStatus returns the chain record for a token.
func (s *Service) ChainStatus(ctx context.Context, token uuid.UUID) (chain.ChainInfo, error) {
	return s.engine.Status(token)
}

// =============================================================================
// Projects and Components
// =============================================================================

// CreateProject records a new project.
func (s *Service) CreateProject(ctx context.Context, principal string, p *model.Project) error {
	const op = "service.CreateProject"
	if p == nil || p.Name == "" {
		return errors.E(errors.KindValidation, op, "project name is required")
	}
	return errors.Wrap(s.store.CreateProject(ctx, p), op)
}

// CreateComponent adds a single component to a project and kicks off the
// analysis chain for it: vulnerability analysis, then repository metadata
// refresh, then policy evaluation. An identity conflict with a concurrent
// ingest surfaces as a conflict error; callers retry by re-resolving.
func (s *Service) CreateComponent(ctx context.Context, principal string, c *model.Component) (uuid.UUID, error) {
	const op = "service.CreateComponent"

	if c == nil || c.Name == "" {
		return uuid.Nil, errors.E(errors.KindValidation, op, "component name is required")
	}
	project, err := s.authorizedProject(ctx, op, principal, c.ProjectUUID)
	if err != nil {
		return uuid.Nil, err
	}
	if project.IsCollection() {
		return uuid.Nil, errors.Wrap(errors.ErrCollectionProject, op)
	}

	if err := s.store.CreateComponent(ctx, c); err != nil {
		return uuid.Nil, errors.Wrap(err, op)
	}
	return s.submitAnalysis(c.ProjectUUID), nil
}

// UpdateComponent rewrites a component's fields and re-runs the analysis
// chain, since an identity or license change can invalidate findings and
// policy state.
func (s *Service) UpdateComponent(ctx context.Context, principal string, c *model.Component) (uuid.UUID, error) {
	const op = "service.UpdateComponent"

	if c == nil || c.Name == "" {
		return uuid.Nil, errors.E(errors.KindValidation, op, "component name is required")
	}
	if _, err := s.authorizedProject(ctx, op, principal, c.ProjectUUID); err != nil {
		return uuid.Nil, err
	}

	if err := s.store.UpdateComponent(ctx, c); err != nil {
		return uuid.Nil, errors.Wrap(err, op)
	}
	return s.submitAnalysis(c.ProjectUUID), nil
}

// submitAnalysis dispatches the post-change chain for a project. The catalog
// write has already happened; a rejected submission only delays analysis
// until the next submission for this project, so it is logged, not returned.
func (s *Service) submitAnalysis(projectUUID uuid.UUID) uuid.UUID {
	target := projectUUID.String()
	analyze := chain.NewUnit(chain.KindVulnAnalysis, target)
	refresh := chain.NewUnit(chain.KindRepoMeta, target)
	analyze.OnSuccess(refresh)
	refresh.OnSuccess(chain.NewUnit(chain.KindPolicyEval, target))

	token, err := s.engine.Submit(analyze)
	if err != nil {
		s.logger.Warn("analysis chain rejected after component change", "project", target, "err", err)
		return uuid.Nil
	}
	return token
}

// ResolveIdentity matches a descriptor against the catalog, scoped to a
// project when one is given.
func (s *Service) ResolveIdentity(ctx context.Context, principal string, in identity.DescriptorInput, project *uuid.UUID, page model.Page) (*model.ComponentPage, error) {
	const op = "service.ResolveIdentity"

	if project != nil {
		if _, err := s.authorizedProject(ctx, op, principal, *project); err != nil {
			return nil, err
		}
	}

	d, dropped := identity.NewDescriptor(in)
	if dropped {
		s.logger.Debug("descriptor carried malformed purl", "purl", in.PURL)
	}
	return s.resolver.Resolve(ctx, d, project, page)
}

// ResolveByHash matches a hash value against every stored hash column,
// portfolio-wide.
func (s *Service) ResolveByHash(ctx context.Context, hash string, page model.Page) (*model.ComponentPage, error) {
	return s.resolver.ResolveByHash(ctx, hash, page)
}

// ExpandDependencyGraph returns, per target component, the subgraph of all
// paths from the project root to that component.
func (s *Service) ExpandDependencyGraph(ctx context.Context, principal string, projectUUID uuid.UUID, targets []uuid.UUID) (map[uuid.UUID]depgraph.TargetResult, error) {
	const op = "service.ExpandDependencyGraph"

	if _, err := s.authorizedProject(ctx, op, principal, projectUUID); err != nil {
		return nil, err
	}
	return s.expander.Expand(ctx, projectUUID, targets)
}

// =============================================================================
// Helpers
// =============================================================================

// authorizedProject checks access first, then loads the project. The access
// check runs even for projects that do not exist so probing for project UUIDs
// yields forbidden, not not-found.
func (s *Service) authorizedProject(ctx context.Context, op, principal string, projectUUID uuid.UUID) (*model.Project, error) {
	ok, err := s.auth.HasAccess(ctx, principal, projectUUID)
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, "authorization check failed", err)
	}
	if !ok {
		return nil, errors.Wrap(errors.ErrForbidden, op)
	}

	project, err := s.store.Project(ctx, projectUUID)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	return project, nil
}
