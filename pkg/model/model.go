// Package model defines the domain records shared across deptrail: projects,
// components, dependency edges, vulnerability findings, and repository
// metadata. Records are plain structs; ownership of durable state lives in
// pkg/storage.
package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Projects
// =============================================================================

// CollectionLogic describes how a project aggregates other projects.
// A project with any logic other than CollectionNone is a collection project:
// it owns no components or edges of its own and cannot receive document
// uploads.
type CollectionLogic string

const (
	// CollectionNone marks a regular project that owns its own BOM.
	CollectionNone CollectionLogic = "NONE"

	// CollectionAggregate marks a project that aggregates member projects.
	CollectionAggregate CollectionLogic = "AGGREGATE"

	// CollectionAggregateLatest aggregates only the latest version of each member.
	CollectionAggregateLatest CollectionLogic = "AGGREGATE_LATEST"
)

// Project is a software project tracked in the portfolio.
type Project struct {
	UUID            uuid.UUID       `json:"uuid"`
	Name            string          `json:"name"`
	Version         string          `json:"version,omitempty"`
	CollectionLogic CollectionLogic `json:"collection_logic"`
	CreatedAt       time.Time       `json:"created_at"`
}

// IsCollection reports whether the project is aggregation-only.
func (p *Project) IsCollection() bool {
	return p.CollectionLogic != "" && p.CollectionLogic != CollectionNone
}

// =============================================================================
// Components
// =============================================================================

// Component is a single entry in a project's bill of materials.
// Identity fields (PURL, CPE, SWIDTagID, coordinates, hashes) are all
// optional; resolution precedence is handled by pkg/identity.
type Component struct {
	UUID        uuid.UUID `json:"uuid"`
	ProjectUUID uuid.UUID `json:"project_uuid"`

	Group   string `json:"group,omitempty"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`

	PURL      string `json:"purl,omitempty"`
	CPE       string `json:"cpe,omitempty"`
	SWIDTagID string `json:"swid_tag_id,omitempty"`

	MD5    string `json:"md5,omitempty"`
	SHA1   string `json:"sha1,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
	SHA384 string `json:"sha384,omitempty"`
	SHA512 string `json:"sha512,omitempty"`

	License  string `json:"license,omitempty"`
	Internal bool   `json:"internal,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IdentityKey returns the most specific identity field present, used by the
// catalog's uniqueness constraint. An empty key means the component carries
// no identity beyond its name coordinates.
func (c *Component) IdentityKey() string {
	switch {
	case c.PURL != "":
		return "purl:" + c.PURL
	case c.CPE != "":
		return "cpe:" + c.CPE
	case c.SWIDTagID != "":
		return "swid:" + c.SWIDTagID
	default:
		return "coord:" + c.Group + ":" + c.Name + ":" + c.Version
	}
}

// =============================================================================
// Dependency Graph
// =============================================================================

// DependencyEdge is a directed parent→child relation in a project's BOM
// graph. The project root appears as a parent with ParentUUID equal to the
// project UUID; all other parents are component UUIDs.
type DependencyEdge struct {
	ProjectUUID uuid.UUID `json:"project_uuid"`
	ParentUUID  uuid.UUID `json:"parent_uuid"`
	ChildUUID   uuid.UUID `json:"child_uuid"`
}

// =============================================================================
// Vulnerabilities
// =============================================================================

// Severity is a normalized vulnerability severity level.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
	SeverityUnknown  Severity = "unknown"
)

// Rank returns a comparable weight for the severity (higher is worse).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// NormalizeSeverity maps free-form severity strings to a Severity.
func NormalizeSeverity(s string) Severity {
	switch s {
	case "critical", "CRITICAL", "Critical":
		return SeverityCritical
	case "high", "HIGH", "High":
		return SeverityHigh
	case "medium", "MEDIUM", "Medium", "moderate", "Moderate":
		return SeverityMedium
	case "low", "LOW", "Low":
		return SeverityLow
	case "info", "INFO", "Info", "informational", "none", "None":
		return SeverityInfo
	default:
		return SeverityUnknown
	}
}

// Finding links a component to a known vulnerability.
type Finding struct {
	ComponentUUID uuid.UUID `json:"component_uuid"`
	VulnID        string    `json:"vuln_id"`
	Severity      Severity  `json:"severity"`
	Source        string    `json:"source"`
	Description   string    `json:"description,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// PolicyViolation records a policy rule matching a component or finding.
type PolicyViolation struct {
	ProjectUUID   uuid.UUID `json:"project_uuid"`
	ComponentUUID uuid.UUID `json:"component_uuid"`
	RuleName      string    `json:"rule_name"`
	Severity      Severity  `json:"severity"`
	Detail        string    `json:"detail,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// =============================================================================
// Repository Metadata
// =============================================================================

// RepositoryMeta holds the latest published version for a component as
// reported by its source repository. Keyed by (type, namespace, name) so one
// fetch serves every component occurrence of the same package.
type RepositoryMeta struct {
	RepositoryType string    `json:"repository_type"`
	Namespace      string    `json:"namespace,omitempty"`
	Name           string    `json:"name"`
	LatestVersion  string    `json:"latest_version"`
	Published      time.Time `json:"published,omitempty"`
	LastFetch      time.Time `json:"last_fetch"`
}

// =============================================================================
// Pagination
// =============================================================================

// Page is a pagination request. Number is 1-based; a zero Page means
// "first page, default size".
type Page struct {
	Number int
	Size   int
}

// DefaultPageSize bounds unpaginated identity queries.
const DefaultPageSize = 100

// Normalize backfills zero values.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	return p
}

// Offset returns the row offset for the page.
func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Number - 1) * p.Size
}

// ComponentPage is one page of component results plus the total match count.
type ComponentPage struct {
	Items []Component `json:"items"`
	Total int64       `json:"total"`
}
