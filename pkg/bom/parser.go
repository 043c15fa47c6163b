// Package bom parses uploaded CycloneDX documents (BOM and VEX) into the
// neutral input records the ingest pipeline consumes. Both JSON and XML
// encodings are accepted; the format is sniffed from the payload.
package bom

import (
	"bytes"

	cdx "github.com/CycloneDX/cyclonedx-go"

	"github.com/deptrail/deptrail/pkg/errors"
	"github.com/deptrail/deptrail/pkg/model"
)

// Format is the detected document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatXML  Format = "xml"
)

// ComponentInput is one component entry lifted out of a parsed document.
type ComponentInput struct {
	BOMRef string

	Group   string
	Name    string
	Version string

	PURL      string
	CPE       string
	SWIDTagID string

	MD5    string
	SHA1   string
	SHA256 string
	SHA384 string
	SHA512 string

	License string
}

// DependencyInput is one dependency relation keyed by BOM refs.
type DependencyInput struct {
	Ref       string
	DependsOn []string
}

// VulnInput is one vulnerability statement, used by VEX ingestion.
type VulnInput struct {
	ID       string
	Source   string
	Severity model.Severity
	State    string
	Detail   string
	Affects  []string
}

// Document is a parsed upload.
type Document struct {
	Format       Format
	SerialNumber string
	RootRef      string

	Components      []ComponentInput
	Dependencies    []DependencyInput
	Vulnerabilities []VulnInput
}

// Parse decodes and validates a CycloneDX payload. Undecodable or
// structurally invalid payloads yield a validation error with the decoder's
// detail; they never reach the catalog.
func Parse(raw []byte) (*Document, error) {
	const op = "bom.Parse"

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.E(errors.KindValidation, op, "document is empty")
	}

	format := FormatJSON
	fileFormat := cdx.BOMFileFormatJSON
	if trimmed[0] == '<' {
		format = FormatXML
		fileFormat = cdx.BOMFileFormatXML
	}

	var decoded cdx.BOM
	if err := cdx.NewBOMDecoder(bytes.NewReader(trimmed), fileFormat).Decode(&decoded); err != nil {
		return nil, errors.E(errors.KindValidation, op, "malformed CycloneDX document", err)
	}
	if format == FormatJSON && decoded.BOMFormat != "" && decoded.BOMFormat != "CycloneDX" {
		return nil, errors.E(errors.KindValidation, op, "unsupported bomFormat "+decoded.BOMFormat)
	}

	doc := &Document{
		Format:       format,
		SerialNumber: decoded.SerialNumber,
	}
	if decoded.Metadata != nil && decoded.Metadata.Component != nil {
		doc.RootRef = decoded.Metadata.Component.BOMRef
	}

	if decoded.Components != nil {
		for _, c := range *decoded.Components {
			doc.Components = append(doc.Components, convertComponent(c))
		}
	}
	if decoded.Dependencies != nil {
		for _, d := range *decoded.Dependencies {
			dep := DependencyInput{Ref: d.Ref}
			if d.Dependencies != nil {
				dep.DependsOn = append(dep.DependsOn, *d.Dependencies...)
			}
			doc.Dependencies = append(doc.Dependencies, dep)
		}
	}
	if decoded.Vulnerabilities != nil {
		for _, v := range *decoded.Vulnerabilities {
			doc.Vulnerabilities = append(doc.Vulnerabilities, convertVulnerability(v))
		}
	}

	return doc, nil
}

func convertComponent(c cdx.Component) ComponentInput {
	in := ComponentInput{
		BOMRef:  c.BOMRef,
		Group:   c.Group,
		Name:    c.Name,
		Version: c.Version,
		PURL:    c.PackageURL,
		CPE:     c.CPE,
	}
	if c.SWID != nil {
		in.SWIDTagID = c.SWID.TagID
	}
	if c.Hashes != nil {
		for _, h := range *c.Hashes {
			switch h.Algorithm {
			case cdx.HashAlgoMD5:
				in.MD5 = h.Value
			case cdx.HashAlgoSHA1:
				in.SHA1 = h.Value
			case cdx.HashAlgoSHA256:
				in.SHA256 = h.Value
			case cdx.HashAlgoSHA384:
				in.SHA384 = h.Value
			case cdx.HashAlgoSHA512:
				in.SHA512 = h.Value
			}
		}
	}
	if c.Licenses != nil {
		for _, lc := range *c.Licenses {
			switch {
			case lc.Expression != "":
				in.License = lc.Expression
			case lc.License != nil && lc.License.ID != "":
				in.License = lc.License.ID
			case lc.License != nil && lc.License.Name != "":
				in.License = lc.License.Name
			}
			if in.License != "" {
				break
			}
		}
	}
	return in
}

func convertVulnerability(v cdx.Vulnerability) VulnInput {
	in := VulnInput{
		ID:     v.ID,
		Detail: v.Description,
	}
	if v.Source != nil {
		in.Source = v.Source.Name
	}
	if v.Analysis != nil {
		in.State = string(v.Analysis.State)
	}
	if v.Ratings != nil {
		best := model.SeverityUnknown
		for _, r := range *v.Ratings {
			if s := model.NormalizeSeverity(string(r.Severity)); s.Rank() > best.Rank() {
				best = s
			}
		}
		in.Severity = best
	} else {
		in.Severity = model.SeverityUnknown
	}
	if v.Affects != nil {
		for _, a := range *v.Affects {
			in.Affects = append(in.Affects, a.Ref)
		}
	}
	return in
}
