// Package identity matches component descriptions against the catalog under
// several independent identity schemes. A descriptor carries whichever
// identity fields the caller knows; resolution applies them as successive
// filters from most to least specific and the first non-empty result wins.
package identity

import (
	"strings"

	"github.com/package-url/packageurl-go"
)

// Descriptor is the set of optional identity fields used both as a resolve
// query and as the canonical identity stored per component.
type Descriptor struct {
	// PURL is the parsed package URL, nil when absent or unparsable.
	PURL *packageurl.PackageURL

	// CPE is the Common Platform Enumeration string.
	CPE string

	// SWIDTagID is the SWID tag identifier.
	SWIDTagID string

	// Coordinate triple. Any subset may be supplied; omitted fields act as
	// wildcards during coordinate matching.
	Group   string
	Name    string
	Version string
}

// DescriptorInput is the raw, string-typed form of a descriptor as it arrives
// from a caller.
type DescriptorInput struct {
	PURL      string
	CPE       string
	SWIDTagID string
	Group     string
	Name      string
	Version   string
}

// NewDescriptor builds a Descriptor from raw caller input. Whitespace-only
// fields are treated as absent. A malformed package URL is silently treated
// as absent so that resolution degrades to the remaining identity fields
// rather than aborting; the returned bool reports whether a purl was
// discarded so the caller can log it.
func NewDescriptor(in DescriptorInput) (Descriptor, bool) {
	d := Descriptor{
		CPE:       strings.TrimSpace(in.CPE),
		SWIDTagID: strings.TrimSpace(in.SWIDTagID),
		Group:     strings.TrimSpace(in.Group),
		Name:      strings.TrimSpace(in.Name),
		Version:   strings.TrimSpace(in.Version),
	}

	droppedPURL := false
	if raw := strings.TrimSpace(in.PURL); raw != "" {
		purl, err := packageurl.FromString(raw)
		if err != nil {
			droppedPURL = true
		} else {
			d.PURL = &purl
		}
	}

	return d, droppedPURL
}

// Empty reports whether every identity field is absent. An empty descriptor
// always resolves to no matches, never to the full catalog.
func (d Descriptor) Empty() bool {
	return d.PURL == nil &&
		d.CPE == "" &&
		d.SWIDTagID == "" &&
		d.Group == "" &&
		d.Name == "" &&
		d.Version == ""
}

// PURLString returns the canonical purl string, or "" when absent.
func (d Descriptor) PURLString() string {
	if d.PURL == nil {
		return ""
	}
	return d.PURL.ToString()
}
