package bom

import (
	"testing"

	"github.com/deptrail/deptrail/pkg/errors"
	"github.com/deptrail/deptrail/pkg/model"
)

const sampleJSON = `{
  "bomFormat": "CycloneDX",
  "specVersion": "1.5",
  "serialNumber": "urn:uuid:3e671687-395b-41f5-a30f-a58921a69b79",
  "metadata": {
    "component": {"type": "application", "bom-ref": "root", "name": "acme-app", "version": "1.0.0"}
  },
  "components": [
    {
      "type": "library",
      "bom-ref": "comp-a",
      "group": "org.acme",
      "name": "lib-a",
      "version": "2.1.0",
      "purl": "pkg:maven/org.acme/lib-a@2.1.0",
      "hashes": [
        {"alg": "SHA-256", "content": "deadbeef"}
      ],
      "licenses": [{"license": {"id": "Apache-2.0"}}]
    },
    {
      "type": "library",
      "bom-ref": "comp-b",
      "name": "lib-b",
      "version": "0.3.0",
      "purl": "pkg:npm/lib-b@0.3.0"
    }
  ],
  "dependencies": [
    {"ref": "root", "dependsOn": ["comp-a", "comp-b"]},
    {"ref": "comp-a", "dependsOn": ["comp-b"]}
  ]
}`

func TestParse_JSONBOM(t *testing.T) {
	doc, err := Parse([]byte(sampleJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if doc.Format != FormatJSON {
		t.Fatalf("format = %s, want json", doc.Format)
	}
	if doc.RootRef != "root" {
		t.Fatalf("root ref = %q, want root", doc.RootRef)
	}
	if len(doc.Components) != 2 {
		t.Fatalf("components = %d, want 2", len(doc.Components))
	}

	a := doc.Components[0]
	if a.Group != "org.acme" || a.Name != "lib-a" || a.Version != "2.1.0" {
		t.Fatalf("unexpected coordinates: %+v", a)
	}
	if a.PURL != "pkg:maven/org.acme/lib-a@2.1.0" {
		t.Fatalf("purl = %q", a.PURL)
	}
	if a.SHA256 != "deadbeef" {
		t.Fatalf("sha256 = %q", a.SHA256)
	}
	if a.License != "Apache-2.0" {
		t.Fatalf("license = %q", a.License)
	}

	if len(doc.Dependencies) != 2 {
		t.Fatalf("dependencies = %d, want 2", len(doc.Dependencies))
	}
	if doc.Dependencies[0].Ref != "root" || len(doc.Dependencies[0].DependsOn) != 2 {
		t.Fatalf("unexpected root dependency entry: %+v", doc.Dependencies[0])
	}
}

func TestParse_XMLBOM(t *testing.T) {
	payload := `<?xml version="1.0" encoding="UTF-8"?>
<bom xmlns="http://cyclonedx.org/schema/bom/1.5" version="1">
  <components>
    <component type="library">
      <name>lib-x</name>
      <version>1.2.3</version>
      <purl>pkg:npm/lib-x@1.2.3</purl>
    </component>
  </components>
</bom>`

	doc, err := Parse([]byte(payload))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Format != FormatXML {
		t.Fatalf("format = %s, want xml", doc.Format)
	}
	if len(doc.Components) != 1 || doc.Components[0].Name != "lib-x" {
		t.Fatalf("unexpected components: %+v", doc.Components)
	}
}

func TestParse_VEXVulnerabilities(t *testing.T) {
	payload := `{
  "bomFormat": "CycloneDX",
  "specVersion": "1.5",
  "vulnerabilities": [
    {
      "id": "CVE-2024-1234",
      "source": {"name": "NVD"},
      "ratings": [
        {"severity": "medium"},
        {"severity": "critical"}
      ],
      "analysis": {"state": "not_affected"},
      "affects": [{"ref": "pkg:npm/lib-b@0.3.0"}]
    }
  ]
}`

	doc, err := Parse([]byte(payload))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(doc.Vulnerabilities) != 1 {
		t.Fatalf("vulnerabilities = %d, want 1", len(doc.Vulnerabilities))
	}

	v := doc.Vulnerabilities[0]
	if v.ID != "CVE-2024-1234" || v.Source != "NVD" {
		t.Fatalf("unexpected vulnerability: %+v", v)
	}
	if v.Severity != model.SeverityCritical {
		t.Fatalf("severity must pick the highest rating, got %s", v.Severity)
	}
	if v.State != "not_affected" {
		t.Fatalf("state = %q", v.State)
	}
	if len(v.Affects) != 1 || v.Affects[0] != "pkg:npm/lib-b@0.3.0" {
		t.Fatalf("affects = %+v", v.Affects)
	}
}

func TestParse_EmptyDocument(t *testing.T) {
	_, err := Parse([]byte("   \n  "))
	if !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParse_MalformedDocument(t *testing.T) {
	_, err := Parse([]byte(`{"bomFormat": "CycloneDX", "components": [`))
	if !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParse_WrongBOMFormat(t *testing.T) {
	_, err := Parse([]byte(`{"bomFormat": "SPDX", "specVersion": "1.5"}`))
	if !errors.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
