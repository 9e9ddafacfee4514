package model

import "testing"

func TestMergeComponentMetadata_GapFill_LeavesSBOMFieldsUntouched(t *testing.T) {
	meta := ArtifactMeta{Supplier: "Acme SBOM Supplier", Authors: []string{"sbom-author@example.com"}}
	contact := ContactProfile{SupplierName: "Acme Inc", Email: "contact@acme.example"}

	got := meta.MergeComponentMetadata(contact, false)
	if got.Supplier != "Acme SBOM Supplier" {
		t.Fatalf("expected the SBOM's own supplier to win in gap-fill mode, got %q", got.Supplier)
	}
	if len(got.Authors) != 1 || got.Authors[0] != "sbom-author@example.com" {
		t.Fatalf("expected the SBOM's own authors to win in gap-fill mode, got %+v", got.Authors)
	}
	if got.Manufacturer != "Acme Inc" {
		t.Fatalf("expected manufacturer to be filled from the component since the SBOM left it blank, got %q", got.Manufacturer)
	}
}

func TestMergeComponentMetadata_GapFill_FillsBlankFields(t *testing.T) {
	meta := ArtifactMeta{}
	contact := ContactProfile{SupplierName: "Acme Inc", Email: "contact@acme.example"}

	got := meta.MergeComponentMetadata(contact, false)
	if got.Supplier != "Acme Inc" {
		t.Fatalf("expected supplier filled from the component, got %q", got.Supplier)
	}
	if got.Manufacturer != "Acme Inc" {
		t.Fatalf("expected manufacturer filled from the component, got %q", got.Manufacturer)
	}
	if len(got.Authors) != 1 || got.Authors[0] != "contact@acme.example" {
		t.Fatalf("expected authors filled from the component's contact email, got %+v", got.Authors)
	}
}

func TestMergeComponentMetadata_ComponentWins_OverridesSBOMFields(t *testing.T) {
	meta := ArtifactMeta{Supplier: "Acme SBOM Supplier", Authors: []string{"sbom-author@example.com"}}
	contact := ContactProfile{SupplierName: "Acme Inc", Email: "contact@acme.example"}

	got := meta.MergeComponentMetadata(contact, true)
	if got.Supplier != "Acme Inc" {
		t.Fatalf("expected the component's supplier to override the SBOM's, got %q", got.Supplier)
	}
	if got.Manufacturer != "Acme Inc" {
		t.Fatalf("expected the component's supplier to also override manufacturer, got %q", got.Manufacturer)
	}
	if len(got.Authors) != 1 || got.Authors[0] != "contact@acme.example" {
		t.Fatalf("expected the component's contact email to override authors, got %+v", got.Authors)
	}
}

func TestMergeComponentMetadata_ComponentWins_EmptyContactLeavesSBOMFieldsAlone(t *testing.T) {
	meta := ArtifactMeta{Supplier: "Acme SBOM Supplier", Licenses: []string{"MIT"}}

	got := meta.MergeComponentMetadata(ContactProfile{}, true)
	if got.Supplier != "Acme SBOM Supplier" {
		t.Fatalf("expected an override with no component contact fields to leave the SBOM's supplier alone, got %q", got.Supplier)
	}
	if len(got.Licenses) != 1 || got.Licenses[0] != "MIT" {
		t.Fatalf("expected licenses untouched by the override, got %+v", got.Licenses)
	}
}
