package xray

import "testing"

func TestToModelArtifactsPreservesMinimalModeSentinel(t *testing.T) {
	out := toModelArtifacts([]Artifact{
		{DataID: "d1"},
		{DataID: "d2", Type: ArtifactInput},
	})
	if out[0].Type != nil {
		t.Fatalf("expected nil Type for untagged artifact, got %v", *out[0].Type)
	}
	if out[1].Type == nil || string(*out[1].Type) != "input" {
		t.Fatalf("expected Type=input for tagged artifact, got %v", out[1].Type)
	}
}

func TestToModelArtifactsNilInputReturnsNil(t *testing.T) {
	if out := toModelArtifacts(nil); out != nil {
		t.Fatalf("expected nil, got %v", out)
	}
}

func TestResolveStepNumberOnStandaloneTrace(t *testing.T) {
	tr := &Trace{id: "t-1", projectID: "p"}

	if n := tr.resolveStepNumber(0); n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
	if n := tr.resolveStepNumber(0); n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	if n := tr.resolveStepNumber(5); n != 5 {
		t.Fatalf("expected explicit 5, got %d", n)
	}
	if n := tr.resolveStepNumber(3); n != 3 {
		t.Fatalf("expected explicit 3 even though lower than the raised counter, got %d", n)
	}
	if n := tr.resolveStepNumber(0); n != 6 {
		t.Fatalf("expected auto-increment to resume above the highest explicit value, got %d", n)
	}
}
