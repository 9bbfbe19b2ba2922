package harvester

import (
	"testing"

	"github.com/kongbytes/chicon-runner-go/internal/model"
	"github.com/kongbytes/chicon-runner-go/internal/workspace"
)

func newTestWorkspace(t *testing.T, repositoryID string) *workspace.Workspace {
	t.Helper()
	dir := t.TempDir()
	ws, err := workspace.New(dir, 10_000_000)
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	if err := ws.Clean(repositoryID, false); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	return ws
}

func TestHarvestMetricsMissingFileReturnsEmpty(t *testing.T) {
	ws := newTestWorkspace(t, "repo-1")

	results := HarvestMetrics(ws, "repo-1", model.CodeFunction{})
	if len(results) != 0 {
		t.Fatalf("expected no metrics, got %v", results)
	}
}

func TestHarvestMetricsMalformedFileReturnsEmpty(t *testing.T) {
	ws := newTestWorkspace(t, "repo-1")
	if err := ws.WriteString("repo-1", "result/data.toml", "this is not [valid toml"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}

	results := HarvestMetrics(ws, "repo-1", model.CodeFunction{})
	if len(results) != 0 {
		t.Fatalf("expected no metrics for malformed file, got %v", results)
	}
}

func TestHarvestMetricsJoinsDescriptions(t *testing.T) {
	ws := newTestWorkspace(t, "repo-1")
	content := `
lines_of_code = 4213
uses_linter = true
language = "go"
`
	if err := ws.WriteString("repo-1", "result/data.toml", content); err != nil {
		t.Fatalf("WriteString: %v", err)
	}

	fn := model.CodeFunction{
		Outputs: []model.FunctionOutput{
			{Key: "lines_of_code", Description: "total lines of code"},
			{Key: "uses_linter", Description: "whether a linter is configured"},
		},
	}

	results := HarvestMetrics(ws, "repo-1", fn)
	if len(results) != 3 {
		t.Fatalf("expected 3 metrics, got %d: %+v", len(results), results)
	}

	byKey := make(map[string]model.ScanMetadata, len(results))
	for _, r := range results {
		byKey[r.Key] = r
	}

	loc, ok := byKey["lines_of_code"]
	if !ok {
		t.Fatalf("expected lines_of_code metric, got %+v", results)
	}
	if loc.Description != "total lines of code" {
		t.Errorf("expected description to be joined from outputs, got %q", loc.Description)
	}
	if loc.Value.Kind != model.MetricKindInt || loc.Value.Int != 4213 {
		t.Errorf("expected int metric 4213, got %+v", loc.Value)
	}

	lang, ok := byKey["language"]
	if !ok {
		t.Fatalf("expected language metric, got %+v", results)
	}
	if lang.Description != "" {
		t.Errorf("expected undeclared output to have empty description, got %q", lang.Description)
	}
	if lang.Value.Kind != model.MetricKindText || lang.Value.Text != "go" {
		t.Errorf("expected text metric 'go', got %+v", lang.Value)
	}
}

func TestHarvestIssuesMissingFileReturnsEmpty(t *testing.T) {
	ws := newTestWorkspace(t, "repo-1")

	issues := HarvestIssues(ws, "repo-1")
	if len(issues) != 0 {
		t.Fatalf("expected no issues, got %v", issues)
	}
}

func TestHarvestIssuesParsesNameAndSeverity(t *testing.T) {
	ws := newTestWorkspace(t, "repo-1")
	content := `
[[issues]]
name = "hardcoded-secret"
severity = "high"

[[issues]]
name = "missing-license"
`
	if err := ws.WriteString("repo-1", "result/issues.toml", content); err != nil {
		t.Fatalf("WriteString: %v", err)
	}

	issues := HarvestIssues(ws, "repo-1")
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %d: %+v", len(issues), issues)
	}

	if issues[0].Name != "hardcoded-secret" {
		t.Errorf("expected first issue name hardcoded-secret, got %q", issues[0].Name)
	}
	if issues[0].Severity == nil || *issues[0].Severity != "high" {
		t.Errorf("expected severity high, got %v", issues[0].Severity)
	}
	if issues[1].Severity != nil {
		t.Errorf("expected nil severity when absent, got %v", *issues[1].Severity)
	}
}

func TestFillBackReferences(t *testing.T) {
	issues := []model.CodeIssue{{Name: "a"}, {Name: "b"}}
	FillBackReferences(issues, "repo-1", "fn-1", "scan-1")

	for _, issue := range issues {
		if issue.RepositoryID == nil || *issue.RepositoryID != "repo-1" {
			t.Errorf("expected repository id to be stamped, got %v", issue.RepositoryID)
		}
		if issue.FunctionID == nil || *issue.FunctionID != "fn-1" {
			t.Errorf("expected function id to be stamped, got %v", issue.FunctionID)
		}
		if issue.ScanID == nil || *issue.ScanID != "scan-1" {
			t.Errorf("expected scan id to be stamped, got %v", issue.ScanID)
		}
	}
}
