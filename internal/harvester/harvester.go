// Package harvester reads a function's result directory (data.toml,
// issues.toml) and turns it into typed Scan metadata and issues.
package harvester

import (
	"log"

	"github.com/pelletier/go-toml/v2"

	"github.com/kongbytes/chicon-runner-go/internal/model"
	"github.com/kongbytes/chicon-runner-go/internal/workspace"
)

const (
	dataFile   = "result/data.toml"
	issuesFile = "result/issues.toml"
)

type issuesDocument struct {
	Issues []struct {
		Name     string `toml:"name"`
		Severity string `toml:"severity"`
	} `toml:"issues"`
}

// HarvestMetrics reads result/data.toml for repositoryID and joins each key
// against fn's declared outputs for its description. A missing or
// malformed file yields an empty, logged result rather than an error.
func HarvestMetrics(ws *workspace.Workspace, repositoryID string, fn model.CodeFunction) []model.ScanMetadata {
	content, err := ws.ReadString(repositoryID, dataFile)
	if err != nil {
		log.Printf("no metrics found for repository %s: %v", repositoryID, err)
		return nil
	}

	var raw map[string]interface{}
	if err := toml.Unmarshal([]byte(content), &raw); err != nil {
		log.Printf("could not parse metrics TOML for repository %s: %v", repositoryID, err)
		return nil
	}

	descriptions := make(map[string]string, len(fn.Outputs))
	for _, output := range fn.Outputs {
		descriptions[output.Key] = output.Description
	}

	results := make([]model.ScanMetadata, 0, len(raw))
	for key, value := range raw {
		metric, err := model.MetricValueFromAny(value)
		if err != nil {
			log.Printf("skipping metric %s for repository %s: %v", key, repositoryID, err)
			continue
		}
		results = append(results, model.ScanMetadata{
			Key:         key,
			Description: descriptions[key],
			Value:       metric,
		})
	}
	return results
}

// HarvestIssues reads result/issues.toml for repositoryID. A missing file
// means the function reported no issues; a malformed file is logged and
// treated the same way. Returned issues do not yet carry repository,
// function or scan back-references - the caller fills those in before
// upload.
func HarvestIssues(ws *workspace.Workspace, repositoryID string) []model.CodeIssue {
	content, err := ws.ReadString(repositoryID, issuesFile)
	if err != nil {
		log.Printf("no issues found linked to repository %s", repositoryID)
		return nil
	}

	var doc issuesDocument
	if err := toml.Unmarshal([]byte(content), &doc); err != nil {
		log.Printf("could not parse issues TOML for repository %s: %v", repositoryID, err)
		return nil
	}

	issues := make([]model.CodeIssue, 0, len(doc.Issues))
	for _, raw := range doc.Issues {
		issue := model.CodeIssue{Name: raw.Name}
		if raw.Severity != "" {
			severity := raw.Severity
			issue.Severity = &severity
		}
		issues = append(issues, issue)
	}
	return issues
}

// FillBackReferences stamps repositoryID, functionID and scanID onto every
// issue, as required before they are uploaded to the scheduler.
func FillBackReferences(issues []model.CodeIssue, repositoryID, functionID, scanID string) {
	for i := range issues {
		issues[i].RepositoryID = &repositoryID
		issues[i].FunctionID = &functionID
		issues[i].ScanID = &scanID
	}
}
