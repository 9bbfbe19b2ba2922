// Package pipeline glues the workspace, git sync, container runner,
// harvester, and scheduler client together into the per-request scan
// flow driven by the control-plane session.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/kongbytes/chicon-runner-go/internal/config"
	"github.com/kongbytes/chicon-runner-go/internal/container"
	"github.com/kongbytes/chicon-runner-go/internal/gitsync"
	"github.com/kongbytes/chicon-runner-go/internal/harvester"
	"github.com/kongbytes/chicon-runner-go/internal/metrics"
	"github.com/kongbytes/chicon-runner-go/internal/model"
	"github.com/kongbytes/chicon-runner-go/internal/pathutil"
	"github.com/kongbytes/chicon-runner-go/internal/schedulerclient"
	"github.com/kongbytes/chicon-runner-go/internal/workspace"
)

// Pipeline executes one ScanRequest end to end: fetch repository and
// function metadata, sync the repository, run every function's stages,
// harvest and upload results, then clean and prune the workspace.
type Pipeline struct {
	cfg       *config.Config
	workspace *workspace.Workspace
	runner    *container.Runner
	scheduler *schedulerclient.Client
}

// New builds a Pipeline bound to ws and talking to the scheduler through
// client, using runner to execute container stages.
func New(cfg *config.Config, ws *workspace.Workspace, runner *container.Runner, client *schedulerclient.Client) *Pipeline {
	return &Pipeline{cfg: cfg, workspace: ws, runner: runner, scheduler: client}
}

// Run processes a single decoded ScanRequest. Errors are returned so the
// caller (the control-plane read loop) can log them and keep the session
// alive. A failure partway through returns at once without cleaning; the
// bin and result directories it leaves behind are reset by the Clean at the
// start of the next request for that repository.
func (p *Pipeline) Run(ctx context.Context, request model.ScanRequest) error {
	if len(request.Repositories) == 0 {
		return fmt.Errorf("scan request carries no repository identifier")
	}
	repositoryID := request.Repositories[0]

	log.Printf("received request for repository ID %s (functions %s)", repositoryID, strings.Join(request.Functions, ","))

	functions, err := p.scheduler.GetFunctions(ctx, request.Functions)
	if err != nil {
		return fmt.Errorf("retrieve functions: %w", err)
	}
	repository, err := p.scheduler.GetRepository(ctx, repositoryID)
	if err != nil {
		return fmt.Errorf("retrieve repository: %w", err)
	}
	if !pathutil.IsSafePathSegment(repository.PublicID) {
		return fmt.Errorf("repository ID %q is not a safe workspace path segment", repository.PublicID)
	}

	if err := p.workspace.Clean(repository.PublicID, false); err != nil {
		return fmt.Errorf("clean workspace before sync: %w", err)
	}

	log.Printf("starting functions on repository %s with ID %s (branch %q, directory %q)",
		repository.Name, repository.PublicID, repository.Branch, repository.Directory)

	commit, err := gitsync.Sync(ctx, p.workspace.RepositoryPath(repository.PublicID), repository, p.cfg.Workspace.SSHCloneKey)
	if err != nil {
		return fmt.Errorf("sync repository %s: %w", repository.PublicID, err)
	}

	for _, fn := range functions {
		log.Printf("executing function %q (ID %s)", fn.Name, fn.PublicID)

		scan, err := p.runner.Run(ctx, p.workspace, repository.PublicID, fn, commit)
		if err != nil {
			return fmt.Errorf("run function %s: %w", fn.PublicID, err)
		}
		metrics.RecordScan(fn.PublicID, scan.HasFailed)

		scan.Results = harvester.HarvestMetrics(p.workspace, repository.PublicID, fn)

		scanID, err := p.scheduler.StoreScan(ctx, scan)
		if err != nil {
			return fmt.Errorf("store scan for function %s: %w", fn.PublicID, err)
		}

		issues := harvester.HarvestIssues(p.workspace, repository.PublicID)
		harvester.FillBackReferences(issues, repository.PublicID, fn.PublicID, scanID)
		if err := p.scheduler.StoreIssues(ctx, issues); err != nil {
			return fmt.Errorf("store issues for function %s: %w", fn.PublicID, err)
		}
	}

	if err := p.workspace.Clean(repository.PublicID, false); err != nil {
		return fmt.Errorf("clean workspace after run: %w", err)
	}
	if err := p.workspace.PruneStorage(); err != nil {
		return fmt.Errorf("prune workspace storage: %w", err)
	}
	if usage, err := p.workspace.GetTotalUsage(); err == nil {
		metrics.SetWorkspaceUsage(usage)
	}

	return nil
}
