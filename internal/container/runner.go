// Package container executes a CodeFunction's stages as sandboxed nerdctl
// containers and assembles the resulting Scan.
package container

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"time"
	"unicode/utf8"

	"github.com/kongbytes/chicon-runner-go/internal/metrics"
	"github.com/kongbytes/chicon-runner-go/internal/model"
	"github.com/kongbytes/chicon-runner-go/internal/workspace"
)

const invalidUTF8Placeholder = "(invalid UTF8 string)"

// Runner executes functions against a workspace under a fixed container
// namespace.
type Runner struct {
	namespace string
}

// New builds a Runner bound to the given containerd/nerdctl namespace.
func New(namespace string) *Runner {
	return &Runner{namespace: namespace}
}

// Run executes every stage of fn sequentially against repositoryID and
// returns the resulting Scan. A non-zero stage exit code is recorded as
// Scan.HasFailed and does not abort remaining stages; only infrastructure
// failures (cannot write script, pull image, or spawn the container) are
// returned as errors.
func (r *Runner) Run(ctx context.Context, ws *workspace.Workspace, repositoryID string, fn model.CodeFunction, commit model.GitCommit) (model.Scan, error) {
	if err := ws.Clean(repositoryID, false); err != nil {
		return model.Scan{}, fmt.Errorf("clean workspace before run: %w", err)
	}

	var timingMs int64
	var logs bytes.Buffer
	hasFailed := false

	stageTotal := len(fn.Stages)
	for index, stage := range fn.Stages {
		log.Printf("executing stage %d/%d of %q: environment %s (%s)",
			index+1, stageTotal, fn.Name, stage.Environment.Name, stage.Environment.BaseImage)

		scriptPath := fmt.Sprintf("bin/process.%s", stage.Environment.FileExtension)
		if err := ws.WriteString(repositoryID, scriptPath, stage.Content); err != nil {
			return model.Scan{}, fmt.Errorf("write stage script: %w", err)
		}

		if err := r.ensureImage(ctx, stage.Environment.BaseImage); err != nil {
			return model.Scan{}, fmt.Errorf("ensure container image %s: %w", stage.Environment.BaseImage, err)
		}

		stdout, stderr, exitFailed, elapsed, err := r.runStage(ctx, ws, repositoryID, fn.Capabilities, stage)
		if err != nil {
			return model.Scan{}, fmt.Errorf("run stage %d of %q: %w", index+1, fn.Name, err)
		}
		timingMs += elapsed.Milliseconds()
		metrics.ObserveStageDuration(fn.PublicID, elapsed)

		decodedStdout, decodedStderr := decodeUTF8(stdout), decodeUTF8(stderr)
		log.Printf("stage %d/%d output: %s\n%s", index+1, stageTotal, decodedStdout, decodedStderr)
		fmt.Fprintf(&logs, "%s\n%s", decodedStdout, decodedStderr)
		if exitFailed {
			hasFailed = true
		}

		if err := ws.CleanBin(repositoryID); err != nil {
			return model.Scan{}, fmt.Errorf("clean bin between stages: %w", err)
		}
	}

	return model.Scan{
		FunctionID:   fn.PublicID,
		RepositoryID: repositoryID,
		Commit:       commit,
		HasFailed:    hasFailed,
		Logs:         logs.String(),
		TimingMs:     timingMs,
	}, nil
}

func (r *Runner) ensureImage(ctx context.Context, baseImage string) error {
	inspect := exec.CommandContext(ctx, "nerdctl", r.namespaceFlag(), "image", "inspect", baseImage)
	if err := inspect.Run(); err == nil {
		return nil
	}

	log.Printf("pulling container image %s", baseImage)
	pull := exec.CommandContext(ctx, "nerdctl", r.namespaceFlag(), "image", "pull", baseImage)
	if output, err := pull.CombinedOutput(); err != nil {
		return fmt.Errorf("pull image: %w (%s)", err, string(output))
	}
	return nil
}

func (r *Runner) runStage(ctx context.Context, ws *workspace.Workspace, repositoryID string, capabilities model.Capabilities, stage model.Stage) (stdout, stderr []byte, exitFailed bool, elapsed time.Duration, err error) {
	args := r.buildArgs(ws, repositoryID, capabilities, stage)

	cmd := exec.CommandContext(ctx, "nerdctl", args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	start := time.Now()
	runErr := cmd.Run()
	elapsed = time.Since(start)

	if runErr != nil {
		if _, isExitErr := runErr.(*exec.ExitError); !isExitErr {
			return nil, nil, false, elapsed, fmt.Errorf("spawn container: %w", runErr)
		}
		exitFailed = true
	}

	return stdoutBuf.Bytes(), stderrBuf.Bytes(), exitFailed, elapsed, nil
}

func (r *Runner) buildArgs(ws *workspace.Workspace, repositoryID string, capabilities model.Capabilities, stage model.Stage) []string {
	repoRoot := ws.Path()
	args := []string{
		r.namespaceFlag(),
		"run", "--rm",
		"--cap-drop", "all",
		"--security-opt", "apparmor=docker-default",
		"--security-opt", "no-new-privileges",
	}

	if capabilities.Network {
		args = append(args, "--network", "bridge")
	} else {
		args = append(args, "--network", "none")
	}

	if stage.Environment.User != "" {
		args = append(args, "--user", stage.Environment.User)
	}

	args = append(args,
		"--volume", fmt.Sprintf("%s/%s/repository:/workspace:ro", repoRoot, repositoryID),
		"--volume", fmt.Sprintf("%s/%s/bin:/tmp-bin:ro", repoRoot, repositoryID),
		"--volume", fmt.Sprintf("%s/%s/result:/result", repoRoot, repositoryID),
		"--workdir", "/workspace",
	)

	if !capabilities.Filesystem {
		args = append(args, "--read-only")
	}

	args = append(args,
		stage.Environment.BaseImage,
		stage.Environment.Executor,
		fmt.Sprintf("/tmp-bin/process.%s", stage.Environment.FileExtension),
	)

	return args
}

func (r *Runner) namespaceFlag() string {
	return fmt.Sprintf("--namespace=%s", r.namespace)
}

func decodeUTF8(raw []byte) string {
	if !utf8.Valid(raw) {
		return invalidUTF8Placeholder
	}
	return string(raw)
}
