package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kongbytes/chicon-runner-go/internal/check"
	"github.com/kongbytes/chicon-runner-go/internal/config"
	"github.com/kongbytes/chicon-runner-go/internal/container"
	"github.com/kongbytes/chicon-runner-go/internal/controlplane"
	"github.com/kongbytes/chicon-runner-go/internal/metrics"
	"github.com/kongbytes/chicon-runner-go/internal/pipeline"
	"github.com/kongbytes/chicon-runner-go/internal/schedulerclient"
	"github.com/kongbytes/chicon-runner-go/internal/workspace"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runRun(os.Args[2:])
	case "check":
		runCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`chicon-runner - code scanner runner agent

Usage:
  chicon-runner <command> [options]

Commands:
  run      Connect to the scheduler and execute scan requests
  check    Probe git and the container tool, then exit

Options:
  -config string      Path to config file (default: resolved fallback chain)
  -workspace string   Override the configured workspace path
  -namespace string   Override the configured container namespace

Examples:
  chicon-runner run -workspace /data/chicon
  chicon-runner check -namespace kb`)
}

func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	workspacePath := fs.String("workspace", "", "override the workspace path")
	namespace := fs.String("namespace", "", "override the container namespace")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	cfg.SetWorkspacePath(*workspacePath)
	cfg.SetContainerNamespace(*namespace)

	limitBytes, err := cfg.Workspace.CacheLimitBytes()
	if err != nil {
		log.Fatalf("invalid workspace cache limit: %v", err)
	}
	ws, err := workspace.New(cfg.Workspace.Path, limitBytes)
	if err != nil {
		log.Fatalf("initialize workspace: %v", err)
	}

	runner := container.New(cfg.Container.Namespace)
	scheduler := schedulerclient.New(cfg.Scheduler.BaseURL, cfg.Scheduler.Token)
	pl := pipeline.New(cfg, ws, runner, scheduler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register()
	if cfg.MetricsAddr != "" {
		go func() {
			log.Printf("serving metrics on %s", cfg.MetricsAddr)
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
	}

	launchRunner(ctx, cfg, pl)
}

// launchRunner owns the reconnect loop: a dropped session is torn down and
// re-dialed from scratch, a failed authentication ends the process, and a
// failure processing a single scan request only logs and keeps the session
// alive.
func launchRunner(ctx context.Context, cfg *config.Config, pl *pipeline.Pipeline) {
	for {
		if ctx.Err() != nil {
			return
		}

		session, err := controlplane.DialWithRetry(ctx, cfg)
		if err != nil {
			log.Printf("giving up on scheduler connection: %v", err)
			return
		}

		if err := session.Authenticate(cfg.Scheduler.Token); err != nil {
			session.Close()
			log.Fatalf("authentication failed, runner is misconfigured: %v", err)
		}
		log.Println("authenticated with scheduler, waiting for scan requests")

		processMessages(ctx, cfg, session, pl)
		session.Close()
	}
}

// processMessages reads scan requests until the session itself fails. On a
// read error it sleeps one retry_period, per the CONNECT-state backoff, so a
// flapping scheduler connection is not hammered with immediate reconnects.
func processMessages(ctx context.Context, cfg *config.Config, session *controlplane.Session, pl *pipeline.Pipeline) {
	for {
		if ctx.Err() != nil {
			return
		}

		request, err := session.Next()
		if err != nil {
			log.Printf("control-plane session ended: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(cfg.Scheduler.RetryPeriod) * time.Second):
			}
			return
		}

		if err := pl.Run(ctx, request); err != nil {
			log.Printf("scan request failed: %v", err)
		}
	}
}

func runCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	namespace := fs.String("namespace", "", "override the container namespace")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	cfg.SetContainerNamespace(*namespace)

	if err := check.Run(cfg); err != nil {
		os.Exit(1)
	}
}

func loadConfig(explicitPath string) *config.Config {
	path, err := config.ResolvePath(explicitPath)
	if err != nil {
		log.Fatalf("resolve config path: %v", err)
	}
	if path == "" {
		log.Println("no configuration file found, falling back to built-in defaults")
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	return cfg
}
