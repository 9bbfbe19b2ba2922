// Package check implements the runner's `check` subcommand: a dry
// health-probe of the local `git` and container tool binaries, plus the
// resolved configuration.
package check

import (
	"fmt"
	"os/exec"

	"github.com/fatih/color"

	"github.com/kongbytes/chicon-runner-go/internal/config"
)

// Run executes every health probe in order and returns an error on the
// first failure. Each probe prints its own OK/FAIL line as it completes.
func Run(cfg *config.Config) error {
	fmt.Println()
	fmt.Println("Starting Chicon runner health checks")
	fmt.Println()

	ok("valid configuration file found")

	if err := probe("git", "version"); err != nil {
		fail("could not launch the 'git' binary and execute a 'version' command (%v)", err)
		return err
	}
	ok("git binary launched")

	namespaceArg := fmt.Sprintf("--namespace=%s", cfg.Container.Namespace)
	if err := probe("nerdctl", namespaceArg, "ps"); err != nil {
		fail("could not launch the 'nerdctl' binary and execute a 'ps' command (%v)", err)
		return err
	}
	ok("nerdctl binary launched")

	fmt.Println()
	return nil
}

func probe(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	return cmd.Run()
}

func ok(message string) {
	color.New(color.FgGreen).Printf("OK, %s\n", message)
}

func fail(format string, args ...interface{}) {
	color.New(color.FgRed).Printf("FAIL, "+format+"\n", args...)
}
