package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/towtrack/internal/daemon"
	"github.com/matheus3301/towtrack/internal/session"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jobFlag := flag.String("job", "", "job id to track on start (\"active\" resolves the caller's active job)")
	flag.Parse()

	profileName := session.Resolve(*profileFlag)
	if err := session.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{ProfileName: profileName, ActiveJob: *jobFlag}),
		fx.NopLogger,
	)

	app.Run()
}
