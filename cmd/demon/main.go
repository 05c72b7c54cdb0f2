package main

import (
	"os"

	"github.com/EpicGamesExt/raddebugger-sub016/cmd/demon/cmds"
	"github.com/EpicGamesExt/raddebugger-sub016/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.DemonVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
