package main

import (
	"github.com/csnover/Retro68/cmd/poserdbg/cmds"
	"github.com/csnover/Retro68/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.PoserVersion.Build = Build
	}
	cmds.New(false).Execute()
}
