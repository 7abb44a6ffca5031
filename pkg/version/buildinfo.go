package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

func init() {
	buildInfo = moduleBuildInfo
}

// moduleBuildInfo lists the main module and its dependencies, one per
// line, as recorded by the Go toolchain.
func moduleBuildInfo() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "not built in module mode"
	}

	var sb strings.Builder
	mod := func(kind string, m *debug.Module) {
		fmt.Fprintf(&sb, " %s\t%s\t%s", kind, m.Path, m.Version)
		if m.Replace != nil {
			fmt.Fprintf(&sb, "\t=> %s\t%s", m.Replace.Path, m.Replace.Version)
		}
		sb.WriteByte('\n')
	}
	mod("mod", &info.Main)
	for _, dep := range info.Deps {
		mod("dep", dep)
	}
	return sb.String()
}
